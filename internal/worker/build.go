package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/zulandar/switchyard/internal/callback"
	"github.com/zulandar/switchyard/internal/codehost"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/llm"
	"github.com/zulandar/switchyard/internal/notify"
	"github.com/zulandar/switchyard/internal/tracker"
	"github.com/zulandar/switchyard/internal/workflow"
)

// ClientBuilder builds production clients for a payload: Jira from the
// tracker credentials, GitHub from the code-host token, Anthropic from the
// model key, and a callback reporter for the dispatcher's ledger.
type ClientBuilder struct {
	Workflow    workflow.Options
	Model       config.ModelConfig
	CodeHostURL string
	Notifier    notify.Notifier
	HTTPClient  *http.Client
	Log         *slog.Logger
}

// Build implements Builder.
func (b *ClientBuilder) Build(ctx context.Context, p *dispatch.Payload) (JobRunner, error) {
	creds := p.Credentials
	if creds.ModelAPIKey == "" {
		return nil, fmt.Errorf("payload carries no model api key")
	}
	if creds.TicketTrackerURL == "" {
		return nil, fmt.Errorf("payload carries no ticket tracker url")
	}
	gh, err := codehost.NewGitHub(ctx, creds.CodeHostToken, b.CodeHostURL)
	if err != nil {
		return nil, err
	}
	log := b.Log
	if log == nil {
		log = slog.Default()
	}
	return workflow.New(workflow.Deps{
		Reporter: callback.NewClient(p.CallbackURL, p.CallbackToken, b.HTTPClient),
		Tracker:  tracker.NewJira(creds.TicketTrackerURL, creds.TicketTrackerEmail, creds.TicketTrackerToken, b.HTTPClient),
		CodeHost: gh,
		Model:    llm.NewAnthropic(creds.ModelAPIKey, b.Model.Name, b.Model.BaseURL, b.Model.MaxTokens, b.HTTPClient),
		Notifier: b.Notifier,
		Log:      log.With("job", p.JobID, "ticket", p.TicketKey),
	}, b.Workflow), nil
}
