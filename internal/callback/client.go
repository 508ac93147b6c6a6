package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zulandar/switchyard/internal/ledger"
)

// Client reports a single job's events to its callback URL. It has the same
// method set the workflow uses on a local *ledger.Ledger.
type Client struct {
	url   string
	token string
	http  *http.Client
}

// NewClient returns a Client posting to url with token as bearer credential.
func NewClient(url, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{url: url, token: token, http: httpClient}
}

// Advance reports a completed step.
func (c *Client) Advance(ctx context.Context, _ string, step string, progress int, status string) error {
	return c.send(ctx, Event{Type: EventAdvance, Step: step, Progress: progress, Status: status})
}

// SuspendForClarification reports that the job is waiting on answers.
func (c *Client) SuspendForClarification(ctx context.Context, _ string, anchorID string, questions []string) error {
	return c.send(ctx, Event{Type: EventSuspend, AnchorID: anchorID, Questions: questions})
}

// MarkPublished reports an opened or updated pull request.
func (c *Client) MarkPublished(ctx context.Context, _ string, p ledger.Publication) error {
	return c.send(ctx, Event{
		Type:              EventPublished,
		PullRequestURL:    p.PullRequestURL,
		PullRequestNumber: p.PullRequestNumber,
		BranchName:        p.BranchName,
	})
}

// Complete reports a finished job.
func (c *Client) Complete(ctx context.Context, _ string, p ledger.Publication) error {
	return c.send(ctx, Event{
		Type:              EventComplete,
		PullRequestURL:    p.PullRequestURL,
		PullRequestNumber: p.PullRequestNumber,
		BranchName:        p.BranchName,
	})
}

// Fail reports a failed job.
func (c *Client) Fail(ctx context.Context, _ string, msg string) error {
	return c.send(ctx, Event{Type: EventFail, Error: msg})
}

// AppendLog ships a job log entry.
func (c *Client) AppendLog(ctx context.Context, _ string, level, msg string, fields map[string]any) error {
	return c.send(ctx, Event{Type: EventLog, Level: level, Message: msg, Context: fields})
}

func (c *Client) send(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("callback: marshal %s: %w", ev.Type, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("callback: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("callback: post %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("callback: post %s: status %d: %s", ev.Type, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
