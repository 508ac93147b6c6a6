package notify

import (
	"context"
	"fmt"

	slackapi "github.com/slack-go/slack"
)

// slackPoster abstracts the Slack API method we use, enabling test mocks.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts events as message attachments.
type Slack struct {
	client    slackPoster
	channelID string
}

// NewSlack returns a Slack notifier using a bot token.
func NewSlack(botToken, channelID string) *Slack {
	return &Slack{client: slackapi.New(botToken), channelID: channelID}
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, ev Event) error {
	att := slackapi.Attachment{
		Color:     colorFor(ev.Kind),
		Title:     ev.Title,
		TitleLink: ev.URL,
		Text:      ev.Body,
		Footer:    ev.TenantID + " · " + ev.JobID,
	}
	for _, f := range ev.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: f.Name, Value: f.Value, Short: true})
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slackapi.MsgOptionText(fmt.Sprintf("%s: %s", ev.TicketKey, ev.Title), false),
		slackapi.MsgOptionAttachments(att),
	)
	if err != nil {
		return fmt.Errorf("notify: slack post: %w", err)
	}
	return nil
}
