// Package tracker is the boundary to the external ticket tracker.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrIssueNotFound is returned when the tracker has no issue for a key.
var ErrIssueNotFound = errors.New("tracker: issue not found")

// Client is the subset of ticket-tracker operations a job needs.
type Client interface {
	// GetIssue fetches the issue with its comments and attachments.
	GetIssue(ctx context.Context, key string) (*Issue, error)

	// GetComments returns the issue's comments, oldest first.
	GetComments(ctx context.Context, key string) ([]Comment, error)

	// AddComment posts body and returns the new comment's id.
	AddComment(ctx context.Context, key, body string) (string, error)

	AddLabel(ctx context.Context, key, label string) error
	RemoveLabel(ctx context.Context, key, label string) error

	// TransitionStatus moves the issue to the named status.
	TransitionStatus(ctx context.Context, key, status string) error
}

// Issue is a ticket as seen by a job.
type Issue struct {
	Key         string       `json:"key"`
	Summary     string       `json:"summary"`
	Description string       `json:"description"`
	Type        string       `json:"type"`
	Priority    string       `json:"priority"`
	Status      string       `json:"status"`
	Labels      []string     `json:"labels,omitempty"`
	Comments    []Comment    `json:"comments"`
	Attachments []Attachment `json:"attachment_info"`
	URLs        []string     `json:"urls_to_check"`
}

// Comment is one ticket comment.
type Comment struct {
	ID      string    `json:"id"`
	Author  string    `json:"author"`
	Body    string    `json:"body"`
	Created time.Time `json:"created"`
}

// Attachment describes a file attached to a ticket. Content is not fetched.
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
	URL      string `json:"url"`
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\]\)|]+`)

// ExtractURLs returns the distinct http(s) URLs in text, in order of first
// appearance.
func ExtractURLs(text string) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}
	return urls
}

// Thread returns the comments from the anchor through the answer, both
// inclusive. The answer must come after the anchor.
func Thread(comments []Comment, anchorID, answerID string) ([]Comment, error) {
	if answerID == "" {
		return nil, fmt.Errorf("tracker: answering comment id is required")
	}
	if answerID == anchorID {
		return nil, fmt.Errorf("tracker: comment %s is the anchor, not an answer", answerID)
	}
	start := -1
	for i, c := range comments {
		switch c.ID {
		case anchorID:
			start = i
		case answerID:
			if start < 0 {
				return nil, fmt.Errorf("tracker: answer %s does not follow anchor %s", answerID, anchorID)
			}
			return comments[start : i+1], nil
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("tracker: anchor comment %s not found", anchorID)
	}
	return nil, fmt.Errorf("tracker: answering comment %s not found after anchor %s", answerID, anchorID)
}
