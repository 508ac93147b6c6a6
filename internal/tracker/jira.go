package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Jira talks to the Jira REST API v2 with basic auth.
type Jira struct {
	baseURL string
	email   string
	token   string
	http    *http.Client
}

// NewJira returns a Jira client. A nil httpClient gets a 15 second timeout.
func NewJira(baseURL, email, token string, httpClient *http.Client) *Jira {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Jira{
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   email,
		token:   token,
		http:    httpClient,
	}
}

type jiraComment struct {
	ID     string `json:"id"`
	Body   string `json:"body"`
	Author struct {
		DisplayName string `json:"displayName"`
	} `json:"author"`
	Created string `json:"created"`
}

type jiraIssue struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string `json:"summary"`
		Description string `json:"description"`
		IssueType   struct {
			Name string `json:"name"`
		} `json:"issuetype"`
		Priority struct {
			Name string `json:"name"`
		} `json:"priority"`
		Status struct {
			Name string `json:"name"`
		} `json:"status"`
		Labels     []string `json:"labels"`
		Attachment []struct {
			Filename string `json:"filename"`
			MimeType string `json:"mimeType"`
			Size     int64  `json:"size"`
			Content  string `json:"content"`
		} `json:"attachment"`
		Comment struct {
			Comments []jiraComment `json:"comments"`
		} `json:"comment"`
	} `json:"fields"`
}

// jiraTime is the timestamp layout Jira uses in REST v2 responses.
const jiraTime = "2006-01-02T15:04:05.000-0700"

func (c jiraComment) toComment() Comment {
	created, _ := time.Parse(jiraTime, c.Created)
	return Comment{ID: c.ID, Author: c.Author.DisplayName, Body: c.Body, Created: created}
}

// GetIssue implements Client.
func (j *Jira) GetIssue(ctx context.Context, key string) (*Issue, error) {
	var raw jiraIssue
	path := "/rest/api/2/issue/" + url.PathEscape(key) +
		"?fields=summary,description,issuetype,priority,status,labels,attachment,comment"
	if err := j.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, fmt.Errorf("tracker: get issue %s: %w", key, err)
	}

	f := raw.Fields
	issue := &Issue{
		Key:         raw.Key,
		Summary:     f.Summary,
		Description: f.Description,
		Type:        f.IssueType.Name,
		Priority:    f.Priority.Name,
		Status:      f.Status.Name,
		Labels:      f.Labels,
		URLs:        ExtractURLs(f.Description),
	}
	for _, c := range f.Comment.Comments {
		issue.Comments = append(issue.Comments, c.toComment())
	}
	for _, a := range f.Attachment {
		issue.Attachments = append(issue.Attachments, Attachment{Filename: a.Filename, MimeType: a.MimeType, Size: a.Size, URL: a.Content})
	}
	return issue, nil
}

// GetComments implements Client.
func (j *Jira) GetComments(ctx context.Context, key string) ([]Comment, error) {
	var raw struct {
		Comments []jiraComment `json:"comments"`
	}
	if err := j.do(ctx, http.MethodGet, "/rest/api/2/issue/"+url.PathEscape(key)+"/comment?orderBy=created", nil, &raw); err != nil {
		return nil, fmt.Errorf("tracker: get comments %s: %w", key, err)
	}
	comments := make([]Comment, 0, len(raw.Comments))
	for _, c := range raw.Comments {
		comments = append(comments, c.toComment())
	}
	return comments, nil
}

// AddComment implements Client.
func (j *Jira) AddComment(ctx context.Context, key, body string) (string, error) {
	var created jiraComment
	if err := j.do(ctx, http.MethodPost, "/rest/api/2/issue/"+url.PathEscape(key)+"/comment", map[string]string{"body": body}, &created); err != nil {
		return "", fmt.Errorf("tracker: add comment %s: %w", key, err)
	}
	return created.ID, nil
}

// AddLabel implements Client.
func (j *Jira) AddLabel(ctx context.Context, key, label string) error {
	return j.editLabels(ctx, key, "add", label)
}

// RemoveLabel implements Client.
func (j *Jira) RemoveLabel(ctx context.Context, key, label string) error {
	return j.editLabels(ctx, key, "remove", label)
}

func (j *Jira) editLabels(ctx context.Context, key, op, label string) error {
	body := map[string]any{
		"update": map[string]any{
			"labels": []map[string]string{{op: label}},
		},
	}
	if err := j.do(ctx, http.MethodPut, "/rest/api/2/issue/"+url.PathEscape(key), body, nil); err != nil {
		return fmt.Errorf("tracker: %s label %q on %s: %w", op, label, key, err)
	}
	return nil
}

// TransitionStatus implements Client. It matches either the transition name
// or its target status name, ignoring case.
func (j *Jira) TransitionStatus(ctx context.Context, key, status string) error {
	var raw struct {
		Transitions []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			To   struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"transitions"`
	}
	path := "/rest/api/2/issue/" + url.PathEscape(key) + "/transitions"
	if err := j.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return fmt.Errorf("tracker: list transitions %s: %w", key, err)
	}
	for _, t := range raw.Transitions {
		if strings.EqualFold(t.To.Name, status) || strings.EqualFold(t.Name, status) {
			body := map[string]any{"transition": map[string]string{"id": t.ID}}
			if err := j.do(ctx, http.MethodPost, path, body, nil); err != nil {
				return fmt.Errorf("tracker: transition %s to %q: %w", key, status, err)
			}
			return nil
		}
	}
	return fmt.Errorf("tracker: transition %s: no transition to %q", key, status)
}

// do sends a JSON request and decodes a JSON response into out when non-nil.
func (j *Jira) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, j.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(j.email, j.token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := j.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrIssueNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
