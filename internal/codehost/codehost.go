// Package codehost is the boundary to the code hosting service where pull
// requests are opened.
package codehost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/v68/github"
	"github.com/zulandar/switchyard/internal/config"
	"golang.org/x/oauth2"
)

// PullRequest identifies a pull request.
type PullRequest struct {
	Number int
	URL    string
	// Existing is set when an already-open pull request for the branch was
	// returned instead of creating a new one.
	Existing bool
}

// NewPullRequest describes a pull request to open.
type NewPullRequest struct {
	Head  string
	Base  string
	Title string
	Body  string
}

// Client is the subset of code-host operations a job needs.
type Client interface {
	// CreatePullRequest opens a pull request, or returns the open one for
	// the same head branch if the host reports it already exists.
	CreatePullRequest(ctx context.Context, repo config.RepoConfig, pr NewPullRequest) (*PullRequest, error)

	// Comment posts a comment on an existing pull request.
	Comment(ctx context.Context, repo config.RepoConfig, number int, body string) error
}

// ErrNoOpenPullRequest is returned when a lookup finds nothing.
var ErrNoOpenPullRequest = errors.New("codehost: no open pull request")

// GitHub implements Client with go-github.
type GitHub struct {
	client *github.Client
}

// NewGitHub returns a GitHub client authenticated with token. baseURL is
// empty for github.com or the API root of a GitHub Enterprise server.
func NewGitHub(ctx context.Context, token, baseURL string) (*GitHub, error) {
	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	c := github.NewClient(hc)
	if baseURL != "" {
		u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("codehost: parse base url: %w", err)
		}
		c.BaseURL = u
	}
	return &GitHub{client: c}, nil
}

// CreatePullRequest implements Client.
func (g *GitHub) CreatePullRequest(ctx context.Context, repo config.RepoConfig, pr NewPullRequest) (*PullRequest, error) {
	created, _, err := g.client.PullRequests.Create(ctx, repo.Owner, repo.Name, &github.NewPullRequest{
		Title: github.Ptr(pr.Title),
		Head:  github.Ptr(pr.Head),
		Base:  github.Ptr(pr.Base),
		Body:  github.Ptr(pr.Body),
	})
	if err == nil {
		return &PullRequest{Number: created.GetNumber(), URL: created.GetHTMLURL()}, nil
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusUnprocessableEntity {
		existing, ferr := g.findOpen(ctx, repo, pr.Head)
		if ferr == nil {
			existing.Existing = true
			return existing, nil
		}
	}
	return nil, fmt.Errorf("codehost: create pull request %s <- %s: %w", repo.Ref(), pr.Head, err)
}

func (g *GitHub) findOpen(ctx context.Context, repo config.RepoConfig, head string) (*PullRequest, error) {
	prs, _, err := g.client.PullRequests.List(ctx, repo.Owner, repo.Name, &github.PullRequestListOptions{
		State: "open",
		Head:  repo.Owner + ":" + head,
	})
	if err != nil {
		return nil, fmt.Errorf("codehost: list pull requests: %w", err)
	}
	if len(prs) == 0 {
		return nil, ErrNoOpenPullRequest
	}
	return &PullRequest{Number: prs[0].GetNumber(), URL: prs[0].GetHTMLURL()}, nil
}

// Comment implements Client.
func (g *GitHub) Comment(ctx context.Context, repo config.RepoConfig, number int, body string) error {
	_, _, err := g.client.Issues.CreateComment(ctx, repo.Owner, repo.Name, number, &github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return fmt.Errorf("codehost: comment on %s#%d: %w", repo.Ref(), number, err)
	}
	return nil
}

// PullRequestURL derives the web URL of pull request number from the
// repository's clone URL.
func PullRequestURL(repo config.RepoConfig, number int) string {
	base := strings.TrimSuffix(strings.TrimRight(repo.CloneURL, "/"), ".git")
	if base == "" {
		base = "https://github.com/" + repo.Ref()
	}
	return fmt.Sprintf("%s/pull/%d", base, number)
}

// Mock is an in-memory Client for tests.
type Mock struct {
	mu       sync.Mutex
	next     int
	open     map[string]*PullRequest // key: owner/name:head
	comments map[int][]string
	Err      error
}

// NewMock returns an empty Mock whose first pull request is #1.
func NewMock() *Mock {
	return &Mock{next: 1, open: make(map[string]*PullRequest), comments: make(map[int][]string)}
}

// CreatePullRequest implements Client.
func (m *Mock) CreatePullRequest(_ context.Context, repo config.RepoConfig, pr NewPullRequest) (*PullRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	key := repo.Ref() + ":" + pr.Head
	if existing, ok := m.open[key]; ok {
		cp := *existing
		cp.Existing = true
		return &cp, nil
	}
	created := &PullRequest{
		Number: m.next,
		URL:    fmt.Sprintf("https://github.com/%s/pull/%d", repo.Ref(), m.next),
	}
	m.next++
	m.open[key] = created
	cp := *created
	return &cp, nil
}

// Comment implements Client.
func (m *Mock) Comment(_ context.Context, _ config.RepoConfig, number int, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.comments[number] = append(m.comments[number], body)
	return nil
}

// Comments returns the comments posted on pull request number.
func (m *Mock) Comments(number int) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[number]...)
}

// Opened returns how many distinct pull requests were created.
func (m *Mock) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}
