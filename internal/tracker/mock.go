package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mock is an in-memory Client for tests. Errors can be injected per method
// name ("GetIssue", "AddLabel", ...).
type Mock struct {
	mu          sync.Mutex
	issues      map[string]*Issue
	labels      map[string]map[string]bool
	statuses    map[string]string
	errs        map[string]error
	nextComment int
}

// NewMock returns an empty Mock.
func NewMock() *Mock {
	return &Mock{
		issues:      make(map[string]*Issue),
		labels:      make(map[string]map[string]bool),
		statuses:    make(map[string]string),
		errs:        make(map[string]error),
		nextComment: 10000,
	}
}

// PutIssue stores or replaces an issue.
func (m *Mock) PutIssue(issue Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := issue
	m.issues[issue.Key] = &cp
}

// FailOn makes method return err until cleared with a nil err.
func (m *Mock) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[method] = err
}

// ReplyAs appends a comment from author and returns its id.
func (m *Mock) ReplyAs(key, author, body string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendComment(key, author, body)
}

func (m *Mock) appendComment(key, author, body string) string {
	issue, ok := m.issues[key]
	if !ok {
		issue = &Issue{Key: key}
		m.issues[key] = issue
	}
	m.nextComment++
	id := fmt.Sprintf("c-%d", m.nextComment)
	issue.Comments = append(issue.Comments, Comment{ID: id, Author: author, Body: body, Created: time.Now()})
	return id
}

// GetIssue implements Client.
func (m *Mock) GetIssue(_ context.Context, key string) (*Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["GetIssue"]; err != nil {
		return nil, err
	}
	issue, ok := m.issues[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, key)
	}
	cp := *issue
	cp.Comments = append([]Comment(nil), issue.Comments...)
	return &cp, nil
}

// GetComments implements Client.
func (m *Mock) GetComments(_ context.Context, key string) ([]Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["GetComments"]; err != nil {
		return nil, err
	}
	issue, ok := m.issues[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIssueNotFound, key)
	}
	return append([]Comment(nil), issue.Comments...), nil
}

// AddComment implements Client.
func (m *Mock) AddComment(_ context.Context, key, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["AddComment"]; err != nil {
		return "", err
	}
	return m.appendComment(key, "switchyard", body), nil
}

// AddLabel implements Client.
func (m *Mock) AddLabel(_ context.Context, key, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["AddLabel"]; err != nil {
		return err
	}
	if m.labels[key] == nil {
		m.labels[key] = make(map[string]bool)
	}
	m.labels[key][label] = true
	return nil
}

// RemoveLabel implements Client.
func (m *Mock) RemoveLabel(_ context.Context, key, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["RemoveLabel"]; err != nil {
		return err
	}
	delete(m.labels[key], label)
	return nil
}

// TransitionStatus implements Client.
func (m *Mock) TransitionStatus(_ context.Context, key, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs["TransitionStatus"]; err != nil {
		return err
	}
	m.statuses[key] = status
	return nil
}

// --- Test helpers ---

// HasLabel reports whether key currently carries label.
func (m *Mock) HasLabel(key, label string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.labels[key][label]
}

// Status returns the last status key was transitioned to.
func (m *Mock) Status(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[key]
}

// Comments returns a copy of key's comments.
func (m *Mock) Comments(key string) []Comment {
	m.mu.Lock()
	defer m.mu.Unlock()
	if issue, ok := m.issues[key]; ok {
		return append([]Comment(nil), issue.Comments...)
	}
	return nil
}
