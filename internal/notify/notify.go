// Package notify posts job milestones to chat channels.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Event kinds.
const (
	KindClarification  = "clarification"
	KindPublished      = "published"
	KindFailed         = "failed"
	KindDispatchFailed = "dispatch_failed"
)

// Field is a short labelled value shown alongside the message.
type Field struct {
	Name  string
	Value string
}

// Event is one notification.
type Event struct {
	Kind      string
	TenantID  string
	TicketKey string
	JobID     string
	Title     string
	Body      string
	URL       string
	Fields    []Field
}

// Notifier delivers an Event.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

func colorFor(kind string) string {
	switch kind {
	case KindPublished:
		return "#36a64f"
	case KindClarification:
		return "#dbab09"
	default:
		return "#d93f0b"
	}
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every notifier. Each failure is logged; the
// joined error is returned for callers that care.
type Multi struct {
	notifiers []Notifier
	log       *slog.Logger
}

// NewMulti returns a Multi over ns. Nil entries are skipped.
func NewMulti(log *slog.Logger, ns ...Notifier) *Multi {
	if log == nil {
		log = slog.Default()
	}
	m := &Multi{log: log}
	for _, n := range ns {
		if n != nil {
			m.notifiers = append(m.notifiers, n)
		}
	}
	return m
}

// Len reports how many notifiers are configured.
func (m *Multi) Len() int { return len(m.notifiers) }

// Notify implements Notifier.
func (m *Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			m.log.Warn("notification failed", "kind", ev.Kind, "ticket", ev.TicketKey, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Notify implements Notifier.
func (r *Recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.Err
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}
