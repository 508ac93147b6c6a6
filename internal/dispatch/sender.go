package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
)

// Sender delivers a payload to a shard and waits only for acknowledgement.
type Sender interface {
	Send(ctx context.Context, s *models.Shard, p *Payload) error
}

// JobsPath is the worker endpoint that accepts payloads.
const JobsPath = "/api/v1/jobs"

// HTTPSender posts payloads to API-mode shards. Anything other than
// 202 Accepted is a failed dispatch.
type HTTPSender struct {
	Client *http.Client
}

// NewHTTPSender returns an HTTPSender with the given per-request timeout.
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{Client: &http.Client{Timeout: timeout}}
}

// Send implements Sender.
func (h *HTTPSender) Send(ctx context.Context, s *models.Shard, p *Payload) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("dispatch: marshal payload: %w", err)
	}
	url := "http://" + net.JoinHostPort(s.Host, strconv.Itoa(s.Port)) + JobsPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: post to shard %s: %w", s.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("dispatch: shard %s answered %d: %s", s.ID, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

// ModeSender picks a transport by the shard's execution mode.
type ModeSender struct {
	API     Sender
	Session Sender
}

// Send implements Sender.
func (m *ModeSender) Send(ctx context.Context, s *models.Shard, p *Payload) error {
	var next Sender
	switch s.ExecutionMode {
	case config.ModeSession:
		next = m.Session
	default:
		next = m.API
	}
	if next == nil {
		return fmt.Errorf("dispatch: no transport configured for %s shard %s", s.ExecutionMode, s.ID)
	}
	return next.Send(ctx, s, p)
}

// MockSender records payloads. Used in tests.
type MockSender struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

// Sent is one recorded dispatch.
type Sent struct {
	ShardID string
	Payload Payload
}

// Send implements Sender.
func (m *MockSender) Send(_ context.Context, s *models.Shard, p *Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, Sent{ShardID: s.ID, Payload: *p})
	return nil
}

// Sent returns the recorded dispatches.
func (m *MockSender) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}
