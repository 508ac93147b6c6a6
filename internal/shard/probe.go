package shard

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/models"
)

// ProbeResult is what a live health probe learned about a shard.
type ProbeResult struct {
	Healthy bool
	// RunningJobs is the worker's own count, valid when HasCount is set.
	RunningJobs int
	HasCount    bool
}

// Prober checks a shard's liveness. Callers bound the call with ctx.
type Prober interface {
	Probe(ctx context.Context, s *models.Shard) (ProbeResult, error)
}

// healthResponse is the body served by a worker's GET /health.
type healthResponse struct {
	Status      string `json:"status"`
	RunningJobs *int   `json:"running_jobs"`
	MaxJobs     int    `json:"max_jobs"`
}

// HTTPProber probes API-mode workers over HTTP.
type HTTPProber struct {
	Client *http.Client
}

// Probe issues GET http://host:port/health.
func (p *HTTPProber) Probe(ctx context.Context, s *models.Shard) (ProbeResult, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("http://%s/health", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("shard: probe %s: %w", s.ID, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("shard: probe %s: %w", s.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{}, fmt.Errorf("shard: probe %s: status %d", s.ID, resp.StatusCode)
	}
	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ProbeResult{}, fmt.Errorf("shard: probe %s: decode: %w", s.ID, err)
	}
	if body.Status != "ok" && body.Status != models.HealthHealthy {
		return ProbeResult{}, fmt.Errorf("shard: probe %s: reported %q", s.ID, body.Status)
	}
	res := ProbeResult{Healthy: true}
	if body.RunningJobs != nil {
		res.RunningJobs = *body.RunningJobs
		res.HasCount = true
	}
	return res, nil
}

// TCPProber checks that a session-mode worker accepts connections.
type TCPProber struct {
	Dialer net.Dialer
}

// Probe dials host:port and closes the connection.
func (p *TCPProber) Probe(ctx context.Context, s *models.Shard) (ProbeResult, error) {
	conn, err := p.Dialer.DialContext(ctx, "tcp", net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
	if err != nil {
		return ProbeResult{}, fmt.Errorf("shard: dial %s: %w", s.ID, err)
	}
	conn.Close()
	return ProbeResult{Healthy: true}, nil
}

// ModeProber dispatches to the prober for the shard's execution mode.
type ModeProber struct {
	API     Prober
	Session Prober
}

// NewModeProber returns a ModeProber with HTTP and TCP probers.
func NewModeProber(client *http.Client) *ModeProber {
	return &ModeProber{API: &HTTPProber{Client: client}, Session: &TCPProber{}}
}

// Probe implements Prober.
func (p *ModeProber) Probe(ctx context.Context, s *models.Shard) (ProbeResult, error) {
	if s.ExecutionMode == config.ModeSession {
		return p.Session.Probe(ctx, s)
	}
	return p.API.Probe(ctx, s)
}
