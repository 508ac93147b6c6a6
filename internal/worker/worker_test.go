package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/workflow"
)

func testPayload(jobID string) *dispatch.Payload {
	return &dispatch.Payload{
		Version:   dispatch.PayloadVersion,
		Mode:      dispatch.ModeFresh,
		JobID:     jobID,
		TenantID:  "acme",
		TicketKey: "X-1",
		RunCount:  1,
		RepoConfig: config.RepoConfig{
			Owner:         "acme",
			Name:          "storefront",
			DefaultBranch: "main",
			CloneURL:      "https://github.com/acme/storefront.git",
		},
		CallbackURL: "https://dispatch.example.com/api/v1/jobs/" + jobID + "/events",
	}
}

// blockingRunner runs until release is closed.
type blockingRunner struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
	ran     chan string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), ran: make(chan string, 16)}
}

func (r *blockingRunner) Run(_ context.Context, p *dispatch.Payload) workflow.Result {
	r.mu.Lock()
	r.started = append(r.started, p.JobID)
	r.mu.Unlock()
	<-r.release
	r.ran <- p.JobID
	return workflow.Result{Outcome: workflow.OutcomePublished}
}

func (r *blockingRunner) builder() Builder {
	return func(context.Context, *dispatch.Payload) (JobRunner, error) { return r, nil }
}

func post(t *testing.T, h http.Handler, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, dispatch.JobsPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func health(t *testing.T, h http.Handler) map[string]any {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	return body
}

func TestDispatch_AcceptsUntilFull(t *testing.T) {
	runner := newBlockingRunner()
	w := New(runner.builder(), Options{MaxJobs: 1}, nil)
	h := w.Handler()

	if rec := post(t, h, mustJSON(t, testPayload("job-1"))); rec.Code != http.StatusAccepted {
		t.Fatalf("first dispatch status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	if rec := post(t, h, mustJSON(t, testPayload("job-2"))); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("second dispatch status = %d, want 503", rec.Code)
	}

	body := health(t, h)
	if body["status"] != "ok" || body["running_jobs"] != float64(1) || body["max_jobs"] != float64(1) {
		t.Errorf("health = %v", body)
	}

	close(runner.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if w.Running() != 0 {
		t.Errorf("Running = %d after drain, want 0", w.Running())
	}
	if rec := post(t, h, mustJSON(t, testPayload("job-3"))); rec.Code != http.StatusAccepted {
		t.Errorf("dispatch after drain status = %d, want 202", rec.Code)
	}
	w.Wait(ctx)
}

func TestDispatch_RejectsInvalidPayload(t *testing.T) {
	runner := newBlockingRunner()
	w := New(runner.builder(), Options{MaxJobs: 1}, nil)

	bad := testPayload("job-1")
	bad.CallbackURL = ""
	for name, body := range map[string][]byte{
		"not json":    []byte("{"),
		"no callback": mustJSON(t, bad),
	} {
		if rec := post(t, w.Handler(), body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
	if w.Running() != 0 {
		t.Errorf("Running = %d, want 0", w.Running())
	}
}

func TestDispatch_BuildFailureFreesSlot(t *testing.T) {
	w := New(func(context.Context, *dispatch.Payload) (JobRunner, error) {
		return nil, errors.New("payload carries no model api key")
	}, Options{MaxJobs: 1}, nil)

	rec := post(t, w.Handler(), mustJSON(t, testPayload("job-1")))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "model api key") {
		t.Errorf("body = %s", rec.Body.String())
	}
	if !w.slots.TryAcquire(1) {
		t.Error("slot not released after build failure")
	}
}

func TestClientBuilder_RequiresCredentials(t *testing.T) {
	b := &ClientBuilder{}
	p := testPayload("job-1")
	if _, err := b.Build(context.Background(), p); err == nil {
		t.Error("expected error without model key")
	}
	p.Credentials = config.Credentials{ModelAPIKey: "sk-test"}
	if _, err := b.Build(context.Background(), p); err == nil {
		t.Error("expected error without tracker url")
	}
	p.Credentials.TicketTrackerURL = "https://acme.atlassian.net"
	if _, err := b.Build(context.Background(), p); err != nil {
		t.Errorf("Build: %v", err)
	}
}

type ackRecord struct {
	tag     uint64
	ack     bool
	requeue bool
}

type fakeAcknowledger struct {
	mu   sync.Mutex
	acks []ackRecord
	seen chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{seen: make(chan struct{}, 16)}
}

func (a *fakeAcknowledger) record(r ackRecord) error {
	a.mu.Lock()
	a.acks = append(a.acks, r)
	a.mu.Unlock()
	a.seen <- struct{}{}
	return nil
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	return a.record(ackRecord{tag: tag, ack: true})
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	return a.record(ackRecord{tag: tag, requeue: requeue})
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.record(ackRecord{tag: tag, requeue: requeue})
}

func (a *fakeAcknowledger) wait(t *testing.T) {
	t.Helper()
	select {
	case <-a.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}

func (a *fakeAcknowledger) records() []ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ackRecord(nil), a.acks...)
}

func TestConsume_AcksAfterJobFinishes(t *testing.T) {
	runner := newBlockingRunner()
	w := New(runner.builder(), Options{MaxJobs: 2, ShardID: "shard-a"}, nil)
	ack := newFakeAcknowledger()

	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: []byte("garbage")}
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: mustJSON(t, testPayload("job-1"))}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Consume(ctx, msgs) }()

	ack.wait(t)
	if got := ack.records(); len(got) != 1 || got[0].tag != 1 || got[0].ack || got[0].requeue {
		t.Fatalf("malformed delivery record = %+v, want nack without requeue", got)
	}

	// The job is running; it must not be acked yet.
	deadline := time.Now().Add(5 * time.Second)
	for w.Running() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(ack.records()); n != 1 {
		t.Errorf("records before completion = %d, want 1", n)
	}

	close(runner.release)
	ack.wait(t)
	if got := ack.records(); !got[1].ack || got[1].tag != 2 {
		t.Errorf("job delivery record = %+v, want ack of tag 2", got[1])
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Consume = %v, want nil after cancel", err)
	}
}

func TestConsume_ClosedChannel(t *testing.T) {
	w := New(newBlockingRunner().builder(), Options{MaxJobs: 1}, nil)
	msgs := make(chan amqp.Delivery)
	close(msgs)
	if err := w.Consume(context.Background(), msgs); !errors.Is(err, ErrDeliveriesClosed) {
		t.Errorf("Consume = %v, want ErrDeliveriesClosed", err)
	}
}
