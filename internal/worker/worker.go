// Package worker is the shard-side process. It accepts dispatched payloads
// over HTTP or from its AMQP queue and runs each one as a workflow job,
// reporting progress to the dispatcher through the payload's callback URL.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/workflow"
	"golang.org/x/sync/semaphore"
)

// maxPayloadBytes bounds a dispatch request body.
const maxPayloadBytes = 4 << 20

// ErrAtCapacity is returned by Submit when every job slot is taken.
var ErrAtCapacity = errors.New("worker: at capacity")

// JobRunner executes one dispatched payload to completion.
type JobRunner interface {
	Run(ctx context.Context, p *dispatch.Payload) workflow.Result
}

// Builder constructs the runner for one payload, typically from the
// credentials it carries.
type Builder func(ctx context.Context, p *dispatch.Payload) (JobRunner, error)

// Options configure a Worker.
type Options struct {
	Addr    string
	ShardID string
	MaxJobs int
}

// Worker runs dispatched jobs up to a fixed concurrency.
type Worker struct {
	build   Builder
	opts    Options
	log     *slog.Logger
	slots   *semaphore.Weighted
	running atomic.Int64
	wg      sync.WaitGroup
	router  *gin.Engine
}

// New returns a Worker.
func New(build Builder, opts Options, log *slog.Logger) *Worker {
	if opts.MaxJobs <= 0 {
		opts.MaxJobs = 1
	}
	if opts.Addr == "" {
		opts.Addr = ":9090"
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Worker{
		build: build,
		opts:  opts,
		log:   log,
		slots: semaphore.NewWeighted(int64(opts.MaxJobs)),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.POST(dispatch.JobsPath, w.handleDispatch)
	router.GET("/health", w.handleHealth)
	w.router = router
	return w
}

// Handler returns the HTTP handler for tests or embedding.
func (w *Worker) Handler() http.Handler { return w.router }

// Running returns the number of jobs in progress.
func (w *Worker) Running() int { return int(w.running.Load()) }

// Serve listens for dispatches until ctx is cancelled. Jobs already running
// are not interrupted; call Wait to drain them.
func (w *Worker) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              w.opts.Addr,
		Handler:           w.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	w.log.Info("worker listening", "addr", w.opts.Addr, "shard", w.opts.ShardID, "max_jobs", w.opts.MaxJobs)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("worker: %w", err)
	}
	return nil
}

// Wait blocks until every started job has finished or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker: %d jobs still running: %w", w.Running(), ctx.Err())
	}
}

// Submit starts p in the background if a slot is free.
func (w *Worker) Submit(ctx context.Context, p *dispatch.Payload) error {
	if !w.slots.TryAcquire(1) {
		return ErrAtCapacity
	}
	runner, err := w.build(ctx, p)
	if err != nil {
		w.slots.Release(1)
		return fmt.Errorf("worker: build job %s: %w", p.JobID, err)
	}
	w.start(p, runner, nil)
	return nil
}

// start runs the job on its own goroutine, detached from any request
// context, and calls done when it finishes. The caller holds a slot.
func (w *Worker) start(p *dispatch.Payload, runner JobRunner, done func(workflow.Result)) {
	w.running.Add(1)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.slots.Release(1)
		defer w.running.Add(-1)

		log := w.log.With("job", p.JobID, "ticket", p.TicketKey, "mode", p.Mode)
		log.Info("job started", "run", p.RunCount)
		res := runner.Run(context.Background(), p)
		switch res.Outcome {
		case workflow.OutcomeFailed:
			log.Warn("job failed", "error", res.Err)
		default:
			log.Info("job finished", "outcome", res.Outcome, "pr", res.PullRequestURL)
		}
		if done != nil {
			done(res)
		}
	}()
}

func (w *Worker) handleDispatch(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p, err := dispatch.DecodePayload(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err = w.Submit(c.Request.Context(), p)
	switch {
	case errors.Is(err, ErrAtCapacity):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "worker is at capacity", "max_jobs": w.opts.MaxJobs})
	case err != nil:
		w.log.Error("dispatch rejected", "job", p.JobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusAccepted, gin.H{"accepted": true, "job_id": p.JobID})
	}
}

func (w *Worker) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"running_jobs": w.Running(),
		"max_jobs":     w.opts.MaxJobs,
	})
}
