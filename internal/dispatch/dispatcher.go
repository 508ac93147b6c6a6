// Package dispatch admits trigger requests for tickets, routes them to a
// shard and hands the job off with a single acknowledged call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zulandar/switchyard/internal/callback"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/ledger"
	"github.com/zulandar/switchyard/internal/lock"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/notify"
	"github.com/zulandar/switchyard/internal/shard"
	"github.com/zulandar/switchyard/internal/tenant"
	"github.com/zulandar/switchyard/internal/tracker"
)

const instrumentationName = "github.com/zulandar/switchyard/internal/dispatch"

// Defaults used when Options leaves a field zero.
const (
	DefaultCooldown        = 120 * time.Second
	DefaultMaxConcurrent   = 3
	DefaultDispatchTimeout = 30 * time.Second
	DefaultLockWait        = 10 * time.Second
)

// DispatchedProgress is the progress recorded when a shard accepts a job.
const DispatchedProgress = 5

// ShardSelector picks the shard a job runs on.
type ShardSelector interface {
	SelectShard(ctx context.Context, tenantID string, required []string) (*models.Shard, error)
}

// TrackerFunc returns the ticket-tracker client for a tenant.
type TrackerFunc func(t *config.TenantConfig) tracker.Client

// Options tune the guards.
type Options struct {
	Cooldown             time.Duration
	LockWait             time.Duration
	DispatchTimeout      time.Duration
	RequiredCapabilities []string
	WIPLabel             string
	InProgressStatus     string
	CallbackURL          func(jobID string) string
}

// OptionsFrom derives Options from the loaded configuration.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Cooldown:             cfg.Cooldown(),
		LockWait:             time.Duration(cfg.Dispatch.LockWaitSec) * time.Second,
		DispatchTimeout:      time.Duration(cfg.Dispatch.DispatchTimeoutSec) * time.Second,
		RequiredCapabilities: cfg.Dispatch.RequiredCapabilities,
		WIPLabel:             cfg.Dispatch.WIPLabel,
		InProgressStatus:     cfg.Dispatch.InProgressStatus,
		CallbackURL:          cfg.CallbackURL,
	}
}

// Deps are the collaborators a Dispatcher needs. Locker, Signer and
// Notifier are optional.
type Deps struct {
	Ledger   *ledger.Ledger
	Router   ShardSelector
	Tenants  tenant.Directory
	Trackers TrackerFunc
	Sender   Sender
	Locker   lock.Locker
	Signer   *callback.Signer
	Notifier notify.Notifier
	Log      *slog.Logger
}

// Dispatcher runs the trigger guards and dispatches admitted jobs.
type Dispatcher struct {
	ledger   *ledger.Ledger
	router   ShardSelector
	tenants  tenant.Directory
	trackers TrackerFunc
	sender   Sender
	locker   lock.Locker
	signer   *callback.Signer
	notifier notify.Notifier
	opts     Options
	log      *slog.Logger
	now      func() time.Time

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// New returns a Dispatcher.
func New(deps Deps, opts Options) *Dispatcher {
	if opts.Cooldown == 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	d := &Dispatcher{
		ledger:   deps.Ledger,
		router:   deps.Router,
		tenants:  deps.Tenants,
		trackers: deps.Trackers,
		sender:   deps.Sender,
		locker:   deps.Locker,
		signer:   deps.Signer,
		notifier: deps.Notifier,
		opts:     opts,
		log:      deps.Log,
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
	}
	if d.notifier == nil {
		d.notifier = notify.Nop{}
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter("switchyard.dispatch.outcomes",
		metric.WithDescription("Trigger, retry and resume outcomes by kind"))
	if err != nil {
		d.log.Warn("dispatch outcome counter unavailable", "error", err)
	}
	d.outcomes = counter
	return d
}

// TriggerRequest starts a fresh run for a ticket. BoardRef and RepoRef are
// derived from the ticket key's project prefix when empty.
type TriggerRequest struct {
	TenantID        string `json:"tenant_id"`
	TicketKey       string `json:"ticket_key"`
	BoardRef        string `json:"board_ref,omitempty"`
	RepoRef         string `json:"repo_ref,omitempty"`
	ExistingThemeID string `json:"existing_theme_id,omitempty"`
}

// RetryRequest reruns a ticket on the branch of an earlier run, updating
// PRNumber in place when set.
type RetryRequest struct {
	TenantID   string `json:"tenant_id"`
	TicketKey  string `json:"ticket_key"`
	BranchName string `json:"branch_name"`
	PRNumber   int    `json:"pr_number,omitempty"`
}

// ResumeRequest continues a job parked for clarification once the
// answering comment exists.
type ResumeRequest struct {
	TenantID           string `json:"tenant_id"`
	TicketKey          string `json:"ticket_key"`
	AnsweringCommentID string `json:"answering_comment_id"`
}

// target is an admitted tenant with its resolved board and repository.
type target struct {
	tenant *config.TenantConfig
	board  string
	repo   config.RepoConfig
}

// run describes the job to create in launch.
type run struct {
	mode     string
	branch   string
	prNumber int
	runCount int
	themeID  string
}

// Trigger admits and dispatches a fresh run for a ticket. On success it
// returns the new job's id. Guard failures are *Error values; duplicate and
// cooldown rejections carry the existing job's id.
func (d *Dispatcher) Trigger(ctx context.Context, req TriggerRequest) (jobID string, err error) {
	ctx, span := d.start(ctx, "dispatch.trigger", req.TenantID, req.TicketKey)
	defer func() { d.finish(ctx, span, "trigger", err) }()

	tgt, err := d.admit(req.TenantID, req.TicketKey, req.BoardRef, req.RepoRef)
	if err != nil {
		return "", err
	}
	release, err := d.acquire(ctx, req.TenantID, req.TicketKey)
	if err != nil {
		return "", err
	}
	defer release()

	if err := d.checkActive(ctx, req.TenantID, req.TicketKey); err != nil {
		return "", err
	}
	if err := d.checkCooldown(ctx, req.TenantID, req.TicketKey); err != nil {
		return "", err
	}
	branch, err := d.ledger.FindLatestBranch(ctx, req.TenantID, req.TicketKey)
	if err != nil {
		return "", newError(KindDispatch, "", err, "branch lookup for %s", req.TicketKey)
	}
	return d.launch(ctx, tgt, req.TicketKey, run{mode: ModeFresh, branch: branch, runCount: 1, themeID: req.ExistingThemeID})
}

// RetryOnBranch dispatches a rerun that reuses an existing branch. The
// cooldown guard is skipped; every other guard applies.
func (d *Dispatcher) RetryOnBranch(ctx context.Context, req RetryRequest) (jobID string, err error) {
	ctx, span := d.start(ctx, "dispatch.retry", req.TenantID, req.TicketKey)
	defer func() { d.finish(ctx, span, "retry", err) }()

	if strings.TrimSpace(req.BranchName) == "" {
		return "", newError(KindValidation, "", nil, "branch name is required for a retry")
	}
	tgt, err := d.admit(req.TenantID, req.TicketKey, "", "")
	if err != nil {
		return "", err
	}
	release, err := d.acquire(ctx, req.TenantID, req.TicketKey)
	if err != nil {
		return "", err
	}
	defer release()

	if err := d.checkActive(ctx, req.TenantID, req.TicketKey); err != nil {
		return "", err
	}
	runCount := 1
	latest, err := d.ledger.FindLatest(ctx, req.TenantID, req.TicketKey)
	switch {
	case err == nil:
		runCount = latest.RunCount + 1
	case !errors.Is(err, ledger.ErrNotFound):
		return "", newError(KindDispatch, "", err, "latest job lookup for %s", req.TicketKey)
	}
	return d.launch(ctx, tgt, req.TicketKey, run{mode: ModeRetry, branch: req.BranchName, prNumber: req.PRNumber, runCount: runCount})
}

// Resume continues the ticket's WAITING_CLARIFICATION job on a freshly
// selected shard, bumping its run count.
func (d *Dispatcher) Resume(ctx context.Context, req ResumeRequest) (jobID string, err error) {
	ctx, span := d.start(ctx, "dispatch.resume", req.TenantID, req.TicketKey)
	defer func() { d.finish(ctx, span, "resume", err) }()

	if req.AnsweringCommentID == "" {
		return "", newError(KindValidation, "", nil, "answering comment id is required")
	}
	if err := d.callbacksReady(); err != nil {
		return "", newError(KindDispatch, "", err, "cannot resume %s", req.TicketKey)
	}
	t, err := d.entitled(req.TenantID)
	if err != nil {
		return "", err
	}
	release, err := d.acquire(ctx, req.TenantID, req.TicketKey)
	if err != nil {
		return "", err
	}
	defer release()

	job, err := d.ledger.FindActive(ctx, req.TenantID, req.TicketKey)
	if errors.Is(err, ledger.ErrNotFound) {
		return "", newError(KindValidation, "", nil, "no job for %s is waiting for clarification", req.TicketKey)
	}
	if err != nil {
		return "", newError(KindDispatch, "", err, "active job lookup for %s", req.TicketKey)
	}
	if job.Status != models.StatusWaitingClarification {
		return "", newError(KindConcurrency, job.ID, nil, "job %s already running (%s)", job.ID, job.Status)
	}
	tgt, err := d.resolve(t, req.TicketKey, job.BoardRef, job.RepoRef)
	if err != nil {
		return "", err
	}
	if err := d.checkCapacity(ctx, t); err != nil {
		return "", err
	}
	sh, err := d.route(ctx, t.ID)
	if err != nil {
		return "", err
	}
	tc := d.trackers(t)
	issue, err := d.fetchIssue(ctx, tc, req.TicketKey)
	if err != nil {
		return "", err
	}
	branch, err := d.ledger.FindLatestBranch(ctx, req.TenantID, req.TicketKey)
	if err != nil {
		return "", newError(KindDispatch, job.ID, err, "branch lookup for %s", req.TicketKey)
	}

	p := d.payload(tgt, req.TicketKey, job.ID, issue, run{mode: ModeResume, branch: branch, runCount: job.RunCount + 1})
	p.ClarificationAnchorID = job.ClarificationAnchorID
	p.AnsweringCommentID = req.AnsweringCommentID
	if err := p.Validate(); err != nil {
		return "", newError(KindValidation, job.ID, err, "resume payload for %s", req.TicketKey)
	}
	if err := d.sign(p); err != nil {
		return "", newError(KindDispatch, job.ID, err, "callback token for %s", job.ID)
	}

	if _, err := d.ledger.Resume(ctx, job.ID, sh.ID); err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) {
			return "", newError(KindConcurrency, job.ID, err, "job %s is no longer waiting", job.ID)
		}
		return "", newError(KindDispatch, job.ID, err, "resume job %s", job.ID)
	}
	if err := d.deliver(ctx, tgt, tc, sh, p); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Cancel marks a job CANCELLED. A worker already executing the job is not
// interrupted. The work-in-progress label is removed on a best-effort basis.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, reason string) error {
	job, err := d.ledger.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := d.ledger.Cancel(ctx, jobID, reason); err != nil {
		return err
	}
	if d.opts.WIPLabel == "" || d.trackers == nil {
		return nil
	}
	t, err := d.tenants.Lookup(job.TenantID)
	if err != nil {
		d.log.Warn("cancel: tenant lookup failed", "job", jobID, "tenant", job.TenantID, "error", err)
		return nil
	}
	if err := d.trackers(t).RemoveLabel(ctx, job.TicketKey, d.opts.WIPLabel); err != nil {
		d.log.Warn("cancel: remove label failed", "job", jobID, "ticket", job.TicketKey, "error", err)
	}
	return nil
}

// entitled applies the entitlement and configuration guards.
func (d *Dispatcher) entitled(tenantID string) (*config.TenantConfig, error) {
	t, err := d.tenants.Lookup(tenantID)
	if err != nil {
		return nil, newError(KindValidation, "", err, "tenant %q", tenantID)
	}
	if !tenant.HasFeature(t, tenant.FeatureAutomation) {
		return nil, newError(KindEntitlement, "", nil, "tenant %s plan does not include %s", t.ID, tenant.FeatureAutomation)
	}
	if missing := tenant.MissingCredentials(t); len(missing) > 0 {
		return nil, newError(KindValidation, "", nil, "tenant %s is missing credentials: %s", t.ID, strings.Join(missing, ", "))
	}
	return t, nil
}

// admit applies guards 1 to 3.
func (d *Dispatcher) admit(tenantID, ticketKey, boardRef, repoRef string) (*target, error) {
	if strings.TrimSpace(ticketKey) == "" {
		return nil, newError(KindValidation, "", nil, "ticket key is required")
	}
	t, err := d.entitled(tenantID)
	if err != nil {
		return nil, err
	}
	return d.resolve(t, ticketKey, boardRef, repoRef)
}

// resolve fills in board and repository, from the explicit refs when given
// and from the ticket key's project prefix otherwise.
func (d *Dispatcher) resolve(t *config.TenantConfig, ticketKey, boardRef, repoRef string) (*target, error) {
	tgt := &target{tenant: t, board: boardRef}
	if repoRef != "" {
		repo, err := tenant.ResolveRepo(t, repoRef)
		if err != nil {
			return nil, newError(KindValidation, "", err, "repository for %s", ticketKey)
		}
		tgt.repo = *repo
	}
	if tgt.board == "" || repoRef == "" {
		p, err := tenant.ResolveProject(t, ticketKey)
		if err != nil {
			return nil, newError(KindValidation, "", err, "cannot resolve board and repository for %s", ticketKey)
		}
		if tgt.board == "" {
			tgt.board = p.Board
		}
		if repoRef == "" {
			tgt.repo = p.Repo
		}
	}
	if tgt.repo.CloneURL == "" {
		return nil, newError(KindValidation, "", nil, "repository %s has no clone url", tgt.repo.Ref())
	}
	return tgt, nil
}

// acquire takes the per-ticket trigger lock. When the lock backend itself
// fails the trigger proceeds unlocked; the ledger's active claim still
// rejects a second job.
func (d *Dispatcher) acquire(ctx context.Context, tenantID, ticketKey string) (lock.ReleaseFunc, error) {
	if d.locker == nil {
		return func() {}, nil
	}
	release, err := d.locker.Acquire(ctx, models.ActiveKeyFor(tenantID, ticketKey), d.opts.LockWait)
	if errors.Is(err, lock.ErrTimeout) {
		return nil, newError(KindConcurrency, "", err, "another trigger for %s is in progress", ticketKey)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindDispatch, "", err, "trigger for %s abandoned", ticketKey)
		}
		d.log.Warn("trigger lock unavailable, continuing without it", "ticket", ticketKey, "error", err)
		return func() {}, nil
	}
	return release, nil
}

// checkActive is the duplicate-suppression guard.
func (d *Dispatcher) checkActive(ctx context.Context, tenantID, ticketKey string) error {
	job, err := d.ledger.FindActive(ctx, tenantID, ticketKey)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newError(KindDispatch, "", err, "active job lookup for %s", ticketKey)
	}
	return newError(KindConcurrency, job.ID, nil, "job %s already running for %s (%s)", job.ID, ticketKey, job.Status)
}

// checkCooldown rejects a trigger that arrives within the cooldown window of
// the ticket's latest job reaching a terminal status.
func (d *Dispatcher) checkCooldown(ctx context.Context, tenantID, ticketKey string) error {
	if d.opts.Cooldown <= 0 {
		return nil
	}
	latest, err := d.ledger.FindLatest(ctx, tenantID, ticketKey)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	if err != nil {
		return newError(KindDispatch, "", err, "latest job lookup for %s", ticketKey)
	}
	at := latest.TerminalAt()
	if at == nil {
		return nil
	}
	since := d.now().Sub(*at)
	if since < d.opts.Cooldown {
		return newError(KindConcurrency, latest.ID, nil, "cooldown: %s finished %s ago, try again in %s",
			ticketKey, since.Round(time.Second), (d.opts.Cooldown - since).Round(time.Second))
	}
	return nil
}

// checkCapacity is the tenant concurrency cap.
func (d *Dispatcher) checkCapacity(ctx context.Context, t *config.TenantConfig) error {
	limit := t.MaxConcurrentJobs
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	running, err := d.ledger.CountRunning(ctx, t.ID)
	if err != nil {
		return newError(KindDispatch, "", err, "running job count for %s", t.ID)
	}
	if running >= limit {
		return newError(KindConcurrency, "", nil, "tenant %s has %d running jobs (max %d)", t.ID, running, limit)
	}
	return nil
}

func (d *Dispatcher) route(ctx context.Context, tenantID string) (*models.Shard, error) {
	sh, err := d.router.SelectShard(ctx, tenantID, d.opts.RequiredCapabilities)
	if errors.Is(err, shard.ErrNoEligibleShard) {
		return nil, newError(KindRouting, "", nil, "no eligible shard for tenant %s with capabilities [%s]",
			tenantID, strings.Join(d.opts.RequiredCapabilities, ", "))
	}
	if err != nil {
		return nil, newError(KindRouting, "", err, "shard selection for tenant %s", tenantID)
	}
	return sh, nil
}

func (d *Dispatcher) fetchIssue(ctx context.Context, tc tracker.Client, ticketKey string) (*tracker.Issue, error) {
	issue, err := tc.GetIssue(ctx, ticketKey)
	if errors.Is(err, tracker.ErrIssueNotFound) {
		return nil, newError(KindValidation, "", err, "ticket %s", ticketKey)
	}
	if err != nil {
		return nil, newError(KindDispatch, "", err, "fetch ticket %s", ticketKey)
	}
	return issue, nil
}

// launch checks capacity, routes, fetches the ticket and creates the job for
// fresh and retry runs.
func (d *Dispatcher) launch(ctx context.Context, tgt *target, ticketKey string, r run) (string, error) {
	if err := d.callbacksReady(); err != nil {
		return "", newError(KindDispatch, "", err, "cannot dispatch %s", ticketKey)
	}
	if err := d.checkCapacity(ctx, tgt.tenant); err != nil {
		return "", err
	}
	sh, err := d.route(ctx, tgt.tenant.ID)
	if err != nil {
		return "", err
	}
	tc := d.trackers(tgt.tenant)
	issue, err := d.fetchIssue(ctx, tc, ticketKey)
	if err != nil {
		return "", err
	}

	jobID, err := d.ledger.Create(ctx, ledger.NewJob{
		TenantID:   tgt.tenant.ID,
		TicketKey:  ticketKey,
		BoardRef:   tgt.board,
		RepoRef:    tgt.repo.Ref(),
		ShardID:    sh.ID,
		BranchName: r.branch,
		RunCount:   r.runCount,
	})
	if err != nil {
		var active *ledger.ActiveJobError
		if errors.As(err, &active) {
			return "", newError(KindConcurrency, active.JobID, nil, "job %s already running for %s (%s)", active.JobID, ticketKey, active.Status)
		}
		if errors.Is(err, ledger.ErrActiveJobExists) {
			return "", newError(KindConcurrency, "", nil, "a job is already running for %s", ticketKey)
		}
		return "", newError(KindDispatch, "", err, "create job for %s", ticketKey)
	}

	p := d.payload(tgt, ticketKey, jobID, issue, r)
	if err := p.Validate(); err != nil {
		d.abandon(ctx, jobID, "invalid payload: "+err.Error())
		return "", newError(KindValidation, jobID, err, "payload for %s", ticketKey)
	}
	if err := d.sign(p); err != nil {
		d.abandon(ctx, jobID, "callback token: "+err.Error())
		return "", newError(KindDispatch, jobID, err, "callback token for %s", jobID)
	}
	if err := d.ledger.Advance(ctx, jobID, "Dispatched to shard "+sh.ID, DispatchedProgress, models.StatusRunning); err != nil {
		d.abandon(ctx, jobID, "start job: "+err.Error())
		return "", newError(KindDispatch, jobID, err, "start job %s", jobID)
	}
	if err := d.deliver(ctx, tgt, tc, sh, p); err != nil {
		return "", err
	}
	return jobID, nil
}

func (d *Dispatcher) payload(tgt *target, ticketKey, jobID string, issue *tracker.Issue, r run) *Payload {
	return &Payload{
		Version:          PayloadVersion,
		Mode:             r.mode,
		JobID:            jobID,
		TenantID:         tgt.tenant.ID,
		TicketKey:        ticketKey,
		BoardRef:         tgt.board,
		RunCount:         r.runCount,
		TicketData:       TicketDataFrom(issue),
		RepoConfig:       tgt.repo,
		Credentials:      tgt.tenant.Credentials,
		CallbackURL:      d.opts.CallbackURL(jobID),
		ExistingBranch:   r.branch,
		ExistingPRNumber: r.prNumber,
		FeatureFlags:     tgt.tenant.FeatureFlags,
		ExistingThemeID:  r.themeID,
		WIPLabel:         d.opts.WIPLabel,
	}
}

// callbacksReady reports whether workers can post events for a dispatched
// job: both a signer and an absolute callback URL are required.
func (d *Dispatcher) callbacksReady() error {
	if d.signer == nil {
		return ErrCallbacksNotConfigured
	}
	if d.opts.CallbackURL == nil {
		return ErrCallbacksNotConfigured
	}
	u, err := url.Parse(d.opts.CallbackURL("job"))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: callback url %q is not absolute", ErrCallbacksNotConfigured, d.opts.CallbackURL("job"))
	}
	return nil
}

func (d *Dispatcher) sign(p *Payload) error {
	tok, err := d.signer.Issue(p.JobID, p.TenantID)
	if err != nil {
		return err
	}
	p.CallbackToken = tok
	return nil
}

// deliver sends p and, once acknowledged, applies the best-effort ticket
// markers. A rejected send fails the job.
func (d *Dispatcher) deliver(ctx context.Context, tgt *target, tc tracker.Client, sh *models.Shard, p *Payload) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.DispatchTimeout)
	defer cancel()
	if err := d.sender.Send(sendCtx, sh, p); err != nil {
		d.abandon(ctx, p.JobID, fmt.Sprintf("dispatch to shard %s failed: %v", sh.ID, err))
		d.notify(ctx, notify.Event{
			Kind:      notify.KindDispatchFailed,
			TenantID:  tgt.tenant.ID,
			TicketKey: p.TicketKey,
			JobID:     p.JobID,
			Title:     "Dispatch failed",
			Body:      err.Error(),
			Fields:    []notify.Field{{Name: "Shard", Value: sh.ID}},
		})
		return newError(KindDispatch, p.JobID, err, "shard %s did not accept job %s", sh.ID, p.JobID)
	}

	d.log.Info("job dispatched", "job", p.JobID, "ticket", p.TicketKey, "shard", sh.ID, "mode", p.Mode)
	if err := d.ledger.AppendLog(ctx, p.JobID, ledger.LevelInfo, "dispatched", map[string]any{
		"shard":     sh.ID,
		"mode":      p.Mode,
		"branch":    p.ExistingBranch,
		"run_count": p.RunCount,
	}); err != nil {
		d.log.Warn("job log append failed", "job", p.JobID, "error", err)
	}

	if d.opts.WIPLabel != "" {
		if err := tc.AddLabel(ctx, p.TicketKey, d.opts.WIPLabel); err != nil {
			d.log.Warn("add work-in-progress label failed", "ticket", p.TicketKey, "error", err)
		}
	}
	if d.opts.InProgressStatus != "" {
		if err := tc.TransitionStatus(ctx, p.TicketKey, d.opts.InProgressStatus); err != nil {
			d.log.Warn("ticket status transition failed", "ticket", p.TicketKey, "status", d.opts.InProgressStatus, "error", err)
		}
	}
	return nil
}

// abandon fails a job the dispatcher created but could not hand off.
func (d *Dispatcher) abandon(ctx context.Context, jobID, msg string) {
	if err := d.ledger.Fail(context.WithoutCancel(ctx), jobID, msg); err != nil {
		d.log.Error("failing undispatched job", "job", jobID, "error", err)
	}
}

func (d *Dispatcher) notify(ctx context.Context, ev notify.Event) {
	if err := d.notifier.Notify(ctx, ev); err != nil {
		d.log.Warn("notification failed", "kind", ev.Kind, "ticket", ev.TicketKey, "error", err)
	}
}

func (d *Dispatcher) start(ctx context.Context, name, tenantID, ticketKey string) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("switchyard.tenant", tenantID),
		attribute.String("switchyard.ticket", ticketKey),
	))
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if d.outcomes != nil {
		d.outcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("outcome", outcome),
		))
	}
	span.End()
}
