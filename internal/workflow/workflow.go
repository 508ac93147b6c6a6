// Package workflow executes a dispatched job on a worker: the ordered phases
// from ticket analysis to a published pull request. A job whose requirements
// are unclear is suspended at the clarity gate; a later, independent Resume
// call rebuilds everything it needs from the payload and the ticket.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zulandar/switchyard/internal/codehost"
	"github.com/zulandar/switchyard/internal/config"
	"github.com/zulandar/switchyard/internal/dispatch"
	"github.com/zulandar/switchyard/internal/gitops"
	"github.com/zulandar/switchyard/internal/ledger"
	"github.com/zulandar/switchyard/internal/llm"
	"github.com/zulandar/switchyard/internal/models"
	"github.com/zulandar/switchyard/internal/notify"
	"github.com/zulandar/switchyard/internal/tracker"
)

const instrumentationName = "github.com/zulandar/switchyard/internal/workflow"

// Reporter records job state. *ledger.Ledger satisfies it in-process and
// *callback.Client over HTTP from a worker.
type Reporter interface {
	Advance(ctx context.Context, jobID, step string, progress int, status string) error
	SuspendForClarification(ctx context.Context, jobID, anchorID string, questions []string) error
	MarkPublished(ctx context.Context, jobID string, p ledger.Publication) error
	Complete(ctx context.Context, jobID string, p ledger.Publication) error
	Fail(ctx context.Context, jobID, msg string) error
	AppendLog(ctx context.Context, jobID, level, msg string, fields map[string]any) error
}

// Defaults used when Options leaves a field zero.
const (
	DefaultBranchPrefix   = "ai/"
	DefaultMaxSampleFiles = 12
	DefaultMaxSampleBytes = 8 * 1024
	maxListedFiles        = 400
)

// Options tune a Runner.
type Options struct {
	BranchPrefix      string
	DoneStatus        string
	FailedStatus      string
	CompleteOnPublish bool
	MaxSampleFiles    int
	MaxSampleBytes    int
	WorkDir           string
	AuthorName        string
	AuthorEmail       string
	MaxTokens         int
}

// OptionsFrom derives Options from the workflow config section.
func OptionsFrom(cfg config.WorkflowConfig, model config.ModelConfig) Options {
	return Options{
		BranchPrefix:      cfg.BranchPrefix,
		DoneStatus:        cfg.DoneStatus,
		FailedStatus:      cfg.FailedStatus,
		CompleteOnPublish: cfg.CompleteOnPublish,
		MaxSampleFiles:    cfg.MaxSampleFiles,
		WorkDir:           cfg.WorkDir,
		AuthorName:        cfg.GitAuthorName,
		AuthorEmail:       cfg.GitAuthorEmail,
		MaxTokens:         model.MaxTokens,
	}
}

// Deps are the clients one job runs against. Notifier and Log are optional.
type Deps struct {
	Reporter Reporter
	Tracker  tracker.Client
	CodeHost codehost.Client
	Model    llm.Client
	Notifier notify.Notifier
	Log      *slog.Logger
}

// Runner executes workflow phases for dispatched payloads.
type Runner struct {
	reporter Reporter
	tracker  tracker.Client
	codehost codehost.Client
	model    llm.Client
	notifier notify.Notifier
	opts     Options
	log      *slog.Logger
	tracer   trace.Tracer
}

// New returns a Runner.
func New(deps Deps, opts Options) *Runner {
	if opts.BranchPrefix == "" {
		opts.BranchPrefix = DefaultBranchPrefix
	}
	if opts.MaxSampleFiles <= 0 {
		opts.MaxSampleFiles = DefaultMaxSampleFiles
	}
	if opts.MaxSampleBytes <= 0 {
		opts.MaxSampleBytes = DefaultMaxSampleBytes
	}
	r := &Runner{
		reporter: deps.Reporter,
		tracker:  deps.Tracker,
		codehost: deps.CodeHost,
		model:    deps.Model,
		notifier: deps.Notifier,
		opts:     opts,
		log:      deps.Log,
		tracer:   otel.Tracer(instrumentationName),
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// Outcomes of a run.
const (
	OutcomePublished = "published"
	OutcomeSuspended = "suspended"
	OutcomeFailed    = "failed"
)

// Result is how a run ended. Err is set when Outcome is OutcomeFailed.
type Result struct {
	Outcome        string
	PullRequestURL string
	Questions      []string
	Err            *PhaseError
}

// BranchName is the branch a fresh run creates for ticketKey.
func BranchName(prefix, ticketKey string) string {
	return prefix + strings.ToLower(ticketKey)
}

// state is what phases hand to each other within one invocation. Nothing in
// it survives a suspension.
type state struct {
	p             *dispatch.Payload
	log           *slog.Logger
	issue         *tracker.Issue
	clarification []tracker.Comment
	req           Requirements
	dir           string
	repo          *gitops.Repo
	branch        string
	reused        bool
	files         []string
	samples       []FileSample
	plan          Plan
	pr            *codehost.PullRequest
	suspended     bool
}

type phase struct {
	name     string
	step     string
	progress int
	run      func(ctx context.Context, st *state) error
}

// Run executes p from the entry point its mode selects.
func (r *Runner) Run(ctx context.Context, p *dispatch.Payload) Result {
	if p.Mode == dispatch.ModeResume {
		return r.Resume(ctx, p)
	}
	return r.RunFresh(ctx, p)
}

// RunFresh runs a first attempt or a retry from the top. A retry differs
// only in reusing the existing branch and updating the existing pull
// request in place.
func (r *Runner) RunFresh(ctx context.Context, p *dispatch.Payload) Result {
	return r.execute(ctx, p, []phase{
		{PhaseFetchTicket, "Fetching ticket", 10, r.fetchTicket},
		{PhaseAnalyze, "Analyzing requirements", 20, r.analyze},
		{PhaseClarityGate, "Checking requirement clarity", 25, r.clarityGate},
		{PhaseClone, "Cloning repository", 30, r.clone},
		{PhaseAnalyzeCodebase, "Analyzing codebase", 40, r.analyzeCodebase},
		{PhasePlan, "Planning implementation", 50, r.planChanges},
		{PhaseImplement, "Implementing changes", 60, r.implement},
		{PhaseCommit, "Committing and pushing", 75, r.commitAndPush},
		{PhasePublish, "Publishing pull request", 85, r.publish},
		{PhaseFinalize, "Finalizing", 90, r.finalize},
	})
}

// Resume continues a job that was suspended for clarification. The answer
// is read from the ticket starting at the anchor comment, requirements are
// re-analyzed with it and the clarity gate is not evaluated again.
func (r *Runner) Resume(ctx context.Context, p *dispatch.Payload) Result {
	return r.execute(ctx, p, []phase{
		{PhaseFetchTicket, "Fetching ticket", 10, r.fetchTicket},
		{PhaseClarification, "Reading clarification", 20, r.readClarification},
		{PhaseAnalyze, "Re-analyzing requirements", 25, r.analyze},
		{PhaseClone, "Cloning repository", 30, r.clone},
		{PhaseAnalyzeCodebase, "Analyzing codebase", 40, r.analyzeCodebase},
		{PhasePlan, "Planning implementation", 50, r.planChanges},
		{PhaseImplement, "Implementing changes", 60, r.implement},
		{PhaseCommit, "Committing and pushing", 75, r.commitAndPush},
		{PhasePublish, "Publishing pull request", 85, r.publish},
		{PhaseFinalize, "Finalizing", 90, r.finalize},
	})
}

// execute runs phases in order. The first PhaseError ends the run and fails
// the job; a panic is treated the same way. The working directory is always
// removed.
func (r *Runner) execute(ctx context.Context, p *dispatch.Payload, phases []phase) (res Result) {
	st := &state{
		p:   p,
		log: r.log.With("job", p.JobID, "ticket", p.TicketKey, "mode", p.Mode, "run", p.RunCount),
	}
	current := ""
	defer func() {
		if st.dir == "" {
			return
		}
		if err := os.RemoveAll(st.dir); err != nil {
			st.log.Warn("remove work dir failed", "dir", st.dir, "error", err)
		}
	}()
	defer func() {
		if v := recover(); v != nil {
			res = r.fail(ctx, st, &PhaseError{Phase: current, Err: fmt.Errorf("panic: %v", v)})
		}
	}()

	st.log.Info("workflow started", "phases", len(phases))
	for _, ph := range phases {
		current = ph.name
		if err := r.reporter.Advance(ctx, p.JobID, ph.step, ph.progress, models.StatusRunning); err != nil {
			st.log.Warn("progress update failed", "phase", ph.name, "error", err)
		}
		if err := r.runPhase(ctx, st, ph); err != nil {
			return r.fail(ctx, st, phaseErr(ph.name, err))
		}
		if st.suspended {
			st.log.Info("workflow suspended for clarification", "questions", len(st.req.Questions))
			return Result{Outcome: OutcomeSuspended, Questions: st.req.Questions}
		}
	}
	st.log.Info("workflow finished", "pr", st.pr.URL)
	return Result{Outcome: OutcomePublished, PullRequestURL: st.pr.URL}
}

func (r *Runner) runPhase(ctx context.Context, st *state, ph phase) error {
	ctx, span := r.tracer.Start(ctx, "workflow."+ph.name, trace.WithAttributes(
		attribute.String("switchyard.job", st.p.JobID),
		attribute.String("switchyard.ticket", st.p.TicketKey),
	))
	defer span.End()
	if err := ctx.Err(); err != nil {
		return err
	}
	err := ph.run(ctx, st)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Runner) fetchTicket(ctx context.Context, st *state) error {
	issue, err := r.tracker.GetIssue(ctx, st.p.TicketKey)
	if err != nil {
		return err
	}
	if len(issue.URLs) == 0 {
		issue.URLs = tracker.ExtractURLs(issue.Description)
	}
	st.issue = issue
	return nil
}

// readClarification loads the comments from the questions anchor through the
// answer named by the resume request. Comments after the answer are ignored.
func (r *Runner) readClarification(ctx context.Context, st *state) error {
	comments, err := r.tracker.GetComments(ctx, st.p.TicketKey)
	if err != nil {
		return err
	}
	thread, err := tracker.Thread(comments, st.p.ClarificationAnchorID, st.p.AnsweringCommentID)
	if err != nil {
		return err
	}
	st.clarification = thread
	st.log.Info("clarification read", "anchor", st.p.ClarificationAnchorID, "answer", st.p.AnsweringCommentID, "comments", len(thread))
	return nil
}

func (r *Runner) analyze(ctx context.Context, st *state) error {
	reply, err := r.model.Complete(ctx, llm.Request{
		System:    analystSystem,
		Prompt:    analysisPrompt(st.issue, st.clarification),
		MaxTokens: r.opts.MaxTokens,
	})
	if err != nil {
		return err
	}
	req, err := ParseRequirements(reply)
	if err != nil {
		st.log.Warn("requirements reply unparsable, treating ticket as clear", "error", err)
		r.jobLog(ctx, st, ledger.LevelWarn, "requirements analysis unparsable, treated as clear", map[string]any{"error": err.Error()})
		req = fallbackRequirements(st.issue.Summary, st.issue.Description)
	}
	st.req = req
	return nil
}

func (r *Runner) clarityGate(ctx context.Context, st *state) error {
	if !st.req.NeedsClarification() {
		return nil
	}
	anchor, err := r.tracker.AddComment(ctx, st.p.TicketKey, questionsComment(st.req.Questions))
	if err != nil {
		return fmt.Errorf("post questions: %w", err)
	}
	if err := r.reporter.SuspendForClarification(ctx, st.p.JobID, anchor, st.req.Questions); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	r.jobLog(ctx, st, ledger.LevelInfo, "waiting for clarification", map[string]any{
		"anchor_id": anchor,
		"questions": st.req.Questions,
	})
	r.notify(ctx, st, notify.Event{
		Kind:   notify.KindClarification,
		Title:  "Clarification needed",
		Body:   strings.Join(st.req.Questions, "\n"),
		Fields: []notify.Field{{Name: "Questions", Value: fmt.Sprint(len(st.req.Questions))}},
	})
	st.suspended = true
	return nil
}

func (r *Runner) clone(ctx context.Context, st *state) error {
	dir, err := os.MkdirTemp(r.opts.WorkDir, "sy-"+strings.ToLower(st.p.TicketKey)+"-")
	if err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	st.dir = dir

	repo, err := gitops.Clone(ctx, gitops.CloneOptions{
		URL:           st.p.RepoConfig.CloneURL,
		Token:         st.p.Credentials.CodeHostToken,
		DefaultBranch: st.p.RepoConfig.DefaultBranch,
		AuthorName:    r.opts.AuthorName,
		AuthorEmail:   r.opts.AuthorEmail,
	}, filepath.Join(dir, "repo"))
	if err != nil {
		return err
	}
	st.repo = repo

	if st.p.ExistingBranch != "" {
		if err := repo.CheckoutExisting(ctx, st.p.ExistingBranch); err != nil {
			return err
		}
		st.branch = st.p.ExistingBranch
		st.reused = true
	} else {
		st.branch = BranchName(r.opts.BranchPrefix, st.p.TicketKey)
		if err := repo.CreateBranch(ctx, st.branch); err != nil {
			return err
		}
	}
	cur, err := repo.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if cur != st.branch {
		return fmt.Errorf("checked out %q, want %q", cur, st.branch)
	}
	return nil
}

func (r *Runner) analyzeCodebase(ctx context.Context, st *state) error {
	all, err := st.repo.ListFiles(ctx)
	if err != nil {
		return err
	}
	files := make([]string, 0, len(all))
	for _, f := range all {
		if !ignoredFile(f) {
			files = append(files, f)
		}
	}
	if len(files) > maxListedFiles {
		files = files[:maxListedFiles]
	}
	st.files = files

	for _, f := range pickSamples(files, sampleTerms(st), r.opts.MaxSampleFiles) {
		content, err := st.repo.ReadFile(f)
		if err != nil {
			st.log.Warn("sample read failed", "file", f, "error", err)
			continue
		}
		if len(content) > r.opts.MaxSampleBytes {
			content = content[:r.opts.MaxSampleBytes] + "\n... (truncated)"
		}
		st.samples = append(st.samples, FileSample{Path: f, Content: content})
	}
	st.log.Debug("codebase analyzed", "files", len(files), "samples", len(st.samples))
	return nil
}

func (r *Runner) planChanges(ctx context.Context, st *state) error {
	hint := ""
	if st.reused {
		hint = st.branch
	}
	reply, err := r.model.Complete(ctx, llm.Request{
		System:    plannerSystem,
		Prompt:    planPrompt(st.issue, st.req, st.files, st.samples, hint),
		MaxTokens: r.opts.MaxTokens,
	})
	if err != nil {
		return err
	}
	plan, err := ParsePlan(reply)
	if err != nil {
		return err
	}
	if plan.BranchName != "" && plan.BranchName != st.branch {
		st.log.Debug("plan branch suggestion ignored", "suggested", plan.BranchName, "branch", st.branch)
	}
	plan.BranchName = st.branch
	st.plan = plan
	return nil
}

func (r *Runner) implement(ctx context.Context, st *state) error {
	for _, change := range st.plan.Files {
		if change.Action == ActionDelete {
			if err := st.repo.DeleteFile(change.Path); err != nil {
				return err
			}
			continue
		}
		current := ""
		if change.Action == ActionModify {
			content, err := st.repo.ReadFile(change.Path)
			if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			current = content
		}
		reply, err := r.model.Complete(ctx, llm.Request{
			System:    writerSystem,
			Prompt:    filePrompt(st.issue, st.req, st.plan, change, current),
			MaxTokens: r.opts.MaxTokens,
		})
		if err != nil {
			return fmt.Errorf("generate %s: %w", change.Path, err)
		}
		content := stripFences(reply)
		if strings.TrimSpace(content) == "" {
			return fmt.Errorf("model returned no content for %s", change.Path)
		}
		if err := st.repo.WriteFile(change.Path, content); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) commitAndPush(ctx context.Context, st *state) error {
	summary := st.issue.Summary
	if summary == "" {
		summary = st.req.Summary
	}
	err := st.repo.CommitAll(ctx, fmt.Sprintf("%s: %s", st.p.TicketKey, summary))
	if errors.Is(err, gitops.ErrNothingToCommit) {
		return fmt.Errorf("implementation produced no changes")
	}
	if err != nil {
		return err
	}
	if err := st.repo.Push(ctx, st.branch); err != nil {
		return err
	}
	if head, err := st.repo.RecentCommits(ctx, 1); err == nil && len(head) == 1 {
		st.log.Info("pushed", "branch", st.branch, "head", head[0])
		r.jobLog(ctx, st, ledger.LevelInfo, "pushed "+head[0], map[string]any{"branch": st.branch})
	}
	return nil
}

func (r *Runner) publish(ctx context.Context, st *state) error {
	repo := st.p.RepoConfig
	if n := st.p.ExistingPRNumber; n > 0 {
		if err := r.codehost.Comment(ctx, repo, n, updateComment(st.p.RunCount, st.plan)); err != nil {
			return err
		}
		st.pr = &codehost.PullRequest{Number: n, URL: codehost.PullRequestURL(repo, n), Existing: true}
		return nil
	}
	pr, err := r.codehost.CreatePullRequest(ctx, repo, codehost.NewPullRequest{
		Head:  st.branch,
		Base:  repo.DefaultBranch,
		Title: fmt.Sprintf("[%s] %s", st.p.TicketKey, st.issue.Summary),
		Body:  pullRequestBody(st.p.TicketKey, st.req, st.plan),
	})
	if err != nil {
		return err
	}
	if pr.URL == "" {
		pr.URL = codehost.PullRequestURL(repo, pr.Number)
	}
	st.pr = pr
	return nil
}

func (r *Runner) finalize(ctx context.Context, st *state) error {
	pub := ledger.Publication{
		PullRequestURL:    st.pr.URL,
		PullRequestNumber: st.pr.Number,
		BranchName:        st.branch,
	}
	mark := r.reporter.MarkPublished
	if r.opts.CompleteOnPublish {
		mark = r.reporter.Complete
	}
	if err := mark(ctx, st.p.JobID, pub); err != nil {
		return err
	}
	r.jobLog(ctx, st, ledger.LevelInfo, "pull request published", map[string]any{
		"pr_url":   st.pr.URL,
		"existing": st.pr.Existing,
		"branch":   st.branch,
	})

	if _, err := r.tracker.AddComment(ctx, st.p.TicketKey, "Pull request ready for review: "+st.pr.URL); err != nil {
		st.log.Warn("ticket comment failed", "error", err)
	}
	r.ticketCleanup(ctx, st, r.opts.DoneStatus)
	r.notify(ctx, st, notify.Event{
		Kind:   notify.KindPublished,
		Title:  "Pull request published",
		URL:    st.pr.URL,
		Fields: []notify.Field{{Name: "Branch", Value: st.branch}},
	})
	return nil
}

// fail records pe as the job's terminal error and runs the best-effort
// ticket cleanup. Nothing here can fail the caller.
func (r *Runner) fail(ctx context.Context, st *state, pe *PhaseError) Result {
	ctx = context.WithoutCancel(ctx)
	st.log.Error("workflow failed", "phase", pe.Phase, "error", pe.Err)
	if err := r.reporter.Fail(ctx, st.p.JobID, pe.Error()); err != nil {
		st.log.Error("recording failure failed", "error", err)
	}
	r.ticketCleanup(ctx, st, r.opts.FailedStatus)
	if _, err := r.tracker.AddComment(ctx, st.p.TicketKey, failureComment(pe)); err != nil {
		st.log.Warn("failure comment failed", "error", err)
	}
	r.notify(ctx, st, notify.Event{
		Kind:   notify.KindFailed,
		Title:  "Job failed",
		Body:   pe.Error(),
		Fields: []notify.Field{{Name: "Phase", Value: pe.Phase}},
	})
	return Result{Outcome: OutcomeFailed, Err: pe}
}

func (r *Runner) ticketCleanup(ctx context.Context, st *state, status string) {
	if st.p.WIPLabel != "" {
		if err := r.tracker.RemoveLabel(ctx, st.p.TicketKey, st.p.WIPLabel); err != nil {
			st.log.Warn("remove work-in-progress label failed", "error", err)
		}
	}
	if status != "" {
		if err := r.tracker.TransitionStatus(ctx, st.p.TicketKey, status); err != nil {
			st.log.Warn("ticket status transition failed", "status", status, "error", err)
		}
	}
}

func (r *Runner) jobLog(ctx context.Context, st *state, level, msg string, fields map[string]any) {
	if err := r.reporter.AppendLog(ctx, st.p.JobID, level, msg, fields); err != nil {
		st.log.Warn("job log append failed", "error", err)
	}
}

func (r *Runner) notify(ctx context.Context, st *state, ev notify.Event) {
	ev.TenantID = st.p.TenantID
	ev.TicketKey = st.p.TicketKey
	ev.JobID = st.p.JobID
	if err := r.notifier.Notify(ctx, ev); err != nil {
		st.log.Warn("notification failed", "kind", ev.Kind, "error", err)
	}
}

var ignoredDirs = []string{"node_modules/", "vendor/", "dist/", "build/", ".github/"}

var binaryExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true, ".webp": true,
	".pdf": true, ".zip": true, ".gz": true, ".woff": true, ".woff2": true, ".ttf": true,
	".lock": true,
}

func ignoredFile(path string) bool {
	for _, d := range ignoredDirs {
		if strings.HasPrefix(path, d) || strings.Contains(path, "/"+d) {
			return true
		}
	}
	if strings.HasSuffix(path, ".min.js") {
		return true
	}
	return binaryExts[strings.ToLower(filepath.Ext(path))]
}

// sampleTerms are the lowercase words used to rank files for sampling.
func sampleTerms(st *state) []string {
	var terms []string
	add := func(s string) {
		for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			if len(f) >= 3 {
				terms = append(terms, f)
			}
		}
	}
	for _, k := range st.req.Keywords {
		add(k)
	}
	add(st.issue.Summary)
	return terms
}

// pickSamples ranks files by how many terms their path contains and returns
// up to limit of them. Slots left over go to the first unmatched files.
func pickSamples(files, terms []string, limit int) []string {
	type scored struct {
		path  string
		score int
	}
	var ranked []scored
	for _, f := range files {
		lower := strings.ToLower(f)
		score := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, scored{f, score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]string, 0, limit)
	for _, s := range ranked {
		if len(out) == limit {
			return out
		}
		out = append(out, s.path)
	}
	for _, f := range files {
		if len(out) == limit {
			break
		}
		if !contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
