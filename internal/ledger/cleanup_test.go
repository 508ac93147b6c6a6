package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchyard/internal/models"
)

type recordingArchiver struct {
	archived map[string]int
	failFor  string
}

func (a *recordingArchiver) Archive(_ context.Context, job *models.Job, logs []models.JobLog) error {
	if job.ID == a.failFor {
		return errors.New("bucket unavailable")
	}
	if a.archived == nil {
		a.archived = make(map[string]int)
	}
	a.archived[job.ID] = len(logs)
	return nil
}

func countLogs(t *testing.T, l *Ledger, jobID string) int {
	t.Helper()
	logs, err := l.Logs(context.Background(), jobID)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	return len(logs)
}

func TestCleanup_OnlyOldTerminalRows(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour)

	oldDone := mustCreate(t, l, "acme", "X-1")
	l.Advance(ctx, oldDone, "Dispatched", 5, "")
	l.Complete(ctx, oldDone, Publication{})
	l.AppendLog(ctx, oldDone, LevelInfo, "done", nil)
	l.AppendLog(ctx, oldDone, LevelInfo, "bye", nil)
	age(t, l, oldDone, old)

	oldRunning := mustCreate(t, l, "acme", "X-2")
	l.Advance(ctx, oldRunning, "Dispatched", 5, "")
	l.AppendLog(ctx, oldRunning, LevelInfo, "still going", nil)
	age(t, l, oldRunning, old)

	newFailed := mustCreate(t, l, "acme", "X-3")
	l.Fail(ctx, newFailed, "recent")

	n, err := l.Cleanup(ctx, 30*24*time.Hour, nil)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup deleted %d, want 1", n)
	}
	if _, err := l.Get(ctx, oldDone); !errors.Is(err, ErrNotFound) {
		t.Errorf("old terminal job still present: %v", err)
	}
	if got := countLogs(t, l, oldDone); got != 0 {
		t.Errorf("old terminal job logs = %d, want 0", got)
	}
	mustGet(t, l, oldRunning)
	mustGet(t, l, newFailed)
	if got := countLogs(t, l, oldRunning); got != 1 {
		t.Errorf("running job logs = %d, want 1", got)
	}
}

func TestCleanup_ArchiveFailureKeepsJob(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	old := time.Now().Add(-40 * 24 * time.Hour)

	a := mustCreate(t, l, "acme", "X-1")
	l.Fail(ctx, a, "x")
	l.AppendLog(ctx, a, LevelError, "x", map[string]any{"phase": "plan"})
	age(t, l, a, old)

	b := mustCreate(t, l, "acme", "X-2")
	l.Fail(ctx, b, "y")
	age(t, l, b, old)

	arch := &recordingArchiver{failFor: b}
	n, err := l.Cleanup(ctx, 30*24*time.Hour, arch)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 1 {
		t.Errorf("Cleanup deleted %d, want 1", n)
	}
	if arch.archived[a] != 1 {
		t.Errorf("archived logs for %s = %d, want 1", a, arch.archived[a])
	}
	mustGet(t, l, b)
}

func TestAppendLog_CopiesTicketKey(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	id := mustCreate(t, l, "acme", "X-7")

	if err := l.AppendLog(ctx, id, LevelWarn, "label failed", map[string]any{"label": "ai-in-progress"}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	logs, err := l.TicketLogs(ctx, "X-7")
	if err != nil {
		t.Fatalf("TicketLogs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("len(logs) = %d, want 1", len(logs))
	}
	if logs[0].JobID != id || logs[0].Level != LevelWarn {
		t.Errorf("log = %+v", logs[0])
	}
	if logs[0].Context["label"] != "ai-in-progress" {
		t.Errorf("Context[label] = %v, want ai-in-progress", logs[0].Context["label"])
	}

	if err := l.AppendLog(ctx, "missing", LevelInfo, "x", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("AppendLog(missing job) = %v, want ErrNotFound", err)
	}
}

func TestView_JSONShape(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	id := mustCreate(t, l, "acme", "X-1")
	l.Advance(ctx, id, "Dispatched", 5, "")
	l.SuspendForClarification(ctx, id, "c-10042", []string{"Which element?"})

	data, err := json.Marshal(View(mustGet(t, l, id)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body := string(data)
	for _, want := range []string{
		`"job_id":"` + id + `"`,
		`"status":"WAITING_CLARIFICATION"`,
		`"progress":5`,
		`"clarification_comment_id":"c-10042"`,
		`"clarification_questions":["Which element?"]`,
		`"steps_completed":[{"step":"Dispatched","progress":5`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("view JSON missing %s\n%s", want, body)
		}
	}
}
