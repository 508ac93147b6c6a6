package models

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// gormTag extracts the gorm tag from a struct field.
func gormTag(t *testing.T, typ reflect.Type, fieldName string) string {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	return f.Tag.Get("gorm")
}

// assertGormTag checks that a struct field's gorm tag contains the expected value.
func assertGormTag(t *testing.T, typ reflect.Type, fieldName, expected string) {
	t.Helper()
	tag := gormTag(t, typ, fieldName)
	if !strings.Contains(tag, expected) {
		t.Errorf("%s.%s gorm tag = %q, want to contain %q", typ.Name(), fieldName, tag, expected)
	}
}

// assertFieldType checks that a struct field has the expected Go type.
func assertFieldType(t *testing.T, typ reflect.Type, fieldName, expectedType string) {
	t.Helper()
	f, ok := typ.FieldByName(fieldName)
	if !ok {
		t.Fatalf("%s.%s: field not found", typ.Name(), fieldName)
	}
	got := f.Type.String()
	if got != expectedType {
		t.Errorf("%s.%s type = %q, want %q", typ.Name(), fieldName, got, expectedType)
	}
}

func TestJob_Fields(t *testing.T) {
	typ := reflect.TypeOf(Job{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "ID", "size:36")
	assertGormTag(t, typ, "TenantID", "index:idx_tenant_ticket")
	assertGormTag(t, typ, "TicketKey", "index:idx_tenant_ticket")
	assertGormTag(t, typ, "ActiveKey", "uniqueIndex")
	assertGormTag(t, typ, "ShardID", "index")
	assertGormTag(t, typ, "Status", "default:PENDING")
	assertGormTag(t, typ, "ErrorMessage", "type:text")
	assertGormTag(t, typ, "UpdatedAt", "index")

	assertFieldType(t, typ, "ActiveKey", "*string")
	if f, _ := typ.FieldByName("StepsCompleted"); !strings.HasPrefix(f.Type.String(), "datatypes.JSONSlice[") {
		t.Errorf("Job.StepsCompleted type = %q, want a datatypes.JSONSlice", f.Type.String())
	}
	assertFieldType(t, typ, "ClarificationQuestions", "datatypes.JSONSlice[string]")
	assertFieldType(t, typ, "PublishedAt", "*time.Time")
	assertFieldType(t, typ, "CompletedAt", "*time.Time")
}

func TestJobLog_Fields(t *testing.T) {
	typ := reflect.TypeOf(JobLog{})

	assertGormTag(t, typ, "ID", "autoIncrement")
	assertGormTag(t, typ, "JobID", "index")
	assertGormTag(t, typ, "TicketKey", "index")
	assertGormTag(t, typ, "Message", "type:text")
	assertFieldType(t, typ, "Context", "datatypes.JSONMap")
}

func TestShard_Fields(t *testing.T) {
	typ := reflect.TypeOf(Shard{})

	assertGormTag(t, typ, "ID", "primaryKey")
	assertGormTag(t, typ, "Host", "not null")
	assertGormTag(t, typ, "ExecutionMode", "default:api")
	assertGormTag(t, typ, "HealthStatus", "default:unknown")
	assertFieldType(t, typ, "Capabilities", "datatypes.JSONSlice[string]")
	assertFieldType(t, typ, "LastCheckedAt", "*time.Time")

	typ = reflect.TypeOf(ShardAssignment{})
	assertGormTag(t, typ, "ShardID", "primaryKey")
	assertGormTag(t, typ, "TenantID", "primaryKey")
}

func TestIsTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusWaitingClarification, false},
		{StatusPRCreated, true},
		{StatusComplete, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{"bogus", false},
	}
	for _, tt := range tests {
		if got := IsTerminal(tt.status); got != tt.want {
			t.Errorf("IsTerminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestJob_TerminalAt(t *testing.T) {
	completed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	published := completed.Add(-time.Hour)
	updated := completed.Add(time.Hour)

	running := &Job{Status: StatusRunning, UpdatedAt: updated}
	if got := running.TerminalAt(); got != nil {
		t.Errorf("TerminalAt() on running job = %v, want nil", got)
	}

	done := &Job{Status: StatusComplete, CompletedAt: &completed, PublishedAt: &published, UpdatedAt: updated}
	if got := done.TerminalAt(); got == nil || !got.Equal(completed) {
		t.Errorf("TerminalAt() = %v, want %v", got, completed)
	}

	pr := &Job{Status: StatusPRCreated, PublishedAt: &published, UpdatedAt: updated}
	if got := pr.TerminalAt(); got == nil || !got.Equal(published) {
		t.Errorf("TerminalAt() = %v, want %v", got, published)
	}
}

func TestShard_HasCapabilities(t *testing.T) {
	s := &Shard{Capabilities: []string{"git", "filesystem", "ticket-tracker"}}

	if !s.HasCapabilities([]string{"git", "ticket-tracker"}) {
		t.Error("HasCapabilities(subset) = false, want true")
	}
	if !s.HasCapabilities(nil) {
		t.Error("HasCapabilities(nil) = false, want true")
	}
	if s.HasCapabilities([]string{"git", "browser"}) {
		t.Error("HasCapabilities(missing tag) = true, want false")
	}
}

func TestActiveKeyFor(t *testing.T) {
	if got := ActiveKeyFor("acme", "X-1"); got != "acme/X-1" {
		t.Errorf("ActiveKeyFor = %q, want %q", got, "acme/X-1")
	}
}
