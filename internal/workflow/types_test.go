package workflow

import (
	"strings"
	"testing"
)

func TestParseRequirements(t *testing.T) {
	r, err := ParseRequirements("Sure!\n```json\n" + `{"summary": "s", "is_clear": false, "questions": ["Which element?", "  ", "All pages or one?"]}` + "\n```")
	if err != nil {
		t.Fatalf("ParseRequirements: %v", err)
	}
	if r.Version != SchemaVersion {
		t.Errorf("Version = %d, want %d", r.Version, SchemaVersion)
	}
	if len(r.Questions) != 2 || r.Questions[0] != "Which element?" || r.Questions[1] != "All pages or one?" {
		t.Errorf("Questions = %q", r.Questions)
	}
	if !r.NeedsClarification() {
		t.Error("NeedsClarification = false, want true")
	}

	if _, err := ParseRequirements("no json here"); err == nil {
		t.Error("expected error for prose reply")
	}
	if _, err := ParseRequirements(`{"version": 2, "is_clear": true}`); err == nil {
		t.Error("expected error for unsupported version")
	}
	if _, err := ParseRequirements(`{"is_clear": "yes"}`); err == nil {
		t.Error("expected error for mistyped field")
	}
}

func TestNeedsClarification(t *testing.T) {
	if (Requirements{IsClear: false}).NeedsClarification() {
		t.Error("unclear without questions should not suspend")
	}
	if (Requirements{IsClear: true, Questions: []string{"q"}}).NeedsClarification() {
		t.Error("clear with questions should not suspend")
	}
}

func TestFallbackRequirements(t *testing.T) {
	r := fallbackRequirements("Fix cart", "Button is off-center")
	if !r.IsClear || !r.Fallback {
		t.Errorf("fallback = %+v, want clear fallback", r)
	}
	if len(r.Requirements) != 1 || r.Requirements[0] != "Button is off-center" {
		t.Errorf("Requirements = %q", r.Requirements)
	}
}

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan(`{"approach": "a", "files": [{"path": "./src/app.js", "action": "Modify"}, {"path": "docs/new.md", "action": "create"}, {"path": "old.txt"}]}`)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if p.Files[0].Path != "src/app.js" || p.Files[0].Action != ActionModify {
		t.Errorf("Files[0] = %+v", p.Files[0])
	}
	if p.Files[2].Action != ActionModify {
		t.Errorf("missing action = %q, want modify", p.Files[2].Action)
	}

	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"prose", "I could not plan this.", "no JSON"},
		{"no files", `{"approach": "a", "files": []}`, "no files"},
		{"bad action", `{"files": [{"path": "a.js", "action": "rename"}]}`, "unknown action"},
		{"escape", `{"files": [{"path": "../etc/passwd"}]}`, "leaves the repository"},
		{"absolute", `{"files": [{"path": "/etc/passwd"}]}`, "leaves the repository"},
		{"git dir", `{"files": [{"path": ".git/config"}]}`, "inside .git"},
		{"duplicate", `{"files": [{"path": "a.js"}, {"path": "./a.js"}]}`, "twice"},
		{"empty path", `{"files": [{"path": " "}]}`, "path is required"},
		{"version", `{"version": 3, "files": [{"path": "a.js"}]}`, "version 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.reply)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParsePlan = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"```go\npackage main\n```", "package main\n"},
		{"```\na\nb\n```\n", "a\nb\n"},
		{"plain\n", "plain\n"},
		{"```", "```"},
	}
	for _, tt := range tests {
		if got := stripFences(tt.in); got != tt.want {
			t.Errorf("stripFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName("ai/", "X-1"); got != "ai/x-1" {
		t.Errorf("BranchName = %q, want %q", got, "ai/x-1")
	}
}

func TestPickSamples(t *testing.T) {
	files := []string{"README.md", "src/app.js", "src/cart/button.js", "src/cart/total.js", "lib/util.js"}
	got := pickSamples(files, []string{"cart", "button"}, 3)
	want := []string{"src/cart/button.js", "src/cart/total.js", "README.md"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("pickSamples = %v, want %v", got, want)
	}
	if got := pickSamples(files, nil, 2); len(got) != 2 || got[0] != "README.md" {
		t.Errorf("pickSamples(no terms) = %v", got)
	}
}

func TestIgnoredFile(t *testing.T) {
	for _, f := range []string{"node_modules/x/index.js", "web/vendor/a.go", "logo.PNG", "assets/app.min.js", "yarn.lock"} {
		if !ignoredFile(f) {
			t.Errorf("ignoredFile(%q) = false", f)
		}
	}
	for _, f := range []string{"src/app.js", "vendored.go", "README.md"} {
		if ignoredFile(f) {
			t.Errorf("ignoredFile(%q) = true", f)
		}
	}
}
