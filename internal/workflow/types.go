package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// SchemaVersion is the version stamped on parsed model output.
const SchemaVersion = 1

// errNoJSON is returned when a model reply contains no JSON object.
var errNoJSON = errors.New("workflow: reply contains no JSON object")

// Requirements is the parsed output of requirements analysis.
type Requirements struct {
	Version            int      `json:"version"`
	Summary            string   `json:"summary"`
	Requirements       []string `json:"requirements"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	IsClear            bool     `json:"is_clear"`
	Questions          []string `json:"questions"`
	Keywords           []string `json:"keywords"`
	// Fallback is set when the model reply could not be parsed and the
	// ticket text stands in for the analysis.
	Fallback bool `json:"-"`
}

// NeedsClarification reports whether the clarity gate should suspend.
func (r Requirements) NeedsClarification() bool {
	return !r.IsClear && len(r.Questions) > 0
}

// ParseRequirements decodes a requirements reply. Blank questions are
// dropped.
func ParseRequirements(reply string) (Requirements, error) {
	raw, err := extractJSON(reply)
	if err != nil {
		return Requirements{}, err
	}
	var r Requirements
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return Requirements{}, fmt.Errorf("workflow: parse requirements: %w", err)
	}
	if r.Version == 0 {
		r.Version = SchemaVersion
	}
	if r.Version != SchemaVersion {
		return Requirements{}, fmt.Errorf("workflow: requirements version %d is not supported", r.Version)
	}
	r.Questions = nonEmpty(r.Questions)
	r.Requirements = nonEmpty(r.Requirements)
	r.AcceptanceCriteria = nonEmpty(r.AcceptanceCriteria)
	return r, nil
}

// fallbackRequirements treats the ticket as clear when analysis output is
// unusable.
func fallbackRequirements(summary, description string) Requirements {
	r := Requirements{
		Version:  SchemaVersion,
		Summary:  summary,
		IsClear:  true,
		Fallback: true,
	}
	if d := strings.TrimSpace(description); d != "" {
		r.Requirements = []string{d}
	} else if summary != "" {
		r.Requirements = []string{summary}
	}
	return r
}

// File actions in a Plan.
const (
	ActionModify = "modify"
	ActionCreate = "create"
	ActionDelete = "delete"
)

// FileChange is one file the plan touches.
type FileChange struct {
	Path        string `json:"path"`
	Action      string `json:"action"`
	Description string `json:"description"`
}

// Plan is the parsed implementation plan.
type Plan struct {
	Version    int          `json:"version"`
	Approach   string       `json:"approach"`
	BranchName string       `json:"branch_name"`
	Files      []FileChange `json:"files"`
}

// ParsePlan decodes and validates a planning reply. Unlike requirements,
// a bad plan is an error: there is nothing safe to implement.
func ParsePlan(reply string) (Plan, error) {
	raw, err := extractJSON(reply)
	if err != nil {
		return Plan{}, err
	}
	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Plan{}, fmt.Errorf("workflow: parse plan: %w", err)
	}
	if p.Version == 0 {
		p.Version = SchemaVersion
	}
	if p.Version != SchemaVersion {
		return Plan{}, fmt.Errorf("workflow: plan version %d is not supported", p.Version)
	}
	if len(p.Files) == 0 {
		return Plan{}, fmt.Errorf("workflow: plan lists no files")
	}
	seen := make(map[string]bool, len(p.Files))
	for i := range p.Files {
		f := &p.Files[i]
		f.Action = strings.ToLower(strings.TrimSpace(f.Action))
		if f.Action == "" {
			f.Action = ActionModify
		}
		switch f.Action {
		case ActionModify, ActionCreate, ActionDelete:
		default:
			return Plan{}, fmt.Errorf("workflow: plan file %d: unknown action %q", i, f.Action)
		}
		clean, err := cleanPath(f.Path)
		if err != nil {
			return Plan{}, fmt.Errorf("workflow: plan file %d: %w", i, err)
		}
		if seen[clean] {
			return Plan{}, fmt.Errorf("workflow: plan lists %s twice", clean)
		}
		seen[clean] = true
		f.Path = clean
	}
	return p, nil
}

func cleanPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := path.Clean(strings.TrimPrefix(p, "./"))
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path %q leaves the repository", p)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return "", fmt.Errorf("path %q is inside .git", p)
	}
	return clean, nil
}

// extractJSON returns the outermost JSON object in a model reply, which
// may be wrapped in prose or a fenced block.
func extractJSON(reply string) (string, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return reply[start : end+1], nil
}

// stripFences removes a surrounding ``` block from generated file content.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return s
	}
	nl := strings.IndexByte(t, '\n')
	if nl < 0 {
		return s
	}
	body := t[nl+1:]
	if i := strings.LastIndex(body, "```"); i >= 0 {
		body = body[:i]
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return body
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
