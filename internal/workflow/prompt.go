package workflow

import (
	"fmt"
	"strings"

	"github.com/zulandar/switchyard/internal/tracker"
)

const analystSystem = `You are a senior engineer reviewing a ticket before implementation.
Reply with a single JSON object and nothing else.`

const plannerSystem = `You are a senior engineer planning a change to an existing repository.
Reply with a single JSON object and nothing else.`

const writerSystem = `You are a senior engineer writing one file of a planned change.
Reply with the complete new file content only, without commentary.`

// FileSample is a repository file shown to the model while planning.
type FileSample struct {
	Path    string
	Content string
}

func analysisPrompt(issue *tracker.Issue, clarification []tracker.Comment) string {
	var w strings.Builder
	writeTicket(&w, issue)
	writeComments(&w, "Ticket Comments", issue.Comments)
	writeComments(&w, "Clarification Answer", clarification)

	w.WriteString("## Task\n")
	w.WriteString("Extract the requirements and acceptance criteria. Decide whether the ticket is\n")
	w.WriteString("clear enough to implement without guessing. If it is not, list the questions\n")
	w.WriteString("that would make it clear.\n")
	if len(clarification) > 0 {
		w.WriteString("The clarification answer above responds to earlier questions; treat it as\n")
		w.WriteString("authoritative.\n")
	}
	w.WriteString("\nRespond with:\n")
	w.WriteString(`{"version": 1, "summary": "...", "requirements": ["..."], "acceptance_criteria": ["..."], "is_clear": true, "questions": [], "keywords": ["..."]}`)
	w.WriteString("\n")
	return w.String()
}

func planPrompt(issue *tracker.Issue, req Requirements, files []string, samples []FileSample, branch string) string {
	var w strings.Builder
	writeTicket(&w, issue)
	writeRequirements(&w, req)

	w.WriteString("## Repository Files\n")
	for _, f := range files {
		w.WriteString("- ")
		w.WriteString(f)
		w.WriteString("\n")
	}
	w.WriteString("\n")
	for _, s := range samples {
		fmt.Fprintf(&w, "### %s\n```\n%s\n```\n\n", s.Path, strings.TrimRight(s.Content, "\n"))
	}
	if branch != "" {
		fmt.Fprintf(&w, "Work continues on the existing branch %s.\n\n", branch)
	}

	w.WriteString("## Task\n")
	w.WriteString("Plan the smallest change that satisfies the requirements. Use paths relative to\n")
	w.WriteString("the repository root. Each file action is one of modify, create or delete.\n")
	w.WriteString("\nRespond with:\n")
	w.WriteString(`{"version": 1, "approach": "...", "branch_name": "...", "files": [{"path": "...", "action": "modify", "description": "..."}]}`)
	w.WriteString("\n")
	return w.String()
}

func filePrompt(issue *tracker.Issue, req Requirements, plan Plan, change FileChange, current string) string {
	var w strings.Builder
	writeTicket(&w, issue)
	writeRequirements(&w, req)

	w.WriteString("## Plan\n")
	w.WriteString(plan.Approach)
	w.WriteString("\n\n")
	for _, f := range plan.Files {
		fmt.Fprintf(&w, "- %s %s: %s\n", f.Action, f.Path, f.Description)
	}
	w.WriteString("\n")

	fmt.Fprintf(&w, "## File: %s\n", change.Path)
	w.WriteString(change.Description)
	w.WriteString("\n\n")
	if change.Action == ActionModify && current != "" {
		fmt.Fprintf(&w, "Current content:\n```\n%s\n```\n\n", strings.TrimRight(current, "\n"))
	}
	w.WriteString("Write the complete new content of this file.\n")
	return w.String()
}

func writeTicket(w *strings.Builder, issue *tracker.Issue) {
	fmt.Fprintf(w, "# Ticket %s: %s\n", issue.Key, issue.Summary)
	if issue.Type != "" || issue.Priority != "" {
		fmt.Fprintf(w, "Type: %s | Priority: %s\n", issue.Type, issue.Priority)
	}
	w.WriteString("\n## Description\n")
	w.WriteString(issue.Description)
	w.WriteString("\n\n")
	if len(issue.URLs) > 0 {
		w.WriteString("## URLs to Check\n")
		for _, u := range issue.URLs {
			fmt.Fprintf(w, "- %s\n", u)
		}
		w.WriteString("\n")
	}
	if len(issue.Attachments) > 0 {
		w.WriteString("## Attachments\n")
		for _, a := range issue.Attachments {
			fmt.Fprintf(w, "- %s (%s)\n", a.Filename, a.MimeType)
		}
		w.WriteString("\n")
	}
}

func writeComments(w *strings.Builder, title string, comments []tracker.Comment) {
	if len(comments) == 0 {
		return
	}
	fmt.Fprintf(w, "## %s\n", title)
	for _, c := range comments {
		fmt.Fprintf(w, "### %s (%s)\n", c.Author, c.Created.Format("2006-01-02 15:04"))
		w.WriteString(c.Body)
		w.WriteString("\n\n")
	}
}

func writeRequirements(w *strings.Builder, req Requirements) {
	w.WriteString("## Requirements\n")
	for _, r := range req.Requirements {
		fmt.Fprintf(w, "- %s\n", r)
	}
	if len(req.AcceptanceCriteria) > 0 {
		w.WriteString("\n### Acceptance Criteria\n")
		for _, a := range req.AcceptanceCriteria {
			fmt.Fprintf(w, "- %s\n", a)
		}
	}
	w.WriteString("\n")
}

func questionsComment(questions []string) string {
	var w strings.Builder
	w.WriteString("Before starting on this ticket I need a few details:\n\n")
	for i, q := range questions {
		fmt.Fprintf(&w, "%d. %s\n", i+1, q)
	}
	w.WriteString("\nReply in a comment and the work will resume from your answer.")
	return w.String()
}

func pullRequestBody(ticketKey string, req Requirements, plan Plan) string {
	var w strings.Builder
	fmt.Fprintf(&w, "Resolves %s.\n\n", ticketKey)
	if req.Summary != "" {
		w.WriteString(req.Summary)
		w.WriteString("\n\n")
	}
	if plan.Approach != "" {
		w.WriteString("## Approach\n")
		w.WriteString(plan.Approach)
		w.WriteString("\n\n")
	}
	w.WriteString("## Changes\n")
	for _, f := range plan.Files {
		fmt.Fprintf(&w, "- `%s` (%s) %s\n", f.Path, f.Action, f.Description)
	}
	if len(req.AcceptanceCriteria) > 0 {
		w.WriteString("\n## Acceptance Criteria\n")
		for _, a := range req.AcceptanceCriteria {
			fmt.Fprintf(&w, "- [ ] %s\n", a)
		}
	}
	return w.String()
}

func updateComment(runCount int, plan Plan) string {
	var w strings.Builder
	fmt.Fprintf(&w, "Run %d pushed new commits to this branch.\n\n", runCount)
	for _, f := range plan.Files {
		fmt.Fprintf(&w, "- `%s` (%s)\n", f.Path, f.Action)
	}
	return w.String()
}

func failureComment(pe *PhaseError) string {
	return fmt.Sprintf("Automated work on this ticket stopped during %s:\n\n%s\n\nThe job was marked failed. Trigger it again once the problem is resolved.",
		strings.ReplaceAll(pe.Phase, "_", " "), pe.Err)
}
