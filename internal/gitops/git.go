// Package gitops drives the git CLI to materialize a job's code changes:
// clone, branch, read and write files, commit and push.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// ErrNothingToCommit is returned by CommitAll when the working tree is clean.
var ErrNothingToCommit = errors.New("gitops: nothing to commit")

// CloneOptions describes the repository to clone and the commit identity.
type CloneOptions struct {
	URL           string
	Token         string
	DefaultBranch string
	AuthorName    string
	AuthorEmail   string
}

// Repo is a local working copy.
type Repo struct {
	Dir string
}

// Clone clones opts.URL at its default branch into dir and configures the
// commit identity. dir must not exist or be empty.
func Clone(ctx context.Context, opts CloneOptions, dir string) (*Repo, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("gitops: clone url is required")
	}
	if dir == "" {
		return nil, fmt.Errorf("gitops: clone directory is required")
	}
	args := []string{"clone", "--no-tags"}
	if opts.DefaultBranch != "" {
		args = append(args, "--branch", opts.DefaultBranch)
	}
	args = append(args, authURL(opts.URL, opts.Token), dir)
	if out, err := git(ctx, "", args...); err != nil {
		return nil, fmt.Errorf("gitops: clone %s: %s", redact(opts.URL), redactToken(out, opts.Token))
	}

	r := &Repo{Dir: dir}
	name, email := opts.AuthorName, opts.AuthorEmail
	if name == "" {
		name = "Switchyard"
	}
	if email == "" {
		email = "switchyard@localhost"
	}
	for _, kv := range [][2]string{{"user.name", name}, {"user.email", email}} {
		if out, err := git(ctx, dir, "config", kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("gitops: config %s: %s", kv[0], out)
		}
	}
	return r, nil
}

// CreateBranch creates branchName from the current HEAD, or checks it out if
// it already exists locally.
func (r *Repo) CreateBranch(ctx context.Context, branchName string) error {
	if branchName == "" {
		return fmt.Errorf("gitops: branch name is required")
	}
	out, err := git(ctx, r.Dir, "checkout", "-b", branchName)
	if err == nil {
		return nil
	}
	if strings.Contains(out, "already exists") {
		if coOut, coErr := git(ctx, r.Dir, "checkout", branchName); coErr != nil {
			return fmt.Errorf("gitops: checkout existing branch %q: %s", branchName, coOut)
		}
		return nil
	}
	return fmt.Errorf("gitops: create branch %q: %s", branchName, out)
}

// CheckoutExisting fetches branchName from origin and checks it out so new
// commits land on top of the earlier run's work. A branch that no longer
// exists on origin is created fresh under the same name.
func (r *Repo) CheckoutExisting(ctx context.Context, branchName string) error {
	if branchName == "" {
		return fmt.Errorf("gitops: branch name is required")
	}
	if _, err := git(ctx, r.Dir, "fetch", "origin", branchName); err != nil {
		return r.CreateBranch(ctx, branchName)
	}
	if out, err := git(ctx, r.Dir, "checkout", "-B", branchName, "origin/"+branchName); err != nil {
		return fmt.Errorf("gitops: checkout %q: %s", branchName, out)
	}
	return nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := git(ctx, r.Dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("gitops: current branch: %s", out)
	}
	return out, nil
}

// ListFiles returns the tracked files, relative to the repository root.
func (r *Repo) ListFiles(ctx context.Context) ([]string, error) {
	out, err := git(ctx, r.Dir, "ls-files")
	if err != nil {
		return nil, fmt.Errorf("gitops: ls-files: %s", out)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// ReadFile returns the contents of a repository-relative path.
func (r *Repo) ReadFile(path string) (string, error) {
	abs, err := r.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("gitops: read %s: %w", path, err)
	}
	return string(data), nil
}

// WriteFile writes content to a repository-relative path, creating parent
// directories as needed.
func (r *Repo) WriteFile(path, content string) error {
	abs, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return fmt.Errorf("gitops: mkdir for %s: %w", path, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
		return fmt.Errorf("gitops: write %s: %w", path, err)
	}
	return nil
}

// DeleteFile removes a repository-relative path. Missing files are ignored.
func (r *Repo) DeleteFile(path string) error {
	abs, err := r.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("gitops: delete %s: %w", path, err)
	}
	return nil
}

// resolve maps a repository-relative path to an absolute one, rejecting
// anything that escapes the working copy.
func (r *Repo) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("gitops: path is required")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("gitops: path %q must be relative", path)
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("gitops: path %q escapes the repository", path)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git"+string(filepath.Separator)) {
		return "", fmt.Errorf("gitops: path %q is inside .git", path)
	}
	return filepath.Join(r.Dir, clean), nil
}

// CommitAll stages every change and commits it.
func (r *Repo) CommitAll(ctx context.Context, message string) error {
	if out, err := git(ctx, r.Dir, "add", "-A"); err != nil {
		return fmt.Errorf("gitops: add: %s", out)
	}
	status, err := git(ctx, r.Dir, "status", "--porcelain")
	if err != nil {
		return fmt.Errorf("gitops: status: %s", status)
	}
	if status == "" {
		return ErrNothingToCommit
	}
	if out, err := git(ctx, r.Dir, "commit", "-m", message); err != nil {
		return fmt.Errorf("gitops: commit: %s", out)
	}
	return nil
}

// Push pushes a branch to origin, retrying once on failure.
func (r *Repo) Push(ctx context.Context, branchName string) error {
	if branchName == "" {
		return fmt.Errorf("gitops: branch name is required")
	}
	var lastErr error
	for attempt := range 2 {
		out, err := git(ctx, r.Dir, "push", "-u", "origin", branchName)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("gitops: push branch %q (attempt %d): %s", branchName, attempt+1, out)

		if attempt == 0 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(time.Second):
			}
		}
	}
	return lastErr
}

// RecentCommits returns the last n commits on HEAD as one-line strings.
func (r *Repo) RecentCommits(ctx context.Context, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	out, err := git(ctx, r.Dir, "log", "--oneline", fmt.Sprintf("-%d", n))
	if err != nil {
		return nil, fmt.Errorf("gitops: recent commits: %s", out)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// authURL embeds token into an https clone URL. Other URLs are returned as-is.
func authURL(raw, token string) string {
	if token == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" {
		return raw
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "***")
}
