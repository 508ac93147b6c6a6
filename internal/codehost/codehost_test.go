package codehost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zulandar/switchyard/internal/config"
)

var repo = config.RepoConfig{Owner: "acme", Name: "storefront", DefaultBranch: "main"}

func newTestGitHub(t *testing.T, mux *http.ServeMux) *GitHub {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	g, err := NewGitHub(context.Background(), "tok", srv.URL)
	if err != nil {
		t.Fatalf("NewGitHub: %v", err)
	}
	return g
}

func TestGitHub_CreatePullRequest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/storefront/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q, want Bearer tok", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["head"] != "ai/x-1" || body["base"] != "main" {
			t.Errorf("request body = %v", body)
		}
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"number": 42, "html_url": "https://github.com/acme/storefront/pull/42"}`)
	})

	pr, err := newTestGitHub(t, mux).CreatePullRequest(context.Background(), repo, NewPullRequest{
		Head: "ai/x-1", Base: "main", Title: "X-1: Fix header", Body: "body",
	})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.Number != 42 || pr.URL != "https://github.com/acme/storefront/pull/42" || pr.Existing {
		t.Errorf("pr = %+v", pr)
	}
}

func TestGitHub_CreatePullRequest_ReusesExisting(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/storefront/pulls", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusUnprocessableEntity)
			io.WriteString(w, `{"message": "Validation Failed", "errors": [{"message": "A pull request already exists for acme:ai/x-1."}]}`)
		case http.MethodGet:
			if got := r.URL.Query().Get("head"); got != "acme:ai/x-1" {
				t.Errorf("head filter = %q, want acme:ai/x-1", got)
			}
			io.WriteString(w, `[{"number": 7, "html_url": "https://github.com/acme/storefront/pull/7"}]`)
		}
	})

	pr, err := newTestGitHub(t, mux).CreatePullRequest(context.Background(), repo, NewPullRequest{Head: "ai/x-1", Base: "main"})
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if pr.Number != 7 || !pr.Existing {
		t.Errorf("pr = %+v, want existing #7", pr)
	}
}

func TestGitHub_Comment(t *testing.T) {
	var got map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/storefront/issues/7/comments", func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id": 1}`)
	})

	if err := newTestGitHub(t, mux).Comment(context.Background(), repo, 7, "Updated"); err != nil {
		t.Fatalf("Comment: %v", err)
	}
	if got["body"] != "Updated" {
		t.Errorf("comment body = %q, want Updated", got["body"])
	}
}

func TestMock_ReturnsExistingForSameHead(t *testing.T) {
	m := NewMock()
	ctx := context.Background()
	first, _ := m.CreatePullRequest(ctx, repo, NewPullRequest{Head: "ai/x-1"})
	second, _ := m.CreatePullRequest(ctx, repo, NewPullRequest{Head: "ai/x-1"})
	if first.Number != second.Number || !second.Existing {
		t.Errorf("second = %+v, want existing #%d", second, first.Number)
	}
	if m.Opened() != 1 {
		t.Errorf("Opened = %d, want 1", m.Opened())
	}
}

func TestPullRequestURL(t *testing.T) {
	tests := []struct {
		repo config.RepoConfig
		want string
	}{
		{config.RepoConfig{Owner: "acme", Name: "storefront", CloneURL: "https://github.com/acme/storefront.git"}, "https://github.com/acme/storefront/pull/7"},
		{config.RepoConfig{Owner: "acme", Name: "storefront", CloneURL: "https://git.acme.dev/acme/storefront"}, "https://git.acme.dev/acme/storefront/pull/7"},
		{config.RepoConfig{Owner: "acme", Name: "storefront"}, "https://github.com/acme/storefront/pull/7"},
	}
	for _, tt := range tests {
		if got := PullRequestURL(tt.repo, 7); got != tt.want {
			t.Errorf("PullRequestURL(%q) = %q, want %q", tt.repo.CloneURL, got, tt.want)
		}
	}
}
