package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const fullYAML = `
database:
  driver: postgres
  host: db.internal
  name: ledger
  user: sy
  password: secret

server:
  addr: ":8181"
  public_url: https://dispatch.example.com/
  callback_secret: s3cr3t

dispatch:
  cooldown_sec: 60
  default_max_concurrent: 4
  required_capabilities: [git, filesystem]

tenants:
  - id: acme
    features: [automation]
    credentials:
      model_api_key: sk-test
    projects:
      - prefix: X
        board: "10"
        repo:
          owner: acme
          name: storefront
    shards: [shard-a]

shards:
  - id: shard-a
    host: 10.0.0.5
    port: 9090
    capabilities: [git, filesystem, ticket-tracker]
    max_concurrent_jobs: 4
  - id: shard-b
    host: 10.0.0.6
    port: 22
    mode: session
    default: true
`

const minimalYAML = `
tenants:
  - id: solo
`

func TestParse_FullConfig(t *testing.T) {
	cfg, err := Parse([]byte(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "postgres" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "postgres")
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("Database.Port = %d, want 5432", cfg.Database.Port)
	}
	if cfg.Server.Addr != ":8181" {
		t.Errorf("Server.Addr = %q, want %q", cfg.Server.Addr, ":8181")
	}
	if cfg.Cooldown() != 60*time.Second {
		t.Errorf("Cooldown() = %v, want 60s", cfg.Cooldown())
	}
	if len(cfg.Dispatch.RequiredCapabilities) != 2 {
		t.Errorf("len(RequiredCapabilities) = %d, want 2", len(cfg.Dispatch.RequiredCapabilities))
	}

	if len(cfg.Tenants) != 1 {
		t.Fatalf("len(Tenants) = %d, want 1", len(cfg.Tenants))
	}
	acme := cfg.Tenants[0]
	if acme.MaxConcurrentJobs != 4 {
		t.Errorf("Tenants[0].MaxConcurrentJobs = %d, want 4 (dispatch default)", acme.MaxConcurrentJobs)
	}
	repo := acme.Projects[0].Repo
	if repo.DefaultBranch != "main" {
		t.Errorf("DefaultBranch = %q, want %q", repo.DefaultBranch, "main")
	}
	if repo.CloneURL != "https://github.com/acme/storefront.git" {
		t.Errorf("CloneURL = %q, want derived github URL", repo.CloneURL)
	}
	if repo.Ref() != "acme/storefront" {
		t.Errorf("Ref() = %q, want %q", repo.Ref(), "acme/storefront")
	}

	if len(cfg.Shards) != 2 {
		t.Fatalf("len(Shards) = %d, want 2", len(cfg.Shards))
	}
	if cfg.Shards[0].Mode != ModeAPI {
		t.Errorf("Shards[0].Mode = %q, want %q (default)", cfg.Shards[0].Mode, ModeAPI)
	}
	if cfg.Shards[1].MaxConcurrentJobs != 2 {
		t.Errorf("Shards[1].MaxConcurrentJobs = %d, want 2 (default)", cfg.Shards[1].MaxConcurrentJobs)
	}
	if !cfg.Shards[1].Default {
		t.Error("Shards[1].Default = false, want true")
	}
}

func TestParse_MinimalConfig_AppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Database.Driver != "mysql" {
		t.Errorf("Database.Driver = %q, want %q", cfg.Database.Driver, "mysql")
	}
	if cfg.Database.Host != "127.0.0.1" || cfg.Database.Port != 3306 {
		t.Errorf("Database = %s:%d, want 127.0.0.1:3306", cfg.Database.Host, cfg.Database.Port)
	}
	if cfg.Dispatch.CooldownSec != 120 {
		t.Errorf("CooldownSec = %d, want 120", cfg.Dispatch.CooldownSec)
	}
	if cfg.Dispatch.DefaultMaxConcurrent != 3 {
		t.Errorf("DefaultMaxConcurrent = %d, want 3", cfg.Dispatch.DefaultMaxConcurrent)
	}
	if cfg.Tenants[0].MaxConcurrentJobs != 3 {
		t.Errorf("Tenants[0].MaxConcurrentJobs = %d, want 3", cfg.Tenants[0].MaxConcurrentJobs)
	}
	if cfg.Ledger.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", cfg.Ledger.RetentionDays)
	}
	if cfg.Retention() != 30*24*time.Hour {
		t.Errorf("Retention() = %v, want 720h", cfg.Retention())
	}
	if cfg.Workflow.BranchPrefix != "ai/" {
		t.Errorf("BranchPrefix = %q, want %q", cfg.Workflow.BranchPrefix, "ai/")
	}
	if cfg.Dispatch.WIPLabel != "ai-in-progress" {
		t.Errorf("WIPLabel = %q, want %q", cfg.Dispatch.WIPLabel, "ai-in-progress")
	}
}

func TestParse_ExpandsEnvironment(t *testing.T) {
	t.Setenv("SY_TEST_MODEL_KEY", "sk-from-env")

	cfg, err := Parse([]byte(`
tenants:
  - id: acme
    credentials:
      model_api_key: ${SY_TEST_MODEL_KEY}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := cfg.Tenants[0].Credentials.ModelAPIKey; got != "sk-from-env" {
		t.Errorf("ModelAPIKey = %q, want %q", got, "sk-from-env")
	}
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "bad driver",
			yaml: "database:\n  driver: oracle\n",
			want: "database.driver",
		},
		{
			name: "missing tenant id",
			yaml: "tenants:\n  - features: [automation]\n",
			want: "tenants[0].id is required",
		},
		{
			name: "project without repo",
			yaml: "tenants:\n  - id: a\n    projects:\n      - prefix: X\n",
			want: "repo owner and name are required",
		},
		{
			name: "shard without host",
			yaml: "shards:\n  - id: s1\n    port: 80\n",
			want: "shards[0].host is required",
		},
		{
			name: "bad shard mode",
			yaml: "shards:\n  - id: s1\n    host: h\n    port: 80\n    mode: carrier-pigeon\n",
			want: "mode \"carrier-pigeon\"",
		},
		{
			name: "relative public url",
			yaml: "server:\n  public_url: /switchyard\n",
			want: "server.public_url \"/switchyard\" must be an absolute",
		},
		{
			name: "unknown shard assignment",
			yaml: "tenants:\n  - id: a\n    shards: [ghost]\n",
			want: "unknown shard \"ghost\"",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want to contain %q", err.Error(), tt.want)
			}
		})
	}
}

func TestCheckCallbacks(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{name: "no tenants", yaml: "shards: []\n"},
		{name: "configured", yaml: fullYAML},
		{
			name: "tenant without secret or url",
			yaml: minimalYAML,
			want: "server.callback_secret and server.public_url required",
		},
		{
			name: "tenant without secret",
			yaml: "server:\n  public_url: https://dispatch.example.com\ntenants:\n  - id: solo\n",
			want: "server.callback_secret required",
		},
		{
			name: "tenant without url",
			yaml: "server:\n  callback_secret: s3cr3t\ntenants:\n  - id: solo\n",
			want: "server.public_url required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			err = cfg.CheckCallbacks()
			if tt.want == "" {
				if err != nil {
					t.Errorf("CheckCallbacks: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("CheckCallbacks = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestCallbackURL(t *testing.T) {
	cfg := &Config{Server: ServerConfig{PublicURL: "https://dispatch.example.com/"}}
	got := cfg.CallbackURL("job-1")
	want := "https://dispatch.example.com/api/v1/jobs/job-1/events"
	if got != want {
		t.Errorf("CallbackURL = %q, want %q", got, want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "config: read") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "config: read")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "switchyard.yaml")
	if err := os.WriteFile(path, []byte(minimalYAML), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, nil, func(c *Config) { reloaded <- c })
	}()

	// Give the watcher a moment to register before editing.
	time.Sleep(100 * time.Millisecond)
	updated := "tenants:\n  - id: solo\n    max_concurrent_jobs: 7\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Tenants[0].MaxConcurrentJobs != 7 {
			t.Errorf("MaxConcurrentJobs = %d, want 7", cfg.Tenants[0].MaxConcurrentJobs)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}
