// Package config provides YAML-based configuration loading for Switchyard.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Shard execution modes.
const (
	ModeAPI     = "api"
	ModeSession = "session"
)

// Config is the top-level Switchyard configuration, loaded from switchyard.yaml.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Health    HealthConfig    `yaml:"health"`
	Tenants   []TenantConfig  `yaml:"tenants"`
	Shards    []ShardConfig   `yaml:"shards"`
	Redis     RedisConfig     `yaml:"redis"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Minio     MinioConfig     `yaml:"minio"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Notify    NotifyConfig    `yaml:"notify"`
	Worker    WorkerConfig    `yaml:"worker"`
}

// DatabaseConfig selects the ledger database. Driver is one of mysql,
// postgres or sqlite. DSN, when set, wins over the discrete fields.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// ServerConfig holds settings for the dispatcher HTTP API.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	PublicURL      string   `yaml:"public_url"`
	APIToken       string   `yaml:"api_token"`
	CallbackSecret string   `yaml:"callback_secret"`
	CallbackTTLMin int      `yaml:"callback_ttl_min"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// DispatchConfig tunes the trigger guards and outbound timeouts.
type DispatchConfig struct {
	CooldownSec          int      `yaml:"cooldown_sec"`
	DefaultMaxConcurrent int      `yaml:"default_max_concurrent"`
	DispatchTimeoutSec   int      `yaml:"dispatch_timeout_sec"`
	ProbeTimeoutSec      int      `yaml:"probe_timeout_sec"`
	LockWaitSec          int      `yaml:"lock_wait_sec"`
	RequiredCapabilities []string `yaml:"required_capabilities"`
	WIPLabel             string   `yaml:"wip_label"`
	InProgressStatus     string   `yaml:"in_progress_status"`
}

// WorkflowConfig tunes the phases executed on a worker.
type WorkflowConfig struct {
	BranchPrefix      string `yaml:"branch_prefix"`
	DoneStatus        string `yaml:"done_status"`
	FailedStatus      string `yaml:"failed_status"`
	CompleteOnPublish bool   `yaml:"complete_on_publish"`
	MaxSampleFiles    int    `yaml:"max_sample_files"`
	WorkDir           string `yaml:"work_dir"`
	GitAuthorName     string `yaml:"git_author_name"`
	GitAuthorEmail    string `yaml:"git_author_email"`
}

// LedgerConfig controls retention of terminal jobs.
type LedgerConfig struct {
	RetentionDays int    `yaml:"retention_days"`
	CleanupCron   string `yaml:"cleanup_cron"`
}

// HealthConfig controls the periodic shard probe sweep.
type HealthConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	TimeoutSec  int `yaml:"timeout_sec"`
}

// TenantConfig describes one tenant's plan, credentials and project mapping.
type TenantConfig struct {
	ID                string          `yaml:"id"`
	Features          []string        `yaml:"features"`
	MaxConcurrentJobs int             `yaml:"max_concurrent_jobs"`
	Credentials       Credentials     `yaml:"credentials"`
	Projects          []ProjectConfig `yaml:"projects"`
	Shards            []string        `yaml:"shards"`
	FeatureFlags      FeatureFlags    `yaml:"feature_flags"`
}

// Credentials are forwarded to the worker inside the dispatch payload.
type Credentials struct {
	ModelAPIKey        string `yaml:"model_api_key" json:"model_api_key"`
	TicketTrackerURL   string `yaml:"ticket_tracker_url" json:"ticket_tracker_url"`
	TicketTrackerEmail string `yaml:"ticket_tracker_email" json:"ticket_tracker_email"`
	TicketTrackerToken string `yaml:"ticket_tracker_token" json:"ticket_tracker_token"`
	CodeHostToken      string `yaml:"code_host_token" json:"code_host_token"`
}

// FeatureFlags toggle optional workflow behaviour per tenant.
type FeatureFlags struct {
	UseOrchestrator bool `yaml:"use_orchestrator" json:"use_orchestrator"`
	Shopify         bool `yaml:"shopify" json:"shopify,omitempty"`
}

// ProjectConfig maps a ticket key prefix to a board and repository.
type ProjectConfig struct {
	Prefix string     `yaml:"prefix"`
	Board  string     `yaml:"board"`
	Repo   RepoConfig `yaml:"repo"`
}

// RepoConfig identifies the code repository a project's tickets change.
type RepoConfig struct {
	Owner         string `yaml:"owner" json:"owner"`
	Name          string `yaml:"name" json:"name"`
	DefaultBranch string `yaml:"default_branch" json:"default_branch"`
	CloneURL      string `yaml:"clone_url" json:"clone_url"`
}

// Ref returns the owner/name reference of the repository.
func (r RepoConfig) Ref() string {
	return r.Owner + "/" + r.Name
}

// ShardConfig seeds one worker into the shard registry.
type ShardConfig struct {
	ID                string   `yaml:"id"`
	Host              string   `yaml:"host"`
	Port              int      `yaml:"port"`
	Mode              string   `yaml:"mode"`
	Capabilities      []string `yaml:"capabilities"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	Default           bool     `yaml:"default"`
}

// RedisConfig enables the distributed trigger lock when Addr is set.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	LockTTLSec int    `yaml:"lock_ttl_sec"`
}

// RabbitMQConfig enables session-mode dispatch when URL is set.
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// MinioConfig enables archiving of expired jobs when Endpoint is set.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// TelemetryConfig configures logging and OTLP export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	LogLevel     string `yaml:"log_level"`
}

// NotifyConfig holds optional chat notification targets.
type NotifyConfig struct {
	Slack   ChatConfig `yaml:"slack"`
	Discord ChatConfig `yaml:"discord"`
}

// ChatConfig is a bot token plus the channel to post to.
type ChatConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// WorkerConfig holds settings for the `sy worker` process.
type WorkerConfig struct {
	Addr        string      `yaml:"addr"`
	ShardID     string      `yaml:"shard_id"`
	MaxJobs     int         `yaml:"max_jobs"`
	Queue       string      `yaml:"queue"`
	CodeHostURL string      `yaml:"code_host_url"`
	Model       ModelConfig `yaml:"model"`
}

// ModelConfig selects the AI model used by the workflow.
type ModelConfig struct {
	Name      string `yaml:"name"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references and unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	}
	if c.Database.Driver == "postgres" && c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Name == "" {
		c.Database.Name = "switchyard"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.CallbackTTLMin == 0 {
		c.Server.CallbackTTLMin = 24 * 60
	}

	if c.Dispatch.CooldownSec == 0 {
		c.Dispatch.CooldownSec = 120
	}
	if c.Dispatch.DefaultMaxConcurrent == 0 {
		c.Dispatch.DefaultMaxConcurrent = 3
	}
	if c.Dispatch.DispatchTimeoutSec == 0 {
		c.Dispatch.DispatchTimeoutSec = 30
	}
	if c.Dispatch.ProbeTimeoutSec == 0 {
		c.Dispatch.ProbeTimeoutSec = 5
	}
	if c.Dispatch.LockWaitSec == 0 {
		c.Dispatch.LockWaitSec = 10
	}
	if len(c.Dispatch.RequiredCapabilities) == 0 {
		c.Dispatch.RequiredCapabilities = []string{"git", "filesystem", "ticket-tracker"}
	}
	if c.Dispatch.WIPLabel == "" {
		c.Dispatch.WIPLabel = "ai-in-progress"
	}

	if c.Workflow.BranchPrefix == "" {
		c.Workflow.BranchPrefix = "ai/"
	}
	if c.Workflow.MaxSampleFiles == 0 {
		c.Workflow.MaxSampleFiles = 12
	}
	if c.Workflow.GitAuthorName == "" {
		c.Workflow.GitAuthorName = "Switchyard"
	}
	if c.Workflow.GitAuthorEmail == "" {
		c.Workflow.GitAuthorEmail = "switchyard@localhost"
	}

	if c.Ledger.RetentionDays == 0 {
		c.Ledger.RetentionDays = 30
	}
	if c.Ledger.CleanupCron == "" {
		c.Ledger.CleanupCron = "0 3 * * *"
	}

	if c.Health.IntervalSec == 0 {
		c.Health.IntervalSec = 60
	}
	if c.Health.TimeoutSec == 0 {
		c.Health.TimeoutSec = 5
	}

	for i := range c.Tenants {
		if c.Tenants[i].MaxConcurrentJobs == 0 {
			c.Tenants[i].MaxConcurrentJobs = c.Dispatch.DefaultMaxConcurrent
		}
		for j := range c.Tenants[i].Projects {
			p := &c.Tenants[i].Projects[j]
			if p.Repo.DefaultBranch == "" {
				p.Repo.DefaultBranch = "main"
			}
			if p.Repo.CloneURL == "" && p.Repo.Owner != "" && p.Repo.Name != "" {
				p.Repo.CloneURL = fmt.Sprintf("https://github.com/%s/%s.git", p.Repo.Owner, p.Repo.Name)
			}
		}
	}
	for i := range c.Shards {
		if c.Shards[i].Mode == "" {
			c.Shards[i].Mode = ModeAPI
		}
		if c.Shards[i].MaxConcurrentJobs == 0 {
			c.Shards[i].MaxConcurrentJobs = 2
		}
	}

	if c.Redis.LockTTLSec == 0 {
		c.Redis.LockTTLSec = 60
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "switchyard.dispatch"
	}
	if c.Minio.Bucket == "" {
		c.Minio.Bucket = "switchyard-archive"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "switchyard"
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = "info"
	}

	if c.Worker.Addr == "" {
		c.Worker.Addr = ":9090"
	}
	if c.Worker.MaxJobs == 0 {
		c.Worker.MaxJobs = 2
	}
	if c.Worker.Queue == "" && c.Worker.ShardID != "" {
		c.Worker.Queue = "switchyard.shard." + c.Worker.ShardID
	}
	if c.Worker.Model.Name == "" {
		c.Worker.Model.Name = "claude-sonnet-4-5"
	}
	if c.Worker.Model.MaxTokens == 0 {
		c.Worker.Model.MaxTokens = 8192
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}
	if c.Dispatch.CooldownSec < 0 {
		errs = append(errs, "dispatch.cooldown_sec must not be negative")
	}
	if c.Server.PublicURL != "" && !isAbsoluteURL(c.Server.PublicURL) {
		errs = append(errs, fmt.Sprintf("server.public_url %q must be an absolute http(s) URL", c.Server.PublicURL))
	}

	tenantIDs := make(map[string]bool, len(c.Tenants))
	for i, t := range c.Tenants {
		if t.ID == "" {
			errs = append(errs, fmt.Sprintf("tenants[%d].id is required", i))
		}
		if tenantIDs[t.ID] {
			errs = append(errs, fmt.Sprintf("tenants[%d].id %q is duplicated", i, t.ID))
		}
		tenantIDs[t.ID] = true
		for j, p := range t.Projects {
			if p.Prefix == "" {
				errs = append(errs, fmt.Sprintf("tenants[%d].projects[%d].prefix is required", i, j))
			}
			if p.Repo.Owner == "" || p.Repo.Name == "" {
				errs = append(errs, fmt.Sprintf("tenants[%d].projects[%d].repo owner and name are required", i, j))
			}
		}
	}

	shardIDs := make(map[string]bool, len(c.Shards))
	for i, s := range c.Shards {
		if s.ID == "" {
			errs = append(errs, fmt.Sprintf("shards[%d].id is required", i))
		}
		if shardIDs[s.ID] {
			errs = append(errs, fmt.Sprintf("shards[%d].id %q is duplicated", i, s.ID))
		}
		shardIDs[s.ID] = true
		if s.Host == "" {
			errs = append(errs, fmt.Sprintf("shards[%d].host is required", i))
		}
		if s.Port <= 0 {
			errs = append(errs, fmt.Sprintf("shards[%d].port must be positive", i))
		}
		if s.Mode != ModeAPI && s.Mode != ModeSession {
			errs = append(errs, fmt.Sprintf("shards[%d].mode %q is not one of api, session", i, s.Mode))
		}
	}
	for i, t := range c.Tenants {
		for _, id := range t.Shards {
			if !shardIDs[id] {
				errs = append(errs, fmt.Sprintf("tenants[%d].shards references unknown shard %q", i, id))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Cooldown returns the post-terminal trigger cooldown.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Dispatch.CooldownSec) * time.Second
}

// Retention returns how long terminal jobs are kept before cleanup.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Ledger.RetentionDays) * 24 * time.Hour
}

// CheckCallbacks reports whether dispatched jobs can report back: with any
// tenant configured, server.callback_secret and an absolute server.public_url
// are required.
func (c *Config) CheckCallbacks() error {
	if len(c.Tenants) == 0 {
		return nil
	}
	var missing []string
	if c.Server.CallbackSecret == "" {
		missing = append(missing, "server.callback_secret")
	}
	if !isAbsoluteURL(c.Server.PublicURL) {
		missing = append(missing, "server.public_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: workers cannot report job events: %s required", strings.Join(missing, " and "))
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// CallbackURL returns the worker event endpoint for a job.
func (c *Config) CallbackURL(jobID string) string {
	return strings.TrimRight(c.Server.PublicURL, "/") + "/api/v1/jobs/" + jobID + "/events"
}
