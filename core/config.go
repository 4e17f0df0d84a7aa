package core

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

var ticketPrefixPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*$`)

type TrackerConfig struct {
	APIKey         string   `koanf:"api_key" mapstructure:"api_key"`
	Endpoint       string   `koanf:"endpoint" mapstructure:"endpoint"`
	TicketPrefixes []string `koanf:"ticket_prefixes" mapstructure:"ticket_prefixes"`
	DoneStateName  string   `koanf:"done_state_name" mapstructure:"done_state_name"`
}

type PlatformConfig struct {
	APIKey            string `koanf:"api_key" mapstructure:"api_key"`
	BaseURL           string `koanf:"base_url" mapstructure:"base_url"`
	OwnerID           string `koanf:"owner_id" mapstructure:"owner_id"`
	DeployLookupLimit int    `koanf:"deploy_lookup_limit" mapstructure:"deploy_lookup_limit"`
}

type GitHostConfig struct {
	Token     string `koanf:"token" mapstructure:"token"`
	BaseURL   string `koanf:"base_url" mapstructure:"base_url"`
	UserAgent string `koanf:"user_agent" mapstructure:"user_agent"`
}

type WebhookConfig struct {
	Secret       string        `koanf:"secret" mapstructure:"secret"`
	ReplayWindow time.Duration `koanf:"replay_window" mapstructure:"replay_window"`
	EventTimeout time.Duration `koanf:"event_timeout" mapstructure:"event_timeout"`
	MaxAttempts  int           `koanf:"max_attempts" mapstructure:"max_attempts"`
}

// ReconcileConfig controls the pipeline. Branch is the service branch filter;
// AllBranches disables it.
type ReconcileConfig struct {
	Branch      string `koanf:"branch" mapstructure:"branch"`
	AllBranches bool   `koanf:"all_branches" mapstructure:"all_branches"`
	DryRun      bool   `koanf:"dry_run" mapstructure:"dry_run"`
	Concurrency int    `koanf:"concurrency" mapstructure:"concurrency"`
}

// BranchFilter returns the branch a service must track, and false when any
// branch is accepted.
func (c ReconcileConfig) BranchFilter() (string, bool) {
	branch := strings.TrimSpace(c.Branch)
	if c.AllBranches || branch == "" {
		return "", false
	}
	return branch, true
}

type StoreConfig struct {
	Path  string `koanf:"path" mapstructure:"path"`
	Debug bool   `koanf:"debug" mapstructure:"debug"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr" mapstructure:"addr"`
	ClientTimeout   time.Duration `koanf:"client_timeout" mapstructure:"client_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	MetricsPath     string        `koanf:"metrics_path" mapstructure:"metrics_path"`
}

type RetryConfig struct {
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay   time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	MaxDelay    time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
}

type SweepConfig struct {
	Schedule string `koanf:"schedule" mapstructure:"schedule"`
}

type LogConfig struct {
	Level  string `koanf:"level" mapstructure:"level"`
	Format string `koanf:"format" mapstructure:"format"`
}

type Config struct {
	ServiceName string          `koanf:"service_name" mapstructure:"service_name"`
	Tracker     TrackerConfig   `koanf:"tracker" mapstructure:"tracker"`
	Platform    PlatformConfig  `koanf:"platform" mapstructure:"platform"`
	GitHost     GitHostConfig   `koanf:"git_host" mapstructure:"git_host"`
	Webhook     WebhookConfig   `koanf:"webhook" mapstructure:"webhook"`
	Reconcile   ReconcileConfig `koanf:"reconcile" mapstructure:"reconcile"`
	Store       StoreConfig     `koanf:"store" mapstructure:"store"`
	HTTP        HTTPConfig      `koanf:"http" mapstructure:"http"`
	Retry       RetryConfig     `koanf:"retry" mapstructure:"retry"`
	Sweep       SweepConfig     `koanf:"sweep" mapstructure:"sweep"`
	Log         LogConfig       `koanf:"log" mapstructure:"log"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "deploysync",
		Tracker: TrackerConfig{
			Endpoint:       "https://api.linear.app/graphql",
			TicketPrefixes: []string{"HQ"},
			DoneStateName:  "done",
		},
		Platform: PlatformConfig{
			BaseURL:           "https://api.render.com/v1",
			DeployLookupLimit: 5,
		},
		GitHost: GitHostConfig{
			BaseURL:   "https://api.github.com",
			UserAgent: "go-deploysync",
		},
		Webhook: WebhookConfig{
			EventTimeout: 2 * time.Minute,
			MaxAttempts:  5,
		},
		Reconcile: ReconcileConfig{
			Branch:      "main",
			Concurrency: 8,
		},
		Store: StoreConfig{
			Path: "./deploysync.db",
		},
		HTTP: HTTPConfig{
			Addr:            ":3000",
			ClientTimeout:   30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MetricsPath:     "/metrics",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if len(c.Tracker.TicketPrefixes) == 0 {
		return fmt.Errorf("core: tracker.ticket_prefixes requires at least one prefix")
	}
	for _, prefix := range c.Tracker.TicketPrefixes {
		if !ticketPrefixPattern.MatchString(strings.TrimSpace(prefix)) {
			return fmt.Errorf("core: tracker.ticket_prefixes has invalid prefix %q", prefix)
		}
	}
	if strings.TrimSpace(c.Tracker.DoneStateName) == "" {
		return fmt.Errorf("core: tracker.done_state_name is required")
	}
	if c.Platform.DeployLookupLimit <= 0 {
		return fmt.Errorf("core: platform.deploy_lookup_limit must be positive")
	}
	if c.Reconcile.Concurrency <= 0 {
		return fmt.Errorf("core: reconcile.concurrency must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("core: retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return fmt.Errorf("core: retry delays must not be negative")
	}
	if c.Webhook.ReplayWindow < 0 {
		return fmt.Errorf("core: webhook.replay_window must not be negative")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("core: store.path is required")
	}
	return nil
}

// ValidateCredentials checks the secrets needed to talk to the outside world.
// It is separate from Validate so offline commands can run without them.
func (c Config) ValidateCredentials() error {
	if strings.TrimSpace(c.Tracker.APIKey) == "" {
		return fmt.Errorf("core: tracker.api_key is required")
	}
	if strings.TrimSpace(c.Platform.APIKey) == "" {
		return fmt.Errorf("core: platform.api_key is required")
	}
	return nil
}

func (c Config) ValidateWebhook() error {
	if strings.TrimSpace(c.Webhook.Secret) == "" {
		return fmt.Errorf("core: webhook.secret is required")
	}
	return nil
}

func (c Config) Mode() string {
	if c.Reconcile.DryRun {
		return "dry-run"
	}
	return "live"
}
