package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type RawConfigLoaderFunc func(ctx context.Context) (map[string]any, error)

func (f RawConfigLoaderFunc) LoadRaw(ctx context.Context) (map[string]any, error) {
	return f(ctx)
}

// LoadConfig layers defaults, the loaded source and runtime overrides (in that
// order of precedence) and builds a validated Config.
func LoadConfig(ctx context.Context, loader RawConfigLoader, runtime map[string]any) (Config, error) {
	defaults := DefaultConfig()
	loaded := map[string]any{}
	if loader != nil {
		raw, err := loader.LoadRaw(ctx)
		if err != nil {
			return Config{}, fmt.Errorf("core: load config: %w", err)
		}
		loaded = raw
	}
	if runtime == nil {
		runtime = map[string]any{}
	}

	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			loaded,
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			runtime,
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	cfg, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func configToLayerMap(cfg Config) map[string]any {
	return map[string]any{
		"service_name": cfg.ServiceName,
		"tracker": map[string]any{
			"api_key":         cfg.Tracker.APIKey,
			"endpoint":        cfg.Tracker.Endpoint,
			"ticket_prefixes": append([]string(nil), cfg.Tracker.TicketPrefixes...),
			"done_state_name": cfg.Tracker.DoneStateName,
		},
		"platform": map[string]any{
			"api_key":             cfg.Platform.APIKey,
			"base_url":            cfg.Platform.BaseURL,
			"owner_id":            cfg.Platform.OwnerID,
			"deploy_lookup_limit": cfg.Platform.DeployLookupLimit,
		},
		"git_host": map[string]any{
			"token":      cfg.GitHost.Token,
			"base_url":   cfg.GitHost.BaseURL,
			"user_agent": cfg.GitHost.UserAgent,
		},
		"webhook": map[string]any{
			"secret":        cfg.Webhook.Secret,
			"replay_window": cfg.Webhook.ReplayWindow,
			"event_timeout": cfg.Webhook.EventTimeout,
			"max_attempts":  cfg.Webhook.MaxAttempts,
		},
		"reconcile": map[string]any{
			"branch":       cfg.Reconcile.Branch,
			"all_branches": cfg.Reconcile.AllBranches,
			"dry_run":      cfg.Reconcile.DryRun,
			"concurrency":  cfg.Reconcile.Concurrency,
		},
		"store": map[string]any{
			"path":  cfg.Store.Path,
			"debug": cfg.Store.Debug,
		},
		"http": map[string]any{
			"addr":             cfg.HTTP.Addr,
			"client_timeout":   cfg.HTTP.ClientTimeout,
			"shutdown_timeout": cfg.HTTP.ShutdownTimeout,
			"metrics_path":     cfg.HTTP.MetricsPath,
		},
		"retry": map[string]any{
			"max_attempts": cfg.Retry.MaxAttempts,
			"base_delay":   cfg.Retry.BaseDelay,
			"max_delay":    cfg.Retry.MaxDelay,
		},
		"sweep": map[string]any{
			"schedule": cfg.Sweep.Schedule,
		},
		"log": map[string]any{
			"level":  cfg.Log.Level,
			"format": cfg.Log.Format,
		},
	}
}

// EnvLoader reads the recognized environment variables into a raw layer.
// Only variables that are present end up in the layer.
type EnvLoader struct {
	Lookup func(key string) (string, bool)
}

func NewEnvLoader() EnvLoader {
	return EnvLoader{Lookup: os.LookupEnv}
}

func (l EnvLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := l.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw := map[string]any{}
	set := func(section string, key string, value any) {
		if section == "" {
			raw[key] = value
			return
		}
		nested, ok := raw[section].(map[string]any)
		if !ok {
			nested = map[string]any{}
			raw[section] = nested
		}
		nested[key] = value
	}

	strVars := []struct {
		env, section, key string
	}{
		{"SERVICE_NAME", "", "service_name"},
		{"LINEAR_API_KEY", "tracker", "api_key"},
		{"LINEAR_API_URL", "tracker", "endpoint"},
		{"LINEAR_DONE_STATE", "tracker", "done_state_name"},
		{"RENDER_API_KEY", "platform", "api_key"},
		{"RENDER_API_URL", "platform", "base_url"},
		{"RENDER_WORKSPACE_ID", "platform", "owner_id"},
		{"GITHUB_TOKEN", "git_host", "token"},
		{"GITHUB_API_URL", "git_host", "base_url"},
		{"WEBHOOK_SECRET", "webhook", "secret"},
		{"DB_PATH", "store", "path"},
		{"SWEEP_SCHEDULE", "sweep", "schedule"},
		{"LOG_LEVEL", "log", "level"},
		{"LOG_FORMAT", "log", "format"},
	}
	for _, item := range strVars {
		if value, ok := lookup(item.env); ok && strings.TrimSpace(value) != "" {
			set(item.section, item.key, strings.TrimSpace(value))
		}
	}

	if value, ok := lookup("RENDER_BRANCH"); ok {
		branch := strings.TrimSpace(value)
		set("reconcile", "branch", branch)
		set("reconcile", "all_branches", branch == "")
	}
	if value, ok := lookup("TICKET_PREFIXES"); ok && strings.TrimSpace(value) != "" {
		set("tracker", "ticket_prefixes", SplitList(value))
	}
	if value, ok := lookup("DRY_RUN"); ok && strings.TrimSpace(value) != "" {
		set("reconcile", "dry_run", strings.EqualFold(strings.TrimSpace(value), "true"))
	}
	if value, ok := lookup("PORT"); ok && strings.TrimSpace(value) != "" {
		set("http", "addr", ":"+strings.TrimPrefix(strings.TrimSpace(value), ":"))
	}

	intVars := []struct {
		env, section, key string
	}{
		{"SYNC_CONCURRENCY", "reconcile", "concurrency"},
		{"RETRY_MAX_ATTEMPTS", "retry", "max_attempts"},
		{"RENDER_DEPLOY_LOOKUP_LIMIT", "platform", "deploy_lookup_limit"},
	}
	for _, item := range intVars {
		value, ok := lookup(item.env)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("core: %s must be an integer: %w", item.env, err)
		}
		set(item.section, item.key, parsed)
	}

	durationVars := []struct {
		env, section, key string
	}{
		{"HTTP_CLIENT_TIMEOUT", "http", "client_timeout"},
		{"RETRY_BASE_DELAY", "retry", "base_delay"},
		{"WEBHOOK_REPLAY_WINDOW", "webhook", "replay_window"},
	}
	for _, item := range durationVars {
		value, ok := lookup(item.env)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("core: %s must be a duration: %w", item.env, err)
		}
		set(item.section, item.key, parsed)
	}
	return raw, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
