package main

import (
	"context"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/goliatone/go-deploysync/adapters/gologger"
	"github.com/goliatone/go-deploysync/adapters/prommetrics"
	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/providers"
	"github.com/goliatone/go-deploysync/providers/github"
	"github.com/goliatone/go-deploysync/providers/linear"
	"github.com/goliatone/go-deploysync/providers/render"
	"github.com/goliatone/go-deploysync/ratelimit"
	"github.com/goliatone/go-deploysync/reconcile"
	"github.com/goliatone/go-deploysync/retry"
	sqlstore "github.com/goliatone/go-deploysync/store/sql"
	"github.com/goliatone/go-deploysync/tickets"
	"github.com/goliatone/go-deploysync/ticketsync"
	"github.com/goliatone/go-deploysync/transport"
)

// app holds the wiring shared by every subcommand.
type app struct {
	cfg      core.Config
	logs     core.LoggerProvider
	logger   core.Logger
	registry *prometheus.Registry
	metrics  *prommetrics.Recorder
	store    *sqlstore.Client
}

// runtimeOverrides turns explicitly set flags into the top config layer.
func runtimeOverrides(cmd *cobra.Command, opts *rootOptions) map[string]any {
	runtime := map[string]any{}
	section := func(name string) map[string]any {
		nested, ok := runtime[name].(map[string]any)
		if !ok {
			nested = map[string]any{}
			runtime[name] = nested
		}
		return nested
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		section("store")["path"] = opts.dbPath
	}
	if flags.Changed("dry-run") {
		section("reconcile")["dry_run"] = opts.dryRun
	}
	if flags.Changed("branch") {
		section("reconcile")["branch"] = opts.branch
		section("reconcile")["all_branches"] = opts.branch == ""
	}
	if flags.Changed("all-branches") {
		section("reconcile")["all_branches"] = opts.allBranches
	}
	if flags.Changed("log-level") {
		section("log")["level"] = opts.logLevel
	}
	if flags.Changed("log-format") {
		section("log")["format"] = opts.logFormat
	}
	return runtime
}

func newApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	ctx := cmd.Context()
	cfg, err := core.LoadConfig(ctx, core.NewEnvLoader(), runtimeOverrides(cmd, opts))
	if err != nil {
		return nil, err
	}
	logs := gologger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	_, logger := gologger.Resolve(cfg.ServiceName, logs, nil)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := prommetrics.NewRecorder(registry, logger)

	store, err := sqlstore.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:      cfg,
		logs:     logs,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		store:    store,
	}, nil
}

func (a *app) Close() error {
	if a == nil || a.store == nil {
		return nil
	}
	return a.store.Close()
}

func (a *app) named(name string) core.Logger {
	return a.logs.GetLogger(name)
}

// transportFor builds the retrying, rate limited transport one provider client
// sends through.
func (a *app) transportFor(providerID string, limiter core.RateLimitPolicy) core.TransportAdapter {
	return providers.NewTransport(providers.TransportOptions{
		ProviderID: providerID,
		Client:     transport.NewHTTPClient(a.cfg.HTTP.ClientTimeout),
		Invoker:    retry.NewInvoker(retry.PolicyFromConfig(a.cfg.Retry), a.named("retry"), a.metrics),
		RateLimit:  limiter,
	})
}

func (a *app) rateLimiter() (core.RateLimitPolicy, error) {
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = 30 * time.Second
	cacheService, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return nil, err
	}
	a.store.UseStateCache(cacheService)
	return ratelimit.NewAdaptivePolicy(a.store.RateLimitStateStore()), nil
}

func (a *app) platform(limiter core.RateLimitPolicy) (*render.Client, error) {
	return render.New(render.ConfigFrom(a.cfg.Platform), a.transportFor(render.ProviderID, limiter))
}

func (a *app) orchestrator() (*reconcile.Orchestrator, error) {
	if err := a.cfg.ValidateCredentials(); err != nil {
		return nil, err
	}
	if !linear.LooksLikeAPIKey(a.cfg.Tracker.APIKey) {
		a.logger.Warn("tracker api key does not look like a personal api key", "expected_prefix", linear.APIKeyPrefix)
	}
	limiter, err := a.rateLimiter()
	if err != nil {
		return nil, err
	}
	platform, err := a.platform(limiter)
	if err != nil {
		return nil, err
	}
	gitHost, err := github.New(github.ConfigFrom(a.cfg.GitHost), a.transportFor(github.ProviderID, limiter))
	if err != nil {
		return nil, err
	}
	tracker, err := linear.New(linear.ConfigFrom(a.cfg.Tracker), a.transportFor(linear.ProviderID, limiter))
	if err != nil {
		return nil, err
	}
	extractor, err := tickets.NewExtractor(a.cfg.Tracker.TicketPrefixes)
	if err != nil {
		return nil, err
	}
	ledger := a.store.LedgerStore()
	syncer := ticketsync.NewSyncer(tracker, ledger, ticketsync.Config{
		DoneStateName: a.cfg.Tracker.DoneStateName,
		Concurrency:   a.cfg.Reconcile.Concurrency,
		Logger:        a.named("ticketsync"),
		Metrics:       a.metrics,
	})
	return reconcile.NewOrchestrator(
		platform,
		ledger,
		reconcile.NewRangeResolver(ledger, gitHost, a.named("range")),
		extractor,
		syncer,
		reconcile.Options{
			Reconcile:         a.cfg.Reconcile,
			DeployLookupLimit: a.cfg.Platform.DeployLookupLimit,
			Logger:            a.named("reconcile"),
			Metrics:           a.metrics,
		},
	), nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
