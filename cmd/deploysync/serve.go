package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/goliatone/go-command"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/goliatone/go-deploysync/adapters/gocommand"
	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/server"
	"github.com/goliatone/go-deploysync/sweep"
	"github.com/goliatone/go-deploysync/webhooks"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver",
		Long: `Run the HTTP server that receives deploy webhooks. Each accepted delivery
is reconciled in the background. When sweep.schedule (SWEEP_SCHEDULE) is set,
every matching service is also reconciled on that cron schedule.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(parent context.Context) error {
	if err := a.cfg.ValidateWebhook(); err != nil {
		return err
	}
	orchestrator, err := a.orchestrator()
	if err != nil {
		return err
	}
	unsubscribe, err := gocommand.RegisterReconcileCommands(gocommand.NewRegistryAdapter(command.NewRegistry()), orchestrator)
	if err != nil {
		return err
	}
	defer unsubscribe()

	processor := webhooks.NewProcessor(
		webhooks.NewSignatureVerifier(a.cfg.Webhook),
		a.store.WebhookDeliveryStore(),
		gocommand.DeploymentDispatcher{},
	)
	processor.RetryPolicy = webhooks.ExponentialRetryPolicy{Initial: a.cfg.Retry.BaseDelay, Max: a.cfg.Retry.MaxDelay}
	processor.MaxAttempts = a.cfg.Webhook.MaxAttempts
	processor.EventTimeout = a.cfg.Webhook.EventTimeout
	processor.Logger = a.named("webhooks")
	processor.Observer = core.NewObserver(processor.Logger, a.metrics)

	var scheduler *sweep.Scheduler
	if a.cfg.Sweep.Schedule != "" {
		sweeper := sweep.NewSweeper(orchestrator.Platform, orchestrator, a.cfg.Reconcile, a.named("sweep"), a.metrics)
		scheduler, err = sweep.NewScheduler(sweeper, a.cfg.Sweep.Schedule, a.cfg.Webhook.EventTimeout*5, a.named("sweep"))
		if err != nil {
			return err
		}
	}

	srv := server.New(processor, server.Config{
		Addr:           a.cfg.HTTP.Addr,
		ServiceName:    a.cfg.ServiceName,
		Mode:           a.cfg.Mode(),
		MetricsPath:    a.cfg.HTTP.MetricsPath,
		MetricsHandler: promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}),
		Logger:         a.named("http"),
	})

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()
	if scheduler != nil {
		scheduler.Start()
		a.logger.Info("sweep scheduled", "schedule", a.cfg.Sweep.Schedule)
	}
	a.logger.Info("deploysync started",
		"addr", a.cfg.HTTP.Addr,
		"mode", a.cfg.Mode(),
		"store", a.store.Dialect(),
	)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown requested")
	case runErr = <-serveErr:
		if runErr != nil {
			a.logger.Error("http server stopped", "error", runErr)
		}
	}

	shutdownCtx, cancel := withTimeout(parent, a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	var errs []error
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if err := processor.Drain(shutdownCtx); err != nil {
		a.logger.Warn("in-flight deliveries did not finish before shutdown", "error", err)
		errs = append(errs, err)
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	a.logger.Info("deploysync stopped")
	return errors.Join(append([]error{runErr}, errs...)...)
}
