// Package sweep reconciles every tracked service on a schedule so deploys whose
// webhook was lost still move their tickets.
package sweep

import (
	"context"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/robfig/cron/v3"

	"github.com/goliatone/go-deploysync/core"
)

type ServiceReconciler interface {
	ReconcileService(ctx context.Context, serviceID string) (core.ReconcileOutcome, error)
}

type Summary struct {
	Services   int
	Reconciled int
	Skipped    int
	Failed     int
}

type Sweeper struct {
	Platform   core.DeployPlatform
	Reconciler ServiceReconciler
	Config     core.ReconcileConfig
	Logger     core.Logger
	Observer   core.Observer
}

func NewSweeper(platform core.DeployPlatform, reconciler ServiceReconciler, cfg core.ReconcileConfig, logger core.Logger, metrics core.MetricsRecorder) *Sweeper {
	logger = glog.Ensure(logger)
	return &Sweeper{
		Platform:   platform,
		Reconciler: reconciler,
		Config:     cfg,
		Logger:     logger,
		Observer:   core.NewObserver(logger, metrics),
	}
}

// Run reconciles services one at a time. A failing service is logged and the
// sweep moves on.
func (s *Sweeper) Run(ctx context.Context) (summary Summary, err error) {
	if s == nil || s.Platform == nil || s.Reconciler == nil {
		return Summary{}, core.NewError("sweep: platform and reconciler are required", goerrors.CategoryInternal, nil)
	}
	startedAt := time.Now()
	defer func() {
		s.Observer.Observe(ctx, startedAt, "sweep", err, map[string]any{
			"services":   summary.Services,
			"reconciled": summary.Reconciled,
			"skipped":    summary.Skipped,
			"failed":     summary.Failed,
		})
	}()

	services, err := s.Platform.ListServices(ctx)
	if err != nil {
		return summary, err
	}
	want, filtered := s.Config.BranchFilter()
	for _, service := range services {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		branch := strings.TrimSpace(service.Branch)
		if branch == "" || (filtered && branch != want) {
			continue
		}
		summary.Services++
		outcome, reconcileErr := s.Reconciler.ReconcileService(ctx, service.ID)
		switch {
		case reconcileErr != nil:
			summary.Failed++
			s.Logger.Warn("sweep reconcile failed", "service_id", service.ID, "error", reconcileErr)
		case outcome.Status == core.ReconcileStatusSkipped:
			summary.Skipped++
		default:
			summary.Reconciled++
		}
	}
	return summary, nil
}

// Scheduler runs a Sweeper on a standard five field cron spec. Overlapping
// runs are skipped.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	timeout time.Duration
	logger  core.Logger
}

func NewScheduler(sweeper *Sweeper, schedule string, timeout time.Duration, logger core.Logger) (*Scheduler, error) {
	if sweeper == nil {
		return nil, core.NewError("sweep: sweeper is required", goerrors.CategoryInternal, nil)
	}
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return nil, core.NewError("sweep: schedule is required", goerrors.CategoryBadInput, nil)
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		timeout: timeout,
		logger:  glog.Ensure(logger),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, core.WrapError(err, goerrors.CategoryBadInput, "sweep: invalid schedule", map[string]any{
			"schedule": schedule,
		})
	}
	return s, nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.sweeper.Run(ctx); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for a running sweep or ctx, whichever
// ends first.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
