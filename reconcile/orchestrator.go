// Package reconcile turns a succeeded deployment into ticket transitions:
// resolve the commit range, extract tickets, sync them, advance the watermark.
package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/tickets"
)

const defaultDeployLookupLimit = 5

type TicketSyncer interface {
	Sync(ctx context.Context, tickets []string, info core.DeployInfo, dryRun bool) (core.SyncResult, error)
}

type RangeSource interface {
	Resolve(ctx context.Context, service core.Service, deploy core.Deploy) (core.CommitRange, error)
}

type Options struct {
	Reconcile         core.ReconcileConfig
	DeployLookupLimit int
	Logger            core.Logger
	Metrics           core.MetricsRecorder
}

type Orchestrator struct {
	Platform          core.DeployPlatform
	Ledger            core.Ledger
	Ranges            RangeSource
	Extractor         *tickets.Extractor
	Syncer            TicketSyncer
	Config            core.ReconcileConfig
	DeployLookupLimit int
	Logger            core.Logger
	Observer          core.Observer
}

func NewOrchestrator(
	platform core.DeployPlatform,
	ledger core.Ledger,
	ranges RangeSource,
	extractor *tickets.Extractor,
	syncer TicketSyncer,
	opts Options,
) *Orchestrator {
	logger := glog.Ensure(opts.Logger)
	return &Orchestrator{
		Platform:          platform,
		Ledger:            ledger,
		Ranges:            ranges,
		Extractor:         extractor,
		Syncer:            syncer,
		Config:            opts.Reconcile,
		DeployLookupLimit: opts.DeployLookupLimit,
		Logger:            logger,
		Observer:          core.NewObserver(logger, opts.Metrics),
	}
}

// HandleDeployment lets the orchestrator serve as a core.DeploymentHandler.
func (o *Orchestrator) HandleDeployment(ctx context.Context, event core.DeploymentEvent) error {
	_, err := o.Reconcile(ctx, event)
	return err
}

// ReconcileService runs the pipeline for a service as if its latest deploy
// had just succeeded.
func (o *Orchestrator) ReconcileService(ctx context.Context, serviceID string) (core.ReconcileOutcome, error) {
	return o.Reconcile(ctx, core.DeploymentEvent{
		EventType: "manual",
		ServiceID: strings.TrimSpace(serviceID),
		Status:    core.DeployStatusSucceeded,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) Reconcile(ctx context.Context, event core.DeploymentEvent) (outcome core.ReconcileOutcome, err error) {
	if err := o.validate(); err != nil {
		return core.ReconcileOutcome{}, err
	}
	outcome = core.ReconcileOutcome{ServiceID: event.ServiceID, DryRun: o.Config.DryRun}
	if status := core.NormalizeDeployStatus(string(event.Status)); status != core.DeployStatusSucceeded {
		return skipped(outcome, fmt.Sprintf("deploy status %q does not trigger reconciliation", status)), nil
	}
	if strings.TrimSpace(event.ServiceID) == "" {
		return outcome, core.NewError("reconcile: service id is required", goerrors.CategoryBadInput, nil)
	}

	startedAt := time.Now()
	defer func() {
		o.Observer.Observe(ctx, startedAt, "reconcile", err, map[string]any{
			"outcome":      string(outcome.Status),
			"service_id":   outcome.ServiceID,
			"deploy_id":    outcome.DeployID,
			"commit_id":    outcome.CommitID,
			"range_source": string(outcome.RangeSource),
			"tickets":      len(outcome.Tickets),
			"dry_run":      outcome.DryRun,
		})
	}()

	service, err := o.Platform.GetService(ctx, event.ServiceID)
	if err != nil {
		return outcome, err
	}
	branch := strings.TrimSpace(service.Branch)
	outcome.Branch = branch
	if branch == "" {
		return skipped(outcome, "service has no branch"), nil
	}
	if want, filtered := o.Config.BranchFilter(); filtered && branch != want {
		return skipped(outcome, fmt.Sprintf("branch %q does not match %q", branch, want)), nil
	}
	service.Branch = branch

	deploy, err := o.latestLiveDeploy(ctx, service.ID)
	if err != nil {
		return outcome, err
	}
	outcome.DeployID = deploy.ID
	outcome.CommitID = deploy.Commit.ID

	commitRange, err := o.Ranges.Resolve(ctx, service, deploy)
	if err != nil {
		return outcome, err
	}
	outcome.RangeSource = commitRange.Source
	outcome.Commits = len(commitRange.Commits)
	o.Logger.Info("resolved commit range",
		"service_id", service.ID,
		"deploy_id", deploy.ID,
		"source", string(commitRange.Source),
		"commits", len(commitRange.Commits),
	)

	extraction := o.Extractor.ExtractFromCommits(commitRange.Commits)
	if len(extraction.Tickets) == 0 && rescansDeployCommit(commitRange.Source) {
		extraction = o.Extractor.ExtractFromCommits([]core.Commit{{
			SHA:     deploy.Commit.ID,
			Message: deploy.Commit.Message,
		}})
	}
	outcome.Tickets = extraction.Tickets
	outcome.Status = core.ReconcileStatusCompleted

	if len(extraction.Tickets) == 0 {
		o.Logger.Info("no tickets found in deploy", "service_id", service.ID, "deploy_id", deploy.ID)
		return outcome, o.advance(ctx, service, deploy)
	}

	info := core.DeployInfo{
		DeployID:      deploy.ID,
		ServiceID:     service.ID,
		ServiceName:   service.Name,
		CommitID:      deploy.Commit.ID,
		CommitMessage: deployMessage(extraction, deploy),
		Tickets:       extraction.Tickets,
		Authors:       extraction.Authors,
	}
	result, err := o.Syncer.Sync(ctx, extraction.Tickets, info, o.Config.DryRun)
	outcome.Sync = result
	if err != nil {
		return outcome, err
	}
	return outcome, o.advance(ctx, service, deploy)
}

func (o *Orchestrator) latestLiveDeploy(ctx context.Context, serviceID string) (core.Deploy, error) {
	limit := o.DeployLookupLimit
	if limit <= 0 {
		limit = defaultDeployLookupLimit
	}
	deploys, err := o.Platform.ListDeploys(ctx, serviceID, limit)
	if err != nil {
		return core.Deploy{}, err
	}
	for _, deploy := range deploys {
		if !deploy.IsLive() {
			continue
		}
		if !deploy.HasCommit() {
			return core.Deploy{}, core.NewError("reconcile: live deploy has no commit metadata", goerrors.CategoryNotFound, map[string]any{
				"service_id": serviceID,
				"deploy_id":  deploy.ID,
			})
		}
		return deploy, nil
	}
	return core.Deploy{}, core.NewError("reconcile: no live deploy found", goerrors.CategoryNotFound, map[string]any{
		"service_id": serviceID,
		"checked":    len(deploys),
	})
}

// advance moves the watermark to the deploy commit. Dry runs leave it alone so
// a later live run sees the same range.
func (o *Orchestrator) advance(ctx context.Context, service core.Service, deploy core.Deploy) error {
	if o.Config.DryRun {
		o.Logger.Info("dry run: watermark not advanced", "service_id", service.ID, "commit_id", deploy.Commit.ID)
		return nil
	}
	return o.Ledger.SetLastProcessedCommit(ctx, service.ID, service.Name, service.Branch, deploy.Commit.ID)
}

func (o *Orchestrator) validate() error {
	if o == nil || o.Platform == nil || o.Ledger == nil || o.Ranges == nil || o.Extractor == nil || o.Syncer == nil {
		return core.NewError("reconcile: orchestrator is not configured", goerrors.CategoryInternal, nil)
	}
	return nil
}

func deployMessage(extraction tickets.Extraction, deploy core.Deploy) string {
	switch len(extraction.Commits) {
	case 0:
		return deploy.Commit.Message
	case 1:
		return extraction.Commits[0].Message
	default:
		return fmt.Sprintf("Range: %d commits", len(extraction.Commits))
	}
}

func skipped(outcome core.ReconcileOutcome, reason string) core.ReconcileOutcome {
	outcome.Status = core.ReconcileStatusSkipped
	outcome.Reason = reason
	return outcome
}

var _ core.DeploymentHandler = (*Orchestrator)(nil)

// rescansDeployCommit reports whether an empty range still warrants scanning
// the deploy commit message. An unchanged range is rescanned so tickets that
// failed on an earlier run of the same head commit get another attempt.
func rescansDeployCommit(source core.RangeSource) bool {
	return source == core.RangeSourceCompare || source == core.RangeSourceUnchanged
}
