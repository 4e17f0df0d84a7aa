// Package ticketsync moves shipped tickets to the done state and records each
// transition in the ledger.
package ticketsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-deploysync/core"
)

const defaultConcurrency = 8

type Config struct {
	DoneStateName string
	Concurrency   int
	Logger        core.Logger
	Metrics       core.MetricsRecorder
}

type Syncer struct {
	Tracker       core.IssueTracker
	Ledger        core.Ledger
	DoneStateName string
	Concurrency   int
	Logger        core.Logger
	Observer      core.Observer
	Now           func() time.Time
}

func NewSyncer(tracker core.IssueTracker, ledger core.Ledger, cfg Config) *Syncer {
	logger := glog.Ensure(cfg.Logger)
	return &Syncer{
		Tracker:       tracker,
		Ledger:        ledger,
		DoneStateName: cfg.DoneStateName,
		Concurrency:   cfg.Concurrency,
		Logger:        logger,
		Observer:      core.NewObserver(logger, cfg.Metrics),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// IsCompletedState reports whether a state name already counts as shipped.
func IsCompletedState(name string) bool {
	normalized := strings.ToLower(name)
	return strings.Contains(normalized, "done") || strings.Contains(normalized, "announced")
}

type fetched struct {
	issue core.Issue
	err   error
}

// Sync fetches every ticket, then moves the ones not yet completed. Per ticket
// failures are counted and never stop the batch.
func (s *Syncer) Sync(ctx context.Context, tickets []string, info core.DeployInfo, dryRun bool) (result core.SyncResult, err error) {
	if s == nil || s.Tracker == nil {
		return core.SyncResult{}, core.NewError("ticketsync: tracker is required", goerrors.CategoryInternal, nil)
	}
	if !dryRun && s.Ledger == nil {
		return core.SyncResult{}, core.NewError("ticketsync: ledger is required", goerrors.CategoryInternal, nil)
	}
	if len(tickets) == 0 {
		return core.SyncResult{}, nil
	}
	startedAt := time.Now()
	defer func() {
		s.Observer.Observe(ctx, startedAt, "ticket_sync", err, map[string]any{
			"provider":     "linear",
			"deploy_id":    info.DeployID,
			"service_id":   info.ServiceID,
			"tickets":      len(tickets),
			"moved":        result.Moved,
			"already_done": result.AlreadyDone,
			"errors":       result.Errors,
			"dry_run":      dryRun,
		})
	}()

	issues := s.fetchAll(ctx, tickets)
	outcomes := make([]core.TicketOutcome, len(tickets))
	pending := make([]int, 0, len(tickets))
	for index, ticket := range tickets {
		outcome := core.TicketOutcome{TicketID: ticket, DryRun: dryRun}
		got := issues[index]
		switch {
		case got.err != nil:
			outcome.Status = core.TicketStatusFetchFailed
			outcome.Err = got.err
			s.Logger.Warn("ticket fetch failed", "ticket", ticket, "error", got.err)
		case IsCompletedState(got.issue.State.Name):
			outcome.Status = core.TicketStatusAlreadyDone
			outcome.Title = got.issue.Title
			outcome.PreviousState = got.issue.State.Name
		case dryRun:
			outcome.Status = core.TicketStatusMoved
			outcome.Title = got.issue.Title
			outcome.PreviousState = got.issue.State.Name
			outcome.NewState = s.doneStateName()
			s.Logger.Info("dry run: would move ticket",
				"ticket", ticket,
				"title", got.issue.Title,
				"from", got.issue.State.Name,
				"to", outcome.NewState,
			)
		default:
			outcome.Title = got.issue.Title
			outcome.PreviousState = got.issue.State.Name
			pending = append(pending, index)
		}
		outcomes[index] = outcome
	}

	if len(pending) > 0 {
		doneStates := sync.OnceValues(func() ([]core.WorkflowState, error) {
			return s.resolveDoneStates(ctx)
		})
		group := s.group()
		for _, index := range pending {
			group.Go(func() error {
				outcomes[index] = s.move(ctx, outcomes[index], issues[index].issue, info, doneStates)
				return nil
			})
		}
		_ = group.Wait()
	}

	for _, outcome := range outcomes {
		switch outcome.Status {
		case core.TicketStatusAlreadyDone:
			result.AlreadyDone++
		case core.TicketStatusMoved:
			result.Moved++
		default:
			result.Errors++
		}
	}
	result.Outcomes = outcomes
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	return result, nil
}

func (s *Syncer) fetchAll(ctx context.Context, tickets []string) []fetched {
	out := make([]fetched, len(tickets))
	group := s.group()
	for index, ticket := range tickets {
		group.Go(func() error {
			issue, err := s.Tracker.GetIssue(ctx, ticket)
			out[index] = fetched{issue: issue, err: err}
			return nil
		})
	}
	_ = group.Wait()
	return out
}

func (s *Syncer) move(
	ctx context.Context,
	outcome core.TicketOutcome,
	issue core.Issue,
	info core.DeployInfo,
	doneStates func() ([]core.WorkflowState, error),
) core.TicketOutcome {
	fail := func(err error) core.TicketOutcome {
		outcome.Status = core.TicketStatusMoveFailed
		outcome.Err = err
		s.Logger.Error("ticket move failed", "ticket", outcome.TicketID, "error", err)
		return outcome
	}

	states, err := doneStates()
	if err != nil {
		return fail(err)
	}
	target, ok := pickDoneState(states, issue.TeamID)
	if !ok {
		return fail(core.NewError(
			fmt.Sprintf("ticketsync: no %q workflow state for team", s.doneStateName()),
			goerrors.CategoryNotFound,
			map[string]any{"ticket": outcome.TicketID, "team_id": issue.TeamID},
		))
	}

	current, err := s.Tracker.GetIssue(ctx, outcome.TicketID)
	if err != nil {
		return fail(err)
	}
	if current.State.ID == target.ID {
		s.Logger.Info("ticket already in done state", "ticket", outcome.TicketID, "state", current.State.Name)
	} else {
		updated, updateErr := s.Tracker.UpdateIssueState(ctx, current.ID, target.ID)
		if updateErr != nil {
			return fail(updateErr)
		}
		if name := strings.TrimSpace(updated.State.Name); name != "" {
			target.Name = name
		}
		s.Logger.Info("ticket moved",
			"ticket", outcome.TicketID,
			"from", current.State.Name,
			"to", target.Name,
			"deploy_id", info.DeployID,
		)
	}

	outcome.Status = core.TicketStatusMoved
	outcome.NewState = target.Name
	if current.State.Name != "" {
		outcome.PreviousState = current.State.Name
	}
	if current.Title != "" {
		outcome.Title = current.Title
	}
	if err := s.record(ctx, outcome, info); err != nil {
		s.Logger.Error("ledger record failed", "ticket", outcome.TicketID, "deploy_id", info.DeployID, "error", err)
	}
	return outcome
}

// record writes the transition once per (ticket, deploy). A concurrent
// writer that won the insert is treated as success.
func (s *Syncer) record(ctx context.Context, outcome core.TicketOutcome, info core.DeployInfo) error {
	already, err := s.Ledger.WasTicketProcessedForDeploy(ctx, outcome.TicketID, info.DeployID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	err = s.Ledger.RecordProcessedTicket(ctx, core.ProcessedTicketRecord{
		TicketID:      outcome.TicketID,
		TicketTitle:   outcome.Title,
		PreviousState: outcome.PreviousState,
		NewState:      outcome.NewState,
		ProcessedAt:   s.now(),
		DeployID:      info.DeployID,
		ServiceID:     info.ServiceID,
		ServiceName:   info.ServiceName,
		CommitID:      info.CommitID,
		CommitMessage: info.CommitMessage,
	})
	if err != nil && !core.IsConstraintViolation(err) {
		return err
	}
	return nil
}

func (s *Syncer) resolveDoneStates(ctx context.Context) ([]core.WorkflowState, error) {
	states, err := s.Tracker.ListWorkflowStates(ctx)
	if err != nil {
		return nil, err
	}
	want := s.doneStateName()
	out := make([]core.WorkflowState, 0, 1)
	for _, state := range states {
		if strings.ToLower(strings.TrimSpace(state.Name)) == want {
			out = append(out, state)
		}
	}
	return out, nil
}

// pickDoneState prefers the done state of the issue's own team.
func pickDoneState(states []core.WorkflowState, teamID string) (core.WorkflowState, bool) {
	if len(states) == 0 {
		return core.WorkflowState{}, false
	}
	if teamID != "" {
		for _, state := range states {
			if state.TeamID == teamID {
				return state, true
			}
		}
	}
	return states[0], true
}

func (s *Syncer) group() *errgroup.Group {
	group := &errgroup.Group{}
	limit := s.Concurrency
	if limit <= 0 {
		limit = defaultConcurrency
	}
	group.SetLimit(limit)
	return group
}

func (s *Syncer) doneStateName() string {
	name := strings.ToLower(strings.TrimSpace(s.DoneStateName))
	if name == "" {
		return "done"
	}
	return name
}

func (s *Syncer) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}
