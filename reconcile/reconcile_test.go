package reconcile_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/reconcile"
	"github.com/goliatone/go-deploysync/tickets"
	"github.com/goliatone/go-deploysync/ticketsync"
)

type stubPlatform struct {
	services map[string]core.Service
	deploys  map[string][]core.Deploy
}

func (p *stubPlatform) ListServices(context.Context) ([]core.Service, error) {
	out := make([]core.Service, 0, len(p.services))
	for _, service := range p.services {
		out = append(out, service)
	}
	return out, nil
}

func (p *stubPlatform) GetService(_ context.Context, serviceID string) (core.Service, error) {
	service, ok := p.services[serviceID]
	if !ok {
		return core.Service{}, errors.New("service not found")
	}
	return service, nil
}

func (p *stubPlatform) ListDeploys(_ context.Context, serviceID string, limit int) ([]core.Deploy, error) {
	deploys := p.deploys[serviceID]
	if limit > 0 && len(deploys) > limit {
		deploys = deploys[:limit]
	}
	return deploys, nil
}

type stubGitHost struct {
	commits    []core.Commit
	accessible bool
	calls      int
	base, head string
}

func (g *stubGitHost) ParseRepositoryURL(raw string) (core.RepositoryRef, bool) {
	trimmed := strings.TrimPrefix(raw, "https://github.com/")
	if trimmed == raw {
		return core.RepositoryRef{}, false
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 {
		return core.RepositoryRef{}, false
	}
	return core.RepositoryRef{Owner: parts[0], Name: parts[1]}, true
}

func (g *stubGitHost) CompareCommits(_ context.Context, _ core.RepositoryRef, base string, head string) (core.CompareResult, error) {
	g.calls++
	g.base, g.head = base, head
	if !g.accessible {
		return core.CompareResult{Accessible: false, StatusCode: 404}, nil
	}
	return core.CompareResult{Commits: g.commits, Accessible: true, StatusCode: 200}, nil
}

type stubTracker struct {
	mu      sync.Mutex
	issues  map[string]core.Issue
	states  []core.WorkflowState
	updates []string
}

func (t *stubTracker) GetIssue(_ context.Context, identifier string) (core.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	issue, ok := t.issues[identifier]
	if !ok {
		return core.Issue{}, errors.New("issue not found")
	}
	return issue, nil
}

func (t *stubTracker) ListWorkflowStates(context.Context) ([]core.WorkflowState, error) {
	return t.states, nil
}

func (t *stubTracker) UpdateIssueState(_ context.Context, issueID string, stateID string) (core.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, issue := range t.issues {
		if issue.ID != issueID {
			continue
		}
		for _, state := range t.states {
			if state.ID == stateID {
				issue.State = state
			}
		}
		t.issues[key] = issue
		t.updates = append(t.updates, key)
		return issue, nil
	}
	return core.Issue{}, errors.New("issue not found")
}

type memoryLedger struct {
	mu         sync.Mutex
	records    []core.ProcessedTicketRecord
	watermarks map[string]string
	sets       int
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{watermarks: map[string]string{}}
}

func (l *memoryLedger) WasTicketProcessedForDeploy(_ context.Context, ticketID string, deployID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, record := range l.records {
		if record.TicketID == ticketID && record.DeployID == deployID {
			return true, nil
		}
	}
	return false, nil
}

func (l *memoryLedger) RecordProcessedTicket(_ context.Context, record core.ProcessedTicketRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.records {
		if existing.TicketID == record.TicketID && existing.DeployID == record.DeployID {
			return core.NewConstraintViolation("ticket already recorded for deploy", nil, map[string]any{
				"ticket_id": record.TicketID,
				"deploy_id": record.DeployID,
			})
		}
	}
	l.records = append(l.records, record)
	return nil
}

func (l *memoryLedger) GetLastProcessedCommit(_ context.Context, serviceID string, branch string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	commit, ok := l.watermarks[serviceID+"@"+branch]
	return commit, ok, nil
}

func (l *memoryLedger) SetLastProcessedCommit(_ context.Context, serviceID string, _ string, branch string, commitID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watermarks[serviceID+"@"+branch] = commitID
	l.sets++
	return nil
}

type fixture struct {
	platform *stubPlatform
	git      *stubGitHost
	tracker  *stubTracker
	ledger   *memoryLedger
}

func newFixture() *fixture {
	return &fixture{
		platform: &stubPlatform{
			services: map[string]core.Service{
				"srv-1": {ID: "srv-1", Name: "api", RepositoryURL: "https://github.com/acme/api", Branch: "main"},
			},
			deploys: map[string][]core.Deploy{
				"srv-1": {
					{ID: "dep-3", Status: "build_in_progress", Commit: &core.DeployCommit{ID: "c3", Message: "wip"}},
					{ID: "dep-2", Status: "live", Commit: &core.DeployCommit{ID: "b2", Message: "Merge pull request #9"}},
				},
			},
		},
		git: &stubGitHost{
			accessible: true,
			commits: []core.Commit{
				{SHA: "x1", Message: "HQ-7 add export", AuthorHandle: "ana"},
				{SHA: "b2", Message: "Merge pull request #9"},
			},
		},
		tracker: &stubTracker{
			issues: map[string]core.Issue{
				"HQ-7": {ID: "issue-7", Identifier: "HQ-7", Title: "Export", TeamID: "team-1", State: core.WorkflowState{ID: "st-review", Name: "In Review"}},
				"HQ-8": {ID: "issue-8", Identifier: "HQ-8", Title: "Import", TeamID: "team-1", State: core.WorkflowState{ID: "st-progress", Name: "In Progress"}},
			},
			states: []core.WorkflowState{
				{ID: "st-review", Name: "In Review", TeamID: "team-1"},
				{ID: "st-done", Name: "Done", Type: "completed", TeamID: "team-1"},
			},
		},
		ledger: newMemoryLedger(),
	}
}

func (f *fixture) orchestrator(t *testing.T, cfg core.ReconcileConfig) *reconcile.Orchestrator {
	t.Helper()
	extractor, err := tickets.NewExtractor([]string{"HQ"})
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	syncer := ticketsync.NewSyncer(f.tracker, f.ledger, ticketsync.Config{DoneStateName: "done", Concurrency: 2})
	return reconcile.NewOrchestrator(
		f.platform,
		f.ledger,
		reconcile.NewRangeResolver(f.ledger, f.git, nil),
		extractor,
		syncer,
		reconcile.Options{Reconcile: cfg},
	)
}

func succeeded(serviceID string) core.DeploymentEvent {
	return core.DeploymentEvent{EventType: "deploy_ended", ServiceID: serviceID, Status: core.DeployStatusSucceeded}
}

func TestReconcile_RangeMovesTicketAndAdvancesWatermark(t *testing.T) {
	f := newFixture()
	f.ledger.watermarks["srv-1@main"] = "a1"
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	outcome, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Status != core.ReconcileStatusCompleted || outcome.RangeSource != core.RangeSourceCompare {
		t.Fatalf("unexpected outcome %#v", outcome)
	}
	if f.git.base != "a1" || f.git.head != "b2" {
		t.Fatalf("expected compare a1...b2, got %s...%s", f.git.base, f.git.head)
	}
	if len(outcome.Tickets) != 1 || outcome.Tickets[0] != "HQ-7" {
		t.Fatalf("expected HQ-7, got %#v", outcome.Tickets)
	}
	if outcome.Sync.Moved != 1 {
		t.Fatalf("expected one moved ticket, got %#v", outcome.Sync)
	}
	if len(f.ledger.records) != 1 {
		t.Fatalf("expected one ledger record, got %d", len(f.ledger.records))
	}
	record := f.ledger.records[0]
	if record.TicketID != "HQ-7" || record.DeployID != "dep-2" || record.NewState != "Done" || record.PreviousState != "In Review" {
		t.Fatalf("unexpected record %#v", record)
	}
	if record.CommitMessage != "HQ-7 add export" {
		t.Fatalf("expected single ticket commit message, got %q", record.CommitMessage)
	}
	if f.ledger.watermarks["srv-1@main"] != "b2" {
		t.Fatalf("expected watermark b2, got %q", f.ledger.watermarks["srv-1@main"])
	}
}

func TestReconcile_SecondRunIsNoop(t *testing.T) {
	f := newFixture()
	f.ledger.watermarks["srv-1@main"] = "a1"
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	if _, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1")); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	outcome, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if outcome.RangeSource != core.RangeSourceUnchanged || len(outcome.Tickets) != 0 {
		t.Fatalf("expected unchanged range without tickets, got %#v", outcome)
	}
	if f.git.calls != 1 {
		t.Fatalf("expected no second compare call, got %d", f.git.calls)
	}
	if len(f.tracker.updates) != 1 || len(f.ledger.records) != 1 {
		t.Fatalf("expected no further mutations, updates=%v records=%d", f.tracker.updates, len(f.ledger.records))
	}
}

func TestReconcile_SkipsNonSucceededAndOtherBranches(t *testing.T) {
	f := newFixture()
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "release"})

	outcome, err := orchestrator.Reconcile(context.Background(), core.DeploymentEvent{ServiceID: "srv-1", Status: core.DeployStatusFailed})
	if err != nil || outcome.Status != core.ReconcileStatusSkipped {
		t.Fatalf("expected failed deploy to be skipped, got %#v err=%v", outcome, err)
	}

	outcome, err = orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil || outcome.Status != core.ReconcileStatusSkipped {
		t.Fatalf("expected branch mismatch skip, got %#v err=%v", outcome, err)
	}
	if f.ledger.sets != 0 || f.git.calls != 0 {
		t.Fatalf("skips must not touch the ledger or git host")
	}

	all := f.orchestrator(t, core.ReconcileConfig{AllBranches: true})
	outcome, err = all.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil || outcome.Status != core.ReconcileStatusCompleted {
		t.Fatalf("expected all branches to accept main, got %#v err=%v", outcome, err)
	}
}

func TestReconcile_NoWatermarkUsesDeployCommit(t *testing.T) {
	f := newFixture()
	f.platform.deploys["srv-1"][1].Commit.Message = "HQ-8 initial import"
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	outcome, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.RangeSource != core.RangeSourceNoWatermark || f.git.calls != 0 {
		t.Fatalf("expected no compare without watermark, got %#v calls=%d", outcome, f.git.calls)
	}
	if len(outcome.Tickets) != 1 || outcome.Tickets[0] != "HQ-8" {
		t.Fatalf("expected HQ-8 from deploy commit, got %#v", outcome.Tickets)
	}
	if f.ledger.watermarks["srv-1@main"] != "b2" {
		t.Fatalf("expected watermark to be set")
	}
}

func TestReconcile_InaccessibleRangeFallsBackToDeployCommit(t *testing.T) {
	f := newFixture()
	f.ledger.watermarks["srv-1@main"] = "a1"
	f.git.accessible = false
	f.platform.deploys["srv-1"][1].Commit.Message = "Fix HQ-8"
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	outcome, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.RangeSource != core.RangeSourceInaccessible {
		t.Fatalf("expected inaccessible source, got %q", outcome.RangeSource)
	}
	if len(outcome.Tickets) != 1 || outcome.Tickets[0] != "HQ-8" {
		t.Fatalf("expected HQ-8, got %#v", outcome.Tickets)
	}
}

func TestReconcile_RangeWithoutTicketsChecksDeployMessage(t *testing.T) {
	f := newFixture()
	f.ledger.watermarks["srv-1@main"] = "a1"
	f.git.commits = []core.Commit{{SHA: "b2", Message: "chore: bump deps"}}
	f.platform.deploys["srv-1"][1].Commit.Message = "Release HQ-8"
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	outcome, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(outcome.Tickets) != 1 || outcome.Tickets[0] != "HQ-8" {
		t.Fatalf("expected deploy message fallback, got %#v", outcome.Tickets)
	}
}

func TestReconcile_RangeWithoutAnyTicketStillAdvancesWatermark(t *testing.T) {
	f := newFixture()
	f.ledger.watermarks["srv-1@main"] = "a1"
	f.git.commits = []core.Commit{
		{SHA: "x1", Message: "chore: lint"},
		{SHA: "b2", Message: "Merge pull request #9"},
	}
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	outcome, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if outcome.Status != core.ReconcileStatusCompleted || len(outcome.Tickets) != 0 {
		t.Fatalf("expected completed run without tickets, got %#v", outcome)
	}
	if f.ledger.watermarks["srv-1@main"] != "b2" || f.ledger.sets != 1 {
		t.Fatalf("expected watermark b2 after one write, got %q sets=%d", f.ledger.watermarks["srv-1@main"], f.ledger.sets)
	}
	if len(f.tracker.updates) != 0 || len(f.ledger.records) != 0 {
		t.Fatalf("expected no ticket mutations, updates=%v records=%d", f.tracker.updates, len(f.ledger.records))
	}

	second, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.RangeSource != core.RangeSourceUnchanged || f.git.calls != 1 {
		t.Fatalf("expected unchanged range on rerun, got %#v calls=%d", second, f.git.calls)
	}
	if f.ledger.watermarks["srv-1@main"] != "b2" {
		t.Fatalf("watermark moved backwards to %q", f.ledger.watermarks["srv-1@main"])
	}
}

func TestReconcile_UnchangedRangeRetriesDeployCommitTickets(t *testing.T) {
	f := newFixture()
	f.ledger.watermarks["srv-1@main"] = "a1"
	f.git.commits = []core.Commit{{SHA: "b2", Message: "Ship HQ-9"}}
	f.platform.deploys["srv-1"][1].Commit.Message = "Ship HQ-9"
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	first, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	if first.Sync.Errors != 1 || first.Sync.Moved != 0 {
		t.Fatalf("expected HQ-9 fetch to fail, got %#v", first.Sync)
	}
	if f.ledger.watermarks["srv-1@main"] != "b2" {
		t.Fatalf("expected watermark b2, got %q", f.ledger.watermarks["srv-1@main"])
	}

	f.tracker.mu.Lock()
	f.tracker.issues["HQ-9"] = core.Issue{ID: "issue-9", Identifier: "HQ-9", Title: "Ship", TeamID: "team-1", State: core.WorkflowState{ID: "st-review", Name: "In Review"}}
	f.tracker.mu.Unlock()

	second, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if second.RangeSource != core.RangeSourceUnchanged {
		t.Fatalf("expected unchanged range, got %q", second.RangeSource)
	}
	if len(second.Tickets) != 1 || second.Tickets[0] != "HQ-9" {
		t.Fatalf("expected HQ-9 from deploy commit, got %#v", second.Tickets)
	}
	if second.Sync.Moved != 1 || len(f.ledger.records) != 1 {
		t.Fatalf("expected HQ-9 to move on retry, got %#v records=%d", second.Sync, len(f.ledger.records))
	}

	third, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("third reconcile: %v", err)
	}
	if third.Sync.Moved != 0 || len(f.tracker.updates) != 1 || len(f.ledger.records) != 1 {
		t.Fatalf("expected idempotent rerun, got %#v updates=%v records=%d", third.Sync, f.tracker.updates, len(f.ledger.records))
	}
}

func TestMemoryLedger_RejectsDuplicateTicketForDeploy(t *testing.T) {
	ledger := newMemoryLedger()
	record := core.ProcessedTicketRecord{TicketID: "HQ-7", DeployID: "dep-2"}
	if err := ledger.RecordProcessedTicket(context.Background(), record); err != nil {
		t.Fatalf("first record: %v", err)
	}
	err := ledger.RecordProcessedTicket(context.Background(), record)
	if !core.IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestReconcile_DryRunLeavesLedgerUntouched(t *testing.T) {
	f := newFixture()
	f.ledger.watermarks["srv-1@main"] = "a1"
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main", DryRun: true})

	outcome, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !outcome.DryRun || outcome.Sync.Moved != 1 {
		t.Fatalf("expected dry run move, got %#v", outcome)
	}
	if len(f.tracker.updates) != 0 || len(f.ledger.records) != 0 || f.ledger.sets != 0 {
		t.Fatalf("dry run mutated state: updates=%v records=%d sets=%d", f.tracker.updates, len(f.ledger.records), f.ledger.sets)
	}
	if f.ledger.watermarks["srv-1@main"] != "a1" {
		t.Fatalf("expected watermark to stay at a1")
	}
}

func TestReconcile_NoLiveDeployIsNotFound(t *testing.T) {
	f := newFixture()
	f.platform.deploys["srv-1"] = []core.Deploy{{ID: "dep-9", Status: "build_failed"}}
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	_, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1"))
	if !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReconcile_MultiTicketRangeUsesRangeSummary(t *testing.T) {
	f := newFixture()
	f.ledger.watermarks["srv-1@main"] = "a1"
	f.git.commits = []core.Commit{
		{SHA: "x1", Message: "HQ-7 add export"},
		{SHA: "x2", Message: "HQ-8 add import"},
	}
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	if _, err := orchestrator.Reconcile(context.Background(), succeeded("srv-1")); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(f.ledger.records) != 2 {
		t.Fatalf("expected two records, got %d", len(f.ledger.records))
	}
	for _, record := range f.ledger.records {
		if record.CommitMessage != "Range: 2 commits" {
			t.Fatalf("expected range summary, got %q", record.CommitMessage)
		}
	}
}

func TestReconcileService_UsesLatestLiveDeploy(t *testing.T) {
	f := newFixture()
	orchestrator := f.orchestrator(t, core.ReconcileConfig{Branch: "main"})

	outcome, err := orchestrator.ReconcileService(context.Background(), "srv-1")
	if err != nil {
		t.Fatalf("reconcile service: %v", err)
	}
	if outcome.DeployID != "dep-2" || outcome.CommitID != "b2" {
		t.Fatalf("expected latest live deploy dep-2, got %#v", outcome)
	}
}
