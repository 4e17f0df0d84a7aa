package core

import (
	"strings"
	"time"
)

type DeployStatus string

const (
	DeployStatusQueued    DeployStatus = "queued"
	DeployStatusBuilding  DeployStatus = "building"
	DeployStatusLive      DeployStatus = "live"
	DeployStatusSucceeded DeployStatus = "succeeded"
	DeployStatusFailed    DeployStatus = "failed"
	DeployStatusCanceled  DeployStatus = "canceled"
)

// NormalizeDeployStatus lowercases and trims a raw platform status.
func NormalizeDeployStatus(raw string) DeployStatus {
	return DeployStatus(strings.ToLower(strings.TrimSpace(raw)))
}

// DeploymentEvent is the inbound notification that a deploy reached a state.
type DeploymentEvent struct {
	EventType    string
	DeploymentID string
	ServiceID    string
	ServiceName  string
	Status       DeployStatus
	Timestamp    time.Time
	DeliveryID   string
}

type Service struct {
	ID            string
	Name          string
	RepositoryURL string
	Branch        string
	OwnerID       string
}

type DeployCommit struct {
	ID        string
	Message   string
	CreatedAt time.Time
}

type Deploy struct {
	ID         string
	Status     string
	Commit     *DeployCommit
	CreatedAt  time.Time
	FinishedAt *time.Time
}

func (d Deploy) IsLive() bool {
	return NormalizeDeployStatus(d.Status) == DeployStatusLive
}

func (d Deploy) HasCommit() bool {
	return d.Commit != nil && strings.TrimSpace(d.Commit.ID) != ""
}

type Commit struct {
	SHA          string
	Message      string
	AuthorHandle string
}

type RangeSource string

const (
	RangeSourceCompare              RangeSource = "range"
	RangeSourceNoWatermark          RangeSource = "no_watermark"
	RangeSourceUnparsableRepository RangeSource = "unparsable_repository"
	RangeSourceInaccessible         RangeSource = "inaccessible"
	RangeSourceUnchanged            RangeSource = "unchanged"
)

// CommitRange is the ordered set of commits a deploy introduced, in host order.
type CommitRange struct {
	Commits         []Commit
	RangeAccessible bool
	Source          RangeSource
	BaseCommitID    string
	HeadCommitID    string
}

type RepositoryRef struct {
	Owner string
	Name  string
}

func (r RepositoryRef) FullName() string {
	return r.Owner + "/" + r.Name
}

// CompareResult is what the git host returns for a base...head comparison.
// Accessible is false for 404 and unauthenticated rate limits.
type CompareResult struct {
	Commits    []Commit
	Accessible bool
	StatusCode int
}

type WorkflowState struct {
	ID     string
	Name   string
	Type   string
	TeamID string
}

type Issue struct {
	ID         string
	Identifier string
	Title      string
	TeamID     string
	State      WorkflowState
}

// ProcessedTicketRecord is one row of the append-only transition audit log.
type ProcessedTicketRecord struct {
	ID            string
	TicketID      string
	TicketTitle   string
	PreviousState string
	NewState      string
	ProcessedAt   time.Time
	DeployID      string
	ServiceID     string
	ServiceName   string
	CommitID      string
	CommitMessage string
}

type LastProcessedCommit struct {
	ServiceID   string
	Branch      string
	CommitID    string
	ServiceName string
	UpdatedAt   time.Time
}

// DeployInfo bundles what the ticket sync needs to write audit records.
type DeployInfo struct {
	DeployID      string
	ServiceID     string
	ServiceName   string
	CommitID      string
	CommitMessage string
	Tickets       []string
	Authors       map[string][]string
}

type TicketStatus string

const (
	TicketStatusFetchFailed TicketStatus = "fetch_failed"
	TicketStatusAlreadyDone TicketStatus = "already_done"
	TicketStatusMoved       TicketStatus = "moved"
	TicketStatusMoveFailed  TicketStatus = "move_failed"
)

type TicketOutcome struct {
	TicketID      string
	Title         string
	Status        TicketStatus
	PreviousState string
	NewState      string
	DryRun        bool
	Err           error
}

type SyncResult struct {
	AlreadyDone int
	Moved       int
	Errors      int
	Outcomes    []TicketOutcome
}

type ReconcileStatus string

const (
	ReconcileStatusSkipped   ReconcileStatus = "skipped"
	ReconcileStatusCompleted ReconcileStatus = "completed"
)

type ReconcileOutcome struct {
	Status      ReconcileStatus
	Reason      string
	ServiceID   string
	Branch      string
	DeployID    string
	CommitID    string
	RangeSource RangeSource
	Commits     int
	Tickets     []string
	Sync        SyncResult
	DryRun      bool
}
