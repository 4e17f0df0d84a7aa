package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// Ledger is the persisted idempotency and watermark store. It is the only
// writer of processed tickets and last processed commits.
type Ledger interface {
	WasTicketProcessedForDeploy(ctx context.Context, ticketID string, deployID string) (bool, error)
	RecordProcessedTicket(ctx context.Context, record ProcessedTicketRecord) error
	GetLastProcessedCommit(ctx context.Context, serviceID string, branch string) (string, bool, error)
	SetLastProcessedCommit(ctx context.Context, serviceID string, serviceName string, branch string, commitID string) error
}

type DeployPlatform interface {
	ListServices(ctx context.Context) ([]Service, error)
	GetService(ctx context.Context, serviceID string) (Service, error)
	ListDeploys(ctx context.Context, serviceID string, limit int) ([]Deploy, error)
}

type GitHost interface {
	ParseRepositoryURL(raw string) (RepositoryRef, bool)
	CompareCommits(ctx context.Context, repo RepositoryRef, base string, head string) (CompareResult, error)
}

type IssueTracker interface {
	GetIssue(ctx context.Context, identifier string) (Issue, error)
	ListWorkflowStates(ctx context.Context) ([]WorkflowState, error)
	UpdateIssueState(ctx context.Context, issueID string, stateID string) (Issue, error)
}

// DeploymentHandler runs the reconciliation for one accepted delivery.
type DeploymentHandler interface {
	HandleDeployment(ctx context.Context, event DeploymentEvent) error
}

type TransportRequest struct {
	Method               string
	URL                  string
	Headers              map[string]string
	Query                map[string]string
	Body                 []byte
	Metadata             map[string]any
	Timeout              time.Duration
	MaxResponseBodyBytes int64
}

type TransportResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type TransportAdapter interface {
	Kind() string
	Do(ctx context.Context, req TransportRequest) (TransportResponse, error)
}

type InboundRequest struct {
	ProviderID string
	Headers    map[string]string
	Body       []byte
	Metadata   map[string]any
}

type InboundResult struct {
	Accepted   bool
	StatusCode int
	Message    string
	Metadata   map[string]any
}

type RateLimitKey struct {
	ProviderID string
	BucketKey  string
}

type ProviderResponseMeta struct {
	StatusCode int
	Headers    map[string]string
	RetryAfter *time.Duration
	Metadata   map[string]any
}

type RateLimitPolicy interface {
	BeforeCall(ctx context.Context, key RateLimitKey) error
	AfterCall(ctx context.Context, key RateLimitKey, res ProviderResponseMeta) error
}
