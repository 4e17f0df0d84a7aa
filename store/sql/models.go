package sqlstore

import (
	"time"

	"github.com/uptrace/bun"
)

type processedTicketRecord struct {
	bun.BaseModel `bun:"table:processed_tickets,alias:pt"`

	ID            string    `bun:"id,pk"`
	TicketID      string    `bun:"ticket_id,notnull"`
	TicketTitle   string    `bun:"ticket_title"`
	PreviousState string    `bun:"previous_state"`
	NewState      string    `bun:"new_state,notnull"`
	ProcessedAt   time.Time `bun:"processed_at,nullzero,notnull,default:current_timestamp"`
	DeployID      string    `bun:"deploy_id,notnull"`
	ServiceID     string    `bun:"service_id,notnull"`
	ServiceName   string    `bun:"service_name"`
	CommitID      string    `bun:"commit_id,notnull"`
	CommitMessage string    `bun:"commit_message"`
}

type lastProcessedCommitRecord struct {
	bun.BaseModel `bun:"table:last_processed_commits,alias:lpc"`

	ID          string    `bun:"id,pk"`
	ServiceID   string    `bun:"service_id,notnull"`
	Branch      string    `bun:"branch,notnull"`
	CommitID    string    `bun:"commit_id,notnull"`
	ServiceName string    `bun:"service_name"`
	UpdatedAt   time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type webhookDeliveryRecord struct {
	bun.BaseModel `bun:"table:webhook_deliveries,alias:wd"`

	ID            string     `bun:"id,pk"`
	ClaimID       string     `bun:"claim_id"`
	ProviderID    string     `bun:"provider_id,notnull"`
	DeliveryID    string     `bun:"delivery_id,notnull"`
	Status        string     `bun:"status,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	LastError     string     `bun:"last_error"`
	NextAttemptAt *time.Time `bun:"next_attempt_at,nullzero"`
	LeaseUntil    *time.Time `bun:"lease_until,nullzero"`
	Payload       []byte     `bun:"payload"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type bucketStateRecord struct {
	bun.BaseModel `bun:"table:rate_limit_states,alias:rls"`

	ProviderID     string     `bun:"provider_id,pk"`
	BucketKey      string     `bun:"bucket_key,pk"`
	QuotaLimit     int        `bun:"quota_limit,notnull"`
	Remaining      int        `bun:"remaining,notnull"`
	ResetAt        *time.Time `bun:"reset_at"`
	RetryAfterMS   *int64     `bun:"retry_after_ms"`
	ThrottledUntil *time.Time `bun:"throttled_until"`
	LastStatus     int        `bun:"last_status,notnull"`
	Attempts       int        `bun:"attempts,notnull"`
	UpdatedAt      time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}
