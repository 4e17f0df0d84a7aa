package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-deploysync/core"
)

const defaultHistoryLimit = 100

// LedgerStore persists the processed ticket audit log and the per service
// branch watermark.
type LedgerStore struct {
	db         *bun.DB
	tickets    repository.Repository[*processedTicketRecord]
	watermarks repository.Repository[*lastProcessedCommitRecord]
	Now        func() time.Time
}

func NewLedgerStore(db *bun.DB) (*LedgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	tickets := repository.NewRepository[*processedTicketRecord](db, processedTicketHandlers())
	if validator, ok := tickets.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid processed ticket repository wiring: %w", err)
		}
	}
	watermarks := repository.NewRepository[*lastProcessedCommitRecord](db, lastProcessedCommitHandlers())
	if validator, ok := watermarks.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid last processed commit repository wiring: %w", err)
		}
	}
	return &LedgerStore{
		db:         db,
		tickets:    tickets,
		watermarks: watermarks,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *LedgerStore) WasTicketProcessedForDeploy(ctx context.Context, ticketID string, deployID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	count, err := s.db.NewSelect().
		Model((*processedTicketRecord)(nil)).
		Where("?TableAlias.ticket_id = ?", strings.TrimSpace(ticketID)).
		Where("?TableAlias.deploy_id = ?", strings.TrimSpace(deployID)).
		Count(ctx)
	if err != nil {
		return false, core.WrapError(err, goerrors.CategoryInternal, "sqlstore: lookup processed ticket", map[string]any{
			"ticket_id": ticketID,
			"deploy_id": deployID,
		})
	}
	return count > 0, nil
}

// RecordProcessedTicket appends one transition. A second record for the same
// ticket and deploy fails with a constraint violation.
func (s *LedgerStore) RecordProcessedTicket(ctx context.Context, in core.ProcessedTicketRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: ledger store is not configured")
	}
	in.TicketID = strings.TrimSpace(in.TicketID)
	in.DeployID = strings.TrimSpace(in.DeployID)
	if in.TicketID == "" || in.DeployID == "" {
		return core.NewError("sqlstore: ticket id and deploy id are required", goerrors.CategoryBadInput, nil)
	}
	if strings.TrimSpace(in.NewState) == "" {
		return core.NewError("sqlstore: new state is required", goerrors.CategoryBadInput, map[string]any{
			"ticket_id": in.TicketID,
		})
	}
	record := newProcessedTicketRecord(in, s.now())
	if _, err := s.db.NewInsert().Model(record).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return core.NewConstraintViolation("sqlstore: ticket already recorded for deploy", err, map[string]any{
				"ticket_id": in.TicketID,
				"deploy_id": in.DeployID,
			})
		}
		return core.WrapError(err, goerrors.CategoryInternal, "sqlstore: record processed ticket", map[string]any{
			"ticket_id": in.TicketID,
			"deploy_id": in.DeployID,
		})
	}
	return nil
}

func (s *LedgerStore) GetLastProcessedCommit(ctx context.Context, serviceID string, branch string) (string, bool, error) {
	record, err := s.findWatermark(ctx, serviceID, branch)
	if err != nil {
		return "", false, err
	}
	if record == nil {
		return "", false, nil
	}
	return record.CommitID, true, nil
}

// SetLastProcessedCommit inserts or overwrites the watermark for a service
// branch in one statement.
func (s *LedgerStore) SetLastProcessedCommit(
	ctx context.Context,
	serviceID string,
	serviceName string,
	branch string,
	commitID string,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: ledger store is not configured")
	}
	serviceID = strings.TrimSpace(serviceID)
	branch = strings.TrimSpace(branch)
	commitID = strings.TrimSpace(commitID)
	if serviceID == "" || branch == "" || commitID == "" {
		return core.NewError("sqlstore: service id, branch and commit id are required", goerrors.CategoryBadInput, nil)
	}
	record := &lastProcessedCommitRecord{
		ID:          uuid.NewString(),
		ServiceID:   serviceID,
		Branch:      branch,
		CommitID:    commitID,
		ServiceName: strings.TrimSpace(serviceName),
		UpdatedAt:   s.now(),
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (service_id, branch) DO UPDATE").
		Set("commit_id = EXCLUDED.commit_id").
		Set("service_name = EXCLUDED.service_name").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.WrapError(err, goerrors.CategoryInternal, "sqlstore: set last processed commit", map[string]any{
			"service_id": serviceID,
			"branch":     branch,
		})
	}
	return nil
}

// ListProcessedTickets returns the most recent transitions, newest first.
func (s *LedgerStore) ListProcessedTickets(ctx context.Context, limit int) ([]core.ProcessedTicketRecord, error) {
	if s == nil || s.tickets == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	records, _, err := s.tickets.List(ctx,
		repository.OrderBy("processed_at DESC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, core.WrapError(err, goerrors.CategoryInternal, "sqlstore: list processed tickets", nil)
	}
	return processedTicketsToDomain(records), nil
}

// TicketHistory returns every recorded transition of one ticket, newest first.
func (s *LedgerStore) TicketHistory(ctx context.Context, ticketID string) ([]core.ProcessedTicketRecord, error) {
	if s == nil || s.tickets == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	ticketID = strings.ToUpper(strings.TrimSpace(ticketID))
	if ticketID == "" {
		return nil, core.NewError("sqlstore: ticket id is required", goerrors.CategoryBadInput, nil)
	}
	records, _, err := s.tickets.List(ctx,
		repository.SelectBy("ticket_id", "=", ticketID),
		repository.OrderBy("processed_at DESC"),
	)
	if err != nil {
		return nil, core.WrapError(err, goerrors.CategoryInternal, "sqlstore: ticket history", map[string]any{
			"ticket_id": ticketID,
		})
	}
	return processedTicketsToDomain(records), nil
}

func (s *LedgerStore) ListLastProcessedCommits(ctx context.Context) ([]core.LastProcessedCommit, error) {
	if s == nil || s.watermarks == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	records, _, err := s.watermarks.List(ctx, repository.OrderBy("updated_at DESC"))
	if err != nil {
		return nil, core.WrapError(err, goerrors.CategoryInternal, "sqlstore: list last processed commits", nil)
	}
	out := make([]core.LastProcessedCommit, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *LedgerStore) findWatermark(ctx context.Context, serviceID string, branch string) (*lastProcessedCommitRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: ledger store is not configured")
	}
	record := &lastProcessedCommitRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.service_id = ?", strings.TrimSpace(serviceID)).
		Where("?TableAlias.branch = ?", strings.TrimSpace(branch)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, core.WrapError(err, goerrors.CategoryInternal, "sqlstore: get last processed commit", map[string]any{
			"service_id": serviceID,
			"branch":     branch,
		})
	}
	return record, nil
}

func (s *LedgerStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func newProcessedTicketRecord(in core.ProcessedTicketRecord, now time.Time) *processedTicketRecord {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	processedAt := in.ProcessedAt.UTC()
	if in.ProcessedAt.IsZero() {
		processedAt = now
	}
	return &processedTicketRecord{
		ID:            id,
		TicketID:      in.TicketID,
		TicketTitle:   in.TicketTitle,
		PreviousState: in.PreviousState,
		NewState:      in.NewState,
		ProcessedAt:   processedAt,
		DeployID:      in.DeployID,
		ServiceID:     strings.TrimSpace(in.ServiceID),
		ServiceName:   in.ServiceName,
		CommitID:      strings.TrimSpace(in.CommitID),
		CommitMessage: in.CommitMessage,
	}
}

func (r *processedTicketRecord) toDomain() core.ProcessedTicketRecord {
	if r == nil {
		return core.ProcessedTicketRecord{}
	}
	return core.ProcessedTicketRecord{
		ID:            r.ID,
		TicketID:      r.TicketID,
		TicketTitle:   r.TicketTitle,
		PreviousState: r.PreviousState,
		NewState:      r.NewState,
		ProcessedAt:   r.ProcessedAt,
		DeployID:      r.DeployID,
		ServiceID:     r.ServiceID,
		ServiceName:   r.ServiceName,
		CommitID:      r.CommitID,
		CommitMessage: r.CommitMessage,
	}
}

func (r *lastProcessedCommitRecord) toDomain() core.LastProcessedCommit {
	if r == nil {
		return core.LastProcessedCommit{}
	}
	return core.LastProcessedCommit{
		ServiceID:   r.ServiceID,
		Branch:      r.Branch,
		CommitID:    r.CommitID,
		ServiceName: r.ServiceName,
		UpdatedAt:   r.UpdatedAt,
	}
}

func processedTicketsToDomain(records []*processedTicketRecord) []core.ProcessedTicketRecord {
	out := make([]core.ProcessedTicketRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out
}

var _ core.Ledger = (*LedgerStore)(nil)
