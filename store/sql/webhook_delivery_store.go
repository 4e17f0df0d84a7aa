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
	"github.com/goliatone/go-deploysync/webhooks"
)

// WebhookDeliveryStore is the SQL delivery ledger behind webhooks.Processor.
// Ownership of a delivery is a claim id plus a lease; a reclaim swaps the
// claim id with a compare-and-set update.
type WebhookDeliveryStore struct {
	db   *bun.DB
	repo repository.Repository[*webhookDeliveryRecord]
	Now  func() time.Time
}

func NewWebhookDeliveryStore(db *bun.DB) (*WebhookDeliveryStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*webhookDeliveryRecord](db, webhookDeliveryHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid webhook delivery repository wiring: %w", err)
		}
	}
	return &WebhookDeliveryStore{
		db:   db,
		repo: repo,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *WebhookDeliveryStore) Claim(
	ctx context.Context,
	providerID string,
	deliveryID string,
	payload []byte,
	lease time.Duration,
) (webhooks.DeliveryRecord, bool, error) {
	if s == nil || s.db == nil {
		return webhooks.DeliveryRecord{}, false, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	providerID = strings.TrimSpace(providerID)
	deliveryID = strings.TrimSpace(deliveryID)
	if providerID == "" || deliveryID == "" {
		return webhooks.DeliveryRecord{}, false, fmt.Errorf("sqlstore: provider id and delivery id are required")
	}
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	now := s.now()
	leaseUntil := now.Add(lease)

	existing, err := s.find(ctx, providerID, deliveryID)
	if err != nil {
		return webhooks.DeliveryRecord{}, false, err
	}
	if existing == nil {
		record := &webhookDeliveryRecord{
			ID:         uuid.NewString(),
			ClaimID:    uuid.NewString(),
			ProviderID: providerID,
			DeliveryID: deliveryID,
			Status:     webhooks.DeliveryStatusProcessing,
			Attempts:   1,
			LeaseUntil: &leaseUntil,
			Payload:    append([]byte(nil), payload...),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, insertErr := s.db.NewInsert().Model(record).Exec(ctx); insertErr != nil {
			if !isUniqueViolation(insertErr) {
				return webhooks.DeliveryRecord{}, false, insertErr
			}
			// lost the race to a concurrent claim
			current, getErr := s.Get(ctx, providerID, deliveryID)
			if getErr != nil {
				return webhooks.DeliveryRecord{}, false, getErr
			}
			return current, false, nil
		}
		return record.toDomain(), true, nil
	}

	if !reclaimable(existing, now) {
		return existing.toDomain(), false, nil
	}

	nextClaimID := uuid.NewString()
	result, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("claim_id = ?", nextClaimID).
		Set("status = ?", webhooks.DeliveryStatusProcessing).
		Set("attempts = attempts + 1").
		Set("lease_until = ?", leaseUntil).
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", now).
		Where("id = ?", existing.ID).
		Where("claim_id = ?", existing.ClaimID).
		Where("status = ?", existing.Status).
		Exec(ctx)
	if err != nil {
		return webhooks.DeliveryRecord{}, false, err
	}
	if affected, rowsErr := result.RowsAffected(); rowsErr == nil && affected == 0 {
		current, getErr := s.Get(ctx, providerID, deliveryID)
		if getErr != nil {
			return webhooks.DeliveryRecord{}, false, getErr
		}
		return current, false, nil
	}

	existing.ClaimID = nextClaimID
	existing.Status = webhooks.DeliveryStatusProcessing
	existing.Attempts++
	existing.LeaseUntil = &leaseUntil
	existing.NextAttemptAt = nil
	existing.UpdatedAt = now
	return existing.toDomain(), true, nil
}

func (s *WebhookDeliveryStore) Get(
	ctx context.Context,
	providerID string,
	deliveryID string,
) (webhooks.DeliveryRecord, error) {
	record, err := s.find(ctx, strings.TrimSpace(providerID), strings.TrimSpace(deliveryID))
	if err != nil {
		return webhooks.DeliveryRecord{}, err
	}
	if record == nil {
		return webhooks.DeliveryRecord{}, core.NewError(
			fmt.Sprintf("sqlstore: webhook delivery not found for provider %q delivery %q", providerID, deliveryID),
			goerrors.CategoryNotFound,
			nil,
		)
	}
	return record.toDomain(), nil
}

func (s *WebhookDeliveryStore) Complete(ctx context.Context, claimID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	result, err := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("status = ?", webhooks.DeliveryStatusProcessed).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("lease_until = NULL").
		Set("updated_at = ?", s.now()).
		Where("claim_id = ?", strings.TrimSpace(claimID)).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(result, claimID)
}

// Fail releases the claim. The delivery becomes retry_ready, or dead once
// its attempts reach maxAttempts.
func (s *WebhookDeliveryStore) Fail(
	ctx context.Context,
	claimID string,
	cause error,
	nextAttemptAt time.Time,
	maxAttempts int,
) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	query := s.db.NewUpdate().
		Model((*webhookDeliveryRecord)(nil)).
		Set("last_error = ?", lastError).
		Set("lease_until = NULL").
		Set("updated_at = ?", s.now())
	if maxAttempts > 0 {
		query = query.Set(
			"status = CASE WHEN attempts >= ? THEN ? ELSE ? END",
			maxAttempts,
			webhooks.DeliveryStatusDead,
			webhooks.DeliveryStatusRetryReady,
		)
	} else {
		query = query.Set("status = ?", webhooks.DeliveryStatusRetryReady)
	}
	if nextAttemptAt.IsZero() {
		query = query.Set("next_attempt_at = NULL")
	} else {
		query = query.Set("next_attempt_at = ?", nextAttemptAt.UTC())
	}
	result, err := query.Where("claim_id = ?", strings.TrimSpace(claimID)).Exec(ctx)
	if err != nil {
		return err
	}
	return requireAffected(result, claimID)
}

// ListByStatus returns deliveries in a status, oldest update first.
func (s *WebhookDeliveryStore) ListByStatus(ctx context.Context, status string, limit int) ([]webhooks.DeliveryRecord, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("status", "=", strings.TrimSpace(status)),
		repository.OrderBy("updated_at ASC"),
		repository.SelectPaginate(limit, 0),
	)
	if err != nil {
		return nil, err
	}
	out := make([]webhooks.DeliveryRecord, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *WebhookDeliveryStore) find(ctx context.Context, providerID string, deliveryID string) (*webhookDeliveryRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: webhook delivery store is not configured")
	}
	record := &webhookDeliveryRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.provider_id = ?", providerID).
		Where("?TableAlias.delivery_id = ?", deliveryID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}

func (s *WebhookDeliveryStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func reclaimable(record *webhookDeliveryRecord, now time.Time) bool {
	switch record.Status {
	case webhooks.DeliveryStatusRetryReady:
		return true
	case webhooks.DeliveryStatusProcessing:
		return record.LeaseUntil == nil || !record.LeaseUntil.After(now)
	default:
		return false
	}
}

func requireAffected(result sql.Result, claimID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return nil
	}
	if affected == 0 {
		return core.NewError("sqlstore: webhook delivery claim not found", goerrors.CategoryNotFound, map[string]any{
			"claim_id": claimID,
		})
	}
	return nil
}

func (r *webhookDeliveryRecord) toDomain() webhooks.DeliveryRecord {
	if r == nil {
		return webhooks.DeliveryRecord{}
	}
	return webhooks.DeliveryRecord{
		ID:            r.ID,
		ClaimID:       r.ClaimID,
		ProviderID:    r.ProviderID,
		DeliveryID:    r.DeliveryID,
		Status:        r.Status,
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		NextAttemptAt: utcPointer(r.NextAttemptAt),
		LeaseUntil:    utcPointer(r.LeaseUntil),
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

var _ webhooks.DeliveryLedger = (*WebhookDeliveryStore)(nil)
