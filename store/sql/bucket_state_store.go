package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/ratelimit"
)

// BucketStateStore keeps one row per provider bucket so a restart still
// honors an open throttle window.
type BucketStateStore struct {
	db  *bun.DB
	Now func() time.Time
}

func NewBucketStateStore(db *bun.DB) (*BucketStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &BucketStateStore{
		db: db,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

func (s *BucketStateStore) Get(ctx context.Context, key core.RateLimitKey) (ratelimit.State, error) {
	if s == nil || s.db == nil {
		return ratelimit.State{}, fmt.Errorf("sqlstore: bucket state store is not configured")
	}
	key = ratelimit.NormalizeKey(key)
	if err := requireBucketKey(key); err != nil {
		return ratelimit.State{}, err
	}
	record := &bucketStateRecord{ProviderID: key.ProviderID, BucketKey: key.BucketKey}
	if err := s.db.NewSelect().Model(record).WherePK().Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ratelimit.State{}, ratelimit.ErrStateNotFound
		}
		return ratelimit.State{}, core.WrapError(err, goerrors.CategoryInternal, "sqlstore: get bucket state", bucketFields(key))
	}
	return record.toDomain(), nil
}

// Upsert overwrites the bucket row in one statement. Nil window fields clear
// the stored value.
func (s *BucketStateStore) Upsert(ctx context.Context, state ratelimit.State) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: bucket state store is not configured")
	}
	state.Key = ratelimit.NormalizeKey(state.Key)
	if err := requireBucketKey(state.Key); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = s.now()
	}
	_, err := s.db.NewInsert().
		Model(newBucketStateRecord(state)).
		On("CONFLICT (provider_id, bucket_key) DO UPDATE").
		Set("quota_limit = EXCLUDED.quota_limit").
		Set("remaining = EXCLUDED.remaining").
		Set("reset_at = EXCLUDED.reset_at").
		Set("retry_after_ms = EXCLUDED.retry_after_ms").
		Set("throttled_until = EXCLUDED.throttled_until").
		Set("last_status = EXCLUDED.last_status").
		Set("attempts = EXCLUDED.attempts").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return core.WrapError(err, goerrors.CategoryInternal, "sqlstore: upsert bucket state", bucketFields(state.Key))
	}
	return nil
}

func (s *BucketStateStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func newBucketStateRecord(state ratelimit.State) *bucketStateRecord {
	record := &bucketStateRecord{
		ProviderID:     state.Key.ProviderID,
		BucketKey:      state.Key.BucketKey,
		QuotaLimit:     state.Limit,
		Remaining:      state.Remaining,
		ResetAt:        utcPointer(state.ResetAt),
		ThrottledUntil: utcPointer(state.ThrottledUntil),
		LastStatus:     state.LastStatus,
		Attempts:       state.Attempts,
		UpdatedAt:      state.UpdatedAt.UTC(),
	}
	if state.RetryAfter != nil && *state.RetryAfter > 0 {
		millis := state.RetryAfter.Milliseconds()
		record.RetryAfterMS = &millis
	}
	return record
}

func (r *bucketStateRecord) toDomain() ratelimit.State {
	if r == nil {
		return ratelimit.State{}
	}
	state := ratelimit.State{
		Key:            core.RateLimitKey{ProviderID: r.ProviderID, BucketKey: r.BucketKey},
		Limit:          r.QuotaLimit,
		Remaining:      r.Remaining,
		ResetAt:        utcPointer(r.ResetAt),
		ThrottledUntil: utcPointer(r.ThrottledUntil),
		LastStatus:     r.LastStatus,
		Attempts:       r.Attempts,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.RetryAfterMS != nil && *r.RetryAfterMS > 0 {
		retryAfter := time.Duration(*r.RetryAfterMS) * time.Millisecond
		state.RetryAfter = &retryAfter
	}
	return state
}

func requireBucketKey(key core.RateLimitKey) error {
	if key.ProviderID == "" || key.BucketKey == "" {
		return core.NewError("sqlstore: rate limit provider and bucket are required", goerrors.CategoryBadInput, nil)
	}
	return nil
}

func bucketFields(key core.RateLimitKey) map[string]any {
	return map[string]any{"provider_id": key.ProviderID, "bucket_key": key.BucketKey}
}

func utcPointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

var _ ratelimit.StateStore = (*BucketStateStore)(nil)
