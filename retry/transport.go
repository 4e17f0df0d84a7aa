package retry

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/ratelimit"
)

// Transport wraps an adapter so every exchange goes through the invoker and,
// when configured, the provider's rate limit policy. Retryable statuses are
// turned into *StatusError; other statuses are handed back untouched.
type Transport struct {
	Inner     core.TransportAdapter
	Invoker   Invoker
	RateLimit core.RateLimitPolicy
	Key       core.RateLimitKey
	Now       func() time.Time
}

func NewTransport(inner core.TransportAdapter, invoker Invoker) *Transport {
	return &Transport{Inner: inner, Invoker: invoker}
}

// WithRateLimit returns a copy bound to one provider bucket.
func (t *Transport) WithRateLimit(policy core.RateLimitPolicy, key core.RateLimitKey) *Transport {
	clone := *t
	clone.RateLimit = policy
	clone.Key = ratelimit.NormalizeKey(key)
	return &clone
}

func (t *Transport) Kind() string {
	if t == nil || t.Inner == nil {
		return "retry"
	}
	return t.Inner.Kind()
}

func (t *Transport) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if t == nil || t.Inner == nil {
		return core.TransportResponse{}, core.NewError("retry: transport requires an inner adapter", goerrors.CategoryInternal, nil)
	}
	operation := t.Key.ProviderID
	if operation == "" {
		operation = t.Inner.Kind()
	}
	return Invoke(ctx, t.Invoker, operation, func(ctx context.Context, _ int) (core.TransportResponse, error) {
		if t.RateLimit != nil {
			if err := t.RateLimit.BeforeCall(ctx, t.Key); err != nil {
				return core.TransportResponse{}, err
			}
		}
		res, err := t.Inner.Do(ctx, req)
		if err != nil {
			return core.TransportResponse{}, err
		}
		retryAfter, hasRetryAfter := ratelimit.ParseRetryAfterHeader(res.Headers, t.now())
		if t.RateLimit != nil {
			meta := core.ProviderResponseMeta{StatusCode: res.StatusCode, Headers: res.Headers}
			if hasRetryAfter {
				meta.RetryAfter = &retryAfter
			}
			if err := t.RateLimit.AfterCall(ctx, t.Key, meta); err != nil && t.Invoker.Logger != nil {
				t.Invoker.Logger.WithContext(ctx).Warn("rate limit state update failed",
					"provider", t.Key.ProviderID,
					"error", err.Error(),
				)
			}
		}
		if RetryableStatus(res.StatusCode) {
			return res, &StatusError{
				StatusCode: res.StatusCode,
				Body:       res.Body,
				Headers:    res.Headers,
				RetryAfter: retryAfter,
			}
		}
		return res, nil
	})
}

func (t *Transport) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

var _ core.TransportAdapter = (*Transport)(nil)
