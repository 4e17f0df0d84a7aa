package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/goliatone/go-deploysync/core"
)

func TestAdaptivePolicy_BeforeCallAllowsWhenNoState(t *testing.T) {
	policy := NewAdaptivePolicy(NewMemoryStateStore())

	err := policy.BeforeCall(context.Background(), core.RateLimitKey{ProviderID: "github", BucketKey: "compare"})
	if err != nil {
		t.Fatalf("expected no error when no state exists, got %v", err)
	}
}

func TestAdaptivePolicy_AfterCallParsesHeadersAndPersistsState(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := core.RateLimitKey{ProviderID: "github", BucketKey: "compare"}
	resetAt := now.Add(45 * time.Second)
	err := policy.AfterCall(context.Background(), key, core.ProviderResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"X-RateLimit-Limit":     "5000",
			"X-RateLimit-Remaining": "4999",
			"X-RateLimit-Reset":     "1700000045",
		},
		Metadata: map[string]any{"endpoint": "compare"},
	})
	if err != nil {
		t.Fatalf("after call: %v", err)
	}

	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Limit != 5000 {
		t.Fatalf("expected limit 5000, got %d", state.Limit)
	}
	if state.Remaining != 4999 {
		t.Fatalf("expected remaining 4999, got %d", state.Remaining)
	}
	if state.ResetAt == nil || !state.ResetAt.Equal(resetAt) {
		t.Fatalf("expected reset at %s, got %+v", resetAt, state.ResetAt)
	}
	if state.LastStatus != 200 || state.ThrottledUntil != nil {
		t.Fatalf("expected open bucket after 200, got %#v", state)
	}
}

func TestAdaptivePolicy_BlocksWhenThrottleWindowIsActive(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := core.RateLimitKey{ProviderID: "github", BucketKey: "compare"}
	until := now.Add(20 * time.Second)
	if err := store.Upsert(context.Background(), State{Key: key, ThrottledUntil: &until, Remaining: 0}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	err := policy.BeforeCall(context.Background(), key)
	if err == nil {
		t.Fatalf("expected throttle error")
	}
	var throttledErr ThrottledError
	if !errors.As(err, &throttledErr) {
		t.Fatalf("expected ThrottledError, got %T", err)
	}
	if throttledErr.RetryAfter <= 0 {
		t.Fatalf("expected retry_after > 0")
	}
}

func TestAdaptivePolicy_AfterCall429UsesRetryAfterAndAttempts(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := core.RateLimitKey{ProviderID: "github", BucketKey: "compare"}
	if err := policy.AfterCall(context.Background(), key, core.ProviderResponseMeta{
		StatusCode: 429,
		Headers: map[string]string{
			"Retry-After": "10",
		},
	}); err != nil {
		t.Fatalf("after call throttled: %v", err)
	}

	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil {
		t.Fatalf("expected throttled_until")
	}
	if got := state.ThrottledUntil.Sub(now); got != 10*time.Second {
		t.Fatalf("expected throttled window of 10s, got %s", got)
	}
	if state.RetryAfter == nil || *state.RetryAfter != 10*time.Second {
		t.Fatalf("expected retry_after 10s")
	}
}

func TestAdaptivePolicy_AdaptiveBackoffWithoutRetryAfter(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	policy.InitialBackoff = 2 * time.Second
	policy.MaxBackoff = 30 * time.Second
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := core.RateLimitKey{ProviderID: "github", BucketKey: "compare"}
	if err := policy.AfterCall(context.Background(), key, core.ProviderResponseMeta{StatusCode: 429}); err != nil {
		t.Fatalf("first throttled call: %v", err)
	}

	now = now.Add(3 * time.Second)
	if err := policy.AfterCall(context.Background(), key, core.ProviderResponseMeta{StatusCode: 429}); err != nil {
		t.Fatalf("second throttled call: %v", err)
	}

	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 2 {
		t.Fatalf("expected attempts 2, got %d", state.Attempts)
	}
	if state.ThrottledUntil == nil {
		t.Fatalf("expected throttled_until")
	}
	if got := state.ThrottledUntil.Sub(now); got != 4*time.Second {
		t.Fatalf("expected adaptive delay of 4s, got %s", got)
	}
}

func TestAdaptivePolicy_ResetsAttemptsOnSuccessfulCall(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	key := core.RateLimitKey{ProviderID: "github", BucketKey: "compare"}
	if err := store.Upsert(context.Background(), State{
		Key:      key,
		Attempts: 3,
		ThrottledUntil: func() *time.Time {
			value := now.Add(10 * time.Second)
			return &value
		}(),
	}); err != nil {
		t.Fatalf("seed throttled state: %v", err)
	}

	now = now.Add(12 * time.Second)
	if err := policy.AfterCall(context.Background(), key, core.ProviderResponseMeta{StatusCode: 200}); err != nil {
		t.Fatalf("after successful call: %v", err)
	}

	state, err := store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if state.Attempts != 0 {
		t.Fatalf("expected attempts reset to zero, got %d", state.Attempts)
	}
	if state.ThrottledUntil != nil {
		t.Fatalf("expected throttle window cleared")
	}
}

func TestAdaptivePolicy_ParsesLinearAndRenderHeaderFamilies(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	now := time.Unix(1_700_000_000, 0).UTC()
	policy.Now = func() time.Time { return now }

	linear := core.RateLimitKey{ProviderID: "Linear", BucketKey: "GraphQL"}
	if err := policy.AfterCall(context.Background(), linear, core.ProviderResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"X-RateLimit-Requests-Limit":     "1500",
			"X-RateLimit-Requests-Remaining": "0",
			"X-RateLimit-Requests-Reset":     "1700000030000",
		},
	}); err != nil {
		t.Fatalf("after call linear: %v", err)
	}
	state, err := store.Get(context.Background(), core.RateLimitKey{ProviderID: "linear", BucketKey: "graphql"})
	if err != nil {
		t.Fatalf("expected normalized key lookup to succeed: %v", err)
	}
	if state.Limit != 1500 || state.Remaining != 0 {
		t.Fatalf("unexpected linear quota %+v", state)
	}
	if state.ThrottledUntil == nil {
		t.Fatalf("expected exhausted quota to open a throttle window")
	}

	render := core.RateLimitKey{ProviderID: "render", BucketKey: "api"}
	if err := policy.AfterCall(context.Background(), render, core.ProviderResponseMeta{
		StatusCode: 200,
		Headers: map[string]string{
			"Ratelimit-Limit":     "400",
			"Ratelimit-Remaining": "12",
			"Ratelimit-Reset":     "30",
		},
	}); err != nil {
		t.Fatalf("after call render: %v", err)
	}
	state, err = store.Get(context.Background(), render)
	if err != nil {
		t.Fatalf("get render state: %v", err)
	}
	if state.Remaining != 12 || state.ResetAt == nil || !state.ResetAt.Equal(now.Add(30*time.Second)) {
		t.Fatalf("unexpected render state %+v", state)
	}
	if err := policy.BeforeCall(context.Background(), render); err != nil {
		t.Fatalf("expected render bucket with quota left to pass, got %v", err)
	}
}

func TestAdaptivePolicy_ServerErrorDoesNotThrottle(t *testing.T) {
	store := NewMemoryStateStore()
	policy := NewAdaptivePolicy(store)
	key := core.RateLimitKey{ProviderID: "render", BucketKey: "api"}
	if err := policy.AfterCall(context.Background(), key, core.ProviderResponseMeta{StatusCode: 503}); err != nil {
		t.Fatalf("after call: %v", err)
	}
	if err := policy.BeforeCall(context.Background(), key); err != nil {
		t.Fatalf("expected 5xx not to open a throttle window, got %v", err)
	}
}

func TestThrottledError_ToError(t *testing.T) {
	err := ThrottledError{ProviderID: "github", BucketKey: "compare", RetryAfter: 3 * time.Second}
	mapped := err.ToError()
	if mapped.TextCode != core.ErrorRateLimited {
		t.Fatalf("expected %q text code, got %q", core.ErrorRateLimited, mapped.TextCode)
	}
	if mapped.Code != 429 {
		t.Fatalf("expected status code 429, got %d", mapped.Code)
	}
	if mapped.Metadata["retry_after_ms"] != int64(3000) {
		t.Fatalf("expected retry hint metadata, got %#v", mapped.Metadata)
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if got, ok := ParseRetryAfterHeader(map[string]string{"Retry-After": "7"}, now); !ok || got != 7*time.Second {
		t.Fatalf("expected 7s, got %s %v", got, ok)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got, ok := ParseRetryAfterHeader(map[string]string{"retry-after": date}, now); !ok || got != 90*time.Second {
		t.Fatalf("expected 90s, got %s %v", got, ok)
	}
	if _, ok := ParseRetryAfterHeader(map[string]string{"Retry-After": "soon"}, now); ok {
		t.Fatalf("expected unparsable value to be ignored")
	}
}
