package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-deploysync/ratelimit"
)

// StatusError is a response whose status is worth another attempt. When the
// attempts run out it is what the caller receives.
type StatusError struct {
	StatusCode int
	Body       []byte
	Headers    map[string]string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(string(e.Body))
	if len(body) > 200 {
		body = body[:200]
	}
	if body == "" {
		return fmt.Sprintf("retry: upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("retry: upstream returned status %d: %s", e.StatusCode, body)
}

func (e *StatusError) ToError() *goerrors.Error {
	category := goerrors.CategoryExternal
	if e.StatusCode == http.StatusTooManyRequests {
		category = goerrors.CategoryRateLimit
	}
	return goerrors.Wrap(e, category, e.Error()).
		WithCode(http.StatusBadGateway).
		WithMetadata(map[string]any{"status_code": e.StatusCode})
}

// StatusCode returns the upstream status carried by err, or 0.
func StatusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// RetryableStatus reports whether a response status is transient.
func RetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Retryable is the default classifier. Network failures surface from the
// transport as external go-errors; context cancellation is never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return RetryableStatus(statusErr.StatusCode)
	}
	var throttled ratelimit.ThrottledError
	if errors.As(err, &throttled) {
		return true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.Category == goerrors.CategoryExternal || rich.Category == goerrors.CategoryRateLimit
	}
	return false
}

func retryHint(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	var throttled ratelimit.ThrottledError
	if errors.As(err, &throttled) {
		return throttled.RetryAfter
	}
	return 0
}
