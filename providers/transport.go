package providers

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/ratelimit"
	"github.com/goliatone/go-deploysync/retry"
	"github.com/goliatone/go-deploysync/transport"
)

// TransportOptions configures the retrying transport a provider client sends
// its requests through.
type TransportOptions struct {
	ProviderID string
	BucketKey  string
	Client     transport.HTTPDoer
	Headers    map[string]string
	Invoker    retry.Invoker
	RateLimit  core.RateLimitPolicy
}

func NewTransport(opts TransportOptions) core.TransportAdapter {
	rest := transport.NewRESTAdapter(opts.Client)
	for key, value := range opts.Headers {
		rest.DefaultHeaders[key] = value
	}
	wrapped := retry.NewTransport(rest, opts.Invoker)
	if opts.RateLimit != nil {
		bucket := strings.TrimSpace(opts.BucketKey)
		if bucket == "" {
			bucket = "api"
		}
		wrapped = wrapped.WithRateLimit(opts.RateLimit, core.RateLimitKey{
			ProviderID: opts.ProviderID,
			BucketKey:  bucket,
		})
	}
	return wrapped
}

// StatusError maps a non-2xx response to a go-errors envelope tagged with the
// provider.
func StatusError(providerID string, operation string, res core.TransportResponse) error {
	category := StatusCategory(res.StatusCode)
	return core.NewError(
		providerID+": "+operation+" returned status "+http.StatusText(res.StatusCode),
		category,
		map[string]any{
			"provider":    providerID,
			"operation":   operation,
			"status_code": res.StatusCode,
			"body":        Snippet(res.Body),
		},
	)
}

// CallError normalizes a transport failure. Exhausted retryable statuses
// arrive as *retry.StatusError and throttles as ratelimit.ThrottledError.
func CallError(providerID string, operation string, err error) error {
	if err == nil {
		return nil
	}
	if code := retry.StatusCode(err); code != 0 {
		return core.WrapError(err, StatusCategory(code), providerID+": "+operation+" failed", map[string]any{
			"provider":    providerID,
			"operation":   operation,
			"status_code": code,
		})
	}
	var throttled ratelimit.ThrottledError
	if errors.As(err, &throttled) {
		return throttled.ToError()
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return err
	}
	return core.WrapError(err, goerrors.CategoryExternal, providerID+": "+operation+" failed", map[string]any{
		"provider":  providerID,
		"operation": operation,
	})
}

func StatusCategory(status int) goerrors.Category {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return goerrors.CategoryBadInput
	case status == http.StatusUnauthorized:
		return goerrors.CategoryAuth
	case status == http.StatusForbidden:
		return goerrors.CategoryAuthz
	case status == http.StatusNotFound:
		return goerrors.CategoryNotFound
	case status == http.StatusTooManyRequests:
		return goerrors.CategoryRateLimit
	default:
		return goerrors.CategoryExternal
	}
}

func Snippet(body []byte) string {
	const limit = 300
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit]
	}
	return text
}

func Success(status int) bool {
	return status >= 200 && status <= 299
}
