package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-deploysync/core"
)

const KindREST = "rest"

const (
	defaultRESTClientTimeout           = 30 * time.Second
	defaultRESTResponseBodyLimit int64 = 10 << 20
	defaultUserAgent                   = "go-deploysync"
)

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RESTAdapter performs a single JSON exchange with a provider API. Non-2xx
// statuses come back as responses; retries live in retry.Transport.
type RESTAdapter struct {
	Client               HTTPDoer
	DefaultHeaders       map[string]string
	DefaultTimeout       time.Duration
	MaxResponseBodyBytes int64
	UserAgent            string
}

func NewRESTAdapter(client HTTPDoer) *RESTAdapter {
	if client == nil {
		client = NewHTTPClient(0)
	}
	return &RESTAdapter{
		Client:               client,
		DefaultHeaders:       map[string]string{"Accept": "application/json"},
		MaxResponseBodyBytes: defaultRESTResponseBodyLimit,
		UserAgent:            defaultUserAgent,
	}
}

// NewHTTPClient returns the client shared by the provider adapters. timeout
// bounds every exchange including the body read.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultRESTClientTimeout
	}
	return &http.Client{Timeout: timeout}
}

func (*RESTAdapter) Kind() string {
	return KindREST
}

func (a *RESTAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Client == nil {
		return core.TransportResponse{}, misconfigured(KindREST, "transport: rest adapter requires an http client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout := firstPositive(req.Timeout, a.DefaultTimeout); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := a.newRequest(ctx, req)
	if err != nil {
		return core.TransportResponse{}, err
	}
	target := httpReq.URL.Redacted()

	startedAt := time.Now()
	httpRes, err := a.Client.Do(httpReq)
	if err != nil {
		return core.TransportResponse{}, upstreamFailure(KindREST, err, "transport: "+httpReq.Method+" request failed",
			map[string]any{"method": httpReq.Method, "url": target})
	}
	defer httpRes.Body.Close()

	body, err := readLimited(httpRes.Body, firstPositive(req.MaxResponseBodyBytes, a.MaxResponseBodyBytes, defaultRESTResponseBodyLimit))
	if err != nil {
		return core.TransportResponse{}, upstreamFailure(KindREST, err, err.Error(),
			map[string]any{"status_code": httpRes.StatusCode, "url": target})
	}

	return core.TransportResponse{
		StatusCode: httpRes.StatusCode,
		Headers:    lowerHeaders(httpRes.Header),
		Body:       body,
		Metadata: map[string]any{
			"duration_ms": time.Since(startedAt).Milliseconds(),
			"kind":        KindREST,
		},
	}, nil
}

func (a *RESTAdapter) newRequest(ctx context.Context, req core.TransportRequest) (*http.Request, error) {
	rawURL := strings.TrimSpace(req.URL)
	if rawURL == "" {
		return nil, badRequest(KindREST, nil, "transport: request url is required", nil)
	}
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, badRequest(KindREST, err, "transport: invalid request url", map[string]any{"url": rawURL})
	}
	if len(req.Query) > 0 {
		query := target.Query()
		for key, value := range req.Query {
			if key = strings.TrimSpace(key); key != "" {
				query.Set(key, strings.TrimSpace(value))
			}
		}
		target.RawQuery = query.Encode()
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, badRequest(KindREST, err, "transport: build http request",
			map[string]any{"method": method, "url": target.Redacted()})
	}

	setHeaders(httpReq.Header, a.DefaultHeaders)
	setHeaders(httpReq.Header, req.Headers)
	if httpReq.Header.Get("User-Agent") == "" && a.UserAgent != "" {
		httpReq.Header.Set("User-Agent", a.UserAgent)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	return httpReq, nil
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("transport: read response body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("transport: response body exceeds limit of %d bytes", limit)
	}
	return body, nil
}

func setHeaders(dst http.Header, values map[string]string) {
	for key, value := range values {
		if key = strings.TrimSpace(key); key != "" {
			dst.Set(key, strings.TrimSpace(value))
		}
	}
}

// lowerHeaders flattens multi-value headers and lowercases the names so
// rate limit parsing can look them up directly.
func lowerHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[strings.ToLower(key)] = strings.Join(values, ",")
	}
	return flat
}

func firstPositive[T int64 | time.Duration](values ...T) T {
	for _, value := range values {
		if value > 0 {
			return value
		}
	}
	return 0
}

var _ core.TransportAdapter = (*RESTAdapter)(nil)
