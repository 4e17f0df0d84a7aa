package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-deploysync/core"
)

const ProviderRender = "render"

const (
	DeliveryStatusProcessing = "processing"
	DeliveryStatusProcessed  = "processed"
	DeliveryStatusRetryReady = "retry_ready"
	DeliveryStatusDead       = "dead"
)

type DeliveryRecord struct {
	ID            string
	ClaimID       string
	ProviderID    string
	DeliveryID    string
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt *time.Time
	LeaseUntil    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeliveryLedger records which deliveries were seen. Claim returns
// claimed=false when the delivery is processed, dead or leased by another
// worker.
type DeliveryLedger interface {
	Claim(
		ctx context.Context,
		providerID string,
		deliveryID string,
		payload []byte,
		lease time.Duration,
	) (DeliveryRecord, bool, error)
	Get(ctx context.Context, providerID string, deliveryID string) (DeliveryRecord, error)
	Complete(ctx context.Context, claimID string) error
	Fail(ctx context.Context, claimID string, cause error, nextAttemptAt time.Time, maxAttempts int) error
}

type Verifier interface {
	Verify(ctx context.Context, req core.InboundRequest) error
}

type RetryPolicy interface {
	NextDelay(attempt int) time.Duration
}

type ExponentialRetryPolicy struct {
	Initial time.Duration
	Max     time.Duration
}

func (p ExponentialRetryPolicy) NextDelay(attempt int) time.Duration {
	initial := p.Initial
	if initial <= 0 {
		initial = time.Second
	}
	maximum := p.Max
	if maximum <= 0 {
		maximum = 30 * time.Second
	}
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maximum {
			return maximum
		}
	}
	return min(delay, maximum)
}

// Processor authenticates a delivery, records it in the ledger and runs the
// handler in the background. The HTTP response never waits on reconciliation.
type Processor struct {
	Verifier     Verifier
	Ledger       DeliveryLedger
	Handler      core.DeploymentHandler
	RetryPolicy  RetryPolicy
	ClaimLease   time.Duration
	MaxAttempts  int
	EventTimeout time.Duration
	Logger       core.Logger
	Observer     core.Observer
	Now          func() time.Time

	inflight sync.WaitGroup
}

func NewProcessor(verifier Verifier, ledger DeliveryLedger, handler core.DeploymentHandler) *Processor {
	return &Processor{
		Verifier:     verifier,
		Ledger:       ledger,
		Handler:      handler,
		RetryPolicy:  ExponentialRetryPolicy{},
		ClaimLease:   5 * time.Minute,
		MaxAttempts:  5,
		EventTimeout: 2 * time.Minute,
		Logger:       glog.Nop(),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (p *Processor) Process(ctx context.Context, req core.InboundRequest) (core.InboundResult, error) {
	if p == nil || p.Handler == nil || p.Ledger == nil {
		return core.InboundResult{}, core.NewError("webhooks: processor requires handler and ledger", goerrors.CategoryInternal, nil)
	}
	providerID := strings.TrimSpace(req.ProviderID)
	if providerID == "" {
		providerID = ProviderRender
	}
	req.ProviderID = providerID

	if p.Verifier != nil {
		if err := p.Verifier.Verify(ctx, req); err != nil {
			p.Observer.Count(ctx, "webhook.rejected", 1, map[string]string{"reason": "signature"})
			return core.InboundResult{
				StatusCode: http.StatusUnauthorized,
				Message:    "invalid signature",
				Metadata:   map[string]any{"provider_id": providerID, "rejected": true},
			}, err
		}
	}

	payload, err := DecodePayload(req.Body)
	if err != nil {
		p.Observer.Count(ctx, "webhook.rejected", 1, map[string]string{"reason": "payload"})
		return core.InboundResult{
			StatusCode: http.StatusBadRequest,
			Message:    "invalid payload",
			Metadata:   map[string]any{"provider_id": providerID},
		}, err
	}
	if !payload.Supported() {
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Message:    fmt.Sprintf("ignored event type %s", payload.Type),
			Metadata:   map[string]any{"provider_id": providerID, "ignored": true},
		}, nil
	}

	deliveryID := DeliveryID(req, payload)
	if deliveryID == "" {
		return core.InboundResult{
			StatusCode: http.StatusBadRequest,
			Message:    "delivery id is required",
		}, core.NewError("webhooks: delivery id is required for dedupe", goerrors.CategoryBadInput, nil)
	}

	delivery, claimed, err := p.Ledger.Claim(ctx, providerID, deliveryID, req.Body, p.claimLease())
	if err != nil {
		// dropped: the next deploy's compare range starts at the watermark
		p.logger().Error("delivery ledger claim failed", "provider", providerID, "delivery_id", deliveryID, "error", err)
		p.Observer.Count(ctx, "webhook.dropped", 1, map[string]string{"reason": "claim"})
		return core.InboundResult{
			StatusCode: http.StatusOK,
			Message:    "delivery not recorded",
			Metadata: map[string]any{
				"provider_id": providerID,
				"delivery_id": deliveryID,
				"dropped":     true,
			},
		}, nil
	}
	if !claimed {
		p.Observer.Count(ctx, "webhook.deduped", 1, nil)
		return core.InboundResult{
			Accepted:   true,
			StatusCode: http.StatusOK,
			Message:    "duplicate delivery",
			Metadata: map[string]any{
				"provider_id": providerID,
				"delivery_id": deliveryID,
				"status":      delivery.Status,
				"deduped":     true,
			},
		}, nil
	}

	event := payload.Event(deliveryID)
	p.dispatch(ctx, delivery, event)

	return core.InboundResult{
		Accepted:   true,
		StatusCode: http.StatusOK,
		Message:    "accepted",
		Metadata: map[string]any{
			"provider_id":   providerID,
			"delivery_id":   deliveryID,
			"deployment_id": event.DeploymentID,
		},
	}, nil
}

// Drain waits for background deliveries to finish or for ctx to end.
func (p *Processor) Drain(ctx context.Context) error {
	if p == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) dispatch(ctx context.Context, delivery DeliveryRecord, event core.DeploymentEvent) {
	base := context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		startedAt := p.now()
		runCtx, cancel := context.WithTimeout(base, p.eventTimeout())
		defer cancel()

		err := p.handle(runCtx, event)
		fields := map[string]any{
			"provider":      delivery.ProviderID,
			"delivery_id":   delivery.DeliveryID,
			"deployment_id": event.DeploymentID,
			"service_id":    event.ServiceID,
			"attempt":       delivery.Attempts,
		}
		p.Observer.Observe(base, startedAt, "webhook_delivery", err, fields)

		if err != nil {
			next := p.now().Add(p.retryPolicy().NextDelay(delivery.Attempts))
			if failErr := p.Ledger.Fail(base, delivery.ClaimID, err, next, p.maxAttempts()); failErr != nil {
				p.logger().Error("webhook delivery fail mark failed", "delivery_id", delivery.DeliveryID, "error", failErr.Error())
			}
			return
		}
		if completeErr := p.Ledger.Complete(base, delivery.ClaimID); completeErr != nil {
			p.logger().Error("webhook delivery complete mark failed", "delivery_id", delivery.DeliveryID, "error", completeErr.Error())
		}
	}()
}

func (p *Processor) handle(ctx context.Context, event core.DeploymentEvent) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = core.NewError(fmt.Sprintf("webhooks: handler panic: %v", recovered), goerrors.CategoryInternal, map[string]any{
				"deployment_id": event.DeploymentID,
			})
		}
	}()
	return p.Handler.HandleDeployment(ctx, event)
}

// DeliveryID prefers the webhook-id header and falls back to the event type
// and deploy id, which are stable across redeliveries.
func DeliveryID(req core.InboundRequest, payload Payload) string {
	if value := headerValue(req.Headers, HeaderID); value != "" {
		return value
	}
	if id := strings.TrimSpace(payload.Data.ID); id != "" {
		return payload.Type + ":" + id
	}
	return ""
}

func (p *Processor) logger() core.Logger {
	if p.Logger == nil {
		return glog.Nop()
	}
	return p.Logger
}

func (p *Processor) now() time.Time {
	if p != nil && p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

func (p *Processor) retryPolicy() RetryPolicy {
	if p != nil && p.RetryPolicy != nil {
		return p.RetryPolicy
	}
	return ExponentialRetryPolicy{}
}

func (p *Processor) claimLease() time.Duration {
	if p != nil && p.ClaimLease > 0 {
		return p.ClaimLease
	}
	return 5 * time.Minute
}

func (p *Processor) maxAttempts() int {
	if p != nil && p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 5
}

func (p *Processor) eventTimeout() time.Duration {
	if p != nil && p.EventTimeout > 0 {
		return p.EventTimeout
	}
	return 2 * time.Minute
}

func headerValue(headers map[string]string, key string) string {
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), key) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
