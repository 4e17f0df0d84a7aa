package webhooks

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-deploysync/core"
)

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(context.Context, core.InboundRequest) error {
	return v.err
}

type stubDeploymentHandler struct {
	mu     sync.Mutex
	events []core.DeploymentEvent
	err    error
	panics bool
}

func (h *stubDeploymentHandler) HandleDeployment(_ context.Context, event core.DeploymentEvent) error {
	h.mu.Lock()
	h.events = append(h.events, event)
	h.mu.Unlock()
	if h.panics {
		panic("boom")
	}
	return h.err
}

func (h *stubDeploymentHandler) calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type memoryDeliveryLedger struct {
	mu       sync.Mutex
	records  map[string]DeliveryRecord
	seq      int
	claimErr error
}

func newMemoryDeliveryLedger() *memoryDeliveryLedger {
	return &memoryDeliveryLedger{records: map[string]DeliveryRecord{}}
}

func (l *memoryDeliveryLedger) Claim(_ context.Context, providerID, deliveryID string, _ []byte, _ time.Duration) (DeliveryRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimErr != nil {
		return DeliveryRecord{}, false, l.claimErr
	}
	key := providerID + "|" + deliveryID
	record, ok := l.records[key]
	if ok && record.Status != DeliveryStatusRetryReady {
		return record, false, nil
	}
	l.seq++
	record.ProviderID = providerID
	record.DeliveryID = deliveryID
	record.ClaimID = fmt.Sprintf("claim-%d", l.seq)
	record.Status = DeliveryStatusProcessing
	record.Attempts++
	l.records[key] = record
	return record, true, nil
}

func (l *memoryDeliveryLedger) Get(_ context.Context, providerID, deliveryID string) (DeliveryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[providerID+"|"+deliveryID]
	if !ok {
		return DeliveryRecord{}, errors.New("not found")
	}
	return record, nil
}

func (l *memoryDeliveryLedger) Complete(_ context.Context, claimID string) error {
	return l.update(claimID, func(record *DeliveryRecord) { record.Status = DeliveryStatusProcessed })
}

func (l *memoryDeliveryLedger) Fail(_ context.Context, claimID string, cause error, next time.Time, maxAttempts int) error {
	return l.update(claimID, func(record *DeliveryRecord) {
		record.LastError = cause.Error()
		record.NextAttemptAt = &next
		record.Status = DeliveryStatusRetryReady
		if record.Attempts >= maxAttempts {
			record.Status = DeliveryStatusDead
		}
	})
}

func (l *memoryDeliveryLedger) update(claimID string, fn func(*DeliveryRecord)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, record := range l.records {
		if record.ClaimID == claimID {
			fn(&record)
			l.records[key] = record
			return nil
		}
	}
	return errors.New("claim not found")
}

func deployRequest(id string, body string) core.InboundRequest {
	return core.InboundRequest{
		ProviderID: ProviderRender,
		Headers:    map[string]string{HeaderID: id},
		Body:       []byte(body),
	}
}

const succeededBody = `{"type":"deploy_ended","timestamp":"2026-03-01T10:00:00Z","data":{"id":"dep-1","serviceId":"srv-1","serviceName":"api","status":"succeeded"}}`

func drain(t *testing.T, processor *Processor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := processor.Drain(ctx); err != nil {
		t.Fatalf("drain processor: %v", err)
	}
}

func TestProcessor_DispatchesAndDedupesDeliveries(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubDeploymentHandler{}
	processor := NewProcessor(stubVerifier{}, ledger, handler)

	first, err := processor.Process(context.Background(), deployRequest("msg_1", succeededBody))
	if err != nil {
		t.Fatalf("process first webhook: %v", err)
	}
	if !first.Accepted || first.StatusCode != http.StatusOK {
		t.Fatalf("expected first delivery accepted, got %+v", first)
	}
	drain(t, processor)

	if handler.calls() != 1 {
		t.Fatalf("expected handler to run once, got %d", handler.calls())
	}
	event := handler.events[0]
	if event.DeploymentID != "dep-1" || event.ServiceID != "srv-1" || event.Status != core.DeployStatusSucceeded {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.DeliveryID != "msg_1" || event.Timestamp.IsZero() {
		t.Fatalf("expected delivery id and timestamp on event, got %+v", event)
	}

	second, err := processor.Process(context.Background(), deployRequest("msg_1", succeededBody))
	if err != nil {
		t.Fatalf("process duplicate webhook: %v", err)
	}
	drain(t, processor)
	if second.Metadata["deduped"] != true {
		t.Fatalf("expected deduped metadata marker, got %#v", second.Metadata)
	}
	if handler.calls() != 1 {
		t.Fatalf("expected duplicate to skip the handler")
	}
	record, _ := ledger.Get(context.Background(), ProviderRender, "msg_1")
	if record.Status != DeliveryStatusProcessed {
		t.Fatalf("expected processed delivery, got %q", record.Status)
	}
}

func TestProcessor_RejectsInvalidSignature(t *testing.T) {
	handler := &stubDeploymentHandler{}
	processor := NewProcessor(stubVerifier{err: errors.New("signature mismatch")}, newMemoryDeliveryLedger(), handler)

	result, err := processor.Process(context.Background(), deployRequest("msg_2", succeededBody))
	if err == nil {
		t.Fatalf("expected verifier error")
	}
	if result.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized status code, got %d", result.StatusCode)
	}
	drain(t, processor)
	if handler.calls() != 0 {
		t.Fatalf("expected handler not to run when verification fails")
	}
}

func TestProcessor_BadPayloadIs400(t *testing.T) {
	processor := NewProcessor(stubVerifier{}, newMemoryDeliveryLedger(), &stubDeploymentHandler{})
	result, err := processor.Process(context.Background(), deployRequest("msg_3", `{not json`))
	if err == nil || result.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 and error, got %d %v", result.StatusCode, err)
	}
}

func TestProcessor_UnsupportedTypeIsAcknowledged(t *testing.T) {
	handler := &stubDeploymentHandler{}
	processor := NewProcessor(stubVerifier{}, newMemoryDeliveryLedger(), handler)
	result, err := processor.Process(context.Background(), deployRequest("msg_4", `{"type":"server_available","data":{"id":"srv-1"}}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if result.StatusCode != http.StatusOK || result.Message != "ignored event type server_available" {
		t.Fatalf("unexpected result %+v", result)
	}
	drain(t, processor)
	if handler.calls() != 0 {
		t.Fatalf("expected unsupported type to skip the handler")
	}
}

func TestProcessor_FailedDeliveryBecomesRetryReadyAndReclaimable(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	handler := &stubDeploymentHandler{err: errors.New("render unavailable")}
	processor := NewProcessor(stubVerifier{}, ledger, handler)
	processor.RetryPolicy = ExponentialRetryPolicy{Initial: time.Second, Max: 4 * time.Second}
	processor.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if _, err := processor.Process(context.Background(), deployRequest("msg_5", succeededBody)); err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	drain(t, processor)

	record, err := ledger.Get(context.Background(), ProviderRender, "msg_5")
	if err != nil {
		t.Fatalf("load delivery record: %v", err)
	}
	if record.Status != DeliveryStatusRetryReady || record.LastError != "render unavailable" {
		t.Fatalf("expected retry-ready status, got %+v", record)
	}

	handler.err = nil
	if _, err := processor.Process(context.Background(), deployRequest("msg_5", succeededBody)); err != nil {
		t.Fatalf("process redelivery: %v", err)
	}
	drain(t, processor)
	if handler.calls() != 2 {
		t.Fatalf("expected redelivery to be dispatched, got %d calls", handler.calls())
	}
	record, _ = ledger.Get(context.Background(), ProviderRender, "msg_5")
	if record.Status != DeliveryStatusProcessed || record.Attempts != 2 {
		t.Fatalf("expected processed after second attempt, got %+v", record)
	}
}

func TestProcessor_ClaimFailureIsAcknowledgedWithoutDispatch(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	ledger.claimErr = errors.New("database is locked")
	handler := &stubDeploymentHandler{}
	processor := NewProcessor(nil, ledger, handler)

	result, err := processor.Process(context.Background(), deployRequest("msg_1", succeededBody))
	if err != nil {
		t.Fatalf("expected claim failure to be acknowledged, got %v", err)
	}
	if result.StatusCode != http.StatusOK || result.Accepted {
		t.Fatalf("expected unaccepted 200, got %#v", result)
	}
	if result.Metadata["dropped"] != true || result.Metadata["delivery_id"] != "msg_1" {
		t.Fatalf("unexpected metadata %#v", result.Metadata)
	}
	drain(t, processor)
	if handler.calls() != 0 {
		t.Fatalf("expected no dispatch without a claim, got %d", handler.calls())
	}
}

func TestProcessor_RecoversHandlerPanic(t *testing.T) {
	ledger := newMemoryDeliveryLedger()
	processor := NewProcessor(stubVerifier{}, ledger, &stubDeploymentHandler{panics: true})
	if _, err := processor.Process(context.Background(), deployRequest("msg_6", succeededBody)); err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	drain(t, processor)
	record, _ := ledger.Get(context.Background(), ProviderRender, "msg_6")
	if record.Status != DeliveryStatusRetryReady {
		t.Fatalf("expected panic to fail the delivery, got %+v", record)
	}
}

func TestDeliveryID_FallsBackToDeployID(t *testing.T) {
	payload, err := DecodePayload([]byte(succeededBody))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got := DeliveryID(core.InboundRequest{}, payload); got != "deploy_ended:dep-1" {
		t.Fatalf("unexpected fallback delivery id %q", got)
	}
}

func TestExponentialRetryPolicy(t *testing.T) {
	policy := ExponentialRetryPolicy{Initial: time.Second, Max: 3 * time.Second}
	if policy.NextDelay(1) != time.Second || policy.NextDelay(2) != 2*time.Second || policy.NextDelay(5) != 3*time.Second {
		t.Fatalf("unexpected delays %s %s %s", policy.NextDelay(1), policy.NextDelay(2), policy.NextDelay(5))
	}
}
