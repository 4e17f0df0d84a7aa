package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-deploysync/adapters/prommetrics"
	"github.com/goliatone/go-deploysync/core"
	"github.com/goliatone/go-deploysync/server"
	"github.com/goliatone/go-deploysync/webhooks"
)

const testSecret = "whsec_c2VjcmV0"

type recordingHandler struct {
	mu     sync.Mutex
	events []core.DeploymentEvent
}

func (h *recordingHandler) HandleDeployment(_ context.Context, event core.DeploymentEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

type memoryDeliveries struct {
	mu      sync.Mutex
	records map[string]webhooks.DeliveryRecord
}

func (m *memoryDeliveries) Claim(_ context.Context, providerID string, deliveryID string, _ []byte, _ time.Duration) (webhooks.DeliveryRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[deliveryID]; ok {
		return existing, false, nil
	}
	record := webhooks.DeliveryRecord{ClaimID: deliveryID, ProviderID: providerID, DeliveryID: deliveryID, Status: webhooks.DeliveryStatusProcessing, Attempts: 1}
	m.records[deliveryID] = record
	return record, true, nil
}

func (m *memoryDeliveries) Get(_ context.Context, _ string, deliveryID string) (webhooks.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[deliveryID], nil
}

func (m *memoryDeliveries) Complete(context.Context, string) error { return nil }

func (m *memoryDeliveries) Fail(context.Context, string, error, time.Time, int) error { return nil }

type harness struct {
	server    *httptest.Server
	processor *webhooks.Processor
	handler   *recordingHandler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	handler := &recordingHandler{}
	reg := prometheus.NewRegistry()
	recorder := prommetrics.NewRecorder(reg, nil)
	processor := webhooks.NewProcessor(
		webhooks.NewSignatureVerifier(core.WebhookConfig{Secret: testSecret}),
		&memoryDeliveries{records: map[string]webhooks.DeliveryRecord{}},
		handler,
	)
	processor.Observer = core.NewObserver(nil, recorder)
	srv := server.New(processor, server.Config{
		ServiceName:    "deploysync",
		Mode:           "dry-run",
		MetricsPath:    "/metrics",
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{server: ts, processor: processor, handler: handler}
}

func (h *harness) post(t *testing.T, body []byte, id string, sign bool) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/webhook", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	timestamp := "1767225600"
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", timestamp)
	signature := "v1,AAAA"
	if sign {
		signature = webhooks.Sign(body, id, timestamp, testSecret)
	}
	req.Header.Set("webhook-signature", signature)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post webhook: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, decoded
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.server.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" || body["service"] != "deploysync" || body["mode"] != "dry-run" {
		t.Fatalf("unexpected health response %d %#v", resp.StatusCode, body)
	}
}

func TestWebhook_AcceptsSignedDeliveryAndDedupes(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"type":"deploy_ended","timestamp":"2026-01-01T00:00:00Z","data":{"id":"dep-1","serviceId":"srv-1","status":"succeeded"}}`)

	status, resp := h.post(t, body, "msg_1", true)
	if status != http.StatusOK || resp["received"] != true {
		t.Fatalf("expected accepted delivery, got %d %#v", status, resp)
	}
	if err := h.processor.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if h.handler.count() != 1 {
		t.Fatalf("expected one dispatched event, got %d", h.handler.count())
	}

	status, resp = h.post(t, body, "msg_1", true)
	if status != http.StatusOK || resp["deduped"] != true {
		t.Fatalf("expected dedupe acknowledgement, got %d %#v", status, resp)
	}
	_ = h.processor.Drain(context.Background())
	if h.handler.count() != 1 {
		t.Fatalf("duplicate delivery must not dispatch again")
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	h := newHarness(t)
	body := []byte(`{"type":"deploy_ended","data":{"id":"dep-1","serviceId":"srv-1","status":"succeeded"}}`)

	status, resp := h.post(t, body, "msg_2", false)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %#v", status, resp)
	}
	if resp["code"] != core.ErrorSignatureInvalid {
		t.Fatalf("expected signature text code, got %#v", resp)
	}
}

func TestWebhook_UnparsableBodyIsBadRequest(t *testing.T) {
	h := newHarness(t)
	status, _ := h.post(t, []byte(`{not json`), "msg_3", true)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
}

func TestWebhook_UnsupportedTypeIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	status, resp := h.post(t, []byte(`{"type":"server_available","data":{"id":"srv-1"}}`), "msg_4", true)
	if status != http.StatusOK || resp["received"] != true {
		t.Fatalf("expected 200 acknowledgement, got %d %#v", status, resp)
	}
	if message, _ := resp["message"].(string); !strings.HasPrefix(message, "ignored event type") {
		t.Fatalf("expected informational message, got %#v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.post(t, []byte(`{"type":"deploy_ended"}`), "msg_5", false)

	resp, err := http.Get(h.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "deploysync_webhook_rejected_total") {
		t.Fatalf("expected rejected counter in exposition, got %s", raw)
	}
}
