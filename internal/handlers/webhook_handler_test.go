package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/projectmart/backend/internal/services"
)

type mockCheckoutEvents struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	accounts  []string
	duplicate bool
	err       error
}

func (m *mockCheckoutEvents) CompleteCheckout(_ context.Context, eventID string, purchaseID uuid.UUID, captureRef string) (*services.CheckoutResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.completed = append(m.completed, eventID+"|"+purchaseID.String()+"|"+captureRef)
	return &services.CheckoutResult{PurchaseID: purchaseID, Duplicate: m.duplicate}, nil
}

func (m *mockCheckoutEvents) MarkPaymentFailed(_ context.Context, eventID string, purchaseID uuid.UUID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, purchaseID.String()+"|"+reason)
	return m.err
}

func (m *mockCheckoutEvents) UpdatePayoutAccount(_ context.Context, acct string, payouts, charges bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payouts && charges {
		acct += "|enabled"
	}
	m.accounts = append(m.accounts, acct)
	return m.err
}

var (
	testSecret = []byte("whsec_test")
	testNow    = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
)

func newWebhookHandler(t *testing.T, events CheckoutEvents) *WebhookHandler {
	return &WebhookHandler{
		Events:    events,
		Validator: newTestValidator(t),
		Secret:    testSecret,
		Now:       func() time.Time { return testNow },
	}
}

func signedRequest(body string, at time.Time) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(body))
	req.Header.Set(SignatureHeader, SignPayload(testSecret, []byte(body), at))
	return req
}

func checkoutEvent(purchaseID uuid.UUID) string {
	return `{"id":"evt_1","type":"checkout.completed","created":1,"data":{"object":{"id":"cs_1","payment_intent":"pi_1","metadata":{"purchase_id":"` + purchaseID.String() + `"}}}}`
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	good := SignPayload(testSecret, body, testNow)

	if err := VerifySignature(good, body, testSecret, testNow.Add(time.Minute)); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifySignature(good, []byte(`{"id":"evt_2"}`), testSecret, testNow); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered body: got %v", err)
	}
	if err := VerifySignature(good, body, []byte("other"), testNow); !errors.Is(err, ErrBadSignature) {
		t.Errorf("wrong secret: got %v", err)
	}
	if err := VerifySignature(good, body, testSecret, testNow.Add(6*time.Minute)); !errors.Is(err, ErrStaleSignature) {
		t.Errorf("stale: got %v", err)
	}
	if err := VerifySignature("", body, testSecret, testNow); !errors.Is(err, ErrMissingSignature) {
		t.Errorf("missing: got %v", err)
	}
	rotated := good + ",v1=deadbeef"
	if err := VerifySignature(rotated, body, testSecret, testNow); err != nil {
		t.Errorf("extra v1 entry should still verify: %v", err)
	}
}

func TestWebhook_CheckoutCompleted(t *testing.T) {
	events := &mockCheckoutEvents{}
	h := newWebhookHandler(t, events)
	pid := uuid.New()

	rec := httptest.NewRecorder()
	h.HandleEvent(rec, signedRequest(checkoutEvent(pid), testNow))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(events.completed) != 1 || events.completed[0] != "evt_1|"+pid.String()+"|pi_1" {
		t.Errorf("unexpected calls %v", events.completed)
	}
}

func TestWebhook_Duplicate(t *testing.T) {
	events := &mockCheckoutEvents{duplicate: true}
	h := newWebhookHandler(t, events)
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, signedRequest(checkoutEvent(uuid.New()), testNow))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "duplicate") {
		t.Errorf("expected 200 duplicate, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_BadSignature(t *testing.T) {
	events := &mockCheckoutEvents{}
	h := newWebhookHandler(t, events)
	req := signedRequest(checkoutEvent(uuid.New()), testNow.Add(-time.Hour))
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if len(events.completed) != 0 {
		t.Error("no event should be applied")
	}
}

func TestWebhook_InvalidPayload(t *testing.T) {
	h := newWebhookHandler(t, &mockCheckoutEvents{})
	body := `{"id":"evt_1","type":"checkout.completed","data":{"object":{"id":"cs_1","metadata":{"purchase_id":"not-a-uuid"}}}}`
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, signedRequest(body, testNow))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_OtherEvents(t *testing.T) {
	events := &mockCheckoutEvents{}
	h := newWebhookHandler(t, events)
	pid := uuid.New()

	failed := `{"id":"evt_2","type":"payment.failed","data":{"object":{"id":"pi_2","last_payment_error":{"message":"card declined"},"metadata":{"purchase_id":"` + pid.String() + `"}}}}`
	rec := httptest.NewRecorder()
	h.HandleEvent(rec, signedRequest(failed, testNow))
	if rec.Code != http.StatusOK || len(events.failed) != 1 || events.failed[0] != pid.String()+"|card declined" {
		t.Errorf("payment.failed: %d %v", rec.Code, events.failed)
	}

	account := `{"id":"evt_3","type":"account.updated","data":{"object":{"id":"acct_9","payouts_enabled":true,"charges_enabled":true}}}`
	rec = httptest.NewRecorder()
	h.HandleEvent(rec, signedRequest(account, testNow))
	if rec.Code != http.StatusOK || len(events.accounts) != 1 || events.accounts[0] != "acct_9|enabled" {
		t.Errorf("account.updated: %d %v", rec.Code, events.accounts)
	}

	unknown := `{"id":"evt_4","type":"charge.refunded","data":{"object":{}}}`
	rec = httptest.NewRecorder()
	h.HandleEvent(rec, signedRequest(unknown, testNow))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ignored") {
		t.Errorf("unknown type: %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_Failures(t *testing.T) {
	notFound := &mockCheckoutEvents{err: &services.Error{Code: services.CodeNotFound, Message: "purchase not found"}}
	rec := httptest.NewRecorder()
	newWebhookHandler(t, notFound).HandleEvent(rec, signedRequest(checkoutEvent(uuid.New()), testNow))
	if rec.Code != http.StatusOK {
		t.Errorf("unknown purchase should be acknowledged, got %d", rec.Code)
	}

	transient := &mockCheckoutEvents{err: errors.New("connection reset")}
	rec = httptest.NewRecorder()
	newWebhookHandler(t, transient).HandleEvent(rec, signedRequest(checkoutEvent(uuid.New()), testNow))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("transient failure should ask for redelivery, got %d", rec.Code)
	}
}
