package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestStripeClient_TransferRequest(t *testing.T) {
	purchaseID := uuid.New()
	var gotForm map[string]string
	var gotKey, gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payment_intents/pi_9":
			_, _ = w.Write([]byte(`{"id":"pi_9","latest_charge":"ch_9"}`))
		case "/v1/transfers":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			gotForm = map[string]string{}
			for k := range r.PostForm {
				gotForm[k] = r.PostForm.Get(k)
			}
			gotKey = r.Header.Get("Idempotency-Key")
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`{"id":"tr_9"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewStripeClient(srv.URL+"/", "sk_test")
	charge, err := c.ChargeForPayment(context.Background(), "pi_9")
	if err != nil || charge != "ch_9" {
		t.Fatalf("ChargeForPayment: %q %v", charge, err)
	}
	id, err := c.CreateTransfer(context.Background(), TransferParams{
		AmountCents: 5950, Currency: "usd", Destination: "acct_1", SourceCharge: charge,
		PurchaseID: purchaseID, IdempotencyKey: "purchase/x/transfer/5950",
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if id != "tr_9" {
		t.Errorf("transfer id: got %q", id)
	}
	if gotForm["amount"] != "5950" || gotForm["destination"] != "acct_1" || gotForm["source_transaction"] != "ch_9" {
		t.Errorf("unexpected form: %v", gotForm)
	}
	if gotForm["metadata[purchase_id]"] != purchaseID.String() {
		t.Errorf("purchase id metadata missing: %v", gotForm)
	}
	if gotKey != "purchase/x/transfer/5950" || gotAuth != "Bearer sk_test" {
		t.Errorf("headers: key=%q auth=%q", gotKey, gotAuth)
	}
}

func TestStripeClient_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"charge_already_refunded","message":"already refunded"}}`))
	}))
	defer srv.Close()

	c := NewStripeClient(srv.URL, "sk_test")
	_, err := c.CreateRefund(context.Background(), RefundParams{PaymentRef: "ch_1", PurchaseID: uuid.New()})
	if err == nil {
		t.Fatal("expected error")
	}
	pe, ok := err.(*ProcessorError)
	if !ok {
		t.Fatalf("expected *ProcessorError, got %T", err)
	}
	if pe.StatusCode != http.StatusBadRequest || pe.Code != "charge_already_refunded" {
		t.Errorf("unexpected error: %+v", pe)
	}
	if !strings.Contains(err.Error(), "already refunded") {
		t.Errorf("message lost: %v", err)
	}
}

func TestStripeClient_ChargeRefPassesThrough(t *testing.T) {
	c := NewStripeClient("http://unused.invalid", "sk")
	got, err := c.ChargeForPayment(context.Background(), "ch_abc")
	if err != nil || got != "ch_abc" {
		t.Fatalf("got %q %v", got, err)
	}
}
