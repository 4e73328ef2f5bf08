package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/projectmart/backend/internal/services"
)

const (
	// SignatureHeader carries "t=<unix>,v1=<hex hmac>" for every processor event.
	SignatureHeader    = "Processor-Signature"
	signatureTolerance = 5 * time.Minute
	maxWebhookBody     = 1 << 20
)

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
	ErrStaleSignature   = errors.New("signature timestamp outside tolerance")
)

// CheckoutEvents is the subset of the escrow service the webhook drives.
type CheckoutEvents interface {
	CompleteCheckout(ctx context.Context, eventID string, purchaseID uuid.UUID, captureRef string) (*services.CheckoutResult, error)
	MarkPaymentFailed(ctx context.Context, eventID string, purchaseID uuid.UUID, reason string) error
	UpdatePayoutAccount(ctx context.Context, payoutAccountID string, payoutsEnabled, chargesEnabled bool) error
}

// WebhookHandler serves POST /webhooks/payments.
type WebhookHandler struct {
	Events    CheckoutEvents
	Validator *services.Validator
	Secret    []byte
	Now       func() time.Time
	Logger    *slog.Logger
}

type processorEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type eventMetadata struct {
	PurchaseID uuid.UUID `json:"purchase_id"`
}

type checkoutObject struct {
	ID            string        `json:"id"`
	PaymentIntent string        `json:"payment_intent"`
	Metadata      eventMetadata `json:"metadata"`
}

type paymentFailedObject struct {
	ID               string `json:"id"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	Metadata eventMetadata `json:"metadata"`
}

type accountObject struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payouts_enabled"`
	ChargesEnabled bool   `json:"charges_enabled"`
}

// HandleEvent verifies, validates and applies one processor event. Anything the
// processor should not redeliver (duplicates, unknown types, unknown purchases)
// is acknowledged with 200; transient failures return 500 so delivery is retried.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	log := loggerOr(h.Logger)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, services.CodeInvalidRequest, "body too large")
		return
	}
	if err := VerifySignature(r.Header.Get(SignatureHeader), body, h.Secret, h.now()); err != nil {
		log.Warn("webhook signature rejected", "error", err)
		writeError(w, http.StatusBadRequest, services.CodeInvalidRequest, "invalid signature")
		return
	}

	if err := h.Validator.Validate(services.SchemaEvent, body); err != nil {
		writeError(w, http.StatusBadRequest, services.CodeInvalidRequest, err.Error())
		return
	}
	var ev processorEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, services.CodeInvalidRequest, "invalid JSON")
		return
	}
	if !handledEvent(ev.Type) || !h.Validator.Has(ev.Type) {
		log.Info("webhook event type ignored", "event_id", ev.ID, "type", ev.Type)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err := h.Validator.Validate(ev.Type, ev.Data.Object); err != nil {
		writeError(w, http.StatusBadRequest, services.CodeInvalidRequest, err.Error())
		return
	}

	status, err := h.dispatch(r.Context(), &ev)
	if err != nil {
		if services.CodeOf(err) == services.CodeNotFound {
			log.Warn("webhook for unknown purchase", "event_id", ev.ID, "type", ev.Type, "error", err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		log.Error("webhook processing failed", "event_id", ev.ID, "type", ev.Type, "error", err)
		writeError(w, http.StatusInternalServerError, "", "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (h *WebhookHandler) dispatch(ctx context.Context, ev *processorEvent) (string, error) {
	switch ev.Type {
	case services.EventCheckoutCompleted:
		var obj checkoutObject
		if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
			return "", err
		}
		res, err := h.Events.CompleteCheckout(ctx, ev.ID, obj.Metadata.PurchaseID, obj.PaymentIntent)
		if err != nil {
			return "", err
		}
		if res.Duplicate {
			return "duplicate", nil
		}
		return "processed", nil

	case services.EventPaymentFailed:
		var obj paymentFailedObject
		if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
			return "", err
		}
		reason := ""
		if obj.LastPaymentError != nil {
			reason = obj.LastPaymentError.Message
		}
		return "processed", h.Events.MarkPaymentFailed(ctx, ev.ID, obj.Metadata.PurchaseID, reason)

	case services.EventAccountUpdated:
		var obj accountObject
		if err := json.Unmarshal(ev.Data.Object, &obj); err != nil {
			return "", err
		}
		return "processed", h.Events.UpdatePayoutAccount(ctx, obj.ID, obj.PayoutsEnabled, obj.ChargesEnabled)
	}
	return "ignored", nil
}

func handledEvent(t string) bool {
	switch t {
	case services.EventCheckoutCompleted, services.EventPaymentFailed, services.EventAccountUpdated:
		return true
	}
	return false
}

func (h *WebhookHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// SignPayload returns the signature header value for body at time t.
func SignPayload(secret, body []byte, t time.Time) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	return "t=" + ts + ",v1=" + computeSignature(secret, ts, body)
}

// VerifySignature checks a "t=<unix>,v1=<hex>" header against body. Any v1 entry
// may match, which allows secret rotation.
func VerifySignature(header string, body, secret []byte, now time.Time) error {
	if header == "" {
		return ErrMissingSignature
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrMissingSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if d := now.Sub(time.Unix(unix, 0)); d > signatureTolerance || d < -signatureTolerance {
		return ErrStaleSignature
	}
	want := []byte(computeSignature(secret, ts, body))
	for _, s := range sigs {
		if hmac.Equal([]byte(s), want) {
			return nil
		}
	}
	return ErrBadSignature
}

func computeSignature(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
