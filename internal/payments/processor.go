package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const processorTimeout = 30 * time.Second

// TransferParams describes a payout to a connected seller account.
type TransferParams struct {
	AmountCents    int64
	Currency       string
	Destination    string
	SourceCharge   string
	PurchaseID     uuid.UUID
	IdempotencyKey string
}

// RefundParams describes a refund against the original payment. AmountCents of 0
// refunds whatever remains on the payment.
type RefundParams struct {
	PaymentRef     string
	AmountCents    int64
	Reason         string
	PurchaseID     uuid.UUID
	IdempotencyKey string
}

// Processor is the low-level payment processor API.
type Processor interface {
	ChargeForPayment(ctx context.Context, paymentRef string) (string, error)
	CreateTransfer(ctx context.Context, p TransferParams) (string, error)
	CreateRefund(ctx context.Context, p RefundParams) (string, error)
}

// ProcessorError is a non-2xx answer from the processor.
type ProcessorError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor: %d %s %s: %s", e.StatusCode, e.Type, e.Code, e.Message)
}

// StripeClient talks to a Stripe-compatible REST API with form-encoded requests.
type StripeClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewStripeClient returns a client with a bounded request timeout.
func NewStripeClient(baseURL, apiKey string) *StripeClient {
	return &StripeClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: processorTimeout},
	}
}

var _ Processor = (*StripeClient)(nil)

// ChargeForPayment resolves the charge behind a payment reference. Charge ids are
// returned as is; payment intents are looked up for their latest charge.
func (c *StripeClient) ChargeForPayment(ctx context.Context, paymentRef string) (string, error) {
	if strings.HasPrefix(paymentRef, "ch_") {
		return paymentRef, nil
	}
	var out struct {
		LatestCharge string `json:"latest_charge"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(paymentRef), nil, "", &out); err != nil {
		return "", err
	}
	if out.LatestCharge == "" {
		return "", fmt.Errorf("processor: payment %s has no charge", paymentRef)
	}
	return out.LatestCharge, nil
}

func (c *StripeClient) CreateTransfer(ctx context.Context, p TransferParams) (string, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(p.AmountCents, 10))
	form.Set("currency", p.Currency)
	form.Set("destination", p.Destination)
	if p.SourceCharge != "" {
		form.Set("source_transaction", p.SourceCharge)
	}
	form.Set("metadata[purchase_id]", p.PurchaseID.String())
	form.Set("transfer_group", "purchase_"+p.PurchaseID.String())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", form, p.IdempotencyKey, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *StripeClient) CreateRefund(ctx context.Context, p RefundParams) (string, error) {
	form := url.Values{}
	if strings.HasPrefix(p.PaymentRef, "ch_") {
		form.Set("charge", p.PaymentRef)
	} else {
		form.Set("payment_intent", p.PaymentRef)
	}
	if p.AmountCents > 0 {
		form.Set("amount", strconv.FormatInt(p.AmountCents, 10))
	}
	if p.Reason != "" {
		form.Set("metadata[reason]", p.Reason)
	}
	form.Set("metadata[purchase_id]", p.PurchaseID.String())

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/refunds", form, p.IdempotencyKey, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *StripeClient) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("processor: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("processor: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Type    string `json:"type"`
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return &ProcessorError{
			StatusCode: resp.StatusCode,
			Type:       envelope.Error.Type,
			Code:       envelope.Error.Code,
			Message:    envelope.Error.Message,
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("processor: decode %s response: %w", path, err)
	}
	return nil
}

// IsProcessorError reports whether err came back from the processor itself rather
// than from the network.
func IsProcessorError(err error) bool {
	var pe *ProcessorError
	return errors.As(err, &pe)
}
