// Package payments wraps the payment processor behind the two money-moving
// operations the escrow engine needs: pay the seller and refund the buyer.
package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/projectmart/backend/internal/policy"
)

var (
	// ErrPaymentFailed wraps every failure reported by, or on the way to, the processor.
	ErrPaymentFailed = errors.New("payment processing failed")
	// ErrInvalidAmount is returned before any call when an amount is out of bounds.
	ErrInvalidAmount = errors.New("invalid payment amount")
	// ErrNoDestination is returned when a payout has nowhere to go.
	ErrNoDestination = errors.New("no payout destination")
)

// ReleaseRequest pays part of the seller's net share out of a captured payment.
type ReleaseRequest struct {
	PurchaseID        uuid.UUID
	PaymentRef        string
	Destination       string
	AmountCents       int64
	SellerAmountCents int64
	RefundedCents     int64
}

type ReleaseResult struct {
	TransferID  string
	AmountCents int64
}

// RefundRequest returns money to the buyer. AmountCents of 0 means a full refund of
// whatever has not been refunded yet.
type RefundRequest struct {
	PurchaseID      uuid.UUID
	PaymentRef      string
	AmountCents     int64
	AmountPaidCents int64
	RefundedCents   int64
	Reason          string
}

type RefundResult struct {
	RefundID    string
	AmountCents int64
}

// Orchestrator enforces amount bounds and idempotency keys around a Processor.
type Orchestrator struct {
	proc     Processor
	fees     policy.FeeSchedule
	currency string
	log      *slog.Logger
}

func NewOrchestrator(proc Processor, fees policy.FeeSchedule, currency string, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if currency == "" {
		currency = "usd"
	}
	return &Orchestrator{proc: proc, fees: fees, currency: currency, log: log}
}

// MaxRelease is the most that can still be paid to the seller.
func (o *Orchestrator) MaxRelease(sellerAmountCents, refundedCents int64) int64 {
	limit := sellerAmountCents - o.fees.RefundedSellerShare(refundedCents)
	if limit < 0 {
		return 0
	}
	return limit
}

// Release transfers AmountCents to the seller's connected account, tagged with the
// purchase id. The processor deduplicates retries through the idempotency key.
func (o *Orchestrator) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	if req.Destination == "" {
		return ReleaseResult{}, ErrNoDestination
	}
	if req.AmountCents <= 0 || req.AmountCents > o.MaxRelease(req.SellerAmountCents, req.RefundedCents) {
		return ReleaseResult{}, fmt.Errorf("%w: release %d exceeds remaining seller share", ErrInvalidAmount, req.AmountCents)
	}

	charge, err := o.proc.ChargeForPayment(ctx, req.PaymentRef)
	if err != nil {
		o.log.Error("lookup charge failed", "purchase_id", req.PurchaseID, "payment_ref", req.PaymentRef, "error", err)
		return ReleaseResult{}, fmt.Errorf("%w: lookup charge: %w", ErrPaymentFailed, err)
	}
	id, err := o.proc.CreateTransfer(ctx, TransferParams{
		AmountCents:    req.AmountCents,
		Currency:       o.currency,
		Destination:    req.Destination,
		SourceCharge:   charge,
		PurchaseID:     req.PurchaseID,
		IdempotencyKey: fmt.Sprintf("purchase/%s/transfer/%d", req.PurchaseID, req.AmountCents),
	})
	if err != nil {
		o.log.Error("transfer failed", "purchase_id", req.PurchaseID, "amount_cents", req.AmountCents, "error", err)
		return ReleaseResult{}, fmt.Errorf("%w: transfer: %w", ErrPaymentFailed, err)
	}
	o.log.Info("transfer created", "purchase_id", req.PurchaseID, "transfer_id", id, "amount_cents", req.AmountCents)
	return ReleaseResult{TransferID: id, AmountCents: req.AmountCents}, nil
}

// Refund returns money to the buyer against the original payment.
func (o *Orchestrator) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	remaining := req.AmountPaidCents - req.RefundedCents
	amount := req.AmountCents
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return RefundResult{}, fmt.Errorf("%w: refund %d of remaining %d", ErrInvalidAmount, amount, remaining)
	}

	params := RefundParams{
		PaymentRef:     req.PaymentRef,
		Reason:         req.Reason,
		PurchaseID:     req.PurchaseID,
		IdempotencyKey: fmt.Sprintf("purchase/%s/refund/%d", req.PurchaseID, amount),
	}
	if amount != remaining || req.RefundedCents > 0 {
		params.AmountCents = amount
	}
	id, err := o.proc.CreateRefund(ctx, params)
	if err != nil {
		o.log.Error("refund failed", "purchase_id", req.PurchaseID, "amount_cents", amount, "error", err)
		return RefundResult{}, fmt.Errorf("%w: refund: %w", ErrPaymentFailed, err)
	}
	o.log.Info("refund created", "purchase_id", req.PurchaseID, "refund_id", id, "amount_cents", amount)
	return RefundResult{RefundID: id, AmountCents: amount}, nil
}
