package models

import (
	"time"

	"github.com/google/uuid"
)

// EscrowStatus is the custody state of a captured payment. The zero value means
// the payment has not been captured yet.
type EscrowStatus string

const (
	EscrowHolding  EscrowStatus = "HOLDING"
	EscrowDisputed EscrowStatus = "DISPUTED"
	EscrowReleased EscrowStatus = "RELEASED"
	EscrowRefunded EscrowStatus = "REFUNDED"
)

// escrowTransitions is the forward-only state graph. Nothing re-enters HOLDING once
// it has been left.
var escrowTransitions = map[EscrowStatus][]EscrowStatus{
	"":             {EscrowHolding, EscrowReleased},
	EscrowHolding:  {EscrowDisputed, EscrowReleased},
	EscrowDisputed: {EscrowReleased, EscrowRefunded},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s EscrowStatus) CanTransitionTo(next EscrowStatus) bool {
	for _, n := range escrowTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// PurchaseStatus tracks the payment capture, independent of escrow custody.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "PENDING"
	PurchaseCompleted PurchaseStatus = "COMPLETED"
	PurchaseFailed    PurchaseStatus = "FAILED"
)

// Settlement describes how funds were finally distributed.
type Settlement string

const (
	SettlementNone        Settlement = ""
	SettlementFullRelease Settlement = "FULL_RELEASE"
	SettlementFullRefund  Settlement = "FULL_REFUND"
	SettlementSplit       Settlement = "SPLIT"
)

// Purchase is the ledger row for one transaction. It is never deleted.
type Purchase struct {
	ID                  uuid.UUID      `json:"id"`
	BuyerID             *uuid.UUID     `json:"buyer_id,omitempty"`
	BuyerEmail          string         `json:"buyer_email"`
	SellerID            uuid.UUID      `json:"seller_id"`
	ListingID           uuid.UUID      `json:"listing_id"`
	Status              PurchaseStatus `json:"status"`
	AmountPaidCents     int64          `json:"amount_paid_cents"`
	SellerAmountCents   int64          `json:"seller_amount_cents"`
	RefundedAmountCents int64          `json:"refunded_amount_cents"`
	Currency            string         `json:"currency"`

	EscrowStatus     EscrowStatus `json:"escrow_status,omitempty"`
	EscrowExpiresAt  *time.Time   `json:"escrow_expires_at,omitempty"`
	EscrowReleasedAt *time.Time   `json:"escrow_released_at,omitempty"`

	DisputeReason *string    `json:"dispute_reason,omitempty"`
	DisputeNotes  *string    `json:"dispute_notes,omitempty"`
	DisputedAt    *time.Time `json:"disputed_at,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    *uuid.UUID `json:"resolved_by,omitempty"`
	Resolution    *string    `json:"resolution,omitempty"`

	// ResolutionClaimID marks an admin resolution in flight.
	ResolutionClaimID   *uuid.UUID `json:"-"`
	ResolutionClaimedAt *time.Time `json:"-"`

	PaymentCaptureID *string `json:"payment_capture_id,omitempty"`
	TransferID       *string `json:"transfer_id,omitempty"`
	RefundID         *string `json:"refund_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PlatformFeeCents is the platform's share fixed at creation.
func (p *Purchase) PlatformFeeCents() int64 {
	return p.AmountPaidCents - p.SellerAmountCents
}

// HasTransfer reports whether a payout to the seller has been recorded.
func (p *Purchase) HasTransfer() bool { return p.TransferID != nil && *p.TransferID != "" }

// HasRefund reports whether a refund to the buyer has been recorded.
func (p *Purchase) HasRefund() bool { return p.RefundID != nil && *p.RefundID != "" }

// Settlement derives the distribution of a terminal purchase from its processor ids.
// A split settlement and a full release share the RELEASED status.
func (p *Purchase) Settlement() Settlement {
	if !p.EscrowStatus.IsTerminal() {
		return SettlementNone
	}
	switch {
	case p.EscrowStatus == EscrowRefunded:
		return SettlementFullRefund
	case p.HasRefund():
		return SettlementSplit
	default:
		return SettlementFullRelease
	}
}

// CheckoutContext is a purchase joined with the risk inputs needed at capture time.
type CheckoutContext struct {
	Purchase       Purchase
	DeliveryMethod DeliveryMethod
	ScanStatus     ScanStatus
	Seller         User
}
