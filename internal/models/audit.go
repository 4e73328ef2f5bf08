package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Audit log actions.
const (
	AuditCheckoutCompleted = "CHECKOUT_COMPLETED"
	AuditPaymentFailed     = "PAYMENT_FAILED"
	AuditEscrowReleased    = "ESCROW_RELEASED"
	AuditPayoutSent        = "PAYOUT_SENT"
	AuditPayoutFailed      = "PAYOUT_FAILED"
	AuditDisputeOpened     = "DISPUTE_OPENED"
	AuditDisputeResolved   = "DISPUTE_RESOLVED"

	// AuditResolutionUnrecorded records money moved by a resolution whose
	// ledger write failed.
	AuditResolutionUnrecorded = "RESOLUTION_UNRECORDED"
)

// AuditEntry is one append-only row of the audit log. Details holds action specific
// data such as amounts and processor ids.
type AuditEntry struct {
	ID         uuid.UUID       `json:"id"`
	PurchaseID uuid.UUID       `json:"purchase_id"`
	Action     string          `json:"action"`
	ActorID    uuid.UUID       `json:"actor_id"`
	FromStatus EscrowStatus    `json:"from_status,omitempty"`
	ToStatus   EscrowStatus    `json:"to_status,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
