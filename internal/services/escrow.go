package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/projectmart/backend/internal/models"
	"github.com/projectmart/backend/internal/payments"
	"github.com/projectmart/backend/internal/policy"
	"github.com/projectmart/backend/internal/repository"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PurchaseStore is the purchase ledger as seen by the escrow engine.
type PurchaseStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Purchase, error)
	GetCheckoutContextForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CheckoutContext, error)
	ApplyCapture(ctx context.Context, tx pgx.Tx, id uuid.UUID, u repository.CaptureUpdate) error
	MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	MarkReleased(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	SetTransferID(ctx context.Context, tx pgx.Tx, id uuid.UUID, transferID string) error
	MarkDisputed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string, notes *string, at time.Time) error
	ClaimResolution(ctx context.Context, tx pgx.Tx, id, claimID uuid.UUID, at, staleBefore time.Time) error
	ReleaseClaim(ctx context.Context, tx pgx.Tx, id, claimID uuid.UUID) error
	ApplyResolution(ctx context.Context, tx pgx.Tx, id uuid.UUID, u repository.ResolutionUpdate) error
	ListExpiredHolding(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// UserStore holds trust counters and payout eligibility.
type UserStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	IncrementSales(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int, error)
	IncrementPurchases(ctx context.Context, tx pgx.Tx, id uuid.UUID) (int, error)
	SetSellerTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier models.TrustTier) error
	SetBuyerTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier models.TrustTier) error
	UpdatePayoutFlags(ctx context.Context, payoutAccountID string, payoutsEnabled, chargesEnabled bool) error
}

type AuditStore interface {
	AppendTx(ctx context.Context, tx pgx.Tx, e *models.AuditEntry) error
	ListByPurchase(ctx context.Context, purchaseID uuid.UUID) ([]*models.AuditEntry, error)
}

type EventStore interface {
	Reserve(ctx context.Context, tx pgx.Tx, eventID, eventType string) error
}

// Payments moves money. Implemented by *payments.Orchestrator.
type Payments interface {
	Release(ctx context.Context, req payments.ReleaseRequest) (payments.ReleaseResult, error)
	Refund(ctx context.Context, req payments.RefundRequest) (payments.RefundResult, error)
}

// EscrowService is the escrow and dispute engine. Local transactions never span
// a processor call.
type EscrowService struct {
	Pool      TxBeginner
	Purchases PurchaseStore
	Users     UserStore
	Audit     AuditStore
	Events    EventStore
	Payments  Payments
	Notifier  Notifier
	Fees      policy.FeeSchedule

	// HighValueCents is the price at which buyers are pointed to external escrow.
	HighValueCents int64
	// AdminAlertEmail receives high-value and dispute alerts; empty disables them.
	AdminAlertEmail string

	Now    func() time.Time
	Logger *slog.Logger
}

func (s *EscrowService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *EscrowService) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// GetPurchase returns the ledger row.
func (s *EscrowService) GetPurchase(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	p, err := s.Purchases.GetByID(ctx, id)
	if err != nil {
		return nil, lookupError(err)
	}
	return p, nil
}

// AuditTrail returns every recorded transition of a purchase, oldest first.
func (s *EscrowService) AuditTrail(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error) {
	if _, err := s.GetPurchase(ctx, id); err != nil {
		return nil, err
	}
	return s.Audit.ListByPurchase(ctx, id)
}

func lookupError(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return newError(CodeNotFound, "purchase not found")
	}
	return err
}

func auditDetails(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
