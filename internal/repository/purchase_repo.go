package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/projectmart/backend/internal/models"
)

type PurchaseRepo struct {
	pool *pgxpool.Pool
}

func NewPurchaseRepo(pool *pgxpool.Pool) *PurchaseRepo {
	return &PurchaseRepo{pool: pool}
}

var purchaseFields = []string{
	"id", "buyer_id", "buyer_email", "seller_id", "listing_id", "status",
	"amount_paid_cents", "seller_amount_cents", "refunded_amount_cents", "currency",
	"escrow_status", "escrow_expires_at", "escrow_released_at",
	"dispute_reason", "dispute_notes", "disputed_at", "resolved_at", "resolved_by", "resolution",
	"resolution_claim_id", "resolution_claimed_at",
	"payment_capture_id", "transfer_id", "refund_id", "created_at", "updated_at",
}

// purchaseColumns renders the select list with an optional table alias. A NULL
// escrow_status reads as the empty status.
func purchaseColumns(alias string) string {
	cols := make([]string, len(purchaseFields))
	for i, f := range purchaseFields {
		if f == "escrow_status" {
			cols[i] = "COALESCE(" + alias + f + ", '')"
			continue
		}
		cols[i] = alias + f
	}
	return strings.Join(cols, ", ")
}

func scanPurchase(row pgx.Row, extra ...any) (*models.Purchase, error) {
	var p models.Purchase
	dest := []any{
		&p.ID, &p.BuyerID, &p.BuyerEmail, &p.SellerID, &p.ListingID, &p.Status,
		&p.AmountPaidCents, &p.SellerAmountCents, &p.RefundedAmountCents, &p.Currency,
		&p.EscrowStatus, &p.EscrowExpiresAt, &p.EscrowReleasedAt,
		&p.DisputeReason, &p.DisputeNotes, &p.DisputedAt, &p.ResolvedAt, &p.ResolvedBy, &p.Resolution,
		&p.ResolutionClaimID, &p.ResolutionClaimedAt,
		&p.PaymentCaptureID, &p.TransferID, &p.RefundID, &p.CreatedAt, &p.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// Create inserts a pending purchase. Checkout session creation lives outside the
// escrow engine; this is used by seeding and tests.
func (r *PurchaseRepo) Create(ctx context.Context, p *models.Purchase) error {
	if p.Status == "" {
		p.Status = models.PurchasePending
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO purchases (id, buyer_id, buyer_email, seller_id, listing_id, status, amount_paid_cents, seller_amount_cents, currency)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, p.ID, p.BuyerID, p.BuyerEmail, p.SellerID, p.ListingID, p.Status, p.AmountPaidCents, p.SellerAmountCents, p.Currency).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *PurchaseRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error) {
	return scanPurchase(r.pool.QueryRow(ctx, `SELECT `+purchaseColumns("")+` FROM purchases WHERE id = $1`, id))
}

// GetForUpdate locks the purchase row. Call within a transaction.
func (r *PurchaseRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Purchase, error) {
	return scanPurchase(tx.QueryRow(ctx, `SELECT `+purchaseColumns("")+` FROM purchases WHERE id = $1 FOR UPDATE`, id))
}

// GetCheckoutContextForUpdate locks the purchase row and loads the listing and
// seller fields the escrow policy needs.
func (r *PurchaseRepo) GetCheckoutContextForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.CheckoutContext, error) {
	var c models.CheckoutContext
	s := &c.Seller
	var payoutAccount *string
	p, err := scanPurchase(tx.QueryRow(ctx, `
		SELECT `+purchaseColumns("p.")+`,
			l.delivery_method, l.scan_status,
			s.id, s.email, s.display_name, s.total_sales, s.total_purchases, s.seller_tier, s.buyer_tier,
			s.payout_account_id, s.payouts_enabled, s.charges_enabled, s.created_at, s.updated_at
		FROM purchases p
		JOIN listings l ON l.id = p.listing_id
		JOIN users s ON s.id = p.seller_id
		WHERE p.id = $1
		FOR UPDATE OF p
	`, id), &c.DeliveryMethod, &c.ScanStatus,
		&s.ID, &s.Email, &s.DisplayName, &s.TotalSales, &s.TotalPurchases, &s.SellerTier, &s.BuyerTier,
		&payoutAccount, &s.PayoutsEnabled, &s.ChargesEnabled, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if payoutAccount != nil {
		s.PayoutAccountID = *payoutAccount
	}
	c.Purchase = *p
	return &c, nil
}

// CaptureUpdate is the escrow decision applied when a payment capture is confirmed.
type CaptureUpdate struct {
	CaptureRef       string
	EscrowStatus     models.EscrowStatus
	EscrowExpiresAt  *time.Time
	EscrowReleasedAt *time.Time
}

// ApplyCapture moves a PENDING purchase to COMPLETED with its escrow decision.
// Returns ErrStale if the purchase was already completed or failed.
func (r *PurchaseRepo) ApplyCapture(ctx context.Context, tx pgx.Tx, id uuid.UUID, u CaptureUpdate) error {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET status = 'COMPLETED',
			payment_capture_id = COALESCE(payment_capture_id, NULLIF($2, '')),
			escrow_status = $3, escrow_expires_at = $4, escrow_released_at = $5, updated_at = now()
		WHERE id = $1 AND status = 'PENDING' AND escrow_status IS NULL
	`, id, u.CaptureRef, u.EscrowStatus, u.EscrowExpiresAt, u.EscrowReleasedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// MarkFailed moves a PENDING purchase to FAILED.
func (r *PurchaseRepo) MarkFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET status = 'FAILED', updated_at = now()
		WHERE id = $1 AND status = 'PENDING'
	`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// MarkReleased moves a HOLDING purchase to RELEASED.
func (r *PurchaseRepo) MarkReleased(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET escrow_status = 'RELEASED', escrow_released_at = $2, updated_at = now()
		WHERE id = $1 AND escrow_status = 'HOLDING' AND escrow_released_at IS NULL
	`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// SetTransferID records a payout id. An existing id is never overwritten.
func (r *PurchaseRepo) SetTransferID(ctx context.Context, tx pgx.Tx, id uuid.UUID, transferID string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET transfer_id = $2, updated_at = now()
		WHERE id = $1 AND transfer_id IS NULL
	`, id, transferID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// MarkDisputed moves a HOLDING purchase to DISPUTED.
func (r *PurchaseRepo) MarkDisputed(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string, notes *string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET escrow_status = 'DISPUTED', dispute_reason = $2, dispute_notes = $3, disputed_at = $4, updated_at = now()
		WHERE id = $1 AND escrow_status = 'HOLDING'
	`, id, reason, notes, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// ClaimResolution marks a DISPUTED purchase as being resolved by claimID. A claim
// older than staleBefore is abandoned and may be taken over. Returns ErrStale if
// the purchase is not disputed or another live claim holds it.
func (r *PurchaseRepo) ClaimResolution(ctx context.Context, tx pgx.Tx, id, claimID uuid.UUID, at, staleBefore time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET resolution_claim_id = $2, resolution_claimed_at = $3, updated_at = now()
		WHERE id = $1 AND escrow_status = 'DISPUTED'
			AND (resolution_claim_id IS NULL OR resolution_claimed_at < $4)
	`, id, claimID, at, staleBefore)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// ReleaseClaim drops claimID so the dispute can be resolved again.
func (r *PurchaseRepo) ReleaseClaim(ctx context.Context, tx pgx.Tx, id, claimID uuid.UUID) error {
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET resolution_claim_id = NULL, resolution_claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND resolution_claim_id = $2 AND escrow_status = 'DISPUTED'
	`, id, claimID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// ResolutionUpdate is the terminal state written when a dispute is resolved.
type ResolutionUpdate struct {
	ClaimID       uuid.UUID
	EscrowStatus  models.EscrowStatus
	TransferID    *string
	RefundID      *string
	RefundedCents int64
	ResolvedAt    time.Time
	ResolvedBy    uuid.UUID
	Resolution    string
}

// ApplyResolution ends a dispute held by u.ClaimID. Processor ids are only filled
// when still empty.
func (r *PurchaseRepo) ApplyResolution(ctx context.Context, tx pgx.Tx, id uuid.UUID, u ResolutionUpdate) error {
	var releasedAt *time.Time
	if u.EscrowStatus == models.EscrowReleased {
		releasedAt = &u.ResolvedAt
	}
	tag, err := tx.Exec(ctx, `
		UPDATE purchases SET escrow_status = $2,
			transfer_id = COALESCE(transfer_id, $3),
			refund_id = COALESCE(refund_id, $4),
			refunded_amount_cents = $5,
			escrow_released_at = COALESCE(escrow_released_at, $6),
			resolved_at = $7, resolved_by = $8, resolution = $9,
			resolution_claim_id = NULL, resolution_claimed_at = NULL, updated_at = now()
		WHERE id = $1 AND escrow_status = 'DISPUTED' AND resolution_claim_id = $10
	`, id, u.EscrowStatus, u.TransferID, u.RefundID, u.RefundedCents, releasedAt, u.ResolvedAt, u.ResolvedBy, u.Resolution, u.ClaimID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStale
	}
	return nil
}

// ListExpiredHolding returns ids of HOLDING purchases whose hold ended at or before now.
func (r *PurchaseRepo) ListExpiredHolding(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM purchases
		WHERE escrow_status = 'HOLDING' AND escrow_expires_at <= $1
		ORDER BY escrow_expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
