package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/projectmart/backend/internal/models"
	"github.com/projectmart/backend/internal/payments"
	"github.com/projectmart/backend/internal/policy"
	"github.com/projectmart/backend/internal/repository"
)

// Processor event types handled by the engine.
const (
	EventCheckoutCompleted = "checkout.completed"
	EventAccountUpdated    = "account.updated"
	EventPaymentFailed     = "payment.failed"
)

// CheckoutResult describes the escrow decision taken for a captured payment.
type CheckoutResult struct {
	PurchaseID      uuid.UUID
	EscrowStatus    models.EscrowStatus
	EscrowExpiresAt *time.Time
	// Duplicate is set when the capture had already been applied.
	Duplicate bool
	// TransferID is set when the immediate payout succeeded.
	TransferID string
	// ExternalEscrowRecommended flags sales that warrant a human-mediated escrow service.
	ExternalEscrowRecommended bool
}

// CompleteCheckout applies a confirmed payment capture. The escrow decision, trust
// counters and audit row commit together; an immediate payout and notifications
// run afterwards and never undo the commit. Redelivery of the same event, or of
// a different event for an already captured purchase, is a no-op.
func (s *EscrowService) CompleteCheckout(ctx context.Context, eventID string, purchaseID uuid.UUID, captureRef string) (*CheckoutResult, error) {
	log := s.log()

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if eventID != "" {
		if err := s.Events.Reserve(ctx, tx, eventID, EventCheckoutCompleted); err != nil {
			if errors.Is(err, repository.ErrDuplicateEvent) {
				log.Info("duplicate checkout event ignored", "event_id", eventID, "purchase_id", purchaseID)
				return &CheckoutResult{PurchaseID: purchaseID, Duplicate: true}, nil
			}
			return nil, fmt.Errorf("reserve event: %w", err)
		}
	}

	cc, err := s.Purchases.GetCheckoutContextForUpdate(ctx, tx, purchaseID)
	if err != nil {
		return nil, lookupError(err)
	}
	p := cc.Purchase
	if p.Status != models.PurchasePending || p.EscrowStatus != "" {
		// Keep the event reservation so later redeliveries stop at the first check.
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		log.Info("checkout already applied", "purchase_id", purchaseID, "escrow_status", p.EscrowStatus)
		return &CheckoutResult{PurchaseID: purchaseID, EscrowStatus: p.EscrowStatus, EscrowExpiresAt: p.EscrowExpiresAt, Duplicate: true}, nil
	}

	now := s.now()
	holdHours := policy.HoldHours(cc.DeliveryMethod, cc.Seller.SellerTier, cc.ScanStatus)
	upd := repository.CaptureUpdate{
		CaptureRef:      captureRef,
		EscrowStatus:    models.EscrowHolding,
		EscrowExpiresAt: policy.ExpiresAt(now, cc.DeliveryMethod, cc.Seller.SellerTier, cc.ScanStatus),
	}
	if upd.EscrowExpiresAt == nil {
		upd.EscrowStatus = models.EscrowReleased
		upd.EscrowReleasedAt = &now
	}
	if err := s.Purchases.ApplyCapture(ctx, tx, p.ID, upd); err != nil {
		return nil, fmt.Errorf("apply capture: %w", err)
	}

	if err := s.bumpTrustCounters(ctx, tx, &p); err != nil {
		return nil, err
	}

	if err := s.Audit.AppendTx(ctx, tx, &models.AuditEntry{
		PurchaseID: p.ID,
		Action:     models.AuditCheckoutCompleted,
		ActorID:    models.SystemWebhookActorID,
		ToStatus:   upd.EscrowStatus,
		Details: auditDetails(map[string]any{
			"event_id":          eventID,
			"capture_ref":       captureRef,
			"delivery_method":   cc.DeliveryMethod,
			"seller_tier":       cc.Seller.SellerTier,
			"scan_status":       cc.ScanStatus,
			"hold_hours":        holdHours,
			"escrow_expires_at": upd.EscrowExpiresAt,
		}),
	}); err != nil {
		return nil, fmt.Errorf("audit checkout: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	p.Status = models.PurchaseCompleted
	p.EscrowStatus = upd.EscrowStatus
	p.EscrowExpiresAt = upd.EscrowExpiresAt
	p.EscrowReleasedAt = upd.EscrowReleasedAt
	if p.PaymentCaptureID == nil && captureRef != "" {
		p.PaymentCaptureID = &captureRef
	}
	log.Info("checkout completed", "purchase_id", p.ID, "escrow_status", p.EscrowStatus, "hold_hours", holdHours)

	res := &CheckoutResult{
		PurchaseID:                p.ID,
		EscrowStatus:              p.EscrowStatus,
		EscrowExpiresAt:           p.EscrowExpiresAt,
		ExternalEscrowRecommended: policy.RecommendExternalEscrow(cc.DeliveryMethod, p.AmountPaidCents, s.HighValueCents),
	}
	if p.EscrowStatus == models.EscrowReleased {
		if id, err := s.payoutSeller(ctx, &p, &cc.Seller, models.SystemWebhookActorID); err == nil {
			res.TransferID = id
		}
	}

	msgs := []Notification{
		{Kind: NotifyBuyerReceipt, PurchaseID: p.ID, Recipient: p.BuyerEmail, Data: map[string]any{
			"amount_paid_cents": p.AmountPaidCents, "escrow_status": p.EscrowStatus, "escrow_expires_at": p.EscrowExpiresAt,
			"external_escrow_recommended": res.ExternalEscrowRecommended,
		}},
		{Kind: NotifySellerSale, PurchaseID: p.ID, Recipient: cc.Seller.Email, Data: map[string]any{
			"seller_amount_cents": p.SellerAmountCents, "escrow_status": p.EscrowStatus, "escrow_expires_at": p.EscrowExpiresAt,
		}},
	}
	if res.ExternalEscrowRecommended {
		msgs = append(msgs, Notification{Kind: NotifyHighValueAlert, PurchaseID: p.ID, Recipient: s.AdminAlertEmail, Data: map[string]any{
			"amount_paid_cents": p.AmountPaidCents, "delivery_method": cc.DeliveryMethod,
		}})
	}
	notifyAll(ctx, log, s.Notifier, msgs...)
	return res, nil
}

// bumpTrustCounters increments the seller and buyer counters in place and stores
// the tier labels derived from the returned totals.
func (s *EscrowService) bumpTrustCounters(ctx context.Context, tx pgx.Tx, p *models.Purchase) error {
	sales, err := s.Users.IncrementSales(ctx, tx, p.SellerID)
	if err != nil {
		return fmt.Errorf("increment seller sales: %w", err)
	}
	if err := s.Users.SetSellerTier(ctx, tx, p.SellerID, policy.TierFor(sales)); err != nil {
		return fmt.Errorf("set seller tier: %w", err)
	}
	if p.BuyerID == nil {
		return nil
	}
	purchases, err := s.Users.IncrementPurchases(ctx, tx, *p.BuyerID)
	if err != nil {
		return fmt.Errorf("increment buyer purchases: %w", err)
	}
	if err := s.Users.SetBuyerTier(ctx, tx, *p.BuyerID, policy.TierFor(purchases)); err != nil {
		return fmt.Errorf("set buyer tier: %w", err)
	}
	return nil
}

// payoutSeller pays the seller's remaining net share and records the transfer.
// Failures are logged and audited; the ledger keeps its released status and a
// reconciliation run retries the payout.
func (s *EscrowService) payoutSeller(ctx context.Context, p *models.Purchase, seller *models.User, actor uuid.UUID) (string, error) {
	log := s.log()
	if p.HasTransfer() {
		return *p.TransferID, nil
	}
	amount := p.SellerAmountCents - s.Fees.RefundedSellerShare(p.RefundedAmountCents)
	if amount <= 0 {
		return "", nil
	}

	res, err := s.Payments.Release(ctx, payments.ReleaseRequest{
		PurchaseID:        p.ID,
		PaymentRef:        deref(p.PaymentCaptureID),
		Destination:       seller.PayoutDestination(),
		AmountCents:       amount,
		SellerAmountCents: p.SellerAmountCents,
		RefundedCents:     p.RefundedAmountCents,
	})
	if err != nil {
		log.Error("seller payout failed", "purchase_id", p.ID, "seller_id", p.SellerID, "amount_cents", amount, "error", err)
		s.appendAudit(ctx, &models.AuditEntry{
			PurchaseID: p.ID, Action: models.AuditPayoutFailed, ActorID: actor,
			Details: auditDetails(map[string]any{"amount_cents": amount, "error": err.Error()}),
		})
		return "", err
	}

	tx, err := s.Pool.Begin(ctx)
	if err == nil {
		defer tx.Rollback(ctx)
		err = s.Purchases.SetTransferID(ctx, tx, p.ID, res.TransferID)
		if err == nil {
			err = s.Audit.AppendTx(ctx, tx, &models.AuditEntry{
				PurchaseID: p.ID, Action: models.AuditPayoutSent, ActorID: actor,
				Details: auditDetails(map[string]any{"amount_cents": res.AmountCents, "transfer_id": res.TransferID}),
			})
		}
		if err == nil {
			err = tx.Commit(ctx)
		}
	}
	if err != nil {
		log.Error("payout sent but not recorded", "purchase_id", p.ID, "transfer_id", res.TransferID, "amount_cents", res.AmountCents, "error", err)
		return res.TransferID, nil
	}
	p.TransferID = &res.TransferID
	return res.TransferID, nil
}

// appendAudit writes a standalone audit row in its own transaction.
func (s *EscrowService) appendAudit(ctx context.Context, e *models.AuditEntry) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		s.log().Error("audit append failed", "purchase_id", e.PurchaseID, "action", e.Action, "error", err)
		return
	}
	defer tx.Rollback(ctx)
	if err := s.Audit.AppendTx(ctx, tx, e); err != nil {
		s.log().Error("audit append failed", "purchase_id", e.PurchaseID, "action", e.Action, "error", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.log().Error("audit append failed", "purchase_id", e.PurchaseID, "action", e.Action, "error", err)
	}
}

// MarkPaymentFailed moves a pending purchase to FAILED. Purchases that already
// left PENDING are left alone.
func (s *EscrowService) MarkPaymentFailed(ctx context.Context, eventID string, purchaseID uuid.UUID, reason string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if eventID != "" {
		if err := s.Events.Reserve(ctx, tx, eventID, EventPaymentFailed); err != nil {
			if errors.Is(err, repository.ErrDuplicateEvent) {
				return nil
			}
			return fmt.Errorf("reserve event: %w", err)
		}
	}

	p, err := s.Purchases.GetForUpdate(ctx, tx, purchaseID)
	if err != nil {
		return lookupError(err)
	}
	if p.Status != models.PurchasePending {
		return tx.Commit(ctx)
	}
	if err := s.Purchases.MarkFailed(ctx, tx, p.ID); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	if err := s.Audit.AppendTx(ctx, tx, &models.AuditEntry{
		PurchaseID: p.ID, Action: models.AuditPaymentFailed, ActorID: models.SystemWebhookActorID,
		Details: auditDetails(map[string]any{"event_id": eventID, "reason": reason}),
	}); err != nil {
		return fmt.Errorf("audit payment failed: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log().Info("payment failed", "purchase_id", p.ID, "reason", reason)
	return nil
}

// UpdatePayoutAccount applies a connected-account capability change. Unknown
// accounts are ignored so the processor stops redelivering.
func (s *EscrowService) UpdatePayoutAccount(ctx context.Context, payoutAccountID string, payoutsEnabled, chargesEnabled bool) error {
	err := s.Users.UpdatePayoutFlags(ctx, payoutAccountID, payoutsEnabled, chargesEnabled)
	if errors.Is(err, repository.ErrNotFound) {
		s.log().Warn("account update for unknown payout account", "payout_account_id", payoutAccountID)
		return nil
	}
	if err != nil {
		return err
	}
	s.log().Info("payout account updated", "payout_account_id", payoutAccountID, "payouts_enabled", payoutsEnabled, "charges_enabled", chargesEnabled)
	return nil
}
