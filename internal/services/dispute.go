package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/projectmart/backend/internal/models"
	"github.com/projectmart/backend/internal/payments"
	"github.com/projectmart/backend/internal/policy"
	"github.com/projectmart/backend/internal/repository"
)

// Resolution is the admin decision that ends a dispute.
type Resolution string

const (
	ResolutionRefundBuyer     Resolution = "REFUND_BUYER"
	ResolutionReleaseToSeller Resolution = "RELEASE_TO_SELLER"
	ResolutionPartialRefund   Resolution = "PARTIAL_REFUND"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRefundBuyer, ResolutionReleaseToSeller, ResolutionPartialRefund:
		return true
	}
	return false
}

const maxReasonLen = 2000

type OpenDisputeRequest struct {
	PurchaseID uuid.UUID
	BuyerID    uuid.UUID
	Reason     string
	Notes      *string
}

// OpenDispute moves a purchase the buyer owns from HOLDING to DISPUTED while its
// hold is still running.
func (s *EscrowService) OpenDispute(ctx context.Context, req OpenDisputeRequest) (*models.Purchase, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" || len(reason) > maxReasonLen {
		return nil, newError(CodeInvalidRequest, "reason is required and must be at most 2000 characters")
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.Purchases.GetForUpdate(ctx, tx, req.PurchaseID)
	if err != nil {
		return nil, lookupError(err)
	}
	if p.BuyerID == nil || *p.BuyerID != req.BuyerID {
		return nil, newError(CodeForbidden, "only the buyer can dispute this purchase")
	}
	now := s.now()
	if !policy.CanDispute(p.EscrowStatus, p.EscrowExpiresAt, now) {
		return nil, newError(CodeNotEligible, "purchase is not eligible for dispute")
	}

	if err := s.Purchases.MarkDisputed(ctx, tx, p.ID, reason, req.Notes, now); err != nil {
		return nil, fmt.Errorf("mark disputed: %w", err)
	}
	if err := s.Audit.AppendTx(ctx, tx, &models.AuditEntry{
		PurchaseID: p.ID,
		Action:     models.AuditDisputeOpened,
		ActorID:    req.BuyerID,
		FromStatus: models.EscrowHolding,
		ToStatus:   models.EscrowDisputed,
		Details:    auditDetails(map[string]any{"reason": reason, "escrow_expires_at": p.EscrowExpiresAt}),
	}); err != nil {
		return nil, fmt.Errorf("audit dispute: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	p.EscrowStatus = models.EscrowDisputed
	p.DisputeReason = &reason
	p.DisputeNotes = req.Notes
	p.DisputedAt = &now
	s.log().Info("dispute opened", "purchase_id", p.ID, "buyer_id", req.BuyerID)

	msgs := []Notification{
		{Kind: NotifyDisputeOpened, PurchaseID: p.ID, Recipient: s.AdminAlertEmail, Data: map[string]any{"reason": reason}},
	}
	if seller, err := s.Users.GetByID(ctx, p.SellerID); err == nil {
		msgs = append(msgs, Notification{Kind: NotifyDisputeOpened, PurchaseID: p.ID, Recipient: seller.Email, Data: map[string]any{"reason": reason}})
	}
	notifyAll(ctx, s.log(), s.Notifier, msgs...)
	return p, nil
}

type ResolveRequest struct {
	PurchaseID         uuid.UUID
	AdminID            uuid.UUID
	Resolution         Resolution
	Notes              string
	PartialAmountCents int64
}

type ResolveResult struct {
	PurchaseID    uuid.UUID
	EscrowStatus  models.EscrowStatus
	Resolution    Resolution
	ResolvedAt    time.Time
	RefundID      string
	TransferID    string
	RefundedCents int64
	PayoutCents   int64
	// PayoutPending is set when the refund leg succeeded but the payout leg failed.
	PayoutPending bool
}

// legs is the money movement a resolution needs.
type legs struct {
	refundCents int64 // 0 means no refund leg
	fullRefund  bool
	payoutCents int64 // 0 means no payout leg
}

func (s *EscrowService) planLegs(p *models.Purchase, kind Resolution, partial int64) legs {
	switch kind {
	case ResolutionRefundBuyer:
		return legs{refundCents: p.AmountPaidCents - p.RefundedAmountCents, fullRefund: true}
	case ResolutionReleaseToSeller:
		return legs{payoutCents: p.SellerAmountCents - s.Fees.RefundedSellerShare(p.RefundedAmountCents)}
	default:
		residual := s.Fees.SellerNet(p.AmountPaidCents - partial)
		limit := p.SellerAmountCents - s.Fees.RefundedSellerShare(p.RefundedAmountCents+partial)
		return legs{refundCents: partial, payoutCents: max(min(residual, limit), 0)}
	}
}

// resolutionClaimTTL bounds how long an abandoned claim blocks a dispute.
const resolutionClaimTTL = 15 * time.Minute

// ResolveDispute settles a DISPUTED purchase. Every validation happens before the
// first processor call, and the row is claimed in its own transaction so only one
// resolution can move money for it. The refund leg runs first; if it fails nothing
// changes. A payout failure after a successful refund is logged and audited, and
// the purchase still reaches RELEASED with the refund recorded. Exactly one local
// transaction writes the outcome and its audit row.
func (s *EscrowService) ResolveDispute(ctx context.Context, req ResolveRequest) (*ResolveResult, error) {
	log := s.log()
	if !req.Resolution.Valid() {
		return nil, newError(CodeInvalidResolution, "resolution must be REFUND_BUYER, RELEASE_TO_SELLER or PARTIAL_REFUND")
	}
	if req.Resolution == ResolutionPartialRefund && req.PartialAmountCents <= 0 {
		return nil, newError(CodeInvalidPartialAmount, "partial amount must be positive")
	}

	claimID := uuid.New()
	p, err := s.claimResolution(ctx, req, claimID)
	if err != nil {
		return nil, err
	}
	abandon := func(err error) (*ResolveResult, error) {
		s.releaseClaim(ctx, p.ID, claimID)
		return nil, err
	}

	plan := s.planLegs(p, req.Resolution, req.PartialAmountCents)
	var destination string
	if plan.payoutCents > 0 && !p.HasTransfer() {
		seller, err := s.Users.GetByID(ctx, p.SellerID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return abandon(err)
		}
		destination = seller.PayoutDestination()
		if destination == "" {
			return abandon(newError(CodeNoPayoutDestination, "seller has no payout destination"))
		}
	}

	res := &ResolveResult{PurchaseID: p.ID, Resolution: req.Resolution}
	paymentRef := deref(p.PaymentCaptureID)

	// Refund leg.
	if plan.refundCents > 0 {
		if p.HasRefund() {
			res.RefundID = *p.RefundID
		} else {
			rreq := payments.RefundRequest{
				PurchaseID:      p.ID,
				PaymentRef:      paymentRef,
				AmountPaidCents: p.AmountPaidCents,
				RefundedCents:   p.RefundedAmountCents,
				Reason:          string(req.Resolution),
			}
			if !plan.fullRefund {
				rreq.AmountCents = plan.refundCents
			}
			refund, err := s.Payments.Refund(ctx, rreq)
			if err != nil {
				return abandon(paymentError(err))
			}
			res.RefundID = refund.RefundID
			res.RefundedCents = refund.AmountCents
		}
	}

	// Payout leg.
	var payoutErr error
	if plan.payoutCents > 0 {
		if p.HasTransfer() {
			res.TransferID = *p.TransferID
		} else {
			transfer, err := s.Payments.Release(ctx, payments.ReleaseRequest{
				PurchaseID:        p.ID,
				PaymentRef:        paymentRef,
				Destination:       destination,
				AmountCents:       plan.payoutCents,
				SellerAmountCents: p.SellerAmountCents,
				RefundedCents:     p.RefundedAmountCents + res.RefundedCents,
			})
			switch {
			case err == nil:
				res.TransferID = transfer.TransferID
				res.PayoutCents = transfer.AmountCents
			case res.RefundID != "":
				payoutErr = err
				res.PayoutPending = true
				log.Error("payout leg failed after refund; manual payout required",
					"purchase_id", p.ID, "refund_id", res.RefundID, "refund_cents", res.RefundedCents,
					"payout_cents", plan.payoutCents, "destination", destination, "error", err)
			default:
				return abandon(paymentError(err))
			}
		}
	}

	res.EscrowStatus = models.EscrowReleased
	if req.Resolution == ResolutionRefundBuyer {
		res.EscrowStatus = models.EscrowRefunded
	}
	res.ResolvedAt = s.now()
	summary := resolutionSummary(req.Resolution, res, plan.payoutCents, req.Notes)

	details := map[string]any{
		"resolution":    req.Resolution,
		"refund_cents":  res.RefundedCents,
		"refund_id":     res.RefundID,
		"payout_cents":  res.PayoutCents,
		"transfer_id":   res.TransferID,
		"notes":         req.Notes,
		"amount_paid":   p.AmountPaidCents,
		"seller_amount": p.SellerAmountCents,
	}
	if req.Resolution == ResolutionPartialRefund {
		details["partial_amount_cents"] = req.PartialAmountCents
	}
	if payoutErr != nil {
		details["payout_error"] = payoutErr.Error()
		details["payout_pending_cents"] = plan.payoutCents
		details["payout_destination"] = destination
	}

	if err := s.commitResolution(ctx, p, claimID, req, res, summary, details); err != nil {
		// Money moved in this call stays claimed until the claim goes stale.
		if res.RefundedCents > 0 || res.PayoutCents > 0 {
			s.recordUnrecorded(ctx, p, req, res, err)
			return nil, err
		}
		return abandon(err)
	}
	log.Info("dispute resolved", "purchase_id", p.ID, "resolution", req.Resolution,
		"escrow_status", res.EscrowStatus, "refund_id", res.RefundID, "transfer_id", res.TransferID)

	msgs := []Notification{{Kind: NotifyDisputeResolved, PurchaseID: p.ID, Recipient: p.BuyerEmail, Data: map[string]any{
		"resolution": req.Resolution, "refund_cents": res.RefundedCents,
	}}}
	if seller, err := s.Users.GetByID(ctx, p.SellerID); err == nil {
		msgs = append(msgs, Notification{Kind: NotifyDisputeResolved, PurchaseID: p.ID, Recipient: seller.Email, Data: map[string]any{
			"resolution": req.Resolution, "payout_cents": res.PayoutCents,
		}})
	}
	notifyAll(ctx, log, s.Notifier, msgs...)
	return res, nil
}

// claimResolution validates req against the locked row and marks it claimed by
// claimID. A live claim held by another call reads as NOT_DISPUTED.
func (s *EscrowService) claimResolution(ctx context.Context, req ResolveRequest, claimID uuid.UUID) (*models.Purchase, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.Purchases.GetForUpdate(ctx, tx, req.PurchaseID)
	if err != nil {
		return nil, lookupError(err)
	}
	if p.EscrowStatus != models.EscrowDisputed {
		return nil, newError(CodeNotDisputed, "purchase is not disputed")
	}
	if req.Resolution == ResolutionPartialRefund && req.PartialAmountCents >= p.AmountPaidCents-p.RefundedAmountCents {
		return nil, newError(CodeInvalidPartialAmount, "partial amount must be less than the amount paid")
	}

	now := s.now()
	if err := s.Purchases.ClaimResolution(ctx, tx, p.ID, claimID, now, now.Add(-resolutionClaimTTL)); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return nil, newError(CodeNotDisputed, "purchase is already being resolved")
		}
		return nil, fmt.Errorf("claim resolution: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	p.ResolutionClaimID = &claimID
	p.ResolutionClaimedAt = &now
	return p, nil
}

// releaseClaim drops a claim whose call moved no money.
func (s *EscrowService) releaseClaim(ctx context.Context, purchaseID, claimID uuid.UUID) {
	ctx = context.WithoutCancel(ctx)
	err := func() error {
		tx, err := s.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if err := s.Purchases.ReleaseClaim(ctx, tx, purchaseID, claimID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}()
	if err != nil {
		s.log().Warn("resolution claim not released", "purchase_id", purchaseID, "claim_id", claimID, "error", err)
	}
}

// recordUnrecorded keeps a trail of processor legs that succeeded when the
// resolution itself could not be written.
func (s *EscrowService) recordUnrecorded(ctx context.Context, p *models.Purchase, req ResolveRequest, res *ResolveResult, cause error) {
	log := s.log()
	log.Error("resolution not recorded after payment legs",
		"purchase_id", p.ID, "resolution", req.Resolution,
		"refund_id", res.RefundID, "refund_cents", res.RefundedCents,
		"transfer_id", res.TransferID, "payout_cents", res.PayoutCents, "error", cause)

	ctx = context.WithoutCancel(ctx)
	err := func() error {
		tx, err := s.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)
		if err := s.Audit.AppendTx(ctx, tx, &models.AuditEntry{
			PurchaseID: p.ID,
			Action:     models.AuditResolutionUnrecorded,
			ActorID:    req.AdminID,
			FromStatus: models.EscrowDisputed,
			Details: auditDetails(map[string]any{
				"resolution":   req.Resolution,
				"refund_id":    res.RefundID,
				"refund_cents": res.RefundedCents,
				"transfer_id":  res.TransferID,
				"payout_cents": res.PayoutCents,
				"error":        cause.Error(),
			}),
		}); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}()
	if err != nil {
		log.Error("audit of unrecorded resolution failed", "purchase_id", p.ID,
			"refund_id", res.RefundID, "transfer_id", res.TransferID, "error", err)
	}
}

// commitResolution re-locks the row, checks the claim is still ours, and writes
// the outcome with its audit row.
func (s *EscrowService) commitResolution(ctx context.Context, p *models.Purchase, claimID uuid.UUID, req ResolveRequest, res *ResolveResult, summary string, details map[string]any) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	cur, err := s.Purchases.GetForUpdate(ctx, tx, p.ID)
	if err != nil {
		return lookupError(err)
	}
	if cur.EscrowStatus != models.EscrowDisputed || cur.ResolutionClaimID == nil || *cur.ResolutionClaimID != claimID {
		return newError(CodeNotDisputed, "purchase was resolved concurrently")
	}
	if !cur.EscrowStatus.CanTransitionTo(res.EscrowStatus) {
		return fmt.Errorf("illegal escrow transition %s -> %s", cur.EscrowStatus, res.EscrowStatus)
	}

	if err := s.Purchases.ApplyResolution(ctx, tx, p.ID, repository.ResolutionUpdate{
		ClaimID:       claimID,
		EscrowStatus:  res.EscrowStatus,
		TransferID:    optional(res.TransferID),
		RefundID:      optional(res.RefundID),
		RefundedCents: cur.RefundedAmountCents + res.RefundedCents,
		ResolvedAt:    res.ResolvedAt,
		ResolvedBy:    req.AdminID,
		Resolution:    summary,
	}); err != nil {
		if errors.Is(err, repository.ErrStale) {
			return newError(CodeNotDisputed, "purchase was resolved concurrently")
		}
		return fmt.Errorf("apply resolution: %w", err)
	}
	if err := s.Audit.AppendTx(ctx, tx, &models.AuditEntry{
		PurchaseID: p.ID,
		Action:     models.AuditDisputeResolved,
		ActorID:    req.AdminID,
		FromStatus: models.EscrowDisputed,
		ToStatus:   res.EscrowStatus,
		Details:    auditDetails(details),
	}); err != nil {
		return fmt.Errorf("audit resolution: %w", err)
	}
	return tx.Commit(ctx)
}

func resolutionSummary(kind Resolution, res *ResolveResult, plannedPayout int64, notes string) string {
	var b strings.Builder
	switch kind {
	case ResolutionRefundBuyer:
		fmt.Fprintf(&b, "Refunded %d cents to buyer", res.RefundedCents)
	case ResolutionReleaseToSeller:
		fmt.Fprintf(&b, "Released %d cents to seller", res.PayoutCents)
	case ResolutionPartialRefund:
		fmt.Fprintf(&b, "Partial refund of %d cents to buyer; ", res.RefundedCents)
		if res.PayoutPending {
			fmt.Fprintf(&b, "payout of %d cents to seller failed and needs a manual retry", plannedPayout)
		} else {
			fmt.Fprintf(&b, "%d cents released to seller", res.PayoutCents)
		}
	}
	if n := strings.TrimSpace(notes); n != "" {
		b.WriteString(". Admin notes: ")
		b.WriteString(n)
	}
	return b.String()
}

func paymentError(err error) error {
	switch {
	case errors.Is(err, payments.ErrInvalidAmount):
		return wrapError(CodeInvalidPartialAmount, "amount out of bounds", err)
	case errors.Is(err, payments.ErrNoDestination):
		return wrapError(CodeNoPayoutDestination, "seller has no payout destination", err)
	default:
		return wrapError(CodePaymentProcessingFailed, "payment processing failed, try again", err)
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
