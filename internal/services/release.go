package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/projectmart/backend/internal/models"
	"github.com/projectmart/backend/internal/policy"
)

// DefaultSweepBatch bounds how many expired holds a single sweep releases.
const DefaultSweepBatch = 100

const sweepConcurrency = 4

// ReleaseExpired releases one HOLDING purchase whose hold has ended and pays the
// seller. It reports false without side effects when the purchase is not
// releasable, so repeated sweeps are safe.
func (s *EscrowService) ReleaseExpired(ctx context.Context, purchaseID uuid.UUID) (bool, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	p, err := s.Purchases.GetForUpdate(ctx, tx, purchaseID)
	if err != nil {
		return false, lookupError(err)
	}
	now := s.now()
	if p.EscrowStatus != models.EscrowHolding || !policy.IsExpired(p.EscrowExpiresAt, now) {
		return false, nil
	}
	if err := s.Purchases.MarkReleased(ctx, tx, p.ID, now); err != nil {
		return false, fmt.Errorf("mark released: %w", err)
	}
	if err := s.Audit.AppendTx(ctx, tx, &models.AuditEntry{
		PurchaseID: p.ID,
		Action:     models.AuditEscrowReleased,
		ActorID:    models.SystemSweepActorID,
		FromStatus: models.EscrowHolding,
		ToStatus:   models.EscrowReleased,
		Details:    auditDetails(map[string]any{"escrow_expires_at": p.EscrowExpiresAt}),
	}); err != nil {
		return false, fmt.Errorf("audit release: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	p.EscrowStatus = models.EscrowReleased
	p.EscrowReleasedAt = &now
	s.log().Info("escrow hold expired, released", "purchase_id", p.ID)

	seller, err := s.Users.GetByID(ctx, p.SellerID)
	if err != nil {
		s.log().Error("load seller for payout failed", "purchase_id", p.ID, "seller_id", p.SellerID, "error", err)
		return true, nil
	}
	_, _ = s.payoutSeller(ctx, p, seller, models.SystemSweepActorID)
	return true, nil
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Released int `json:"released"`
	Failed   int `json:"failed"`
}

// SweepExpired releases up to limit purchases whose hold has ended. A failure on
// one purchase is logged and does not stop the others.
func (s *EscrowService) SweepExpired(ctx context.Context, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = DefaultSweepBatch
	}
	ids, err := s.Purchases.ListExpiredHolding(ctx, s.now(), limit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("list expired holds: %w", err)
	}

	res := SweepResult{Scanned: len(ids)}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			released, err := s.ReleaseExpired(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed++
				s.log().Error("release expired hold failed", "purchase_id", id, "error", err)
			case released:
				res.Released++
			}
			return nil
		})
	}
	_ = g.Wait()
	if res.Scanned > 0 {
		s.log().Info("escrow sweep finished", "scanned", res.Scanned, "released", res.Released, "failed", res.Failed)
	}
	return res, nil
}
