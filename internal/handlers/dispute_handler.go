package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/projectmart/backend/internal/auth"
	"github.com/projectmart/backend/internal/middleware"
	"github.com/projectmart/backend/internal/models"
	"github.com/projectmart/backend/internal/services"
)

// Escrow is the subset of the escrow service used by the purchase endpoints.
type Escrow interface {
	GetPurchase(ctx context.Context, id uuid.UUID) (*models.Purchase, error)
	AuditTrail(ctx context.Context, id uuid.UUID) ([]*models.AuditEntry, error)
	OpenDispute(ctx context.Context, req services.OpenDisputeRequest) (*models.Purchase, error)
	ResolveDispute(ctx context.Context, req services.ResolveRequest) (*services.ResolveResult, error)
}

// DisputeHandler serves the buyer and admin purchase endpoints.
type DisputeHandler struct {
	Escrow Escrow
	Logger *slog.Logger
}

// --- GET /api/v1/purchases/{id} ---

type purchaseResponse struct {
	*models.Purchase
	Settlement models.Settlement `json:"settlement,omitempty"`
}

// GetPurchase returns the ledger row to its buyer, its seller or an admin.
func (h *DisputeHandler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromCtx(r.Context())
	if actor == nil {
		writeError(w, http.StatusUnauthorized, "", "unauthorized")
		return
	}
	id, ok := purchaseID(w, r)
	if !ok {
		return
	}

	p, err := h.Escrow.GetPurchase(r.Context(), id)
	if err != nil {
		writeServiceError(w, loggerOr(h.Logger), "get purchase", err)
		return
	}
	if !canView(actor, p) {
		// Same answer as a missing row so ids cannot be probed.
		writeError(w, http.StatusNotFound, services.CodeNotFound, "purchase not found")
		return
	}
	writeJSON(w, http.StatusOK, purchaseResponse{Purchase: p, Settlement: p.Settlement()})
}

func canView(a *middleware.Actor, p *models.Purchase) bool {
	if a.Role == auth.RoleAdmin || a.ID == p.SellerID {
		return true
	}
	return p.BuyerID != nil && *p.BuyerID == a.ID
}

// --- POST /api/v1/purchases/{id}/dispute ---

type openDisputeRequest struct {
	Reason string  `json:"reason"`
	Notes  *string `json:"notes"`
}

type openDisputeResponse struct {
	PurchaseID   uuid.UUID           `json:"purchase_id"`
	EscrowStatus models.EscrowStatus `json:"escrow_status"`
	DisputedAt   *time.Time          `json:"disputed_at"`
}

// OpenDispute lets the buyer freeze a held purchase.
func (h *DisputeHandler) OpenDispute(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromCtx(r.Context())
	if actor == nil {
		writeError(w, http.StatusUnauthorized, "", "unauthorized")
		return
	}
	id, ok := purchaseID(w, r)
	if !ok {
		return
	}
	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, services.CodeInvalidRequest, "invalid JSON")
		return
	}

	p, err := h.Escrow.OpenDispute(r.Context(), services.OpenDisputeRequest{
		PurchaseID: id,
		BuyerID:    actor.ID,
		Reason:     req.Reason,
		Notes:      req.Notes,
	})
	if err != nil {
		writeServiceError(w, loggerOr(h.Logger), "open dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, openDisputeResponse{PurchaseID: p.ID, EscrowStatus: p.EscrowStatus, DisputedAt: p.DisputedAt})
}

// --- POST /api/v1/admin/purchases/{id}/resolve ---

type resolveRequest struct {
	Resolution         services.Resolution `json:"resolution"`
	Notes              string              `json:"notes"`
	PartialAmountCents int64               `json:"partial_amount_cents"`
}

type resolveResponse struct {
	PurchaseID    uuid.UUID           `json:"purchase_id"`
	EscrowStatus  models.EscrowStatus `json:"escrow_status"`
	Resolution    services.Resolution `json:"resolution"`
	ResolvedAt    time.Time           `json:"resolved_at"`
	RefundID      string              `json:"refund_id,omitempty"`
	TransferID    string              `json:"transfer_id,omitempty"`
	RefundedCents int64               `json:"refunded_cents"`
	PayoutCents   int64               `json:"payout_cents"`
	PayoutPending bool                `json:"payout_pending,omitempty"`
}

// ResolveDispute settles a disputed purchase. Admin role is enforced by the router.
func (h *DisputeHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromCtx(r.Context())
	if actor == nil {
		writeError(w, http.StatusUnauthorized, "", "unauthorized")
		return
	}
	id, ok := purchaseID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, services.CodeInvalidRequest, "invalid JSON")
		return
	}

	res, err := h.Escrow.ResolveDispute(r.Context(), services.ResolveRequest{
		PurchaseID:         id,
		AdminID:            actor.ID,
		Resolution:         req.Resolution,
		Notes:              req.Notes,
		PartialAmountCents: req.PartialAmountCents,
	})
	if err != nil {
		writeServiceError(w, loggerOr(h.Logger), "resolve dispute", err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		PurchaseID:    res.PurchaseID,
		EscrowStatus:  res.EscrowStatus,
		Resolution:    res.Resolution,
		ResolvedAt:    res.ResolvedAt,
		RefundID:      res.RefundID,
		TransferID:    res.TransferID,
		RefundedCents: res.RefundedCents,
		PayoutCents:   res.PayoutCents,
		PayoutPending: res.PayoutPending,
	})
}

// --- GET /api/v1/admin/purchases/{id}/audit ---

func (h *DisputeHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := purchaseID(w, r)
	if !ok {
		return
	}
	entries, err := h.Escrow.AuditTrail(r.Context(), id)
	if err != nil {
		writeServiceError(w, loggerOr(h.Logger), "audit trail", err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase_id": id, "entries": entries})
}

func purchaseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, services.CodeInvalidRequest, "invalid purchase id")
		return uuid.Nil, false
	}
	return id, true
}
