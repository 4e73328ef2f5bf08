package services

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Notification kinds.
const (
	NotifyBuyerReceipt    = "buyer_receipt"
	NotifySellerSale      = "seller_sale"
	NotifyHighValueAlert  = "admin_high_value"
	NotifyDisputeOpened   = "dispute_opened"
	NotifyDisputeResolved = "dispute_resolved"
)

// Notification is a fire-and-forget message to a buyer, seller or operator.
type Notification struct {
	Kind       string         `json:"kind"`
	PurchaseID uuid.UUID      `json:"purchase_id"`
	Recipient  string         `json:"recipient"`
	Data       map[string]any `json:"data,omitempty"`
}

// Notifier delivers or enqueues a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// notifyAll sends every notification independently. Failures are logged and never
// returned to the caller.
func notifyAll(ctx context.Context, log *slog.Logger, n Notifier, list ...Notification) {
	if n == nil {
		return
	}
	var g errgroup.Group
	for _, msg := range list {
		if msg.Recipient == "" {
			continue
		}
		g.Go(func() error {
			if err := n.Notify(ctx, msg); err != nil {
				log.Warn("notification failed", "kind", msg.Kind, "purchase_id", msg.PurchaseID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
