package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// WebhookEventRepo records processed processor event ids.
type WebhookEventRepo struct{}

func NewWebhookEventRepo() *WebhookEventRepo {
	return &WebhookEventRepo{}
}

// Reserve records eventID inside tx. It returns ErrDuplicateEvent when the event
// was already handled, so the caller can roll back and treat the delivery as a no-op.
func (r *WebhookEventRepo) Reserve(ctx context.Context, tx pgx.Tx, eventID, eventType string) error {
	_, err := tx.Exec(ctx, `INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2)`, eventID, eventType)
	if isUniqueViolation(err) {
		return ErrDuplicateEvent
	}
	return err
}
