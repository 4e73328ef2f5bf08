package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/projectmart/backend/internal/models"
)

// AuditRepo is the append-only audit log. Rows are never updated or deleted.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// AppendTx inserts an audit row inside the given transaction.
func (r *AuditRepo) AppendTx(ctx context.Context, tx pgx.Tx, e *models.AuditEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	details := e.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	return tx.QueryRow(ctx, `
		INSERT INTO audit_log (id, purchase_id, action, actor_id, from_status, to_status, details)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		RETURNING created_at
	`, e.ID, e.PurchaseID, e.Action, e.ActorID, string(e.FromStatus), string(e.ToStatus), string(details)).Scan(&e.CreatedAt)
}

// ListByPurchase returns the audit trail of a purchase, oldest first.
func (r *AuditRepo) ListByPurchase(ctx context.Context, purchaseID uuid.UUID) ([]*models.AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, purchase_id, action, actor_id, COALESCE(from_status, ''), COALESCE(to_status, ''), details, created_at
		FROM audit_log WHERE purchase_id = $1 ORDER BY seq
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.PurchaseID, &e.Action, &e.ActorID, &e.FromStatus, &e.ToStatus, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Details = details
		list = append(list, &e)
	}
	return list, rows.Err()
}
