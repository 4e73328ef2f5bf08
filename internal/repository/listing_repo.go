package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/projectmart/backend/internal/models"
)

type ListingRepo struct {
	pool *pgxpool.Pool
}

func NewListingRepo(pool *pgxpool.Pool) *ListingRepo {
	return &ListingRepo{pool: pool}
}

func (r *ListingRepo) Create(ctx context.Context, l *models.Listing) error {
	if l.ScanStatus == "" {
		l.ScanStatus = models.ScanPending
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO listings (id, seller_id, title, price_cents, delivery_method, scan_status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.ID, l.SellerID, l.Title, l.PriceCents, l.DeliveryMethod, l.ScanStatus)
	return err
}

func (r *ListingRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Listing, error) {
	var l models.Listing
	err := r.pool.QueryRow(ctx, `
		SELECT id, seller_id, title, price_cents, delivery_method, scan_status, scan_detections, scan_engines, scan_hash, scanned_at
		FROM listings WHERE id = $1
	`, id).Scan(&l.ID, &l.SellerID, &l.Title, &l.PriceCents, &l.DeliveryMethod, &l.ScanStatus, &l.ScanDetections, &l.ScanEngines, &l.ScanHash, &l.ScannedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

// UpdateScan stores the latest scan verdict for a listing's artifact.
func (r *ListingRepo) UpdateScan(ctx context.Context, id uuid.UUID, status models.ScanStatus, detections, engines int, hash string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE listings SET scan_status = $2, scan_detections = $3, scan_engines = $4, scan_hash = NULLIF($5, ''), scanned_at = $6
		WHERE id = $1
	`, id, status, detections, engines, hash, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
