package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/projectmart/backend/internal/models"
)

type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo {
	return &UserRepo{pool: pool}
}

const userColumns = `id, email, display_name, total_sales, total_purchases, seller_tier, buyer_tier, COALESCE(payout_account_id, ''), payouts_enabled, charges_enabled, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.TotalSales, &u.TotalPurchases, &u.SellerTier, &u.BuyerTier, &u.PayoutAccountID, &u.PayoutsEnabled, &u.ChargesEnabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *UserRepo) Create(ctx context.Context, u *models.User) error {
	if u.SellerTier == "" {
		u.SellerTier = models.TierNew
	}
	if u.BuyerTier == "" {
		u.BuyerTier = models.TierNew
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, display_name, total_sales, total_purchases, seller_tier, buyer_tier, payout_account_id, payouts_enabled, charges_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		RETURNING created_at, updated_at
	`, u.ID, u.Email, u.DisplayName, u.TotalSales, u.TotalPurchases, u.SellerTier, u.BuyerTier, u.PayoutAccountID, u.PayoutsEnabled, u.ChargesEnabled).Scan(&u.CreatedAt, &u.UpdatedAt)
}

func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

// IncrementSales atomically adds one completed sale and returns the new total.
func (r *UserRepo) IncrementSales(ctx context.Context, tx pgx.Tx, id uuid.UUID) (total int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET total_sales = total_sales + 1, updated_at = now()
		WHERE id = $1
		RETURNING total_sales
	`, id).Scan(&total)
	return total, notFound(err)
}

// IncrementPurchases atomically adds one completed purchase and returns the new total.
func (r *UserRepo) IncrementPurchases(ctx context.Context, tx pgx.Tx, id uuid.UUID) (total int, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE users SET total_purchases = total_purchases + 1, updated_at = now()
		WHERE id = $1
		RETURNING total_purchases
	`, id).Scan(&total)
	return total, notFound(err)
}

// SetSellerTier stores the tier label; a no-op when it is unchanged.
func (r *UserRepo) SetSellerTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier models.TrustTier) error {
	_, err := tx.Exec(ctx, `
		UPDATE users SET seller_tier = $2, updated_at = now() WHERE id = $1 AND seller_tier <> $2
	`, id, tier)
	return err
}

// SetBuyerTier stores the tier label; a no-op when it is unchanged.
func (r *UserRepo) SetBuyerTier(ctx context.Context, tx pgx.Tx, id uuid.UUID, tier models.TrustTier) error {
	_, err := tx.Exec(ctx, `
		UPDATE users SET buyer_tier = $2, updated_at = now() WHERE id = $1 AND buyer_tier <> $2
	`, id, tier)
	return err
}

// UpdatePayoutFlags sets the processor capability flags for the owner of a
// connected account. Returns ErrNotFound when no user owns the account.
func (r *UserRepo) UpdatePayoutFlags(ctx context.Context, payoutAccountID string, payoutsEnabled, chargesEnabled bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE users SET payouts_enabled = $2, charges_enabled = $3, updated_at = now()
		WHERE payout_account_id = $1
	`, payoutAccountID, payoutsEnabled, chargesEnabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
