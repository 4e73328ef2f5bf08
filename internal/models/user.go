package models

import (
	"time"

	"github.com/google/uuid"
)

// System actors recorded in the audit log when no human caused the transition.
var (
	SystemWebhookActorID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	SystemSweepActorID   = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// TrustTier is the trust classification derived from a completed-transaction count.
type TrustTier string

const (
	TierNew      TrustTier = "NEW"
	TierVerified TrustTier = "VERIFIED"
	TierTrusted  TrustTier = "TRUSTED"
	TierElite    TrustTier = "ELITE"
)

type User struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	DisplayName     string    `json:"display_name"`
	TotalSales      int       `json:"total_sales"`
	TotalPurchases  int       `json:"total_purchases"`
	SellerTier      TrustTier `json:"seller_tier"`
	BuyerTier       TrustTier `json:"buyer_tier"`
	PayoutAccountID string    `json:"-"`
	PayoutsEnabled  bool      `json:"payouts_enabled"`
	ChargesEnabled  bool      `json:"charges_enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PayoutDestination returns the connected account funds can be transferred to, or "" if none is usable.
func (u *User) PayoutDestination() string {
	if u == nil || !u.PayoutsEnabled {
		return ""
	}
	return u.PayoutAccountID
}
