package policy

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultFeeRate is the platform's cut of each sale.
var DefaultFeeRate = decimal.RequireFromString("0.15")

// FeeSchedule computes the platform fee on an amount in cents.
type FeeSchedule struct {
	Rate decimal.Decimal
}

// NewFeeSchedule parses a rate such as "0.15". An empty string yields the default.
func NewFeeSchedule(rate string) (FeeSchedule, error) {
	if rate == "" {
		return FeeSchedule{Rate: DefaultFeeRate}, nil
	}
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return FeeSchedule{}, fmt.Errorf("policy: parse fee rate %q: %w", rate, err)
	}
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return FeeSchedule{}, fmt.Errorf("policy: fee rate %s out of range [0,1)", r)
	}
	return FeeSchedule{Rate: r}, nil
}

// PlatformFee is floor(amount * rate).
func (f FeeSchedule) PlatformFee(amountCents int64) int64 {
	if amountCents <= 0 {
		return 0
	}
	return decimal.NewFromInt(amountCents).Mul(f.Rate).Floor().IntPart()
}

// SellerNet is what the seller receives for amountCents after the platform fee.
func (f FeeSchedule) SellerNet(amountCents int64) int64 {
	return amountCents - f.PlatformFee(amountCents)
}

// RefundedSellerShare is the part of the seller's net consumed by refunding
// refundCents to the buyer. It rounds the platform's share up, so that
// SellerNet(paid-refund) never exceeds SellerNet(paid)-RefundedSellerShare(refund).
func (f FeeSchedule) RefundedSellerShare(refundCents int64) int64 {
	if refundCents <= 0 {
		return 0
	}
	platform := decimal.NewFromInt(refundCents).Mul(f.Rate).Ceil().IntPart()
	return refundCents - platform
}
