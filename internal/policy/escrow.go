// Package policy decides how long captured funds stay in escrow. Everything here is
// pure: no I/O and no clock reads except where the caller passes "now".
package policy

import (
	"time"

	"github.com/projectmart/backend/internal/models"
)

// Hold durations in hours by risk profile.
const (
	InstantHours          = 0
	LowRiskDownloadHours  = 24
	HighRiskDownloadHours = 72
	RepositoryHours       = 72
	ManualTransferHours   = 168
	DomainTransferHours   = 336
	FallbackHours         = 168
)

// DefaultHighValueCents is the total price at or above which an external escrow
// service is recommended.
const DefaultHighValueCents int64 = 500000

// HoldHours returns the escrow hold in hours for a sale. Zero means the funds are
// released immediately at checkout.
func HoldHours(method models.DeliveryMethod, sellerTier models.TrustTier, scan models.ScanStatus) int {
	switch method {
	case models.DeliveryInstantDownload:
		established := sellerTier != "" && sellerTier != models.TierNew
		switch {
		case established && scan == models.ScanClean:
			return InstantHours
		case !established || scan == models.ScanPending || !scan.Known():
			return HighRiskDownloadHours
		default:
			return LowRiskDownloadHours
		}
	case models.DeliveryRepositoryAccess:
		return RepositoryHours
	case models.DeliveryManualTransfer:
		return ManualTransferHours
	case models.DeliveryDomainTransfer:
		return DomainTransferHours
	}
	return FallbackHours
}

// HoldDuration is HoldHours as a time.Duration.
func HoldDuration(method models.DeliveryMethod, sellerTier models.TrustTier, scan models.ScanStatus) time.Duration {
	return time.Duration(HoldHours(method, sellerTier, scan)) * time.Hour
}

// ExpiresAt returns when the hold lapses, or nil for an immediate release.
func ExpiresAt(now time.Time, method models.DeliveryMethod, sellerTier models.TrustTier, scan models.ScanStatus) *time.Time {
	d := HoldDuration(method, sellerTier, scan)
	if d == 0 {
		return nil
	}
	t := now.Add(d).UTC()
	return &t
}

// IsExpired is true when there is no hold left: expiresAt is nil or not after now.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	return expiresAt == nil || !now.Before(*expiresAt)
}

// CanDispute is true only for a purchase still in HOLDING whose hold has not lapsed.
// An immediately released purchase has no expiry and is never disputable here.
func CanDispute(status models.EscrowStatus, expiresAt *time.Time, now time.Time) bool {
	if status != models.EscrowHolding || expiresAt == nil {
		return false
	}
	return now.Before(*expiresAt)
}

// RecommendExternalEscrow flags sales that should also be pointed at a human-mediated
// escrow service.
func RecommendExternalEscrow(method models.DeliveryMethod, totalCents, highValueCents int64) bool {
	if highValueCents <= 0 {
		highValueCents = DefaultHighValueCents
	}
	return method == models.DeliveryDomainTransfer || totalCents >= highValueCents
}
