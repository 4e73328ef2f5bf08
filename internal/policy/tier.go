package policy

import "github.com/projectmart/backend/internal/models"

// Completed-transaction counts at which each tier begins.
const (
	VerifiedThreshold = 3
	TrustedThreshold  = 15
	EliteThreshold    = 50
)

// TierFor maps a completed sale (or purchase) count to its trust tier.
func TierFor(count int) models.TrustTier {
	switch {
	case count >= EliteThreshold:
		return models.TierElite
	case count >= TrustedThreshold:
		return models.TierTrusted
	case count >= VerifiedThreshold:
		return models.TierVerified
	default:
		return models.TierNew
	}
}
