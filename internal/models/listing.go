package models

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryMethod string

const (
	DeliveryInstantDownload  DeliveryMethod = "INSTANT_DOWNLOAD"
	DeliveryRepositoryAccess DeliveryMethod = "REPOSITORY_ACCESS"
	DeliveryManualTransfer   DeliveryMethod = "MANUAL_TRANSFER"
	DeliveryDomainTransfer   DeliveryMethod = "DOMAIN_TRANSFER"
)

// ScanStatus is the malware-scan verdict for a listing's artifact.
type ScanStatus string

const (
	ScanPending    ScanStatus = "PENDING"
	ScanClean      ScanStatus = "CLEAN"
	ScanSuspicious ScanStatus = "SUSPICIOUS"
	ScanMalicious  ScanStatus = "MALICIOUS"
	ScanSkipped    ScanStatus = "SKIPPED"
)

// Known reports whether s is one of the verdicts the scan oracle produces.
func (s ScanStatus) Known() bool {
	switch s {
	case ScanPending, ScanClean, ScanSuspicious, ScanMalicious, ScanSkipped:
		return true
	}
	return false
}

type Listing struct {
	ID             uuid.UUID      `json:"id"`
	SellerID       uuid.UUID      `json:"seller_id"`
	Title          string         `json:"title"`
	PriceCents     int64          `json:"price_cents"`
	DeliveryMethod DeliveryMethod `json:"delivery_method"`
	ScanStatus     ScanStatus     `json:"scan_status"`
	ScanDetections int            `json:"scan_detections"`
	ScanEngines    int            `json:"scan_total_engines"`
	ScanHash       *string        `json:"scan_hash,omitempty"`
	ScannedAt      *time.Time     `json:"scanned_at,omitempty"`
}
