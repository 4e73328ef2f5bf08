package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/projectmart/backend/internal/models"
	"github.com/projectmart/backend/internal/repository"
	"github.com/projectmart/backend/internal/scan"
)

// ListingStore persists scan verdicts on listings.
type ListingStore interface {
	UpdateScan(ctx context.Context, id uuid.UUID, status models.ScanStatus, detections, engines int, hash string, at time.Time) error
}

// ScanService ingests scan oracle reports.
type ScanService struct {
	Listings ListingStore
	Logger   *slog.Logger
	Now      func() time.Time
}

// RecordReport classifies a report and stores the verdict on the listing.
func (s *ScanService) RecordReport(ctx context.Context, listingID uuid.UUID, r scan.Report) (models.ScanStatus, error) {
	status := scan.Classify(r)
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	if err := s.Listings.UpdateScan(ctx, listingID, status, r.Detections, r.TotalEngines, r.Hash, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", newError(CodeNotFound, "listing not found")
		}
		return "", err
	}
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("scan verdict recorded", "listing_id", listingID, "scan_status", status, "detections", r.Detections, "total_engines", r.TotalEngines)
	return status, nil
}
