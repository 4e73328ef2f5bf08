package handlers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/projectmart/backend/internal/models"
	"github.com/projectmart/backend/internal/scan"
	"github.com/projectmart/backend/internal/services"
)

// ScanSecretHeader authenticates the scan oracle.
const ScanSecretHeader = "X-Scan-Secret"

// ScanRecorder stores classified scan reports.
type ScanRecorder interface {
	RecordReport(ctx context.Context, listingID uuid.UUID, r scan.Report) (models.ScanStatus, error)
}

// ScanHandler serves POST /internal/scan-results.
type ScanHandler struct {
	Scans     ScanRecorder
	Validator *services.Validator
	Secret    string
	Logger    *slog.Logger
}

type scanResultRequest struct {
	ListingID uuid.UUID `json:"listing_id"`
	scan.Report
}

func (h *ScanHandler) RecordResult(w http.ResponseWriter, r *http.Request) {
	if h.Secret == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(ScanSecretHeader)), []byte(h.Secret)) != 1 {
		writeError(w, http.StatusUnauthorized, "", "unauthorized")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, services.CodeInvalidRequest, "body too large")
		return
	}
	if err := h.Validator.Validate(services.SchemaScanReport, body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, services.CodeInvalidRequest, err.Error())
		return
	}
	var req scanResultRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, services.CodeInvalidRequest, "invalid JSON")
		return
	}

	status, err := h.Scans.RecordReport(r.Context(), req.ListingID, req.Report)
	if err != nil {
		writeServiceError(w, loggerOr(h.Logger), "record scan report", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing_id": req.ListingID, "scan_status": status})
}
