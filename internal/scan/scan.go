// Package scan turns malware-scan oracle reports into the verdicts the escrow
// policy consumes.
package scan

import (
	"strings"

	"github.com/projectmart/backend/internal/models"
)

// Detection thresholds for reports that carry no explicit verdict.
const (
	maliciousDetections = 3
	maliciousRatio      = 0.25
)

// Report is what the scan oracle returns for one uploaded artifact.
type Report struct {
	Verdict      string `json:"verdict"`
	Detections   int    `json:"detections"`
	TotalEngines int    `json:"total_engines"`
	Hash         string `json:"hash"`
}

// Classify maps a report to a ScanStatus. An explicit known verdict wins; otherwise
// the detection counts decide.
func Classify(r Report) models.ScanStatus {
	if v := models.ScanStatus(strings.ToUpper(strings.TrimSpace(r.Verdict))); v.Known() {
		return v
	}
	if r.TotalEngines <= 0 {
		return models.ScanPending
	}
	if r.Detections <= 0 {
		return models.ScanClean
	}
	if r.Detections >= maliciousDetections || float64(r.Detections)/float64(r.TotalEngines) >= maliciousRatio {
		return models.ScanMalicious
	}
	return models.ScanSuspicious
}
