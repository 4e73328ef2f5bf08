package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/projectmart/backend/internal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   Report
		want models.ScanStatus
	}{
		{"explicit clean", Report{Verdict: "clean", Detections: 9, TotalEngines: 10}, models.ScanClean},
		{"explicit skipped", Report{Verdict: " SKIPPED "}, models.ScanSkipped},
		{"no engines yet", Report{}, models.ScanPending},
		{"zero detections", Report{TotalEngines: 60}, models.ScanClean},
		{"one of sixty", Report{Detections: 1, TotalEngines: 60}, models.ScanSuspicious},
		{"three detections", Report{Detections: 3, TotalEngines: 60}, models.ScanMalicious},
		{"high ratio", Report{Detections: 1, TotalEngines: 4}, models.ScanMalicious},
		{"unknown verdict falls back to counts", Report{Verdict: "weird", TotalEngines: 5}, models.ScanClean},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.in))
		})
	}
}
