package scanner_test

import (
	"testing"

	"github.com/aegisgate/aegisgate/internal/scanner"
	"github.com/aegisgate/aegisgate/pkg/models"
)

func TestRateVelocityBurstFires(t *testing.T) {
	d := scanner.NewRateVelocityDetector()

	snap := models.SessionSnapshot{
		Chain:   chainOf("search", "search", "fetch_url", "fetch_url", "fetch_url"),
		Signals: models.LocalSignals{CallsInWindow: 5, RatePerMinute: 1.0},
	}
	findings, err := d.Scan(&models.CanonicalTurn{}, snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want one", findings)
	}
	// burst ratio 5.0 against a floor of 2.0
	if !closeTo(findings[0].Confidence, 0.9) {
		t.Errorf("confidence = %v, want 0.9", findings[0].Confidence)
	}
	if len(findings[0].AffectedTools) != 2 {
		t.Errorf("affected tools = %v, want the two distinct tail tools", findings[0].AffectedTools)
	}
}

func TestRateVelocityConfidenceClamped(t *testing.T) {
	d := scanner.NewRateVelocityDetector()

	snap := models.SessionSnapshot{
		Signals: models.LocalSignals{CallsInWindow: 40, RatePerMinute: 1.0},
	}
	findings, err := d.Scan(&models.CanonicalTurn{}, snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 || findings[0].Confidence != 1.0 {
		t.Errorf("findings = %+v, want confidence clamped to 1.0", findings)
	}
}

func TestRateVelocitySilentCases(t *testing.T) {
	d := scanner.NewRateVelocityDetector()

	tests := []struct {
		name    string
		signals models.LocalSignals
	}{
		{"below burst floor", models.LocalSignals{CallsInWindow: 4, RatePerMinute: 0.5}},
		{"no history", models.LocalSignals{CallsInWindow: 10, RatePerMinute: 0}},
		{"burst consistent with rate", models.LocalSignals{CallsInWindow: 6, RatePerMinute: 5.0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			findings, err := d.Scan(&models.CanonicalTurn{}, models.SessionSnapshot{Signals: tc.signals})
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if len(findings) != 0 {
				t.Errorf("findings = %+v, want none", findings)
			}
		})
	}
}
