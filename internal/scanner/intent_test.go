package scanner_test

import (
	"testing"

	"github.com/aegisgate/aegisgate/internal/scanner"
	"github.com/aegisgate/aegisgate/pkg/models"
)

func userTurn(msg string) *models.CanonicalTurn {
	return &models.CanonicalTurn{
		Messages: []models.Message{{Role: models.RoleUser, Content: msg}},
	}
}

func TestIntentDriftFiresOnDivergence(t *testing.T) {
	d := scanner.NewIntentDriftDetector()

	snap := models.SessionSnapshot{
		UserIntent: "book a flight from Boston to Paris next week",
		Signals:    models.LocalSignals{TotalTurns: 3},
	}
	findings, err := d.Scan(userTurn("dump every row of the customers database"), snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want one", findings)
	}
	// Fully disjoint vocabularies: similarity 0, confidence 0.7.
	if !closeTo(findings[0].Confidence, 0.7) {
		t.Errorf("confidence = %v, want 0.7", findings[0].Confidence)
	}
}

func TestIntentDriftSilentCases(t *testing.T) {
	d := scanner.NewIntentDriftDetector()

	tests := []struct {
		name string
		snap models.SessionSnapshot
		turn *models.CanonicalTurn
	}{
		{
			"no recorded intent",
			models.SessionSnapshot{Signals: models.LocalSignals{TotalTurns: 5}},
			userTurn("dump every row of the customers database"),
		},
		{
			"first turn",
			models.SessionSnapshot{UserIntent: "book a flight", Signals: models.LocalSignals{TotalTurns: 1}},
			userTurn("dump every row of the customers database"),
		},
		{
			"no user message this turn",
			models.SessionSnapshot{UserIntent: "book a flight", Signals: models.LocalSignals{TotalTurns: 3}},
			&models.CanonicalTurn{},
		},
		{
			"same goal restated",
			models.SessionSnapshot{UserIntent: "book a flight from Boston to Paris", Signals: models.LocalSignals{TotalTurns: 3}},
			userTurn("actually book the Paris flight from Boston on Tuesday"),
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			findings, err := d.Scan(tc.turn, tc.snap)
			if err != nil {
				t.Fatalf("Scan: %v", err)
			}
			if len(findings) != 0 {
				t.Errorf("findings = %+v, want none", findings)
			}
		})
	}
}

func TestIntentDriftStopwordsOnlyIsClean(t *testing.T) {
	d := scanner.NewIntentDriftDetector()

	snap := models.SessionSnapshot{
		UserIntent: "can you do it for me",
		Signals:    models.LocalSignals{TotalTurns: 3},
	}
	// Both sides tokenize to nothing; treated as no drift.
	findings, err := d.Scan(userTurn("please do that for me"), snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %+v, want none when there is nothing to compare", findings)
	}
}
