package scanner_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aegisgate/aegisgate/internal/scanner"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// stubDetector emits canned findings, or misbehaves on demand.
type stubDetector struct {
	id       string
	findings []models.Finding
	err      error
	panics   bool
}

func (d *stubDetector) ID() string { return d.id }

func (d *stubDetector) Scan(*models.CanonicalTurn, models.SessionSnapshot) ([]models.Finding, error) {
	if d.panics {
		panic("stub detector exploded")
	}
	return d.findings, d.err
}

func allEnabled(p *scanner.Pipeline) map[string]bool {
	enabled := map[string]bool{}
	for _, id := range p.DetectorIDs() {
		enabled[id] = true
	}
	return enabled
}

func TestDefaultPipelineDetectorIDs(t *testing.T) {
	p := scanner.DefaultPipeline(nil)
	want := []string{"tool_chain_anomaly", "rate_velocity", "parameter_sensitivity", "intent_drift"}

	got := p.DetectorIDs()
	if len(got) != len(want) {
		t.Fatalf("detector ids = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("detector[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunKeepsDeclarationOrder(t *testing.T) {
	p := scanner.NewPipeline(
		&stubDetector{id: "first", findings: []models.Finding{{Type: "first", Confidence: 0.1}}},
		&stubDetector{id: "second", findings: []models.Finding{{Type: "second", Confidence: 0.9}}},
		&stubDetector{id: "third", findings: []models.Finding{{Type: "third", Confidence: 0.5}}},
	)

	for i := 0; i < 20; i++ {
		findings := p.Run(context.Background(), &models.CanonicalTurn{}, models.SessionSnapshot{}, allEnabled(p))
		if len(findings) != 3 {
			t.Fatalf("findings = %+v", findings)
		}
		if findings[0].Type != "first" || findings[1].Type != "second" || findings[2].Type != "third" {
			t.Fatalf("iteration %d: findings out of declaration order: %+v", i, findings)
		}
	}
}

func TestRunSkipsDisabledDetectors(t *testing.T) {
	p := scanner.NewPipeline(
		&stubDetector{id: "on", findings: []models.Finding{{Type: "on", Confidence: 0.5}}},
		&stubDetector{id: "off", findings: []models.Finding{{Type: "off", Confidence: 0.5}}},
	)

	findings := p.Run(context.Background(), &models.CanonicalTurn{}, models.SessionSnapshot{}, map[string]bool{"on": true})
	if len(findings) != 1 || findings[0].Type != "on" {
		t.Errorf("findings = %+v, want only the enabled detector's", findings)
	}

	if got := p.Run(context.Background(), &models.CanonicalTurn{}, models.SessionSnapshot{}, nil); len(got) != 0 {
		t.Errorf("nil enabled set produced findings: %+v", got)
	}
}

func TestRunSurvivesDetectorFailures(t *testing.T) {
	p := scanner.NewPipeline(
		&stubDetector{id: "broken", err: errors.New("backend gone")},
		&stubDetector{id: "panicky", panics: true},
		&stubDetector{id: "healthy", findings: []models.Finding{{Type: "healthy", Confidence: 0.6}}},
	)

	findings := p.Run(context.Background(), &models.CanonicalTurn{}, models.SessionSnapshot{}, allEnabled(p))
	if len(findings) != 1 || findings[0].Type != "healthy" {
		t.Errorf("findings = %+v, want only the healthy detector's", findings)
	}
}
