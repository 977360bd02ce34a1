package risk_test

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/aegisgate/aegisgate/internal/risk"
	"github.com/aegisgate/aegisgate/pkg/models"
)

func TestAggregateEmptyFindings(t *testing.T) {
	a := risk.Aggregate(nil)

	if a.RiskLevel != models.RiskLow {
		t.Errorf("risk level = %q, want low", a.RiskLevel)
	}
	if a.AnomalyTypes == nil || len(a.AnomalyTypes) != 0 {
		t.Errorf("anomaly types = %#v, want empty non-nil slice", a.AnomalyTypes)
	}
	if a.Confidence != 0 {
		t.Errorf("confidence = %v, want 0", a.Confidence)
	}
}

func TestAggregateTakesMaxNotAverage(t *testing.T) {
	a := risk.Aggregate([]models.Finding{
		{Type: "parameter_sensitivity", Confidence: 0.9},
		{Type: "rate_velocity", Confidence: 0.1},
		{Type: "intent_drift", Confidence: 0.1},
	})

	if a.Confidence != 0.9 {
		t.Errorf("confidence = %v, want the max 0.9", a.Confidence)
	}
	if a.RiskLevel != models.RiskCritical {
		t.Errorf("risk level = %q, want critical", a.RiskLevel)
	}
}

func TestLevelFloors(t *testing.T) {
	tests := []struct {
		conf float64
		want models.RiskLevel
	}{
		{0.0, models.RiskLow},
		{0.24, models.RiskLow},
		{0.25, models.RiskMedium},
		{0.49, models.RiskMedium},
		{0.5, models.RiskHigh},
		{0.79, models.RiskHigh},
		{0.8, models.RiskCritical},
		{1.0, models.RiskCritical},
	}
	for _, tc := range tests {
		if got := risk.LevelFor(tc.conf); got != tc.want {
			t.Errorf("LevelFor(%v) = %q, want %q", tc.conf, got, tc.want)
		}
	}
}

func TestAggregateRanksTypesByConfidence(t *testing.T) {
	a := risk.Aggregate([]models.Finding{
		{Type: "tool_chain_anomaly", Confidence: 0.3, AffectedTools: []string{"delete_file"}},
		{Type: "parameter_sensitivity", Confidence: 0.9, AffectedTools: []string{"http_post"}},
		{Type: "rate_velocity", Confidence: 0.6},
	})

	want := []string{"parameter_sensitivity", "rate_velocity", "tool_chain_anomaly"}
	if !reflect.DeepEqual(a.AnomalyTypes, want) {
		t.Errorf("anomaly types = %v, want %v", a.AnomalyTypes, want)
	}
	wantTools := []string{"http_post", "delete_file"}
	if !reflect.DeepEqual(a.AffectedTools, wantTools) {
		t.Errorf("affected tools = %v, want %v", a.AffectedTools, wantTools)
	}
}

func TestAggregateTieKeepsArrivalOrder(t *testing.T) {
	a := risk.Aggregate([]models.Finding{
		{Type: "first", Confidence: 0.5},
		{Type: "second", Confidence: 0.5},
		{Type: "third", Confidence: 0.5},
	})

	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(a.AnomalyTypes, want) {
		t.Errorf("anomaly types = %v, want arrival order %v", a.AnomalyTypes, want)
	}
}

func TestAggregateDedupesRepeatedTypes(t *testing.T) {
	a := risk.Aggregate([]models.Finding{
		{Type: "parameter_sensitivity", Confidence: 0.9, Note: "aws key"},
		{Type: "parameter_sensitivity", Confidence: 0.4, Note: "email"},
	})

	if len(a.AnomalyTypes) != 1 || a.AnomalyTypes[0] != "parameter_sensitivity" {
		t.Errorf("anomaly types = %v, want deduped", a.AnomalyTypes)
	}
	if a.Explanation != "aws key; email" {
		t.Errorf("explanation = %q", a.Explanation)
	}
}

func TestAggregateCapsConfidenceAndExplanation(t *testing.T) {
	long := strings.Repeat("x", 400)
	a := risk.Aggregate([]models.Finding{
		{Type: "a", Confidence: 1.7, Note: long},
		{Type: "b", Confidence: 0.2, Note: long},
	})

	if a.Confidence != 1 {
		t.Errorf("confidence = %v, want capped at 1", a.Confidence)
	}
	if len(a.Explanation) != 512 {
		t.Errorf("explanation length = %d, want truncated to 512", len(a.Explanation))
	}
}

func TestAggregateTruncatesOnRuneBoundary(t *testing.T) {
	// 200 three-byte runes: the 512-byte cap falls inside a rune, so the
	// truncation must back up to the previous boundary.
	a := risk.Aggregate([]models.Finding{
		{Type: "a", Confidence: 0.9, Note: strings.Repeat("→", 200)},
	})

	if !utf8.ValidString(a.Explanation) {
		t.Fatal("explanation truncated mid-rune")
	}
	if len(a.Explanation) != 510 {
		t.Errorf("explanation length = %d, want 510 (last whole rune kept)", len(a.Explanation))
	}
}
