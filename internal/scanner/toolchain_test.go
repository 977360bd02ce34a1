package scanner_test

import (
	"math"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/scanner"
	"github.com/aegisgate/aegisgate/pkg/models"
)

func chainOf(tools ...string) []models.ToolCallRecord {
	chain := make([]models.ToolCallRecord, len(tools))
	for i, tool := range tools {
		chain[i] = models.ToolCallRecord{Tool: tool, ArgsDigest: "abcd1234", Timestamp: time.Now()}
	}
	return chain
}

func closeTo(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestToolChainPrivilegedWithoutAuth(t *testing.T) {
	d := scanner.NewToolChainDetector(nil)

	snap := models.SessionSnapshot{Chain: chainOf("list_files", "grant_role")}
	findings, err := d.Scan(&models.CanonicalTurn{}, snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want one", findings)
	}
	if !closeTo(findings[0].Confidence, 0.75) {
		t.Errorf("confidence = %v, want 0.75", findings[0].Confidence)
	}
	if len(findings[0].AffectedTools) != 1 || findings[0].AffectedTools[0] != "grant_role" {
		t.Errorf("affected tools = %v", findings[0].AffectedTools)
	}
}

func TestToolChainAuthorizedPrivilegeIsClean(t *testing.T) {
	d := scanner.NewToolChainDetector(nil)

	snap := models.SessionSnapshot{Chain: chainOf("login_user", "grant_role")}
	findings, err := d.Scan(&models.CanonicalTurn{}, snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %+v, want none when authorization precedes", findings)
	}
}

func TestToolChainDestructiveRepeat(t *testing.T) {
	d := scanner.NewToolChainDetector(nil)

	snap := models.SessionSnapshot{
		Chain: chainOf("delete_file", "delete_file", "delete_file", "delete_file"),
		Signals: models.LocalSignals{
			RepeatRun: 4,
			LastTool:  "delete_file",
		},
	}
	findings, err := d.Scan(&models.CanonicalTurn{}, snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %+v, want one", findings)
	}
	// 0.5 base plus 0.1 per repetition past the limit.
	if !closeTo(findings[0].Confidence, 0.7) {
		t.Errorf("confidence = %v, want 0.7", findings[0].Confidence)
	}
}

func TestToolChainBenignRepeatIsClean(t *testing.T) {
	d := scanner.NewToolChainDetector(nil)

	snap := models.SessionSnapshot{
		Chain:   chainOf("read_file", "read_file", "read_file", "read_file"),
		Signals: models.LocalSignals{RepeatRun: 4, LastTool: "read_file"},
	}
	findings, err := d.Scan(&models.CanonicalTurn{}, snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %+v, want none for a non-destructive repeat", findings)
	}
}

func TestToolChainCustomRule(t *testing.T) {
	d := scanner.NewToolChainDetector([]scanner.ChainRule{
		{ID: "busy-session", When: "repeat_run >= 2 && total_calls > 3", Confidence: 0.55, Note: "tight loop"},
	})

	snap := models.SessionSnapshot{
		Chain:   chainOf("search", "search"),
		Signals: models.LocalSignals{RepeatRun: 2, TotalCalls: 4},
	}
	turn := &models.CanonicalTurn{ToolCalls: []models.ToolCallRequest{{Name: "search"}}}

	findings, err := d.Scan(turn, snap)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 1 || findings[0].Note != "tight loop" {
		t.Fatalf("findings = %+v, want the custom rule hit", findings)
	}
	if !closeTo(findings[0].Confidence, 0.55) {
		t.Errorf("confidence = %v, want 0.55", findings[0].Confidence)
	}
}

func TestToolChainBadRuleSkipped(t *testing.T) {
	d := scanner.NewToolChainDetector([]scanner.ChainRule{
		{ID: "broken", When: "repeat_run >>> oops", Confidence: 0.9},
		{ID: "ok", When: "total_calls > 100", Confidence: 0.5},
	})

	findings, err := d.Scan(&models.CanonicalTurn{}, models.SessionSnapshot{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("findings = %+v, want none", findings)
	}
}
