package policy_test

import (
	"strings"
	"testing"

	"github.com/aegisgate/aegisgate/internal/policy"
	"github.com/aegisgate/aegisgate/pkg/models"
)

func highRisk() models.Assessment {
	return models.Assessment{
		RiskLevel:  models.RiskCritical,
		Confidence: 0.9,
	}
}

func TestDecideNilPolicyFailsOpen(t *testing.T) {
	v := policy.Decide(nil, highRisk())
	if v.Action != models.ActionAllow {
		t.Errorf("action = %q, want allow", v.Action)
	}
	if !v.Forward() {
		t.Error("fail-open verdict must forward")
	}
}

func TestDecideBelowThresholdAllows(t *testing.T) {
	p := &models.Policy{Name: "strict", Action: models.ActionBlock, Threshold: 0.95}

	v := policy.Decide(p, highRisk())
	if v.Action != models.ActionAllow {
		t.Errorf("action = %q, want allow below threshold", v.Action)
	}
	if !strings.Contains(v.Reason, "below policy threshold") {
		t.Errorf("reason = %q", v.Reason)
	}
}

func TestDecideAppliesConfiguredAction(t *testing.T) {
	for _, action := range []models.PolicyAction{models.ActionBlock, models.ActionAlert, models.ActionLog, models.ActionAllow} {
		p := &models.Policy{Name: "p", Action: action, Threshold: 0.5}
		v := policy.Decide(p, highRisk())
		if v.Action != action {
			t.Errorf("action = %q, want %q", v.Action, action)
		}
	}
}

func TestDecideForwarding(t *testing.T) {
	blocked := policy.Decide(&models.Policy{Name: "p", Action: models.ActionBlock, Threshold: 0.5}, highRisk())
	if blocked.Forward() {
		t.Error("block verdict must not forward")
	}
	alerted := policy.Decide(&models.Policy{Name: "p", Action: models.ActionAlert, Threshold: 0.5}, highRisk())
	if !alerted.Forward() {
		t.Error("alert verdict must forward")
	}
}

func TestDecideUnknownActionDegradesToLog(t *testing.T) {
	p := &models.Policy{Name: "p", Action: "quarantine", Threshold: 0.5}

	v := policy.Decide(p, highRisk())
	if v.Action != models.ActionLog {
		t.Errorf("action = %q, want log", v.Action)
	}
	if !strings.Contains(v.Reason, "unknown action") {
		t.Errorf("reason = %q", v.Reason)
	}
}

func TestEnabledScanners(t *testing.T) {
	registry := []string{"tool_chain_anomaly", "rate_velocity", "intent_drift"}

	if got := policy.EnabledScanners(nil, registry); len(got) != 0 {
		t.Errorf("nil policy enabled %v, want none", got)
	}

	all := policy.EnabledScanners(&models.Policy{Name: "p"}, registry)
	if len(all) != len(registry) {
		t.Errorf("empty scanner list enabled %v, want the full registry set", all)
	}

	subset := policy.EnabledScanners(&models.Policy{
		Name:     "p",
		Scanners: []string{"rate_velocity", "parameter_sensitivity"},
	}, registry)
	if !subset["rate_velocity"] {
		t.Error("declared registry-enabled scanner missing")
	}
	if subset["parameter_sensitivity"] {
		t.Error("scanner disabled in the registry must stay off")
	}
	if len(subset) != 1 {
		t.Errorf("subset = %v", subset)
	}
}
