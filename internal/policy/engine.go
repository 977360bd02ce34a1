// Package policy evaluates the tenant's active policy against an aggregated
// risk assessment to produce the enforcement verdict.
package policy

import (
	"fmt"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// Decide is a pure function of (policy, assessment).
//
// A nil policy — no active policy for the tenant, or the policy store being
// unreachable — fails open: the verdict is allow with a log-equivalent audit
// trail. Below the policy's sensitivity threshold the tenant has explicitly
// opted out of enforcement, so the verdict is allow regardless of the
// configured action.
func Decide(p *models.Policy, a models.Assessment) models.Verdict {
	if p == nil {
		return models.Verdict{
			Action: models.ActionAllow,
			Reason: "no active policy; fail-open",
		}
	}

	if a.Confidence < p.Threshold {
		return models.Verdict{
			Action: models.ActionAllow,
			Reason: fmt.Sprintf("confidence %.2f below policy threshold %.2f", a.Confidence, p.Threshold),
		}
	}

	reason := fmt.Sprintf("policy %q action %s at risk %s (confidence %.2f)",
		p.Name, p.Action, a.RiskLevel, a.Confidence)

	switch p.Action {
	case models.ActionBlock, models.ActionAlert, models.ActionLog, models.ActionAllow:
		return models.Verdict{Action: p.Action, Reason: reason}
	default:
		// Unknown configured action degrades to log rather than inventing
		// an enforcement decision.
		return models.Verdict{Action: models.ActionLog, Reason: reason + "; unknown action treated as log"}
	}
}

// EnabledScanners intersects the policy's declared scanner subset with the
// registry-enabled set. A policy that declares no scanners opts into every
// registry-enabled one. A nil policy enables nothing (no scan on the
// fail-open path is a policy decision, not an error).
func EnabledScanners(p *models.Policy, registryEnabled []string) map[string]bool {
	enabled := map[string]bool{}
	if p == nil {
		return enabled
	}
	registry := map[string]bool{}
	for _, id := range registryEnabled {
		registry[id] = true
	}
	if len(p.Scanners) == 0 {
		return registry
	}
	for _, id := range p.Scanners {
		if registry[id] {
			enabled[id] = true
		}
	}
	return enabled
}
