package scanner

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// DetectorToolChain is the detector id recorded in anomaly_types.
const DetectorToolChain = "tool_chain_anomaly"

// destructiveMarkers flag tool names whose repetition is inherently risky.
var destructiveMarkers = []string{
	"delete", "drop", "remove", "destroy", "terminate", "wipe", "purge", "kill",
}

// privilegedMarkers flag tools that should not appear without a preceding
// authorization step in the same session.
var privilegedMarkers = []string{
	"sudo", "escalate", "grant", "admin", "impersonate",
}

// authorizationMarkers identify tools that count as an authorization step.
var authorizationMarkers = []string{
	"auth", "login", "verify", "approve",
}

// destructiveRepeatLimit is the consecutive-call run length at which
// repetition of a destructive tool becomes a finding.
const destructiveRepeatLimit = 3

// ChainRule is a tenant-authorable expression evaluated against the session
// chain. The When expression must yield a boolean; see ruleEnv for the
// available fields.
type ChainRule struct {
	ID         string  `yaml:"id" json:"id"`
	When       string  `yaml:"when" json:"when"`
	Confidence float64 `yaml:"confidence" json:"confidence"`
	Note       string  `yaml:"note" json:"note"`
}

type compiledRule struct {
	rule    ChainRule
	program *vm.Program
}

// ruleEnv is the expression environment for chain rules.
type ruleEnv struct {
	Tools         []string `expr:"tools"`           // chain tool names, oldest first
	TurnTools     []string `expr:"turn_tools"`      // tool calls in the current turn
	TotalCalls    int      `expr:"total_calls"`
	RepeatRun     int      `expr:"repeat_run"`
	CallsInWindow int      `expr:"calls_in_window"`
	RatePerMinute float64  `expr:"rate_per_minute"`
}

// ToolChainDetector flags sequences deviating from expected call graphs:
// privileged tools invoked without a prior authorization tool, excessive
// repetition of destructive tools, and any tenant-supplied chain rules.
type ToolChainDetector struct {
	rules []compiledRule
}

// NewToolChainDetector compiles the given chain rules. A rule that fails to
// compile is dropped with a log line rather than failing construction; the
// built-in heuristics always run.
func NewToolChainDetector(rules []ChainRule) *ToolChainDetector {
	d := &ToolChainDetector{}
	for _, r := range rules {
		program, err := expr.Compile(r.When, expr.Env(ruleEnv{}), expr.AsBool())
		if err != nil {
			log.Warn().Err(err).Str("rule", r.ID).Msg("chain rule does not compile; skipping")
			continue
		}
		d.rules = append(d.rules, compiledRule{rule: r, program: program})
	}
	return d
}

func (d *ToolChainDetector) ID() string { return DetectorToolChain }

func (d *ToolChainDetector) Scan(turn *models.CanonicalTurn, snap models.SessionSnapshot) ([]models.Finding, error) {
	var findings []models.Finding

	// Privilege escalation without a preceding authorization step.
	authorized := false
	for _, rec := range snap.Chain {
		if matchesAny(rec.Tool, authorizationMarkers) {
			authorized = true
		}
		if matchesAny(rec.Tool, privilegedMarkers) && !authorized {
			findings = append(findings, models.Finding{
				Type:          DetectorToolChain,
				Confidence:    0.75,
				AffectedTools: []string{rec.Tool},
				Note:          fmt.Sprintf("privileged tool %q called with no prior authorization step", rec.Tool),
			})
			break
		}
	}

	// Excessive repetition of a destructive tool.
	if snap.Signals.RepeatRun >= destructiveRepeatLimit && matchesAny(snap.Signals.LastTool, destructiveMarkers) {
		conf := clamp(0.5 + 0.1*float64(snap.Signals.RepeatRun-destructiveRepeatLimit+1))
		findings = append(findings, models.Finding{
			Type:          DetectorToolChain,
			Confidence:    conf,
			AffectedTools: []string{snap.Signals.LastTool},
			Note:          fmt.Sprintf("destructive tool %q repeated %d times consecutively", snap.Signals.LastTool, snap.Signals.RepeatRun),
		})
	}

	// Tenant-authored chain rules.
	if len(d.rules) > 0 {
		env := buildRuleEnv(turn, snap)
		for _, cr := range d.rules {
			out, err := expr.Run(cr.program, env)
			if err != nil {
				return findings, fmt.Errorf("chain rule %s: %w", cr.rule.ID, err)
			}
			if hit, _ := out.(bool); hit {
				note := cr.rule.Note
				if note == "" {
					note = "chain rule " + cr.rule.ID + " matched"
				}
				findings = append(findings, models.Finding{
					Type:          DetectorToolChain,
					Confidence:    clamp(cr.rule.Confidence),
					AffectedTools: turnToolNames(turn),
					Note:          note,
				})
			}
		}
	}

	return findings, nil
}

func buildRuleEnv(turn *models.CanonicalTurn, snap models.SessionSnapshot) ruleEnv {
	tools := make([]string, len(snap.Chain))
	for i, rec := range snap.Chain {
		tools[i] = rec.Tool
	}
	return ruleEnv{
		Tools:         tools,
		TurnTools:     turnToolNames(turn),
		TotalCalls:    snap.Signals.TotalCalls,
		RepeatRun:     snap.Signals.RepeatRun,
		CallsInWindow: snap.Signals.CallsInWindow,
		RatePerMinute: snap.Signals.RatePerMinute,
	}
}

func turnToolNames(turn *models.CanonicalTurn) []string {
	var names []string
	for _, c := range turn.ToolCalls {
		names = append(names, c.Name)
	}
	return names
}

func matchesAny(tool string, markers []string) bool {
	lower := strings.ToLower(tool)
	for _, m := range markers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
