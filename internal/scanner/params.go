package scanner

import (
	"fmt"
	"regexp"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// DetectorParameterSensitivity is the detector id recorded in anomaly_types.
const DetectorParameterSensitivity = "parameter_sensitivity"

// sensitivePattern is one compiled signature over tool arguments.
type sensitivePattern struct {
	name       string
	re         *regexp.Regexp
	confidence float64
}

var sensitivePatterns = []sensitivePattern{
	{"aws_access_key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), 0.9},
	{"private_key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`), 0.9},
	{"bearer_token", regexp.MustCompile(`\b(sk|pk|rk)-[A-Za-z0-9_\-]{20,}\b`), 0.85},
	{"password_assignment", regexp.MustCompile(`(?i)\b(password|passwd|secret)["']?\s*[:=]\s*["']?[^\s"']{6,}`), 0.8},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), 0.6},
	{"credit_card", regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`), 0.6},
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), 0.4},
	// Exfiltration-shaped payload: a long opaque blob in a tool argument.
	{"encoded_blob", regexp.MustCompile(`\b[A-Za-z0-9+/]{200,}={0,2}\b`), 0.65},
}

// ParameterSensitivityDetector flags tool arguments matching sensitive-data
// signatures: credentials, identifiers, and exfiltration-shaped payloads.
type ParameterSensitivityDetector struct{}

// NewParameterSensitivityDetector creates the detector.
func NewParameterSensitivityDetector() *ParameterSensitivityDetector {
	return &ParameterSensitivityDetector{}
}

func (d *ParameterSensitivityDetector) ID() string { return DetectorParameterSensitivity }

func (d *ParameterSensitivityDetector) Scan(turn *models.CanonicalTurn, snap models.SessionSnapshot) ([]models.Finding, error) {
	var findings []models.Finding
	for _, call := range turn.ToolCalls {
		for _, p := range sensitivePatterns {
			if p.re.MatchString(call.Arguments) {
				findings = append(findings, models.Finding{
					Type:          DetectorParameterSensitivity,
					Confidence:    p.confidence,
					AffectedTools: []string{call.Name},
					Note:          fmt.Sprintf("tool %q arguments match %s pattern", call.Name, p.name),
				})
			}
		}
	}
	return findings, nil
}
