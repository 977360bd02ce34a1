// Package risk combines detector findings into a single risk assessment:
// one level, one aggregate confidence, and a ranked anomaly list.
package risk

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// Level thresholds are a pipeline-wide constant. Tenant control happens via
// the policy sensitivity threshold, which is a separate knob.
const (
	mediumFloor   = 0.25
	highFloor     = 0.5
	criticalFloor = 0.8
)

// maxExplanationLen bounds the concatenated explanation.
const maxExplanationLen = 512

// Aggregate is a deterministic, total function over findings. The aggregate
// confidence is the maximum across findings, never an average: a single
// high-confidence finding must not be diluted by several low-confidence
// ones. Identical input always yields identical output — ranking is by
// confidence descending with ties broken by detector declaration order,
// which is the order findings arrive in.
func Aggregate(findings []models.Finding) models.Assessment {
	if len(findings) == 0 {
		return models.Assessment{RiskLevel: models.RiskLow, AnomalyTypes: []string{}}
	}

	ranked := make([]models.Finding, len(findings))
	copy(ranked, findings)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})

	maxConf := ranked[0].Confidence
	if maxConf > 1 {
		maxConf = 1
	}

	var (
		types     []string
		seenType  = map[string]bool{}
		tools     []string
		seenTool  = map[string]bool{}
		noteParts []string
	)
	for _, f := range ranked {
		if !seenType[f.Type] {
			seenType[f.Type] = true
			types = append(types, f.Type)
		}
		for _, t := range f.AffectedTools {
			if !seenTool[t] {
				seenTool[t] = true
				tools = append(tools, t)
			}
		}
		if f.Note != "" {
			noteParts = append(noteParts, f.Note)
		}
	}

	explanation := strings.Join(noteParts, "; ")
	if len(explanation) > maxExplanationLen {
		// Back up to a rune boundary so multibyte notes never truncate into
		// an invalid UTF-8 sequence.
		cut := maxExplanationLen
		for cut > 0 && !utf8.RuneStart(explanation[cut]) {
			cut--
		}
		explanation = explanation[:cut]
	}

	return models.Assessment{
		RiskLevel:     LevelFor(maxConf),
		AnomalyTypes:  types,
		Confidence:    maxConf,
		AffectedTools: tools,
		Explanation:   explanation,
	}
}

// LevelFor maps an aggregate confidence onto the fixed risk-level scale.
func LevelFor(confidence float64) models.RiskLevel {
	switch {
	case confidence < mediumFloor:
		return models.RiskLow
	case confidence < highFloor:
		return models.RiskMedium
	case confidence < criticalFloor:
		return models.RiskHigh
	default:
		return models.RiskCritical
	}
}
