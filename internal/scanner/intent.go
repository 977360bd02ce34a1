package scanner

import (
	"fmt"
	"strings"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// DetectorIntentDrift is the detector id recorded in anomaly_types.
const DetectorIntentDrift = "intent_drift"

// driftThreshold is the token-overlap similarity below which a turn's goal
// is considered sharply diverged from the session's recorded intent.
const driftThreshold = 0.2

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "to": true,
	"of": true, "in": true, "on": true, "for": true, "is": true, "it": true,
	"please": true, "can": true, "you": true, "i": true, "my": true, "me": true,
	"with": true, "that": true, "this": true, "do": true,
}

// IntentDriftDetector flags a turn whose apparent goal diverges sharply from
// the session's recorded user intent. It stays silent until the session has
// an established intent and more than one turn of history.
type IntentDriftDetector struct{}

// NewIntentDriftDetector creates the detector.
func NewIntentDriftDetector() *IntentDriftDetector {
	return &IntentDriftDetector{}
}

func (d *IntentDriftDetector) ID() string { return DetectorIntentDrift }

func (d *IntentDriftDetector) Scan(turn *models.CanonicalTurn, snap models.SessionSnapshot) ([]models.Finding, error) {
	if snap.UserIntent == "" || snap.Signals.TotalTurns < 2 {
		return nil, nil
	}
	current := turn.LatestUserMessage()
	if current == "" {
		return nil, nil
	}

	sim := jaccard(tokenize(snap.UserIntent), tokenize(current))
	if sim >= driftThreshold {
		return nil, nil
	}

	return []models.Finding{{
		Type:       DetectorIntentDrift,
		Confidence: clamp(0.7 * (1 - sim)),
		Note:       fmt.Sprintf("turn goal diverges from recorded session intent (similarity %.2f)", sim),
	}}, nil
}

func tokenize(s string) map[string]bool {
	tokens := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) < 2 || stopwords[w] {
			continue
		}
		tokens[w] = true
	}
	return tokens
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 1 // nothing to compare; treat as no drift
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
