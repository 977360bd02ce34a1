package scanner

import (
	"fmt"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// DetectorRateVelocity is the detector id recorded in anomaly_types.
const DetectorRateVelocity = "rate_velocity"

// RateVelocityDetector flags call bursts inconsistent with the session's
// historical rate. A brand-new session has no history and cannot fire.
type RateVelocityDetector struct {
	// burstFloor is the minimum calls inside the rate window before the
	// detector considers the traffic a burst at all.
	burstFloor int
	// ratio is how many times the historical per-minute rate the burst must
	// exceed to count as anomalous.
	ratio float64
}

// NewRateVelocityDetector creates the detector with its standard tuning.
func NewRateVelocityDetector() *RateVelocityDetector {
	return &RateVelocityDetector{burstFloor: 5, ratio: 2.0}
}

func (d *RateVelocityDetector) ID() string { return DetectorRateVelocity }

func (d *RateVelocityDetector) Scan(turn *models.CanonicalTurn, snap models.SessionSnapshot) ([]models.Finding, error) {
	s := snap.Signals
	if s.CallsInWindow < d.burstFloor || s.RatePerMinute <= 0 {
		return nil, nil
	}

	// CallsInWindow approximates the burst rate per minute; compare against
	// the session's lifetime average.
	burstRatio := float64(s.CallsInWindow) / s.RatePerMinute
	if burstRatio < d.ratio {
		return nil, nil
	}

	conf := clamp(0.4 + 0.1*burstRatio)
	return []models.Finding{{
		Type:          DetectorRateVelocity,
		Confidence:    conf,
		AffectedTools: lastTools(snap, 3),
		Note: fmt.Sprintf("%d calls in the last minute against a historical rate of %.2f/min",
			s.CallsInWindow, s.RatePerMinute),
	}}, nil
}

// lastTools returns up to n distinct tool names from the tail of the chain.
func lastTools(snap models.SessionSnapshot, n int) []string {
	seen := map[string]bool{}
	var tools []string
	for i := len(snap.Chain) - 1; i >= 0 && len(tools) < n; i-- {
		t := snap.Chain[i].Tool
		if !seen[t] {
			seen[t] = true
			tools = append(tools, t)
		}
	}
	return tools
}
