// Package scanner implements the behavioral detector pipeline. Each detector
// consumes the canonical turn plus a read-only session snapshot and emits
// zero or more findings with a confidence score.
//
// Detectors are independent: they run concurrently against the same
// snapshot, a detector error is recovered as "no finding", and only the
// detectors enabled by the applicable policy run at all.
package scanner

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/pkg/models"
)

// Detector is the single capability every behavioral detector implements.
// Scan must treat both arguments as read-only.
type Detector interface {
	ID() string
	Scan(turn *models.CanonicalTurn, snap models.SessionSnapshot) ([]models.Finding, error)
}

// Pipeline runs an ordered set of detectors. Declaration order is the
// tie-break order used downstream by the risk aggregator, so it is fixed at
// construction and never re-sorted.
type Pipeline struct {
	detectors []Detector
}

// NewPipeline creates a pipeline with the given detectors in declaration
// order.
func NewPipeline(detectors ...Detector) *Pipeline {
	return &Pipeline{detectors: detectors}
}

// DefaultPipeline wires the four built-in detectors.
func DefaultPipeline(rules []ChainRule) *Pipeline {
	return NewPipeline(
		NewToolChainDetector(rules),
		NewRateVelocityDetector(),
		NewParameterSensitivityDetector(),
		NewIntentDriftDetector(),
	)
}

// DetectorIDs returns the pipeline's detector ids in declaration order.
func (p *Pipeline) DetectorIDs() []string {
	ids := make([]string, len(p.detectors))
	for i, d := range p.detectors {
		ids[i] = d.ID()
	}
	return ids
}

// Run executes every enabled detector against the turn and snapshot and
// returns all findings in detector declaration order. A nil enabled set
// means no detector runs.
//
// Detector failures (error or panic) are logged and contribute no findings;
// availability wins over detection completeness on the hot path.
func (p *Pipeline) Run(ctx context.Context, turn *models.CanonicalTurn, snap models.SessionSnapshot, enabled map[string]bool) []models.Finding {
	results := make([][]models.Finding, len(p.detectors))

	var wg sync.WaitGroup
	for i, d := range p.detectors {
		if !enabled[d.ID()] {
			continue
		}
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			findings, err := scanSafely(d, turn, snap)
			if err != nil {
				log.Error().Err(err).Str("detector", d.ID()).Msg("detector failed; treating as no finding")
				return
			}
			results[i] = findings
		}(i, d)
	}
	wg.Wait()

	var all []models.Finding
	for _, findings := range results {
		all = append(all, findings...)
	}
	return all
}

func scanSafely(d Detector, turn *models.CanonicalTurn, snap models.SessionSnapshot) (findings []models.Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			findings = nil
			err = fmt.Errorf("detector %s panicked: %v", d.ID(), r)
		}
	}()
	return d.Scan(turn, snap)
}

func clamp(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
