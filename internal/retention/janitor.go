// Package retention implements audit-trail retention for the gateway. It
// periodically prunes behavior events and usage logs older than their
// configured windows, archiving the pruned records to local JSONL files
// when an archive directory is configured.
package retention

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// sweepTimeout caps one retention sweep against the store.
const sweepTimeout = time.Minute

// Archiver writes pruned audit records somewhere durable before they leave
// the hot store.
type Archiver interface {
	ArchiveBehaviorEvents(ctx context.Context, events []models.BehaviorEvent) (string, error)
	ArchiveUsageLogs(ctx context.Context, logs []models.UsageLog) (string, error)
}

// Janitor periodically prunes expired audit records.
type Janitor struct {
	store    store.AuditStore
	archiver Archiver // nil means purge without archiving

	eventWindow time.Duration
	usageWindow time.Duration
	interval    time.Duration

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewJanitor creates a retention janitor. A window of zero disables pruning
// for that record kind; archiver may be nil.
func NewJanitor(s store.AuditStore, archiver Archiver, cfg config.RetentionConfig) *Janitor {
	interval := cfg.SweepInterval
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{
		store:       s,
		archiver:    archiver,
		eventWindow: cfg.EventWindow,
		usageWindow: cfg.UsageWindow,
		interval:    interval,
		done:        make(chan struct{}),
	}
}

// Enabled reports whether any retention window is configured.
func (j *Janitor) Enabled() bool {
	return j.eventWindow > 0 || j.usageWindow > 0
}

// Start launches the background sweep loop. It is a no-op when no window is
// configured.
func (j *Janitor) Start() {
	if !j.Enabled() {
		log.Info().Msg("🔕 Audit retention disabled")
		return
	}

	log.Info().
		Dur("event_window", j.eventWindow).
		Dur("usage_window", j.usageWindow).
		Dur("interval", j.interval).
		Bool("archiving", j.archiver != nil).
		Msg("🧹 Audit retention janitor started")

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		j.sweep()
		for {
			select {
			case <-j.done:
				return
			case <-ticker.C:
				j.sweep()
			}
		}
	}()
}

// Close stops the sweep loop and waits for an in-progress sweep.
func (j *Janitor) Close() {
	j.closeOnce.Do(func() { close(j.done) })
	j.wg.Wait()
}

// sweep performs one retention cycle over both record kinds.
func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	now := time.Now().UTC()
	events, usage := 0, 0

	if j.eventWindow > 0 {
		events = j.pruneEvents(ctx, now.Add(-j.eventWindow))
	}
	if j.usageWindow > 0 {
		usage = j.pruneUsage(ctx, now.Add(-j.usageWindow))
	}

	if events > 0 || usage > 0 {
		log.Info().
			Int("events", events).
			Int("usage_logs", usage).
			Msg("Retention sweep complete")
	}
}

func (j *Janitor) pruneEvents(ctx context.Context, cutoff time.Time) int {
	pruned, err := j.store.PruneBehaviorEvents(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Retention: prune behavior events failed")
		return 0
	}
	if len(pruned) == 0 {
		return 0
	}

	if j.archiver != nil {
		uri, err := j.archiver.ArchiveBehaviorEvents(ctx, pruned)
		if err != nil {
			// The records are already out of the hot store; put the
			// failure on the record rather than dropping silently.
			log.Error().Err(err).Int("count", len(pruned)).Msg("Retention: archive behavior events failed")
			return len(pruned)
		}
		log.Debug().Str("uri", uri).Int("count", len(pruned)).Msg("Behavior events archived")
	}
	return len(pruned)
}

func (j *Janitor) pruneUsage(ctx context.Context, cutoff time.Time) int {
	pruned, err := j.store.PruneUsageLogs(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Retention: prune usage logs failed")
		return 0
	}
	if len(pruned) == 0 {
		return 0
	}

	if j.archiver != nil {
		uri, err := j.archiver.ArchiveUsageLogs(ctx, pruned)
		if err != nil {
			log.Error().Err(err).Int("count", len(pruned)).Msg("Retention: archive usage logs failed")
			return len(pruned)
		}
		log.Debug().Str("uri", uri).Int("count", len(pruned)).Msg("Usage logs archived")
	}
	return len(pruned)
}
