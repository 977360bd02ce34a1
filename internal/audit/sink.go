// Package audit decouples audit writes from the request/response lifecycle.
// The forwarding core enqueues one record per evaluated request; a worker
// drains the queue and writes the behavior event, the usage log, and the
// quota increment with bounded retries.
//
// Writes are fire-and-forget from the request's perspective but never
// silently dropped: a record that exhausts its retries is logged in full.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// queueDepth bounds how many pending audit records the sink buffers before
// Enqueue starts reporting backpressure.
const queueDepth = 1024

// writeTimeout caps one store write attempt.
const writeTimeout = 5 * time.Second

// Record is everything the AUDITED stage emits for one request: always one
// usage log, plus a behavior event and a quota increment when a turn was
// actually evaluated for an authenticated agent.
type Record struct {
	Usage *models.UsageLog
	Event *models.BehaviorEvent
	// QuotaAgentID, when non-empty, receives exactly one quota increment.
	QuotaAgentID string
}

// Notifier delivers alert-verdict events to an external channel.
type Notifier interface {
	Enabled() bool
	Notify(ctx context.Context, ev *models.BehaviorEvent) error
}

// Sink is the asynchronous audit writer.
type Sink struct {
	store    store.Store
	notifier Notifier
	queue    chan Record

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSink starts the sink's worker. notifier may be nil.
func NewSink(s store.Store, notifier Notifier) *Sink {
	sink := &Sink{
		store:    s,
		notifier: notifier,
		queue:    make(chan Record, queueDepth),
	}
	sink.wg.Add(1)
	go sink.drain()
	return sink
}

// Enqueue hands a record to the worker. It never blocks the caller: when
// the queue is full the record is written synchronously instead, trading a
// little latency for not losing audit data.
func (s *Sink) Enqueue(rec Record) {
	select {
	case s.queue <- rec:
	default:
		log.Warn().Msg("audit queue full; writing record inline")
		s.write(rec)
	}
}

// Close stops accepting records and drains what is already queued.
func (s *Sink) Close() {
	s.closeOnce.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for rec := range s.queue {
		s.write(rec)
	}
}

func (s *Sink) write(rec Record) {
	if rec.Usage != nil {
		s.retry("usage log", func(ctx context.Context) error {
			return s.store.AppendUsageLog(ctx, rec.Usage)
		})
	}
	if rec.Event != nil {
		s.retry("behavior event", func(ctx context.Context) error {
			return s.store.AppendBehaviorEvent(ctx, rec.Event)
		})
		if rec.Event.Action == models.ActionAlert && s.notifier != nil && s.notifier.Enabled() {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			if err := s.notifier.Notify(ctx, rec.Event); err != nil {
				log.Warn().Err(err).Str("event", rec.Event.ID).Msg("alert notification failed")
			}
			cancel()
		}
	}
	if rec.QuotaAgentID != "" {
		s.retry("quota increment", func(ctx context.Context) error {
			return s.store.IncrementQuota(ctx, rec.QuotaAgentID, 1)
		})
	}
}

func (s *Sink) retry(what string, op func(context.Context) error) {
	attempt := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return op(ctx)
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4)
	if err := backoff.Retry(attempt, policy); err != nil {
		log.Error().Err(err).Str("record", what).Msg("audit write failed after retries")
	}
}
