// Package sessions maintains per-(agent, session) behavioral state across a
// sequence of tool calls: the append-only tool-call chain, incrementally
// derived local signals, and idle eviction.
//
// State is partitioned per (agentID, sessionKey) with one mutex per
// partition, so racing requests for the same run are serialized while
// unrelated sessions proceed fully in parallel.
package sessions

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// rateWindow is the sliding window used for burst detection signals.
const rateWindow = time.Minute

// intentMaxLen bounds the recorded user-intent summary.
const intentMaxLen = 200

// Tracker owns all live session state. It is the only component allowed to
// mutate a session; the scanner pipeline only ever sees deep snapshots.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	idleWindow time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// entry is one session partition. Its mutex guarantees at-most-one
// concurrent mutator per (agentID, sessionKey).
type entry struct {
	mu sync.Mutex

	agentID    string
	sessionKey string

	userIntent   string
	chain        []models.ToolCallRecord
	signals      models.LocalSignals
	startedAt    time.Time
	lastActivity time.Time

	// evicted marks an entry removed from the map by EvictIdle. A writer
	// holding a stale pointer must re-resolve instead of mutating it, or the
	// turn would land on state no later request can see.
	evicted bool

	// recent holds call timestamps inside the rate window; it is trimmed on
	// every append, so maintenance stays O(1) amortized per call.
	recent []time.Time
	// entropySum accumulates per-call argument entropy for the rolling mean.
	entropySum float64
}

// NewTracker creates a tracker and starts the background eviction sweep.
func NewTracker(cfg config.SessionConfig) *Tracker {
	t := &Tracker{
		sessions:   make(map[string]*entry),
		idleWindow: cfg.IdleWindow,
		done:       make(chan struct{}),
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go t.sweepLoop(interval)
	return t
}

// Close stops the background sweep.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// RecordTurn appends every tool call in the turn to the session's chain in
// the order the adapter presented them, updates derived signals, and returns
// a read-only snapshot for the scanner pipeline.
//
// A session idle for longer than the idle window is not resurrected: its
// old state is discarded and the turn starts a fresh session.
func (t *Tracker) RecordTurn(agentID, sessionKey string, turn *models.CanonicalTurn, now time.Time) models.SessionSnapshot {
	e := t.getOrCreate(agentID, sessionKey, now)

	e.mu.Lock()
	for e.evicted {
		e.mu.Unlock()
		e = t.getOrCreate(agentID, sessionKey, now)
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	if !e.lastActivity.IsZero() && now.Sub(e.lastActivity) > t.idleWindow {
		e.reset(now)
	}
	if e.startedAt.IsZero() {
		e.startedAt = now
	}

	if e.userIntent == "" {
		if intent := turn.LatestUserMessage(); intent != "" {
			e.userIntent = truncate(intent, intentMaxLen)
		}
	}

	for _, call := range turn.ToolCalls {
		rec := models.ToolCallRecord{
			Tool:       call.Name,
			ArgsDigest: digest(call.Arguments),
			Timestamp:  now,
		}
		if res := matchResult(turn.ToolResults, call); res != "" {
			rec.Result = truncate(res, intentMaxLen)
		}
		e.chain = append(e.chain, rec)
		e.recordCallSignals(call, now)
	}

	e.signals.TotalTurns++
	e.lastActivity = now

	return e.snapshotLocked()
}

// Snapshot returns the current read-only view of a session, if it exists
// and has not gone idle.
func (t *Tracker) Snapshot(agentID, sessionKey string, now time.Time) (models.SessionSnapshot, bool) {
	t.mu.RLock()
	e, ok := t.sessions[key(agentID, sessionKey)]
	t.mu.RUnlock()
	if !ok {
		return models.SessionSnapshot{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.lastActivity.IsZero() && now.Sub(e.lastActivity) > t.idleWindow {
		return models.SessionSnapshot{}, false
	}
	return e.snapshotLocked(), true
}

// EvictIdle removes sessions whose last activity is older than the idle
// window and returns how many were evicted. Eviction is advisory cleanup,
// never a behavioral verdict.
func (t *Tracker) EvictIdle(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for k, e := range t.sessions {
		e.mu.Lock()
		idle := !e.lastActivity.IsZero() && now.Sub(e.lastActivity) > t.idleWindow
		if idle {
			e.evicted = true
		}
		e.mu.Unlock()
		if idle {
			delete(t.sessions, k)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of live sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *Tracker) getOrCreate(agentID, sessionKey string, now time.Time) *entry {
	k := key(agentID, sessionKey)

	t.mu.RLock()
	e, ok := t.sessions[k]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.sessions[k]; ok {
		return e
	}
	e = &entry{agentID: agentID, sessionKey: sessionKey, startedAt: now}
	t.sessions[k] = e
	return e
}

func (t *Tracker) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case now := <-ticker.C:
			if n := t.EvictIdle(now); n > 0 {
				log.Debug().Int("evicted", n).Msg("idle sessions evicted")
			}
		}
	}
}

// recordCallSignals updates the incremental features for one appended call.
func (e *entry) recordCallSignals(call models.ToolCallRequest, now time.Time) {
	s := &e.signals

	s.TotalCalls++
	if call.Name == s.LastTool {
		s.RepeatRun++
	} else {
		s.RepeatRun = 1
		s.LastTool = call.Name
	}
	if s.RepeatRun > s.MaxRepeatRun {
		s.MaxRepeatRun = s.RepeatRun
	}

	e.recent = append(e.recent, now)
	cutoff := now.Add(-rateWindow)
	trim := 0
	for trim < len(e.recent) && e.recent[trim].Before(cutoff) {
		trim++
	}
	e.recent = e.recent[trim:]
	s.CallsInWindow = len(e.recent)

	elapsed := now.Sub(e.startedAt)
	if elapsed < time.Minute {
		elapsed = time.Minute
	}
	s.RatePerMinute = float64(s.TotalCalls) / elapsed.Minutes()

	e.entropySum += shannonEntropy(call.Arguments)
	s.ArgEntropy = e.entropySum / float64(s.TotalCalls)
}

func (e *entry) reset(now time.Time) {
	e.userIntent = ""
	e.chain = nil
	e.signals = models.LocalSignals{}
	e.recent = nil
	e.entropySum = 0
	e.startedAt = now
	e.lastActivity = time.Time{}
}

// snapshotLocked deep-copies the session state. Caller holds e.mu.
func (e *entry) snapshotLocked() models.SessionSnapshot {
	chain := make([]models.ToolCallRecord, len(e.chain))
	copy(chain, e.chain)
	return models.SessionSnapshot{
		AgentID:      e.agentID,
		SessionKey:   e.sessionKey,
		UserIntent:   e.userIntent,
		Chain:        chain,
		Signals:      e.signals,
		StartedAt:    e.startedAt,
		LastActivity: e.lastActivity,
	}
}

func key(agentID, sessionKey string) string {
	return agentID + "\x00" + sessionKey
}

func digest(args string) string {
	sum := sha256.Sum256([]byte(args))
	return hex.EncodeToString(sum[:8])
}

func matchResult(results []models.ToolResult, call models.ToolCallRequest) string {
	for _, r := range results {
		if (r.CallID != "" && r.CallID == call.ID) || (r.CallID == "" && r.Name == call.Name) {
			return r.Content
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// shannonEntropy computes byte-level entropy in bits per byte, a cheap
// proxy for high-randomness arguments (keys, encoded payloads).
func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	total := float64(len(s))
	entropy := 0.0
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}
