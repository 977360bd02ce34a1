package sessions_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/sessions"
	"github.com/aegisgate/aegisgate/pkg/models"
)

func newTestTracker(t *testing.T) *sessions.Tracker {
	t.Helper()
	tr := sessions.NewTracker(config.SessionConfig{
		IdleWindow:    30 * time.Minute,
		SweepInterval: time.Hour,
	})
	t.Cleanup(tr.Close)
	return tr
}

func turnWithCalls(calls ...models.ToolCallRequest) *models.CanonicalTurn {
	return &models.CanonicalTurn{
		Shape:     models.ShapeOpenAI,
		Messages:  []models.Message{{Role: models.RoleUser, Content: "clean up the staging bucket"}},
		ToolCalls: calls,
	}
}

func TestRecordTurnAppendsChain(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	snap := tr.RecordTurn("agent-1", "run-1", turnWithCalls(
		models.ToolCallRequest{ID: "c1", Name: "list_files", Arguments: `{"path":"/srv"}`},
		models.ToolCallRequest{ID: "c2", Name: "delete_file", Arguments: `{"path":"/srv/a"}`},
	), now)

	if len(snap.Chain) != 2 {
		t.Fatalf("chain length = %d, want 2", len(snap.Chain))
	}
	if snap.Chain[0].Tool != "list_files" || snap.Chain[1].Tool != "delete_file" {
		t.Errorf("chain order = %q, %q", snap.Chain[0].Tool, snap.Chain[1].Tool)
	}
	if snap.Chain[0].ArgsDigest == "" || snap.Chain[0].ArgsDigest == snap.Chain[1].ArgsDigest {
		t.Errorf("args digests not distinct: %q vs %q", snap.Chain[0].ArgsDigest, snap.Chain[1].ArgsDigest)
	}
	if snap.Signals.TotalCalls != 2 || snap.Signals.TotalTurns != 1 {
		t.Errorf("signals = %+v", snap.Signals)
	}
	if snap.UserIntent != "clean up the staging bucket" {
		t.Errorf("user intent = %q", snap.UserIntent)
	}
}

func TestRecordTurnPairsResults(t *testing.T) {
	tr := newTestTracker(t)

	turn := turnWithCalls(models.ToolCallRequest{ID: "c1", Name: "read_file", Arguments: `{}`})
	turn.ToolResults = []models.ToolResult{{CallID: "c1", Content: "file contents"}}

	snap := tr.RecordTurn("agent-1", "run-1", turn, time.Now())
	if snap.Chain[0].Result != "file contents" {
		t.Errorf("result = %q, want paired content", snap.Chain[0].Result)
	}
}

func TestRepeatRunSignal(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	var snap models.SessionSnapshot
	for i := 0; i < 4; i++ {
		snap = tr.RecordTurn("agent-1", "run-1", turnWithCalls(
			models.ToolCallRequest{Name: "delete_row", Arguments: fmt.Sprintf(`{"id":%d}`, i)},
		), now.Add(time.Duration(i)*time.Second))
	}
	if snap.Signals.RepeatRun != 4 || snap.Signals.MaxRepeatRun != 4 {
		t.Errorf("repeat run = %d, max = %d, want 4", snap.Signals.RepeatRun, snap.Signals.MaxRepeatRun)
	}

	snap = tr.RecordTurn("agent-1", "run-1", turnWithCalls(
		models.ToolCallRequest{Name: "list_rows"},
	), now.Add(5*time.Second))
	if snap.Signals.RepeatRun != 1 {
		t.Errorf("repeat run after tool change = %d, want 1", snap.Signals.RepeatRun)
	}
	if snap.Signals.MaxRepeatRun != 4 {
		t.Errorf("max repeat run = %d, want 4", snap.Signals.MaxRepeatRun)
	}
}

func TestCallsInWindowSlides(t *testing.T) {
	tr := newTestTracker(t)
	base := time.Now()

	for i := 0; i < 3; i++ {
		tr.RecordTurn("agent-1", "run-1", turnWithCalls(
			models.ToolCallRequest{Name: "ping"},
		), base.Add(time.Duration(i)*time.Second))
	}
	// Two minutes later the old calls have left the window.
	snap := tr.RecordTurn("agent-1", "run-1", turnWithCalls(
		models.ToolCallRequest{Name: "ping"},
	), base.Add(2*time.Minute))

	if snap.Signals.CallsInWindow != 1 {
		t.Errorf("calls in window = %d, want 1", snap.Signals.CallsInWindow)
	}
	if snap.Signals.TotalCalls != 4 {
		t.Errorf("total calls = %d, want 4", snap.Signals.TotalCalls)
	}
}

func TestConcurrentRecordsSameSession(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr.RecordTurn("agent-1", "run-1", turnWithCalls(
				models.ToolCallRequest{Name: "search", Arguments: fmt.Sprintf(`{"q":%d}`, i)},
			), now.Add(time.Duration(i)*time.Millisecond))
		}(i)
	}
	wg.Wait()

	snap, ok := tr.Snapshot("agent-1", "run-1", now.Add(time.Second))
	if !ok {
		t.Fatal("session not found")
	}
	if len(snap.Chain) != n {
		t.Errorf("chain length = %d, want %d (no lost appends)", len(snap.Chain), n)
	}
	if snap.Signals.TotalCalls != n {
		t.Errorf("total calls = %d, want %d", snap.Signals.TotalCalls, n)
	}
}

func TestSessionsArePartitioned(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	tr.RecordTurn("agent-1", "run-1", turnWithCalls(models.ToolCallRequest{Name: "a"}), now)
	tr.RecordTurn("agent-1", "run-2", turnWithCalls(models.ToolCallRequest{Name: "b"}), now)
	tr.RecordTurn("agent-2", "run-1", turnWithCalls(models.ToolCallRequest{Name: "c"}), now)

	if tr.Len() != 3 {
		t.Errorf("live sessions = %d, want 3", tr.Len())
	}
	snap, _ := tr.Snapshot("agent-1", "run-1", now)
	if len(snap.Chain) != 1 || snap.Chain[0].Tool != "a" {
		t.Errorf("agent-1/run-1 chain = %+v", snap.Chain)
	}
}

func TestIdleEviction(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	tr.RecordTurn("agent-1", "old", turnWithCalls(models.ToolCallRequest{Name: "a"}), now)
	tr.RecordTurn("agent-1", "fresh", turnWithCalls(models.ToolCallRequest{Name: "b"}), now.Add(29*time.Minute))

	evicted := tr.EvictIdle(now.Add(31 * time.Minute))
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if _, ok := tr.Snapshot("agent-1", "old", now.Add(31*time.Minute)); ok {
		t.Error("idle session still visible")
	}
	if _, ok := tr.Snapshot("agent-1", "fresh", now.Add(31*time.Minute)); !ok {
		t.Error("fresh session evicted")
	}
}

func TestIdleSessionNotResurrected(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	tr.RecordTurn("agent-1", "run-1", turnWithCalls(models.ToolCallRequest{Name: "a"}), now)

	// The same key after the idle window starts a fresh session.
	snap := tr.RecordTurn("agent-1", "run-1", turnWithCalls(models.ToolCallRequest{Name: "b"}), now.Add(time.Hour))
	if len(snap.Chain) != 1 || snap.Chain[0].Tool != "b" {
		t.Errorf("chain after idle reset = %+v, want only the new call", snap.Chain)
	}
	if snap.Signals.TotalCalls != 1 {
		t.Errorf("total calls after reset = %d, want 1", snap.Signals.TotalCalls)
	}
}

func TestRecordTurnSurvivesConcurrentEviction(t *testing.T) {
	tr := sessions.NewTracker(config.SessionConfig{
		IdleWindow:    time.Minute,
		SweepInterval: time.Hour,
	})
	defer tr.Close()

	base := time.Now().UTC()
	for i := 0; i < 200; i++ {
		start := base.Add(time.Duration(i) * 10 * time.Minute)
		tr.RecordTurn("agent-1", "run-1", turnWithCalls(models.ToolCallRequest{Name: "a"}), start)

		// Past the idle window: the sweep wants the session gone while a new
		// turn for the same key is arriving.
		later := start.Add(2 * time.Minute)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr.EvictIdle(later)
		}()
		go func() {
			defer wg.Done()
			tr.RecordTurn("agent-1", "run-1", turnWithCalls(models.ToolCallRequest{Name: "b"}), later)
		}()
		wg.Wait()

		// Whichever side won, the recorded turn must be visible afterwards.
		if _, ok := tr.Snapshot("agent-1", "run-1", later); !ok {
			t.Fatalf("iteration %d: turn recorded during eviction vanished", i)
		}
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	tr := newTestTracker(t)
	now := time.Now()

	snap := tr.RecordTurn("agent-1", "run-1", turnWithCalls(models.ToolCallRequest{Name: "a"}), now)
	snap.Chain[0].Tool = "tampered"

	fresh, _ := tr.Snapshot("agent-1", "run-1", now)
	if fresh.Chain[0].Tool != "a" {
		t.Error("mutating a snapshot leaked into tracker state")
	}
}
