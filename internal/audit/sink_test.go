package audit_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/audit"
	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/internal/notify"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

func TestSinkWritesFullRecord(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	if err := s.CreateAgent(ctx, &models.Agent{ID: "a1", Name: "n", QuotaTotal: 10}); err != nil {
		t.Fatal(err)
	}

	sink := audit.NewSink(s, nil)
	sink.Enqueue(audit.Record{
		Usage:        &models.UsageLog{ID: "u1", AgentID: "a1", StatusCode: 200, CreatedAt: time.Now().UTC()},
		Event:        &models.BehaviorEvent{ID: "e1", AgentID: "a1", Action: models.ActionAllow, CreatedAt: time.Now().UTC()},
		QuotaAgentID: "a1",
	})
	sink.Close()

	usage, _ := s.ListUsageLogs(ctx, "a1", 0)
	if len(usage) != 1 || usage[0].ID != "u1" {
		t.Errorf("usage = %+v", usage)
	}
	events, _ := s.ListBehaviorEvents(ctx, "a1", 0)
	if len(events) != 1 || events[0].ID != "e1" {
		t.Errorf("events = %+v", events)
	}
	agent, _ := s.GetAgent(ctx, "a1")
	if agent.QuotaUsed != 1 {
		t.Errorf("quota used = %d, want 1", agent.QuotaUsed)
	}
}

func TestSinkUsageOnlyRecord(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	sink := audit.NewSink(s, nil)
	sink.Enqueue(audit.Record{
		Usage: &models.UsageLog{ID: "u1", StatusCode: 429, CreatedAt: time.Now().UTC()},
	})
	sink.Close()

	usage, _ := s.ListUsageLogs(ctx, "", 0)
	if len(usage) != 1 {
		t.Fatalf("usage = %+v", usage)
	}
	events, _ := s.ListBehaviorEvents(ctx, "", 0)
	if len(events) != 0 {
		t.Errorf("events = %+v, want none", events)
	}
}

func TestSinkCloseDrainsQueue(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	sink := audit.NewSink(s, nil)
	const n = 200
	for i := 0; i < n; i++ {
		sink.Enqueue(audit.Record{
			Usage: &models.UsageLog{ID: "u", StatusCode: 200, CreatedAt: time.Now().UTC()},
		})
	}
	sink.Close()

	usage, _ := s.ListUsageLogs(ctx, "", 0)
	if len(usage) != n {
		t.Errorf("usage count = %d, want %d", len(usage), n)
	}
}

func TestSinkNotifiesOnAlertVerdicts(t *testing.T) {
	var (
		mu        sync.Mutex
		payloads  [][]byte
		signature string
	)
	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		payloads = append(payloads, body)
		signature = r.Header.Get("X-Aegisgate-Signature")
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer webhook.Close()

	s := store.NewMemoryStore()
	notifier := notify.NewAlertNotifier(config.AlertConfig{WebhookURL: webhook.URL, Secret: "hook-secret"})
	sink := audit.NewSink(s, notifier)

	sink.Enqueue(audit.Record{
		Event: &models.BehaviorEvent{ID: "e-alert", AgentID: "a1", Action: models.ActionAlert, CreatedAt: time.Now().UTC()},
	})
	sink.Enqueue(audit.Record{
		Event: &models.BehaviorEvent{ID: "e-allow", AgentID: "a1", Action: models.ActionAllow, CreatedAt: time.Now().UTC()},
	})
	sink.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(payloads) != 1 {
		t.Fatalf("webhook deliveries = %d, want only the alert verdict", len(payloads))
	}

	mac := hmac.New(sha256.New, []byte("hook-secret"))
	mac.Write(payloads[0])
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if signature != want {
		t.Errorf("signature = %q, want %q", signature, want)
	}
}
