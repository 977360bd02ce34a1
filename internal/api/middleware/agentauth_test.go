package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aegisgate/aegisgate/internal/api/middleware"
	"github.com/aegisgate/aegisgate/internal/gateway"
	"github.com/aegisgate/aegisgate/internal/store"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// failingAgentStore simulates a database outage.
type failingAgentStore struct{}

func (failingAgentStore) CreateAgent(context.Context, *models.Agent) error { return nil }
func (failingAgentStore) GetAgent(context.Context, string) (*models.Agent, error) {
	return nil, errors.New("connection refused")
}
func (failingAgentStore) GetAgentByKey(context.Context, string) (*models.Agent, error) {
	return nil, errors.New("connection refused")
}
func (failingAgentStore) ListAgents(context.Context) ([]models.Agent, error) {
	return nil, errors.New("connection refused")
}
func (failingAgentStore) UpdateAgentStatus(context.Context, string, models.AgentStatus) error {
	return errors.New("connection refused")
}
func (failingAgentStore) IncrementQuota(context.Context, string, int64) error {
	return errors.New("connection refused")
}

func seedAgent(t *testing.T, s *store.MemoryStore, status models.AgentStatus) *models.Agent {
	t.Helper()
	agent := &models.Agent{
		ID:        "a1",
		Name:      "crawler",
		APIKey:    "agk_valid",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateAgent(context.Background(), agent); err != nil {
		t.Fatal(err)
	}
	return agent
}

func authedHandler(t *testing.T, called *bool) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if agent := gateway.AgentFrom(r.Context()); agent == nil || agent.ID != "a1" {
			t.Errorf("agent in context = %+v", agent)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAgentAuthCredentialCarriers(t *testing.T) {
	s := store.NewMemoryStore()
	seedAgent(t, s, models.AgentStatusActive)

	tests := []struct {
		name  string
		apply func(*http.Request)
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer agk_valid") }},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-API-Key", "agk_valid") }},
		{"goog header", func(r *http.Request) { r.Header.Set("x-goog-api-key", "agk_valid") }},
		{"query param", func(r *http.Request) { r.URL.RawQuery = "key=agk_valid" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			called := false
			mw := middleware.AgentAuth(s, models.ShapeOpenAI)(authedHandler(t, &called))

			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			tc.apply(req)
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK || !called {
				t.Errorf("status = %d, handler called = %v", rec.Code, called)
			}
		})
	}
}

func TestAgentAuthRejectsMissingAndInvalidKeys(t *testing.T) {
	s := store.NewMemoryStore()
	seedAgent(t, s, models.AgentStatusActive)

	called := false
	mw := middleware.AgentAuth(s, models.ShapeAnthropic)(authedHandler(t, &called))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized || called {
		t.Errorf("missing key: status = %d, called = %v", rec.Code, called)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate challenge")
	}
	// The rejection is anthropic-shaped so the caller's SDK can parse it.
	if !strings.Contains(rec.Body.String(), `"type":"error"`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("X-API-Key", "agk_wrong")
	rec = httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("invalid key: status = %d", rec.Code)
	}
}

func TestAgentAuthRejectsInactiveAgents(t *testing.T) {
	for _, status := range []models.AgentStatus{models.AgentStatusPendingClaim, models.AgentStatusSuspended} {
		t.Run(string(status), func(t *testing.T) {
			s := store.NewMemoryStore()
			seedAgent(t, s, status)

			called := false
			mw := middleware.AgentAuth(s, models.ShapeOpenAI)(authedHandler(t, &called))

			req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
			req.Header.Set("Authorization", "Bearer agk_valid")
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized || called {
				t.Errorf("status = %d, called = %v", rec.Code, called)
			}
			if !strings.Contains(rec.Body.String(), string(status)) {
				t.Errorf("body = %s, want the agent status named", rec.Body.String())
			}
		})
	}
}

func TestAgentAuthFailsClosedOnStoreOutage(t *testing.T) {
	called := false
	mw := middleware.AgentAuth(failingAgentStore{}, models.ShapeOpenAI)(authedHandler(t, &called))

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	req.Header.Set("Authorization", "Bearer agk_valid")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable || called {
		t.Errorf("status = %d, called = %v, want 503 and no handler call", rec.Code, called)
	}
}
