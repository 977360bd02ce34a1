// Package notify dispatches alert-verdict behavior events to an external
// webhook. Delivery is best-effort: a failed notification is logged, never
// retried into the request path.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegisgate/aegisgate/internal/config"
	"github.com/aegisgate/aegisgate/pkg/models"
)

// AlertNotifier posts behavior events with an alert verdict to a webhook.
type AlertNotifier struct {
	url    string
	secret string
	client *http.Client
}

// NewAlertNotifier creates a notifier from config. A notifier with no
// webhook URL is valid and drops every event.
func NewAlertNotifier(cfg config.AlertConfig) *AlertNotifier {
	return &AlertNotifier{
		url:    cfg.WebhookURL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Enabled reports whether a webhook is configured.
func (n *AlertNotifier) Enabled() bool { return n.url != "" }

// Notify posts the event to the configured webhook, signing the payload
// when a secret is set.
func (n *AlertNotifier) Notify(ctx context.Context, ev *models.BehaviorEvent) error {
	if !n.Enabled() {
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"type":  "behavior_alert",
		"event": ev,
	})
	if err != nil {
		return fmt.Errorf("marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		mac := hmac.New(sha256.New, []byte(n.secret))
		mac.Write(payload)
		req.Header.Set("X-Aegisgate-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	log.Debug().Str("event", ev.ID).Str("agent", ev.AgentID).Msg("alert webhook delivered")
	return nil
}
