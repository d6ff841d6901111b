// Package notify posts fire-and-forget completion webhooks. Delivery
// failures are the caller's to log; they never affect the run.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/steveyegge/autoloop/internal/types"
)

const defaultTimeout = 10 * time.Second

// outboundRate caps webhook posts at one per second with a small burst,
// so a fast parallel run cannot hammer the receiving endpoint.
var outboundRate = rate.Limit(1)

// payload is the JSON body of a feature-complete notification.
type payload struct {
	Event       string `json:"event"`
	FeatureID   int64  `json:"feature_id,omitempty"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Session     int    `json:"session"`
	Passing     int    `json:"passing"`
	Total       int    `json:"total"`
	Timestamp   string `json:"timestamp"`
}

// Webhook delivers notifications to a single configured URL.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewWebhook creates a webhook notifier. An empty URL yields a disabled
// notifier whose methods are no-ops.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: defaultTimeout},
		limiter: rate.NewLimiter(outboundRate, 3),
	}
}

// Enabled reports whether a URL is configured.
func (w *Webhook) Enabled() bool { return w.url != "" }

// FeatureComplete posts a feature-complete event. Blocks briefly on the
// rate limiter when notifications arrive faster than the outbound cap.
func (w *Webhook) FeatureComplete(ctx context.Context, f *types.Feature, sessionNumber, passing, total int) error {
	if !w.Enabled() {
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait interrupted: %w", err)
	}

	body, err := json.Marshal(payload{
		Event:       "feature_complete",
		FeatureID:   f.ID,
		Category:    f.Category,
		Description: f.Description,
		Session:     sessionNumber,
		Passing:     passing,
		Total:       total,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notification post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected with status %d", resp.StatusCode)
	}
	return nil
}
