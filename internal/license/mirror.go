package license

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"keyforge/internal/config"
	"keyforge/internal/infrastructure"
	"keyforge/internal/store"
)

// Mirror replicates key creation and deletion to an external service.
// It is strictly best-effort: never authoritative, never read from,
// and its failures are logged and swallowed. Calls beyond the
// per-minute window are silently skipped, never queued or retried.
type Mirror struct {
	cfg     config.MirrorConfig
	client  *http.Client
	metrics *infrastructure.Metrics
	logger  *slog.Logger
	limiter *slidingWindow
}

// NewMirror creates a mirror client, or nil when the mirror is
// disabled so callers can skip dispatch entirely.
func NewMirror(cfg config.MirrorConfig, metrics *infrastructure.Metrics, logger *slog.Logger) *Mirror {
	if !cfg.Enabled {
		return nil
	}
	return &Mirror{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		metrics: metrics,
		logger:  infrastructure.WithComponent(logger, "mirror"),
		limiter: newSlidingWindow(cfg.MaxCallsPerMinute, time.Minute),
	}
}

// mirrorKeyPayload is the add-operation wire format
type mirrorKeyPayload struct {
	KeyID     string    `json:"key_id"`
	KeyType   string    `json:"key_type"`
	UserID    int64     `json:"user_id"`
	HWID      string    `json:"hwid"`
	ExpiresAt time.Time `json:"expires_at"`
	Name      string    `json:"name,omitempty"`
}

// Add replicates a newly created key to the mirror
func (mr *Mirror) Add(key *store.LicenseKey) {
	mr.call("add", mirrorKeyPayload{
		KeyID:     key.KeyID,
		KeyType:   key.KeyType,
		UserID:    key.UserID,
		HWID:      key.HWID,
		ExpiresAt: key.ExpiresAt,
		Name:      key.Name,
	})
}

// Delete tells the mirror a key is gone
func (mr *Mirror) Delete(keyID string) {
	mr.call("delete", map[string]string{"key": keyID})
}

func (mr *Mirror) call(op string, payload any) {
	if !mr.limiter.allow() {
		mr.metrics.MirrorCallsTotal.WithLabelValues("skipped").Inc()
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		mr.metrics.MirrorCallsTotal.WithLabelValues("error").Inc()
		mr.logger.Warn("mirror payload marshal failed",
			slog.String("op", op),
			slog.String("error", err.Error()))
		return
	}

	// Shared secret travels as a query parameter, matching the mirror
	// service's contract.
	endpoint := fmt.Sprintf("%s/%s?%s", mr.cfg.BaseURL, op,
		url.Values{"secret": {mr.cfg.Secret}}.Encode())

	resp, err := mr.client.Post(endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		mr.metrics.MirrorCallsTotal.WithLabelValues("error").Inc()
		mr.logger.Warn("mirror call failed",
			slog.String("op", op),
			slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		mr.metrics.MirrorCallsTotal.WithLabelValues("error").Inc()
		mr.logger.Warn("mirror call rejected",
			slog.String("op", op),
			slog.Int("status", resp.StatusCode))
		return
	}

	mr.metrics.MirrorCallsTotal.WithLabelValues("ok").Inc()
}

// slidingWindow allows at most max calls within the trailing window.
// It holds the timestamps of recent calls; x/time/rate is a token
// bucket and does not give the skip-on-exhausted-window semantics the
// mirror needs.
type slidingWindow struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	calls  []time.Time
	now    func() time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		max:    max,
		window: window,
		now:    time.Now,
	}
}

func (w *slidingWindow) allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)

	kept := w.calls[:0]
	for _, t := range w.calls {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.calls = kept

	if len(w.calls) >= w.max {
		return false
	}
	w.calls = append(w.calls, now)
	return true
}
