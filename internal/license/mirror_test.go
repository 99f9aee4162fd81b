package license

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyforge/internal/config"
	"keyforge/internal/infrastructure"
	"keyforge/internal/store"
)

type mirrorRecorder struct {
	mu       sync.Mutex
	requests []recordedCall
}

type recordedCall struct {
	path   string
	secret string
	body   map[string]any
}

func (rec *mirrorRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		rec.mu.Lock()
		rec.requests = append(rec.requests, recordedCall{
			path:   r.URL.Path,
			secret: r.URL.Query().Get("secret"),
			body:   body,
		})
		rec.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (rec *mirrorRecorder) calls() []recordedCall {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]recordedCall{}, rec.requests...)
}

func newTestMirror(t *testing.T, baseURL string, maxPerMinute int) *Mirror {
	t.Helper()
	mr := NewMirror(config.MirrorConfig{
		Enabled:           true,
		BaseURL:           baseURL,
		Secret:            "sekrit",
		Timeout:           2 * time.Second,
		MaxCallsPerMinute: maxPerMinute,
	}, infrastructure.NewMetrics(), testLogger())
	require.NotNil(t, mr)
	return mr
}

func TestMirrorDisabledReturnsNil(t *testing.T) {
	mr := NewMirror(config.MirrorConfig{Enabled: false}, infrastructure.NewMetrics(), testLogger())
	assert.Nil(t, mr)
}

func TestMirrorAddSendsKeyWithSecret(t *testing.T) {
	rec := &mirrorRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	mr := newTestMirror(t, srv.URL, 10)
	mr.Add(&store.LicenseKey{
		KeyID:     "AV-0011223344556677",
		KeyType:   "AV",
		UserID:    42,
		HWID:      "HW-1",
		ExpiresAt: store.SentinelExpiry,
	})

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/add", calls[0].path)
	assert.Equal(t, "sekrit", calls[0].secret)
	assert.Equal(t, "AV-0011223344556677", calls[0].body["key_id"])
	assert.Equal(t, "AV", calls[0].body["key_type"])
}

func TestMirrorDeleteSendsKeyID(t *testing.T) {
	rec := &mirrorRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	mr := newTestMirror(t, srv.URL, 10)
	mr.Delete("AV-0011223344556677")

	calls := rec.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/delete", calls[0].path)
	assert.Equal(t, "AV-0011223344556677", calls[0].body["key"])
}

func TestMirrorWindowSkipsExcessCalls(t *testing.T) {
	rec := &mirrorRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	mr := newTestMirror(t, srv.URL, 2)
	for i := 0; i < 5; i++ {
		mr.Delete("AV-0011223344556677")
	}

	// Only the first two made it out; the rest were silently skipped
	assert.Len(t, rec.calls(), 2)
}

func TestMirrorWindowRefills(t *testing.T) {
	rec := &mirrorRecorder{}
	srv := httptest.NewServer(rec.handler())
	defer srv.Close()

	mr := newTestMirror(t, srv.URL, 1)

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	mr.limiter.now = func() time.Time { return now }

	mr.Delete("AV-1")
	mr.Delete("AV-2") // skipped, window exhausted

	// 61 seconds later the window has slid past the first call
	mr.limiter.now = func() time.Time { return now.Add(61 * time.Second) }
	mr.Delete("AV-3")

	calls := rec.calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "AV-1", calls[0].body["key"])
	assert.Equal(t, "AV-3", calls[1].body["key"])
}

func TestMirrorFailureIsSwallowed(t *testing.T) {
	// Point the mirror at a closed server: the call must not panic and
	// must not propagate an error anywhere.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	mr := newTestMirror(t, srv.URL, 10)
	assert.NotPanics(t, func() {
		mr.Delete("AV-0011223344556677")
	})
}

func TestMirrorRejectionIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	mr := newTestMirror(t, srv.URL, 10)
	assert.NotPanics(t, func() {
		mr.Add(&store.LicenseKey{KeyID: "AV-1", KeyType: "AV"})
	})
}

func TestSlidingWindowAllow(t *testing.T) {
	w := newSlidingWindow(3, time.Minute)
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	assert.True(t, w.allow())
	assert.True(t, w.allow())
	assert.True(t, w.allow())
	assert.False(t, w.allow())

	// Half the window later, still exhausted
	w.now = func() time.Time { return now.Add(30 * time.Second) }
	assert.False(t, w.allow())

	// Past the window the oldest entries fall off
	w.now = func() time.Time { return now.Add(61 * time.Second) }
	assert.True(t, w.allow())
}
