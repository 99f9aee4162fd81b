package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keyforge/internal/infrastructure"
	"keyforge/internal/license"
	"keyforge/internal/middleware"
	"keyforge/internal/store"
)

const adminToken = "test-admin-token"

type adminEnv struct {
	manager *license.Manager
	router  chi.Router
}

func newAdminEnv(t *testing.T) *adminEnv {
	t.Helper()
	st := store.Open(filepath.Join(t.TempDir(), "keys.json"),
		store.Settings{KeyRole: "KeyManager", DefaultResets: 7}, testLogger())
	manager := license.NewManager(st, nil, infrastructure.NewMetrics(), testLogger())

	r := chi.NewRouter()
	r.Route("/api/admin", func(r chi.Router) {
		r.Use(middleware.AdminAuth(adminToken, testLogger()))
		r.Mount("/", NewAdminHandler(manager, testLogger()).Routes())
	})

	return &adminEnv{manager: manager, router: r}
}

func (e *adminEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+adminToken)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestAdminRequiresAuth(t *testing.T) {
	env := newAdminEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/api/admin/keys", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminCreateKey(t *testing.T) {
	env := newAdminEnv(t)

	w := env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
		"key_type": "AV",
		"user_id":  42,
		"duration": "1y",
		"name":     "customer key",
		"hwid":     "HW-1",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeMap(t, w)
	assert.Equal(t, "AV", resp["key_type"])
	assert.Equal(t, float64(42), resp["user_id"])
	assert.Equal(t, store.StatusDeactivated, resp["status"])
	assert.Regexp(t, `^AV-[0-9A-F]{16}$`, resp["key_id"])
	assert.InDelta(t, 365, resp["days_left"], 1)
	assert.Equal(t, false, resp["expired"])
}

func TestAdminCreateKeyValidation(t *testing.T) {
	env := newAdminEnv(t)

	t.Run("missing fields", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{"key_type": "AV"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("bad duration", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
			"key_type": "AV", "user_id": 42, "duration": "1x",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_DURATION")
	})

	t.Run("duplicate active key", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
			"key_type": "GAG", "user_id": 42, "duration": "30d",
		})
		require.Equal(t, http.StatusCreated, w.Code)

		w = env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
			"key_type": "GAG", "user_id": 42, "duration": "30d",
		})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, w.Body.String(), "DUPLICATE_ACTIVE_KEY")
	})
}

func TestAdminKeyLifecycle(t *testing.T) {
	env := newAdminEnv(t)

	created := decodeMap(t, env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
		"key_type": "AV", "user_id": 42, "duration": "permanent",
	}))
	keyID := created["key_id"].(string)

	// Fetch it back
	w := env.do(t, http.MethodGet, "/api/admin/keys/"+keyID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeMap(t, w)
	assert.Equal(t, keyID, got["key_id"])
	assert.Equal(t, float64(-1), got["days_left"])

	// List by type
	w = env.do(t, http.MethodGet, "/api/admin/keys?type=AV", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeMap(t, w)["count"])

	// List by user
	w = env.do(t, http.MethodGet, "/api/admin/keys?user_id=42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeMap(t, w)["count"])

	// Delete it
	w = env.do(t, http.MethodDelete, "/api/admin/keys/"+keyID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Gone now
	w = env.do(t, http.MethodGet, "/api/admin/keys/"+keyID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodDelete, "/api/admin/keys/"+keyID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminResetKeyConsumesCredit(t *testing.T) {
	env := newAdminEnv(t)

	created := decodeMap(t, env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
		"key_type": "AV", "user_id": 42, "duration": "30d",
	}))
	keyID := created["key_id"].(string)

	w := env.do(t, http.MethodPost, "/api/admin/keys/"+keyID+"/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)

	user, err := env.manager.GetUser(42)
	require.NoError(t, err)
	assert.Equal(t, 6, user.Profile.ResetsLeft["AV"])

	// Resetting a missing key is a 404
	w = env.do(t, http.MethodPost, "/api/admin/keys/"+keyID+"/reset", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminWipeKeys(t *testing.T) {
	env := newAdminEnv(t)

	env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
		"key_type": "AV", "user_id": 1, "duration": "30d",
	})
	env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
		"key_type": "AV", "user_id": 2, "duration": "30d",
	})

	w := env.do(t, http.MethodDelete, "/api/admin/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeMap(t, w)["wiped"])

	w = env.do(t, http.MethodGet, "/api/admin/keys", nil)
	assert.Equal(t, float64(0), decodeMap(t, w)["count"])
}

func TestAdminUserEndpoints(t *testing.T) {
	env := newAdminEnv(t)

	// Register
	w := env.do(t, http.MethodPost, "/api/admin/users", map[string]any{
		"user_id": 42, "hwid": "HW-1", "order": "ORD-1001",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	reg := decodeMap(t, w)
	assert.Equal(t, float64(42), reg["user_id"])
	assert.Equal(t, "ORD-1001", reg["order"])

	// Lookup
	w = env.do(t, http.MethodGet, "/api/admin/users/42", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// List
	w = env.do(t, http.MethodGet, "/api/admin/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeMap(t, w)["total"])

	// HWID lookup
	w = env.do(t, http.MethodGet, "/api/admin/hwids/HW-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hw := decodeMap(t, w)
	assert.Equal(t, "HW-1", hw["hwid"])

	// Delete
	w = env.do(t, http.MethodDelete, "/api/admin/users/42", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodGet, "/api/admin/users/42", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Bad user id in path
	w = env.do(t, http.MethodGet, "/api/admin/users/notanumber", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminListUsersFilters(t *testing.T) {
	env := newAdminEnv(t)

	// User 1 holds an AV key, user 2 a GAG key
	env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
		"key_type": "AV", "user_id": 1, "duration": "30d",
	})
	env.do(t, http.MethodPost, "/api/admin/keys", map[string]any{
		"key_type": "GAG", "user_id": 2, "duration": "30d",
	})

	w := env.do(t, http.MethodGet, "/api/admin/users?type=AV", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeMap(t, w)["total"])

	w = env.do(t, http.MethodGet, "/api/admin/users?status="+store.StatusActivated, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeMap(t, w)["total"])

	w = env.do(t, http.MethodGet, "/api/admin/users?status="+store.StatusDeactivated, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeMap(t, w)["total"])
}

func TestAdminSettings(t *testing.T) {
	env := newAdminEnv(t)

	w := env.do(t, http.MethodGet, "/api/admin/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "KeyManager", decodeMap(t, w)["key_role"])

	w = env.do(t, http.MethodPut, "/api/admin/settings", map[string]any{
		"key_role": "LicenseAdmin", "default_resets": 3,
	})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decodeMap(t, w)
	assert.Equal(t, "LicenseAdmin", updated["key_role"])
	assert.Equal(t, float64(3), updated["default_resets"])

	// A zero quota is rejected: it would read back as unset
	w = env.do(t, http.MethodPut, "/api/admin/settings", map[string]any{
		"default_resets": 0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/api/admin/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decodeMap(t, w)["default_resets"])
}

func TestHealthEndpoints(t *testing.T) {
	st := store.Open(filepath.Join(t.TempDir(), "keys.json"),
		store.Settings{KeyRole: "KeyManager", DefaultResets: 7}, testLogger())
	h := NewHealthHandler("1.2.3", st, testLogger())

	r := chi.NewRouter()
	r.Get("/", h.Root)
	r.Get("/healthz", h.Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "keyforge 1.2.3")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
}
