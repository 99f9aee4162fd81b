// Package http holds the HTTP transport: the public key validation
// surface and the administrative command surface, both thin layers
// over the license manager.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"keyforge/internal/infrastructure"
	"keyforge/internal/license"
	"keyforge/internal/store"
)

// ValidationHandler serves the public check/activate endpoints used by
// the client software
type ValidationHandler struct {
	manager *license.Manager
	metrics *infrastructure.Metrics
	logger  *slog.Logger
}

// NewValidationHandler creates a validation handler
func NewValidationHandler(manager *license.Manager, metrics *infrastructure.Metrics, logger *slog.Logger) *ValidationHandler {
	return &ValidationHandler{
		manager: manager,
		metrics: metrics,
		logger:  logger.With(slog.String("handler", "validation")),
	}
}

// Routes returns the router for the public validation surface
func (h *ValidationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/check", h.Check)
	r.Post("/activate", h.Activate)
	return r
}

// CheckRequest is the wire format for POST /check
type CheckRequest struct {
	Key  string `json:"key"`
	HWID string `json:"hwid,omitempty"`
}

// Bind implements render.Binder
func (c *CheckRequest) Bind(r *http.Request) error {
	if c.Key == "" {
		return errors.New("key is required")
	}
	return nil
}

// CheckResponse is the wire format for POST /check results. On an
// invalid key only Valid and Message are populated.
type CheckResponse struct {
	Valid     bool       `json:"valid"`
	Message   string     `json:"message,omitempty"`
	KeyID     string     `json:"key_id,omitempty"`
	KeyType   string     `json:"key_type,omitempty"`
	UserID    int64      `json:"user_id,omitempty"`
	HWID      string     `json:"hwid,omitempty"`
	Status    string     `json:"status,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	Name      string     `json:"name,omitempty"`
	// DaysLeft is -1 for never-expiring keys
	DaysLeft *int `json:"days_left,omitempty"`
}

// Check handles POST /check: look the key up, compute expiry, compare
// the hardware binding. Invalid keys still answer 200 with a
// reason-carrying body so clients always get a definite verdict.
func (h *ValidationHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("validation-handler")
	ctx, span := tracer.Start(ctx, "validation.check")
	defer span.End()

	req := &CheckRequest{}
	if err := render.Bind(r, req); err != nil {
		h.metrics.ChecksTotal.WithLabelValues("bad_request").Inc()
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, CheckResponse{Valid: false, Message: err.Error()})
		return
	}

	span.SetAttributes(attribute.String("key_id", req.Key))

	key, days, permanent, err := h.manager.CheckKey(req.Key, req.HWID)
	if err != nil {
		result, message := checkFailure(err)
		h.metrics.ChecksTotal.WithLabelValues(result).Inc()
		h.logger.InfoContext(ctx, "key check failed",
			slog.String("key_id", req.Key),
			slog.String("result", result))
		render.JSON(w, r, CheckResponse{Valid: false, Message: message})
		return
	}

	daysLeft := days
	if permanent {
		daysLeft = -1
	}

	h.metrics.ChecksTotal.WithLabelValues("valid").Inc()
	h.logger.InfoContext(ctx, "key check passed",
		slog.String("key_id", key.KeyID),
		slog.Int("days_left", daysLeft))

	render.JSON(w, r, CheckResponse{
		Valid:     true,
		KeyID:     key.KeyID,
		KeyType:   key.KeyType,
		UserID:    key.UserID,
		HWID:      key.HWID,
		Status:    key.Status,
		ExpiresAt: &key.ExpiresAt,
		CreatedAt: &key.CreatedAt,
		Name:      key.Name,
		DaysLeft:  &daysLeft,
	})
}

func checkFailure(err error) (result, message string) {
	switch {
	case errors.Is(err, license.ErrKeyNotFound):
		return "not_found", "key not found"
	case errors.Is(err, license.ErrAlreadyExpired):
		return "expired", "key has expired"
	case errors.Is(err, license.ErrHwidMismatch):
		return "hwid_mismatch", "key is registered to another machine"
	default:
		return "error", "key check failed"
	}
}

// ActivateRequest is the wire format for POST /activate
type ActivateRequest struct {
	Key  string `json:"key"`
	HWID string `json:"hwid"`
}

// Bind implements render.Binder
func (a *ActivateRequest) Bind(r *http.Request) error {
	if a.Key == "" {
		return errors.New("key is required")
	}
	if a.HWID == "" {
		return errors.New("hwid is required")
	}
	return nil
}

// ActivateResponse is the wire format for POST /activate results
type ActivateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Activate handles POST /activate: bind the hardware id and flip the
// key to activated. Re-activation with the bound hardware id succeeds
// idempotently.
func (h *ValidationHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("validation-handler")
	ctx, span := tracer.Start(ctx, "validation.activate")
	defer span.End()

	req := &ActivateRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ActivateResponse{Success: false, Message: err.Error()})
		return
	}

	span.SetAttributes(attribute.String("key_id", req.Key))

	key, err := h.manager.ActivateKey(ctx, req.Key, req.HWID)
	if err != nil {
		message := activateFailure(err)
		h.logger.InfoContext(ctx, "activation rejected",
			slog.String("key_id", req.Key),
			slog.String("reason", message))
		render.JSON(w, r, ActivateResponse{Success: false, Message: message})
		return
	}

	h.logger.InfoContext(ctx, "key activated",
		slog.String("key_id", key.KeyID),
		slog.String("key_type", key.KeyType))
	render.JSON(w, r, ActivateResponse{Success: true, Message: "key activated"})
}

func activateFailure(err error) string {
	switch {
	case errors.Is(err, license.ErrKeyNotFound):
		return "key not found"
	case errors.Is(err, license.ErrAlreadyExpired):
		return "key has expired"
	case errors.Is(err, license.ErrHwidMismatch):
		return "key is registered to another machine"
	case errors.Is(err, license.ErrMissingHWID):
		return "hwid is required"
	default:
		return "activation failed"
	}
}

// keyView is the admin-facing serialization of a key with computed
// expiry fields
type keyView struct {
	store.LicenseKey
	Expired  bool `json:"expired"`
	DaysLeft int  `json:"days_left"`
}

func newKeyView(m *license.Manager, k *store.LicenseKey) keyView {
	days, permanent := m.DaysUntilExpiry(k)
	if permanent {
		days = -1
	}
	return keyView{
		LicenseKey: *k,
		Expired:    m.IsExpired(k),
		DaysLeft:   days,
	}
}
