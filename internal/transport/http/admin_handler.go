package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "keyforge/internal/errors"
	"keyforge/internal/license"
	"keyforge/internal/store"
)

var validate = validator.New()

// AdminHandler is the administrative command surface: every endpoint
// maps onto one of the operator commands (create, delete, reset, list,
// register, wipe). Authentication happens in middleware.
type AdminHandler struct {
	manager *license.Manager
	logger  *slog.Logger
}

// NewAdminHandler creates an admin handler
func NewAdminHandler(manager *license.Manager, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		manager: manager,
		logger:  logger.With(slog.String("handler", "admin")),
	}
}

// Routes returns the router for the admin surface
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/keys", func(r chi.Router) {
		r.Post("/", h.CreateKey)
		r.Get("/", h.ListKeys)
		r.Delete("/", h.WipeKeys)
		r.Route("/{keyID}", func(r chi.Router) {
			r.Get("/", h.GetKey)
			r.Delete("/", h.DeleteKey)
			r.Post("/reset", h.ResetKey)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.RegisterUser)
		r.Get("/", h.ListUsers)
		r.Route("/{userID}", func(r chi.Router) {
			r.Get("/", h.GetUser)
			r.Delete("/", h.DeleteUser)
		})
	})

	r.Get("/hwids/{hwid}", h.LookupHWID)
	r.Put("/settings", h.UpdateSettings)
	r.Get("/settings", h.GetSettings)

	return r
}

// CreateKeyRequest is the wire format for key creation. Duration is a
// compact string ("1y", "6m", "30d", "permanent"), parsed server-side.
type CreateKeyRequest struct {
	KeyType  string `json:"key_type" validate:"required"`
	UserID   int64  `json:"user_id" validate:"required"`
	Duration string `json:"duration" validate:"required"`
	Name     string `json:"name"`
	HWID     string `json:"hwid"`
}

// Bind implements render.Binder
func (req *CreateKeyRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// CreateKey handles POST /api/admin/keys
func (h *AdminHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req := &CreateKeyRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	days, err := license.ParseDuration(req.Duration)
	if err != nil {
		render.Render(w, r, apierrors.ErrInvalidDuration)
		return
	}

	key, err := h.manager.CreateKey(ctx, license.CreateParams{
		KeyType:      req.KeyType,
		UserID:       req.UserID,
		HWID:         req.HWID,
		DurationDays: days,
		Name:         req.Name,
	})
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, newKeyView(h.manager, key))
}

// ListKeys handles GET /api/admin/keys with optional type and user_id
// filters
func (h *AdminHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	var keys []store.LicenseKey
	switch {
	case r.URL.Query().Get("user_id") != "":
		userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
		if err != nil {
			render.Render(w, r, apierrors.ErrValidation("user_id", "must be an integer"))
			return
		}
		keys = h.manager.UserKeys(userID)
	case r.URL.Query().Get("type") != "":
		keys = h.manager.KeysByType(r.URL.Query().Get("type"))
	default:
		keys = h.manager.AllKeys()
	}

	views := make([]keyView, 0, len(keys))
	for i := range keys {
		views = append(views, newKeyView(h.manager, &keys[i]))
	}
	render.JSON(w, r, map[string]any{"keys": views, "count": len(views)})
}

// GetKey handles GET /api/admin/keys/{keyID}
func (h *AdminHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.manager.GetKey(chi.URLParam(r, "keyID"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, newKeyView(h.manager, key))
}

// DeleteKey handles DELETE /api/admin/keys/{keyID}. Administrative
// deletion never touches the owner's reset quota.
func (h *AdminHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	deleted, err := h.manager.DeleteKey(r.Context(), keyID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if !deleted {
		render.Render(w, r, apierrors.ErrKeyNotFound)
		return
	}
	render.JSON(w, r, map[string]any{"deleted": true, "key_id": keyID})
}

// ResetKey handles POST /api/admin/keys/{keyID}/reset: the
// credit-consuming self-service path, invoked on a user's behalf
func (h *AdminHandler) ResetKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyID")
	if err := h.manager.ResetKey(r.Context(), keyID); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"reset": true, "key_id": keyID})
}

// WipeKeys handles DELETE /api/admin/keys: remove every key and
// restore all reset quotas
func (h *AdminHandler) WipeKeys(w http.ResponseWriter, r *http.Request) {
	wiped, err := h.manager.WipeKeys(r.Context())
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]any{"wiped": wiped})
}

// RegisterUserRequest is the wire format for user registration
type RegisterUserRequest struct {
	UserID int64  `json:"user_id" validate:"required"`
	HWID   string `json:"hwid" validate:"required"`
	Order  string `json:"order"`
}

// Bind implements render.Binder
func (req *RegisterUserRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// userView is the admin-facing serialization of a user profile
type userView struct {
	UserID       int64                       `json:"user_id"`
	Keys         map[string]store.KeySummary `json:"keys"`
	HWIDs        []string                    `json:"hwids"`
	ResetsLeft   map[string]int              `json:"resets_left"`
	Order        string                      `json:"order,omitempty"`
	RegisteredAt *time.Time                  `json:"registered_at,omitempty"`
}

func newUserView(rec *license.UserRecord) userView {
	return userView{
		UserID:       rec.UserID,
		Keys:         rec.Profile.Keys,
		HWIDs:        rec.Profile.HWIDs,
		ResetsLeft:   rec.Profile.ResetsLeft,
		Order:        rec.Profile.Order,
		RegisteredAt: rec.Profile.RegisteredAt,
	}
}

// RegisterUser handles POST /api/admin/users
func (h *AdminHandler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	req := &RegisterUserRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	rec, err := h.manager.RegisterUser(r.Context(), req.UserID, req.HWID, req.Order)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, newUserView(rec))
}

// ListUsers handles GET /api/admin/users with simple paging and
// optional key-type and key-status filters
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	const pageSize = 25

	page := 1
	if p := r.URL.Query().Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			render.Render(w, r, apierrors.ErrValidation("page", "must be a positive integer"))
			return
		}
		page = n
	}

	users := h.manager.ListUsers()
	if kt, st := r.URL.Query().Get("type"), r.URL.Query().Get("status"); kt != "" || st != "" {
		users = filterUsers(users, kt, st)
	}
	total := len(users)

	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}

	views := make([]userView, 0, end-start)
	for i := start; i < end; i++ {
		rec := users[i]
		views = append(views, newUserView(&rec))
	}

	render.JSON(w, r, map[string]any{
		"users": views,
		"total": total,
		"page":  page,
	})
}

// filterUsers keeps users holding at least one key matching the given
// type and status; empty filter components match anything
func filterUsers(users []license.UserRecord, keyType, status string) []license.UserRecord {
	kept := make([]license.UserRecord, 0, len(users))
	for _, u := range users {
		for _, s := range u.Profile.Keys {
			if (keyType == "" || s.KeyType == keyType) && (status == "" || s.Status == status) {
				kept = append(kept, u)
				break
			}
		}
	}
	return kept
}

// GetUser handles GET /api/admin/users/{userID}
func (h *AdminHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		render.Render(w, r, apierrors.ErrValidation("user_id", "must be an integer"))
		return
	}

	rec, err := h.manager.GetUser(userID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, newUserView(rec))
}

// DeleteUser handles DELETE /api/admin/users/{userID}: removes the
// profile and every key it owns
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		render.Render(w, r, apierrors.ErrValidation("user_id", "must be an integer"))
		return
	}

	deleted, err := h.manager.DeleteUser(r.Context(), userID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if !deleted {
		render.Render(w, r, apierrors.ErrUserNotFound)
		return
	}
	render.JSON(w, r, map[string]any{"deleted": true, "user_id": userID})
}

// LookupHWID handles GET /api/admin/hwids/{hwid}
func (h *AdminHandler) LookupHWID(w http.ResponseWriter, r *http.Request) {
	info := h.manager.LookupHWID(chi.URLParam(r, "hwid"))

	views := make([]keyView, 0, len(info.Keys))
	for i := range info.Keys {
		views = append(views, newKeyView(h.manager, &info.Keys[i]))
	}

	render.JSON(w, r, map[string]any{
		"hwid":  info.HWID,
		"users": info.Users,
		"keys":  views,
	})
}

// UpdateSettingsRequest carries optional policy changes; absent fields
// stay untouched
type UpdateSettingsRequest struct {
	KeyRole       *string `json:"key_role"`
	DefaultResets *int    `json:"default_resets" validate:"omitempty,gt=0"`
}

// Bind implements render.Binder
func (req *UpdateSettingsRequest) Bind(r *http.Request) error {
	return validate.Struct(req)
}

// UpdateSettings handles PUT /api/admin/settings
func (h *AdminHandler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	req := &UpdateSettingsRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	settings, err := h.manager.UpdateSettings(r.Context(), req.KeyRole, req.DefaultResets)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, settings)
}

// GetSettings handles GET /api/admin/settings
func (h *AdminHandler) GetSettings(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.manager.Settings())
}

// renderError maps domain sentinel errors onto the API error taxonomy
func (h *AdminHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierrors.APIError
	switch {
	case errors.Is(err, license.ErrKeyNotFound):
		apiErr = apierrors.ErrKeyNotFound
	case errors.Is(err, license.ErrUserNotFound):
		apiErr = apierrors.ErrUserNotFound
	case errors.Is(err, license.ErrDuplicateActiveKey):
		apiErr = apierrors.ErrDuplicateActiveKey
	case errors.Is(err, license.ErrNoResetsRemaining):
		apiErr = apierrors.ErrNoResetsRemaining
	case errors.Is(err, license.ErrHwidMismatch):
		apiErr = apierrors.ErrHwidMismatch
	case errors.Is(err, license.ErrAlreadyExpired):
		apiErr = apierrors.ErrKeyExpired
	case errors.Is(err, license.ErrMissingHWID):
		apiErr = apierrors.ErrMissingHWID
	case errors.Is(err, license.ErrMissingKeyType):
		apiErr = apierrors.ErrValidation("key_type", "key_type is required")
	case errors.Is(err, license.ErrInvalidResetQuota):
		apiErr = apierrors.ErrValidation("default_resets", "must be positive")
	case errors.Is(err, store.ErrStoreIO):
		apiErr = apierrors.ErrStoreFailure
	default:
		h.logger.ErrorContext(r.Context(), "unhandled admin error",
			slog.String("error", err.Error()))
		apiErr = apierrors.ErrInternalServer
	}
	render.Render(w, r, apiErr)
}
