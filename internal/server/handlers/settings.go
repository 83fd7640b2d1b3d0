package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/crewhost/internal/errors"
	"github.com/3leaps/crewhost/internal/server/middleware"
	"github.com/3leaps/crewhost/pkg/settings"
)

const maxSettingsBody = 64 << 10

// SettingsHandler serves GET and PUT /settings for the authenticated caller.
type SettingsHandler struct {
	store   settings.Store
	secrets SecretStore
	logger  *zap.Logger
}

// NewSettingsHandler serves /settings from store, keeping secrets in secrets.
func NewSettingsHandler(store settings.Store, secrets SecretStore, logger *zap.Logger) *SettingsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SettingsHandler{store: store, secrets: secrets, logger: logger}
}

// SettingsResponse never carries the secret or its ciphertext.
type SettingsResponse struct {
	UserID        string     `json:"user_id"`
	Address       string     `json:"address"`
	AuthMode      string     `json:"auth_mode"`
	SignatureName string     `json:"signature_name"`
	SignatureBody string     `json:"signature_body"`
	HasSecret     bool       `json:"has_secret"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// settingsUpdate is the PUT body. Absent fields are left unchanged.
type settingsUpdate struct {
	Address       *string `json:"address"`
	AuthMode      *string `json:"auth_mode"`
	SignatureName *string `json:"signature_name"`
	SignatureBody *string `json:"signature_body"`
	SecretValue   *string `json:"secret_value"`
}

var validAuthModes = map[string]bool{
	"":                           true,
	settings.AuthModeAppPassword: true,
	settings.AuthModeOAuth:       true,
}

func (h *SettingsHandler) render(r *http.Request, userID string, rec settings.Record, found bool) SettingsResponse {
	resp := SettingsResponse{
		UserID:        userID,
		Address:       rec.Address,
		AuthMode:      rec.AuthMode,
		SignatureName: rec.SignatureName,
		SignatureBody: rec.SignatureBody,
	}
	if found && !rec.UpdatedAt.IsZero() {
		t := rec.UpdatedAt
		resp.UpdatedAt = &t
	}
	if h.secrets != nil {
		resp.HasSecret = h.secrets.Has(r.Context(), userID)
	}
	return resp
}

// Get handles GET /settings.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	caller, err := middleware.RequireIdentity(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	userID := settings.NormalizeIdentity(caller.Key())

	rec, err := h.store.Get(r.Context(), userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, h.render(r, userID, rec, true))
	case errors.Is(err, settings.ErrNotFound):
		writeJSON(w, http.StatusOK, h.render(r, userID, settings.Record{}, false))
	default:
		respondWithError(w, r, err)
	}
}

// Put handles PUT /settings. A non-empty secret_value goes to the secret
// store; everything else is merged into the settings record.
func (h *SettingsHandler) Put(w http.ResponseWriter, r *http.Request) {
	caller, err := middleware.RequireIdentity(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	userID := settings.NormalizeIdentity(caller.Key())

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSettingsBody+1))
	if err != nil || len(data) > maxSettingsBody {
		respondWithError(w, r, apperrors.NewValidationError("request body too large or unreadable"))
		return
	}
	var upd settingsUpdate
	if err := json.Unmarshal(data, &upd); err != nil {
		respondWithError(w, r, apperrors.NewValidationError("request body is not valid JSON"))
		return
	}
	if upd.AuthMode != nil && !validAuthModes[strings.TrimSpace(*upd.AuthMode)] {
		respondWithError(w, r, apperrors.NewValidationError("auth_mode must be app_password or oauth").
			WithDetail("auth_mode", *upd.AuthMode))
		return
	}

	if upd.SecretValue != nil && *upd.SecretValue != "" {
		if h.secrets == nil {
			respondWithError(w, r, apperrors.NewBackendUnavailableError("secret storage is not configured", nil))
			return
		}
		if err := h.secrets.Put(r.Context(), userID, *upd.SecretValue); err != nil {
			h.logger.Warn("secret write failed", zap.String("identity", caller.MaskedKey()), zap.Error(err))
			respondWithError(w, r, apperrors.NewBackendUnavailableError("secret could not be stored", err))
			return
		}
	}

	rec, err := h.store.Merge(r.Context(), userID, settings.Patch{
		Address:       upd.Address,
		AuthMode:      upd.AuthMode,
		SignatureName: upd.SignatureName,
		SignatureBody: upd.SignatureBody,
	})
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.render(r, userID, rec, true))
}
