package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/crewhost/internal/errors"
	"github.com/3leaps/crewhost/internal/server/middleware"
	"github.com/3leaps/crewhost/pkg/redact"
	"github.com/3leaps/crewhost/pkg/runregistry"
	"github.com/3leaps/crewhost/pkg/secretstore"
	"github.com/3leaps/crewhost/pkg/settings"
)

const maxLaunchBody = 64 << 10

// SecretStore is the part of secretstore.Store the handlers use.
type SecretStore interface {
	Put(ctx context.Context, identity, value string) error
	Get(ctx context.Context, identity string) (string, error)
	Has(ctx context.Context, identity string) bool
}

// LaunchDefaults are the last-resort launch credentials and limit.
type LaunchDefaults struct {
	Identity string
	Secret   string
	Limit    int
}

// RunsHandler serves the /runs routes.
type RunsHandler struct {
	executor *runregistry.Executor
	settings settings.Store
	secrets  SecretStore
	defaults LaunchDefaults
	logger   *zap.Logger
}

// NewRunsHandler serves the /runs routes on top of executor.
func NewRunsHandler(executor *runregistry.Executor, st settings.Store, secrets SecretStore, defaults LaunchDefaults, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaults.Limit < 1 {
		defaults.Limit = 5
	}
	return &RunsHandler{
		executor: executor,
		settings: st,
		secrets:  secrets,
		defaults: defaults,
		logger:   logger,
	}
}

// RunSummary is the public view of a run. Identity is always masked.
type RunSummary struct {
	ID        string     `json:"id"`
	Identity  string     `json:"identity"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	LogLines  int        `json:"log_lines"`
}

func summarize(s runregistry.Snapshot) RunSummary {
	return RunSummary{
		ID:        s.ID,
		Identity:  redact.MaskIdentity(s.Identity),
		Status:    string(s.State),
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
		ExitCode:  s.ExitCode,
		LogLines:  s.LogLines,
	}
}

// LaunchResponse is the 202 body of POST /runs.
type LaunchResponse struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// launchBody accepts both the current field names and the names used by
// older clients.
type launchBody struct {
	Identity     string          `json:"identity"`
	EmailAddress string          `json:"email_address"`
	SecretValue  string          `json:"secret_value"`
	AppPassword  string          `json:"app_password"`
	Limit        json.RawMessage `json:"limit"`
	EmailLimit   json.RawMessage `json:"email_limit"`
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// parseLimit accepts a JSON number or numeric string. Anything else, and
// non-positive values, yield ok=false.
func parseLimit(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		n = json.Number(strings.TrimSpace(s))
	}
	v, err := strconv.Atoi(n.String())
	if err != nil {
		f, ferr := n.Float64()
		if ferr != nil || f != float64(int(f)) {
			return 0, false
		}
		v = int(f)
	}
	if v < 1 {
		return 0, false
	}
	return v, true
}

// Launch handles POST /runs.
func (h *RunsHandler) Launch(w http.ResponseWriter, r *http.Request) {
	var body launchBody
	data, err := io.ReadAll(io.LimitReader(r.Body, maxLaunchBody+1))
	if err != nil {
		respondWithError(w, r, apperrors.NewValidationError("could not read request body"))
		return
	}
	if len(data) > maxLaunchBody {
		respondWithError(w, r, apperrors.NewValidationError("request body too large"))
		return
	}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &body); err != nil {
			respondWithError(w, r, apperrors.NewValidationError("request body is not valid JSON"))
			return
		}
	}

	limit, ok := parseLimit(body.Limit)
	if !ok {
		limit, ok = parseLimit(body.EmailLimit)
	}
	if !ok {
		limit = h.defaults.Limit
	}

	identity := firstNonEmpty(body.Identity, body.EmailAddress)
	secret := firstNonEmpty(body.SecretValue, body.AppPassword)

	if identity == "" || secret == "" {
		identity, secret, err = h.resolveFromCaller(r, identity, secret)
		if err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	if identity == "" {
		identity = strings.TrimSpace(h.defaults.Identity)
	}
	if secret == "" {
		secret = h.defaults.Secret
	}

	var missing []string
	if identity == "" {
		missing = append(missing, "identity")
	}
	if secret == "" {
		missing = append(missing, "secret_value")
	}
	if len(missing) > 0 {
		respondWithError(w, r, apperrors.NewValidationError("identity and secret are required").
			WithDetail("missing", missing))
		return
	}

	snap, err := h.executor.Launch(r.Context(), runregistry.LaunchRequest{
		Identity: identity,
		Secret:   secret,
		Limit:    limit,
	})
	if err != nil {
		respondWithError(w, r, apperrors.WrapInternal(r.Context(), err, "could not start run"))
		return
	}

	h.logger.Info("run launched",
		zap.String("run_id", snap.ID),
		zap.String("identity", redact.MaskIdentity(identity)),
		zap.Int("limit", limit),
		zap.String("request_id", apperrors.RequestIDFromContext(r.Context())))

	writeJSON(w, http.StatusAccepted, LaunchResponse{
		RunID:     snap.ID,
		Status:    string(snap.State),
		StartedAt: snap.StartedAt,
	})
}

// resolveFromCaller fills identity and secret from the authenticated caller's
// settings and secret store. Without an authenticated caller it returns the
// inputs unchanged.
func (h *RunsHandler) resolveFromCaller(r *http.Request, identity, secret string) (string, string, error) {
	caller, ok := middleware.IdentityFromContext(r.Context())
	if !ok {
		return identity, secret, nil
	}
	ctx := r.Context()

	if identity == "" && h.settings != nil {
		rec, err := h.settings.Get(ctx, caller.Key())
		switch {
		case err == nil:
			identity = strings.TrimSpace(rec.Address)
		case errors.Is(err, settings.ErrNotFound):
		default:
			return "", "", err
		}
		if identity == "" {
			identity = strings.TrimSpace(caller.Email)
		}
	}

	if secret == "" && h.secrets != nil {
		v, err := h.secrets.Get(ctx, caller.Key())
		switch {
		case err == nil:
			secret = v
		case errors.Is(err, secretstore.ErrAbsent):
		default:
			h.logger.Warn("secret retrieval failed",
				zap.String("identity", caller.MaskedKey()),
				zap.Error(err))
			return "", "", apperrors.NewBackendUnavailableError("stored secret could not be retrieved", err)
		}
	}
	return identity, secret, nil
}

// List handles GET /runs.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	snaps := h.executor.Registry().List()
	out := make([]RunSummary, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, summarize(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// Get handles GET /runs/{id}. Unknown ids are 404.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.executor.Registry().Get(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summarize(run.Snapshot()))
}

// Logs handles GET /runs/{id}/logs?start=N. Unknown ids answer 200 with
// status "unknown" so pollers survive a server restart.
func (h *RunsHandler) Logs(w http.ResponseWriter, r *http.Request) {
	start := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("start")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, r, apperrors.NewValidationError("start must be a non-negative integer").
				WithDetail("start", raw))
			return
		}
		start = n
	}
	writeJSON(w, http.StatusOK, h.executor.Registry().Fetch(chi.URLParam(r, "id"), start))
}
