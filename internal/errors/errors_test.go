package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/crewhost/pkg/runregistry"
	"github.com/3leaps/crewhost/pkg/secretstore"
	"github.com/3leaps/crewhost/pkg/settings"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"app error", NewValidationError("bad"), http.StatusBadRequest, CodeValidation},
		{"wrapped app error", fmt.Errorf("ctx: %w", NewUnauthorizedError("who")), http.StatusUnauthorized, CodeUnauthorized},
		{"run not found", fmt.Errorf("lookup: %w", runregistry.ErrNotFound), http.StatusNotFound, CodeNotFound},
		{"settings not found", settings.ErrNotFound, http.StatusNotFound, CodeNotFound},
		{"secret backend", fmt.Errorf("get: %w", secretstore.ErrUnavailable), http.StatusServiceUnavailable, CodeBackendUnavailable},
		{"settings backend", settings.ErrUnavailable, http.StatusServiceUnavailable, CodeBackendUnavailable},
		{"unknown", assert.AnError, http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.wantCode, got.Code)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestRespondWithError_Envelope(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/runs/x", nil)
	req = req.WithContext(ContextWithRequestID(req.Context(), "req-1"))
	rec := httptest.NewRecorder()

	RespondWithError(rec, req, NewValidationError("limit must be positive").WithDetail("field", "limit"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, CodeValidation, body.Error.Code)
	assert.Equal(t, "limit must be positive", body.Error.Message)
	assert.Equal(t, "limit", body.Error.Details["field"])
	assert.Equal(t, "req-1", body.Error.RequestID)
}

func TestRespondWithError_HidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil),
		NewBackendUnavailableError("secret backend unavailable", fmt.Errorf("dial tcp 10.0.0.1:443: timeout")))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.1")
}

func TestWrapInternal_AttachesRequestID(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "abc")
	err := WrapInternal(ctx, assert.AnError, "boom")

	assert.Equal(t, http.StatusInternalServerError, err.Status)
	assert.Equal(t, "abc", err.Details["request_id"])
	assert.ErrorIs(t, err, assert.AnError)
}

func TestAppError_Envelope(t *testing.T) {
	env := NewNotFoundError("run not found").WithDetail("run_id", "r-1").Envelope("req-9")

	assert.Equal(t, CodeNotFound, env.Code)
	assert.Equal(t, "run not found", env.Message)
	assert.Equal(t, "req-9", env.CorrelationID)
	assert.Equal(t, "r-1", env.Context["run_id"])

	bare := NewValidationError("bad").Envelope("")
	assert.Empty(t, bare.CorrelationID)
	assert.Empty(t, bare.Context)
}
