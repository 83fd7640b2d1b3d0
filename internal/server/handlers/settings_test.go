package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/crewhost/internal/server/middleware"
	"github.com/3leaps/crewhost/pkg/settings"
)

func newSettingsRouter(store settings.Store, secrets SecretStore) chi.Router {
	h := NewSettingsHandler(store, secrets, nil)
	r := chi.NewRouter()
	r.Get("/settings", h.Get)
	r.Put("/settings", h.Put)
	return r
}

func TestSettings_RequiresIdentity(t *testing.T) {
	router := newSettingsRouter(settings.NewMemoryStore(), newFakeSecrets())

	for _, method := range []string{http.MethodGet, http.MethodPut} {
		rec := doRequest(t, router, method, "/settings", `{}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, method)
	}
}

func TestSettings_GetEmpty(t *testing.T) {
	router := newSettingsRouter(settings.NewMemoryStore(), newFakeSecrets())

	rec := doRequest(t, router, http.MethodGet, "/settings", "", &middleware.Identity{Email: "Bob@Example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[SettingsResponse](t, rec)
	assert.Equal(t, "bob@example.com", body.UserID)
	assert.Empty(t, body.Address)
	assert.False(t, body.HasSecret)
	assert.Nil(t, body.UpdatedAt)
}

func TestSettings_PutPartialUpdates(t *testing.T) {
	store := settings.NewMemoryStore()
	secrets := newFakeSecrets()
	router := newSettingsRouter(store, secrets)
	caller := &middleware.Identity{Email: "bob@example.com"}

	rec := doRequest(t, router, http.MethodPut, "/settings",
		`{"address":" sender@example.com ","auth_mode":"app_password","signature_name":"Bob"}`, caller)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[SettingsResponse](t, rec)
	assert.Equal(t, "sender@example.com", body.Address)
	assert.Equal(t, "app_password", body.AuthMode)
	assert.Equal(t, "Bob", body.SignatureName)
	assert.NotNil(t, body.UpdatedAt)

	rec = doRequest(t, router, http.MethodPut, "/settings", `{"signature_body":"-- \nBob"}`, caller)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody[SettingsResponse](t, rec)
	assert.Equal(t, "sender@example.com", body.Address)
	assert.Equal(t, "Bob", body.SignatureName)
	assert.Equal(t, "-- \nBob", body.SignatureBody)
}

func TestSettings_PutSecretNeverEchoed(t *testing.T) {
	store := settings.NewMemoryStore()
	secrets := newFakeSecrets()
	router := newSettingsRouter(store, secrets)
	caller := &middleware.Identity{Email: "bob@example.com"}

	rec := doRequest(t, router, http.MethodPut, "/settings", `{"secret_value":"hunter2"}`, caller)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")
	assert.True(t, decodeBody[SettingsResponse](t, rec).HasSecret)

	v, err := secrets.Get(context.Background(), "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	rec = doRequest(t, router, http.MethodGet, "/settings", "", caller)
	assert.True(t, decodeBody[SettingsResponse](t, rec).HasSecret)
}

func TestSettings_EmptySecretIgnored(t *testing.T) {
	secrets := newFakeSecrets()
	router := newSettingsRouter(settings.NewMemoryStore(), secrets)

	rec := doRequest(t, router, http.MethodPut, "/settings", `{"secret_value":""}`, &middleware.Identity{Email: "bob@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeBody[SettingsResponse](t, rec).HasSecret)
}

func TestSettings_SecretWriteFailure(t *testing.T) {
	secrets := newFakeSecrets()
	secrets.putErr = errors.New("kms denied")
	store := settings.NewMemoryStore()
	router := newSettingsRouter(store, secrets)

	rec := doRequest(t, router, http.MethodPut, "/settings", `{"address":"x@example.com","secret_value":"pw"}`, &middleware.Identity{Email: "bob@example.com"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "kms denied")

	_, err := store.Get(context.Background(), "bob@example.com")
	assert.ErrorIs(t, err, settings.ErrNotFound)
}

func TestSettings_Validation(t *testing.T) {
	router := newSettingsRouter(settings.NewMemoryStore(), newFakeSecrets())
	caller := &middleware.Identity{Email: "bob@example.com"}

	rec := doRequest(t, router, http.MethodPut, "/settings", `{"auth_mode":"kerberos"}`, caller)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/settings", `not json`, caller)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, router, http.MethodPut, "/settings", `{"signature_body":"`+strings.Repeat("x", maxSettingsBody)+`"}`, caller)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type unavailableSettings struct{ settings.Store }

func (unavailableSettings) Get(ctx context.Context, identity string) (settings.Record, error) {
	return settings.Record{}, settings.ErrUnavailable
}

func TestSettings_StoreUnavailable(t *testing.T) {
	router := newSettingsRouter(unavailableSettings{settings.NewMemoryStore()}, newFakeSecrets())
	rec := doRequest(t, router, http.MethodGet, "/settings", "", &middleware.Identity{Email: "bob@example.com"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
