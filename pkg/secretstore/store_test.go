package secretstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/crewhost/pkg/settings"
)

// switchableBackend wraps MemoryBackend and fails every call while down.
type switchableBackend struct {
	*MemoryBackend
	mu   sync.Mutex
	down bool
}

var errBackendDown = errors.New("connection refused")

func (b *switchableBackend) setDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

func (b *switchableBackend) isDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.down
}

func (b *switchableBackend) Get(ctx context.Context, name string) (Version, error) {
	if b.isDown() {
		return Version{}, errBackendDown
	}
	return b.MemoryBackend.Get(ctx, name)
}

func (b *switchableBackend) Put(ctx context.Context, name, value string) error {
	if b.isDown() {
		return errBackendDown
	}
	return b.MemoryBackend.Put(ctx, name, value)
}

func (b *switchableBackend) Ping(ctx context.Context) error {
	if b.isDown() {
		return errBackendDown
	}
	return nil
}

// brokenSettings fails every call.
type brokenSettings struct{}

func (brokenSettings) Get(ctx context.Context, identity string) (settings.Record, error) {
	return settings.Record{}, settings.ErrUnavailable
}

func (brokenSettings) Merge(ctx context.Context, identity string, patch settings.Patch) (settings.Record, error) {
	return settings.Record{}, settings.ErrUnavailable
}

func (brokenSettings) Ping(ctx context.Context) error {
	return settings.ErrUnavailable
}

// tickingClock returns a strictly increasing time on every call.
type tickingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newAge(t *testing.T) *AgeEncrypter {
	t.Helper()
	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	enc, err := NewAgeEncrypter(id.String())
	require.NoError(t, err)
	return enc
}

type fixture struct {
	primary  *switchableBackend
	settings *settings.MemoryStore
	store    *Store
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := &tickingClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	mem := NewMemoryBackend()
	mem.now = clock.Now
	primary := &switchableBackend{MemoryBackend: mem}
	st := settings.NewMemoryStore()
	return fixture{
		primary:  primary,
		settings: st,
		store:    New(primary, st, newAge(t), WithClock(clock.Now)),
	}
}

func TestStore_RoundTripPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.Put(ctx, "a@example.com", "s3cr3t"))

	got, err := f.store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)
	assert.True(t, f.store.Has(ctx, "A@Example.com"))
	assert.Equal(t, 1, f.primary.Versions(SecretName("a@example.com")))

	_, err = f.settings.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, settings.ErrNotFound, "primary writes must not touch settings")
}

func TestStore_RoundTripFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.primary.setDown(true)

	require.NoError(t, f.store.Put(ctx, "a@example.com", "s3cr3t"))

	rec, err := f.settings.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.True(t, rec.HasFallbackSecret())
	assert.NotContains(t, rec.SecretCiphertext, "s3cr3t")
	assert.Contains(t, rec.SecretKeyRef, "age:age1")

	got, err := f.store.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)
}

func TestStore_LastWriteWinsAcrossTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := "b@example.com"

	require.NoError(t, f.store.Put(ctx, id, "one"))

	f.primary.setDown(true)
	require.NoError(t, f.store.Put(ctx, id, "two"))
	f.primary.setDown(false)

	got, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "two", got, "newer fallback value must win over older primary version")

	require.NoError(t, f.store.Put(ctx, id, "three"))
	got, err = f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "three", got)

	rec, err := f.settings.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, rec.HasFallbackSecret(), "primary write clears the stale fallback copy")
}

func TestStore_Absent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.store.Get(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrAbsent)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.False(t, f.store.Has(ctx, "nobody@example.com"))

	_, err = f.store.Get(ctx, "  ")
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestStore_SettingsRecordWithoutSecretIsAbsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.settings.Merge(ctx, "c@example.com", settings.Patch{Address: settings.String("c@example.com")})
	require.NoError(t, err)

	_, err = f.store.Get(ctx, "c@example.com")
	assert.ErrorIs(t, err, ErrAbsent)
}

func TestStore_TotalFailureIsDistinctFromAbsent(t *testing.T) {
	ctx := context.Background()
	primary := &switchableBackend{MemoryBackend: NewMemoryBackend(), down: true}
	s := New(primary, brokenSettings{}, newAge(t))

	_, err := s.Get(ctx, "a@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NotErrorIs(t, err, ErrAbsent)
	assert.ErrorIs(t, err, errBackendDown)

	var be *BackendError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, "get", be.Op)
	assert.NotContains(t, err.Error(), "a@example.com")

	assert.False(t, s.Has(ctx, "a@example.com"))

	err = s.Put(ctx, "a@example.com", "pw")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStore_PrimaryFailureWithEmptyFallbackIsUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.primary.setDown(true)

	_, err := f.store.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestStore_NoTiers(t *testing.T) {
	ctx := context.Background()
	s := New(nil, nil, nil)

	_, err := s.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrAbsent)
	assert.ErrorIs(t, s.Put(ctx, "a@example.com", "pw"), ErrUnavailable)
	assert.NoError(t, s.CheckHealth(ctx))
	assert.Equal(t, "none", s.Describe())
}

func TestStore_PutValidation(t *testing.T) {
	f := newFixture(t)
	assert.Error(t, f.store.Put(context.Background(), "", "pw"))
	assert.Error(t, f.store.Put(context.Background(), "a@example.com", ""))
}

func TestStore_ForeignKeyRefIsUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.primary.setDown(true)
	require.NoError(t, f.store.Put(ctx, "a@example.com", "pw"))

	other := New(nil, f.settings, newAge(t))
	_, err := other.Get(ctx, "a@example.com")
	assert.ErrorIs(t, err, ErrUnavailable, "a foreign key reference must not read as absent")
}

func TestStore_CheckHealth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	assert.NoError(t, f.store.CheckHealth(ctx))

	f.primary.setDown(true)
	assert.NoError(t, f.store.CheckHealth(ctx), "fallback still usable")

	s := New(f.primary, brokenSettings{}, newAge(t))
	assert.ErrorIs(t, s.CheckHealth(ctx), ErrUnavailable)

	assert.Contains(t, f.store.Describe(), "primary+fallback(age:")
}

func TestSecretName(t *testing.T) {
	tests := []struct {
		identity string
		want     string
	}{
		{"a@example.com", "user-a@example.com-secret"},
		{"  Bob.Smith@Example.COM ", "user-bob.smith@example.com-secret"},
		{"weird name!#$", "user-weird-name----secret"},
		{"x+tag@example.com", "user-x+tag@example.com-secret"},
	}
	for _, tt := range tests {
		t.Run(tt.identity, func(t *testing.T) {
			assert.Equal(t, tt.want, SecretName(tt.identity))
		})
	}
}

func TestBackendError(t *testing.T) {
	err := &BackendError{Op: "get", Primary: errBackendDown}
	assert.Equal(t, "secret store get: secret backend unavailable; primary: connection refused", err.Error())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, errBackendDown)
}
