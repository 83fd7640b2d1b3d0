package settings

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatchApply(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	secretAt := now.Add(-time.Minute)
	base := Record{
		UserID:           "alice@example.com",
		Address:          "alice@example.com",
		SignatureName:    "Alice",
		SecretCiphertext: "cipher",
		SecretKeyRef:     "kms:key",
		SecretUpdatedAt:  &secretAt,
	}

	t.Run("nil fields untouched", func(t *testing.T) {
		got := Patch{SignatureBody: String("Regards")}.Apply(base, now)
		assert.Equal(t, "Alice", got.SignatureName)
		assert.Equal(t, "Regards", got.SignatureBody)
		assert.Equal(t, "cipher", got.SecretCiphertext)
		assert.Equal(t, now, got.UpdatedAt)
	})

	t.Run("empty string clears", func(t *testing.T) {
		got := Patch{SignatureName: String("")}.Apply(base, now)
		assert.Empty(t, got.SignatureName)
	})

	t.Run("address trimmed", func(t *testing.T) {
		got := Patch{Address: String("  bob@example.com ")}.Apply(base, now)
		assert.Equal(t, "bob@example.com", got.Address)
	})

	t.Run("clear secret", func(t *testing.T) {
		got := Patch{ClearSecret: true}.Apply(base, now)
		assert.False(t, got.HasFallbackSecret())
		assert.Nil(t, got.SecretUpdatedAt)
	})

	t.Run("secret fields set after clear", func(t *testing.T) {
		got := Patch{
			ClearSecret:      true,
			SecretCiphertext: String("new"),
			SecretKeyRef:     String("age:x"),
			SecretUpdatedAt:  &now,
		}.Apply(base, now)
		assert.True(t, got.HasFallbackSecret())
		assert.Equal(t, "new", got.SecretCiphertext)
		require.NotNil(t, got.SecretUpdatedAt)
		assert.Equal(t, now, *got.SecretUpdatedAt)
	})
}

func TestNormalizeIdentity(t *testing.T) {
	assert.Equal(t, "alice@example.com", NormalizeIdentity("  Alice@Example.COM "))
	assert.Empty(t, NormalizeIdentity("   "))
}

// storeContract runs the behavior every Store must share.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "  ")
	assert.Error(t, err)

	rec, err := s.Merge(ctx, "Alice@Example.com", Patch{
		Address:       String("alice@example.com"),
		SignatureName: String("Alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", rec.UserID)
	assert.False(t, rec.UpdatedAt.IsZero())

	rec, err = s.Merge(ctx, "alice@example.com", Patch{SignatureBody: String("Cheers")})
	require.NoError(t, err)
	assert.Equal(t, "Alice", rec.SignatureName)
	assert.Equal(t, "Cheers", rec.SignatureBody)

	got, err := s.Get(ctx, "ALICE@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.Address)
	assert.Equal(t, "Alice", got.SignatureName)
	assert.Equal(t, "Cheers", got.SignatureBody)

	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	storeContract(t, NewFileStore(filepath.Join(t.TempDir(), "settings")))
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	_, err := NewFileStore(root).Merge(ctx, "carol@example.com", Patch{AuthMode: String(AuthModeAppPassword)})
	require.NoError(t, err)

	got, err := NewFileStore(root).Get(ctx, "carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, AuthModeAppPassword, got.AuthMode)
}

func TestFileStore_FileNamesDoNotLeakIdentity(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewFileStore(root)

	_, err := s.Merge(ctx, "carol@example.com", Patch{Address: String("carol@example.com")})
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Name(), "carol")
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".json"))

	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewFileStore(root)

	require.NoError(t, os.WriteFile(s.path("dave@example.com"), []byte("{not json"), 0o600))
	_, err := s.Get(ctx, "dave@example.com")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(s.path("erin@example.com"), []byte("  \n"), 0o600))
	_, err = s.Get(ctx, "erin@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_EmptyRoot(t *testing.T) {
	s := NewFileStore("  ")
	_, err := s.Merge(context.Background(), "a@example.com", Patch{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrUnavailable)
}

func TestPostgresConfig_Validate(t *testing.T) {
	valid := DefaultPostgresConfig("postgres://u:p@localhost:5432/db")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*PostgresConfig)
	}{
		{"missing url", func(c *PostgresConfig) { c.URL = "" }},
		{"zero ping timeout", func(c *PostgresConfig) { c.PingTimeout = 0 }},
		{"no open conns", func(c *PostgresConfig) { c.MaxOpenConns = 0 }},
		{"idle above open", func(c *PostgresConfig) { c.MaxIdleConns = c.MaxOpenConns + 1 }},
		{"negative lifetime", func(c *PostgresConfig) { c.ConnMaxLifetime = -time.Second }},
		{"bad table", func(c *PostgresConfig) { c.Table = "settings; DROP TABLE x" }},
		{"table leading digit", func(c *PostgresConfig) { c.Table = "1settings" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := valid
	cfg.Table = ""
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "user_settings", cfg.table())
}
