// Package settings stores per-user profile fields and, when the managed
// secret backend is unavailable, the user's encrypted secret.
package settings

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates no settings record exists for the identity.
	ErrNotFound = errors.New("settings not found")

	// ErrUnavailable indicates the backing store could not be reached.
	ErrUnavailable = errors.New("settings store unavailable")
)

// Auth modes a user may select for their account.
const (
	AuthModeAppPassword = "app_password"
	AuthModeOAuth       = "oauth"
)

// Record is the settings document for one user.
type Record struct {
	UserID        string `json:"user_id"`
	Address       string `json:"address,omitempty"`
	AuthMode      string `json:"auth_mode,omitempty"`
	SignatureName string `json:"signature_name,omitempty"`
	SignatureBody string `json:"signature_body,omitempty"`

	// SecretCiphertext and SecretKeyRef are set only when the secret was
	// written through the encrypted fallback path.
	SecretCiphertext string     `json:"secret_ciphertext,omitempty"`
	SecretKeyRef     string     `json:"secret_key_ref,omitempty"`
	SecretUpdatedAt  *time.Time `json:"secret_updated_at,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// HasFallbackSecret reports whether an encrypted secret is stored inline.
func (r Record) HasFallbackSecret() bool {
	return r.SecretCiphertext != "" && r.SecretKeyRef != ""
}

// Patch is a partial update. Nil fields are left untouched; a pointer to the
// empty string clears the field.
type Patch struct {
	Address          *string
	AuthMode         *string
	SignatureName    *string
	SignatureBody    *string
	SecretCiphertext *string
	SecretKeyRef     *string
	SecretUpdatedAt  *time.Time

	// ClearSecret removes the fallback ciphertext, key reference and
	// timestamp. It is applied before the secret fields above.
	ClearSecret bool
}

// String returns a pointer to s, for building patches.
func String(s string) *string {
	return &s
}

// Apply merges p into r and stamps UpdatedAt.
func (p Patch) Apply(r Record, now time.Time) Record {
	if p.Address != nil {
		r.Address = strings.TrimSpace(*p.Address)
	}
	if p.AuthMode != nil {
		r.AuthMode = strings.TrimSpace(*p.AuthMode)
	}
	if p.SignatureName != nil {
		r.SignatureName = *p.SignatureName
	}
	if p.SignatureBody != nil {
		r.SignatureBody = *p.SignatureBody
	}
	if p.ClearSecret {
		r.SecretCiphertext = ""
		r.SecretKeyRef = ""
		r.SecretUpdatedAt = nil
	}
	if p.SecretCiphertext != nil {
		r.SecretCiphertext = *p.SecretCiphertext
	}
	if p.SecretKeyRef != nil {
		r.SecretKeyRef = *p.SecretKeyRef
	}
	if p.SecretUpdatedAt != nil {
		t := p.SecretUpdatedAt.UTC()
		r.SecretUpdatedAt = &t
	}
	r.UpdatedAt = now.UTC()
	return r
}

// Store is a key/value store of settings records keyed by user identity.
type Store interface {
	// Get returns the record for identity or ErrNotFound.
	Get(ctx context.Context, identity string) (Record, error)

	// Merge applies patch to the record for identity, creating it if
	// needed, and returns the result.
	Merge(ctx context.Context, identity string, patch Patch) (Record, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error
}

// NormalizeIdentity trims whitespace and lowercases the identity so that
// lookups are case-insensitive on addresses.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

func requireIdentity(identity string) (string, error) {
	id := NormalizeIdentity(identity)
	if id == "" {
		return "", errors.New("identity is required")
	}
	return id, nil
}
