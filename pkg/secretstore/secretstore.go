// Package secretstore keeps one secret per user identity behind a single
// Put/Get contract.
//
// Writes and reads go to a managed secret backend first. When that backend is
// unreachable or unconfigured the secret is encrypted with an Encrypter and
// the ciphertext is stored in the user's settings record instead. Callers
// cannot tell which path served a request.
package secretstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrAbsent indicates no secret is stored for the identity.
	ErrAbsent = errors.New("secret absent")

	// ErrUnavailable indicates neither storage path could answer.
	ErrUnavailable = errors.New("secret backend unavailable")
)

// Version is one stored secret value.
type Version struct {
	Value     string
	CreatedAt time.Time
}

// Backend is a managed, versioned secret service.
type Backend interface {
	// Get returns the latest version of the named secret or ErrAbsent.
	Get(ctx context.Context, name string) (Version, error)

	// Put adds a new version, creating the secret on first write.
	Put(ctx context.Context, name, value string) error

	// Ping checks that the backend is reachable with current credentials.
	Ping(ctx context.Context) error
}

// Encrypter performs symmetric encryption for the fallback path.
type Encrypter interface {
	// KeyRef identifies the key used by Encrypt; it is stored alongside the
	// ciphertext and passed back to Decrypt.
	KeyRef() string

	Encrypt(ctx context.Context, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, keyRef, ciphertext string) ([]byte, error)
}

// BackendError reports that no path could serve an operation.
type BackendError struct {
	Op       string
	Primary  error
	Fallback error
}

func (e *BackendError) Error() string {
	var b strings.Builder
	b.WriteString("secret store ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(ErrUnavailable.Error())
	if e.Primary != nil {
		b.WriteString("; primary: ")
		b.WriteString(e.Primary.Error())
	}
	if e.Fallback != nil {
		b.WriteString("; fallback: ")
		b.WriteString(e.Fallback.Error())
	}
	return b.String()
}

func (e *BackendError) Unwrap() []error {
	errs := []error{ErrUnavailable}
	if e.Primary != nil {
		errs = append(errs, e.Primary)
	}
	if e.Fallback != nil {
		errs = append(errs, e.Fallback)
	}
	return errs
}

// SecretName derives the backend secret name for an identity. Characters
// outside the set accepted by managed secret services become '-'.
func SecretName(identity string) string {
	id := strings.ToLower(strings.TrimSpace(identity))
	var b strings.Builder
	b.Grow(len(id) + len("user--secret"))
	b.WriteString("user-")
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune("/_+=.@-", r):
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	b.WriteString("-secret")
	return b.String()
}
