package secretstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

const ageRefPrefix = "age:"

// AgeEncrypter encrypts fallback secrets to a local x25519 identity. It is
// intended for single-host deployments without a key management service.
type AgeEncrypter struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

var _ Encrypter = (*AgeEncrypter)(nil)

// NewAgeEncrypter parses an AGE-SECRET-KEY-1... identity string.
func NewAgeEncrypter(privateKey string) (*AgeEncrypter, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(privateKey))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return &AgeEncrypter{identity: identity, recipient: identity.Recipient()}, nil
}

// LoadAgeEncrypter reads the first x25519 identity from an age identity file.
func LoadAgeEncrypter(path string) (*AgeEncrypter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer func() { _ = f.Close() }()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return &AgeEncrypter{identity: x, recipient: x.Recipient()}, nil
		}
	}
	return nil, errors.New("identity file has no x25519 identity")
}

// GenerateAgeIdentityFile writes a new identity to path with 0600
// permissions and returns its public key. Existing files are not replaced.
func GenerateAgeIdentityFile(path string) (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating age keypair: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("create identity file: %w", err)
	}
	pub := identity.Recipient().String()
	_, werr := fmt.Fprintf(f, "# public key: %s\n%s\n", pub, identity.String())
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", fmt.Errorf("write identity file: %w", werr)
	}
	return pub, nil
}

func (e *AgeEncrypter) KeyRef() string {
	return ageRefPrefix + e.recipient.String()
}

func (e *AgeEncrypter) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (e *AgeEncrypter) Decrypt(ctx context.Context, keyRef, ciphertext string) ([]byte, error) {
	if keyRef != e.KeyRef() {
		return nil, fmt.Errorf("key reference %q does not match the configured age identity", keyRef)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), e.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	return plaintext, nil
}
