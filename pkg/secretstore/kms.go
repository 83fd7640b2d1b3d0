package secretstore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

const kmsRefPrefix = "kms:"

// KMSAPI is the subset of the KMS client in use.
type KMSAPI interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// NewKMSClient builds a client honoring custom endpoints.
func NewKMSClient(awsCfg aws.Config, endpoint string) *kms.Client {
	return kms.NewFromConfig(awsCfg, func(o *kms.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// KMSEncrypter encrypts fallback secrets under a KMS key.
type KMSEncrypter struct {
	client KMSAPI
	keyID  string
}

var _ Encrypter = (*KMSEncrypter)(nil)

// NewKMSEncrypter encrypts under keyID, which may be an id, ARN or alias.
func NewKMSEncrypter(client KMSAPI, keyID string) (*KMSEncrypter, error) {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return nil, errors.New("kms key id is required")
	}
	return &KMSEncrypter{client: client, keyID: keyID}, nil
}

// KeyRef identifies the key in stored ciphertext records.
func (e *KMSEncrypter) KeyRef() string {
	return kmsRefPrefix + e.keyID
}

var encryptionContext = map[string]string{"app": "crewhost", "purpose": "user-secret"}

// Encrypt returns base64 KMS ciphertext.
func (e *KMSEncrypter) Encrypt(ctx context.Context, plaintext []byte) (string, error) {
	out, err := e.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(e.keyID),
		Plaintext:         plaintext,
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

// Decrypt reverses Encrypt for any kms key reference.
func (e *KMSEncrypter) Decrypt(ctx context.Context, keyRef, ciphertext string) ([]byte, error) {
	keyID, ok := strings.CutPrefix(keyRef, kmsRefPrefix)
	if !ok || keyID == "" {
		return nil, fmt.Errorf("key reference %q is not a kms key", keyRef)
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 ciphertext: %w", err)
	}
	out, err := e.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    raw,
		KeyId:             aws.String(keyID),
		EncryptionContext: encryptionContext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}
