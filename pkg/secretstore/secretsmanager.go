package secretstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
)

// SecretsManagerAPI is the subset of the Secrets Manager client in use.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	ListSecrets(ctx context.Context, in *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// SecretsManagerConfig configures the managed backend.
type SecretsManagerConfig struct {
	Endpoint string
	// KMSKeyID encrypts newly created secrets; empty uses the account default.
	KMSKeyID string
	// NamePrefix is prepended to derived secret names, e.g. "crewhost/".
	NamePrefix string
}

// NewSecretsManagerClient builds a client honoring custom endpoints.
func NewSecretsManagerClient(awsCfg aws.Config, cfg SecretsManagerConfig) *secretsmanager.Client {
	return secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
}

// SecretsManagerBackend implements Backend with AWS Secrets Manager.
type SecretsManagerBackend struct {
	client SecretsManagerAPI
	cfg    SecretsManagerConfig
}

var _ Backend = (*SecretsManagerBackend)(nil)

// NewSecretsManagerBackend wraps client. Secret names get cfg.NamePrefix.
func NewSecretsManagerBackend(client SecretsManagerAPI, cfg SecretsManagerConfig) *SecretsManagerBackend {
	return &SecretsManagerBackend{client: client, cfg: cfg}
}

// name maps a user secret name to its Secrets Manager id.
func (b *SecretsManagerBackend) name(name string) string {
	return b.cfg.NamePrefix + name
}

// Get returns the current version of name, or ErrAbsent.
func (b *SecretsManagerBackend) Get(ctx context.Context, name string) (Version, error) {
	out, err := b.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(b.name(name)),
	})
	if err != nil {
		if isResourceNotFound(err) {
			return Version{}, ErrAbsent
		}
		return Version{}, fmt.Errorf("get secret value: %w", err)
	}

	v := Version{CreatedAt: aws.ToTime(out.CreatedDate)}
	switch {
	case out.SecretString != nil:
		v.Value = aws.ToString(out.SecretString)
	case len(out.SecretBinary) > 0:
		v.Value = string(out.SecretBinary)
	}
	if v.Value == "" {
		return Version{}, ErrAbsent
	}
	return v, nil
}

// Put adds a new version. The secret is created on the first write.
func (b *SecretsManagerBackend) Put(ctx context.Context, name, value string) error {
	id := b.name(name)
	_, err := b.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(id),
		SecretString: aws.String(value),
	})
	if err == nil {
		return nil
	}
	if !isResourceNotFound(err) {
		return fmt.Errorf("put secret value: %w", err)
	}

	in := &secretsmanager.CreateSecretInput{
		Name:         aws.String(id),
		SecretString: aws.String(value),
		Description:  aws.String("crewhost user secret"),
	}
	if b.cfg.KMSKeyID != "" {
		in.KmsKeyId = aws.String(b.cfg.KMSKeyID)
	}
	if _, err := b.client.CreateSecret(ctx, in); err != nil {
		return fmt.Errorf("create secret: %w", err)
	}
	return nil
}

// Ping checks that the service is reachable with the current credentials.
func (b *SecretsManagerBackend) Ping(ctx context.Context) error {
	_, err := b.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("list secrets: %w", err)
	}
	return nil
}

func isResourceNotFound(err error) bool {
	var rnf *smtypes.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ResourceNotFoundException"
	}
	return false
}
