package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	gfconfig "github.com/fulmenhq/gofulmen/config"
	"go.uber.org/zap"

	"github.com/3leaps/crewhost/internal/config"
	"github.com/3leaps/crewhost/internal/server/middleware"
	"github.com/3leaps/crewhost/pkg/awsconf"
	"github.com/3leaps/crewhost/pkg/job"
	"github.com/3leaps/crewhost/pkg/secretstore"
	"github.com/3leaps/crewhost/pkg/settings"
)

// awsLoader loads the shared AWS configuration at most once, and only when a
// configured backend needs it.
type awsLoader struct {
	cfg  awsconf.Config
	once sync.Once
	aws  aws.Config
	err  error
}

func (l *awsLoader) load(ctx context.Context) (aws.Config, error) {
	l.once.Do(func() {
		l.aws, l.err = awsconf.Load(ctx, l.cfg)
	})
	return l.aws, l.err
}

// settingsDir resolves the file backend directory, defaulting to the
// application data dir.
func settingsDir(cfg config.SettingsConfig) string {
	if dir := strings.TrimSpace(cfg.Dir); dir != "" {
		return dir
	}
	name := config.DefaultIdentity().ConfigName
	if id := GetAppIdentity(); id != nil && id.ConfigName != "" {
		name = id.ConfigName
	}
	return filepath.Join(gfconfig.GetAppDataDir(name), "settings")
}

// openSettingsStore builds the configured settings backend. The returned
// close function is never nil.
func openSettingsStore(ctx context.Context, cfg *config.Config, awsCfg *awsLoader) (settings.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Settings.Backend {
	case config.SettingsMemory, "":
		return settings.NewMemoryStore(), noop, nil

	case config.SettingsFile:
		return settings.NewFileStore(settingsDir(cfg.Settings)), noop, nil

	case config.SettingsPostgres:
		pc := cfg.Settings.Postgres
		pgCfg := settings.DefaultPostgresConfig(pc.URL)
		if pc.Table != "" {
			pgCfg.Table = pc.Table
		}
		if pc.PingTimeout > 0 {
			pgCfg.PingTimeout = pc.PingTimeout
		}
		if pc.MaxOpenConns > 0 {
			pgCfg.MaxOpenConns = pc.MaxOpenConns
		}
		if pc.MaxIdleConns > 0 {
			pgCfg.MaxIdleConns = pc.MaxIdleConns
		}
		if pc.ConnMaxLifetime > 0 {
			pgCfg.ConnMaxLifetime = pc.ConnMaxLifetime
		}
		if pc.ConnMaxIdleTime > 0 {
			pgCfg.ConnMaxIdleTime = pc.ConnMaxIdleTime
		}
		store, err := settings.OpenPostgres(ctx, pgCfg)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil

	case config.SettingsS3:
		awsConfig, err := awsCfg.load(ctx)
		if err != nil {
			return nil, noop, err
		}
		s3Cfg := settings.S3Config{
			Bucket:         cfg.Settings.S3.Bucket,
			Prefix:         cfg.Settings.S3.Prefix,
			Endpoint:       cfg.AWS.Endpoint,
			ForcePathStyle: cfg.Settings.S3.ForcePathStyle,
		}
		store, err := settings.NewS3Store(settings.NewS3Client(awsConfig, s3Cfg), s3Cfg)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil

	default:
		return nil, noop, fmt.Errorf("unknown settings backend %q", cfg.Settings.Backend)
	}
}

// openSecretStore assembles the primary backend and fallback encrypter into
// a secret store layered over st.
func openSecretStore(ctx context.Context, cfg *config.Config, st settings.Store, awsCfg *awsLoader, logger *zap.Logger) (*secretstore.Store, error) {
	var primary secretstore.Backend
	switch cfg.Secrets.Backend {
	case config.SecretsNone, "":
	case config.SecretsMemory:
		primary = secretstore.NewMemoryBackend()
	case config.SecretsSecretsManager:
		awsConfig, err := awsCfg.load(ctx)
		if err != nil {
			return nil, err
		}
		smCfg := secretstore.SecretsManagerConfig{
			Endpoint:   cfg.AWS.Endpoint,
			KMSKeyID:   cfg.Secrets.KMSKeyID,
			NamePrefix: cfg.Secrets.NamePrefix,
		}
		primary = secretstore.NewSecretsManagerBackend(secretstore.NewSecretsManagerClient(awsConfig, smCfg), smCfg)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
	}

	var encrypter secretstore.Encrypter
	switch cfg.Secrets.Fallback {
	case config.FallbackNone, "":
	case config.FallbackKMS:
		awsConfig, err := awsCfg.load(ctx)
		if err != nil {
			return nil, err
		}
		enc, err := secretstore.NewKMSEncrypter(secretstore.NewKMSClient(awsConfig, cfg.AWS.Endpoint), cfg.Secrets.FallbackKeyID)
		if err != nil {
			return nil, err
		}
		encrypter = enc
	case config.FallbackAge:
		enc, err := secretstore.LoadAgeEncrypter(cfg.Secrets.AgeIdentityFile)
		if err != nil {
			return nil, err
		}
		encrypter = enc
	default:
		return nil, fmt.Errorf("unknown secrets fallback %q", cfg.Secrets.Fallback)
	}

	return secretstore.New(primary, st, encrypter, secretstore.WithLogger(logger)), nil
}

// buildRunner returns the job runner and whether it depends on process-wide
// credential state.
func buildRunner(cfg config.JobConfig) (job.Runner, bool, error) {
	var manifest *job.Manifest
	switch {
	case strings.TrimSpace(cfg.Manifest) != "":
		m, err := job.LoadManifest(cfg.Manifest)
		if err != nil {
			return nil, false, err
		}
		manifest = m
	case strings.TrimSpace(cfg.Command) != "":
		manifest = &job.Manifest{Command: cfg.Command, Args: cfg.Args, WorkDir: cfg.WorkDir}
	default:
		return nil, false, fmt.Errorf("job.command or job.manifest is required")
	}

	runner, err := job.NewCommandRunner(*manifest)
	if err != nil {
		return nil, false, err
	}
	if cfg.CredentialsMode == config.CredentialsAmbient {
		return job.WithAmbientCredentials(runner, manifest.CredentialEnv), true, nil
	}
	return runner, false, nil
}

// buildAuthenticator returns nil when authentication is disabled.
func buildAuthenticator(ctx context.Context, cfg config.AuthConfig) (middleware.Authenticator, error) {
	switch cfg.Mode {
	case config.AuthNone, "":
		return nil, nil
	case config.AuthHeader:
		return middleware.NewHeaderAuthenticator(cfg.Header), nil
	case config.AuthDev:
		return middleware.NewDevAuthenticator(cfg.DevIdentity), nil
	case config.AuthOIDC:
		a, err := middleware.NewOIDCAuthenticator(ctx, cfg.OIDC.Issuer, cfg.OIDC.ClientID, cfg.OIDC.EmailClaim)
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// consoleWriter returns the writer that receives raw job output, or nil.
func consoleWriter(cfg config.RunsConfig) io.Writer {
	if cfg.EchoConsole {
		return os.Stdout
	}
	return nil
}
