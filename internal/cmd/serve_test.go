package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/3leaps/crewhost/internal/config"
	"github.com/3leaps/crewhost/internal/server/middleware"
	"github.com/3leaps/crewhost/pkg/secretstore"
	"github.com/3leaps/crewhost/pkg/settings"
)

func TestSignalHealthChecker(t *testing.T) {
	assert.NoError(t, signalHealthChecker{}.CheckHealth(context.Background()))
}

func TestIdentityHealthChecker(t *testing.T) {
	tests := []struct {
		name       string
		checker    identityHealthChecker
		errContain string
	}{
		{"all fields valid", identityHealthChecker{"crewhost", "CREWHOST", "crewhost"}, ""},
		{"missing binary name", identityHealthChecker{"", "CREWHOST", "crewhost"}, "missing binary name"},
		{"missing env prefix", identityHealthChecker{"crewhost", " ", "crewhost"}, "missing env prefix"},
		{"missing config name", identityHealthChecker{"crewhost", "CREWHOST", ""}, "missing config name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.checker.CheckHealth(context.Background())
			if tt.errContain == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContain)
		})
	}
}

func TestServeOverrides(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("host", "", "")
	cmd.Flags().Int("port", 0, "")

	assert.Empty(t, serveOverrides(cmd))

	require.NoError(t, cmd.Flags().Set("port", "9100"))
	assert.Equal(t, map[string]any{"server.port": 9100}, serveOverrides(cmd))
}

func TestBuildRunner(t *testing.T) {
	_, _, err := buildRunner(config.JobConfig{CredentialsMode: config.CredentialsExplicit})
	assert.Error(t, err)

	runner, ambient, err := buildRunner(config.JobConfig{Command: "echo", Args: []string{"hi"}, CredentialsMode: config.CredentialsExplicit})
	require.NoError(t, err)
	assert.NotNil(t, runner)
	assert.False(t, ambient)

	_, ambient, err = buildRunner(config.JobConfig{Command: "echo", CredentialsMode: config.CredentialsAmbient})
	require.NoError(t, err)
	assert.True(t, ambient)

	manifest := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("command: echo\nargs: [\"from manifest\"]\n"), 0o600))
	runner, _, err = buildRunner(config.JobConfig{Manifest: manifest, Command: "ignored"})
	require.NoError(t, err)
	assert.NotNil(t, runner)

	_, _, err = buildRunner(config.JobConfig{Manifest: filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}

func TestBuildAuthenticator(t *testing.T) {
	a, err := buildAuthenticator(context.Background(), config.AuthConfig{Mode: config.AuthNone})
	require.NoError(t, err)
	assert.Nil(t, a)

	a, err = buildAuthenticator(context.Background(), config.AuthConfig{Mode: config.AuthHeader, Header: "X-User"})
	require.NoError(t, err)
	assert.IsType(t, &middleware.HeaderAuthenticator{}, a)

	a, err = buildAuthenticator(context.Background(), config.AuthConfig{Mode: config.AuthDev, DevIdentity: "dev@example.com"})
	require.NoError(t, err)
	assert.IsType(t, &middleware.DevAuthenticator{}, a)

	_, err = buildAuthenticator(context.Background(), config.AuthConfig{Mode: "kerberos"})
	assert.Error(t, err)
}

func testConfig() *config.Config {
	return &config.Config{
		Settings: config.SettingsConfig{Backend: config.SettingsMemory},
		Secrets:  config.SecretsConfig{Backend: config.SecretsNone, Fallback: config.FallbackNone},
	}
}

func TestOpenSettingsStore(t *testing.T) {
	cfg := testConfig()
	st, closeFn, err := openSettingsStore(context.Background(), cfg, &awsLoader{})
	require.NoError(t, err)
	assert.IsType(t, &settings.MemoryStore{}, st)
	assert.NoError(t, closeFn())

	dir := t.TempDir()
	cfg.Settings = config.SettingsConfig{Backend: config.SettingsFile, Dir: dir}
	st, _, err = openSettingsStore(context.Background(), cfg, &awsLoader{})
	require.NoError(t, err)
	fs, ok := st.(*settings.FileStore)
	require.True(t, ok)
	assert.Equal(t, dir, fs.RootDir())

	cfg.Settings = config.SettingsConfig{Backend: "etcd"}
	_, closeFn, err = openSettingsStore(context.Background(), cfg, &awsLoader{})
	assert.Error(t, err)
	assert.NotNil(t, closeFn)
}

func TestSettingsDirDefault(t *testing.T) {
	assert.Equal(t, "/srv/crewhost", settingsDir(config.SettingsConfig{Dir: " /srv/crewhost "}))
	assert.Equal(t, "settings", filepath.Base(settingsDir(config.SettingsConfig{})))
}

func TestOpenSecretStore(t *testing.T) {
	ctx := context.Background()
	st := settings.NewMemoryStore()

	cfg := testConfig()
	secrets, err := openSecretStore(ctx, cfg, st, &awsLoader{}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "none", secrets.Describe())

	cfg.Secrets.Backend = config.SecretsMemory
	secrets, err = openSecretStore(ctx, cfg, st, &awsLoader{}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, secrets.Put(ctx, "a@example.com", "pw"))
	got, err := secrets.Get(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "pw", got)

	keyFile := filepath.Join(t.TempDir(), "age.key")
	_, err = secretstore.GenerateAgeIdentityFile(keyFile)
	require.NoError(t, err)
	cfg.Secrets = config.SecretsConfig{Backend: config.SecretsNone, Fallback: config.FallbackAge, AgeIdentityFile: keyFile}
	secrets, err = openSecretStore(ctx, cfg, st, &awsLoader{}, zap.NewNop())
	require.NoError(t, err)
	assert.Contains(t, secrets.Describe(), "fallback(age:")
	require.NoError(t, secrets.Put(ctx, "b@example.com", "s3cr3t"))
	got, err = secrets.Get(ctx, "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t", got)

	cfg.Secrets = config.SecretsConfig{Backend: "vault", Fallback: config.FallbackNone}
	_, err = openSecretStore(ctx, cfg, st, &awsLoader{}, zap.NewNop())
	assert.Error(t, err)

	cfg.Secrets = config.SecretsConfig{Backend: config.SecretsNone, Fallback: config.FallbackAge, AgeIdentityFile: filepath.Join(t.TempDir(), "missing")}
	_, err = openSecretStore(ctx, cfg, st, &awsLoader{}, zap.NewNop())
	assert.Error(t, err)
}

func TestConsoleWriter(t *testing.T) {
	assert.Equal(t, os.Stdout, consoleWriter(config.RunsConfig{EchoConsole: true}))
	assert.Nil(t, consoleWriter(config.RunsConfig{EchoConsole: false}))
}

func TestCORSOptions(t *testing.T) {
	opts := corsOptions(config.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	})
	assert.Equal(t, []string{"*"}, opts.AllowedOrigins)
	assert.Equal(t, []string{"GET"}, opts.AllowedMethods)
	assert.Equal(t, []string{middleware.RequestIDHeader}, opts.ExposedHeaders)
	assert.False(t, opts.AllowCredentials)
	assert.Equal(t, 300, opts.MaxAge)
}
