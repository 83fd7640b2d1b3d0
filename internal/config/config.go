// Package config loads crewhost configuration from defaults, config files,
// environment variables and runtime overrides, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/crewhost/pkg/awsconf"
)

// Config is the complete server and CLI configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Health   HealthConfig   `mapstructure:"health"`
	Runs     RunsConfig     `mapstructure:"runs"`
	Job      JobConfig      `mapstructure:"job"`
	Defaults DefaultsConfig `mapstructure:"defaults"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Settings SettingsConfig `mapstructure:"settings"`
	Secrets  SecretsConfig  `mapstructure:"secrets"`
	AWS      awsconf.Config `mapstructure:"aws"`
	Output   OutputConfig   `mapstructure:"output"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

// CORSConfig controls cross-origin access for browser dashboards. An empty
// origin list disables CORS handling.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RunsConfig controls run retention, launch throttling and log capture.
type RunsConfig struct {
	MaxLogLines  int     `mapstructure:"max_log_lines"`
	TrimLines    int     `mapstructure:"trim_lines"`
	DefaultLimit int     `mapstructure:"default_limit"`
	LaunchRate   float64 `mapstructure:"launch_rate"`
	LaunchBurst  int     `mapstructure:"launch_burst"`
	Exclusive    bool    `mapstructure:"exclusive"`
	MaxLineBytes int     `mapstructure:"max_line_bytes"`
	EchoConsole  bool    `mapstructure:"echo_console"`
}

// Credential modes for the job runner.
const (
	CredentialsExplicit = "explicit"
	CredentialsAmbient  = "ambient"
)

// JobConfig selects the command each run executes.
type JobConfig struct {
	Command         string   `mapstructure:"command"`
	Args            []string `mapstructure:"args"`
	WorkDir         string   `mapstructure:"workdir"`
	Manifest        string   `mapstructure:"manifest"`
	CredentialsMode string   `mapstructure:"credentials_mode"`
}

// DefaultsConfig supplies launch credentials when neither the request nor the
// caller's settings provide them.
type DefaultsConfig struct {
	Identity string `mapstructure:"identity"`
	Secret   string `mapstructure:"secret"`
}

// Authentication modes.
const (
	AuthNone   = "none"
	AuthHeader = "header"
	AuthDev    = "dev"
	AuthOIDC   = "oidc"
)

type AuthConfig struct {
	Mode        string     `mapstructure:"mode"`
	Header      string     `mapstructure:"header"`
	DevIdentity string     `mapstructure:"dev_identity"`
	OIDC        OIDCConfig `mapstructure:"oidc"`
}

type OIDCConfig struct {
	Issuer     string `mapstructure:"issuer"`
	ClientID   string `mapstructure:"client_id"`
	EmailClaim string `mapstructure:"email_claim"`
}

// Settings backends.
const (
	SettingsMemory   = "memory"
	SettingsFile     = "file"
	SettingsPostgres = "postgres"
	SettingsS3       = "s3"
)

type SettingsConfig struct {
	Backend  string           `mapstructure:"backend"`
	Dir      string           `mapstructure:"dir"`
	Postgres PostgresConfig   `mapstructure:"postgres"`
	S3       SettingsS3Config `mapstructure:"s3"`
}

type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	Table           string        `mapstructure:"table"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type SettingsS3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Prefix         string `mapstructure:"prefix"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// Secret backends and fallback encrypters.
const (
	SecretsNone           = "none"
	SecretsMemory         = "memory"
	SecretsSecretsManager = "secretsmanager"

	FallbackNone = "none"
	FallbackKMS  = "kms"
	FallbackAge  = "age"
)

type SecretsConfig struct {
	Backend         string `mapstructure:"backend"`
	NamePrefix      string `mapstructure:"name_prefix"`
	KMSKeyID        string `mapstructure:"kms_key_id"`
	Fallback        string `mapstructure:"fallback"`
	FallbackKeyID   string `mapstructure:"fallback_key_id"`
	AgeIdentityFile string `mapstructure:"age_identity_file"`
}

type OutputConfig struct {
	Dir      string   `mapstructure:"dir"`
	Patterns []string `mapstructure:"patterns"`
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

// Validate rejects unknown enum values, out-of-range numbers and backend
// selections that lack their required settings.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 0 and 65535, got %d", c.Server.Port)
	}
	if c.Server.CORS.MaxAge < 0 {
		return fmt.Errorf("server.cors.max_age must be >= 0")
	}
	if c.Runs.MaxLogLines < 1 {
		return fmt.Errorf("runs.max_log_lines must be >= 1")
	}
	if c.Runs.TrimLines < 1 || c.Runs.TrimLines > c.Runs.MaxLogLines {
		return fmt.Errorf("runs.trim_lines must be between 1 and runs.max_log_lines")
	}
	if c.Runs.DefaultLimit < 1 {
		return fmt.Errorf("runs.default_limit must be >= 1")
	}
	if c.Runs.LaunchRate < 0 || c.Runs.LaunchBurst < 0 {
		return fmt.Errorf("runs.launch_rate and runs.launch_burst must be >= 0")
	}
	if c.Runs.MaxLineBytes < 0 {
		return fmt.Errorf("runs.max_line_bytes must be >= 0")
	}
	if err := oneOf("job.credentials_mode", c.Job.CredentialsMode, CredentialsExplicit, CredentialsAmbient); err != nil {
		return err
	}
	if err := oneOf("auth.mode", c.Auth.Mode, AuthNone, AuthHeader, AuthDev, AuthOIDC); err != nil {
		return err
	}
	switch c.Auth.Mode {
	case AuthHeader:
		if strings.TrimSpace(c.Auth.Header) == "" {
			return fmt.Errorf("auth.header is required when auth.mode is header")
		}
	case AuthDev:
		if strings.TrimSpace(c.Auth.DevIdentity) == "" {
			return fmt.Errorf("auth.dev_identity is required when auth.mode is dev")
		}
	case AuthOIDC:
		if c.Auth.OIDC.Issuer == "" || c.Auth.OIDC.ClientID == "" {
			return fmt.Errorf("auth.oidc.issuer and auth.oidc.client_id are required when auth.mode is oidc")
		}
	}
	if err := oneOf("settings.backend", c.Settings.Backend, SettingsMemory, SettingsFile, SettingsPostgres, SettingsS3); err != nil {
		return err
	}
	switch c.Settings.Backend {
	case SettingsPostgres:
		if c.Settings.Postgres.URL == "" {
			return fmt.Errorf("settings.postgres.url is required when settings.backend is postgres")
		}
	case SettingsS3:
		if c.Settings.S3.Bucket == "" {
			return fmt.Errorf("settings.s3.bucket is required when settings.backend is s3")
		}
	}
	if err := oneOf("secrets.backend", c.Secrets.Backend, SecretsNone, SecretsMemory, SecretsSecretsManager); err != nil {
		return err
	}
	if err := oneOf("secrets.fallback", c.Secrets.Fallback, FallbackNone, FallbackKMS, FallbackAge); err != nil {
		return err
	}
	switch c.Secrets.Fallback {
	case FallbackKMS:
		if c.Secrets.FallbackKeyID == "" {
			return fmt.Errorf("secrets.fallback_key_id is required when secrets.fallback is kms")
		}
	case FallbackAge:
		if c.Secrets.AgeIdentityFile == "" {
			return fmt.Errorf("secrets.age_identity_file is required when secrets.fallback is age")
		}
	}
	if len(c.Output.Patterns) == 0 {
		return fmt.Errorf("output.patterns must not be empty")
	}
	return nil
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
