package config

import (
	"github.com/spf13/viper"
)

// SetDefaults registers every default on v. The root command calls it on the
// global viper instance so flags and config files layer on the same keys.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors.allowed_origins", []string{"*"})
	v.SetDefault("server.cors.allowed_methods", []string{"GET", "POST", "PUT", "OPTIONS"})
	v.SetDefault("server.cors.allowed_headers", []string{"*"})
	v.SetDefault("server.cors.allow_credentials", false)
	v.SetDefault("server.cors.max_age", 300)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.timeout", "5s")

	v.SetDefault("runs.max_log_lines", 50000)
	v.SetDefault("runs.trim_lines", 10000)
	v.SetDefault("runs.default_limit", 5)
	v.SetDefault("runs.launch_rate", 1.0)
	v.SetDefault("runs.launch_burst", 5)
	v.SetDefault("runs.exclusive", false)
	v.SetDefault("runs.max_line_bytes", 64*1024)
	v.SetDefault("runs.echo_console", true)

	v.SetDefault("job.command", "")
	v.SetDefault("job.args", []string{})
	v.SetDefault("job.workdir", "")
	v.SetDefault("job.manifest", "")
	v.SetDefault("job.credentials_mode", CredentialsExplicit)

	v.SetDefault("defaults.identity", "")
	v.SetDefault("defaults.secret", "")

	v.SetDefault("auth.mode", AuthNone)
	v.SetDefault("auth.header", "X-Forwarded-Email")
	v.SetDefault("auth.dev_identity", "")
	v.SetDefault("auth.oidc.issuer", "")
	v.SetDefault("auth.oidc.client_id", "")
	v.SetDefault("auth.oidc.email_claim", "email")

	v.SetDefault("settings.backend", SettingsMemory)
	v.SetDefault("settings.dir", "")
	v.SetDefault("settings.postgres.url", "")
	v.SetDefault("settings.postgres.table", "user_settings")
	v.SetDefault("settings.postgres.ping_timeout", "2s")
	v.SetDefault("settings.postgres.max_open_conns", 10)
	v.SetDefault("settings.postgres.max_idle_conns", 5)
	v.SetDefault("settings.postgres.conn_max_lifetime", "30m")
	v.SetDefault("settings.postgres.conn_max_idle_time", "5m")
	v.SetDefault("settings.s3.bucket", "")
	v.SetDefault("settings.s3.prefix", "settings")
	v.SetDefault("settings.s3.force_path_style", false)

	v.SetDefault("secrets.backend", SecretsNone)
	v.SetDefault("secrets.name_prefix", "")
	v.SetDefault("secrets.kms_key_id", "")
	v.SetDefault("secrets.fallback", FallbackNone)
	v.SetDefault("secrets.fallback_key_id", "")
	v.SetDefault("secrets.age_identity_file", "")

	v.SetDefault("aws.region", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("aws.endpoint", "")
	v.SetDefault("aws.access_key_id", "")
	v.SetDefault("aws.secret_access_key", "")
	v.SetDefault("aws.use_imds_region", false)

	v.SetDefault("output.dir", "output")
	v.SetDefault("output.patterns", []string{"*.json"})
}
