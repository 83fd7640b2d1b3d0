package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/crewhost/internal/config"
	"github.com/3leaps/crewhost/internal/observability"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the configuration and the storage backends
the server would use, and suggest fixes for common issues.

Examples:
  crewhost doctor              # Full check with the resolved config
  crewhost doctor --aws        # Also verify AWS credentials`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Bool("aws", false, "Verify AWS credentials even when no AWS backend is configured")
	doctorCmd.Flags().Duration("timeout", 5*time.Second, "Timeout for each backend probe")
}

// doctorReport numbers and logs check results.
type doctorReport struct {
	logger *zap.Logger
	n      int
	total  int
	ok     bool
}

func (r *doctorReport) pass(label, detail string, fields ...zap.Field) {
	r.n++
	r.logger.Info(fmt.Sprintf("[%d/%d] %s... ✅ %s", r.n, r.total, label, detail), fields...)
}

func (r *doctorReport) warn(label, detail string, fields ...zap.Field) {
	r.n++
	r.ok = false
	r.logger.Warn(fmt.Sprintf("[%d/%d] %s... ⚠️  %s", r.n, r.total, label, detail), fields...)
}

func (r *doctorReport) fail(label, detail string, fields ...zap.Field) {
	r.n++
	r.ok = false
	r.logger.Error(fmt.Sprintf("[%d/%d] %s... ❌ %s", r.n, r.total, label, detail), fields...)
}

func usesAWS(cfg *config.Config) bool {
	return cfg.Settings.Backend == config.SettingsS3 ||
		cfg.Secrets.Backend == config.SecretsSecretsManager ||
		cfg.Secrets.Fallback == config.FallbackKMS
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	log := observability.CLILogger
	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	log.Info("=== " + bannerName + " ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	forceAWS, _ := cmd.Flags().GetBool("aws")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	report := &doctorReport{logger: log, total: 7, ok: true}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		report.pass("Checking Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		report.warn("Checking Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Gofulmen != "" {
		report.pass("Checking Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		report.warn("Checking Gofulmen access", "version unavailable")
	}

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		report.fail("Loading configuration", "invalid", zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Configuration is invalid", err)
	}
	report.pass("Loading configuration", describeListen(cfg),
		zap.String("settings_backend", cfg.Settings.Backend),
		zap.String("secrets_backend", cfg.Secrets.Backend),
		zap.String("secrets_fallback", cfg.Secrets.Fallback))

	if _, _, err := buildRunner(cfg.Job); err != nil {
		report.warn("Checking job runner", err.Error())
	} else {
		report.pass("Checking job runner", "configured", zap.String("credentials_mode", cfg.Job.CredentialsMode))
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	awsCfg := &awsLoader{cfg: cfg.AWS}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	st, closeSettings, err := openSettingsStore(probeCtx, cfg, awsCfg)
	if err != nil {
		report.fail("Checking settings store", "cannot open", zap.Error(err))
	} else {
		defer func() { _ = closeSettings() }()
		if err := st.Ping(probeCtx); err != nil {
			report.fail("Checking settings store", "unreachable", zap.Error(err))
		} else {
			report.pass("Checking settings store", cfg.Settings.Backend)
		}
	}

	if st == nil {
		report.fail("Checking secret store", "skipped: settings store unavailable")
	} else if secrets, err := openSecretStore(probeCtx, cfg, st, awsCfg, zap.NewNop()); err != nil {
		report.fail("Checking secret store", "cannot configure", zap.Error(err))
	} else if err := secrets.CheckHealth(probeCtx); err != nil {
		report.fail("Checking secret store", "no usable path", zap.Error(err), zap.String("tiers", secrets.Describe()))
	} else if secrets.Describe() == "none" {
		report.warn("Checking secret store", "no secret storage configured; launches need request or default secrets")
	} else {
		report.pass("Checking secret store", secrets.Describe())
	}

	report.pass("Checking environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	if forceAWS || usesAWS(cfg) {
		if !runAWSChecks(ctx, awsCfg) {
			report.ok = false
		}
	}

	log.Info("")
	if report.ok {
		log.Info(fmt.Sprintf("✅ All checks passed! Your %s setup is healthy.", bannerName))
	} else {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	log.Info("")
	log.Info("=== End Diagnostics ===")
	return nil
}

// runAWSChecks verifies that credentials resolve through the configured
// chain.
func runAWSChecks(ctx context.Context, loader *awsLoader) bool {
	log := observability.CLILogger
	log.Info("")
	log.Info("AWS Checks:")

	cfg, err := loader.load(ctx)
	if err != nil {
		log.Error("Checking AWS config... ❌ Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		log.Error("Checking AWS credentials... ❌ Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	log.Info("Checking AWS credentials... ✅ Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("credential_source", source),
		zap.String("region", cfg.Region))
	return true
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	log := observability.CLILogger
	log.Info("")
	log.Info("To configure AWS credentials:")
	log.Info("  1. Set aws.access_key_id and aws.secret_access_key (or CREWHOST_AWS_* env), or")
	log.Info("  2. Set aws.profile to a profile from 'aws configure', or")
	log.Info("  3. Use an IAM role when running on AWS infrastructure")
	log.Info("")
	log.Info("For local emulators (moto, LocalStack), also set aws.endpoint.")
	log.Info("")
	if _, err := os.UserConfigDir(); err == nil {
		log.Info("Config files are read from the user config dir and ./crewhost.yaml.")
	}
}
