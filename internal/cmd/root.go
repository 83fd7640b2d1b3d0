// Package cmd implements the crewhost command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/3leaps/crewhost/internal/config"
	"github.com/3leaps/crewhost/internal/observability"
)

var (
	cfgFile  string
	logLevel string
	verbose  bool

	appIdentity *config.AppIdentity

	versionInfo = struct {
		Version   string
		Commit    string
		BuildDate string
	}{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

var rootCmd = &cobra.Command{
	Use:   "crewhost",
	Short: "Run orchestration and credential service",
	Long: `crewhost launches background jobs on demand, streams their redacted
output to pollers and stores per-user credentials behind a managed secret
backend with an encrypted fallback.

Start the server with 'crewhost serve'; drive it with 'crewhost runs'.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: user config dir, then ./crewhost.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")

	setDefaults()
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	id := config.DefaultIdentity()
	appIdentity = &id
	config.SetConfigFile(cfgFile)
	observability.InitCLILogger(id.BinaryName, verbose)
	return nil
}

// setDefaults registers config defaults on the global viper instance so
// flags and help output see the same values the loader uses.
func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// loadConfig loads configuration, applying CLI flag overrides last.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	if overrides == nil {
		overrides = map[string]any{}
	}
	if strings.TrimSpace(logLevel) != "" {
		overrides["logging.level"] = logLevel
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Failed to load configuration", err)
	}
	return cfg, nil
}

// SetVersionInfo records build metadata injected by main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity established at startup, or nil before
// a command has run.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// exitCodeError carries a process exit code through cobra's error return.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.message, e.code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *exitCodeError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

// exitCode extracts the exit code carried by err; plain errors exit 1.
func exitCode(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return 1
}

// ExitWithCode logs and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if logger != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	}
	os.Exit(code)
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return 0
}
