package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/crewhost/internal/config"
	"github.com/3leaps/crewhost/internal/observability"
	"github.com/3leaps/crewhost/internal/server"
	"github.com/3leaps/crewhost/internal/server/handlers"
	"github.com/3leaps/crewhost/internal/server/middleware"
	"github.com/3leaps/crewhost/pkg/runregistry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the crewhost HTTP server.

Runs launched through POST /runs execute the configured job command. On
SIGINT or SIGTERM the server stops accepting requests and waits for
in-flight runs to finish before exiting.

Examples:
  crewhost serve --port 9000
  CREWHOST_JOB_COMMAND=./crew.sh crewhost serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
}

// signalHealthChecker reports healthy while the process is serving; signal
// handling itself is owned by runServe.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// identityHealthChecker verifies the app identity is fully populated.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case strings.TrimSpace(c.binaryName) == "":
		return errors.New("app identity missing binary name")
	case strings.TrimSpace(c.envPrefix) == "":
		return errors.New("app identity missing env prefix")
	case strings.TrimSpace(c.configName) == "":
		return errors.New("app identity missing config name")
	}
	return nil
}

func serveOverrides(cmd *cobra.Command) map[string]any {
	overrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		overrides["server.host"] = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		overrides["server.port"] = port
	}
	return overrides
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serveOverrides(cmd))
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(observability.LoggingConfig{
		Level:   cfg.Logging.Level,
		Profile: cfg.Logging.Profile,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg := &awsLoader{cfg: cfg.AWS}

	st, closeSettings, err := openSettingsStore(ctx, cfg, awsCfg)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to open settings store", err)
	}
	defer func() { _ = closeSettings() }()

	secrets, err := openSecretStore(ctx, cfg, st, awsCfg, logger.Named("secrets"))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure secret store", err)
	}

	runner, ambient, err := buildRunner(cfg.Job)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to configure job runner", err)
	}

	auth, err := buildAuthenticator(ctx, cfg.Auth)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to configure authentication", err)
	}

	output, err := handlers.NewOutputHandler(cfg.Output.Dir, cfg.Output.Patterns)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid output configuration", err)
	}

	registry := runregistry.NewRegistry(runregistry.WithRetention(runregistry.Retention{
		MaxLines:  cfg.Runs.MaxLogLines,
		TrimLines: cfg.Runs.TrimLines,
	}))
	executor := runregistry.NewExecutor(registry, runner,
		runregistry.WithLogger(logger.Named("runs")),
		runregistry.WithConsole(consoleWriter(cfg.Runs)),
		runregistry.WithExclusive(cfg.Runs.Exclusive || ambient),
		runregistry.WithMaxLineBytes(cfg.Runs.MaxLineBytes),
	)

	handlers.SetVersionInfo(handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
	})
	if cfg.Health.Enabled {
		health := handlers.InitHealthManager(versionInfo.Version)
		health.SetTimeout(cfg.Health.Timeout)
		health.RegisterChecker("settings", handlers.HealthCheckerFunc(st.Ping))
		health.RegisterChecker("secrets", secrets)
		health.RegisterChecker("signal", signalHealthChecker{})
		if id := GetAppIdentity(); id != nil {
			health.RegisterChecker("identity", identityHealthChecker{
				binaryName: id.BinaryName,
				envPrefix:  id.EnvPrefix,
				configName: id.ConfigName,
			})
		}
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithCORS(corsOptions(cfg.Server.CORS)),
		server.WithAuthenticator(auth),
		server.WithLaunchLimiter(middleware.NewLauncherLimiter(cfg.Runs.LaunchRate, cfg.Runs.LaunchBurst)),
		server.WithRuns(handlers.NewRunsHandler(executor, st, secrets, handlers.LaunchDefaults{
			Identity: cfg.Defaults.Identity,
			Secret:   cfg.Defaults.Secret,
			Limit:    cfg.Runs.DefaultLimit,
		}, logger.Named("runs"))),
		server.WithSettings(handlers.NewSettingsHandler(st, secrets, logger.Named("settings"))),
		server.WithOutput(output),
	)

	logger.Info("Starting crewhost server",
		zap.String("addr", srv.Addr()),
		zap.String("version", versionInfo.Version),
		zap.String("settings_backend", cfg.Settings.Backend),
		zap.String("secret_store", secrets.Describe()),
		zap.String("auth_mode", cfg.Auth.Mode),
		zap.Bool("exclusive_runs", cfg.Runs.Exclusive || ambient))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "HTTP server failed", err)
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	logger.Info("Waiting for in-flight runs", zap.Int("runs", registry.Len()))
	executor.Wait()
	logger.Info("Server stopped")
	return nil
}

func corsOptions(c config.CORSConfig) cors.Options {
	return cors.Options{
		AllowedOrigins:   c.AllowedOrigins,
		AllowedMethods:   c.AllowedMethods,
		AllowedHeaders:   c.AllowedHeaders,
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	if cfg.Server.ShutdownTimeout > 0 {
		return cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

// describeListen is used by doctor to show where serve would bind.
func describeListen(cfg *config.Config) string {
	return fmt.Sprintf("http://%s", cfg.ListenAddr())
}
