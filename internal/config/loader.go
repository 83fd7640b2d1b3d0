package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its env prefix and its config directory.
type AppIdentity struct {
	BinaryName  string
	EnvPrefix   string
	ConfigName  string
	Description string
}

// DefaultIdentity is the identity of the crewhost binary.
func DefaultIdentity() AppIdentity {
	return AppIdentity{
		BinaryName:  "crewhost",
		EnvPrefix:   "CREWHOST",
		ConfigName:  "crewhost",
		Description: "Run orchestration and credential service",
	}
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetConfigFile selects an explicit config file merged after the user and
// project files. An empty path clears it.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Identity returns the identity established by the last Load, or nil.
func Identity() *AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	return appIdentity
}

// GetConfig returns the configuration produced by the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// EnvSpec maps an environment variable onto a config key.
type EnvSpec struct {
	Name string
	Path string
	// Legacy variables carry no prefix and lose to their prefixed form.
	Legacy bool
}

// shortEnv are prefixed aliases for the most common keys.
var shortEnv = map[string]string{
	"PORT":             "server.port",
	"HOST":             "server.host",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",
	"LOG_LEVEL":        "logging.level",
	"LOG_PROFILE":      "logging.profile",
	"AUTH_MODE":        "auth.mode",
	"DATABASE_URL":     "settings.postgres.url",
}

// legacyEnv are the unprefixed variables the job tooling has always read.
var legacyEnv = []EnvSpec{
	{Name: "PORT", Path: "server.port", Legacy: true},
	{Name: "EMAIL_ADDRESS", Path: "defaults.identity", Legacy: true},
	{Name: "APP_PASSWORD", Path: "defaults.secret", Legacy: true},
	{Name: "EMAIL_LIMIT", Path: "runs.default_limit", Legacy: true},
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	prefix := strings.ToUpper(id.EnvPrefix) + "_"

	specs := append([]EnvSpec{}, legacyEnv...)

	short := make([]string, 0, len(shortEnv))
	for name := range shortEnv {
		short = append(short, name)
	}
	sort.Strings(short)
	for _, name := range short {
		specs = append(specs, EnvSpec{Name: prefix + name, Path: shortEnv[name]})
	}

	v := viper.New()
	SetDefaults(v)
	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		name := prefix + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		specs = append(specs, EnvSpec{Name: name, Path: key})
	}
	return specs
}

func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	return []string{
		filepath.Join(dir, id.ConfigName, "config.yaml"),
	}
}

func getProjectConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	return []string{id.ConfigName + ".yaml"}
}

// Load builds the configuration. Precedence from lowest to highest: defaults,
// user config file, project config file, explicit config file, legacy env,
// prefixed env, overrides.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity()
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	files := append(getUserConfigPaths(), getProjectConfigPaths()...)
	for _, path := range files {
		if err := mergeConfigFile(v, path, false); err != nil {
			return nil, err
		}
	}
	if explicit != "" {
		if err := mergeConfigFile(v, explicit, true); err != nil {
			return nil, err
		}
	}

	for _, spec := range getEnvSpecs() {
		if val, ok := os.LookupEnv(spec.Name); ok && strings.TrimSpace(val) != "" {
			v.Set(spec.Path, val)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

func mergeConfigFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := map[string]any{}
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
