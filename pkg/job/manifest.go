package job

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest describes the command a CommandRunner executes.
//
//	command: python
//	args: ["-m", "gmail_crew_ai.main"]
//	workdir: /srv/crew
//	env:
//	  GEMINI_MODEL: gemini-2.0-flash
//	credential_env:
//	  identity: EMAIL_ADDRESS
//	  secret: APP_PASSWORD
//	  limit: EMAIL_LIMIT
type Manifest struct {
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	WorkDir       string            `yaml:"workdir"`
	Env           map[string]string `yaml:"env"`
	CredentialEnv EnvNames          `yaml:"credential_env"`
}

// EnvNames are the environment variable names used to hand credentials and
// the limit to the job.
type EnvNames struct {
	Identity string `yaml:"identity"`
	Secret   string `yaml:"secret"`
	Limit    string `yaml:"limit"`
}

// DefaultEnvNames are the variable names the crew job reads.
var DefaultEnvNames = EnvNames{Identity: "EMAIL_ADDRESS", Secret: "APP_PASSWORD", Limit: "EMAIL_LIMIT"}

// WithDefaults fills empty names from DefaultEnvNames.
func (n EnvNames) WithDefaults() EnvNames {
	if strings.TrimSpace(n.Identity) == "" {
		n.Identity = DefaultEnvNames.Identity
	}
	if strings.TrimSpace(n.Secret) == "" {
		n.Secret = DefaultEnvNames.Secret
	}
	if strings.TrimSpace(n.Limit) == "" {
		n.Limit = DefaultEnvNames.Limit
	}
	return n
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("job manifest not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read job manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("job manifest is empty")
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse job manifest: %w", err)
	}
	m.Command = strings.TrimSpace(m.Command)
	if m.Command == "" {
		return nil, errors.New("job manifest: command is required")
	}
	m.CredentialEnv = m.CredentialEnv.WithDefaults()
	return &m, nil
}
