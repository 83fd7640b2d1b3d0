package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
)

// CommandRunner runs the job as a child process. Credentials and the limit
// reach the child through its own environment only; the server process
// environment is never modified.
type CommandRunner struct {
	manifest Manifest
}

// NewCommandRunner returns a runner for m.
func NewCommandRunner(m Manifest) (*CommandRunner, error) {
	if m.Command == "" {
		return nil, errors.New("job command is required")
	}
	m.CredentialEnv = m.CredentialEnv.WithDefaults()
	return &CommandRunner{manifest: m}, nil
}

// Execute starts the command and waits for it. A non-zero exit status is
// reported as a job failure carrying the exit code.
func (c *CommandRunner) Execute(ctx context.Context, req Request) (Result, error) {
	cmd := exec.CommandContext(ctx, c.manifest.Command, c.manifest.Args...)
	cmd.Dir = c.manifest.WorkDir
	cmd.Stdout = req.Stdout
	cmd.Stderr = req.Stderr
	cmd.Env = c.environ(req)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Result{}, Failure(fmt.Errorf("%s exited with code %d", c.manifest.Command, exitErr.ExitCode()))
		}
		return Result{}, Failure(fmt.Errorf("start %s: %w", c.manifest.Command, err))
	}
	return Result{Summary: fmt.Sprintf("%s exited with code 0", c.manifest.Command)}, nil
}

func (c *CommandRunner) environ(req Request) []string {
	names := c.manifest.CredentialEnv
	env := os.Environ()

	keys := make([]string, 0, len(c.manifest.Env))
	for k := range c.manifest.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.manifest.Env[k])
	}

	env = append(env,
		names.Identity+"="+req.Credentials.Identity,
		names.Secret+"="+req.Credentials.Secret,
		names.Limit+"="+strconv.Itoa(req.Limit),
	)
	return env
}
