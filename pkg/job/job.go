// Package job defines the entry point through which a run invokes the
// external job, and a command-based implementation of it.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/3leaps/crewhost/pkg/redact"
)

// ErrJobFailed wraps every failure reported by a job.
var ErrJobFailed = errors.New("job failed")

// Credentials are the per-run secrets a job needs. They are passed
// explicitly on each Request.
type Credentials struct {
	Identity string
	Secret   string
}

// String never renders the secret and masks the identity.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{identity=%s, secret=%s}", redact.MaskIdentity(c.Identity), redact.Mask)
}

// GoString matches String so %#v is safe too.
func (c Credentials) GoString() string {
	return c.String()
}

// Request describes one job invocation.
type Request struct {
	Limit       int
	Credentials Credentials

	// Stdout and Stderr receive the job's textual output.
	Stdout io.Writer
	Stderr io.Writer
}

// Result is what a job reports on normal return.
type Result struct {
	// Summary is an optional one-line description appended to the run log.
	Summary string
}

// Runner executes a job synchronously. Implementations signal failure by
// returning an error.
type Runner interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (Result, error)

// Execute calls f.
func (f RunnerFunc) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Failure wraps err as a job failure.
func Failure(err error) error {
	if err == nil || errors.Is(err, ErrJobFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrJobFailed, err)
}
