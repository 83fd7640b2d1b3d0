package job

import (
	"context"
	"os"
	"strconv"
	"sync"
)

var ambientMu sync.Mutex

// WithAmbientCredentials adapts a runner that reads its credentials from the
// process environment. The variables are set for the duration of the call
// and restored afterwards.
//
// The process environment is shared by every goroutine, so two ambient runs
// for different identities must never overlap. The returned runner holds a
// package-level lock for the whole call; callers should still serialize
// launches so queued runs do not appear to be making progress.
func WithAmbientCredentials(next Runner, names EnvNames) Runner {
	names = names.WithDefaults()
	return RunnerFunc(func(ctx context.Context, req Request) (Result, error) {
		ambientMu.Lock()
		defer ambientMu.Unlock()

		restore := setEnv(map[string]string{
			names.Identity: req.Credentials.Identity,
			names.Secret:   req.Credentials.Secret,
			names.Limit:    strconv.Itoa(req.Limit),
		})
		defer restore()

		return next.Execute(ctx, req)
	})
}

func setEnv(vars map[string]string) func() {
	type prior struct {
		value string
		set   bool
	}
	saved := make(map[string]prior, len(vars))
	for k, v := range vars {
		old, ok := os.LookupEnv(k)
		saved[k] = prior{value: old, set: ok}
		_ = os.Setenv(k, v)
	}
	return func() {
		for k, p := range saved {
			if p.set {
				_ = os.Setenv(k, p.value)
			} else {
				_ = os.Unsetenv(k)
			}
		}
	}
}
