package runregistry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/crewhost/pkg/job"
	"github.com/3leaps/crewhost/pkg/redact"
)

// LaunchRequest is the input to Executor.Launch.
type LaunchRequest struct {
	Identity string
	Secret   string
	Limit    int
}

// Executor starts runs on their own goroutine and drives each through
// running -> completed|failed.
//
// Runs cannot be cancelled and no timeout is enforced; a run ends when its
// job returns.
type Executor struct {
	registry     *Registry
	runner       job.Runner
	logger       *zap.Logger
	console      io.Writer
	exclusive    bool
	maxLineBytes int
	now          func() time.Time

	launchMu sync.Mutex
	wg       sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *zap.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithConsole sets the writer that receives an unredacted copy of job output.
func WithConsole(w io.Writer) ExecutorOption {
	return func(e *Executor) { e.console = w }
}

// WithExclusive serializes runs behind a single launch lock. Required when
// the job reads credentials from process-wide state.
func WithExclusive(exclusive bool) ExecutorOption {
	return func(e *Executor) { e.exclusive = exclusive }
}

// WithMaxLineBytes bounds the length of a buffered output line.
func WithMaxLineBytes(n int) ExecutorOption {
	return func(e *Executor) { e.maxLineBytes = n }
}

// WithExecutorClock overrides the time source used for log banners.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExecutor returns an executor that records runs in registry and invokes
// runner for each.
func NewExecutor(registry *Registry, runner job.Runner, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		runner:   runner,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the registry runs are recorded in.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Launch creates a run and starts its job in the background. It returns as
// soon as the run is registered; job failures never surface here.
//
// The job runs detached from ctx's cancellation but keeps its values.
func (e *Executor) Launch(ctx context.Context, req LaunchRequest) (Snapshot, error) {
	if e == nil || e.registry == nil || e.runner == nil {
		return Snapshot{}, errors.New("executor is not initialized")
	}
	req.Identity = strings.TrimSpace(req.Identity)
	if req.Identity == "" {
		return Snapshot{}, errors.New("identity is required")
	}

	run := e.registry.Create(req.Identity)
	snap := run.Snapshot()

	e.wg.Add(1)
	go e.execute(context.WithoutCancel(ctx), run, req)

	return snap, nil
}

// Wait blocks until every launched run has reached a terminal state.
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) execute(ctx context.Context, run *Run, req LaunchRequest) {
	defer e.wg.Done()

	log := e.logger.With(
		zap.String("run_id", run.ID()),
		zap.String("identity", redact.MaskIdentity(req.Identity)),
		zap.Int("limit", req.Limit),
	)

	if e.exclusive {
		e.launchMu.Lock()
		defer e.launchMu.Unlock()
	}

	redactor := redact.NewRedactor([]string{req.Secret}, req.Identity)
	sink := redact.NewSink(e.console, redactor, run.Append, redact.WithMaxLineBytes(e.maxLineBytes))

	sink.Println(fmt.Sprintf("[server] Starting run at %s with limit=%d", e.now().UTC().Format(time.RFC3339), req.Limit))
	log.Info("Run started")

	result, err := e.invoke(ctx, req, sink)
	_ = sink.Close()

	if err != nil {
		run.Append(redactor.Redact("[server] ERROR: " + err.Error()))
		if ferr := run.Finish(RunStateFailed, 1); ferr != nil {
			log.Error("Failed to record run failure", zap.Error(ferr))
		}
		log.Warn("Run failed", zap.String("error", redactor.Redact(err.Error())))
		return
	}

	if summary := strings.TrimSpace(result.Summary); summary != "" {
		run.Append(redactor.Redact("[server] " + summary))
	}
	run.Append(redactor.Redact("[server] Run completed successfully"))
	if ferr := run.Finish(RunStateCompleted, 0); ferr != nil {
		log.Error("Failed to record run completion", zap.Error(ferr))
	}
	log.Info("Run completed")
}

// invoke calls the job, converting a panic into a job failure so the run
// still reaches a terminal state.
func (e *Executor) invoke(ctx context.Context, req LaunchRequest, sink *redact.Sink) (res job.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = job.Failure(fmt.Errorf("panic: %v", p))
		}
	}()

	res, err = e.runner.Execute(ctx, job.Request{
		Limit:       req.Limit,
		Credentials: job.Credentials{Identity: req.Identity, Secret: req.Secret},
		Stdout:      sink,
		Stderr:      sink,
	})
	return res, job.Failure(err)
}
