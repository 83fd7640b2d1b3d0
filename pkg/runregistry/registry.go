// Package runregistry tracks in-memory job runs: their lifecycle state, their
// append-only log buffers and the executor that drives them.
//
// State is process-local and is not persisted; a restarted process starts
// with an empty registry.
package runregistry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Registry is a concurrency-safe collection of runs keyed by id.
//
// The registry lock only guards the map; log and status mutation use each
// run's own lock.
type Registry struct {
	retention Retention
	now       func() time.Time
	newID     func() string

	mu   sync.RWMutex
	runs map[string]*Run
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetention sets the log retention policy applied to new runs.
func WithRetention(r Retention) Option {
	return func(reg *Registry) { reg.retention = r.normalized() }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) {
		if now != nil {
			reg.now = now
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	reg := &Registry{
		retention: DefaultRetention,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
		runs:      make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(reg)
	}
	return reg
}

// Create allocates a new running run for identity and makes it retrievable.
func (reg *Registry) Create(identity string) *Run {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	id := reg.newID()
	for reg.runs[id] != nil {
		id = reg.newID()
	}
	run := newRun(id, strings.TrimSpace(identity), reg.now().UTC(), reg.retention, reg.now)
	reg.runs[id] = run
	return run
}

// Get returns the run with the given id or ErrNotFound.
func (reg *Registry) Get(id string) (*Run, error) {
	reg.mu.RLock()
	run, ok := reg.runs[strings.TrimSpace(id)]
	reg.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return run, nil
}

// List returns snapshots of all runs, newest first.
func (reg *Registry) List() []Snapshot {
	reg.mu.RLock()
	runs := make([]*Run, 0, len(reg.runs))
	for _, run := range reg.runs {
		runs = append(runs, run)
	}
	reg.mu.RUnlock()

	out := make([]Snapshot, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Len returns the number of known runs.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.runs)
}

// Fetch serves the log cursor protocol. Unknown ids yield an empty page with
// status unknown rather than an error. Negative starts are treated as 0.
func (reg *Registry) Fetch(id string, start int) Page {
	if start < 0 {
		start = 0
	}
	run, err := reg.Get(id)
	if err != nil {
		return Page{Start: start, Next: start, Status: RunStateUnknown, Lines: []string{}}
	}
	return run.Lines(start)
}
