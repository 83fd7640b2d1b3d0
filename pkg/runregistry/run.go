package runregistry

import (
	"fmt"
	"sync"
	"time"
)

// Run is the canonical record of one job execution.
//
// Only the executor goroutine that owns the run calls Append and Finish;
// every other caller reads through Snapshot and Lines. A per-run lock keeps
// appends to unrelated runs from contending with each other.
type Run struct {
	id        string
	identity  string
	startedAt time.Time
	retention Retention
	now       func() time.Time

	mu       sync.RWMutex
	state    RunState
	endedAt  *time.Time
	exitCode *int
	lines    []string
	dropped  int
}

func newRun(id, identity string, startedAt time.Time, retention Retention, now func() time.Time) *Run {
	return &Run{
		id:        id,
		identity:  identity,
		startedAt: startedAt,
		retention: retention.normalized(),
		now:       now,
		state:     RunStateRunning,
	}
}

// ID returns the run id.
func (r *Run) ID() string {
	return r.id
}

// Identity returns the raw subject identity of the run.
func (r *Run) Identity() string {
	return r.identity
}

// Append adds a line to the log buffer, trimming the oldest block when the
// retention ceiling is exceeded.
func (r *Run) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	if len(r.lines) > r.retention.MaxLines {
		trim := r.retention.TrimLines
		kept := make([]string, len(r.lines)-trim, cap(r.lines))
		copy(kept, r.lines[trim:])
		r.lines = kept
		r.dropped += trim
	}
}

// Finish moves the run into a terminal state. It fails with
// ErrInvalidTransition if the run is already terminal or state is not
// terminal.
func (r *Run) Finish(state RunState, exitCode int) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return fmt.Errorf("%w: run %s already %s", ErrInvalidTransition, r.id, r.state)
	}
	ended := r.now().UTC()
	code := exitCode
	r.state = state
	r.endedAt = &ended
	r.exitCode = &code
	return nil
}

// State returns the current lifecycle state.
func (r *Run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Snapshot returns a consistent copy of the run's metadata.
func (r *Run) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		ID:        r.id,
		Identity:  r.identity,
		State:     r.state,
		StartedAt: r.startedAt,
		LogLines:  len(r.lines),
		Dropped:   r.dropped,
	}
	if r.endedAt != nil {
		t := *r.endedAt
		s.EndedAt = &t
	}
	if r.exitCode != nil {
		c := *r.exitCode
		s.ExitCode = &c
	}
	return s
}

// Lines returns a copy of the retained lines from absolute index start to
// the current end, together with the current state.
//
// A start below the trim boundary is clamped to it; the returned page's
// Start reports the effective index so Next = Start + len(Lines) holds.
func (r *Run) Lines(start int) Page {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if start < r.dropped {
		start = r.dropped
	}
	end := r.dropped + len(r.lines)
	page := Page{Start: start, Next: start, Status: r.state, Lines: []string{}}
	if start >= end {
		return page
	}
	src := r.lines[start-r.dropped:]
	page.Lines = make([]string, len(src))
	copy(page.Lines, src)
	page.Next = start + len(page.Lines)
	return page
}
