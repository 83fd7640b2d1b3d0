package runregistry

import (
	"errors"
	"time"
)

// RunState is the lifecycle state of a run.
//
// running is the only non-terminal state. unknown is never stored on a run;
// it is reported by Fetch for ids the registry has never seen (for example
// after a process restart).
type RunState string

const (
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateUnknown   RunState = "unknown"
)

// Terminal reports whether no further transitions are possible.
func (s RunState) Terminal() bool {
	return s == RunStateCompleted || s == RunStateFailed
}

var (
	// ErrNotFound indicates the run id is not known to the registry.
	ErrNotFound = errors.New("run not found")

	// ErrInvalidTransition indicates an attempt to leave a terminal state or
	// to move into a non-terminal one.
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// Retention bounds a run's log buffer. Once the buffer holds more than
// MaxLines lines, the oldest TrimLines are dropped.
type Retention struct {
	MaxLines  int
	TrimLines int
}

// DefaultRetention keeps at most 50,000 lines and drops 10,000 at a time.
var DefaultRetention = Retention{MaxLines: 50000, TrimLines: 10000}

func (r Retention) normalized() Retention {
	if r.MaxLines <= 0 {
		r.MaxLines = DefaultRetention.MaxLines
	}
	if r.TrimLines <= 0 {
		r.TrimLines = DefaultRetention.TrimLines
	}
	if r.TrimLines > r.MaxLines {
		r.TrimLines = r.MaxLines
	}
	return r
}

// Snapshot is a consistent, read-only copy of a run's metadata.
//
// Identity is the raw subject identity; callers rendering it must mask it.
type Snapshot struct {
	ID        string     `json:"id"`
	Identity  string     `json:"identity"`
	State     RunState   `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`

	// LogLines is the number of lines currently retained.
	LogLines int `json:"log_lines"`

	// Dropped is the number of lines removed by retention trimming. Absolute
	// line indexes of retained lines start at Dropped.
	Dropped int `json:"dropped,omitempty"`
}

// Page is one response of the log cursor protocol.
//
// Lines holds absolute indexes [Start, Next). Poll again with start=Next.
type Page struct {
	Start  int      `json:"start"`
	Next   int      `json:"next"`
	Status RunState `json:"status"`
	Lines  []string `json:"lines"`
}
