package redact

import (
	"bytes"
	"io"
	"sync"
)

// Sink is a tee: every write is passed unchanged to the console writer, and
// a redacted copy is assembled into whole lines and handed to emit.
//
// Partial lines are buffered until a '\n' arrives; Close flushes whatever
// remains as a final line. A trailing '\r' is dropped from each line.
//
// Sink is safe for concurrent use so a job may share it between its stdout
// and stderr.
type Sink struct {
	mu       sync.Mutex
	console  io.Writer
	redactor *Redactor
	emit     func(string)
	pending  []byte
	maxLine  int
	closed   bool
}

// SinkOption configures a Sink.
type SinkOption func(*Sink)

// WithMaxLineBytes forces a line break once a pending line grows beyond n
// bytes. Zero (the default) means lines are unbounded. A secret straddling a
// forced break is not redacted.
func WithMaxLineBytes(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.maxLine = n
		}
	}
}

// NewSink returns a Sink writing through to console (which may be nil) and
// emitting redacted lines to emit.
func NewSink(console io.Writer, redactor *Redactor, emit func(string), opts ...SinkOption) *Sink {
	s := &Sink{console: console, redactor: redactor, emit: emit}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write implements io.Writer. Console write errors are ignored; the run log
// must keep receiving output even if the console goes away.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.console != nil {
		_, _ = s.console.Write(p)
	}
	if s.closed {
		return len(p), nil
	}

	s.pending = append(s.pending, p...)
	for {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		s.emitLocked(s.pending[:i])
		s.pending = s.pending[i+1:]
	}
	for s.maxLine > 0 && len(s.pending) > s.maxLine {
		s.emitLocked(s.pending[:s.maxLine])
		s.pending = s.pending[s.maxLine:]
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return len(p), nil
}

// Println emits msg as one or more complete lines, bypassing the console.
func (s *Sink) Println(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, line := range bytes.Split([]byte(msg), []byte{'\n'}) {
		s.emitLocked(line)
	}
}

// Close flushes the trailing partial line. Further writes still reach the
// console but are no longer emitted.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if len(s.pending) > 0 {
		s.emitLocked(s.pending)
		s.pending = nil
	}
	return nil
}

func (s *Sink) emitLocked(raw []byte) {
	line := string(bytes.TrimSuffix(raw, []byte{'\r'}))
	if s.emit != nil {
		s.emit(s.redactor.Redact(line))
	}
}
