package redact

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) emit(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestSink_AssemblesLinesAcrossChunks(t *testing.T) {
	var console bytes.Buffer
	var got lineCollector
	s := NewSink(&console, NewRedactor([]string{"pw-secret"}, "bob@example.com"), got.emit)

	chunks := []string{"start ", "pw-se", "cret done\nsecond ", "line bob@exa", "mple.com\r\ntrail", "ing"}
	for _, c := range chunks {
		n, err := s.Write([]byte(c))
		require.NoError(t, err)
		assert.Equal(t, len(c), n)
	}

	assert.Equal(t, []string{"start ******** done", "second line bo*@example.com"}, got.get())

	require.NoError(t, s.Close())
	assert.Equal(t, []string{"start ******** done", "second line bo*@example.com", "trailing"}, got.get())

	// Console receives the raw stream.
	assert.Equal(t, "start pw-secret done\nsecond line bob@example.com\r\ntrailing", console.String())
}

func TestSink_CloseIsIdempotentAndStopsEmitting(t *testing.T) {
	var got lineCollector
	s := NewSink(nil, nil, got.emit)

	_, _ = s.Write([]byte("a"))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, _ = s.Write([]byte("b\n"))

	assert.Equal(t, []string{"a"}, got.get())
}

func TestSink_EmptyLinesPreserved(t *testing.T) {
	var got lineCollector
	s := NewSink(nil, nil, got.emit)

	_, _ = s.Write([]byte("one\n\nthree\n"))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"one", "", "three"}, got.get())
}

func TestSink_MaxLineBytes(t *testing.T) {
	var got lineCollector
	s := NewSink(nil, nil, got.emit, WithMaxLineBytes(4))

	_, _ = s.Write([]byte("abcdefghij"))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"abcd", "efgh", "ij"}, got.get())
}

func TestSink_Println(t *testing.T) {
	var console bytes.Buffer
	var got lineCollector
	s := NewSink(&console, NewRedactor([]string{"tok"}, ""), got.emit)

	s.Println("[server] using tok\nsecond")

	assert.Equal(t, []string{"[server] using ********", "second"}, got.get())
	assert.Empty(t, console.String())
}

func TestSink_ConcurrentWritersKeepLinesWhole(t *testing.T) {
	var got lineCollector
	s := NewSink(nil, nil, got.emit)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = s.Write([]byte(fmt.Sprintf("w%d-%d\n", w, i)))
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, s.Close())

	lines := got.get()
	assert.Len(t, lines, 400)
	for _, l := range lines {
		assert.Regexp(t, `^w\d-\d+$`, l)
	}
}
