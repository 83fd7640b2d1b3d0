package runregistry

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetch_UnknownRun(t *testing.T) {
	reg := NewRegistry()

	page := reg.Fetch("does-not-exist", 0)
	assert.Equal(t, Page{Start: 0, Next: 0, Status: RunStateUnknown, Lines: []string{}}, page)

	page = reg.Fetch("does-not-exist", 12)
	assert.Equal(t, 12, page.Start)
	assert.Equal(t, 12, page.Next)
	assert.NotNil(t, page.Lines)
}

func TestFetch_IdempotentWithoutWrites(t *testing.T) {
	reg := NewRegistry()
	run := reg.Create("a@example.com")
	run.Append("one")
	run.Append("two")

	first := reg.Fetch(run.ID(), 0)
	second := reg.Fetch(run.ID(), 0)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"one", "two"}, first.Lines)
	assert.Equal(t, RunStateRunning, first.Status)
}

func TestFetch_StartBeyondEnd(t *testing.T) {
	reg := NewRegistry()
	run := reg.Create("a@example.com")
	run.Append("only")

	page := reg.Fetch(run.ID(), 5)
	assert.Equal(t, 5, page.Start)
	assert.Equal(t, 5, page.Next)
	assert.Empty(t, page.Lines)
	assert.NotNil(t, page.Lines)
}

func TestFetch_NegativeStartTreatedAsZero(t *testing.T) {
	reg := NewRegistry()
	run := reg.Create("a@example.com")
	run.Append("x")

	page := reg.Fetch(run.ID(), -3)
	assert.Equal(t, 0, page.Start)
	assert.Equal(t, []string{"x"}, page.Lines)
}

func TestFetch_PollingNeverSkipsOrRepeats(t *testing.T) {
	reg := NewRegistry()
	run := reg.Create("a@example.com")

	var seen []string
	next := 0
	for batch := 0; batch < 5; batch++ {
		for i := 0; i < batch+1; i++ {
			run.Append(fmt.Sprintf("b%d-%d", batch, i))
		}
		page := reg.Fetch(run.ID(), next)
		require.Equal(t, next, page.Start)
		require.Equal(t, page.Start+len(page.Lines), page.Next)
		seen = append(seen, page.Lines...)
		next = page.Next
	}

	all := reg.Fetch(run.ID(), 0).Lines
	assert.Equal(t, all, seen)
	assert.Len(t, seen, 15)
}

func TestFetch_ReturnedLinesAreCopies(t *testing.T) {
	reg := NewRegistry()
	run := reg.Create("a@example.com")
	run.Append("original")

	page := reg.Fetch(run.ID(), 0)
	page.Lines[0] = "mutated"

	assert.Equal(t, []string{"original"}, reg.Fetch(run.ID(), 0).Lines)
}

func TestFetch_AfterTrimKeepsAbsoluteIndexes(t *testing.T) {
	reg := NewRegistry(WithRetention(Retention{MaxLines: 4, TrimLines: 2}))
	run := reg.Create("a@example.com")
	for i := 0; i < 5; i++ {
		run.Append(fmt.Sprintf("l%d", i))
	}

	// A poller that had consumed l0..l2 resumes at 3.
	page := reg.Fetch(run.ID(), 3)
	assert.Equal(t, []string{"l3", "l4"}, page.Lines)
	assert.Equal(t, 5, page.Next)

	// A poller from before the trim boundary gets whatever remains.
	page = reg.Fetch(run.ID(), 0)
	assert.Equal(t, 2, page.Start)
	assert.Equal(t, []string{"l2", "l3", "l4"}, page.Lines)
}
