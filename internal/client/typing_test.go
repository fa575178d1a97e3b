package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingRecorder struct {
	mu     sync.Mutex
	states []bool
}

func (r *typingRecorder) record(typing bool) {
	r.mu.Lock()
	r.states = append(r.states, typing)
	r.mu.Unlock()
}

func (r *typingRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.states...)
}

func TestDebouncerDecaysExactlyOnce(t *testing.T) {
	rec := &typingRecorder{}
	d := newDebouncer(30*time.Millisecond, rec.record)

	d.Input()
	require.Eventually(t, func() bool {
		states := rec.snapshot()
		return len(states) == 2 && !states[1]
	}, time.Second, 5*time.Millisecond)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, rec.snapshot(), "quiet period past, no further broadcasts")
}

func TestDebouncerReArmsOnEachKeystroke(t *testing.T) {
	rec := &typingRecorder{}
	d := newDebouncer(50*time.Millisecond, rec.record)

	for i := 0; i < 3; i++ {
		d.Input()
		time.Sleep(20 * time.Millisecond)
	}
	// Still inside the quiet window of the last keystroke.
	states := rec.snapshot()
	assert.Equal(t, []bool{true, true, true}, states)

	require.Eventually(t, func() bool {
		states := rec.snapshot()
		return len(states) == 4 && !states[3]
	}, time.Second, 5*time.Millisecond, "decay fires once after the last keystroke")
}

func TestDebouncerSupersededExpiryIsNoOp(t *testing.T) {
	rec := &typingRecorder{}
	d := newDebouncer(time.Minute, rec.record)

	d.Input() // gen 1
	d.Input() // gen 2 re-arms while gen 1's timer may already be firing
	d.expire(1)
	assert.Equal(t, []bool{true, true}, rec.snapshot(), "a timer that lost the race against a re-arm stays silent")

	d.Cancel()
	assert.Equal(t, []bool{true, true, false}, rec.snapshot(), "the live generation still decays")
}

func TestDebouncerCancelFlipsOffImmediately(t *testing.T) {
	rec := &typingRecorder{}
	d := newDebouncer(time.Minute, rec.record)

	d.Input()
	d.Cancel()
	assert.Equal(t, []bool{true, false}, rec.snapshot())

	d.Cancel()
	assert.Equal(t, []bool{true, false}, rec.snapshot(), "cancel without active typing is silent")
}

func TestDebouncerCancelWithoutInputIsSilent(t *testing.T) {
	rec := &typingRecorder{}
	d := newDebouncer(time.Minute, rec.record)

	d.Cancel()
	assert.Empty(t, rec.snapshot())
}
