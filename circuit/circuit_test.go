package circuit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute, time.Minute)

	assert.True(t, b.CanAttempt("p/m"))
	b.NoteFailure("p/m")
	b.NoteFailure("p/m")
	assert.Equal(t, Closed, b.State("p/m"))
	b.NoteFailure("p/m")
	assert.Equal(t, Open, b.State("p/m"))
	assert.False(t, b.CanAttempt("p/m"))
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	b := New(1, time.Minute, 10*time.Millisecond)
	b.NoteFailure("p/m")
	require.Equal(t, Open, b.State("p/m"))
	assert.False(t, b.CanAttempt("p/m"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, b.CanAttempt("p/m"))
	assert.Equal(t, HalfOpen, b.State("p/m"))
}

func TestBreakerSuccessInHalfOpenCloses(t *testing.T) {
	b := New(1, time.Minute, 10*time.Millisecond)
	b.NoteFailure("p/m")
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.CanAttempt("p/m"))
	require.Equal(t, HalfOpen, b.State("p/m"))

	b.NoteSuccess("p/m")
	assert.Equal(t, Closed, b.State("p/m"))
}

func TestBreakerFailureWindowPrunes(t *testing.T) {
	b := New(2, 10*time.Millisecond, time.Minute)
	b.NoteFailure("p/m")
	time.Sleep(20 * time.Millisecond)
	b.NoteFailure("p/m")
	// first failure aged out of the window, so only one counts: still closed.
	assert.Equal(t, Closed, b.State("p/m"))
}

func TestBreakerOnTransitionFires(t *testing.T) {
	b := New(1, time.Minute, time.Minute)
	var transitions []string
	b.OnTransition = func(key string, from, to State) {
		transitions = append(transitions, key+":"+string(from)+"->"+string(to))
	}
	b.NoteFailure("p/m")
	require.Len(t, transitions, 1)
	assert.Equal(t, "p/m:closed->open", transitions[0])
}

func TestBreakerOpenUntil(t *testing.T) {
	b := New(1, time.Minute, time.Minute)
	_, open := b.OpenUntil("p/m")
	assert.False(t, open)

	b.NoteFailure("p/m")
	until, open := b.OpenUntil("p/m")
	assert.True(t, open)
	assert.True(t, until.After(time.Now()))
}

func TestBreakerIndependentKeys(t *testing.T) {
	b := New(1, time.Minute, time.Minute)
	b.NoteFailure("a/1")
	assert.Equal(t, Open, b.State("a/1"))
	assert.Equal(t, Closed, b.State("b/2"))
}

func TestBreakerSnapshotReportsAllTrackedKeys(t *testing.T) {
	b := New(1, time.Minute, 10*time.Millisecond)
	b.NoteFailure("a/1")
	b.CanAttempt("b/2") // touches b/2 so it appears in entries, still closed

	snap := b.Snapshot()
	assert.Equal(t, Open, snap["a/1"])
	assert.Equal(t, Closed, snap["b/2"])
	assert.Len(t, snap, 2)
}

func TestBreakerSnapshotAppliesHalfOpenTransition(t *testing.T) {
	b := New(1, time.Minute, 10*time.Millisecond)
	b.NoteFailure("p/m")
	time.Sleep(20 * time.Millisecond)

	snap := b.Snapshot()
	assert.Equal(t, HalfOpen, snap["p/m"])
}
