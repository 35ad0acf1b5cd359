package sessionstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionIsIdempotentForActiveSession(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "sess-1", time.Now())
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, "sess-1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestCreateSessionRejectsReuseOfEndedSession(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	_, err := s.CreateSession(ctx, "sess-1", time.Now())
	require.NoError(t, err)
	_, err = s.EndSession(ctx, "sess-1", time.Now())
	require.NoError(t, err)

	_, err = s.CreateSession(ctx, "sess-1", time.Now())
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestLoadSessionReportsNotFound(t *testing.T) {
	s := NewInMemory()
	_, err := s.LoadSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestLatestAssistantMessageSkipsNonAssistantEntries(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.AppendMessage(ctx, "k1", Message{From: "agent-a", Role: "user", Body: "hi"}))
	require.NoError(t, s.AppendMessage(ctx, "k1", Message{From: "agent-b", Role: "assistant", Body: "first reply"}))
	require.NoError(t, s.AppendMessage(ctx, "k1", Message{From: "agent-a", Role: "user", Body: "follow up"}))
	require.NoError(t, s.AppendMessage(ctx, "k1", Message{From: "agent-b", Role: "assistant", Body: "latest reply"}))

	msg, ok := s.LatestAssistantMessage(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, "latest reply", msg.Body)
}

func TestLatestAssistantMessageFalseWhenNoneExist(t *testing.T) {
	s := NewInMemory()
	_, ok := s.LatestAssistantMessage(context.Background(), "empty-key")
	assert.False(t, ok)
}

func TestUpsertJobThenLoadRoundTrips(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	require.NoError(t, s.UpsertJob(ctx, JobSnapshot{RunID: "run-1", Status: JobRunning}))
	snap, err := s.LoadJob(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, snap.Status)
	assert.False(t, snap.UpdatedAt.IsZero())

	require.NoError(t, s.UpsertJob(ctx, JobSnapshot{RunID: "run-1", Status: JobCompleted}))
	snap, err = s.LoadJob(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, snap.Status)
}

func TestLoadJobReportsNotFound(t *testing.T) {
	s := NewInMemory()
	_, err := s.LoadJob(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}
