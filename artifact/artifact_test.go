package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreplane/agentcore/errkind"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestPublishProducesContentAddressedID(t *testing.T) {
	s := newTestStore(t)
	meta, err := s.Publish([]byte("hello world"), "text/plain", "agent-a", "trace-1", nil)
	require.NoError(t, err)
	assert.Regexp(t, "^art_[0-9a-f]{64}$", meta.ID)
	assert.Equal(t, len("hello world"), meta.SizeBytes)
}

func TestPublishIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	first, err := s.Publish([]byte("same bytes"), "text/plain", "agent-a", "trace-1", nil)
	require.NoError(t, err)
	second, err := s.Publish([]byte("same bytes"), "text/plain", "agent-b", "trace-2", nil)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	// Republish returns the first writer's metadata unchanged.
	assert.Equal(t, "agent-a", second.CreatorAgent)
}

func TestFetchRoundTrips(t *testing.T) {
	s := newTestStore(t)
	payload := []byte(`{"k":"v"}`)
	meta, err := s.Publish(payload, "application/json", "agent-a", "trace-1", nil)
	require.NoError(t, err)

	gotMeta, gotPayload, err := s.Fetch(meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, gotMeta.ID)
	assert.Equal(t, payload, gotPayload)
}

func TestFetchRejectsInvalidID(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Fetch("not-a-valid-id")
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidRequest, errkind.KindOf(err))
}

func TestFetchReportsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Fetch("art_" + strings.Repeat("0", 64))
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.KindOf(err))
}

func TestWriteHandoffBriefDefaultsSchemaAndTimestamp(t *testing.T) {
	s := newTestStore(t)
	err := s.WriteHandoffBrief(HandoffBrief{TraceID: "t1", From: "a", To: "b", Summary: "did a thing"})
	assert.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(s.briefsDir, "t1-a-to-b.json"))
	require.NoError(t, err)
	var got HandoffBrief
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "1.0", got.SchemaVersion)
	assert.NotZero(t, got.CreatedAt)
}

func TestMaybeAutoPublishLongPayloadBelowThresholdNoOp(t *testing.T) {
	s := newTestStore(t)
	result, err := s.MaybeAutoPublishLongPayload("short message", "text/plain", "a", "b", "trace-1")
	require.NoError(t, err)
	assert.False(t, result.Compacted)
}

func TestMaybeAutoPublishLongPayloadAboveThresholdCompacts(t *testing.T) {
	s := newTestStore(t)
	s.LongPayloadThreshold = 200
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	result, err := s.MaybeAutoPublishLongPayload(string(long), "text/plain", "agent-a", "agent-b", "trace-1")
	require.NoError(t, err)
	assert.True(t, result.Compacted)
	assert.NotEmpty(t, result.ArtifactID)
	assert.Contains(t, result.StubText, result.ArtifactID)
}

func TestMaybeAutoPublishLongPayloadThresholdFloor(t *testing.T) {
	s := newTestStore(t)
	s.LongPayloadThreshold = 10 // below the 200 floor
	msg := make([]byte, 150)
	for i := range msg {
		msg[i] = 'y'
	}
	result, err := s.MaybeAutoPublishLongPayload(string(msg), "text/plain", "a", "b", "trace-1")
	require.NoError(t, err)
	assert.False(t, result.Compacted)
}
