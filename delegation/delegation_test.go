package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreplane/agentcore/artifact"
	"github.com/coreplane/agentcore/audit"
	"github.com/coreplane/agentcore/circuit"
	"github.com/coreplane/agentcore/internal/telemetry"
	"github.com/coreplane/agentcore/observability"
	"github.com/coreplane/agentcore/sessionstore"
)

func TestLimitsClampFillsZerosWithDefaults(t *testing.T) {
	l := Limits{}.Clamp()
	assert.Equal(t, DefaultLimits(), l)
}

func TestLimitsClampBoundsOutOfRangeValues(t *testing.T) {
	l := Limits{TimeoutMs: 10, MaxDepth: 99, MaxCallsPerTrace: 0, MaxToolCalls: 9999, DedupeWindowMs: 1, PairRateLimitPerMinute: 1000}.Clamp()
	assert.Equal(t, 100, l.TimeoutMs)
	assert.Equal(t, 10, l.MaxDepth)
	assert.Equal(t, 200, l.MaxToolCalls)
	assert.Equal(t, 1_000, l.DedupeWindowMs)
	assert.Equal(t, 100, l.PairRateLimitPerMinute)
}

func TestToEnvelopeMapsErrkindToWireCode(t *testing.T) {
	assert.Nil(t, ToEnvelope(nil))

	env := ToEnvelope(assert.AnError)
	assert.Equal(t, "INTERNAL", env.Code)
}

func TestNormalizePriorityDefaultsUnknownToNormal(t *testing.T) {
	assert.Equal(t, PriorityHigh, NormalizePriority("high"))
	assert.Equal(t, PriorityNormal, NormalizePriority("urgent-ish"))
	assert.Equal(t, PriorityNormal, NormalizePriority(""))
}

func TestGuardRegistryAdmitsThenBlocksOnMaxDepth(t *testing.T) {
	reg := NewGuardRegistry()
	limits := Limits{MaxDepth: 1, MaxCallsPerTrace: 10, DedupeWindowMs: 60_000, PairRateLimitPerMinute: 10}.Clamp()

	guard := reg.get("trace-1")
	res := guard.checkAndAdmit(limits, "hash-1", "a->b")
	assert.Equal(t, "", res.status)

	res2 := guard.checkAndAdmit(limits, "hash-2", "a->b")
	assert.Equal(t, "blocked", res2.status)
	assert.Contains(t, res2.reason, "maxDepth")

	guard.release()
	res3 := guard.checkAndAdmit(limits, "hash-2", "a->b")
	assert.Equal(t, "", res3.status)
}

func TestGuardRegistryDedupesRepeatedTaskHash(t *testing.T) {
	reg := NewGuardRegistry()
	limits := DefaultLimits()

	guard := reg.get("trace-1")
	guard.checkAndAdmit(limits, "same-hash", "a->b")
	res := guard.checkAndAdmit(limits, "same-hash", "a->b")
	assert.Equal(t, "deduped", res.status)
}

func TestGuardRegistryBlocksOnPairRateLimit(t *testing.T) {
	reg := NewGuardRegistry()
	limits := Limits{MaxDepth: 10, MaxCallsPerTrace: 100, DedupeWindowMs: 60_000, PairRateLimitPerMinute: 1}.Clamp()

	guard := reg.get("trace-1")
	guard.checkAndAdmit(limits, "hash-1", "a->b")
	guard.release()
	res := guard.checkAndAdmit(limits, "hash-2", "a->b")
	assert.Equal(t, "blocked", res.status)
	assert.Contains(t, res.reason, "pairRateLimitPerMinute")
}

func newTestGateway(t *testing.T) (*Gateway, sessionstore.Store) {
	t.Helper()
	store, err := artifact.New(t.TempDir())
	require.NoError(t, err)

	ring := audit.NewRingSink(100, nil)
	pipeline := audit.New(audit.DefaultConfig(), ring, telemetry.Noop())
	t.Cleanup(func() { pipeline.Close() })
	b := circuit.New(3, time.Minute, time.Minute)
	obs := observability.New(pipeline, b, telemetry.Noop())

	sessions := sessionstore.NewInMemory()
	gw := New(store, sessions, obs, DefaultLimits(), nil, nil, telemetry.Noop())
	gw.JobPollInterval = 5 * time.Millisecond
	return gw, sessions
}

func TestArtifactsPublishAndFetchRoundTrip(t *testing.T) {
	gw, _ := newTestGateway(t)
	ctx := context.Background()

	meta, env := gw.ArtifactsPublish(ctx, PublishArtifactRequest{
		Payload: []byte("hello"), Kind: "text", CreatorAgent: "agent-a", TraceID: "t1",
	})
	require.Nil(t, env)
	require.NotEmpty(t, meta.ID)

	gotMeta, payload, env2 := gw.ArtifactsFetch(ctx, meta.ID)
	require.Nil(t, env2)
	assert.Equal(t, meta.ID, gotMeta.ID)
	assert.Equal(t, []byte("hello"), payload)
}

func TestArtifactsPublishRequiresCreatorAndTrace(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, env := gw.ArtifactsPublish(context.Background(), PublishArtifactRequest{Payload: []byte("x")})
	require.NotNil(t, env)
	assert.Equal(t, "INVALID_REQUEST", env.Code)
}

func TestAgentsMessageAppendsToInboxSession(t *testing.T) {
	gw, sessions := newTestGateway(t)
	ctx := context.Background()

	env := gw.AgentsMessage(ctx, MessageRequest{From: "agent-a", To: "agent-b", Message: "hello there", TraceID: "t1"})
	require.Nil(t, env)

	msg, ok := sessions.LatestAssistantMessage(ctx, "agent:agent-b:inbox")
	assert.False(t, ok) // message role is "user", not "assistant"
	_ = msg
}

func TestAgentsMessageRequiresFromToAndMessage(t *testing.T) {
	gw, _ := newTestGateway(t)
	env := gw.AgentsMessage(context.Background(), MessageRequest{From: "a"})
	require.NotNil(t, env)
	assert.Equal(t, "INVALID_REQUEST", env.Code)
}

func TestAgentsCallRequiresFromToAndTraceID(t *testing.T) {
	gw, _ := newTestGateway(t)
	_, env := gw.AgentsCall(context.Background(), CallRequest{From: "a"})
	require.NotNil(t, env)
	assert.Equal(t, "INVALID_REQUEST", env.Code)
}

func TestAgentsCallTimesOutWithoutJobCompletion(t *testing.T) {
	gw, _ := newTestGateway(t)
	override := Limits{TimeoutMs: 100, MaxDepth: 3, MaxCallsPerTrace: 8, DedupeWindowMs: 60_000, PairRateLimitPerMinute: 6}
	resp, env := gw.AgentsCall(context.Background(), CallRequest{
		From: "agent-a", To: "agent-b", Message: "do the thing", TraceID: "t1", LimitOverride: &override,
	})
	require.Nil(t, env)
	assert.Equal(t, "timeout", resp.Status)
}

func TestAgentsCallSucceedsWhenJobCompletes(t *testing.T) {
	gw, sessions := newTestGateway(t)
	override := Limits{TimeoutMs: 2000, MaxDepth: 3, MaxCallsPerTrace: 8, DedupeWindowMs: 60_000, PairRateLimitPerMinute: 6}

	gw.agentExec = func(ctx context.Context, req AgentExecRequest) error {
		go func() {
			_ = sessions.AppendMessage(ctx, req.SessionKey, sessionstore.Message{From: req.To, Role: "assistant", Body: "done"})
			_ = sessions.UpsertJob(ctx, sessionstore.JobSnapshot{RunID: req.RunID, Status: sessionstore.JobCompleted})
		}()
		return nil
	}

	resp, env := gw.AgentsCall(context.Background(), CallRequest{
		From: "agent-a", To: "agent-b", Message: "do the thing", TraceID: "t2", LimitOverride: &override,
	})
	require.Nil(t, env)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "done", resp.Summary)
}

func TestAgentsCallDedupesRepeatedCallWithinSameTrace(t *testing.T) {
	gw, sessions := newTestGateway(t)
	override := Limits{TimeoutMs: 2000, MaxDepth: 3, MaxCallsPerTrace: 8, DedupeWindowMs: 60_000, PairRateLimitPerMinute: 6}

	gw.agentExec = func(ctx context.Context, req AgentExecRequest) error {
		_ = sessions.UpsertJob(ctx, sessionstore.JobSnapshot{RunID: req.RunID, Status: sessionstore.JobCompleted})
		return nil
	}

	req := CallRequest{From: "agent-a", To: "agent-b", Message: "same task", TraceID: "t3", LimitOverride: &override}
	first, env := gw.AgentsCall(context.Background(), req)
	require.Nil(t, env)
	assert.Equal(t, "ok", first.Status)

	second, env2 := gw.AgentsCall(context.Background(), req)
	require.Nil(t, env2)
	assert.Equal(t, "deduped", second.Status)
}
