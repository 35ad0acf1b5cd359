package rctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithScopeAndFromContextRoundTrip(t *testing.T) {
	s := Scope{TraceID: "t1", AgentID: "agent-a"}
	ctx := WithScope(context.Background(), s)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, s, got)
}

func TestFromContextFalseWhenAbsent(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestWithSpanPreservesOtherScopeFields(t *testing.T) {
	ctx := WithScope(context.Background(), Scope{TraceID: "t1", AgentID: "agent-a"})
	ctx = WithSpan(ctx, "span-1")

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t1", got.TraceID)
	assert.Equal(t, "span-1", got.SpanID)
}

func TestWithSpanCreatesScopeWhenNonePresent(t *testing.T) {
	ctx := WithSpan(context.Background(), "span-only")
	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "span-only", got.SpanID)
	assert.Empty(t, got.TraceID)
}
