// Package observability implements the request-scoped rollup aggregator:
// every domain operation mutates a per-request counter state, emits audit
// events through the audit pipeline, and — on request end — publishes a
// summary before discarding the state.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/coreplane/agentcore/audit"
	"github.com/coreplane/agentcore/circuit"
	"github.com/coreplane/agentcore/event"
	"github.com/coreplane/agentcore/internal/telemetry"
	"github.com/coreplane/agentcore/rctx"
)

// RequestState is the per-request rollup of counters and metadata tracked
// for the lifetime of one request.
type RequestState struct {
	RequestID string
	TraceID   string
	SpanID    string
	AgentID   string
	StartedAt time.Time
	Metrics   event.Metrics
}

// RollupRecorder persists spend/health rollups durably; store/sqlite.RollupStore
// satisfies this interface structurally. Optional — a nil Rollup disables
// durable persistence and the aggregator remains purely in-memory.
type RollupRecorder interface {
	RecordSpend(ctx context.Context, modelRef string, costUSD float64, tokensIn, tokensOut int64, calls int) error
	RecordCircuitState(ctx context.Context, candidateKey, state string, openUntil *int64) error
}

// Aggregator tracks in-flight request states and forwards materialized
// audit events to the pipeline.
type Aggregator struct {
	pipeline *audit.Pipeline
	breaker  *circuit.Breaker
	tel      telemetry.Set
	rollup   RollupRecorder

	mu      sync.Mutex
	byReqID map[string]*RequestState
	byTrace map[string]*RequestState
}

// SetRollup wires an optional durable rollup sink.
func (a *Aggregator) SetRollup(r RollupRecorder) { a.rollup = r }

// CompositeRollup fans a single rollup record out to every underlying
// recorder, continuing past a per-recorder failure and returning the first
// error encountered, if any.
type CompositeRollup struct {
	recorders []RollupRecorder
}

// NewCompositeRollup builds a CompositeRollup over recorders.
func NewCompositeRollup(recorders ...RollupRecorder) *CompositeRollup {
	return &CompositeRollup{recorders: recorders}
}

func (c *CompositeRollup) RecordSpend(ctx context.Context, modelRef string, costUSD float64, tokensIn, tokensOut int64, calls int) error {
	var firstErr error
	for _, r := range c.recorders {
		if err := r.RecordSpend(ctx, modelRef, costUSD, tokensIn, tokensOut, calls); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *CompositeRollup) RecordCircuitState(ctx context.Context, candidateKey, state string, openUntil *int64) error {
	var firstErr error
	for _, r := range c.recorders {
		if err := r.RecordCircuitState(ctx, candidateKey, state, openUntil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// New constructs an Aggregator. breaker is shared with the model router so
// circuit state transitions observed by either component are consistent.
func New(pipeline *audit.Pipeline, breaker *circuit.Breaker, tel telemetry.Set) *Aggregator {
	a := &Aggregator{
		pipeline: pipeline,
		breaker:  breaker,
		tel:      tel,
		byReqID:  map[string]*RequestState{},
		byTrace:  map[string]*RequestState{},
	}
	breaker.OnTransition = a.onCircuitTransition
	return a
}

// RequestStart creates a fresh request state for the scope carried on ctx,
// replacing any state already registered under the same ids, and emits a
// request.start event.
func (a *Aggregator) RequestStart(ctx context.Context) *RequestState {
	scope, _ := rctx.FromContext(ctx)
	rs := &RequestState{
		RequestID: scope.RequestID,
		TraceID:   scope.TraceID,
		SpanID:    scope.SpanID,
		AgentID:   scope.AgentID,
		StartedAt: time.Now(),
	}
	a.mu.Lock()
	if rs.RequestID != "" {
		a.byReqID[rs.RequestID] = rs
	}
	if rs.TraceID != "" {
		a.byTrace[rs.TraceID] = rs
	}
	a.mu.Unlock()

	a.emit(ctx, rs, "request.start", nil, nil, nil, nil)
	return rs
}

// resolve looks up request state by request id, falling back to a linear
// scan by trace id (the map is bounded by concurrent in-flight requests so a
// scan is acceptable).
func (a *Aggregator) resolve(ctx context.Context) *RequestState {
	scope, _ := rctx.FromContext(ctx)
	a.mu.Lock()
	defer a.mu.Unlock()

	if scope.RequestID != "" {
		if rs, ok := a.byReqID[scope.RequestID]; ok {
			return rs
		}
	}
	if scope.TraceID != "" {
		if rs, ok := a.byTrace[scope.TraceID]; ok {
			return rs
		}
	}
	rs := &RequestState{RequestID: scope.RequestID, TraceID: scope.TraceID, AgentID: scope.AgentID, StartedAt: time.Now()}
	if rs.RequestID != "" {
		a.byReqID[rs.RequestID] = rs
	}
	if rs.TraceID != "" {
		a.byTrace[rs.TraceID] = rs
	}
	return rs
}

// ModelCallStart records the start of a model invocation.
func (a *Aggregator) ModelCallStart(ctx context.Context, provider, modelRef string) {
	rs := a.resolve(ctx)
	a.emit(ctx, rs, "model.call.start", &event.ModelMeta{Provider: provider, ModelRef: modelRef}, nil, nil, nil)
}

// ModelCallError records a failed model invocation and notifies the shared
// circuit breaker.
func (a *Aggregator) ModelCallError(ctx context.Context, provider, modelRef, reason string, statusCode int) {
	rs := a.mutate(ctx, func(m *event.Metrics) { m.Retries++ })
	key := provider + "/" + modelRef
	a.breaker.NoteFailure(key)
	a.emit(ctx, rs, "model.call.error", &event.ModelMeta{Provider: provider, ModelRef: modelRef, StatusCode: statusCode, ErrorCode: reason}, nil, nil, map[string]any{"reason": reason})
}

// ModelCallFallback records a fallback edge from one candidate to another.
func (a *Aggregator) ModelCallFallback(ctx context.Context, fromProvider, fromModel, toProvider, toModel, reason string) {
	rs := a.mutate(ctx, func(m *event.Metrics) { m.FallbackHops++ })
	a.emit(ctx, rs, "model.fallback", &event.ModelMeta{
		FromModelRef: fromProvider + "/" + fromModel,
		ToModelRef:   toProvider + "/" + toModel,
	}, nil, nil, map[string]any{"reason": reason})
}

// ModelCallEnd records a successful model invocation, its token usage and
// cost, and notifies the shared circuit breaker of the success.
func (a *Aggregator) ModelCallEnd(ctx context.Context, provider, modelRef string, tokensIn, tokensOut int64, costUSD float64, latency time.Duration) {
	rs := a.mutate(ctx, func(m *event.Metrics) {
		m.TokensIn += tokensIn
		m.TokensOut += tokensOut
		m.CostUSD = roundCost(m.CostUSD + costUSD)
		m.LatencyMs = latency.Milliseconds()
	})
	a.breaker.NoteSuccess(provider + "/" + modelRef)
	a.emit(ctx, rs, "model.call.end", &event.ModelMeta{Provider: provider, ModelRef: modelRef}, nil, &event.Metrics{
		TokensIn: tokensIn, TokensOut: tokensOut, CostUSD: costUSD, LatencyMs: latency.Milliseconds(),
	}, nil)
	if a.rollup != nil {
		_ = a.rollup.RecordSpend(ctx, provider+"/"+modelRef, costUSD, tokensIn, tokensOut, 1)
	}
}

// ToolCallBlocked records a tool call denied by the policy engine or tool
// guard.
func (a *Aggregator) ToolCallBlocked(ctx context.Context, toolName, toolCallID, reason string) {
	rs := a.mutate(ctx, func(m *event.Metrics) { m.BlockedToolCalls++ })
	a.emit(ctx, rs, "tool.call.blocked", nil, &event.ToolMeta{ToolName: toolName, ToolCallID: toolCallID, Blocked: true}, nil, map[string]any{"reason": reason})
}

// ToolCallAllowed records a tool call that was authorized.
func (a *Aggregator) ToolCallAllowed(ctx context.Context, toolName, toolCallID string) {
	rs := a.mutate(ctx, func(m *event.Metrics) { m.ToolCalls++ })
	a.emit(ctx, rs, "tool.call.allowed", nil, &event.ToolMeta{ToolName: toolName, ToolCallID: toolCallID}, nil, nil)
}

// ArtifactPublish records a publish of a content-addressed artifact.
func (a *Aggregator) ArtifactPublish(ctx context.Context, artifactID, kind string, size int) {
	rs := a.resolve(ctx)
	a.emit(ctx, rs, "artifact.publish", nil, nil, nil, map[string]any{"artifactId": artifactID, "kind": kind, "sizeBytes": size})
}

// ArtifactFetch records a fetch of a content-addressed artifact.
func (a *Aggregator) ArtifactFetch(ctx context.Context, artifactID string) {
	rs := a.resolve(ctx)
	a.emit(ctx, rs, "artifact.fetch", nil, nil, nil, map[string]any{"artifactId": artifactID})
}

// AgentMessage records an async agents.message handoff.
func (a *Aggregator) AgentMessage(ctx context.Context, from, to string) {
	rs := a.mutate(ctx, func(m *event.Metrics) { m.DelegationMsgs++ })
	a.emit(ctx, rs, "agent.message", nil, nil, nil, map[string]any{"from": from, "to": to})
}

// AgentCallStart records the start of a synchronous agents.call delegation.
func (a *Aggregator) AgentCallStart(ctx context.Context, from, to string) {
	rs := a.mutate(ctx, func(m *event.Metrics) { m.DelegationCalls++ })
	a.emit(ctx, rs, "agent.call.start", nil, nil, nil, map[string]any{"from": from, "to": to})
}

// AgentCallEnd records the end of a synchronous agents.call delegation.
func (a *Aggregator) AgentCallEnd(ctx context.Context, status string) {
	rs := a.resolve(ctx)
	a.emit(ctx, rs, "agent.call.end", nil, nil, nil, map[string]any{"status": status})
}

// AgentCallError records a failed synchronous agents.call delegation.
func (a *Aggregator) AgentCallError(ctx context.Context, reason string) {
	rs := a.resolve(ctx)
	a.emit(ctx, rs, "agent.call.error", nil, nil, nil, map[string]any{"reason": reason})
}

// PluginLifecycle and SkillLifecycle record coarse lifecycle transitions for
// the plugin/skill external collaborators.
func (a *Aggregator) PluginLifecycle(ctx context.Context, pluginID, phase string) {
	rs := a.resolve(ctx)
	a.emit(ctx, rs, "plugin.lifecycle", nil, nil, nil, map[string]any{"pluginId": pluginID, "phase": phase})
}

func (a *Aggregator) SkillLifecycle(ctx context.Context, skillID, phase string) {
	rs := a.resolve(ctx)
	a.emit(ctx, rs, "skill.lifecycle", nil, nil, nil, map[string]any{"skillId": skillID, "phase": phase})
}

// RoutingDecision records the router's end-of-call structured decision log.
func (a *Aggregator) RoutingDecision(ctx context.Context, chosenModel string, fallbackHops int, failReason string, latency time.Duration, tokensIn, tokensOut int64) {
	rs := a.resolve(ctx)
	a.emit(ctx, rs, "routing.decision", nil, nil, &event.Metrics{
		FallbackHops: fallbackHops, LatencyMs: latency.Milliseconds(), TokensIn: tokensIn, TokensOut: tokensOut,
	}, map[string]any{"chosenModel": chosenModel, "failReason": failReason})
}

// RequestEnd emits the request.end event carrying every accumulated metric
// and removes the request state.
func (a *Aggregator) RequestEnd(ctx context.Context) {
	rs := a.resolve(ctx)

	a.mu.Lock()
	delete(a.byReqID, rs.RequestID)
	delete(a.byTrace, rs.TraceID)
	a.mu.Unlock()

	latency := time.Since(rs.StartedAt)
	metrics := rs.Metrics
	metrics.LatencyMs = latency.Milliseconds()
	a.emit(ctx, rs, "request.end", nil, nil, &metrics, nil)
}

func (a *Aggregator) mutate(ctx context.Context, fn func(*event.Metrics)) *RequestState {
	rs := a.resolve(ctx)
	a.mu.Lock()
	fn(&rs.Metrics)
	a.mu.Unlock()
	return rs
}

func (a *Aggregator) onCircuitTransition(key string, from, to circuit.State) {
	evt := &Event{
		TraceID: "circuit",
		AgentID: "system",
		Type:    "health.circuit.state_change",
		Payload: map[string]any{"candidate": key, "from": from, "to": to},
	}
	a.pipeline.Enqueue(context.Background(), evt)
	if a.rollup != nil {
		var openUntil *int64
		if to == circuit.Open {
			if t, open := a.breaker.OpenUntil(key); open {
				ms := t.UnixMilli()
				openUntil = &ms
			}
		}
		_ = a.rollup.RecordCircuitState(context.Background(), key, string(to), openUntil)
	}
}

func (a *Aggregator) emit(ctx context.Context, rs *RequestState, typ string, model *event.ModelMeta, tool *event.ToolMeta, metrics *event.Metrics, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	evt := &Event{
		TraceID:   rs.TraceID,
		SpanID:    rs.SpanID,
		AgentID:   rs.AgentID,
		RequestID: rs.RequestID,
		Type:      typ,
		Model:     model,
		Tool:      tool,
		Metrics:   metrics,
		Payload:   payload,
	}
	a.pipeline.Enqueue(ctx, evt)
}

func roundCost(v float64) float64 {
	const scale = 1e8
	return float64(int64(v*scale+0.5)) / scale
}

// Event is the audit record type emitted by the aggregator.
type Event = event.Event
