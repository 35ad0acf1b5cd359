// Package rctx carries trace/request/span/agent identity through a context
// value so every subsystem can recover the current request scope without
// explicit parameter threading.
package rctx

import "context"

type contextKey string

const key contextKey = "agentcore-rctx"

// Scope is the immutable identity carried alongside every audit-emitting
// call: the trace grouping all events of one top-level agent request, an
// optional span within it, the request id used to key request state, and
// the acting agent id.
type Scope struct {
	TraceID   string
	SpanID    string
	RequestID string
	AgentID   string
}

// WithScope returns a context carrying s, replacing any Scope already
// present.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, key, s)
}

// FromContext extracts the Scope carried on ctx, if any.
func FromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(key).(Scope)
	return s, ok
}

// WithSpan returns a copy of ctx's Scope with SpanID replaced, for
// sub-scoping a single operation within a trace. If ctx carries no Scope,
// a new one is created with only SpanID set.
func WithSpan(ctx context.Context, spanID string) context.Context {
	s, _ := FromContext(ctx)
	s.SpanID = spanID
	return WithScope(ctx, s)
}
