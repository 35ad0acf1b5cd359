// Package event defines the audit event shape shared by the audit sink
// pipeline, the observability aggregator, and the stream fanout.
package event

import "time"

// SchemaVersion is the current audit event schema version.
const SchemaVersion = "1.0"

// EventVersion is the current audit event payload revision.
const EventVersion = 1

// RiskTier is the closed set of tool-call risk classifications.
type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskMedium   RiskTier = "medium"
	RiskHigh     RiskTier = "high"
	RiskCritical RiskTier = "critical"
)

// DecisionOutcome is whether a guarded action was allowed or denied.
type DecisionOutcome string

const (
	DecisionAllow DecisionOutcome = "allow"
	DecisionDeny  DecisionOutcome = "deny"
)

// Decision records an allow/deny outcome with its reason.
type Decision struct {
	Outcome DecisionOutcome `json:"outcome"`
	Reason  string          `json:"reason,omitempty"`
}

// ModelMeta carries model-routing metadata attached to an event.
type ModelMeta struct {
	Provider     string `json:"provider,omitempty"`
	ModelRef     string `json:"modelRef,omitempty"`
	StatusCode   int    `json:"statusCode,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	FromModelRef string `json:"fromModelRef,omitempty"`
	ToModelRef   string `json:"toModelRef,omitempty"`
}

// ToolMeta carries tool-call metadata attached to an event.
type ToolMeta struct {
	ToolName   string `json:"toolName,omitempty"`
	ToolCallID string `json:"toolCallId,omitempty"`
	Blocked    bool   `json:"blocked,omitempty"`
}

// Metrics carries the per-event counter deltas folded into request state and
// request.end summaries.
type Metrics struct {
	LatencyMs        int64   `json:"latencyMs,omitempty"`
	TokensIn         int64   `json:"tokensIn,omitempty"`
	TokensOut        int64   `json:"tokensOut,omitempty"`
	CostUSD          float64 `json:"costUsd,omitempty"`
	Retries          int     `json:"retries,omitempty"`
	FallbackHops     int     `json:"fallbackHops,omitempty"`
	ToolCalls        int     `json:"toolCalls,omitempty"`
	BlockedToolCalls int     `json:"blockedToolCalls,omitempty"`
	DelegationCalls  int     `json:"delegationCalls,omitempty"`
	DelegationMsgs   int     `json:"delegationMessages,omitempty"`
}

// Event is the immutable audit record shared across the pipeline. Type is a
// free-form domain string (e.g. "model.call.start", "tool.call.blocked").
type Event struct {
	SchemaVersion string     `json:"schemaVersion"`
	EventVersion  int        `json:"eventVersion"`
	Timestamp     int64      `json:"timestamp"`
	TraceID       string     `json:"traceId"`
	SpanID        string     `json:"spanId,omitempty"`
	AgentID       string     `json:"agentId"`
	RequestID     string     `json:"requestId,omitempty"`
	Type          string     `json:"type"`
	RiskTier      RiskTier   `json:"riskTier,omitempty"`
	Decision      *Decision  `json:"decision,omitempty"`
	Model         *ModelMeta `json:"model,omitempty"`
	Tool          *ToolMeta  `json:"tool,omitempty"`
	Metrics       *Metrics   `json:"metrics,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// Materialize fills schemaVersion, eventVersion, timestamp, and agentId
// defaults, returning the same Event for chaining.
func (e *Event) Materialize(now time.Time) *Event {
	if e.SchemaVersion == "" {
		e.SchemaVersion = SchemaVersion
	}
	if e.EventVersion == 0 {
		e.EventVersion = EventVersion
	}
	if e.Timestamp == 0 {
		e.Timestamp = now.UnixMilli()
	}
	if e.AgentID == "" {
		e.AgentID = "unknown"
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	return e
}
