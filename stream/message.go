package stream

import "github.com/coreplane/agentcore/event"

// Wire method/event names of the OBS.* stream protocol.
const (
	MethodSubscribe   = "OBS.SUBSCRIBE"
	MethodUnsubscribe = "OBS.UNSUBSCRIBE"
	MethodPing        = "OBS.PING"

	EventSnapshot = "OBS.SNAPSHOT"
	EventEvent    = "OBS.EVENT"
	EventHealth   = "OBS.HEALTH"
	EventSpend    = "OBS.SPEND"
	EventPong     = "OBS.PONG"
	EventError    = "OBS.ERROR"
)

// SubscribePayload is the OBS.SUBSCRIBE request body. Profile selects a
// canned Filter preset (see FilterForProfile); any explicit predicate field
// set alongside it narrows the preset further.
type SubscribePayload struct {
	SchemaVersion   string   `json:"schemaVersion"`
	Profile         Profile  `json:"profile,omitempty"`
	AgentID         string   `json:"agentId,omitempty"`
	EventTypes      []string `json:"eventTypes,omitempty"`
	ModelRefs       []string `json:"modelRefs,omitempty"`
	DecisionOutcome string   `json:"decisionOutcome,omitempty"`
	RiskTiers       []string `json:"riskTiers,omitempty"`
	SinceTs         int64    `json:"sinceTs,omitempty"`
	MaxEventsPerSec int      `json:"maxEventsPerSec,omitempty"`
}

func (p SubscribePayload) toFilter() Filter {
	f := FilterForProfile(p.Profile)
	if p.AgentID != "" {
		f.AgentID = p.AgentID
	}
	if len(p.EventTypes) > 0 {
		if len(f.EventTypes) == 0 {
			f.EventTypes = p.EventTypes
		} else {
			var both []string
			for _, t := range p.EventTypes {
				if containsString(f.EventTypes, t) {
					both = append(both, t)
				}
			}
			f.EventTypes = both
			f.ExcludeAll = f.ExcludeAll || len(both) == 0
		}
	}
	if len(p.ModelRefs) > 0 {
		f.ModelRefs = p.ModelRefs
	}
	if p.DecisionOutcome != "" {
		f.DecisionOutcome = p.DecisionOutcome
	}
	if len(p.RiskTiers) > 0 {
		f.RiskTiers = p.RiskTiers
	}
	if p.SinceTs > 0 {
		f.SinceTs = p.SinceTs
	}
	return f
}

// ErrorPayload is the OBS.ERROR event body.
type ErrorPayload struct {
	SchemaVersion string `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable,omitempty"`
	Details       any    `json:"details,omitempty"`
}

// Totals is the calls/tokens/cost accumulation shared by the grand total, the
// per-model breakdown, and the per-agent breakdown of a SpendSummary.
type Totals struct {
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

// ModelSpend is one row of SpendSummary.ByModel.
type ModelSpend struct {
	ModelRef string `json:"modelRef"`
	Totals
}

// AgentSpend is one row of SpendSummary.ByAgent.
type AgentSpend struct {
	AgentID string `json:"agentId"`
	Totals
}

// SpendSummary and HealthSummary are the periodic rollups broadcast every 5s
// when their respective dirty flag is set.
type SpendSummary struct {
	SchemaVersion string       `json:"schemaVersion"`
	UpdatedAt     int64        `json:"updatedAt"`
	Totals        Totals       `json:"totals"`
	ByModel       []ModelSpend `json:"byModel,omitempty"`
	ByAgent       []AgentSpend `json:"byAgent,omitempty"`
	FallbackHops  int64        `json:"fallbackHops,omitempty"`
}

type HealthSummary struct {
	SchemaVersion string            `json:"schemaVersion"`
	Circuits      map[string]string `json:"circuits,omitempty"`
}

// OutboundMessage is one frame sent to a subscriber: either a snapshot
// (batch) or a single live event, or a control/error frame.
type OutboundMessage struct {
	Type    string         `json:"type"`
	Events  []*event.Event `json:"events,omitempty"`
	Event   *event.Event   `json:"event,omitempty"`
	Error   *ErrorPayload  `json:"error,omitempty"`
	Spend   *SpendSummary  `json:"spend,omitempty"`
	Health  *HealthSummary `json:"health,omitempty"`
}
