package stream

import "github.com/coreplane/agentcore/event"

// Filter narrows a subscription to a subset of events matching every
// populated predicate.
type Filter struct {
	AgentID         string
	EventTypes      []string
	ModelRefs       []string
	DecisionOutcome string
	RiskTiers       []string
	SinceTs         int64

	// ExcludeAll suppresses every live OBS.EVENT frame; spend/health rollups
	// still reach the subscription since the fanout broadcasts those outside
	// the per-subscription Filter.
	ExcludeAll bool
}

// Profile names a canned Filter preset, analogous to a stream profile.
type Profile string

const (
	ProfileAllEvents           Profile = "all_events"
	ProfileSpendAndHealthOnly  Profile = "spend_and_health_only"
	ProfileDeniedAndErrorsOnly Profile = "denied_and_errors_only"
)

// deniedAndErrorEventTypes are the event types a DeniedAndErrorsOnly
// subscriber cares about: blocked tool calls and the error-path events of
// the model router and delegation gateway.
var deniedAndErrorEventTypes = []string{"tool.call.blocked", "model.call.error", "agent.call.error"}

// FilterForProfile returns the canned Filter for a named profile, or a
// zero-value (unrestricted) Filter for an unrecognized name.
func FilterForProfile(p Profile) Filter {
	switch p {
	case ProfileSpendAndHealthOnly:
		return Filter{ExcludeAll: true}
	case ProfileDeniedAndErrorsOnly:
		return Filter{EventTypes: deniedAndErrorEventTypes}
	default:
		return Filter{}
	}
}

// Match reports whether evt satisfies every populated predicate in f.
func (f Filter) Match(evt *event.Event) bool {
	if f.ExcludeAll {
		return false
	}
	if f.AgentID != "" && evt.AgentID != f.AgentID {
		return false
	}
	if len(f.EventTypes) > 0 && !containsString(f.EventTypes, evt.Type) {
		return false
	}
	if len(f.RiskTiers) > 0 && !containsString(f.RiskTiers, string(evt.RiskTier)) {
		return false
	}
	if f.DecisionOutcome != "" {
		if evt.Decision == nil || string(evt.Decision.Outcome) != f.DecisionOutcome {
			return false
		}
	}
	if len(f.ModelRefs) > 0 {
		if evt.Model == nil || !matchesAnyModelRef(f.ModelRefs, evt.Model) {
			return false
		}
	}
	if f.SinceTs > 0 && evt.Timestamp < f.SinceTs {
		return false
	}
	return true
}

func matchesAnyModelRef(want []string, m *event.ModelMeta) bool {
	for _, w := range want {
		if w == m.ModelRef || w == m.FromModelRef || w == m.ToModelRef {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
