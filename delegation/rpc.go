package delegation

import "github.com/coreplane/agentcore/errkind"

// Envelope is the uniform {code, message} RPC error shape returned to callers.
type Envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToEnvelope maps any error to the four-member wire error code set.
func ToEnvelope(err error) *Envelope {
	if err == nil {
		return nil
	}
	return &Envelope{Code: errkind.WireCode(errkind.KindOf(err)), Message: err.Error()}
}

// Priority is the closed set of agents.message priorities.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// NormalizePriority defaults an empty/unknown priority to "normal".
func NormalizePriority(p string) Priority {
	switch Priority(p) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(p)
	default:
		return PriorityNormal
	}
}
