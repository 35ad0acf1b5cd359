package toolguard

import (
	"context"
	"sync"
	"time"

	"github.com/coreplane/agentcore/event"
	"github.com/coreplane/agentcore/internal/telemetry"
	"github.com/coreplane/agentcore/policy"
)

// Scope is the rate-limit key scope: session, agent, or global.
type Scope string

const (
	ScopeSession Scope = "session"
	ScopeAgent   Scope = "agent"
	ScopeGlobal  Scope = "global"
)

// RiskTierConfig configures whether a risk tier requires approval.
type RiskTierConfig struct {
	RequireApproval bool
}

// Config configures a Guard.
type Config struct {
	WindowMs      int64
	MaxCalls      int
	HighRiskTools map[string]bool
	RiskApproval  map[event.RiskTier]RiskTierConfig
}

// DefaultConfig returns sensible defaults: no tools pre-declared high risk,
// and only the critical tier requires approval.
func DefaultConfig() Config {
	return Config{
		WindowMs:      60_000,
		MaxCalls:      30,
		HighRiskTools: map[string]bool{},
		RiskApproval: map[event.RiskTier]RiskTierConfig{
			event.RiskCritical: {RequireApproval: true},
		},
	}
}

// Request is a single pre-execution check.
type Request struct {
	Scope       Scope
	ScopeID     string // session id or agent id; ignored for ScopeGlobal
	ToolName    string
	ToolCallID  string
	CommandText string
	Policy      policy.Resolved
	PolicyReq   policy.Request
}

// Decision is the Guard's verdict, always including the audit stage that
// produced it.
type Decision struct {
	Allowed  bool
	Reason   string
	Stage    string // rate_limit, policy, approval_gate, allow
	RiskTier event.RiskTier
}

// NotifyFunc enqueues a best-effort, session-visible system notice; errors
// are swallowed by the Guard.
type NotifyFunc func(ctx context.Context, sessionID, message string) error

// Guard implements the four-step pre-execution check: rate limit, policy,
// approval gate, then allow.
type Guard struct {
	cfg    Config
	tel    telemetry.Set
	notify NotifyFunc

	mu   sync.Mutex
	hits map[string][]time.Time

	OnDecision func(ctx context.Context, req Request, d Decision)
}

// New constructs a Guard.
func New(cfg Config, tel telemetry.Set, notify NotifyFunc) *Guard {
	return &Guard{cfg: cfg, tel: tel, notify: notify, hits: map[string][]time.Time{}}
}

func rateLimitKey(scope Scope, scopeID, tool string) string {
	if scope == ScopeGlobal {
		return "global|" + tool
	}
	return string(scope) + "|" + scopeID + "|" + tool
}

// Check runs the full authorize-before-execution pipeline, short-circuiting
// on the first block.
func (g *Guard) Check(ctx context.Context, req Request) Decision {
	d := g.checkRateLimit(req)
	if !d.Allowed {
		g.finish(ctx, req, d)
		return d
	}

	pd := policy.Evaluate(req.Policy, req.PolicyReq)
	if !pd.Allowed {
		d = Decision{Allowed: false, Reason: pd.Reason, Stage: "policy"}
		g.finish(ctx, req, d)
		return d
	}

	tier := ClassifyRisk(g.cfg.HighRiskTools, req.ToolName, req.CommandText)
	tierCfg := g.cfg.RiskApproval[tier]
	if req.Policy.RequireApproval || tierCfg.RequireApproval {
		d = Decision{Allowed: false, Reason: "require_approval", Stage: "approval_gate", RiskTier: tier}
		g.finish(ctx, req, d)
		return d
	}

	d = Decision{Allowed: true, Stage: "allow", RiskTier: tier}
	g.finish(ctx, req, d)
	return d
}

func (g *Guard) checkRateLimit(req Request) Decision {
	key := rateLimitKey(req.Scope, req.ScopeID, req.ToolName)
	now := time.Now()
	cutoff := now.Add(-time.Duration(g.cfg.WindowMs) * time.Millisecond)

	g.mu.Lock()
	defer g.mu.Unlock()

	fresh := pruneOlderThan(g.hits[key], cutoff)
	if len(fresh) >= g.cfg.MaxCalls {
		g.hits[key] = fresh
		return Decision{Allowed: false, Reason: "rate_limit_exceeded", Stage: "rate_limit"}
	}
	g.hits[key] = append(fresh, now)
	return Decision{Allowed: true}
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func (g *Guard) finish(ctx context.Context, req Request, d Decision) {
	if g.OnDecision != nil {
		g.OnDecision(ctx, req, d)
	}
	if !d.Allowed && g.notify != nil && req.Scope == ScopeSession {
		_ = g.notify(ctx, req.ScopeID, "tool call denied: "+d.Reason)
	}
}
