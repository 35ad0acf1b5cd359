package model

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coreplane/agentcore/circuit"
	"github.com/coreplane/agentcore/errkind"
	"github.com/coreplane/agentcore/runtime/a2a/retry"
)

// Route is one of the three router config routes.
type Route string

const (
	RouteCoding    Route = "coding"
	RouteX         Route = "x"
	RouteEveryday  Route = "everyday"
)

// RouteConfig gives the primary and ordered fallbacks for one route.
type RouteConfig struct {
	Primary   Candidate
	Fallbacks []Candidate
}

// RouterConfig configures route-decision heuristics and allowlist/cooldown
// enforcement.
type RouterConfig struct {
	DefaultRoute      Route
	Routes            map[Route]RouteConfig
	DisabledProviders map[string]bool
	Allowlist         map[string]bool // "provider/model" keys; empty means no enforcement
	Capabilities      map[string]map[string]bool // candidate key -> capability -> supported
	GrokAliases       map[string]string           // collapses xai grok model aliases to canonical form

	// SameCandidateRetry governs same-candidate retries of a transient
	// transport failure before the router falls over to the next
	// candidate. A zero value (MaxAttempts <= 1) disables in-place retry.
	SameCandidateRetry retry.Config
}

// Observer receives the structured audit/log side-effects of a Route call.
// Each method corresponds to an audit event type emitted around a call;
// a component embedding the router (e.g. the observability aggregator) can
// implement this directly.
type Observer interface {
	ModelCallStart(ctx context.Context, provider, model string)
	ModelCallError(ctx context.Context, provider, model, reason string, statusCode int)
	ModelCallFallback(ctx context.Context, fromProvider, fromModel, toProvider, toModel, reason string)
	ModelCallEnd(ctx context.Context, provider, model string, tokensIn, tokensOut int64, costUSD float64, latency time.Duration)
	RoutingDecision(ctx context.Context, chosenModel string, fallbackHops int, failReason string, latency time.Duration, tokensIn, tokensOut int64)
}

// Router implements candidate selection, allowlist enforcement, retry and
// circuit-breaker gated iteration, and cooldown probing across fallbacks.
type Router struct {
	breaker *circuit.Breaker
	obs     Observer
	pricing map[string]Pricing

	mu           sync.Mutex
	cooldowns    map[AuthProfile]time.Time // profile -> cooldown expiry
	lastProbe    map[string]time.Time      // "agentDir|provider" -> last probe time
	limiters     map[string]*AdaptiveLimiter // candidate key -> per-candidate TPM budget
}

// NewRouter constructs a Router sharing breaker with the observability
// aggregator so circuit state is consistent across both components.
func NewRouter(breaker *circuit.Breaker, obs Observer, pricing map[string]Pricing) *Router {
	return &Router{
		breaker:   breaker,
		obs:       obs,
		pricing:   pricing,
		cooldowns: map[AuthProfile]time.Time{},
		lastProbe: map[string]time.Time{},
		limiters:  map[string]*AdaptiveLimiter{},
	}
}

// limiterFor returns (creating on first use) the per-candidate adaptive
// rate limiter, seeded at a conservative default budget.
func (r *Router) limiterFor(key string) *AdaptiveLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = NewAdaptiveLimiter(60000, 240000)
		r.limiters[key] = l
	}
	return l
}

// SetCooldown marks profile unavailable until until.
func (r *Router) SetCooldown(profile AuthProfile, until time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns[profile] = until
}

func (r *Router) profilesInCooldown(provider string) (allCoolingDown bool, soonestExpiry time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	found := false
	allCold := true
	var soonest time.Time
	for p, until := range r.cooldowns {
		if p.Provider != provider {
			continue
		}
		found = true
		if until.Before(now) {
			allCold = false
			continue
		}
		if soonest.IsZero() || until.Before(soonest) {
			soonest = until
		}
	}
	if !found {
		return false, time.Time{}
	}
	return allCold, soonest
}

const probeThrottle = 30 * time.Second
const probeMargin = 2 * time.Minute

func (r *Router) probeDue(agentDir, provider string, soonestExpiry time.Time) bool {
	key := agentDir + "|" + provider
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if last, ok := r.lastProbe[key]; ok && now.Sub(last) < probeThrottle {
		return false
	}
	if !soonestExpiry.IsZero() && soonestExpiry.Sub(now) > probeMargin {
		return false
	}
	r.lastProbe[key] = now
	return true
}

// ResolveRoute decides a route and filters its candidates. When cfg is nil,
// the caller's explicit Request.Provider/Model
// and Request.Fallbacks are used verbatim.
func ResolveRoute(cfg *RouterConfig, req Request) (primary Candidate, fallbacks []Candidate) {
	if cfg == nil {
		return Candidate{Provider: req.Provider, Model: req.Model}, req.Fallbacks
	}

	route := decideRoute(cfg, req)
	rc, ok := cfg.Routes[route]
	if !ok {
		rc, ok = cfg.Routes[cfg.DefaultRoute]
		if !ok {
			return Candidate{Provider: req.Provider, Model: req.Model}, req.Fallbacks
		}
	}

	candidates := append([]Candidate{rc.Primary}, rc.Fallbacks...)
	candidates = append(candidates, req.Fallbacks...)

	var filtered []Candidate
	for _, c := range candidates {
		c.Model = canonicalizeGrokAlias(cfg.GrokAliases, c.Model)
		if cfg.DisabledProviders[c.Provider] {
			continue
		}
		if !hasRequiredCapabilities(cfg.Capabilities, c, req.ToolRequirements) {
			continue
		}
		filtered = append(filtered, c)
	}
	if len(filtered) == 0 {
		return Candidate{Provider: req.Provider, Model: req.Model}, req.Fallbacks
	}
	return filtered[0], filtered[1:]
}

func decideRoute(cfg *RouterConfig, req Request) Route {
	for _, tag := range req.ExplicitTags {
		switch Route(tag) {
		case RouteCoding, RouteX, RouteEveryday:
			return Route(tag)
		}
	}
	if req.RepoContext || containsAnyCodingSignal(req.UserMessage) {
		return RouteCoding
	}
	if len(req.ToolRequirements) > 0 {
		return RouteX
	}
	if cfg.DefaultRoute != "" {
		return cfg.DefaultRoute
	}
	return RouteEveryday
}

var codingSignalPattern = codingSignalRegexp()

func containsAnyCodingSignal(msg string) bool {
	return codingSignalPattern.MatchString(msg)
}

func canonicalizeGrokAlias(aliases map[string]string, model string) string {
	if canon, ok := aliases[model]; ok {
		return canon
	}
	return model
}

func hasRequiredCapabilities(caps map[string]map[string]bool, c Candidate, required []string) bool {
	if len(required) == 0 {
		return true
	}
	supported, ok := caps[c.Key()]
	if !ok {
		return true // no capability table entry: assume compatible
	}
	for _, req := range required {
		if !supported[req] {
			return false
		}
	}
	return true
}

// EnforceAllowlist filters fallback candidates against an allowlist: the
// primary always survives; every fallback must be in the allowlist or is
// dropped. An
// empty allowlist means no enforcement.
func EnforceAllowlist(allowlist map[string]bool, fallbacks []Candidate) []Candidate {
	if len(allowlist) == 0 {
		return fallbacks
	}
	out := make([]Candidate, 0, len(fallbacks))
	for _, c := range fallbacks {
		if allowlist[c.Key()] {
			out = append(out, c)
		}
	}
	return out
}

// Run executes the candidate iteration, retry, and circuit/cooldown logic
// across the primary and its fallbacks.
func (r *Router) Run(ctx context.Context, cfg *RouterConfig, req Request, agentDir string) (Result, error) {
	start := time.Now()
	primary, fallbacks := ResolveRoute(cfg, req)
	if cfg != nil {
		fallbacks = EnforceAllowlist(cfg.Allowlist, fallbacks)
	}
	candidates := append([]Candidate{primary}, fallbacks...)

	var attempts []AttemptSummary
	var fallbackHops int

candidateLoop:
	for i := 0; i < len(candidates); i++ {
		c := candidates[i]
		key := c.Key()

		if !r.breaker.CanAttempt(key) {
			r.obs.ModelCallError(ctx, c.Provider, c.Model, "circuit_open", 0)
			attempts = append(attempts, AttemptSummary{
				Candidate: c, Reason: "circuit_open",
				Err: errkind.New(errkind.CircuitOpen, "circuit open for "+key),
			})
			if i+1 < len(candidates) {
				next := candidates[i+1]
				r.obs.ModelCallFallback(ctx, c.Provider, c.Model, next.Provider, next.Model, "circuit_open")
				fallbackHops++
			}
			continue
		}

		allCold, soonest := r.profilesInCooldown(c.Provider)
		if allCold {
			isPrimary := i == 0
			if !isPrimary || !r.probeDue(agentDir, c.Provider, soonest) {
				attempts = append(attempts, AttemptSummary{
					Candidate: c, Reason: "all_profiles_cooldown",
					Err: errkind.New(errkind.Unavailable, "all auth profiles in cooldown for "+c.Provider),
				})
				continue
			}
		}

		limiter := r.limiterFor(key)
		if err := limiter.Wait(ctx, estimateTokens(req.UserMessage)); err != nil {
			return Result{}, err
		}

		r.obs.ModelCallStart(ctx, c.Provider, c.Model)
		res, err := r.runWithSameCandidateRetry(ctx, cfg, c, req)
		limiter.Observe(err)
		if err == nil {
			latency := time.Since(start)
			cost := r.pricing[c.Key()].Cost(res.Usage)
			r.obs.ModelCallEnd(ctx, c.Provider, c.Model, res.Usage.InputTokens, res.Usage.OutputTokens, cost, latency)
			r.obs.RoutingDecision(ctx, c.Key(), fallbackHops, "", latency, res.Usage.InputTokens, res.Usage.OutputTokens)
			return res, nil
		}

		cl := classify(err)
		switch cl.kind {
		case classAbort:
			return Result{}, err

		case classTerminal:
			return Result{}, UserFacingTerminalError(cl.reason)

		case classContextOverflow:
			r.obs.ModelCallError(ctx, c.Provider, c.Model, cl.reason, 0)
			attempts = append(attempts, AttemptSummary{Candidate: c, Reason: cl.reason, Err: err})
			next, idx := nextLargerContext(candidates, i)
			if idx < 0 {
				break candidateLoop
			}
			r.obs.ModelCallFallback(ctx, c.Provider, c.Model, next.Provider, next.Model, "context_overflow")
			fallbackHops++
			i = idx - 1 // loop increment will land on idx
			continue

		case classRetryableTransport, classToolCallParse, classRetryableOther:
			statusCode := 0
			if he, ok := err.(*HTTPStatusError); ok {
				statusCode = he.StatusCode
			}
			r.obs.ModelCallError(ctx, c.Provider, c.Model, cl.reason, statusCode)
			attempts = append(attempts, AttemptSummary{Candidate: c, Reason: cl.reason, Err: err})
			if cl.reason == "timeout" || cl.reason == "rate_limit" {
				r.breaker.NoteFailure(key)
			}
			if i+1 < len(candidates) {
				next := candidates[i+1]
				r.obs.ModelCallFallback(ctx, c.Provider, c.Model, next.Provider, next.Model, cl.reason)
				fallbackHops++
			}
			continue

		default:
			return Result{}, err
		}
	}

	latency := time.Since(start)
	if len(attempts) == 1 {
		r.obs.RoutingDecision(ctx, "", fallbackHops, attempts[0].Reason, latency, 0, 0)
		return Result{}, attempts[0].Err
	}
	failReason := ""
	if len(attempts) > 0 {
		failReason = attempts[len(attempts)-1].Reason
	}
	r.obs.RoutingDecision(ctx, "", fallbackHops, failReason, latency, 0, 0)
	return Result{}, &AllFailedError{Attempts: attempts}
}

// runWithSameCandidateRetry invokes req.RunFn for c, retrying in place (no
// fallback hop, no new ModelCallStart event) while the failure classifies as
// a retryable transport error and cfg permits same-candidate retries.
func (r *Router) runWithSameCandidateRetry(ctx context.Context, cfg *RouterConfig, c Candidate, req Request) (Result, error) {
	if cfg == nil || cfg.SameCandidateRetry.MaxAttempts <= 1 {
		return req.RunFn(c.Provider, c.Model)
	}

	var res Result
	var lastRaw error
	err := retry.Do(ctx, cfg.SameCandidateRetry, func(ctx context.Context) error {
		var runErr error
		res, runErr = req.RunFn(c.Provider, c.Model)
		if runErr == nil {
			return nil
		}
		lastRaw = runErr
		if classify(runErr).kind != classRetryableTransport {
			// retry.IsRetryable would still retry a net.Error timeout or
			// context.DeadlineExceeded, so hand it an error it never retries;
			// the caller reports lastRaw, not this error, so the retry loop
			// stops immediately.
			return errkind.New(errkind.Internal, runErr.Error())
		}
		return &retry.HTTPStatusError{StatusCode: 503, Message: runErr.Error()}
	})
	if err == nil {
		return res, nil
	}
	if exhausted, ok := err.(*retry.ExhaustedError); ok {
		return Result{}, lastRawOr(exhausted, lastRaw)
	}
	return Result{}, lastRaw
}

func lastRawOr(exhausted *retry.ExhaustedError, lastRaw error) error {
	if lastRaw != nil {
		return lastRaw
	}
	return exhausted
}

// nextLargerContext finds the next candidate (after index from) whose known
// context window strictly exceeds candidates[from]'s; if none is known, the
// first candidate with an unknown window; if none, returns (_, -1).
func nextLargerContext(candidates []Candidate, from int) (Candidate, int) {
	failed := candidates[from]
	for i := from + 1; i < len(candidates); i++ {
		if candidates[i].ContextWindow > failed.ContextWindow && candidates[i].ContextWindow > 0 {
			return candidates[i], i
		}
	}
	for i := from + 1; i < len(candidates); i++ {
		if candidates[i].ContextWindow == 0 {
			return candidates[i], i
		}
	}
	return Candidate{}, -1
}

// sortedKeys returns m's keys in ascending order, for deterministic
// iteration over the allowlist/capabilities maps.
func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
