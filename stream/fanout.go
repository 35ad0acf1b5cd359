// Package stream implements the observability stream fanout:
// per-subscription filtering, a replay snapshot on subscribe, a 1s-window
// delivery cap with bounded drop-oldest backpressure, and periodic spend and
// health rollups.
package stream

import (
	"sync"
	"time"

	"github.com/coreplane/agentcore/audit"
	"github.com/coreplane/agentcore/circuit"
	"github.com/coreplane/agentcore/event"
)

// Config configures a Fanout.
type Config struct {
	ReplayWindowMs          int64
	ServerMaxEventsPerSec   int
	ServerMaxBufferedEvents int
	MessageMaxBytes         int
}

// DefaultConfig returns reasonable default stream configuration.
func DefaultConfig() Config {
	return Config{ReplayWindowMs: 0, ServerMaxEventsPerSec: 20, ServerMaxBufferedEvents: 200, MessageMaxBytes: 64 * 1024}
}

// Fanout owns every live Subscription, fed by the audit pipeline's RingSink
// via its onEvent hook, and the shared circuit breaker for health rollups.
type Fanout struct {
	cfg     Config
	ring    *audit.RingSink
	breaker *circuit.Breaker

	mu           sync.Mutex
	subs         map[string]*Subscription
	stopChans    map[string]chan struct{}
	spendByModel map[string]*Totals
	spendByAgent map[string]*Totals
	fallbackHops int64
	spendDirty   bool
	healthDirty  bool

	stopRollup chan struct{}
}

// New constructs a Fanout. Call breaker.OnTransition chaining is the
// caller's responsibility if health rollups must reflect transitions from
// multiple observers; Fanout reads current circuit state via the breaker's
// Snapshot on every broadcast.
func New(cfg Config, ring *audit.RingSink, breaker *circuit.Breaker) *Fanout {
	f := &Fanout{
		cfg: cfg, ring: ring, breaker: breaker,
		subs: map[string]*Subscription{}, stopChans: map[string]chan struct{}{},
		spendByModel: map[string]*Totals{},
		spendByAgent: map[string]*Totals{},
		stopRollup:   make(chan struct{}),
	}
	go f.rollupLoop()
	return f
}

// HandleEvent is the RingSink onEvent hook: fans evt out to every matching
// subscription and marks spend/health dirty when relevant.
func (f *Fanout) HandleEvent(evt *event.Event) {
	f.mu.Lock()
	if evt.Type == "model.call.end" && evt.Metrics != nil && evt.Model != nil {
		f.accumulateLocked(evt)
		f.spendDirty = true
	}
	if evt.Type == "model.fallback" {
		f.fallbackHops++
		f.spendDirty = true
	}
	if evt.Type == "health.circuit.state_change" {
		f.healthDirty = true
	}
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.Offer(evt)
	}
}

// accumulateLocked folds one model.call.end event's metrics into the
// per-model and per-agent running totals. Caller must hold f.mu.
func (f *Fanout) accumulateLocked(evt *event.Event) {
	modelTotals, ok := f.spendByModel[evt.Model.ModelRef]
	if !ok {
		modelTotals = &Totals{}
		f.spendByModel[evt.Model.ModelRef] = modelTotals
	}
	addMetrics(modelTotals, evt.Metrics)

	agentTotals, ok := f.spendByAgent[evt.AgentID]
	if !ok {
		agentTotals = &Totals{}
		f.spendByAgent[evt.AgentID] = agentTotals
	}
	addMetrics(agentTotals, evt.Metrics)
}

func addMetrics(t *Totals, m *event.Metrics) {
	t.Calls++
	t.TokensIn += m.TokensIn
	t.TokensOut += m.TokensOut
	t.CostUSD += m.CostUSD
}

// Subscribe registers a new subscription, starts its delivery pump, and
// sends it an initial replay snapshot from the ring buffer.
func (f *Fanout) Subscribe(id string, p SubscribePayload, send Sender, onDrop func(int)) *Subscription {
	maxEventsPerSec := p.MaxEventsPerSec
	if maxEventsPerSec <= 0 || maxEventsPerSec > f.cfg.ServerMaxEventsPerSec {
		maxEventsPerSec = f.cfg.ServerMaxEventsPerSec
	}
	sub := NewSubscription(id, p.toFilter(), maxEventsPerSec, f.cfg.ServerMaxBufferedEvents, f.cfg.MessageMaxBytes, send, onDrop)

	stop := make(chan struct{})
	f.mu.Lock()
	f.subs[id] = sub
	f.stopChans[id] = stop
	f.mu.Unlock()

	go sub.Pump(stop)
	_ = sub.SendSnapshot(f.ring.Snapshot(f.cfg.ReplayWindowMs))
	return sub
}

// Unsubscribe removes and stops the subscription for id.
func (f *Fanout) Unsubscribe(id string) {
	f.mu.Lock()
	sub, ok := f.subs[id]
	stop, hasStop := f.stopChans[id]
	delete(f.subs, id)
	delete(f.stopChans, id)
	f.mu.Unlock()

	if ok {
		sub.Close()
	}
	if hasStop {
		close(stop)
	}
}

// Shutdown stops the rollup loop and every active subscription's pump.
func (f *Fanout) Shutdown() {
	close(f.stopRollup)
	f.mu.Lock()
	ids := make([]string, 0, len(f.subs))
	for id := range f.subs {
		ids = append(ids, id)
	}
	f.mu.Unlock()
	for _, id := range ids {
		f.Unsubscribe(id)
	}
}

// rollupLoop broadcasts spend/health summaries every 5s when dirty.
func (f *Fanout) rollupLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopRollup:
			return
		case <-ticker.C:
			f.maybeBroadcastRollups()
		}
	}
}

func (f *Fanout) maybeBroadcastRollups() {
	f.mu.Lock()
	var spendMsg *SpendSummary
	var healthMsg *HealthSummary
	if f.spendDirty {
		spendMsg = f.buildSpendSummaryLocked()
		f.spendDirty = false
	}
	if f.healthDirty {
		healthMsg = f.buildHealthSummary()
		f.healthDirty = false
	}
	subs := make([]*Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		if spendMsg != nil {
			_ = s.send(OutboundMessage{Type: EventSpend, Spend: spendMsg})
		}
		if healthMsg != nil {
			_ = s.send(OutboundMessage{Type: EventHealth, Health: healthMsg})
		}
	}
}

// buildSpendSummaryLocked assembles the full calls/tokens/cost rollup from
// the running totals. Caller must hold f.mu.
func (f *Fanout) buildSpendSummaryLocked() *SpendSummary {
	var grand Totals
	byModel := make([]ModelSpend, 0, len(f.spendByModel))
	for ref, t := range f.spendByModel {
		byModel = append(byModel, ModelSpend{ModelRef: ref, Totals: *t})
		grand.Calls += t.Calls
		grand.TokensIn += t.TokensIn
		grand.TokensOut += t.TokensOut
		grand.CostUSD += t.CostUSD
	}
	byAgent := make([]AgentSpend, 0, len(f.spendByAgent))
	for id, t := range f.spendByAgent {
		byAgent = append(byAgent, AgentSpend{AgentID: id, Totals: *t})
	}
	return &SpendSummary{
		SchemaVersion: event.SchemaVersion,
		UpdatedAt:     time.Now().UnixMilli(),
		Totals:        grand,
		ByModel:       byModel,
		ByAgent:       byAgent,
		FallbackHops:  f.fallbackHops,
	}
}

// buildHealthSummary snapshots every tracked circuit's current state.
func (f *Fanout) buildHealthSummary() *HealthSummary {
	snap := f.breaker.Snapshot()
	circuits := make(map[string]string, len(snap))
	for key, state := range snap {
		circuits[key] = string(state)
	}
	return &HealthSummary{SchemaVersion: event.SchemaVersion, Circuits: circuits}
}
