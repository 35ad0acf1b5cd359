// Package audit implements a bounded-queue, redact-then-persist event
// pipeline: a single background drain task moves materialized events through
// redaction to a composite sink, fanning writes out to a day-partitioned
// file sink and an in-memory ring consumed by the stream fanout.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coreplane/agentcore/event"
	"github.com/coreplane/agentcore/internal/telemetry"
)

// Event is the audit record type the pipeline accepts and persists.
type Event = event.Event

var errQueueOverflow = errors.New("audit queue overflow: event dropped")

// Config configures a Pipeline.
type Config struct {
	MaxQueueSize    int
	RedactionMode   Mode
	DebugCharLimit  int
	MaxPayloadBytes int
	RingSize        int
}

// DefaultConfig returns reasonable default pipeline sizing.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:    10_000,
		RedactionMode:   ModeDebug,
		DebugCharLimit:  200,
		MaxPayloadBytes: 256 * 1024,
		RingSize:        10_000,
	}
}

// Pipeline accepts raw events, materializes and redacts them, and drains
// them in FIFO order to its sink.
type Pipeline struct {
	cfg      Config
	q        *queue
	redactor *Redactor
	sink     Sink
	tel      telemetry.Set

	drainSignal chan struct{}
	drainOnce   sync.Once
	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

// New constructs a Pipeline writing to sink after redaction.
func New(cfg Config, sink Sink, tel telemetry.Set) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		q:           newQueue(cfg.MaxQueueSize),
		redactor:    NewRedactor(cfg.RedactionMode, cfg.DebugCharLimit, cfg.MaxPayloadBytes),
		sink:        sink,
		tel:         tel,
		drainSignal: make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	p.wg.Add(1)
	go p.drainLoop()
	return p
}

// Enqueue materializes evt (filling defaults) and queues it for redaction
// and persistence. The returned channel, if consumed, receives the
// persistence result exactly once; enqueue itself never blocks beyond
// O(1) queue manipulation.
func (p *Pipeline) Enqueue(ctx context.Context, evt *Event) <-chan error {
	evt.Materialize(time.Now())
	done := make(chan error, 1)
	dropped := p.q.push(evt, done)
	if dropped {
		p.tel.Metrics.IncCounter("audit.queue.dropped", 1)
		p.tel.Log.Warn(ctx, "audit queue overflow, dropped oldest event")
	}
	p.signalDrain()
	return done
}

func (p *Pipeline) signalDrain() {
	select {
	case p.drainSignal <- struct{}{}:
	default:
	}
}

// drainLoop is the single background drain task: it owns the queue and is
// the only writer to the sink.
func (p *Pipeline) drainLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.drainSignal:
			p.drainOnce.Do(func() {})
			p.drainAll()
		case <-p.closed:
			p.drainAll()
			return
		}
	}
}

func (p *Pipeline) drainAll() {
	for {
		items := p.q.popAll()
		if len(items) == 0 {
			return
		}
		for _, item := range items {
			redactedPayload := p.redactor.Redact(item.evt.Payload)
			if sz := estimateSize(redactedPayload); sz > p.cfg.MaxPayloadBytes {
				redactedPayload = map[string]any{"truncated": true, "originalLength": sz}
			}
			item.evt.Payload = redactedPayload
			err := p.sink.Write(item.evt)
			if item.done != nil {
				item.done <- err
				close(item.done)
			}
		}
	}
}

// Close flushes remaining queued events and closes the underlying sink.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	p.wg.Wait()
	return p.sink.Close()
}

// DroppedCount returns the number of events discarded for queue overflow.
func (p *Pipeline) DroppedCount() int64 { return p.q.droppedCount() }

func estimateSize(v map[string]any) int {
	n := 2
	for k, val := range v {
		n += len(k) + 6
		switch vv := val.(type) {
		case string:
			n += len(vv)
		case map[string]any:
			n += estimateSize(vv)
		default:
			n += 8
		}
	}
	return n
}
