package stream

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coreplane/agentcore/event"
)

// Sender delivers one OutboundMessage to the transport (e.g. a websocket
// connection). It is called from several goroutines (the delivery pump,
// Offer on overflow, the fanout's rollup broadcast and Subscribe's replay
// snapshot), so it must be safe for concurrent use.
type Sender func(msg OutboundMessage) error

// Subscription is one live OBS.SUBSCRIBE consumer: a filter, a 1s-window
// delivery cap, and a bounded drop-oldest outbound queue.
type Subscription struct {
	ID     string
	Filter Filter

	messageMaxBytes int
	maxBuffered     int

	limiter *rate.Limiter
	send    Sender
	onDrop  func(dropped int)

	mu      sync.Mutex
	queue   []*event.Event
	dropped int
	closed  bool
}

// NewSubscription constructs a Subscription. maxEventsPerSec <= 0 defaults
// to 20; maxBuffered <= 0 defaults to 200; messageMaxBytes <= 0 defaults to
// 64 KiB.
func NewSubscription(id string, filter Filter, maxEventsPerSec, maxBuffered, messageMaxBytes int, send Sender, onDrop func(int)) *Subscription {
	if maxEventsPerSec <= 0 {
		maxEventsPerSec = 20
	}
	if maxBuffered <= 0 {
		maxBuffered = 200
	}
	if messageMaxBytes <= 0 {
		messageMaxBytes = 64 * 1024
	}
	return &Subscription{
		ID: id, Filter: filter,
		messageMaxBytes: messageMaxBytes, maxBuffered: maxBuffered,
		limiter: rate.NewLimiter(rate.Limit(maxEventsPerSec), maxEventsPerSec),
		send:    send, onDrop: onDrop,
	}
}

// Offer enqueues evt if it matches the subscription's filter, dropping the
// oldest queued event (and counting it) once maxBuffered is exceeded.
func (s *Subscription) Offer(evt *event.Event) {
	if !s.Filter.Match(evt) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, evt)
	if len(s.queue) > s.maxBuffered {
		s.queue = s.queue[1:]
		s.dropped++
		s.notifyDropLocked()
	}
}

// Pump drains the queue at the subscription's configured rate until stop is
// closed; Close alone does not stop it. Intended to run in its own goroutine
// per subscription.
func (s *Subscription) Pump(stop <-chan struct{}) {
	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.drainReady()
		}
	}
}

func (s *Subscription) drainReady() {
	for {
		if !s.limiter.Allow() {
			return
		}
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if estimateSize(evt) > s.messageMaxBytes {
			s.mu.Lock()
			s.dropped++
			s.notifyDropLocked()
			s.mu.Unlock()
			continue
		}
		if err := s.send(OutboundMessage{Type: EventEvent, Event: evt}); err != nil {
			return
		}
	}
}

// SendSnapshot delivers a replay snapshot, filtered and greedily truncated
// from the tail to fit messageMaxBytes.
func (s *Subscription) SendSnapshot(events []*event.Event) error {
	var matched []*event.Event
	for _, e := range events {
		if s.Filter.Match(e) {
			matched = append(matched, e)
		}
	}
	for len(matched) > 0 {
		msg := OutboundMessage{Type: EventSnapshot, Events: matched}
		if estimateMessageSize(msg) <= s.messageMaxBytes {
			return s.send(msg)
		}
		matched = matched[:len(matched)-1]
	}
	return s.send(OutboundMessage{Type: EventSnapshot, Events: nil})
}

// SendError delivers an OBS.ERROR frame.
func (s *Subscription) SendError(code, message string, retryable bool) error {
	return s.send(OutboundMessage{Type: EventError, Error: &ErrorPayload{
		SchemaVersion: event.SchemaVersion, Code: code, Message: message, Retryable: retryable,
	}})
}

// Close marks the subscription closed; Pump goroutines should exit via their
// stop channel separately.
func (s *Subscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
}

// DroppedCount returns the cumulative number of events dropped for this
// subscription (backpressure or oversize).
func (s *Subscription) DroppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscription) notifyDropLocked() {
	_ = s.send(OutboundMessage{Type: EventError, Error: &ErrorPayload{
		SchemaVersion: event.SchemaVersion, Code: "BUFFER_OVERFLOW", Message: "subscriber buffer overflow, oldest event dropped", Retryable: true,
	}})
	if s.onDrop != nil {
		s.onDrop(s.dropped)
	}
}

func estimateSize(evt *event.Event) int {
	b, err := json.Marshal(evt)
	if err != nil {
		return 0
	}
	return len(b)
}

func estimateMessageSize(msg OutboundMessage) int {
	b, err := json.Marshal(msg)
	if err != nil {
		return 0
	}
	return len(b)
}
