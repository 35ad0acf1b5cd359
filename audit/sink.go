package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Sink persists a redacted event. Implementations must not block the drain
// task indefinitely; a slow sink slows the whole pipeline by design since a
// single writer drains every sink in turn.
type Sink interface {
	Write(evt *Event) error
	Close() error
}

// FileSink appends one JSON line per event to a day-partitioned file
// (YYYY-MM-DD.jsonl) under dir, rotating solely on UTC day boundary.
type FileSink struct {
	dir string

	mu      sync.Mutex
	day     string
	file    *os.File
}

// NewFileSink constructs a FileSink rooted at dir, creating dir if absent.
func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &FileSink{dir: dir}, nil
}

// Write appends evt as a compact JSON line to today's file, opening a new
// file handle lazily whenever the UTC day changes.
func (s *FileSink) Write(evt *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := time.UnixMilli(evt.Timestamp).UTC().Format("2006-01-02")
	if day != s.day || s.file == nil {
		if s.file != nil {
			_ = s.file.Close()
		}
		f, err := os.OpenFile(filepath.Join(s.dir, day+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open audit file for %s: %w", day, err)
		}
		s.file = f
		s.day = day
	}

	b, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	b = append(b, '\n')
	_, err = s.file.Write(b)
	return err
}

// Close flushes and closes the currently open day file, if any.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// RingSink retains the most recent events in memory for the stream fanout
// to consume; it never errors and never blocks.
type RingSink struct {
	mu      sync.Mutex
	events  []*Event
	maxSize int
	onEvent func(*Event)
}

// NewRingSink constructs a RingSink bounded to maxSize events. onEvent, if
// non-nil, is invoked synchronously for every written event (used by the
// stream fanout to drive subscriber delivery without polling).
func NewRingSink(maxSize int, onEvent func(*Event)) *RingSink {
	if maxSize <= 0 {
		maxSize = 10_000
	}
	return &RingSink{maxSize: maxSize, onEvent: onEvent}
}

// Write appends evt, evicting the oldest entry once maxSize is exceeded.
func (s *RingSink) Write(evt *Event) error {
	s.mu.Lock()
	s.events = append(s.events, evt)
	if len(s.events) > s.maxSize {
		s.events = s.events[len(s.events)-s.maxSize:]
	}
	s.mu.Unlock()

	if s.onEvent != nil {
		s.onEvent(evt)
	}
	return nil
}

// Close is a no-op; the ring is owned by the pipeline's lifetime.
func (s *RingSink) Close() error { return nil }

// Snapshot returns the retained events, oldest first, keeping only those
// with a timestamp at or after now minus replayWindowMs when
// replayWindowMs > 0.
func (s *RingSink) Snapshot(replayWindowMs int64) []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if replayWindowMs <= 0 {
		out := make([]*Event, len(s.events))
		copy(out, s.events)
		return out
	}
	cutoff := time.Now().UnixMilli() - replayWindowMs
	var out []*Event
	for _, e := range s.events {
		if e.Timestamp >= cutoff {
			out = append(out, e)
		}
	}
	return out
}

// CompositeSink fans a single write out to every underlying sink in
// sequence; a per-sink failure is reported to onError and does not halt
// delivery to the remaining sinks. Write returns the first such failure.
type CompositeSink struct {
	sinks   []Sink
	onError func(sink Sink, err error)
}

// NewCompositeSink builds a CompositeSink over sinks. onError, if non-nil,
// is invoked for every per-sink write failure.
func NewCompositeSink(onError func(Sink, error), sinks ...Sink) *CompositeSink {
	return &CompositeSink{sinks: sinks, onError: onError}
}

// Write writes evt to every sink, continuing past individual failures.
func (c *CompositeSink) Write(evt *Event) error {
	var firstErr error
	for _, s := range c.sinks {
		if err := s.Write(evt); err != nil {
			if c.onError != nil {
				c.onError(s, err)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close closes every underlying sink, collecting (but not stopping on) the
// first error encountered.
func (c *CompositeSink) Close() error {
	var firstErr error
	for _, s := range c.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
