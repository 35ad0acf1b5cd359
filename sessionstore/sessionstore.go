// Package sessionstore models the session/run lifecycle and inbox state the
// delegation gateway reads and writes: upserted inbox entries for
// agents.message, and job-completion snapshots awaited by agents.call.
package sessionstore

import (
	"context"
	"errors"
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// JobStatus is the lifecycle state of a delegated agent run tracked for
// agents.call completion.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Session captures durable session lifecycle state; sessions are created
// and ended independently of run lifecycle.
type Session struct {
	ID        string
	Status    Status
	CreatedAt time.Time
	EndedAt   *time.Time
}

// Message is one inbox entry appended under a session key (e.g.
// "agent:<to>:inbox" for agents.message handoffs).
type Message struct {
	From      string
	Role      string // "assistant" or "user"/"system"
	Body      string
	CreatedAt time.Time
}

// JobSnapshot is the completion state awaited by a synchronous agents.call.
type JobSnapshot struct {
	RunID     string
	SessionID string
	Status    JobStatus
	Err       error
	UpdatedAt time.Time
}

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session ended")
	ErrJobNotFound     = errors.New("job snapshot not found")
)

// Store persists session lifecycle state, inbox messages, and job
// completion snapshots. Implementations must be safe for concurrent use.
type Store interface {
	CreateSession(ctx context.Context, sessionID string, createdAt time.Time) (Session, error)
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) (Session, error)

	AppendMessage(ctx context.Context, sessionKey string, msg Message) error
	LatestAssistantMessage(ctx context.Context, sessionKey string) (Message, bool)

	UpsertJob(ctx context.Context, snap JobSnapshot) error
	LoadJob(ctx context.Context, runID string) (JobSnapshot, error)
}
