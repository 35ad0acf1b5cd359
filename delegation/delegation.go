package delegation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coreplane/agentcore/artifact"
	"github.com/coreplane/agentcore/errkind"
	"github.com/coreplane/agentcore/internal/telemetry"
	"github.com/coreplane/agentcore/observability"
	"github.com/coreplane/agentcore/sessionstore"
)

// ChatInjectFunc delivers a message into an agent's inbox session; an
// external collaborator implements delivery to the running agent process.
type ChatInjectFunc func(ctx context.Context, to, sessionKey, message string, artifactRefs []string) error

// AgentExecFunc starts asynchronous agent execution for a synchronous
// agents.call; it must not block past its own bookkeeping — the gateway
// awaits completion separately via the session store's job snapshot.
type AgentExecFunc func(ctx context.Context, req AgentExecRequest) error

// AgentExecRequest is what the gateway hands the agent-execution external
// collaborator for a synchronous agents.call.
type AgentExecRequest struct {
	RunID          string
	From, To       string
	Message        string
	ArtifactRefs   []string
	SessionKey     string
	IdempotencyKey string
	Deliver        bool
	TimeoutSeconds int
}

// Gateway implements the delegation RPC surface: agents.call, agents.message,
// and artifacts.publish/fetch; agents.call is gated by per-trace guards.
type Gateway struct {
	artifacts *artifact.Store
	sessions  sessionstore.Store
	obs       *observability.Aggregator
	guards    *GuardRegistry
	tel       telemetry.Set

	chatInject ChatInjectFunc
	agentExec  AgentExecFunc

	limits Limits

	// JobPollInterval controls how often LoadJob is polled while awaiting
	// agents.call completion.
	JobPollInterval time.Duration
}

// New constructs a Gateway.
func New(artifacts *artifact.Store, sessions sessionstore.Store, obs *observability.Aggregator, limits Limits, chatInject ChatInjectFunc, agentExec AgentExecFunc, tel telemetry.Set) *Gateway {
	return &Gateway{
		artifacts:       artifacts,
		sessions:        sessions,
		obs:             obs,
		guards:          NewGuardRegistry(),
		tel:             tel,
		chatInject:      chatInject,
		agentExec:       agentExec,
		limits:          limits.Clamp(),
		JobPollInterval: 200 * time.Millisecond,
	}
}

// PublishArtifactRequest is the input to artifacts.publish.
type PublishArtifactRequest struct {
	Payload      []byte
	Kind         string
	CreatorAgent string
	TraceID      string
	TTLDays      *int
}

// ArtifactsPublish wraps artifact.Store.Publish with input validation.
func (g *Gateway) ArtifactsPublish(ctx context.Context, req PublishArtifactRequest) (artifact.Meta, *Envelope) {
	if req.CreatorAgent == "" || req.TraceID == "" {
		return artifact.Meta{}, ToEnvelope(errkind.New(errkind.InvalidRequest, "creatorAgentId and traceId are required"))
	}
	meta, err := g.artifacts.Publish(req.Payload, req.Kind, req.CreatorAgent, req.TraceID, req.TTLDays)
	if err != nil {
		return artifact.Meta{}, ToEnvelope(err)
	}
	g.obs.ArtifactPublish(ctx, meta.ID, meta.Kind, meta.SizeBytes)
	return meta, nil
}

// ArtifactsFetch wraps artifact.Store.Fetch with input validation.
func (g *Gateway) ArtifactsFetch(ctx context.Context, id string) (artifact.Meta, []byte, *Envelope) {
	if id == "" {
		return artifact.Meta{}, nil, ToEnvelope(errkind.New(errkind.InvalidRequest, "artifact id is required"))
	}
	meta, payload, err := g.artifacts.Fetch(id)
	if err != nil {
		return artifact.Meta{}, nil, ToEnvelope(err)
	}
	g.obs.ArtifactFetch(ctx, id)
	return meta, payload, nil
}

// MessageRequest is the input to agents.message.
type MessageRequest struct {
	From, To   string
	Message    string
	TraceID    string
	Priority   string
	SessionKey string // defaults to "agent:<to>:inbox"
}

// AgentsMessage implements the asynchronous inbox handoff: it appends to the
// recipient's session, auto-compacting long payloads into artifacts first.
func (g *Gateway) AgentsMessage(ctx context.Context, req MessageRequest) *Envelope {
	if req.From == "" || req.To == "" || req.Message == "" {
		return ToEnvelope(errkind.New(errkind.InvalidRequest, "from, to, and message are required"))
	}
	priority := NormalizePriority(req.Priority)
	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("agent:%s:inbox", req.To)
	}

	message := req.Message
	var artifactRefs []string
	res, err := g.artifacts.MaybeAutoPublishLongPayload(req.Message, "text/plain", req.From, req.To, req.TraceID)
	if err != nil {
		return ToEnvelope(err)
	}
	if res.Compacted {
		message = res.StubText
		artifactRefs = append(artifactRefs, res.ArtifactID)
	}

	if err := g.artifacts.WriteHandoffBrief(artifact.HandoffBrief{
		TraceID: req.TraceID, From: req.From, To: req.To, Summary: fmt.Sprintf("message (priority=%s)", priority),
	}); err != nil {
		return ToEnvelope(err)
	}

	if err := g.sessions.AppendMessage(ctx, sessionKey, sessionstore.Message{From: req.From, Role: "user", Body: message}); err != nil {
		return ToEnvelope(errkind.Wrap(errkind.Internal, "upsert inbox session entry", err))
	}

	if g.chatInject != nil {
		if err := g.chatInject(ctx, req.To, sessionKey, message, artifactRefs); err != nil {
			return ToEnvelope(errkind.Wrap(errkind.Unavailable, "chat injection failed", err))
		}
	}

	g.obs.AgentMessage(ctx, req.From, req.To)
	return nil
}

// CallRequest is the input to agents.call.
type CallRequest struct {
	From, To      string
	Message       string
	TraceID       string
	SessionKey    string
	ArtifactIDs   []string
	LimitOverride *Limits
}

// CallResponse is the output of agents.call.
type CallResponse struct {
	Status       string // ok, blocked, deduped, timeout, error
	Reason       string
	Summary      string
	ArtifactRefs []string
	RunID        string
}

// AgentsCall implements the synchronous delegation call path, running its
// trace guard checks before handing off to the execution callback.
func (g *Gateway) AgentsCall(ctx context.Context, req CallRequest) (CallResponse, *Envelope) {
	if req.From == "" || req.To == "" || req.TraceID == "" {
		return CallResponse{}, ToEnvelope(errkind.New(errkind.InvalidRequest, "from, to, and traceId are required"))
	}

	limits := g.limits
	if req.LimitOverride != nil {
		limits = req.LimitOverride.Clamp()
	}

	sessionKey := req.SessionKey
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("agent:%s:inbox", req.To)
	}
	taskHash := computeTaskHash(req.To, req.Message, req.ArtifactIDs, sessionKey)
	pairKey := req.From + "->" + req.To

	guard := g.guards.get(req.TraceID)
	check := guard.checkAndAdmit(limits, taskHash, pairKey)
	if check.status != "" {
		return CallResponse{Status: check.status, Reason: check.reason}, nil
	}
	defer guard.release()
	defer g.guards.PruneStale()

	g.obs.AgentCallStart(ctx, req.From, req.To)

	message := req.Message
	var artifactRefs []string
	res, err := g.artifacts.MaybeAutoPublishLongPayload(req.Message, "text/plain", req.From, req.To, req.TraceID)
	if err != nil {
		g.obs.AgentCallError(ctx, err.Error())
		return CallResponse{}, ToEnvelope(err)
	}
	if res.Compacted {
		message = res.StubText
		artifactRefs = append(artifactRefs, res.ArtifactID)
	}

	runID := taskHash
	idempotencyKey := taskHash
	timeoutSeconds := int(math.Ceil(float64(limits.TimeoutMs) / 1000))

	if g.agentExec != nil {
		if err := g.agentExec(ctx, AgentExecRequest{
			RunID: runID, From: req.From, To: req.To, Message: message, ArtifactRefs: artifactRefs,
			SessionKey: sessionKey, IdempotencyKey: idempotencyKey, Deliver: false, TimeoutSeconds: timeoutSeconds,
		}); err != nil {
			g.obs.AgentCallError(ctx, err.Error())
			return CallResponse{}, ToEnvelope(errkind.Wrap(errkind.Unavailable, "agent execution failed to start", err))
		}
	}

	snap, timedOut := g.awaitJob(ctx, runID, limits.Timeout())

	status := "ok"
	switch {
	case timedOut:
		status = "timeout"
	case snap.Status == sessionstore.JobFailed || snap.Status == sessionstore.JobCanceled:
		status = "error"
	}

	summaryText := ""
	if msg, ok := g.sessions.LatestAssistantMessage(ctx, sessionKey); ok {
		summaryText = truncateEllipsis(msg.Body, 800)
	}

	summaryBytes, _ := json.Marshal(map[string]any{"status": status, "summary": summaryText})
	summaryMeta, err := g.artifacts.Publish(summaryBytes, "application/json", req.To, req.TraceID, nil)
	if err == nil {
		artifactRefs = append(artifactRefs, summaryMeta.ID)
	}

	_ = g.artifacts.WriteHandoffBrief(artifact.HandoffBrief{
		TraceID: req.TraceID, From: req.From, To: req.To, Summary: summaryText,
	})

	g.obs.AgentCallEnd(ctx, status)
	if status != "ok" {
		g.obs.AgentCallError(ctx, status)
	}

	return CallResponse{Status: status, Summary: summaryText, ArtifactRefs: artifactRefs, RunID: runID}, nil
}

func (g *Gateway) awaitJob(ctx context.Context, runID string, timeout time.Duration) (sessionstore.JobSnapshot, bool) {
	deadline := time.Now().Add(timeout)
	interval := g.JobPollInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	for {
		if snap, err := g.sessions.LoadJob(ctx, runID); err == nil && isTerminal(snap.Status) {
			return snap, false
		}
		if time.Now().After(deadline) {
			return sessionstore.JobSnapshot{}, true
		}
		select {
		case <-ctx.Done():
			return sessionstore.JobSnapshot{}, true
		case <-time.After(interval):
		}
	}
}

func isTerminal(s sessionstore.JobStatus) bool {
	return s == sessionstore.JobCompleted || s == sessionstore.JobFailed || s == sessionstore.JobCanceled
}

func computeTaskHash(to, message string, artifactIDs []string, sessionKey string) string {
	sorted := append([]string(nil), artifactIDs...)
	sort.Strings(sorted)
	b, _ := json.Marshal(struct {
		To                string   `json:"to"`
		NormalizedMessage string   `json:"normalizedMessage"`
		SortedArtifactIDs []string `json:"sortedArtifactIds"`
		SessionKey        string   `json:"sessionKey"`
	}{to, message, sorted, sessionKey})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func truncateEllipsis(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
