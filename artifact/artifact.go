// Package artifact implements a content-addressed artifact store:
// publish/fetch of immutable payloads keyed by sha256, atomic
// temp-file-and-rename metadata writes, and handoff-brief emission for
// long-payload auto-compaction.
package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/coreplane/agentcore/errkind"
)

// idPattern validates an artifact id of the form art_<sha256 hex>.
var idPattern = regexp.MustCompile(`^art_[0-9a-f]{64}$`)

// Meta is the immutable artifact metadata record written alongside a payload.
type Meta struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	SizeBytes     int    `json:"sizeBytes"`
	CreatorAgent  string `json:"creatorAgentId"`
	TraceID       string `json:"traceId"`
	TTLDays       *int   `json:"ttlDays,omitempty"`
	SchemaVersion string `json:"schemaVersion"`
}

// HandoffBrief summarizes that one agent's content was consumed by another.
type HandoffBrief struct {
	TraceID       string `json:"traceId"`
	From          string `json:"from"`
	To            string `json:"to"`
	ArtifactID    string `json:"artifactId,omitempty"`
	Summary       string `json:"summary"`
	CreatedAt     int64  `json:"createdAt"`
	SchemaVersion string `json:"schemaVersion"`
}

// Store mediates access to the filesystem-owned artifact and brief
// directories.
type Store struct {
	artifactsDir string
	briefsDir    string

	// LongPayloadThreshold is the message-length threshold (default 2000,
	// floor 200) above which maybeAutoPublishLongPayload compacts a payload.
	LongPayloadThreshold int
}

// New constructs a Store rooted at workspaceRoot/_shared/{artifacts,briefs}.
func New(workspaceRoot string) (*Store, error) {
	artifactsDir := filepath.Join(workspaceRoot, "_shared", "artifacts")
	briefsDir := filepath.Join(workspaceRoot, "_shared", "briefs")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}
	if err := os.MkdirAll(briefsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create briefs dir: %w", err)
	}
	return &Store{artifactsDir: artifactsDir, briefsDir: briefsDir, LongPayloadThreshold: 2000}, nil
}

func payloadExt(kind string) string {
	if len(kind) >= 5 && kind[:5] == "text/" {
		return ".txt"
	}
	return ".json"
}

// Publish writes payload content-addressed by sha256(bytes), returning its
// Meta. Re-publishing identical bytes is idempotent: the existing metadata
// record is returned unchanged.
func (s *Store) Publish(payload []byte, kind, creatorAgent, traceID string, ttlDays *int) (Meta, error) {
	sum := sha256.Sum256(payload)
	id := "art_" + hex.EncodeToString(sum[:])

	metaPath := s.metaPath(id)
	if existing, err := readMeta(metaPath); err == nil {
		return existing, nil
	}

	ext := payloadExt(kind)
	payloadPath := filepath.Join(s.artifactsDir, id+ext)
	if _, err := os.Stat(payloadPath); os.IsNotExist(err) {
		if err := atomicWrite(payloadPath, payload); err != nil {
			return Meta{}, errkind.Wrap(errkind.Internal, "write artifact payload", err)
		}
	}

	meta := Meta{
		ID: id, Kind: kind, SizeBytes: len(payload),
		CreatorAgent: creatorAgent, TraceID: traceID, TTLDays: ttlDays,
		SchemaVersion: "1.0",
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return Meta{}, errkind.Wrap(errkind.Internal, "marshal artifact meta", err)
	}
	if err := atomicWrite(metaPath, b); err != nil {
		return Meta{}, errkind.Wrap(errkind.Internal, "write artifact meta", err)
	}
	return meta, nil
}

// Fetch validates id, loads its metadata, and returns the metadata with the
// raw payload bytes. Payloads of JSON kinds are returned as raw bytes; they
// are not decoded.
func (s *Store) Fetch(id string) (Meta, []byte, error) {
	if !idPattern.MatchString(id) {
		return Meta{}, nil, errkind.New(errkind.InvalidRequest, "invalid artifact id: "+id)
	}
	meta, err := readMeta(s.metaPath(id))
	if err != nil {
		return Meta{}, nil, errkind.Wrap(errkind.NotFound, "artifact metadata not found: "+id, err)
	}

	for _, ext := range []string{payloadExt(meta.Kind), ".txt", ".json"} {
		path := filepath.Join(s.artifactsDir, id+ext)
		if b, err := os.ReadFile(path); err == nil {
			return meta, b, nil
		}
	}
	return Meta{}, nil, errkind.New(errkind.DataCorruption, "artifact payload missing for "+id)
}

// WriteHandoffBrief atomically writes brief under
// <trace>-<from>-to-<to>.json.
func (s *Store) WriteHandoffBrief(b HandoffBrief) error {
	if b.SchemaVersion == "" {
		b.SchemaVersion = "1.0"
	}
	if b.CreatedAt == 0 {
		b.CreatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(b)
	if err != nil {
		return errkind.Wrap(errkind.Internal, "marshal handoff brief", err)
	}
	name := fmt.Sprintf("%s-%s-to-%s.json", b.TraceID, b.From, b.To)
	return atomicWrite(filepath.Join(s.briefsDir, name), data)
}

// AutoPublishResult describes the outcome of maybeAutoPublishLongPayload.
type AutoPublishResult struct {
	Compacted  bool
	StubText   string
	ArtifactID string
}

// MaybeAutoPublishLongPayload compacts message into an artifact plus a short
// stub and handoff brief when its length exceeds the configured threshold
// (floor 200).
func (s *Store) MaybeAutoPublishLongPayload(message, kind, from, to, traceID string) (AutoPublishResult, error) {
	threshold := s.LongPayloadThreshold
	if threshold < 200 {
		threshold = 200
	}
	if len(message) <= threshold {
		return AutoPublishResult{}, nil
	}

	meta, err := s.Publish([]byte(message), kind, from, traceID, nil)
	if err != nil {
		return AutoPublishResult{}, err
	}

	brief := HandoffBrief{
		TraceID: traceID, From: from, To: to, ArtifactID: meta.ID,
		Summary: fmt.Sprintf("compacted %d-char payload into artifact %s", len(message), meta.ID),
	}
	if err := s.WriteHandoffBrief(brief); err != nil {
		return AutoPublishResult{}, err
	}

	stub := fmt.Sprintf("[payload compacted to artifact %s, %d bytes]", meta.ID, meta.SizeBytes)
	return AutoPublishResult{Compacted: true, StubText: stub, ArtifactID: meta.ID}, nil
}

func (s *Store) metaPath(id string) string {
	return filepath.Join(s.artifactsDir, id+".meta.json")
}

func readMeta(path string) (Meta, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Meta{}, err
	}
	var m Meta
	if err := json.Unmarshal(b, &m); err != nil {
		return Meta{}, err
	}
	return m, nil
}

// atomicWrite writes data to a temp file on the same volume as path, then
// renames it into place, so readers never observe a partially written file.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
