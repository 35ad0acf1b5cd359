package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreplane/agentcore/rctx"
)

// spendTotals is the calls/tokens/cost accumulation shared by the grand
// total and the per-model/per-agent breakdown of a spend summary file.
type spendTotals struct {
	Calls     int64   `json:"calls"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	CostUSD   float64 `json:"costUsd"`
}

func (t *spendTotals) add(costUSD float64, tokensIn, tokensOut int64, calls int) {
	t.Calls += int64(calls)
	t.TokensIn += tokensIn
	t.TokensOut += tokensOut
	t.CostUSD += costUSD
}

type modelSpendRow struct {
	ModelRef string `json:"modelRef"`
	spendTotals
}

type agentSpendRow struct {
	AgentID string `json:"agentId"`
	spendTotals
}

// spendSnapshotFile is the JSON shape written to SummaryPath.
type spendSnapshotFile struct {
	UpdatedAt int64           `json:"updatedAt"`
	Totals    spendTotals     `json:"totals"`
	ByModel   []modelSpendRow `json:"byModel"`
	ByAgent   []agentSpendRow `json:"byAgent"`
}

// ledgerRecord is one line appended to the monthly jsonl ledger.
type ledgerRecord struct {
	Timestamp int64   `json:"timestamp"`
	ModelRef  string  `json:"modelRef"`
	AgentID   string  `json:"agentId,omitempty"`
	CostUSD   float64 `json:"costUsd"`
	TokensIn  int64   `json:"tokensIn"`
	TokensOut int64   `json:"tokensOut"`
	Calls     int     `json:"calls"`
}

// SpendFileWriter implements RollupRecorder by maintaining a running
// calls/tokens/cost snapshot at summaryPath and appending one ledger line per
// recorded spend to a monthly append-only dir/YYYY-MM.jsonl file.
type SpendFileWriter struct {
	summaryPath string
	dir         string

	mu        sync.Mutex
	totals    spendTotals
	byModel   map[string]*spendTotals
	byAgent   map[string]*spendTotals
	month     string
	ledgerErr error
	ledger    *os.File
}

// NewSpendFileWriter constructs a SpendFileWriter, creating dir and
// summaryPath's parent directory if absent. Either path may be empty to
// disable that half of the writer (e.g. ledger-only or summary-only).
func NewSpendFileWriter(dir, summaryPath string) (*SpendFileWriter, error) {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spend dir: %w", err)
		}
	}
	if summaryPath != "" {
		if err := os.MkdirAll(filepath.Dir(summaryPath), 0o755); err != nil {
			return nil, fmt.Errorf("create spend summary dir: %w", err)
		}
	}
	return &SpendFileWriter{
		summaryPath: summaryPath,
		dir:         dir,
		byModel:     map[string]*spendTotals{},
		byAgent:     map[string]*spendTotals{},
	}, nil
}

// RecordSpend implements RollupRecorder: folds the call's usage into the
// running totals, appends a ledger line, then rewrites the summary file.
func (w *SpendFileWriter) RecordSpend(ctx context.Context, modelRef string, costUSD float64, tokensIn, tokensOut int64, calls int) error {
	agentID := ""
	if scope, ok := rctx.FromContext(ctx); ok {
		agentID = scope.AgentID
	}

	w.mu.Lock()
	w.totals.add(costUSD, tokensIn, tokensOut, calls)
	modelTotals, ok := w.byModel[modelRef]
	if !ok {
		modelTotals = &spendTotals{}
		w.byModel[modelRef] = modelTotals
	}
	modelTotals.add(costUSD, tokensIn, tokensOut, calls)
	if agentID != "" {
		agentTotals, ok := w.byAgent[agentID]
		if !ok {
			agentTotals = &spendTotals{}
			w.byAgent[agentID] = agentTotals
		}
		agentTotals.add(costUSD, tokensIn, tokensOut, calls)
	}
	snapshot := w.buildSnapshotLocked()
	w.mu.Unlock()

	ledgerErr := w.appendLedger(ledgerRecord{
		Timestamp: time.Now().UnixMilli(), ModelRef: modelRef, AgentID: agentID,
		CostUSD: costUSD, TokensIn: tokensIn, TokensOut: tokensOut, Calls: calls,
	})
	summaryErr := w.writeSummary(snapshot)
	if ledgerErr != nil {
		return ledgerErr
	}
	return summaryErr
}

// RecordCircuitState implements RollupRecorder; the file writer tracks spend
// only, so circuit transitions are a no-op here.
func (w *SpendFileWriter) RecordCircuitState(ctx context.Context, candidateKey, state string, openUntil *int64) error {
	return nil
}

func (w *SpendFileWriter) buildSnapshotLocked() spendSnapshotFile {
	byModel := make([]modelSpendRow, 0, len(w.byModel))
	for ref, t := range w.byModel {
		byModel = append(byModel, modelSpendRow{ModelRef: ref, spendTotals: *t})
	}
	byAgent := make([]agentSpendRow, 0, len(w.byAgent))
	for id, t := range w.byAgent {
		byAgent = append(byAgent, agentSpendRow{AgentID: id, spendTotals: *t})
	}
	return spendSnapshotFile{
		UpdatedAt: time.Now().UnixMilli(),
		Totals:    w.totals,
		ByModel:   byModel,
		ByAgent:   byAgent,
	}
}

// writeSummary atomically replaces summaryPath's contents with snapshot.
func (w *SpendFileWriter) writeSummary(snapshot spendSnapshotFile) error {
	if w.summaryPath == "" {
		return nil
	}
	b, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal spend summary: %w", err)
	}
	tmp := w.summaryPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write spend summary: %w", err)
	}
	return os.Rename(tmp, w.summaryPath)
}

// appendLedger appends rec to dir/YYYY-MM.jsonl, rotating the open file
// handle lazily whenever the UTC month changes.
func (w *SpendFileWriter) appendLedger(rec ledgerRecord) error {
	if w.dir == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	month := time.UnixMilli(rec.Timestamp).UTC().Format("2006-01")
	if month != w.month || w.ledger == nil {
		if w.ledger != nil {
			_ = w.ledger.Close()
		}
		f, err := os.OpenFile(filepath.Join(w.dir, month+".jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open spend ledger for %s: %w", month, err)
		}
		w.ledger = f
		w.month = month
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal spend ledger record: %w", err)
	}
	b = append(b, '\n')
	_, err = w.ledger.Write(b)
	return err
}

// Close closes the currently open ledger file handle, if any.
func (w *SpendFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ledger == nil {
		return nil
	}
	err := w.ledger.Close()
	w.ledger = nil
	return err
}
