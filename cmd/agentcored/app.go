package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coreplane/agentcore/artifact"
	"github.com/coreplane/agentcore/audit"
	"github.com/coreplane/agentcore/circuit"
	"github.com/coreplane/agentcore/config"
	"github.com/coreplane/agentcore/delegation"
	"github.com/coreplane/agentcore/event"
	"github.com/coreplane/agentcore/internal/telemetry"
	"github.com/coreplane/agentcore/model"
	"github.com/coreplane/agentcore/observability"
	"github.com/coreplane/agentcore/sessionstore"
	sqlitestore "github.com/coreplane/agentcore/store/sqlite"
	"github.com/coreplane/agentcore/stream"
	"github.com/coreplane/agentcore/toolguard"
	"github.com/coreplane/agentcore/transport/wsstream"
)

// App bundles every wired component for the process lifetime.
type App struct {
	cfg       config.Config
	tel       telemetry.Set
	pipeline  *audit.Pipeline
	breaker   *circuit.Breaker
	obs       *observability.Aggregator
	router    *model.Router
	guard     *toolguard.Guard
	artifacts *artifact.Store
	sessions  sessionstore.Store
	gateway   *delegation.Gateway
	fanout    *stream.Fanout
	rollup    *sqlitestore.RollupStore
	spendFile *observability.SpendFileWriter
}

func buildApp(cfg config.Config) (*App, error) {
	tel := telemetry.Noop()

	artifacts, err := artifact.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	fileSink, err := audit.NewFileSink(cfg.Observability.Audit.Dir)
	if err != nil {
		return nil, err
	}

	// fanoutBox defers the ring's event hook until the Fanout exists below,
	// since the Fanout itself is constructed from this same ring.
	var fanoutBox struct{ f *stream.Fanout }
	ringSink := audit.NewRingSink(10_000, func(evt *event.Event) {
		if fanoutBox.f != nil {
			fanoutBox.f.HandleEvent(evt)
		}
	})
	composite := audit.NewCompositeSink(func(s audit.Sink, err error) {
		tel.Log.Warn(context.Background(), "audit sink write failed", "error", err)
	}, fileSink, ringSink)

	pipelineCfg := audit.DefaultConfig()
	pipelineCfg.MaxQueueSize = cfg.Observability.Audit.MaxQueueSize
	pipelineCfg.MaxPayloadBytes = cfg.Observability.Audit.MaxPayloadB
	if cfg.Observability.RedactionMode == "debug" {
		pipelineCfg.RedactionMode = audit.ModeDebug
	} else {
		pipelineCfg.RedactionMode = audit.ModeStrict
	}
	pipeline := audit.New(pipelineCfg, composite, tel)

	breaker := circuit.New(
		cfg.Observability.Health.FailureThreshold,
		time.Duration(cfg.Observability.Health.WindowMs)*time.Millisecond,
		time.Duration(cfg.Observability.Health.OpenMs)*time.Millisecond,
	)

	obs := observability.New(pipeline, breaker, tel)

	var rollup *sqlitestore.RollupStore
	var recorders []observability.RollupRecorder
	if dir := cfg.Observability.Spend.Dir; dir != "" && cfg.Observability.Spend.Enabled {
		rollup, err = sqlitestore.Open(dir + "/rollups.db")
		if err == nil {
			recorders = append(recorders, rollup)
		}
	}
	var spendFile *observability.SpendFileWriter
	if cfg.Observability.Spend.Enabled {
		spendFile, err = observability.NewSpendFileWriter(cfg.Observability.Spend.Dir, cfg.Observability.Spend.SummaryPath)
		if err == nil {
			recorders = append(recorders, spendFile)
		}
	}
	if len(recorders) > 0 {
		obs.SetRollup(observability.NewCompositeRollup(recorders...))
	}

	pricing := map[string]model.Pricing{}
	for ref, p := range cfg.Observability.Spend.Pricing {
		pricing[ref] = model.Pricing{InputPer1kUSD: p.InputPer1kUSD, OutputPer1kUSD: p.OutputPer1kUSD}
	}
	router := model.NewRouter(breaker, obs, pricing)

	guard := toolguard.New(toolguard.DefaultConfig(), tel, nil)

	sessions := sessionstore.NewInMemory()

	gateway := delegation.New(artifacts, sessions, obs, cfg.Delegation.ToLimits(), nil, nil, tel)

	fanout := stream.New(stream.Config{
		ReplayWindowMs:          cfg.Observability.Stream.ReplayWindowMs,
		ServerMaxEventsPerSec:   cfg.Observability.Stream.ServerMaxEventsPerSec,
		ServerMaxBufferedEvents: cfg.Observability.Stream.ServerMaxBufferedEvents,
		MessageMaxBytes:         cfg.Observability.Stream.MessageMaxBytes,
	}, ringSink, breaker)
	fanoutBox.f = fanout

	return &App{
		cfg: cfg, tel: tel, pipeline: pipeline, breaker: breaker, obs: obs,
		router: router, guard: guard, artifacts: artifacts, sessions: sessions,
		gateway: gateway, fanout: fanout, rollup: rollup, spendFile: spendFile,
	}, nil
}

func (a *App) registerRoutes(mux *http.ServeMux) {
	mux.Handle("/stream", wsstream.NewHandler(a.fanout, a.tel))

	mux.HandleFunc("/v1/artifacts/fetch", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		meta, payload, env := a.gateway.ArtifactsFetch(r.Context(), id)
		if env != nil {
			writeEnvelope(w, env)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			Meta    artifact.Meta `json:"meta"`
			Payload string        `json:"payload"`
		}{meta, string(payload)})
	})

	mux.HandleFunc("/v1/agents/message", func(w http.ResponseWriter, r *http.Request) {
		var req delegation.MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, &delegation.Envelope{Code: "INVALID_REQUEST", Message: err.Error()})
			return
		}
		if env := a.gateway.AgentsMessage(r.Context(), req); env != nil {
			writeEnvelope(w, env)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/agents/call", func(w http.ResponseWriter, r *http.Request) {
		var req delegation.CallRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeEnvelope(w, &delegation.Envelope{Code: "INVALID_REQUEST", Message: err.Error()})
			return
		}
		resp, env := a.gateway.AgentsCall(r.Context(), req)
		if env != nil {
			writeEnvelope(w, env)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func (a *App) Close() {
	a.fanout.Shutdown()
	_ = a.pipeline.Close()
	if a.rollup != nil {
		_ = a.rollup.Close()
	}
	if a.spendFile != nil {
		_ = a.spendFile.Close()
	}
}

func cmdCtx() context.Context { return context.Background() }

func writeEnvelope(w http.ResponseWriter, env *delegation.Envelope) {
	w.WriteHeader(statusForCode(env.Code))
	_ = json.NewEncoder(w).Encode(env)
}

func statusForCode(code string) int {
	switch code {
	case "INVALID_REQUEST":
		return http.StatusBadRequest
	case "NOT_FOUND":
		return http.StatusNotFound
	case "UNAVAILABLE":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
