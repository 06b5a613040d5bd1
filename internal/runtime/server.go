// Package runtime implements the runtime HTTP surface: interactive run
// creation with idempotency, SSE event streaming with replay-from-cursor,
// cancellation, channel-dispatched runs with reply delivery back through the
// gateway, and plugin sync.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/clawrun/internal/broker"
	"github.com/nextlevelbuilder/clawrun/internal/config"
	"github.com/nextlevelbuilder/clawrun/internal/rpc"
	"github.com/nextlevelbuilder/clawrun/internal/telemetry"
	"github.com/nextlevelbuilder/clawrun/pkg/protocol"
)

// Coordinator is the run worker body, satisfied by agent.Runner.
type Coordinator interface {
	RunCoordinator(ctx context.Context, runID string, params broker.RunParams, emit func(protocol.RunEvent)) error
}

// PluginHost applies plugin sync actions, satisfied by plugins.Host.
type PluginHost interface {
	Load(ctx context.Context, plugin rpc.RuntimePlugin) error
	Reload(ctx context.Context, plugin rpc.RuntimePlugin) error
	Unload(ctx context.Context, plugin rpc.RuntimePlugin)
	Bootstrap(ctx context.Context, workspaceID string) error
}

// Server is the runtime HTTP server.
type Server struct {
	cfg     config.RuntimeConfig
	broker  *broker.Broker
	runner  Coordinator
	persist rpc.PersistenceRPC
	plugins PluginHost

	httpClient *http.Client
	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg config.RuntimeConfig, b *broker.Broker, runner Coordinator, persist rpc.PersistenceRPC, plugins PluginHost) *Server {
	return &Server{
		cfg:        cfg,
		broker:     b,
		runner:     runner,
		persist:    persist,
		plugins:    plugins,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /channel-run", s.handleChannelRun)
	mux.HandleFunc("POST /runtime/ws/{workspaceID}/runs", s.handleCreateRun)
	mux.HandleFunc("GET /runtime/runs/{runID}/stream", s.handleStream)
	mux.HandleFunc("POST /runtime/runs/{runID}/cancel", s.handleCancel)
	mux.HandleFunc("POST /runtime/plugins/sync", s.handlePluginSync)

	s.mux = mux
	return mux
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("runtime starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("runtime server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized checks the shared secret on gateway-facing endpoints.
func (s *Server) authorized(r *http.Request) bool {
	return s.cfg.Secret != "" && r.Header.Get("X-Runtime-Secret") == s.cfg.Secret
}

// starter wraps the coordinator with run-status bookkeeping: the canonical
// run row tracks running and the final completed/failed outcome.
func (s *Server) starter() broker.StarterFunc {
	return func(ctx context.Context, runID string, params broker.RunParams, emit func(protocol.RunEvent)) error {
		ctx, span := telemetry.Tracer().Start(ctx, "run", trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("workspace.id", params.WorkspaceID),
			attribute.String("agent.id", params.CoordinatorAgentID),
		))
		defer span.End()

		if err := s.persist.UpdateRunStatus(ctx, runID, "running"); err != nil {
			slog.Warn("runtime.run_status_update_failed", "run", runID, "status", "running", "error", err)
		}

		err := s.runner.RunCoordinator(ctx, runID, params, emit)

		status := "completed"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, "run failed")
		}
		if uerr := s.persist.UpdateRunStatus(ctx, runID, status); uerr != nil {
			slog.Warn("runtime.run_status_update_failed", "run", runID, "status", status, "error", uerr)
		}
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
