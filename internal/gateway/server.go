// Package gateway implements the webhook-facing HTTP server: channel
// webhook ingress, outbound reply delivery through channel plugins, and
// the web-search endpoint the runtime's web_search tool calls.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/clawrun/internal/channels"
	"github.com/nextlevelbuilder/clawrun/internal/channels/webchat"
	"github.com/nextlevelbuilder/clawrun/internal/config"
	"github.com/nextlevelbuilder/clawrun/internal/store"
	"github.com/nextlevelbuilder/clawrun/internal/websearch"
)

// SearchService is the web-search backend, satisfied by
// websearch.Service.
type SearchService interface {
	Search(ctx context.Context, query string, count int) ([]websearch.Result, error)
}

// Server is the gateway HTTP server.
type Server struct {
	cfg           config.GatewayConfig
	runtimeSecret string

	store   store.Store
	plugins *channels.Registry
	search  SearchService
	webchat *webchat.Plugin // nil when the webchat plugin is not registered

	webhookLimiter *channels.WebhookRateLimiter

	// Outbound sends are paced per channel.
	sendMu       sync.Mutex
	sendLimiters map[string]*rate.Limiter

	httpClient *http.Client
	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg config.GatewayConfig, runtimeSecret string, st store.Store, plugins *channels.Registry, search SearchService) *Server {
	s := &Server{
		cfg:            cfg,
		runtimeSecret:  runtimeSecret,
		store:          st,
		plugins:        plugins,
		search:         search,
		webhookLimiter: channels.NewWebhookRateLimiter(cfg.RateLimitRPM),
		sendLimiters:   make(map[string]*rate.Limiter),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	if p, ok := plugins.Lookup("webchat"); ok {
		if wc, ok := p.(*webchat.Plugin); ok {
			s.webchat = wc
		}
	}
	return s
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhooks/{channelID}", s.handleWebhook)
	mux.HandleFunc("POST /channels/{channelID}/send", s.handleSend)
	mux.HandleFunc("POST /web-search", s.handleWebSearch)
	if s.webchat != nil {
		mux.HandleFunc("GET /channels/{channelID}/ws", s.handleWebchatSocket)
	}

	s.mux = mux
	return mux
}

// Start serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorized checks the shared runtime secret on internal endpoints.
func (s *Server) authorized(r *http.Request) bool {
	return s.runtimeSecret != "" && r.Header.Get("X-Runtime-Secret") == s.runtimeSecret
}

// sendLimiter returns the pacing limiter for a channel, creating it on
// first use.
func (s *Server) sendLimiter(channelID string) *rate.Limiter {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	l, ok := s.sendLimiters[channelID]
	if !ok {
		perSec := s.cfg.SendRatePerSec
		if perSec <= 0 {
			perSec = 1
		}
		l = rate.NewLimiter(rate.Limit(perSec), 1)
		s.sendLimiters[channelID] = l
	}
	return l
}

// handleWebchatSocket attaches a browser to the webchat reply hub.
func (s *Server) handleWebchatSocket(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chatId")
	if chatID == "" {
		writeError(w, http.StatusBadRequest, "chatId query parameter is required")
		return
	}
	channelID := r.PathValue("channelID")
	ch, err := s.store.GetChannel(r.Context(), channelID)
	if err != nil || ch.Plugin != "webchat" {
		writeError(w, http.StatusNotFound, "unknown webchat channel")
		return
	}
	if err := s.webchat.HandleSocket(w, r, chatID); err != nil {
		slog.Debug("gateway.webchat_socket_closed", "chat", chatID, "error", err)
	}
}
