// Package server exposes the broker over HTTP: WebSocket endpoints for the
// host page, the mentor iframe, and the screen-share popup, plus a small
// status API.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/iblai/iblai-web-mentor/internal/broker"
	"github.com/iblai/iblai-web-mentor/internal/config"
	"github.com/iblai/iblai-web-mentor/internal/eventbus"
	"github.com/iblai/iblai-web-mentor/internal/store"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Server is the broker's HTTP front.
type Server struct {
	cfg       *config.Config
	broker    *broker.Broker
	proxy     *HostProxy
	store     store.Store
	bus       *eventbus.Bus
	logger    *slog.Logger
	mux       *chi.Mux
	upgrader  websocket.Upgrader
	startTime time.Time
	maxBytes  int64
}

// NewServer creates a Server around a wired broker and host proxy.
func NewServer(cfg *config.Config, b *broker.Broker, proxy *HostProxy, st store.Store,
	bus *eventbus.Bus, logger *slog.Logger) *Server {
	srv := &Server{
		cfg:       cfg,
		broker:    b,
		proxy:     proxy,
		store:     st,
		bus:       bus,
		logger:    logger.With("component", "server"),
		upgrader:  makeUpgrader(cfg.Server.AllowedOrigins),
		startTime: time.Now(),
		maxBytes:  cfg.Server.MaxMessageBytes,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)

	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	mux.Get("/ws/host", srv.handleHostWS)
	mux.Get("/ws/mentor", srv.handleMentorWS)
	mux.Get("/ws/popup", srv.handlePopupWS)

	mux.Get("/api/session", srv.handleSession)
	mux.Get("/api/events", srv.handleEvents)
	mux.Get("/api/embed-url", srv.handleEmbedURL)

	srv.mux = mux
	return srv
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

// handleReadyz reports ready once a host page is connected; the broker can
// do nothing useful without one.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.proxy.HostConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "no host"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// handleSession reports the current session without exposing token values.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	creds, ok := s.broker.Credentials()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	now := time.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"tenant":        creds.Tenant,
		"user_id":       creds.UserID(),
		"access_valid":  creds.AccessValid(now),
		"refresh_valid": creds.RefreshValid(now),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := s.store.ListAuthEvents(r.Context(), s.cfg.Widget.Tenant, limit)
	if err != nil {
		s.logger.Error("list auth events failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleEmbedURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"url": s.cfg.Widget.EmbedURL()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
