// Package server exposes the HTTP surface: the WebSocket endpoint, health
// and read-only document views.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	gorilla "github.com/gorilla/websocket"

	"github.com/prismy/collab-server/internal/auth"
	"github.com/prismy/collab-server/internal/config"
	"github.com/prismy/collab-server/internal/logging"
	"github.com/prismy/collab-server/internal/security"
	"github.com/prismy/collab-server/internal/session"
	"github.com/prismy/collab-server/internal/storage"
	"github.com/prismy/collab-server/internal/websocket"
)

const version = "1.0.0"

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	hub      *websocket.Hub
	registry *session.Registry
	store    storage.Adapter
	security *security.Manager
	auth     *auth.Authenticator
	log      *slog.Logger
	upgrader gorilla.Upgrader
	server   *http.Server
}

// New creates a new server
func New(cfg *config.Config, hub *websocket.Hub, registry *session.Registry, store storage.Adapter, sec *security.Manager, authn *auth.Authenticator, log *slog.Logger) *Server {
	s := &Server{
		config:   cfg,
		hub:      hub,
		registry: registry,
		store:    store,
		security: sec,
		auth:     authn,
		log:      log,
	}
	s.upgrader = gorilla.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(s.accessLog, s.cors)

	r.Methods(http.MethodGet).Path("/").HandlerFunc(s.handleRoot)
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(s.handleHealth)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(s.handleWebSocket)
	r.Methods(http.MethodGet).Path("/documents/{id}").HandlerFunc(s.handleDocument)
	r.Methods(http.MethodGet).Path("/documents/{id}/snapshots").HandlerFunc(s.handleSnapshots)
	r.Methods(http.MethodOptions).PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return r
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting requests. Upgraded connections are closed by the
// session registry drain.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			// Hijacked; the connection logs its own lifetime
			next.ServeHTTP(w, r)
			return
		}
		m := httpsnoop.CaptureMetrics(next, w, r)
		s.log.Info("handled",
			slog.String("method", r.Method),
			slog.String("url", r.URL.String()),
			slog.Duration("duration", m.Duration),
			slog.Int("status", m.Code),
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.config.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "collab-server",
		"version": version,
		"endpoints": map[string]string{
			"health":    "/health",
			"ws":        "/ws",
			"document":  "/documents/{id}",
			"snapshots": "/documents/{id}/snapshots",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "healthy", http.StatusOK
	healthy, err := s.store.HealthCheck(ctx)
	if !healthy || err != nil {
		status, code = "degraded", http.StatusServiceUnavailable
		s.log.Warn("storage health check failed", logging.Err(err))
	}
	writeJSON(w, code, map[string]any{
		"status":      status,
		"timestamp":   time.Now().Format(time.RFC3339),
		"version":     version,
		"sessions":    s.registry.Count(),
		"connections": s.hub.Count(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := security.ClientIP(r)
	if !s.security.Connections.Acquire(ip) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.security.Connections.Release(ip)
		s.log.Warn("websocket upgrade failed", slog.String("ip", ip), logging.Err(err))
		return
	}
	s.hub.Serve(ws, ip, auth.TokenFromRequest(r))
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, id) {
		return
	}

	if live := s.registry.Lookup(id); live != nil {
		state, err := live.Snapshot(r.Context())
		if err == nil {
			writeJSON(w, http.StatusOK, state)
			return
		}
		if !errors.Is(err, session.ErrSessionClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	snap, err := s.store.Load(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.log.Error("failed to load document", logging.Document(id), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !s.authorize(w, r, id) {
		return
	}
	lister, ok := s.store.(storage.SnapshotLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "storage driver keeps no snapshot history")
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	snaps, err := lister.ListSnapshots(r.Context(), id, limit)
	if err != nil {
		s.log.Error("failed to list snapshots", logging.Document(id), logging.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documentId": id, "snapshots": snaps})
}

// authorize validates the document id and checks that the caller may read
// it. It writes the error response and returns false otherwise.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, documentID string) bool {
	if err := security.ValidateDocumentID(documentID, s.security.Limits.MaxDocumentIDLength); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	}

	identity, err := s.auth.Identify(auth.TokenFromRequest(r), "", "", "http")
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, err.Error())
		return false
	}
	if !identity.Permissions.CanReadDocument(documentID) {
		writeError(w, http.StatusForbidden, "no read access to "+documentID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
