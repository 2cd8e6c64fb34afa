// Package api is the admin surface: policy management, audit queries,
// block-list control, dry-run decisions, and a live event stream over
// WebSocket. It is separate from the MCP gateway so operators and
// agents never share an endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aegisproxy/aegis/internal/anomaly"
	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/block"
	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/cost"
	"github.com/aegisproxy/aegis/internal/enforcer"
	"github.com/aegisproxy/aegis/internal/engine"
	"github.com/aegisproxy/aegis/internal/obligation"
	"github.com/aegisproxy/aegis/internal/policy"
)

// alertHistoryMax bounds the in-memory ring served by GET /api/alerts.
const alertHistoryMax = 200

// Deps carries the subsystems the admin API exposes. Obligations and
// Costs may be nil; their stats sections are then omitted.
type Deps struct {
	Enforcer    *enforcer.Enforcer
	Engine      *engine.Engine
	Policies    *policy.Store
	Loader      *policy.Loader
	PoliciesDir string
	Audit       audit.Store
	Sink        *audit.Sink
	Blocks      *block.List
	Obligations *obligation.Manager
	Costs       *cost.Tracker
}

// Server is the admin API server.
type Server struct {
	config     config.ServerConfig
	deps       Deps
	wsHub      *WebSocketHub
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger

	alertMu sync.RWMutex
	alerts  []anomaly.Alert
}

// NewServer creates the admin API server and registers its routes.
func NewServer(cfg config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api.Server")

	s := &Server{
		config: cfg,
		deps:   deps,
		wsHub:  NewWebSocketHub(logger, cfg.CORS),
		mux:    http.NewServeMux(),
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// authRequired wraps a mutating handler with static bearer-token
// authentication. An empty auth_token in config disables auth and the
// handler is returned unwrapped.
func (s *Server) authRequired(next http.HandlerFunc) http.HandlerFunc {
	if s.config.AuthToken == "" {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		secret := strings.TrimPrefix(header, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(secret), []byte(s.config.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	// Policies
	s.mux.HandleFunc("GET /api/policies", s.handleListPolicies)
	s.mux.HandleFunc("POST /api/policies", s.authRequired(s.handleAddPolicy))
	s.mux.HandleFunc("DELETE /api/policies/{id}", s.authRequired(s.handleRemovePolicy))
	s.mux.HandleFunc("POST /api/policies/reload", s.authRequired(s.handleReloadPolicies))

	// Audit log
	s.mux.HandleFunc("GET /api/audit", s.handleListAudit)
	s.mux.HandleFunc("GET /api/audit/verify/{agent}", s.handleVerifyChain)

	// Block list
	s.mux.HandleFunc("GET /api/blocks", s.handleBlockStatus)
	s.mux.HandleFunc("POST /api/blocks", s.authRequired(s.handleBlock))
	s.mux.HandleFunc("DELETE /api/blocks/{agent}", s.authRequired(s.handleUnblock))

	// Dry-run decisions
	s.mux.HandleFunc("POST /api/decide", s.handleDecide)

	// Anomaly alerts
	s.mux.HandleFunc("GET /api/alerts", s.handleListAlerts)

	// System — health is always public
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	// WebSocket event stream
	s.mux.HandleFunc("GET /api/stream", s.wsHub.HandleWebSocket)
}

// Handler returns the HTTP handler (for mounting next to the gateway).
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the API server on the given address.
func (s *Server) Start(addr string) error {
	go s.wsHub.Run()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("admin API listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// AuditObserver returns an observer that streams persisted audit
// entries to WebSocket clients. Wire it into the sink at startup.
func (s *Server) AuditObserver() audit.Observer {
	return func(e *audit.Entry) {
		s.wsHub.Broadcast("audit", e)
	}
}

// AlertListener returns a listener that records anomaly alerts for
// GET /api/alerts and streams them to WebSocket clients. Wire it into
// the detector at startup.
func (s *Server) AlertListener() anomaly.Listener {
	return func(a anomaly.Alert) {
		s.alertMu.Lock()
		s.alerts = append(s.alerts, a)
		if len(s.alerts) > alertHistoryMax {
			s.alerts = s.alerts[len(s.alerts)-alertHistoryMax:]
		}
		s.alertMu.Unlock()

		s.wsHub.Broadcast("alert", a)
	}
}

// corsMiddleware adds CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Mux returns the underlying ServeMux for mounting additional routes,
// such as the gateway's MCP endpoint.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// APIAddr makes a listen address from a port.
func APIAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
