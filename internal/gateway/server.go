// Package gateway is the HTTP ingress: REST API, SSE event streams, and
// a WebSocket event feed. All routes speak the JSON error envelope and
// optionally require an HMAC bearer JWT.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/osaproject/osa/internal/agent"
	"github.com/osaproject/osa/internal/bus"
	"github.com/osaproject/osa/internal/config"
	"github.com/osaproject/osa/internal/memory"
	"github.com/osaproject/osa/internal/providers"
	"github.com/osaproject/osa/internal/sessions"
	"github.com/osaproject/osa/internal/sidecar"
	"github.com/osaproject/osa/internal/signal"
	"github.com/osaproject/osa/internal/skills"
	"github.com/osaproject/osa/internal/taskqueue"
	"github.com/osaproject/osa/internal/tools"
)

// Deps carries everything the gateway serves. Optional fields may be nil;
// their routes then return not_found.
type Deps struct {
	Config     *config.Config
	Bus        *bus.Bus
	Runtime    *agent.Runtime
	Sessions   *sessions.Manager
	Providers  *providers.Registry
	Tools      *tools.Registry
	Classifier *signal.Classifier
	Skills     *skills.Manager
	Queue      *taskqueue.Queue
	Memory     *memory.Store
	Sidecars   *sidecar.Supervisor
	Version    string
}

// Server hosts the REST/SSE/WS ingress.
type Server struct {
	cfg        *config.Config
	deps       Deps
	startedAt  time.Time
	keepalive  time.Duration
	upgrader   websocket.Upgrader
	limiter    *RateLimiter
	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		deps:      deps,
		startedAt: time.Now(),
		keepalive: 30 * time.Second,
		limiter:   NewRateLimiter(deps.Config.Gateway.RateLimitRPM, 5),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket Origin header against the
// configured whitelist. No whitelist or no header means allow.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("websocket origin rejected", "origin", origin)
	return false
}

// BuildMux registers all routes and caches the mux.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	auth := s.requireAuth
	mux.HandleFunc("POST /api/v1/orchestrate", auth(s.limit(s.handleOrchestrate)))
	mux.HandleFunc("POST /api/v1/classify", auth(s.handleClassify))

	mux.HandleFunc("GET /api/v1/skills", auth(s.handleSkillsList))
	mux.HandleFunc("POST /api/v1/skills/{name}/execute", auth(s.handleSkillExecute))
	mux.HandleFunc("GET /api/v1/machines", auth(s.handleMachines))
	mux.HandleFunc("POST /api/v1/machines/{name}/toggle", auth(s.handleMachineToggle))

	mux.HandleFunc("POST /api/v1/memory", auth(s.handleMemorySave))
	mux.HandleFunc("GET /api/v1/memory/recall", auth(s.handleMemoryRecall))

	mux.HandleFunc("GET /api/v1/providers", auth(s.handleProviders))
	mux.HandleFunc("GET /api/v1/sidecars", auth(s.handleSidecars))

	mux.HandleFunc("GET /api/v1/sessions", auth(s.handleSessionsList))
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", auth(s.handleSessionCancel))

	mux.HandleFunc("POST /api/v1/tasks", auth(s.handleTaskEnqueue))
	mux.HandleFunc("GET /api/v1/tasks", auth(s.handleTasksList))
	mux.HandleFunc("GET /api/v1/tasks/{id}", auth(s.handleTaskGet))
	mux.HandleFunc("POST /api/v1/tasks/lease", auth(s.handleTaskLease))
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", auth(s.handleTaskComplete))
	mux.HandleFunc("POST /api/v1/tasks/{id}/fail", auth(s.handleTaskFail))

	mux.HandleFunc("GET /api/v1/stream/{session_id}", auth(s.handleStream))

	s.mux = mux
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
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
	var provider string
	if s.deps.Providers != nil {
		if reg, err := s.deps.Providers.Get(""); err == nil {
			provider = reg.Provider.Name()
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.deps.Version,
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
		"provider":       provider,
	})
}
