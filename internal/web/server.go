package web

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conciergelab/concierge/internal/mcp"
	"github.com/conciergelab/concierge/internal/memory"
	"github.com/conciergelab/concierge/internal/tool"
	"github.com/conciergelab/concierge/internal/toolcache"
)

// Deps carries the component references the server reports on and controls.
type Deps struct {
	GatewayBase string
	AgentModel  string
	FSRoot      string
	Port        string
	AuthToken   string

	Runner   AgentRunner
	Registry *tool.Registry
	Manager  *mcp.Manager
	Cache    *toolcache.Cache
	Index    *memory.Index
}

// Server is the HTTP front of the orchestrator.
type Server struct {
	mux  *http.ServeMux
	chat *ChatHandler
	deps Deps
}

// NewServer wires the routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		mux:  http.NewServeMux(),
		chat: NewChatHandler(deps.Runner, deps.AuthToken),
		deps: deps,
	}
	s.mux.HandleFunc("/v1/chat/completions", s.chat.HandleChat)
	s.mux.HandleFunc("/admin/reload", s.handleReload)
	s.mux.HandleFunc("/", s.handleHealth)
	return s
}

// Handler exposes the mux (tests).
func (s *Server) Handler() http.Handler { return s.mux }

// healthSnapshot is the GET / identity payload.
type healthSnapshot struct {
	Name         string             `json:"name"`
	OK           bool               `json:"ok"`
	GatewayBase  string             `json:"gateway_base"`
	AgentModel   string             `json:"agent_model"`
	FSRoot       string             `json:"fs_root"`
	Tools        []string           `json:"tools"`
	MaxToolSteps int                `json:"max_tool_steps"`
	Servers      []mcp.ServerStatus `json:"servers,omitempty"`
	OpenCircuits int                `json:"open_circuits"`
	Cache        *toolcache.Stats   `json:"cache,omitempty"`
	Memory       *memoryStatus      `json:"memory,omitempty"`
}

type memoryStatus struct {
	Ready   bool `json:"ready"`
	Entries int  `json:"entries"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	snap := healthSnapshot{
		Name:        "concierge",
		OK:          true,
		GatewayBase: s.deps.GatewayBase,
		AgentModel:  s.deps.AgentModel,
		FSRoot:      s.deps.FSRoot,
		Tools:       []string{},
	}
	if s.deps.Registry != nil {
		snap.Tools = s.deps.Registry.Names()
	}
	if s.deps.Runner != nil {
		snap.MaxToolSteps = s.deps.Runner.MaxSteps()
	}
	if s.deps.Manager != nil {
		snap.Servers = s.deps.Manager.Statuses()
		snap.OpenCircuits = s.deps.Manager.OpenCircuits()
	}
	if s.deps.Cache != nil {
		stats := s.deps.Cache.Stats()
		snap.Cache = &stats
	}
	if s.deps.Index != nil {
		snap.Memory = &memoryStatus{Ready: s.deps.Index.Ready(), Entries: s.deps.Index.Count()}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("[Web] Health response write failed: %v", err)
	}
}

// handleReload re-reads mcp.json and applies the server diff. Auth applies
// when a token is configured.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed", "")
		return
	}
	if !s.chat.authorized(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token", "")
		return
	}
	if s.deps.Manager == nil {
		writeError(w, http.StatusServiceUnavailable, codeReloadFailure, "MCP manager not running", "")
		return
	}

	summary, err := s.deps.Manager.Reload(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, codeReloadFailure, "reload failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"summary": summary})
}

// Start listens on the configured port with graceful shutdown. On
// SIGINT/SIGTERM it waits up to 10s for in-flight requests so deferred
// cleanup (manager.CloseAll) runs reliably.
func (s *Server) Start() error {
	port := s.deps.Port
	if port == "" {
		port = "8080"
	}
	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: s.mux}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Printf("⚡ Received signal %v, shutting down gracefully...", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("⚠️  Graceful shutdown error: %v", err)
		}
	}()

	log.Printf("🌐 Concierge gateway running at http://localhost%s", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		log.Println("✅ Server stopped gracefully")
		return nil
	}
	return err
}
