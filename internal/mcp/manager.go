package mcp

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conciergelab/concierge/internal/breaker"
	"github.com/conciergelab/concierge/internal/tool"
)

// ServerStatus is a point-in-time snapshot of one supervised server, used by
// the health endpoint.
type ServerStatus struct {
	Name     string `json:"name"`
	State    string `json:"state"`
	Tools    int    `json:"tools"`
	Restarts int    `json:"restarts"`
}

// Manager owns the lifecycle of all MCP server connections. It is the single
// source of truth for which servers are active and which tool descriptors are
// registered in the tool.Registry.
//
// Concurrency model: state changes are guarded by mu. Network I/O is always
// performed outside the lock so that a slow or hung server cannot block other
// Manager operations (e.g. CloseAll during shutdown).
type Manager struct {
	configPath     string
	defaultTimeout time.Duration
	registry       *tool.Registry
	breaker        *breaker.Breaker

	mu      sync.Mutex
	configs map[string]ServerConfig // last successfully loaded config
	servers map[string]*Server      // supervised servers keyed by name
}

// NewManager creates a Manager for the given mcp.json path. No connections
// are established until ConnectAll is called.
func NewManager(configPath string, defaultTimeout time.Duration, registry *tool.Registry, brk *breaker.Breaker) *Manager {
	return &Manager{
		configPath:     configPath,
		defaultTimeout: defaultTimeout,
		registry:       registry,
		breaker:        brk,
		configs:        make(map[string]ServerConfig),
		servers:        make(map[string]*Server),
	}
}

// ConnectAll loads mcp.json (creating an empty one when missing), starts all
// enabled servers and registers their tools.
//
// Returns the number of ready servers and per-server errors. Failures are
// best-effort: a broken server goes degraded under its restart supervisor
// and does not prevent others from connecting.
func (m *Manager) ConnectAll(ctx context.Context) (int, []error) {
	if err := EnsureConfig(m.configPath); err != nil {
		return 0, []error{fmt.Errorf("mcp: ensure config: %w", err)}
	}
	configs, err := LoadConfig(m.configPath)
	if err != nil {
		return 0, []error{fmt.Errorf("mcp: load config: %w", err)}
	}

	// Start servers and discover tools outside the lock.
	type connResult struct {
		cfg   ServerConfig
		srv   *Server
		tools []ToolInfo
		err   error
	}
	results := make([]connResult, 0, len(configs))
	for name, cfg := range configs {
		if !cfg.IsEnabled() {
			log.Printf("[MCP] Skipped (disabled): %s", name)
			continue
		}
		srv := NewServer(cfg, m.defaultTimeout)
		if err := srv.Start(ctx); err != nil {
			// The server is degraded under its supervisor; keep it so a
			// later recovery can surface through Reload or health.
			results = append(results, connResult{cfg: cfg, srv: srv, err: err})
			log.Printf("[MCP] Connect failed: %s: %v", name, err)
			continue
		}
		tools, err := srv.Tools(ctx)
		if err != nil {
			results = append(results, connResult{cfg: cfg, srv: srv, err: err})
			log.Printf("[MCP] List tools failed: %s: %v", name, err)
			continue
		}
		results = append(results, connResult{cfg: cfg, srv: srv, tools: tools})
		log.Printf("[MCP] Connected: %s (%s), %d tool(s)", name, cfg.Transport, len(tools))
	}

	// Update internal state and register tools under the lock.
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	ready := 0
	for _, r := range results {
		m.servers[r.cfg.Name] = r.srv
		m.configs[r.cfg.Name] = r.cfg
		if r.err != nil {
			errs = append(errs, fmt.Errorf("server %q: %w", r.cfg.Name, r.err))
			continue
		}
		m.registerTools(r.cfg.Name, r.tools)
		ready++
	}
	return ready, errs
}

// registerTools adds descriptors for a server's tools to the registry,
// classifying each by name. Callers hold m.mu.
func (m *Manager) registerTools(serverName string, tools []ToolInfo) {
	registered := 0
	for _, ti := range tools {
		cacheable, sideEffect := tool.Classify(ti.Name)
		d := tool.Descriptor{
			Name:        ti.Name,
			Description: ti.Description,
			InputSchema: ti.InputSchema,
			Server:      serverName,
			Cacheable:   cacheable,
			SideEffect:  sideEffect,
		}
		if m.registry.Register(d) {
			registered++
		}
	}
	log.Printf("[MCP] Registered %d tool(s) from server %q", registered, serverName)
}

// CallTool routes a tool invocation to its owning server through the circuit
// breaker. Remote tool errors (the server ran the tool and it failed) count
// as transport successes: the server is reachable, so the breaker resets.
// Timeouts and transport failures charge the breaker.
func (m *Manager) CallTool(ctx context.Context, toolName string, args map[string]any) (string, error) {
	d, ok := m.registry.Get(toolName)
	if !ok {
		return "", fmt.Errorf("mcp: tool %q: %w", toolName, ErrToolNotFound)
	}

	m.mu.Lock()
	srv := m.servers[d.Server]
	m.mu.Unlock()
	if srv == nil {
		return "", fmt.Errorf("mcp: tool %q: server %q: %w", toolName, d.Server, ErrServerUnavailable)
	}

	key := d.Server + "/" + toolName
	if !m.breaker.Allow(key) {
		return "", fmt.Errorf("mcp: tool %q on %q: %w", toolName, d.Server, ErrCircuitOpen)
	}

	out, err := srv.Call(ctx, toolName, args)
	switch ErrorKind(err) {
	case "", "ToolExecutionFailed":
		m.breaker.RecordSuccess(key)
	default:
		m.breaker.RecordFailure(key)
	}
	return out, err
}

// Reload re-reads mcp.json and applies a diff: added servers are started and
// their tools registered, removed servers are stopped and unregistered,
// unchanged servers are left untouched. Per-server failures are described in
// the summary but do not fail the reload itself.
func (m *Manager) Reload(ctx context.Context) (string, error) {
	newConfigs, err := LoadConfig(m.configPath)
	if err != nil {
		return "", fmt.Errorf("mcp reload: load config: %w", err)
	}

	// Compute the diff under the lock.
	m.mu.Lock()
	var toRemove []string
	var toAdd []ServerConfig
	unchanged := 0
	for name := range m.configs {
		cfg, exists := newConfigs[name]
		if !exists || !cfg.IsEnabled() {
			toRemove = append(toRemove, name)
		}
	}
	for name, cfg := range newConfigs {
		if !cfg.IsEnabled() {
			continue
		}
		if _, exists := m.configs[name]; !exists {
			toAdd = append(toAdd, cfg)
		} else {
			unchanged++
		}
	}
	m.mu.Unlock()

	// Removals: unregister tools, stop the supervised server.
	removed := 0
	for _, name := range toRemove {
		m.mu.Lock()
		srv := m.servers[name]
		delete(m.servers, name)
		delete(m.configs, name)
		m.mu.Unlock()

		m.registry.UnregisterServer(name)
		if srv != nil {
			srv.Stop()
		}
		removed++
		log.Printf("[MCP] Disconnected: %s", name)
	}

	// Additions: start and discover outside the lock.
	type addResult struct {
		cfg    ServerConfig
		srv    *Server
		tools  []ToolInfo
		notice string
	}
	addResults := make([]addResult, 0, len(toAdd))
	for _, cfg := range toAdd {
		res := addResult{cfg: cfg}
		srv := NewServer(cfg, m.defaultTimeout)
		if err := srv.Start(ctx); err != nil {
			res.srv = srv
			res.notice = fmt.Sprintf("[WARNING] connect %q: %v", cfg.Name, err)
			addResults = append(addResults, res)
			continue
		}
		tools, err := srv.Tools(ctx)
		if err != nil {
			res.srv = srv
			res.notice = fmt.Sprintf("[WARNING] list tools %q: %v", cfg.Name, err)
			addResults = append(addResults, res)
			continue
		}
		res.srv = srv
		res.tools = tools
		addResults = append(addResults, res)
	}

	// Register successful additions under the lock.
	added := 0
	var notices []string
	m.mu.Lock()
	for _, res := range addResults {
		m.servers[res.cfg.Name] = res.srv
		m.configs[res.cfg.Name] = res.cfg
		if res.notice != "" {
			notices = append(notices, res.notice)
			continue
		}
		m.registerTools(res.cfg.Name, res.tools)
		added++
	}
	m.mu.Unlock()

	summary := fmt.Sprintf("MCP reload: +%d connected, -%d removed, %d unchanged",
		added, removed, unchanged)
	if len(notices) > 0 {
		summary += "\n" + strings.Join(notices, "\n")
	}
	return summary, nil
}

// Statuses returns a snapshot of every supervised server, sorted by name.
func (m *Manager) Statuses() []ServerStatus {
	m.mu.Lock()
	servers := make(map[string]*Server, len(m.servers))
	for name, srv := range m.servers {
		servers[name] = srv
	}
	m.mu.Unlock()

	toolCounts := make(map[string]int)
	for _, d := range m.registry.List() {
		toolCounts[d.Server]++
	}
	out := make([]ServerStatus, 0, len(servers))
	for name, srv := range servers {
		out = append(out, ServerStatus{
			Name:     name,
			State:    string(srv.StateOf()),
			Tools:    toolCounts[name],
			Restarts: srv.Restarts(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OpenCircuits returns how many breaker keys are currently open.
func (m *Manager) OpenCircuits() int {
	return m.breaker.OpenCount()
}

// CloseAll terminates all supervised servers. Safe to call multiple times.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	servers := make([]*Server, 0, len(m.servers))
	for name, srv := range m.servers {
		servers = append(servers, srv)
		delete(m.servers, name)
	}
	m.mu.Unlock()

	for _, srv := range servers {
		srv.Stop()
	}
	log.Printf("[MCP] All connections closed")
}
