package tool

import (
	"log"
	"sort"
	"sync"

	"github.com/conciergelab/concierge/internal/llm"
)

// Registry holds the ToolDescriptors discovered across all MCP servers.
// Discovery deduplicates by name: the first server to claim a name wins and
// later claims are dropped with a warning.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds a descriptor. Returns false if the name is already taken
// (first-wins).
func (r *Registry) Register(d Descriptor) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, exists := r.tools[d.Name]; exists {
		log.Printf("[Registry] WARNING: tool %q from server %q shadowed by server %q", d.Name, d.Server, existing.Server)
		return false
	}
	r.tools[d.Name] = d
	return true
}

// Unregister removes a descriptor (server removal on hot reload).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterServer removes every descriptor owned by the named server and
// returns how many were dropped.
func (r *Registry) UnregisterServer(server string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for name, d := range r.tools {
		if d.Server == server {
			delete(r.tools, name)
			n++
		}
	}
	return n
}

// Get retrieves a descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Descriptor, 0, len(r.tools))
	for _, d := range r.tools {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// ByServers returns the descriptors owned by any of the given servers,
// sorted by name. An empty server set returns nothing.
func (r *Registry) ByServers(servers []string) []Descriptor {
	want := make(map[string]bool, len(servers))
	for _, s := range servers {
		want[s] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Descriptor
	for _, d := range r.tools {
		if want[d.Server] {
			result = append(result, d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Definitions converts a descriptor slice to gateway tool definitions.
func Definitions(descs []Descriptor) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, len(descs))
	for i, d := range descs {
		defs[i] = d.Definition()
	}
	return defs
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Names returns all tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Servers returns the distinct server names owning at least one tool, sorted.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := map[string]bool{}
	for _, d := range r.tools {
		seen[d.Server] = true
	}
	names := make([]string, 0, len(seen))
	for s := range seen {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}
