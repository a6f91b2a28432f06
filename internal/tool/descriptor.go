package tool

import (
	"encoding/json"
	"strings"

	"github.com/conciergelab/concierge/internal/llm"
)

// Descriptor is the metadata of a single callable tool discovered on an MCP
// server. Descriptors are immutable between discoveries.
type Descriptor struct {
	Name        string          // fully-qualified tool name (unique across servers)
	Description string          // natural-language description for prompts
	InputSchema json.RawMessage // JSON Schema of the arguments
	Server      string          // owning MCP server name
	Cacheable   bool            // results may be memoized
	SideEffect  bool            // mutates external state; forces sequential execution
}

// Definition converts the descriptor to the gateway function-calling shape.
func (d Descriptor) Definition() llm.ToolDefinition {
	schema := d.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		Parameters:  schema,
	}
}

// readOnlyPrefixes are tool-name namespaces whose results are deterministic
// reads: safe to cache and to run in parallel.
var readOnlyPrefixes = []string{
	"read_", "list_", "get_", "stat_", "find_", "grep_", "query_", "describe_", "lookup_",
}

// sideEffectPrefixes mark tools that mutate external state.
var sideEffectPrefixes = []string{
	"write_", "create_", "delete_", "remove_", "move_", "rename_", "update_",
	"set_", "run_", "exec_", "patch_", "install_", "send_", "post_", "add_",
}

// volatileNames are read-only but time- or world-dependent: never cached.
var volatileNames = map[string]bool{
	"get_time": true, "current_time": true, "get_current_time": true,
	"web_search": true, "search_web": true, "fetch_url": true, "http_request": true,
}

// Classify derives the cacheability and side-effect flags for a tool name.
// Unknown namespaces default to uncacheable and side-effecting, which is the
// safe direction for both the cache and the parallel executor.
func Classify(name string) (cacheable, sideEffect bool) {
	base := name
	if i := strings.LastIndex(name, "__"); i >= 0 {
		base = name[i+2:] // strip the server prefix of qualified names
	}
	if volatileNames[base] {
		return false, false
	}
	for _, p := range sideEffectPrefixes {
		if strings.HasPrefix(base, p) {
			return false, true
		}
	}
	for _, p := range readOnlyPrefixes {
		if strings.HasPrefix(base, p) {
			return true, false
		}
	}
	return false, true
}
