package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/conciergelab/concierge/internal/llm"
	"github.com/conciergelab/concierge/internal/mcp"
	"github.com/conciergelab/concierge/internal/tool"
	"github.com/conciergelab/concierge/internal/toolcache"
)

// Transport dispatches a tool call to its owning MCP server.
// *mcp.Manager is the production implementation.
type Transport interface {
	CallTool(ctx context.Context, toolName string, args map[string]any) (string, error)
}

// Result is the outcome of one tool call. Exactly one Result is produced per
// ToolCall, failure included.
type Result struct {
	ID       string        `json:"-"`
	Name     string        `json:"-"`
	Ok       bool          `json:"ok"`
	Output   string        `json:"result,omitempty"`
	ErrKind  string        `json:"-"`
	ErrMsg   string        `json:"-"`
	Duration time.Duration `json:"-"`
	Cached   bool          `json:"-"`
}

// wireError is the error form embedded in the tool-role message.
type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Encode renders the result as the JSON body of a tool-role message.
func (r Result) Encode() string {
	if r.Ok {
		data, err := json.Marshal(struct {
			Ok     bool   `json:"ok"`
			Result string `json:"result"`
		}{true, r.Output})
		if err != nil {
			return `{"ok":false,"error":{"kind":"ProtocolError","message":"result encoding failed"}}`
		}
		return string(data)
	}
	data, err := json.Marshal(struct {
		Ok    bool      `json:"ok"`
		Error wireError `json:"error"`
	}{false, wireError{r.ErrKind, r.ErrMsg}})
	if err != nil {
		return `{"ok":false,"error":{"kind":"ProtocolError","message":"result encoding failed"}}`
	}
	return string(data)
}

// Executor runs a batch of tool calls from a single LLM step. Read-only
// calls without shared resources run concurrently under a bounded semaphore;
// each side-effect call runs alone, after every read and every earlier
// side-effect call.
type Executor struct {
	registry  *tool.Registry
	transport Transport
	cache     *toolcache.Cache
	limit     int64
}

// NewExecutor creates an Executor with the given concurrency limit.
func NewExecutor(registry *tool.Registry, transport Transport, cache *toolcache.Cache, limit int) *Executor {
	if limit <= 0 {
		limit = 5
	}
	return &Executor{registry: registry, transport: transport, cache: cache, limit: int64(limit)}
}

// call pairs a ToolCall with its batch position and parsed arguments.
type call struct {
	pos  int
	tc   llm.ToolCall
	desc tool.Descriptor
	args map[string]any
	path string // resource identity for conflict detection, "" when none
}

// pathArgKeys are argument names treated as a filesystem resource identity.
var pathArgKeys = []string{"path", "file", "filepath", "filename", "dir", "directory", "target", "source", "dest"}

func resourcePath(args map[string]any) string {
	for _, k := range pathArgKeys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Execute runs the batch and returns results in input order. An error in one
// call never cancels its level peers; the failure lives in that call's Result.
func (e *Executor) Execute(ctx context.Context, calls []llm.ToolCall) []Result {
	results := make([]Result, len(calls))

	// Parse and classify each call up front. Unknown tools and unparseable
	// arguments resolve immediately without reaching the transport.
	var runnable []call
	for i, tc := range calls {
		results[i] = Result{ID: tc.ID, Name: tc.Name}

		desc, ok := e.registry.Get(tc.Name)
		if !ok {
			results[i].ErrKind = "ToolNotFound"
			results[i].ErrMsg = fmt.Sprintf("tool %q is not registered", tc.Name)
			continue
		}
		args, err := parseArgs(tc.Arguments)
		if err != nil {
			results[i].ErrKind = "ProtocolError"
			results[i].ErrMsg = fmt.Sprintf("invalid arguments: %v", err)
			continue
		}
		runnable = append(runnable, call{pos: i, tc: tc, desc: desc, args: args, path: resourcePath(args)})
	}

	for _, level := range buildLevels(runnable) {
		e.runLevel(ctx, level, results)
	}
	return results
}

// buildLevels partitions the batch into execution levels. Read-only calls
// depend on nothing, so they all schedule first and share levels, splitting
// only when two reads touch the same resource. Side-effect calls each run
// alone afterwards, in batch order, so a write never dispatches before the
// reads of its batch or before an earlier write.
func buildLevels(calls []call) [][]call {
	var reads, writes []call
	for _, c := range calls {
		if c.desc.SideEffect {
			writes = append(writes, c)
		} else {
			reads = append(reads, c)
		}
	}

	var levels [][]call
	var current []call
	pathsInLevel := make(map[string]bool)
	for _, c := range reads {
		if c.path != "" && pathsInLevel[c.path] {
			levels = append(levels, current)
			current = nil
			pathsInLevel = make(map[string]bool)
		}
		current = append(current, c)
		if c.path != "" {
			pathsInLevel[c.path] = true
		}
	}
	if len(current) > 0 {
		levels = append(levels, current)
	}

	for _, c := range writes {
		levels = append(levels, []call{c})
	}
	return levels
}

// runLevel executes one level concurrently under the semaphore and writes
// each outcome into its original slot.
func (e *Executor) runLevel(ctx context.Context, level []call, results []Result) {
	sem := semaphore.NewWeighted(e.limit)
	var wg sync.WaitGroup
	for _, c := range level {
		if err := sem.Acquire(ctx, 1); err != nil {
			results[c.pos].ErrKind = "Cancelled"
			results[c.pos].ErrMsg = "cancelled before dispatch"
			continue
		}
		wg.Add(1)
		go func(c call) {
			defer wg.Done()
			defer sem.Release(1)
			r := e.runOne(ctx, c)
			r.ID = c.tc.ID
			r.Name = c.tc.Name
			results[c.pos] = r
		}(c)
	}
	wg.Wait()
}

// runOne dispatches a single call, consulting the cache for cacheable tools.
func (e *Executor) runOne(ctx context.Context, c call) Result {
	start := time.Now()

	var cacheKey string
	if c.desc.Cacheable && e.cache != nil {
		if key, ok := toolcache.Key(c.tc.Name, c.tc.Arguments); ok {
			cacheKey = key
			if value, hit := e.cache.Get(key); hit {
				return Result{Ok: true, Output: value, Duration: time.Since(start), Cached: true}
			}
		}
	}

	out, err := e.transport.CallTool(ctx, c.tc.Name, c.args)
	dur := time.Since(start)
	if err != nil {
		log.Printf("[Executor] Tool %q failed after %s: %v", c.tc.Name, dur.Round(time.Millisecond), err)
		return Result{ErrKind: mcp.ErrorKind(err), ErrMsg: err.Error(), Duration: dur}
	}

	if cacheKey != "" {
		e.cache.Put(c.tc.Name, cacheKey, out)
	}
	return Result{Ok: true, Output: out, Duration: dur}
}

func parseArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
