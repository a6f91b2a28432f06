package agent

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/conciergelab/concierge/internal/llm"
	"github.com/conciergelab/concierge/internal/selection"
	"github.com/conciergelab/concierge/internal/tool"
)

const systemPolicy = `You are a capable assistant with access to external tools.
Use a tool when the user's request needs live data or an action; answer directly otherwise.
When a tool fails, explain the failure briefly and continue with what you know.
Never fabricate tool output.`

// budgetNote is appended to the final answer when the loop refuses further
// tool dispatches at the step cap.
const budgetNote = "\n\n[note: exceeded-tool-step-budget, some tool calls were not executed]"

// StatusFunc receives coarse progress events ("invoking tool X") at component
// boundaries. Intermediate model reasoning is never surfaced through it.
type StatusFunc func(event string)

// RunOptions controls one Run invocation.
type RunOptions struct {
	// OnChunk, when set, receives the final assistant text as streamed
	// chunks. Intermediate steps are never streamed.
	OnChunk llm.StreamCallback
	// OnStatus, when set, receives progress events.
	OnStatus StatusFunc
}

// Engine drives the bounded reasoning/tool-execution loop for one request.
type Engine struct {
	provider llm.ChatProvider
	pipeline *selection.Pipeline
	executor *Executor
	registry *tool.Registry
	maxSteps int
}

// NewEngine wires an Engine. maxSteps bounds gateway calls that may request
// tools; one extra summarization call is allowed past the cap.
func NewEngine(provider llm.ChatProvider, pipeline *selection.Pipeline, executor *Executor, registry *tool.Registry, maxSteps int) *Engine {
	if maxSteps <= 0 {
		maxSteps = 8
	}
	return &Engine{
		provider: provider,
		pipeline: pipeline,
		executor: executor,
		registry: registry,
		maxSteps: maxSteps,
	}
}

// MaxSteps returns the configured step cap (health reporting).
func (e *Engine) MaxSteps() int { return e.maxSteps }

// Run executes the agent loop over the conversation and returns the final
// assistant message. Tool failures never abort the request; they are
// reported back to the model as tool-role messages.
func (e *Engine) Run(ctx context.Context, messages []llm.Message, opts RunOptions) (llm.Message, error) {
	status := opts.OnStatus
	if status == nil {
		status = func(string) {}
	}

	userMessage := lastUserText(messages)
	sel := e.pipeline.Select(ctx, userMessage)
	defs := tool.Definitions(sel.Tools)
	log.Printf("[Agent] Selected %d tool(s) (cache hit: %v)", len(sel.Tools), sel.CacheHit)

	convo := make([]llm.Message, 0, len(messages)+1)
	convo = append(convo, llm.Message{Role: llm.RoleSystem, Content: systemPolicy})
	convo = append(convo, messages...)

	var final llm.Message
	start := time.Now()

	for step := 1; ; step++ {
		if step > e.maxSteps {
			// One summarization call past the cap, with no tools offered.
			status("summarizing")
			summary, err := e.provider.CallLLM(ctx, convo)
			if err != nil {
				return llm.Message{}, fmt.Errorf("agent: summarization call: %w", err)
			}
			if len(summary.ToolCalls) > 0 {
				// The model still wants tools; refuse to dispatch them.
				summary.ToolCalls = nil
				summary.Content = strings.TrimSpace(summary.Content) + budgetNote
			}
			final = summary
			break
		}

		reply, err := e.provider.CallLLMWithTools(ctx, convo, defs)
		if err != nil {
			return llm.Message{}, fmt.Errorf("agent: gateway call (step %d): %w", step, err)
		}

		if len(reply.ToolCalls) == 0 {
			final = reply
			break
		}

		// Append the assistant message verbatim, then one tool-role message
		// per call, in input order.
		convo = append(convo, reply)
		for _, tc := range reply.ToolCalls {
			status("invoking tool " + tc.Name)
		}
		results := e.executor.Execute(ctx, reply.ToolCalls)
		for _, r := range results {
			convo = append(convo, llm.Message{
				Role:       llm.RoleTool,
				Name:       r.Name,
				ToolCallID: r.ID,
				Content:    r.Encode(),
			})
			if r.Ok && !r.Cached {
				e.recordFeedback(userMessage, r.Name)
			}
		}
	}

	final.Role = llm.RoleAssistant
	log.Printf("[Agent] Request completed in %s", time.Since(start).Round(time.Millisecond))

	if opts.OnChunk != nil && final.Content != "" {
		streamReplay(final.Content, opts.OnChunk)
	}
	return final, nil
}

// recordFeedback credits the owning server of a successfully used tool.
func (e *Engine) recordFeedback(userMessage, toolName string) {
	if d, ok := e.registry.Get(toolName); ok {
		e.pipeline.RecordSuccess(userMessage, d.Server)
	}
}

// replayChunkSize splits the final message for streaming clients. The
// concatenation of chunks is exactly the buffered content.
const replayChunkSize = 64

func streamReplay(content string, onChunk llm.StreamCallback) {
	for len(content) > 0 {
		n := replayChunkSize
		if n > len(content) {
			n = len(content)
		}
		// Do not split a multi-byte rune across chunks.
		for n < len(content) && !isRuneStart(content[n]) {
			n++
		}
		onChunk(content[:n])
		content = content[n:]
	}
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

func lastUserText(messages []llm.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
