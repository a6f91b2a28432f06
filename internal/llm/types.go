package llm

import (
	"context"
	"encoding/json"
)

// Message represents a chat message exchanged with the gateway.
type Message struct {
	Role       string     `json:"role"`                   // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`                // message text
	Name       string     `json:"name,omitempty"`         // tool name when role="tool"
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // tool calls returned by the model
	ToolCallID string     `json:"tool_call_id,omitempty"` // when role="tool", the call this responds to
}

// ToolDefinition describes a tool for function calling.
// Parameters follows OpenAI JSON Schema format.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a single tool call returned by the model.
type ToolCall struct {
	ID        string          `json:"id"` // request-scoped id used to correlate the tool result
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// StreamCallback is invoked for each chunk of streamed text.
// Implementations should be lightweight; heavy work should be deferred.
type StreamCallback func(chunk string)

// ChatProvider is the gateway surface the agent loop consumes.
// Any OpenAI-compatible endpoint (litellm, Ollama, vLLM, etc.) qualifies.
type ChatProvider interface {
	// CallLLM sends messages and returns the complete response.
	CallLLM(ctx context.Context, messages []Message) (Message, error)

	// CallLLMStream streams the response token-by-token through onChunk and
	// returns the full assembled message. Providers without streaming support
	// may fall back to CallLLM.
	CallLLMStream(ctx context.Context, messages []Message, onChunk StreamCallback) (Message, error)

	// CallLLMWithTools sends messages plus tool definitions with
	// tool_choice=auto. The model may return tool_calls or a direct answer.
	// Always non-streaming.
	CallLLMWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (Message, error)
}

// ClassifierProvider is the narrow surface the tool-selection pipeline
// consumes: a JSON-object-constrained completion on the classifier model.
type ClassifierProvider interface {
	CallClassifier(ctx context.Context, messages []Message) (Message, error)
}

// EmbeddingProvider produces fixed-dimension vectors for text.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
