package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conciergelab/concierge/internal/agent"
	"github.com/conciergelab/concierge/internal/llm"
)

// logicalModel is the stable model id reported to clients regardless of the
// upstream model actually used.
const logicalModel = "agent"

// AgentRunner is the agent-loop surface the handler consumes.
type AgentRunner interface {
	Run(ctx context.Context, messages []llm.Message, opts agent.RunOptions) (llm.Message, error)
	MaxSteps() int
}

// messageContent accepts both OpenAI content forms: a plain string or a list
// of typed blocks. Either projects to plain text.
type messageContent struct {
	text string
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *messageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.text = s
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return fmt.Errorf("content must be a string or an array of blocks")
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "" || b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	c.text = strings.Join(parts, "\n")
	return nil
}

// chatRequest is the accepted subset of the OpenAI chat-completion body.
// Client-supplied tools and tool_choice are ignored: the engine owns tool
// selection.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatMessage struct {
	Role    string         `json:"role"`
	Content messageContent `json:"content"`
}

// chatCompletion is the non-streaming response shape.
type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int            `json:"index"`
	Message      *choiceMessage `json:"message,omitempty"`
	Delta        *choiceMessage `json:"delta,omitempty"`
	FinishReason *string        `json:"finish_reason"`
}

type choiceMessage struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatHandler serves POST /v1/chat/completions.
type ChatHandler struct {
	runner    AgentRunner
	authToken string // empty disables auth
}

// NewChatHandler creates the handler. authToken, when non-empty, is required
// as a Bearer token on every request.
func NewChatHandler(runner AgentRunner, authToken string) *ChatHandler {
	return &ChatHandler{runner: runner, authToken: authToken}
}

// HandleChat validates, runs the agent loop and responds as a chat
// completion, streamed or not.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed", "")
		return
	}
	if !h.authorized(r) {
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid bearer token", "")
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, "malformed request body", err.Error())
		return
	}
	messages, err := validateMessages(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeInvalidRequest, err.Error(), "")
		return
	}

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()

	if req.Stream {
		h.streamResponse(w, r, id, created, messages)
		return
	}

	final, err := h.runner.Run(r.Context(), messages, agent.RunOptions{})
	if err != nil {
		// A gateway failure is still a chat completion: the assistant
		// explains it. Error bodies are reserved for validation and auth.
		log.Printf("[Web] Agent run failed: %v", err)
		final = llm.Message{
			Role:    llm.RoleAssistant,
			Content: fmt.Sprintf("I could not complete this request: %v. Please try again in a moment.", err),
		}
	}

	stop := "stop"
	resp := chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   logicalModel,
		Choices: []chatChoice{{
			Message:      &choiceMessage{Role: llm.RoleAssistant, Content: final.Content},
			FinishReason: &stop,
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[Web] Response write failed: %v", err)
	}
}

// streamResponse runs the agent loop and relays the final message as
// chat-completion chunks over SSE, terminated by [DONE].
func (h *ChatHandler) streamResponse(w http.ResponseWriter, r *http.Request, id string, created int64, messages []llm.Message) {
	sse := newSSEWriter(w, r)
	if sse == nil {
		return
	}

	chunk := func(delta *choiceMessage, finish *string) chatCompletion {
		return chatCompletion{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   logicalModel,
			Choices: []chatChoice{{Delta: delta, FinishReason: finish}},
		}
	}

	// Role preamble chunk, the way OpenAI streams open.
	sse.SendChunk(chunk(&choiceMessage{Role: llm.RoleAssistant}, nil))

	_, err := h.runner.Run(r.Context(), messages, agent.RunOptions{
		OnChunk: func(text string) {
			sse.SendChunk(chunk(&choiceMessage{Content: text}, nil))
		},
		OnStatus: func(event string) {
			sse.SendStatus(event)
		},
	})
	if err != nil {
		log.Printf("[Web] Agent run failed mid-stream: %v", err)
		sse.SendChunk(chunk(&choiceMessage{Content: "\n[error] " + err.Error()}, nil))
	}

	stop := "stop"
	sse.SendChunk(chunk(&choiceMessage{}, &stop))
	sse.SendDone()
}

func (h *ChatHandler) authorized(r *http.Request) bool {
	if h.authToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	return strings.TrimPrefix(header, "Bearer ") == h.authToken && strings.HasPrefix(header, "Bearer ")
}

// validateMessages checks the OpenAI invariants and converts to internal
// messages: non-empty list, every entry has a role, at least one user
// message.
func validateMessages(in []chatMessage) ([]llm.Message, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("messages must be a non-empty array")
	}
	out := make([]llm.Message, 0, len(in))
	hasUser := false
	for i, m := range in {
		if m.Role == "" {
			return nil, fmt.Errorf("messages[%d] is missing a role", i)
		}
		switch m.Role {
		case llm.RoleSystem, llm.RoleUser, llm.RoleAssistant:
		default:
			return nil, fmt.Errorf("messages[%d] has unsupported role %q", i, m.Role)
		}
		if m.Role == llm.RoleUser {
			hasUser = true
		}
		out = append(out, llm.Message{Role: m.Role, Content: m.Content.text})
	}
	if !hasUser {
		return nil, fmt.Errorf("messages must contain at least one user message")
	}
	return out, nil
}
