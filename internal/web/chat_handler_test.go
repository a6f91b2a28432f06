package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conciergelab/concierge/internal/agent"
	"github.com/conciergelab/concierge/internal/llm"
	"github.com/conciergelab/concierge/internal/tool"
)

// stubRunner returns a fixed final message, optionally replayed as chunks.
type stubRunner struct {
	final   string
	err     error
	lastMsg []llm.Message
}

func (s *stubRunner) Run(_ context.Context, messages []llm.Message, opts agent.RunOptions) (llm.Message, error) {
	s.lastMsg = messages
	if s.err != nil {
		return llm.Message{}, s.err
	}
	if opts.OnStatus != nil {
		opts.OnStatus("invoking tool read_file")
	}
	if opts.OnChunk != nil {
		// Replay in two chunks to exercise assembly on the client side.
		half := len(s.final) / 2
		opts.OnChunk(s.final[:half])
		opts.OnChunk(s.final[half:])
	}
	return llm.Message{Role: llm.RoleAssistant, Content: s.final}, nil
}

func (s *stubRunner) MaxSteps() int { return 8 }

func newTestServer(runner AgentRunner, token string) *Server {
	return NewServer(Deps{
		GatewayBase: "http://localhost:4000",
		AgentModel:  "qwen3",
		FSRoot:      "/srv/agent",
		AuthToken:   token,
		Runner:      runner,
		Registry:    tool.NewRegistry(),
	})
}

func postChat(t *testing.T, srv *Server, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// ── non-streaming ──────────────────────────────────────────────────────────

func TestChat_NonStreamingResponseShape(t *testing.T) {
	runner := &stubRunner{final: "Hello! How can I help?"}
	rec := postChat(t, newTestServer(runner, ""), `{"model":"whatever","messages":[{"role":"user","content":"hello"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp chatCompletion
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("id = %q, must begin with chatcmpl-", resp.ID)
	}
	if resp.Model != "agent" {
		t.Errorf("model = %q, want the stable logical id", resp.Model)
	}
	if resp.Object != "chat.completion" || resp.Created == 0 {
		t.Errorf("object/created = %q/%d", resp.Object, resp.Created)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != runner.final {
		t.Errorf("choices = %+v", resp.Choices)
	}
	if *resp.Choices[0].FinishReason != "stop" {
		t.Errorf("finish_reason = %v", resp.Choices[0].FinishReason)
	}
}

func TestChat_BlockContentProjectsToText(t *testing.T) {
	runner := &stubRunner{final: "ok"}
	body := `{"messages":[{"role":"user","content":[{"type":"text","text":"part one"},{"type":"text","text":"part two"}]}]}`
	rec := postChat(t, newTestServer(runner, ""), body, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := runner.lastMsg[0].Content; got != "part one\npart two" {
		t.Errorf("projected content = %q", got)
	}
}

// ── validation ─────────────────────────────────────────────────────────────

func TestChat_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty messages", `{"messages":[]}`},
		{"missing role", `{"messages":[{"content":"hi"}]}`},
		{"no user message", `{"messages":[{"role":"system","content":"policy"}]}`},
		{"tool role from client", `{"messages":[{"role":"tool","content":"x"}]}`},
		{"malformed body", `{messages`},
	}
	srv := newTestServer(&stubRunner{final: "x"}, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postChat(t, srv, tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var body apiErrorBody
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("error body not structured: %v", err)
			}
			if body.Error.Code != codeInvalidRequest || body.Error.Timestamp == "" {
				t.Errorf("error = %+v", body.Error)
			}
			if len(body.Error.Suggestions) == 0 {
				t.Error("validation errors must carry suggestions")
			}
		})
	}
}

func TestChat_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(&stubRunner{}, "")
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

// ── auth ───────────────────────────────────────────────────────────────────

func TestChat_BearerAuth(t *testing.T) {
	srv := newTestServer(&stubRunner{final: "x"}, "sekrit")
	valid := `{"messages":[{"role":"user","content":"hi"}]}`

	if rec := postChat(t, srv, valid, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d, want 401", rec.Code)
	}
	if rec := postChat(t, srv, valid, map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", rec.Code)
	}
	if rec := postChat(t, srv, valid, map[string]string{"Authorization": "Bearer sekrit"}); rec.Code != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", rec.Code)
	}
}

// ── agent failure ──────────────────────────────────────────────────────────

func TestChat_AgentFailureBecomesAssistantMessage(t *testing.T) {
	srv := newTestServer(&stubRunner{err: errors.New("gateway unreachable")}, "")
	rec := postChat(t, srv, `{"messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp chatCompletion
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message == nil {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	choice := resp.Choices[0]
	if !strings.Contains(choice.Message.Content, "gateway unreachable") {
		t.Errorf("content = %q, want the failure explained", choice.Message.Content)
	}
	if choice.FinishReason == nil || *choice.FinishReason != "stop" {
		t.Errorf("finish_reason = %v, want stop", choice.FinishReason)
	}
}

// ── streaming ──────────────────────────────────────────────────────────────

func TestChat_StreamingChunksAndDone(t *testing.T) {
	runner := &stubRunner{final: "streamed answer text"}
	srv := newTestServer(runner, "")
	rec := postChat(t, srv, `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var assembled strings.Builder
	sawDone := false
	sawStop := false
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk chatCompletion
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("chunk not JSON: %q", payload)
		}
		if chunk.Object != "chat.completion.chunk" || chunk.Model != "agent" {
			t.Errorf("chunk shape = %+v", chunk)
		}
		if len(chunk.Choices) == 1 {
			if d := chunk.Choices[0].Delta; d != nil {
				assembled.WriteString(d.Content)
			}
			if f := chunk.Choices[0].FinishReason; f != nil && *f == "stop" {
				sawStop = true
			}
		}
	}
	if assembled.String() != runner.final {
		t.Errorf("assembled stream = %q, want %q", assembled.String(), runner.final)
	}
	if !sawStop || !sawDone {
		t.Errorf("stream termination: stop=%v done=%v", sawStop, sawDone)
	}
	if !strings.Contains(rec.Body.String(), ": status invoking tool read_file") {
		t.Error("status events must appear as SSE comments")
	}
}

// ── health ─────────────────────────────────────────────────────────────────

func TestHealth_Snapshot(t *testing.T) {
	srv := newTestServer(&stubRunner{}, "")
	srv.deps.Registry.Register(tool.Descriptor{Name: "read_file", Server: "files"})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap healthSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Name != "concierge" || !snap.OK {
		t.Errorf("identity = %q ok=%v", snap.Name, snap.OK)
	}
	if snap.MaxToolSteps != 8 {
		t.Errorf("max_tool_steps = %d", snap.MaxToolSteps)
	}
	if len(snap.Tools) != 1 || snap.Tools[0] != "read_file" {
		t.Errorf("tools = %v", snap.Tools)
	}
}

func TestHealth_UnknownPathIs404(t *testing.T) {
	srv := newTestServer(&stubRunner{}, "")
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
