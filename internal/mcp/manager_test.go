package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/conciergelab/concierge/internal/breaker"
	"github.com/conciergelab/concierge/internal/tool"
)

// ── error taxonomy ─────────────────────────────────────────────────────────

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrCircuitOpen, "CircuitOpen"},
		{fmt.Errorf("wrapped: %w", ErrTimeout), "Timeout"},
		{ErrToolNotFound, "ToolNotFound"},
		{ErrServerUnavailable, "ServerUnavailable"},
		{fmt.Errorf("init: %w", ErrProtocolError), "ProtocolError"},
		{&ToolExecutionError{Tool: "t", Server: "s", RemoteMessage: "boom"}, "ToolExecutionFailed"},
		{errors.New("opaque"), "ToolExecutionFailed"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestToolExecutionError_Message(t *testing.T) {
	err := &ToolExecutionError{Tool: "read_file", Server: "files", RemoteMessage: "no such file"}
	var te *ToolExecutionError
	if !errors.As(error(err), &te) {
		t.Fatal("errors.As must unwrap ToolExecutionError")
	}
	if te.RemoteMessage != "no such file" {
		t.Errorf("RemoteMessage = %q", te.RemoteMessage)
	}
}

// ── server lifecycle ───────────────────────────────────────────────────────

func TestServer_UnstartedRejectsCalls(t *testing.T) {
	srv := NewServer(ServerConfig{Name: "files", Transport: "stdio", Command: "true"}, time.Second)
	if got := srv.StateOf(); got != StateUnstarted {
		t.Fatalf("initial state = %s, want %s", got, StateUnstarted)
	}
	if _, err := srv.Call(context.Background(), "read_file", nil); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("Call on unstarted server = %v, want ErrServerUnavailable", err)
	}
	if _, err := srv.Tools(context.Background()); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("Tools on unstarted server = %v, want ErrServerUnavailable", err)
	}
}

func TestServer_StopIsTerminal(t *testing.T) {
	srv := NewServer(ServerConfig{Name: "files", Transport: "stdio", Command: "true"}, time.Second)
	srv.Stop()
	srv.Stop() // idempotent

	if got := srv.StateOf(); got != StateStopped {
		t.Fatalf("state after Stop = %s, want %s", got, StateStopped)
	}
	if err := srv.Start(context.Background()); !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("Start after Stop = %v, want ErrServerUnavailable", err)
	}
}

func TestRestartBackoff_Schedule(t *testing.T) {
	policy := newRestartBackoff()
	policy.RandomizationFactor = 0

	var prev time.Duration
	for i := 0; i < 12; i++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			t.Fatalf("iteration %d returned Stop, schedule must retry forever", i)
		}
		if wait < prev {
			t.Errorf("iteration %d: wait %s shrank below %s", i, wait, prev)
		}
		prev = wait
	}
	if prev != 60*time.Second {
		t.Errorf("ceiling = %s, want 60s", prev)
	}
}

func TestServer_UnknownTransport(t *testing.T) {
	srv := NewServer(ServerConfig{Name: "x", Transport: "carrier-pigeon"}, time.Second)
	err := srv.Start(context.Background())
	if err == nil {
		t.Fatal("unknown transport must fail Start")
	}
	if got := srv.StateOf(); got != StateDegraded {
		t.Errorf("state after failed Start = %s, want %s", got, StateDegraded)
	}
}

// ── manager routing ────────────────────────────────────────────────────────

func newTestManager(t *testing.T) (*Manager, *tool.Registry, *breaker.Breaker) {
	t.Helper()
	reg := tool.NewRegistry()
	brk := breaker.New(5, time.Minute)
	path := writeConfig(t, `{"mcpServers":{}}`)
	return NewManager(path, time.Second, reg, brk), reg, brk
}

func TestManager_CallToolUnknownTool(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.CallTool(context.Background(), "no_such_tool", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("CallTool(unknown) = %v, want ErrToolNotFound", err)
	}
}

func TestManager_CallToolMissingServer(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(tool.Descriptor{Name: "read_file", Server: "ghost", Cacheable: true})

	_, err := m.CallTool(context.Background(), "read_file", map[string]any{"path": "/tmp/a"})
	if !errors.Is(err, ErrServerUnavailable) {
		t.Errorf("CallTool without live server = %v, want ErrServerUnavailable", err)
	}
}

func TestManager_ConnectAllEmptyConfig(t *testing.T) {
	m, reg, _ := newTestManager(t)
	ready, errs := m.ConnectAll(context.Background())
	if ready != 0 || len(errs) != 0 {
		t.Errorf("ConnectAll(empty) = %d ready, %v errs", ready, errs)
	}
	if reg.Count() != 0 {
		t.Errorf("registry has %d tools after empty connect", reg.Count())
	}
	if statuses := m.Statuses(); len(statuses) != 0 {
		t.Errorf("Statuses() = %v, want empty", statuses)
	}
}

func TestManager_ConnectAllSkipsDisabled(t *testing.T) {
	path := writeConfig(t, `{
		"mcpServers": {
			"files": {"command": "nonexistent-binary-xyz", "enabled": false}
		}
	}`)
	m := NewManager(path, time.Second, tool.NewRegistry(), breaker.New(5, time.Minute))

	ready, errs := m.ConnectAll(context.Background())
	if ready != 0 {
		t.Errorf("ready = %d, want 0", ready)
	}
	if len(errs) != 0 {
		t.Errorf("disabled server must not produce errors, got %v", errs)
	}
}

func TestManager_ReloadRemovesDroppedServer(t *testing.T) {
	m, reg, _ := newTestManager(t)

	// Simulate a connected server with registered tools.
	m.mu.Lock()
	m.configs["files"] = ServerConfig{Name: "files", Transport: "stdio", Command: "true"}
	m.servers["files"] = NewServer(m.configs["files"], time.Second)
	m.mu.Unlock()
	reg.Register(tool.Descriptor{Name: "read_file", Server: "files"})
	reg.Register(tool.Descriptor{Name: "write_file", Server: "files"})

	summary, err := m.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if reg.Count() != 0 {
		t.Errorf("registry has %d tools after removal, want 0", reg.Count())
	}
	if summary == "" {
		t.Error("Reload must return a summary")
	}
	m.mu.Lock()
	_, stillThere := m.servers["files"]
	m.mu.Unlock()
	if stillThere {
		t.Error("removed server must be dropped from the manager")
	}
}

func TestManager_BreakerBlocksAfterFailures(t *testing.T) {
	m, reg, brk := newTestManager(t)
	reg.Register(tool.Descriptor{Name: "read_file", Server: "files"})

	// A registered tool whose server exists but was never started: every
	// call fails at the transport level and charges the breaker.
	m.mu.Lock()
	m.servers["files"] = NewServer(ServerConfig{Name: "files", Transport: "stdio", Command: "true"}, time.Second)
	m.mu.Unlock()

	for i := 0; i < 5; i++ {
		_, err := m.CallTool(context.Background(), "read_file", nil)
		if !errors.Is(err, ErrServerUnavailable) {
			t.Fatalf("call %d = %v, want ErrServerUnavailable", i, err)
		}
	}
	if brk.OpenCount() != 1 {
		t.Fatalf("open circuits = %d, want 1 after threshold", brk.OpenCount())
	}
	_, err := m.CallTool(context.Background(), "read_file", nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("call with open circuit = %v, want ErrCircuitOpen", err)
	}
}
