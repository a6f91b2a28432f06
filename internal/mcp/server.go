package mcp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// State is the lifecycle state of a supervised MCP server.
type State string

const (
	StateUnstarted State = "unstarted"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateDegraded  State = "degraded" // subprocess lost; restart supervisor running
	StateStopped   State = "stopped"  // deliberate shutdown; no restarts
)

// Server supervises a single MCP server connection. When the transport
// fails it moves to degraded and a background goroutine reconnects with
// exponential backoff (1s doubling up to 60s) until it succeeds or the
// server is stopped.
type Server struct {
	cfg            ServerConfig
	defaultTimeout time.Duration

	mu         sync.Mutex
	state      State
	client     *Client
	restarting bool
	restarts   int

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewServer creates an unstarted supervised server.
func NewServer(cfg ServerConfig, defaultTimeout time.Duration) *Server {
	return &Server{
		cfg:            cfg,
		defaultTimeout: defaultTimeout,
		state:          StateUnstarted,
		stopCh:         make(chan struct{}),
	}
}

// Name returns the configured server name.
func (s *Server) Name() string { return s.cfg.Name }

// StateOf returns the current lifecycle state.
func (s *Server) StateOf() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many times the supervisor has reconnected.
func (s *Server) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Start spawns the subprocess and completes the handshake. On failure the
// server goes degraded and the restart supervisor takes over, so a broken
// server at boot does not block the rest of the process.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("mcp: server %q: %w", s.cfg.Name, ErrServerUnavailable)
	}
	s.state = StateStarting
	s.mu.Unlock()

	cli := NewClient(s.cfg)
	if err := cli.Connect(ctx); err != nil {
		s.degrade(fmt.Errorf("start: %w", err))
		return err
	}

	s.mu.Lock()
	s.client = cli
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

// Tools lists the tools exposed by the server. Only valid while ready.
func (s *Server) Tools(ctx context.Context) ([]ToolInfo, error) {
	s.mu.Lock()
	cli := s.client
	state := s.state
	s.mu.Unlock()

	if state != StateReady || cli == nil {
		return nil, fmt.Errorf("mcp: server %q is %s: %w", s.cfg.Name, state, ErrServerUnavailable)
	}
	return cli.ListTools(ctx)
}

// Call invokes a tool with the per-server deadline applied. Timeouts and
// remote tool errors leave the connection alive; transport errors degrade
// the server and hand it to the restart supervisor.
func (s *Server) Call(ctx context.Context, toolName string, args map[string]any) (string, error) {
	s.mu.Lock()
	cli := s.client
	state := s.state
	s.mu.Unlock()

	if state != StateReady || cli == nil {
		return "", fmt.Errorf("mcp: server %q is %s: %w", s.cfg.Name, state, ErrServerUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout(s.defaultTimeout))
	defer cancel()

	out, err := cli.CallTool(callCtx, toolName, args)
	if err == nil {
		return out, nil
	}

	var te *ToolExecutionError
	if errors.Is(err, ErrTimeout) || errors.As(err, &te) {
		// Server process still healthy; surface the error as-is.
		return "", err
	}

	// Transport-level failure: the subprocess is gone or the pipe broke.
	s.degrade(err)
	return "", fmt.Errorf("mcp: server %q: %w: %w", s.cfg.Name, ErrServerUnavailable, err)
}

// degrade closes the dead connection, flips the state and launches the
// restart supervisor (at most one at a time).
func (s *Server) degrade(cause error) {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	cli := s.client
	s.client = nil
	s.state = StateDegraded
	spawn := !s.restarting
	if spawn {
		s.restarting = true
	}
	s.mu.Unlock()

	if cli != nil {
		_ = cli.Close()
	}
	log.Printf("[MCP] Server degraded: %s: %v", s.cfg.Name, cause)

	if spawn {
		go s.superviseRestart()
	}
}

// newRestartBackoff builds the restart schedule: 1s doubling to a 60s
// ceiling, retrying until stopped.
func newRestartBackoff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 60 * time.Second
	policy.MaxElapsedTime = 0
	return policy
}

// superviseRestart reconnects with exponential backoff until it succeeds or
// the server is stopped.
func (s *Server) superviseRestart() {
	policy := newRestartBackoff()

	for {
		wait := policy.NextBackOff()
		select {
		case <-s.stopCh:
			s.clearRestarting()
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		cli := NewClient(s.cfg)
		err := cli.Connect(ctx)
		cancel()

		if err != nil {
			log.Printf("[MCP] Restart attempt failed: %s: %v (waited %s)", s.cfg.Name, err, wait.Round(time.Millisecond))
			continue
		}

		s.mu.Lock()
		if s.state == StateStopped {
			s.mu.Unlock()
			_ = cli.Close()
			s.clearRestarting()
			return
		}
		s.client = cli
		s.state = StateReady
		s.restarts++
		s.restarting = false
		s.mu.Unlock()

		log.Printf("[MCP] Server recovered: %s", s.cfg.Name)
		return
	}
}

func (s *Server) clearRestarting() {
	s.mu.Lock()
	s.restarting = false
	s.mu.Unlock()
}

// Stop shuts the server down for good. The restart supervisor exits and
// Call returns ErrServerUnavailable from then on.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	cli := s.client
	s.client = nil
	s.state = StateStopped
	s.mu.Unlock()

	if cli != nil {
		if err := cli.Close(); err != nil {
			log.Printf("[MCP] Close error for %q: %v", s.cfg.Name, err)
		}
	}
}
