package mcp

import (
	"errors"
	"fmt"
)

// Transport error taxonomy. The agent loop converts these to ToolResult
// error kinds; they never abort a request on their own.
var (
	ErrServerUnavailable = errors.New("server unavailable")
	ErrToolNotFound      = errors.New("tool not found")
	ErrTimeout           = errors.New("tool call timed out")
	ErrProtocolError     = errors.New("protocol error")
	ErrCircuitOpen       = errors.New("circuit open")
)

// ToolExecutionError carries a tool-level failure reported by the remote
// server (IsError result). It is distinct from transport failures: the
// subprocess is healthy and the circuit breaker is not charged.
type ToolExecutionError struct {
	Tool          string
	Server        string
	RemoteMessage string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %q on %q failed: %s", e.Tool, e.Server, e.RemoteMessage)
}

// ErrorKind maps a transport error to the wire-level kind string used in
// ToolResult payloads.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return "CircuitOpen"
	case errors.Is(err, ErrTimeout):
		return "Timeout"
	case errors.Is(err, ErrToolNotFound):
		return "ToolNotFound"
	case errors.Is(err, ErrServerUnavailable):
		return "ServerUnavailable"
	case errors.Is(err, ErrProtocolError):
		return "ProtocolError"
	default:
		return "ToolExecutionFailed"
	}
}
