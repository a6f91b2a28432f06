package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// mcpConfigFile mirrors the top-level structure of mcp.json.
type mcpConfigFile struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// ServerConfig describes a single MCP server subprocess.
// The Name field is populated from the map key in mcp.json, not from a JSON
// field.
type ServerConfig struct {
	Name      string   // derived from the map key in mcp.json
	Transport string   `json:"transport,omitempty"` // "stdio" (default) | "sse"
	Command   string   `json:"command,omitempty"`   // stdio: executable path
	Args      []string `json:"args,omitempty"`      // stdio: command arguments
	URL       string   `json:"url,omitempty"`       // sse: base URL
	Env       []string `json:"env,omitempty"`       // stdio: extra environment variables
	Enabled   *bool    `json:"enabled,omitempty"`   // nil means enabled
	TimeoutS  int      `json:"timeout_s,omitempty"` // per-call deadline override
}

// IsEnabled reports whether the server should be started.
func (c ServerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CallTimeout returns the per-call deadline, falling back to def.
func (c ServerConfig) CallTimeout(def time.Duration) time.Duration {
	if c.TimeoutS > 0 {
		return time.Duration(c.TimeoutS) * time.Second
	}
	return def
}

// LoadConfig reads and parses mcp.json from path. Disabled servers are kept
// in the result so callers can report them; filtering happens at start time.
func LoadConfig(path string) (map[string]ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read config %q: %w", path, err)
	}

	var file mcpConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("mcp: parse config %q: %w", path, err)
	}
	if file.MCPServers == nil {
		return map[string]ServerConfig{}, nil
	}

	// Populate Name from the map key and default the transport.
	for key, cfg := range file.MCPServers {
		cfg.Name = key
		if cfg.Transport == "" {
			cfg.Transport = "stdio"
		}
		file.MCPServers[key] = cfg
	}
	return file.MCPServers, nil
}

// EnsureConfig creates an empty mcp.json at path when none exists, so a
// fresh workspace starts with a valid (if empty) server list.
func EnsureConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte("{\"mcpServers\":{}}\n"), 0o644)
}
