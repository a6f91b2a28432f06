package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Settings holds all runtime configuration for the orchestrator.
// Every field has a default; only structurally invalid values are fatal.
type Settings struct {
	GatewayBase   string // OpenAI-compatible gateway base URL
	GatewayAPIKey string // bearer token for the gateway (may be empty for local gateways)

	AgentModel      string // model driving the agent loop
	ClassifierModel string // model driving the tool-selection classifier
	EmbeddingModel  string // model used for /v1/embeddings

	FSRoot       string // root directory for config and state files
	MCPConfig    string // path to mcp.json
	FeedbackFile string // routing feedback records (JSON array)
	IntentFile   string // classification cache (JSON object)

	MaxToolSteps  int           // hard cap on agent loop steps
	HTTPTimeout   time.Duration // gateway HTTP timeout
	ToolTimeout   time.Duration // default per-tool-call deadline
	ParallelLimit int           // concurrent tool calls per batch

	BreakerThreshold int           // consecutive failures before a circuit opens
	BreakerCooldown  time.Duration // open-state cool-down

	CacheTTL  time.Duration // tool cache default TTL
	CacheSize int           // tool cache max entries

	MaxSelectedTools int           // cap on the tool subset per request
	IntentTTL        time.Duration // classification cache TTL
	ClassifierStream bool          // stream the classifier reply instead of one-shot

	AuthToken string // optional bearer token for the inbound API
	WebPort   string // HTTP listen port
}

// FromEnv builds Settings from environment variables, applying defaults.
// A validation failure here is a ConfigError: the caller should exit.
func FromEnv() (*Settings, error) {
	fsRoot := getEnvOrDefault("AGENT_FS_ROOT", "")
	if fsRoot == "" {
		fsRoot, _ = os.Getwd()
	}

	s := &Settings{
		GatewayBase:   getEnvOrDefault("GATEWAY_BASE", "http://localhost:4000"),
		GatewayAPIKey: getEnvOrDefault("GATEWAY_API_KEY", ""),

		AgentModel:      getEnvOrDefault("AGENT_MODEL", "gpt-4o"),
		ClassifierModel: getEnvOrDefault("CLASSIFIER_MODEL", getEnvOrDefault("AGENT_MODEL", "gpt-4o-mini")),
		EmbeddingModel:  getEnvOrDefault("EMBEDDING_MODEL", "text-embedding-3-small"),

		FSRoot:       fsRoot,
		MCPConfig:    getEnvOrDefault("MCP_CONFIG", filepath.Join(fsRoot, "mcp.json")),
		FeedbackFile: getEnvOrDefault("FEEDBACK_FILE", filepath.Join(fsRoot, "feedback.json")),
		IntentFile:   getEnvOrDefault("INTENT_CACHE_FILE", filepath.Join(fsRoot, "intent_cache.json")),

		MaxToolSteps:  getEnvIntOrDefault("AGENT_MAX_TOOL_STEPS", 8),
		HTTPTimeout:   time.Duration(getEnvIntOrDefault("AGENT_HTTP_TIMEOUT_S", 120)) * time.Second,
		ToolTimeout:   time.Duration(getEnvIntOrDefault("TOOL_CALL_TIMEOUT_S", 30)) * time.Second,
		ParallelLimit: getEnvIntOrDefault("PARALLEL_TOOL_LIMIT", 5),

		BreakerThreshold: getEnvIntOrDefault("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:  time.Duration(getEnvIntOrDefault("BREAKER_COOLDOWN_S", 60)) * time.Second,

		CacheTTL:  time.Duration(getEnvIntOrDefault("TOOL_CACHE_TTL_S", 300)) * time.Second,
		CacheSize: getEnvIntOrDefault("TOOL_CACHE_SIZE", 512),

		MaxSelectedTools: getEnvIntOrDefault("SELECT_MAX_TOOLS", 15),
		IntentTTL:        time.Duration(getEnvIntOrDefault("INTENT_CACHE_TTL_H", 24)) * time.Hour,
		ClassifierStream: os.Getenv("CLASSIFIER_STREAM") == "true",

		AuthToken: getEnvOrDefault("ROUTER_AUTH_TOKEN", ""),
		WebPort:   getEnvOrDefault("WEB_PORT", "8080"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks structural sanity of the settings.
func (s *Settings) Validate() error {
	if s.GatewayBase == "" {
		return fmt.Errorf("config: GATEWAY_BASE cannot be empty")
	}
	if s.AgentModel == "" {
		return fmt.Errorf("config: AGENT_MODEL cannot be empty")
	}
	if s.MaxToolSteps < 1 {
		return fmt.Errorf("config: AGENT_MAX_TOOL_STEPS must be >= 1, got %d", s.MaxToolSteps)
	}
	if s.ParallelLimit < 1 {
		return fmt.Errorf("config: PARALLEL_TOOL_LIMIT must be >= 1, got %d", s.ParallelLimit)
	}
	if s.BreakerThreshold < 1 {
		return fmt.Errorf("config: BREAKER_FAILURE_THRESHOLD must be >= 1, got %d", s.BreakerThreshold)
	}
	if s.CacheSize < 1 {
		return fmt.Errorf("config: TOOL_CACHE_SIZE must be >= 1, got %d", s.CacheSize)
	}
	if info, err := os.Stat(s.FSRoot); err != nil || !info.IsDir() {
		return fmt.Errorf("config: AGENT_FS_ROOT %q does not exist or is not a directory", s.FSRoot)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}
