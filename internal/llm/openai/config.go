package openai

import (
	"fmt"
	"time"

	"github.com/conciergelab/concierge/internal/config"
)

// Config holds gateway connection configuration.
// All traffic (agent loop, classifier, embeddings) goes through one
// OpenAI-compatible endpoint, with per-concern model names.
type Config struct {
	APIKey          string        // gateway API key (may be empty for local gateways)
	BaseURL         string        // gateway base URL, e.g. http://localhost:4000
	Model           string        // agent loop model
	ClassifierModel string        // tool-selection classifier model
	EmbeddingModel  string        // embeddings model
	MaxRetries      int           // HTTP-level retry for transient errors only
	HTTPTimeout     time.Duration // per-request timeout
	StreamClassify  bool          // stream the classifier reply and assemble it
}

// NewConfig derives a gateway Config from the application settings.
func NewConfig(s *config.Settings) *Config {
	return &Config{
		APIKey:          s.GatewayAPIKey,
		BaseURL:         s.GatewayBase,
		Model:           s.AgentModel,
		ClassifierModel: s.ClassifierModel,
		EmbeddingModel:  s.EmbeddingModel,
		MaxRetries:      1,
		HTTPTimeout:     s.HTTPTimeout,
		StreamClassify:  s.ClassifierStream,
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("gateway base URL cannot be empty")
	}
	if c.Model == "" {
		return fmt.Errorf("agent model cannot be empty")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries)
	}
	return nil
}
