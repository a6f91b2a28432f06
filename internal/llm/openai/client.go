package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	openailib "github.com/sashabaranov/go-openai"

	"github.com/conciergelab/concierge/internal/llm"
)

// Client talks to the OpenAI-compatible gateway. It implements
// llm.ChatProvider, llm.ClassifierProvider and llm.EmbeddingProvider.
type Client struct {
	client *openailib.Client
	config *Config
}

// NewClient creates a gateway client from a validated Config.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig := openailib.DefaultConfig(config.APIKey)
	clientConfig.BaseURL = strings.TrimSuffix(config.BaseURL, "/") + "/v1"
	if config.HTTPTimeout > 0 {
		clientConfig.HTTPClient = &http.Client{Timeout: config.HTTPTimeout}
	}

	return &Client{
		client: openailib.NewClientWithConfig(clientConfig),
		config: config,
	}, nil
}

// GetConfig returns the client's configuration.
func (c *Client) GetConfig() *Config {
	return c.config
}

// CallLLM sends messages to the agent model and returns the response.
func (c *Client) CallLLM(ctx context.Context, messages []llm.Message) (llm.Message, error) {
	req, err := c.buildRequest(c.config.Model, messages, nil, false)
	if err != nil {
		return llm.Message{}, err
	}
	return c.complete(ctx, req)
}

// CallLLMWithTools sends messages plus tool definitions with tool_choice=auto.
func (c *Client) CallLLMWithTools(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (llm.Message, error) {
	req, err := c.buildRequest(c.config.Model, messages, tools, false)
	if err != nil {
		return llm.Message{}, err
	}
	return c.complete(ctx, req)
}

// CallClassifier sends messages to the classifier model demanding a JSON
// object response. When StreamClassify is set the reply is streamed and
// assembled; the caller sees an identical Message either way.
func (c *Client) CallClassifier(ctx context.Context, messages []llm.Message) (llm.Message, error) {
	req, err := c.buildRequest(c.config.ClassifierModel, messages, nil, true)
	if err != nil {
		return llm.Message{}, err
	}
	if c.config.StreamClassify {
		return c.stream(ctx, req, nil)
	}
	return c.complete(ctx, req)
}

// CallLLMStream sends messages and streams the response token-by-token.
// Each delta chunk triggers the onChunk callback; the assembled message is
// returned once streaming finishes.
func (c *Client) CallLLMStream(ctx context.Context, messages []llm.Message, onChunk llm.StreamCallback) (llm.Message, error) {
	if onChunk == nil {
		return c.CallLLM(ctx, messages)
	}
	req, err := c.buildRequest(c.config.Model, messages, nil, false)
	if err != nil {
		return llm.Message{}, err
	}
	return c.stream(ctx, req, onChunk)
}

// Embed produces an embedding vector for the given text via the gateway's
// /v1/embeddings endpoint.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openailib.EmbeddingRequest{
		Input: []string{text},
		Model: openailib.EmbeddingModel(c.config.EmbeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("gateway: embeddings returned no data")
	}
	return resp.Data[0].Embedding, nil
}

// buildRequest converts internal messages to the wire format.
func (c *Client) buildRequest(model string, messages []llm.Message, tools []llm.ToolDefinition, jsonObject bool) (openailib.ChatCompletionRequest, error) {
	if len(messages) == 0 {
		return openailib.ChatCompletionRequest{}, fmt.Errorf("no messages to send")
	}

	openaiMsgs := make([]openailib.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		m := openailib.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openailib.ToolCall{
				ID:   tc.ID,
				Type: openailib.ToolTypeFunction,
				Function: openailib.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		openaiMsgs[i] = m
	}

	req := openailib.ChatCompletionRequest{
		Model:    model,
		Messages: openaiMsgs,
	}
	if len(tools) > 0 {
		req.Tools = make([]openailib.Tool, len(tools))
		for i, t := range tools {
			req.Tools[i] = openailib.Tool{
				Type: openailib.ToolTypeFunction,
				Function: &openailib.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
		req.ToolChoice = "auto"
	}
	if jsonObject {
		req.ResponseFormat = &openailib.ChatCompletionResponseFormat{
			Type: openailib.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req, nil
}

// complete executes a non-streaming request with transient retries.
func (c *Client) complete(ctx context.Context, req openailib.ChatCompletionRequest) (llm.Message, error) {
	var resp openailib.ChatCompletionResponse
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		resp, lastErr = c.client.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if attempt < c.config.MaxRetries {
			wait := time.Duration(attempt+1) * time.Second
			log.Printf("[Gateway] Retry %d/%d after %v, error: %v", attempt+1, c.config.MaxRetries, wait, lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return llm.Message{}, ctx.Err()
			}
		}
	}

	if lastErr != nil {
		return llm.Message{}, fmt.Errorf("gateway: call failed after %d retries: %w", c.config.MaxRetries, lastErr)
	}
	if len(resp.Choices) == 0 {
		return llm.Message{}, fmt.Errorf("gateway: no choices returned")
	}

	return fromWire(resp.Choices[0].Message), nil
}

// stream executes a streaming request, forwarding content deltas to onChunk
// (which may be nil) and returning the assembled message.
func (c *Client) stream(ctx context.Context, req openailib.ChatCompletionRequest, onChunk llm.StreamCallback) (llm.Message, error) {
	req.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		// Stream creation failure is usually a gateway capability gap.
		log.Printf("[Gateway] Stream creation failed, falling back to sync: %v", err)
		req.Stream = false
		return c.complete(ctx, req)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunkResp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if sb.Len() > 0 {
				log.Printf("[Gateway] Stream interrupted after %d chars: %v", sb.Len(), err)
				break
			}
			return llm.Message{}, fmt.Errorf("gateway: stream recv: %w", err)
		}
		if len(chunkResp.Choices) > 0 {
			if delta := chunkResp.Choices[0].Delta.Content; delta != "" {
				sb.WriteString(delta)
				if onChunk != nil {
					onChunk(delta)
				}
			}
		}
	}

	return llm.Message{Role: llm.RoleAssistant, Content: sb.String()}, nil
}

// fromWire converts a wire message to the internal representation.
func fromWire(m openailib.ChatCompletionMessage) llm.Message {
	msg := llm.Message{
		Role:    llm.RoleAssistant,
		Content: m.Content,
	}
	for _, tc := range m.ToolCalls {
		args := tc.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return msg
}

// GetName returns the provider name.
func (c *Client) GetName() string {
	return fmt.Sprintf("openai-compatible (%s)", c.config.Model)
}
