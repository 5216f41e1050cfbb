package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/huddle/internal/httpkit"
)

const (
	anthropicAPIURL     = "https://api.anthropic.com/v1/messages"
	anthropicAPIVersion = "2023-06-01"
	anthropicMaxTokens  = 4096
)

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicClient{
		apiKey: apiKey,
		url:    anthropicAPIURL,
		logger: logger.With("provider", "anthropic"),
		// No global timeout; streamed replies can be long-lived and the
		// caller's context carries the deadline.
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
	}
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamEvent struct {
	Type    string          `json:"type"`
	Delta   *anthropicDelta `json:"delta,omitempty"`
	Usage   *anthropicUsage `json:"usage,omitempty"`
	Message *struct {
		Model string         `json:"model"`
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// ChatStream opens a streaming Messages API request.
func (c *AnthropicClient) ChatStream(ctx context.Context, model string, messages []Message) (Stream, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("anthropic: %w", ErrProviderNotConfigured)
	}

	system, turns := splitSystem(messages)
	req := anthropicRequest{
		Model:     model,
		Messages:  make([]anthropicMessage, 0, len(turns)),
		System:    system,
		MaxTokens: anthropicMaxTokens,
		Stream:    true,
	}
	for _, m := range turns {
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	c.logger.Debug("preparing request",
		"model", model,
		"messages", len(req.Messages),
		"system_len", len(system),
	)

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	resp, err := c.post(ctx, jsonData)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, fmt.Errorf("anthropic API error %d: %s", resp.StatusCode, errBody)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &anthropicStream{
		body:    resp.Body,
		scanner: scanner,
		model:   model,
		logger:  c.logger,
	}, nil
}

// Ping sends a one-token request to verify the API key works. Anthropic
// has no dedicated health endpoint.
func (c *AnthropicClient) Ping(ctx context.Context) error {
	if c.apiKey == "" {
		return fmt.Errorf("anthropic: %w", ErrProviderNotConfigured)
	}
	jsonData, err := json.Marshal(anthropicRequest{
		Model:     "claude-3-5-haiku-latest",
		Messages:  []anthropicMessage{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.post(ctx, jsonData)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("invalid API key")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status from Anthropic API: %d", resp.StatusCode)
	}
	return nil
}

func (c *AnthropicClient) post(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// anthropicStream reads Server-Sent Events from a Messages API response.
type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string
	usage   anthropicUsage
	done    bool
	logger  *slog.Logger
}

func (s *anthropicStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	for s.scanner.Scan() {
		line := s.scanner.Text()

		// SSE format: "event: <type>" followed by "data: <json>"
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		if data == "[DONE]" {
			return s.finish()
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue // Skip malformed events
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil {
				if event.Message.Model != "" {
					s.model = event.Message.Model
				}
				s.usage = event.Message.Usage
			}

		case "content_block_delta":
			if event.Delta != nil && event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return Chunk{Content: event.Delta.Text, Model: s.model}, nil
			}

		case "message_delta":
			if event.Usage != nil {
				s.usage.OutputTokens = event.Usage.OutputTokens
			}

		case "message_stop":
			return s.finish()

		case "error":
			s.done = true
			if event.Error != nil {
				return Chunk{}, fmt.Errorf("anthropic stream error (%s): %s", event.Error.Type, event.Error.Message)
			}
			return Chunk{}, fmt.Errorf("anthropic stream error")
		}
	}

	s.done = true
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, fmt.Errorf("read stream: %w", err)
	}
	// The body ended without message_stop: the reply is cut off.
	return Chunk{}, fmt.Errorf("anthropic stream ended before message_stop: %w", io.ErrUnexpectedEOF)
}

// finish returns a metadata-only chunk carrying usage, then io.EOF on
// the next call.
func (s *anthropicStream) finish() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	s.done = true
	s.logger.Debug("stream complete",
		"model", s.model,
		"input_tokens", s.usage.InputTokens,
		"output_tokens", s.usage.OutputTokens,
	)
	return Chunk{
		Model:        s.model,
		InputTokens:  s.usage.InputTokens,
		OutputTokens: s.usage.OutputTokens,
	}, nil
}

func (s *anthropicStream) Close() error {
	s.done = true
	httpkit.DrainAndClose(s.body, 0)
	return nil
}
