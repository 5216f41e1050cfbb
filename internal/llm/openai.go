package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/nugget/huddle/internal/httpkit"
)

// OpenAIClient streams completions from OpenAI or any OpenAI-compatible
// endpoint.
type OpenAIClient struct {
	client     *openai.Client
	configured bool
	logger     *slog.Logger
}

// NewOpenAIClient creates a new OpenAI client. An empty baseURL uses the
// public OpenAI API.
func NewOpenAIClient(apiKey, baseURL string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(httpkit.WithTimeout(0))

	return &OpenAIClient{
		client:     openai.NewClientWithConfig(cfg),
		configured: apiKey != "",
		logger:     logger.With("provider", "openai"),
	}
}

// ChatStream opens a streaming chat completion.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message) (Stream, error) {
	if !c.configured {
		return nil, fmt.Errorf("openai: %w", ErrProviderNotConfigured)
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
		Stream:   true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(messages))

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return &openaiStream{stream: stream, logger: c.logger}, nil
}

// Ping lists models to verify the key and endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if !c.configured {
		return fmt.Errorf("openai: %w", ErrProviderNotConfigured)
	}
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

type openaiStream struct {
	stream *openai.ChatCompletionStream
	logger *slog.Logger
}

func (s *openaiStream) Recv() (Chunk, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		if err != nil {
			return Chunk{}, fmt.Errorf("stream error: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if content := resp.Choices[0].Delta.Content; content != "" {
			return Chunk{Content: content, Model: resp.Model}, nil
		}
	}
}

func (s *openaiStream) Close() error {
	s.stream.Close()
	return nil
}
