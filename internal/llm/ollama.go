package llm

import (
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

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client. An empty baseURL means
// the default local endpoint.
func NewOllamaClient(baseURL string, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(httpkit.WithTimeout(0)),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type ollamaChunk struct {
	Model   string  `json:"model"`
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// ChatStream opens a streaming /api/chat request. Ollama takes system
// messages inline, so the turns are passed through unchanged.
func (c *OllamaClient) ChatStream(ctx context.Context, model string, messages []Message) (Stream, error) {
	jsonData, err := json.Marshal(ollamaRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Debug("preparing request", "model", model, "messages", len(messages))
	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, errBody)
	}

	return &ollamaStream{
		body:    resp.Body,
		decoder: json.NewDecoder(resp.Body),
		logger:  c.logger,
	}, nil
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama returned %d", resp.StatusCode)
	}
	return nil
}

// ollamaStream decodes newline-delimited JSON chunks.
type ollamaStream struct {
	body    io.ReadCloser
	decoder *json.Decoder
	done    bool
	logger  *slog.Logger
}

func (s *ollamaStream) Recv() (Chunk, error) {
	for !s.done {
		var chunk ollamaChunk
		if err := s.decoder.Decode(&chunk); err != nil {
			s.done = true
			if err == io.EOF {
				return Chunk{}, fmt.Errorf("ollama stream ended before done: %w", io.ErrUnexpectedEOF)
			}
			return Chunk{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			s.done = true
			return Chunk{}, fmt.Errorf("ollama stream error: %s", chunk.Error)
		}
		if chunk.Done {
			s.done = true
			s.logger.Debug("stream complete",
				"model", chunk.Model,
				"input_tokens", chunk.PromptEvalCount,
				"output_tokens", chunk.EvalCount,
			)
			return Chunk{
				Content:      chunk.Message.Content,
				Model:        chunk.Model,
				InputTokens:  chunk.PromptEvalCount,
				OutputTokens: chunk.EvalCount,
			}, nil
		}
		if chunk.Message.Content != "" {
			return Chunk{Content: chunk.Message.Content, Model: chunk.Model}, nil
		}
	}
	return Chunk{}, io.EOF
}

func (s *ollamaStream) Close() error {
	s.done = true
	httpkit.DrainAndClose(s.body, 0)
	return nil
}
