package llm

import (
	"context"
	"errors"
	"fmt"
)

// MultiClient routes requests to the appropriate provider based on model name.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback string            // provider for unmapped models
}

// NewMultiClient creates a client that routes to multiple providers.
// Models that were never mapped with AddModel go to fallback.
func NewMultiClient(fallback string) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a model name to a provider.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// clientFor returns the client serving model, or ErrProviderNotConfigured
// when its provider was never registered.
func (m *MultiClient) clientFor(model string) (Client, error) {
	provider, ok := m.models[model]
	if !ok {
		provider = m.fallback
	}
	client, ok := m.clients[provider]
	if !ok {
		return nil, fmt.Errorf("model %q (provider %q): %w", model, provider, ErrProviderNotConfigured)
	}
	return client, nil
}

// ChatStream opens a stream on the appropriate provider.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message) (Stream, error) {
	client, err := m.clientFor(model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, model, messages)
}

// Ping checks every registered provider and joins their errors.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.clients) == 0 {
		return fmt.Errorf("no providers: %w", ErrProviderNotConfigured)
	}
	var errs []error
	for name, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
