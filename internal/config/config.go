// Package config handles Huddle configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit -config flag is given.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "huddle", "config.yaml"))
	}

	paths = append(paths, "/etc/huddle/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Huddle configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	Models    ModelsConfig    `yaml:"models"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
	Assistant AssistantConfig `yaml:"assistant"`
	Identity  IdentityConfig  `yaml:"identity"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelsConfig lists the models the assistant may use and which
// provider serves each one.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to its provider (openai, anthropic, ollama).
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"`
}

// OpenAIConfig defines OpenAI (or OpenAI-compatible) API settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether an API key is present.
func (c OpenAIConfig) Configured() bool { return c.APIKey != "" }

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether an API key is present.
func (c AnthropicConfig) Configured() bool { return c.APIKey != "" }

// OllamaConfig points at a local Ollama server.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether an Ollama URL is set.
func (c OllamaConfig) Configured() bool { return c.URL != "" }

// AssistantConfig tunes the shared assistant participant.
type AssistantConfig struct {
	// Name is the display name persisted on assistant replies.
	Name string `yaml:"name"`
	// BackgroundWindow is how many recent messages from other threads
	// are summarized into the system prompt. Zero disables it.
	BackgroundWindow *int `yaml:"background_window"`
	// ReplyTimeout bounds a provider request. The request is detached
	// from the client connection, so this is its only deadline.
	ReplyTimeout time.Duration `yaml:"reply_timeout"`
	// PersistRetries is how many extra attempts are made to store a
	// finished reply before giving up.
	PersistRetries int `yaml:"persist_retries"`
}

// Window returns the effective background window size.
func (c AssistantConfig) Window() int {
	if c.BackgroundWindow == nil {
		return DefaultBackgroundWindow
	}
	return *c.BackgroundWindow
}

// IdentityConfig controls how callers are authenticated.
type IdentityConfig struct {
	// SigningKeys, when non-empty, require every request to carry an
	// X-User-Signature header (hex HMAC-SHA256 of the user id).
	SigningKeys []string `yaml:"signing_keys"`
}

// RateLimitConfig limits assistant requests per user.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// MQTTConfig enables the optional MQTT realtime bridge.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// Defaults applied by [Load] when a field is left empty.
const (
	DefaultPort             = 8080
	DefaultDataDir          = "./db"
	DefaultModel            = "gpt-4o-mini"
	DefaultAssistantName    = "Huddle"
	DefaultBackgroundWindow = 30
	MaxBackgroundWindow     = 200
	DefaultReplyTimeout     = 5 * time.Minute
	DefaultPersistRetries   = 3
	DefaultTopicPrefix      = "huddle"
)

// Load reads configuration from a YAML file. Environment variables
// referenced as ${VAR} are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Models.Default == "" {
		c.Models.Default = DefaultModel
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "openai"
		}
	}
	if c.Assistant.Name == "" {
		c.Assistant.Name = DefaultAssistantName
	}
	if c.Assistant.ReplyTimeout <= 0 {
		c.Assistant.ReplyTimeout = DefaultReplyTimeout
	}
	if c.Assistant.PersistRetries <= 0 {
		c.Assistant.PersistRetries = DefaultPersistRetries
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = 1
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "huddle"
	}
}

// DefaultProvider returns the provider serving the default model.
// Models not listed under models.available are served by openai.
func (c *Config) DefaultProvider() string {
	return c.ProviderFor(c.Models.Default)
}

// ProviderFor returns the configured provider for model.
func (c *Config) ProviderFor(model string) string {
	for _, m := range c.Models.Available {
		if m.Name == model {
			return m.Provider
		}
	}
	return "openai"
}

// Validate checks the configuration for values that would only fail
// later at request time.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if w := c.Assistant.Window(); w < 0 || w > MaxBackgroundWindow {
		return fmt.Errorf("assistant.background_window %d out of range (0..%d)", w, MaxBackgroundWindow)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.enabled requires mqtt.broker")
	}
	for _, m := range c.Models.Available {
		switch m.Provider {
		case "openai", "anthropic", "ollama":
		default:
			return fmt.Errorf("model %q: unknown provider %q", m.Name, m.Provider)
		}
	}
	return nil
}
