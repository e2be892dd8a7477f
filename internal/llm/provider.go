// Package llm provides the language model provider clients the router
// falls back across. Supports OpenAI-compatible endpoints, Anthropic and
// Ollama (local).
package llm

import (
	"context"
	"io"
	"net/http"
	"time"
)

// MaxErrorBodySize limits how much of an error response body is read (1MB).
const MaxErrorBodySize = 1 * 1024 * 1024

func readLimitedBody(r io.Reader, maxBytes int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, maxBytes))
}

// Provider defines the interface for LLM providers.
type Provider interface {
	// Chat sends a message and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured and reachable.
	Available() bool
}

// Pinger is implemented by providers that can check reachability under a
// caller's deadline.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Messages     []Message `json:"messages"`
	MaxTokens    int       `json:"max_tokens,omitempty"`
	Temperature  float64   `json:"temperature,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// ChatResponse contains the model's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	TokensUsed       int           `json:"tokens_used,omitempty"`
	PromptTokens     int           `json:"prompt_tokens,omitempty"`
	CompletionTokens int           `json:"completion_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// Provider kinds understood by New.
const (
	KindOllama     = "ollama"
	KindOpenAI     = "openai"
	KindAnthropic  = "anthropic"
	KindGroq       = "groq"
	KindGrok       = "grok"
	KindOpenRouter = "openrouter"
)

// ProviderConfig contains configuration for one provider.
type ProviderConfig struct {
	// Name identifies this provider in the router order and in logs.
	Name string `mapstructure:"name" yaml:"name"`

	// Kind selects the wire protocol (ollama, openai, anthropic, groq, grok, openrouter).
	Kind string `mapstructure:"kind" yaml:"kind"`

	// Endpoint is the API base URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// APIKey for authentication. Falls back to the kind's usual env var.
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`

	// Model is the default model to use.
	Model string `mapstructure:"model" yaml:"model"`

	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`

	// Timeout caps a single HTTP call.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// Local marks providers that stay usable in offline mode.
	Local bool `mapstructure:"local" yaml:"local"`
}

// DefaultConfig returns sensible defaults for a provider kind.
func DefaultConfig(kind string) ProviderConfig {
	switch kind {
	case KindOllama:
		return ProviderConfig{
			Name: "ollama", Kind: kind, Endpoint: "http://127.0.0.1:11434", Model: "llama3",
			MaxTokens: 4096, Temperature: 0.7, Timeout: 2 * time.Minute, Local: true,
		}
	case KindOpenAI:
		return ProviderConfig{
			Name: "openai", Kind: kind, Endpoint: "https://api.openai.com/v1", Model: "gpt-4o-mini",
			MaxTokens: 4096, Temperature: 0.7, Timeout: 2 * time.Minute,
		}
	case KindAnthropic:
		return ProviderConfig{
			Name: "anthropic", Kind: kind, Endpoint: "https://api.anthropic.com", Model: "claude-3-5-sonnet-20241022",
			MaxTokens: 4096, Temperature: 0.7, Timeout: 2 * time.Minute,
		}
	case KindGroq:
		return ProviderConfig{
			Name: "groq", Kind: kind, Endpoint: "https://api.groq.com/openai/v1", Model: "llama-3.3-70b-versatile",
			MaxTokens: 2048, Temperature: 0.7, Timeout: 30 * time.Second,
		}
	case KindGrok:
		return ProviderConfig{
			Name: "grok", Kind: kind, Endpoint: "https://api.x.ai/v1", Model: "grok-3-fast",
			MaxTokens: 4096, Temperature: 0.7, Timeout: 2 * time.Minute,
		}
	case KindOpenRouter:
		return ProviderConfig{
			Name: "openrouter", Kind: kind, Endpoint: "https://openrouter.ai/api/v1", Model: "openai/gpt-4o-mini",
			MaxTokens: 4096, Temperature: 0.7, Timeout: 2 * time.Minute,
		}
	default:
		return ProviderConfig{Name: kind, Kind: kind, MaxTokens: 4096, Temperature: 0.7, Timeout: 2 * time.Minute}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// BASE PROVIDER (shared by the HTTP providers)
// ═══════════════════════════════════════════════════════════════════════════════

type baseProvider struct {
	config ProviderConfig
	client *http.Client
}

func newBaseProvider(cfg ProviderConfig) baseProvider {
	defaults := DefaultConfig(cfg.Kind)
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaults.Endpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaults.Temperature
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	return baseProvider{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Name returns the provider identifier.
func (b *baseProvider) Name() string {
	return b.config.Name
}

// Available checks if the API key is configured.
func (b *baseProvider) Available() bool {
	return b.config.APIKey != ""
}

// Config returns the effective configuration.
func (b *baseProvider) Config() ProviderConfig {
	return b.config
}

func (b *baseProvider) model(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return b.config.Model
}

func (b *baseProvider) maxTokens(req *ChatRequest) int {
	if req.MaxTokens != 0 {
		return req.MaxTokens
	}
	return b.config.MaxTokens
}

func (b *baseProvider) temperature(req *ChatRequest) float64 {
	if req.Temperature != 0 {
		return req.Temperature
	}
	return b.config.Temperature
}

// do executes an HTTP request and turns non-2xx responses and transport
// failures into classified *ProviderError values.
func (b *baseProvider) do(httpReq *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, transportError(b.config.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		resp.Body.Close()
		return nil, statusError(b.config.Name, resp.StatusCode, string(bodyBytes))
	}
	return resp, nil
}
