package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OllamaProvider implements the Provider interface for a local Ollama runtime.
type OllamaProvider struct {
	baseProvider
	pingTimeout time.Duration
}

// NewOllamaProvider creates a new Ollama provider. Ollama needs no API key.
func NewOllamaProvider(cfg ProviderConfig) *OllamaProvider {
	cfg.Kind = KindOllama
	return &OllamaProvider{
		baseProvider: newBaseProvider(cfg),
		pingTimeout:  2 * time.Second,
	}
}

// Available checks if Ollama is running and has at least one model.
func (p *OllamaProvider) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.pingTimeout)
	defer cancel()
	return p.Ping(ctx) == nil
}

// Ping lists the installed models and fails if there are none.
func (p *OllamaProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return Permanent(p.config.Name, err)
	}
	resp, err := p.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var tags ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return &ProviderError{Provider: p.config.Name, Transient: true, Err: fmt.Errorf("decode tags: %w", err)}
	}
	if len(tags.Models) == 0 {
		return &ProviderError{Provider: p.config.Name, Msg: "no models installed"}
	}
	return nil
}

// Chat sends a non-streaming chat request to Ollama.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	ollamaReq := ollamaChatRequest{
		Model:  p.model(req),
		Stream: false,
		Options: ollamaOptions{
			Temperature: p.temperature(req),
			NumPredict:  p.maxTokens(req),
		},
	}
	if req.SystemPrompt != "" {
		ollamaReq.Messages = append(ollamaReq.Messages, Message{Role: "system", Content: req.SystemPrompt})
	}
	ollamaReq.Messages = append(ollamaReq.Messages, req.Messages...)

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, Permanent(p.config.Name, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(p.config.Name, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var ollamaResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&ollamaResp); err != nil {
		return nil, &ProviderError{Provider: p.config.Name, Transient: true, Err: fmt.Errorf("decode response: %w", err)}
	}

	return &ChatResponse{
		Content:          ollamaResp.Message.Content,
		Model:            ollamaResp.Model,
		Provider:         p.config.Name,
		PromptTokens:     ollamaResp.PromptEvalCount,
		CompletionTokens: ollamaResp.EvalCount,
		TokensUsed:       ollamaResp.PromptEvalCount + ollamaResp.EvalCount,
		Duration:         time.Since(start),
		FinishReason:     ollamaResp.DoneReason,
	}, nil
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string  `json:"model"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	DoneReason      string  `json:"done_reason"`
	PromptEvalCount int     `json:"prompt_eval_count"`
	EvalCount       int     `json:"eval_count"`
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}
