package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteConfig points at an HTTP retrieval service.
type RemoteConfig struct {
	Endpoint string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RemoteRetriever talks to a retrieval service over JSON:
//
//	POST {endpoint}/retrieve  {"actor_id","query","limit"} -> {"items":[...]}
//	POST {endpoint}/remember  {"actor_id","content"}
//	GET  {endpoint}/health
type RemoteRetriever struct {
	cfg    RemoteConfig
	client *http.Client
}

// NewRemoteRetriever creates a client. Timeout defaults to 5s.
func NewRemoteRetriever(cfg RemoteConfig) *RemoteRetriever {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	return &RemoteRetriever{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

type retrieveRequest struct {
	ActorID string `json:"actor_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

type retrieveResponse struct {
	Items []Item `json:"items"`
}

type rememberRequest struct {
	ActorID string `json:"actor_id"`
	Content string `json:"content"`
}

// Retrieve implements Retriever.
func (r *RemoteRetriever) Retrieve(ctx context.Context, actorID, query string, limit int) ([]Item, error) {
	var out retrieveResponse
	if err := r.call(ctx, http.MethodPost, "/retrieve", retrieveRequest{ActorID: actorID, Query: query, Limit: limit}, &out); err != nil {
		return nil, err
	}
	if len(out.Items) > limit {
		out.Items = out.Items[:limit]
	}
	return out.Items, nil
}

// Remember implements Writer.
func (r *RemoteRetriever) Remember(ctx context.Context, actorID, content string) error {
	return r.call(ctx, http.MethodPost, "/remember", rememberRequest{ActorID: actorID, Content: content}, nil)
}

// Health implements Retriever.
func (r *RemoteRetriever) Health(ctx context.Context) error {
	return r.call(ctx, http.MethodGet, "/health", nil, nil)
}

func (r *RemoteRetriever) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.Endpoint+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("memory service %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("memory service %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
