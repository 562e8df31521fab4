// Package embedding turns query text into vectors for callers that send
// text instead of a precomputed embedding.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nidhogg/memorybank/internal/config"
	"github.com/nidhogg/memorybank/internal/errs"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// FromConfig builds the configured provider. It returns nil when no
// provider is configured.
func FromConfig(c config.EmbeddingConfig) (Provider, error) {
	cfg := Config{
		Provider:  c.Provider,
		Endpoint:  c.Endpoint,
		Model:     c.Model,
		APIKey:    c.APIKey,
		Dimension: c.Dimension,
	}
	switch cfg.Provider {
	case "":
		return nil, nil
	case "api", "openai":
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	}
	return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, p Provider, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedding: got %d vectors for 1 input: %w", len(vecs), errs.ErrInternal)
	}
	return vecs[0], nil
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// do sends req and classifies transport and status failures. Rate limits
// and server errors are reported as unavailable so callers may retry.
func do(req *http.Request) (*http.Response, error) {
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errs.Classify("embedding: send request", err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	kind := errs.ErrInternal
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		kind = errs.ErrUnavailable
	}
	return nil, fmt.Errorf("embedding: API returned status %d: %s: %w", resp.StatusCode, string(body), kind)
}

// postJSON posts in as JSON and decodes the response into out.
func postJSON(ctx context.Context, url, apiKey string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

// checkDimension rejects empty vectors and, when want is set, vectors of
// any other length. A mismatch means the model does not fit the index.
func checkDimension(vecs [][]float32, want int) error {
	for i, v := range vecs {
		if len(v) == 0 || (want > 0 && len(v) != want) {
			return fmt.Errorf("embedding: vector %d has dimension %d, want %d: %w", i, len(v), want, errs.ErrInternal)
		}
	}
	return nil
}
