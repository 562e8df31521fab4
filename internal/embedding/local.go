package embedding

import (
	"context"
	"fmt"

	"github.com/nidhogg/memorybank/internal/errs"
)

// LocalProvider embeds through an Ollama server's /api/embed endpoint,
// which accepts a batch of inputs in one call.
type LocalProvider struct {
	endpoint  string
	model     string
	dimension int
}

func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		dimension: cfg.Dimension,
	}
}

type localRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp localResponse
	if err := postJSON(ctx, p.endpoint+"/api/embed", "", localRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs: %w", len(resp.Embeddings), len(texts), errs.ErrInternal)
	}
	if err := checkDimension(resp.Embeddings, p.dimension); err != nil {
		return nil, err
	}
	return resp.Embeddings, nil
}

func (p *LocalProvider) Dimension() int { return p.dimension }
