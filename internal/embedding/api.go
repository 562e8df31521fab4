package embedding

import (
	"context"
	"fmt"

	"github.com/nidhogg/memorybank/internal/errs"
)

// maxAPIBatch caps inputs per request; chunk indexing can send many texts.
const maxAPIBatch = 64

// APIProvider embeds through an OpenAI-compatible /embeddings endpoint.
type APIProvider struct {
	endpoint  string
	model     string
	apiKey    string
	dimension int
}

func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		dimension: cfg.Dimension,
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiEmbeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type apiResponse struct {
	Data []apiEmbeddingData `json:"data"`
}

// Embed returns one vector per text, in input order. Inputs are sent in
// batches of at most maxAPIBatch.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxAPIBatch {
		end := min(start+maxAPIBatch, len(texts))
		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	if err := checkDimension(out, p.dimension); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *APIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp apiResponse
	if err := postJSON(ctx, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs: %w", len(resp.Data), len(texts), errs.ErrInternal)
	}
	// Servers may return data out of order; index is authoritative.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) || vecs[d.Index] != nil {
			return nil, fmt.Errorf("embedding: bad response index %d: %w", d.Index, errs.ErrInternal)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// Dimension is the configured vector size.
func (p *APIProvider) Dimension() int { return p.dimension }
