package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/duskpetrel/duskpetrel/internal/config"
	"github.com/duskpetrel/duskpetrel/internal/schema"
)

// Embedder calls an OpenAI-compatible /embeddings endpoint.
type Embedder struct {
	provider *Provider
	model    string
	dims     int
}

// NewEmbedder constructs an embedder from a profile. Anthropic has no
// embeddings endpoint, so the profile must use the openai dialect.
func NewEmbedder(profile *config.ProviderProfile) (*Embedder, error) {
	if profile.API == "anthropic" {
		return nil, fmt.Errorf("embedding profile %q must use an openai-compatible endpoint", profile.Model)
	}
	return &Embedder{
		provider: New(profile),
		model:    profile.Model,
		dims:     profile.EmbedDimensions,
	}, nil
}

// Embed implements schema.Embedder. One vector is returned per input text,
// in input order.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body := map[string]any{
		"model": e.model,
		"input": texts,
	}
	if e.dims > 0 {
		body["dimensions"] = e.dims
	}

	raw, err := e.provider.do(ctx, e.provider.apiBase+"/embeddings", body, map[string]string{
		"Authorization": "Bearer " + e.provider.apiKey,
	})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("parse embeddings response: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, schema.NewProviderError(schema.ErrTransient, http.StatusOK,
			fmt.Sprintf("embeddings count mismatch: got %d for %d inputs", len(resp.Data), len(texts)))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, schema.NewProviderError(schema.ErrTransient, http.StatusOK,
				fmt.Sprintf("embeddings index %d out of range", d.Index))
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
