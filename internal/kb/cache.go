package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/metrics"
)

// CachedEmbedder wraps an Embedder with a persistent content-hash cache so
// rebuilding the knowledge base only pays for chunks that actually changed.
type CachedEmbedder struct {
	inner Embedder
	repo  db.Repository
}

func NewCachedEmbedder(inner Embedder, repo db.Repository) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, repo: repo}
}

func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missing []int

	for i, text := range texts {
		cached, err := c.repo.GetCachedEmbedding(ctx, db.GetCachedEmbeddingParams{
			ContentHash: hashContent(text),
			Model:       c.inner.Model(),
		})
		if err == nil {
			v, err := DecodeVector(cached)
			if err != nil {
				return nil, fmt.Errorf("decoding cached embedding: %w", err)
			}
			vectors[i] = v
			metrics.EmbeddingRequestsTotal.WithLabelValues("hit").Inc()
			continue
		}
		if !db.IsNoRows(err) {
			return nil, fmt.Errorf("embedding cache lookup failed: %w", err)
		}
		metrics.EmbeddingRequestsTotal.WithLabelValues("miss").Inc()
		missing = append(missing, i)
	}

	if len(missing) == 0 {
		return vectors, nil
	}

	missingTexts := make([]string, len(missing))
	for j, i := range missing {
		missingTexts[j] = texts[i]
	}

	fresh, err := c.inner.EmbedDocuments(ctx, missingTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(fresh), len(missing))
	}

	for j, i := range missing {
		vectors[i] = fresh[j]

		encoded, err := EncodeVector(fresh[j])
		if err != nil {
			return nil, fmt.Errorf("encoding embedding: %w", err)
		}
		if err := c.repo.PutCachedEmbedding(ctx, db.PutCachedEmbeddingParams{
			ContentHash: hashContent(texts[i]),
			Model:       c.inner.Model(),
			Embedding:   encoded,
		}); err != nil {
			return nil, fmt.Errorf("failed to cache embedding: %w", err)
		}
	}

	return vectors, nil
}

// EmbedQuery bypasses the cache: query vectors use a different task type than
// document vectors, so shared cache entries would skew retrieval.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return c.inner.EmbedQuery(ctx, text)
}

func (c *CachedEmbedder) Model() string { return c.inner.Model() }

func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
