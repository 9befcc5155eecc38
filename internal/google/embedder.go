package google

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const (
	DefaultEmbeddingModel = "gemini-embedding-001"

	// EmbeddingDimensions is requested explicitly; the model's native width
	// is larger but 768 keeps stored vectors small with near-identical recall.
	EmbeddingDimensions = 768

	// The API rejects batches past this size; larger inputs are split.
	maxEmbedBatch = 100

	taskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	taskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// Embedder generates text embeddings with the Gemini embedding API.
type Embedder struct {
	client *genai.Client
	model  string
}

func NewEmbedder(ctx context.Context, apiKey, model string) (*Embedder, error) {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}

	return &Embedder{client: client, model: model}, nil
}

func (e *Embedder) Model() string {
	return e.model
}

func (e *Embedder) Dimensions() int {
	return EmbeddingDimensions
}

// EmbedDocuments embeds KB content for indexing.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return e.embed(ctx, texts, taskRetrievalDocument)
}

// EmbedQuery embeds a search query. Queries and documents use different
// task types so the model places them in the same space asymmetrically.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text}, taskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *Embedder) embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbedBatch {
		end := min(start+maxEmbedBatch, len(texts))

		contents := make([]*genai.Content, 0, end-start)
		for _, t := range texts[start:end] {
			contents = append(contents, genai.NewContentFromText(t, genai.RoleUser))
		}

		result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
			TaskType:             taskType,
			OutputDimensionality: genai.Ptr(int32(EmbeddingDimensions)),
		})
		if err != nil {
			return nil, fmt.Errorf("google embedding call failed: %w", err)
		}
		if len(result.Embeddings) != end-start {
			return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", end-start, len(result.Embeddings))
		}

		for _, emb := range result.Embeddings {
			out = append(out, emb.Values)
		}
	}

	return out, nil
}
