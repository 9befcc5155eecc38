// Package kb is the embedded knowledge base: it stores chunk vectors through
// the repository and answers cosine-similarity queries over them.
package kb

import (
	"context"
	"encoding/json"
)

// DefaultTopK is how many chunks a search returns when the caller does not say.
const DefaultTopK = 10

// Embedder turns text into dense vectors. Document and query embeddings are
// separate calls because embedding APIs optimize them differently.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// EncodeVector serializes a vector for storage.
func EncodeVector(v []float32) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeVector deserializes a stored vector.
func DecodeVector(data []byte) ([]float32, error) {
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
