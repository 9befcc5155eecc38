package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/samber/lo"
)

// Store persists embedded chunks and answers similarity queries over them.
type Store struct {
	repo     db.Repository
	embedder Embedder
}

func NewStore(repo db.Repository, embedder Embedder) *Store {
	return &Store{repo: repo, embedder: embedder}
}

// Entry is one chunk to embed and store.
type Entry struct {
	Content    string
	Source     string
	ChunkType  string
	ChunkIndex int32
	Metadata   map[string]string
}

// SearchResult is one retrieved chunk with its query similarity.
type SearchResult struct {
	ID         int64
	Content    string
	Source     string
	ChunkType  string
	Metadata   map[string]string
	Similarity float64
}

// Stats summarizes knowledge base contents.
type Stats struct {
	TotalChunks  int64
	Sources      []string
	ChunksByType map[string]int64
}

// Add embeds the entries and appends them to the knowledge base in one
// transaction.
func (s *Store) Add(ctx context.Context, entries []Entry) (int, error) {
	vectors, err := s.embed(ctx, entries)
	if err != nil {
		return 0, err
	}

	err = s.repo.WithTx(ctx, func(repo db.Repository) error {
		return insertEntries(ctx, repo, entries, vectors)
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Replace swaps out every chunk from source for the given entries, atomically,
// so a rebuilt document never coexists with its stale chunks.
func (s *Store) Replace(ctx context.Context, source string, entries []Entry) (int, error) {
	// Embed outside the transaction; the API round-trips are slow.
	vectors, err := s.embed(ctx, entries)
	if err != nil {
		return 0, err
	}

	err = s.repo.WithTx(ctx, func(repo db.Repository) error {
		if _, err := repo.DeleteChunksBySource(ctx, source); err != nil {
			return fmt.Errorf("removing stale chunks for %s: %w", source, err)
		}
		return insertEntries(ctx, repo, entries, vectors)
	})
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Store) embed(ctx context.Context, entries []Entry) ([][]float32, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	texts := lo.Map(entries, func(e Entry, _ int) string { return e.Content })
	vectors, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding %d chunks: %w", len(entries), err)
	}
	if len(vectors) != len(entries) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(entries))
	}
	return vectors, nil
}

func insertEntries(ctx context.Context, repo db.Repository, entries []Entry, vectors [][]float32) error {
	for i, entry := range entries {
		embedding, err := EncodeVector(vectors[i])
		if err != nil {
			return fmt.Errorf("encoding embedding: %w", err)
		}

		var metadata []byte
		if len(entry.Metadata) > 0 {
			metadata, err = json.Marshal(entry.Metadata)
			if err != nil {
				return fmt.Errorf("encoding chunk metadata: %w", err)
			}
		}

		if _, err := repo.CreateChunk(ctx, db.CreateChunkParams{
			ChunkIndex: entry.ChunkIndex,
			Content:    entry.Content,
			Source:     entry.Source,
			ChunkType:  entry.ChunkType,
			Metadata:   metadata,
			Embedding:  embedding,
		}); err != nil {
			return fmt.Errorf("storing chunk %d from %s: %w", entry.ChunkIndex, entry.Source, err)
		}
	}
	return nil
}

// Search embeds the query and returns the topK most similar chunks, best
// first. The scan is linear over all stored vectors, which is fine at this
// scale (a handful of documents, hundreds of chunks).
func (s *Store) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	queryVec, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	stored, err := s.repo.ListChunkEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	if len(stored) == 0 {
		return []SearchResult{}, nil
	}

	type scored struct {
		id         int64
		similarity float64
	}
	ranked := make([]scored, 0, len(stored))
	for _, row := range stored {
		vec, err := DecodeVector(row.Embedding)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for chunk %d: %w", row.ID, err)
		}
		// Rows embedded under a different model cannot be ranked.
		if len(vec) != len(queryVec) {
			continue
		}
		ranked = append(ranked, scored{row.ID, CosineSimilarity(queryVec, vec)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].similarity > ranked[j].similarity })
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}

	ids := lo.Map(ranked, func(r scored, _ int) int64 { return r.id })
	chunks, err := s.repo.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]db.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	results := make([]SearchResult, 0, len(ranked))
	for _, r := range ranked {
		chunk, ok := byID[r.id]
		if !ok {
			continue
		}

		var metadata map[string]string
		if len(chunk.Metadata) > 0 {
			if err := json.Unmarshal(chunk.Metadata, &metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata for chunk %d: %w", chunk.ID, err)
			}
		}

		results = append(results, SearchResult{
			ID:         chunk.ID,
			Content:    chunk.Content,
			Source:     chunk.Source,
			ChunkType:  chunk.ChunkType,
			Metadata:   metadata,
			Similarity: r.similarity,
		})
	}
	return results, nil
}

// Clear drops every chunk.
func (s *Store) Clear(ctx context.Context) (int64, error) {
	return s.repo.DeleteAllChunks(ctx)
}

// Sources lists the distinct source filenames currently in the KB.
func (s *Store) Sources(ctx context.Context) ([]string, error) {
	return s.repo.ListChunkSources(ctx)
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	total, err := s.repo.CountChunks(ctx)
	if err != nil {
		return Stats{}, err
	}

	sources, err := s.repo.ListChunkSources(ctx)
	if err != nil {
		return Stats{}, err
	}
	if sources == nil {
		sources = []string{}
	}

	typeCounts, err := s.repo.CountChunksByType(ctx)
	if err != nil {
		return Stats{}, err
	}
	byType := make(map[string]int64, len(typeCounts))
	for _, tc := range typeCounts {
		byType[tc.ChunkType] = tc.Count
	}

	return Stats{
		TotalChunks:  total,
		Sources:      sources,
		ChunksByType: byType,
	}, nil
}
