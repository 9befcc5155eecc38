package kb

import (
	"context"
	"fmt"
	"testing"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/db/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	vectors    map[string][]float32
	docCalls   [][]string
	queryCalls int
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.docCalls = append(f.docCalls, texts)
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, ok := f.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no vector configured for %q", text)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.queryCalls++
	v, ok := f.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no vector configured for %q", text)
	}
	return v, nil
}

func (f *fakeEmbedder) Model() string { return "fake-embedding-001" }

func (f *fakeEmbedder) Dimensions() int { return 3 }

func newTestStore(t *testing.T) (*Store, *fakeEmbedder, db.Repository) {
	t.Helper()

	repo, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	fake := &fakeEmbedder{vectors: map[string][]float32{}}
	return NewStore(repo, fake), fake, repo
}

func TestStoreAdd(t *testing.T) {
	store, fake, repo := newTestStore(t)
	ctx := context.Background()

	fake.vectors["users can checkout"] = []float32{1, 0, 0}
	fake.vectors["promo codes apply at checkout"] = []float32{0.9, 0.1, 0}

	added, err := store.Add(ctx, []Entry{
		{Content: "users can checkout", Source: "reqs.txt", ChunkType: "text", ChunkIndex: 0},
		{
			Content:    "promo codes apply at checkout",
			Source:     "reqs.txt",
			ChunkType:  "text",
			ChunkIndex: 1,
			Metadata:   map[string]string{"total_chunks": "2"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	count, err := repo.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestStoreAddEmpty(t *testing.T) {
	store, fake, _ := newTestStore(t)

	added, err := store.Add(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.Empty(t, fake.docCalls, "no embedding call for an empty batch")
}

func TestStoreSearch(t *testing.T) {
	store, fake, _ := newTestStore(t)
	ctx := context.Background()

	fake.vectors["checkout flow"] = []float32{1, 0, 0}
	fake.vectors["shipping policy"] = []float32{0, 1, 0}
	fake.vectors["promo discounts"] = []float32{0.9, 0.1, 0}
	fake.vectors["how do users check out"] = []float32{1, 0, 0}

	_, err := store.Add(ctx, []Entry{
		{Content: "checkout flow", Source: "a.txt", ChunkType: "text"},
		{Content: "shipping policy", Source: "b.txt", ChunkType: "text"},
		{Content: "promo discounts", Source: "a.txt", ChunkType: "text"},
	})
	require.NoError(t, err)

	results, err := store.Search(ctx, "how do users check out", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "checkout flow", results[0].Content)
	assert.InDelta(t, 1.0, results[0].Similarity, 1e-9)
	assert.Equal(t, "promo discounts", results[1].Content)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestStoreSearchEmptyKB(t *testing.T) {
	store, fake, _ := newTestStore(t)
	fake.vectors["anything"] = []float32{1, 0, 0}

	results, err := store.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestStoreSearchMetadataRoundTrip(t *testing.T) {
	store, fake, _ := newTestStore(t)
	ctx := context.Background()

	fake.vectors["Element Type: button | ID: apply-promo"] = []float32{1, 0, 0}
	fake.vectors["promo button"] = []float32{1, 0, 0}

	_, err := store.Add(ctx, []Entry{{
		Content:   "Element Type: button | ID: apply-promo",
		Source:    "checkout.html",
		ChunkType: "html_selector",
		Metadata: map[string]string{
			"element_type": "button",
			"css_selector": "#apply-promo",
			"xpath":        "//*[@id='apply-promo']",
		},
	}})
	require.NoError(t, err)

	results, err := store.Search(ctx, "promo button", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "html_selector", results[0].ChunkType)
	assert.Equal(t, "#apply-promo", results[0].Metadata["css_selector"])
}

func TestStoreReplace(t *testing.T) {
	store, fake, repo := newTestStore(t)
	ctx := context.Background()

	fake.vectors["old a1"] = []float32{1, 0, 0}
	fake.vectors["old a2"] = []float32{1, 0, 0}
	fake.vectors["keep b"] = []float32{0, 1, 0}
	fake.vectors["new a"] = []float32{0, 0, 1}

	_, err := store.Add(ctx, []Entry{
		{Content: "old a1", Source: "a.txt", ChunkType: "text"},
		{Content: "old a2", Source: "a.txt", ChunkType: "text"},
		{Content: "keep b", Source: "b.txt", ChunkType: "text"},
	})
	require.NoError(t, err)

	replaced, err := store.Replace(ctx, "a.txt", []Entry{
		{Content: "new a", Source: "a.txt", ChunkType: "text"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, replaced)

	count, err := repo.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "old a.txt chunks replaced, b.txt untouched")

	sources, err := store.Sources(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.txt", "b.txt"}, sources)
}

func TestStoreClear(t *testing.T) {
	store, fake, repo := newTestStore(t)
	ctx := context.Background()

	fake.vectors["c"] = []float32{1, 0, 0}
	_, err := store.Add(ctx, []Entry{{Content: "c", Source: "a.txt", ChunkType: "text"}})
	require.NoError(t, err)

	deleted, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err := repo.CountChunks(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStoreStats(t *testing.T) {
	store, fake, _ := newTestStore(t)
	ctx := context.Background()

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalChunks)
	assert.NotNil(t, stats.Sources)
	assert.Empty(t, stats.Sources)

	fake.vectors["t1"] = []float32{1, 0, 0}
	fake.vectors["t2"] = []float32{1, 0, 0}
	fake.vectors["s1"] = []float32{0, 1, 0}
	_, err = store.Add(ctx, []Entry{
		{Content: "t1", Source: "reqs.txt", ChunkType: "text"},
		{Content: "t2", Source: "reqs.txt", ChunkType: "text"},
		{Content: "s1", Source: "checkout.html", ChunkType: "html_selector"},
	})
	require.NoError(t, err)

	stats, err = store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalChunks)
	assert.Equal(t, []string{"checkout.html", "reqs.txt"}, stats.Sources)
	assert.Equal(t, int64(2), stats.ChunksByType["text"])
	assert.Equal(t, int64(1), stats.ChunksByType["html_selector"])
}
