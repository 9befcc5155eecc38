package kb

import (
	"context"
	"testing"

	"github.com/jusunglee/qaforge/internal/db/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCachedEmbedder(t *testing.T) (*CachedEmbedder, *fakeEmbedder) {
	t.Helper()

	repo, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	fake := &fakeEmbedder{vectors: map[string][]float32{}}
	return NewCachedEmbedder(fake, repo), fake
}

func TestCachedEmbedderMissThenHit(t *testing.T) {
	cached, fake := newTestCachedEmbedder(t)
	ctx := context.Background()

	fake.vectors["checkout flow"] = []float32{1, 0, 0}

	first, err := cached.EmbedDocuments(ctx, []string{"checkout flow"})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, []float32{1, 0, 0}, first[0])
	require.Len(t, fake.docCalls, 1)

	second, err := cached.EmbedDocuments(ctx, []string{"checkout flow"})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, []float32{1, 0, 0}, second[0])
	assert.Len(t, fake.docCalls, 1, "cache hit must not reach the underlying embedder")
}

func TestCachedEmbedderMixedBatch(t *testing.T) {
	cached, fake := newTestCachedEmbedder(t)
	ctx := context.Background()

	fake.vectors["cached text"] = []float32{1, 0, 0}
	fake.vectors["fresh text"] = []float32{0, 1, 0}

	_, err := cached.EmbedDocuments(ctx, []string{"cached text"})
	require.NoError(t, err)
	require.Len(t, fake.docCalls, 1)

	vecs, err := cached.EmbedDocuments(ctx, []string{"fresh text", "cached text"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{0, 1, 0}, vecs[0])
	assert.Equal(t, []float32{1, 0, 0}, vecs[1])

	require.Len(t, fake.docCalls, 2)
	assert.Equal(t, []string{"fresh text"}, fake.docCalls[1], "only the uncached text goes to the embedder")
}

func TestCachedEmbedderQueryBypassesCache(t *testing.T) {
	cached, fake := newTestCachedEmbedder(t)
	ctx := context.Background()

	fake.vectors["where is checkout"] = []float32{1, 0, 0}

	for range 2 {
		v, err := cached.EmbedQuery(ctx, "where is checkout")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 0, 0}, v)
	}
	assert.Equal(t, 2, fake.queryCalls)
}

func TestCachedEmbedderDelegates(t *testing.T) {
	cached, _ := newTestCachedEmbedder(t)

	assert.Equal(t, "fake-embedding-001", cached.Model())
	assert.Equal(t, 3, cached.Dimensions())
}
