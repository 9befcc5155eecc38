package rag

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/db/sqlite"
	"github.com/jusunglee/qaforge/internal/ingest"
	"github.com/jusunglee/qaforge/internal/kb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder returns configured vectors and falls back to a fixed vector
// for unknown text, so whole-document builds embed without fixtures for
// every chunk.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) vector(text string) []float32 {
	if v, ok := s.vectors[text]; ok {
		return v
	}
	return []float32{0, 0, 1}
}

func (s *stubEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = s.vector(text)
	}
	return out, nil
}

func (s *stubEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return s.vector(text), nil
}

func (s *stubEmbedder) Model() string { return "stub-embedding" }

func (s *stubEmbedder) Dimensions() int { return 3 }

func newTestPipeline(t *testing.T) (*Pipeline, *kb.Store, db.Repository, *stubEmbedder) {
	t.Helper()

	repo, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	stub := &stubEmbedder{vectors: map[string][]float32{}}
	store := kb.NewStore(repo, stub)
	return New(repo, store, ingest.DefaultChunkSize, ingest.DefaultChunkOverlap), store, repo, stub
}

func upsertDoc(t *testing.T, repo db.Repository, filename, docType, content string) {
	t.Helper()
	_, err := repo.UpsertDocument(context.Background(), db.UpsertDocumentParams{
		Filename:  filename,
		DocType:   docType,
		Content:   content,
		SizeBytes: int64(len(content)),
	})
	require.NoError(t, err)
}

const checkoutPage = `<html><body>
<form id="checkout-form">
  <input id="email" name="email" type="email" placeholder="you@example.com">
  <button type="submit">Place Order</button>
</form>
</body></html>`

func TestBuildFromDocuments(t *testing.T) {
	pipeline, _, repo, _ := newTestPipeline(t)
	ctx := context.Background()

	upsertDoc(t, repo, "reqs.md", "markdown", "# Checkout\nUsers enter an email and place the order.")
	upsertDoc(t, repo, "checkout.html", "html", checkoutPage)

	stats, err := pipeline.Build(ctx, false)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Documents)
	assert.Equal(t, 3, stats.SelectorChunks, "input, button, form")
	assert.Equal(t, 5, stats.Chunks, "one markdown chunk, one page text chunk, three selectors")
	assert.Equal(t, []string{"checkout.html", "reqs.md"}, stats.Sources)

	count, err := repo.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	byType, err := repo.CountChunksByType(ctx)
	require.NoError(t, err)
	counts := map[string]int64{}
	for _, tc := range byType {
		counts[tc.ChunkType] = tc.Count
	}
	assert.Equal(t, int64(1), counts["markdown"])
	assert.Equal(t, int64(1), counts["html"])
	assert.Equal(t, int64(3), counts[SelectorChunkType])
}

func TestBuildIsIdempotent(t *testing.T) {
	pipeline, _, repo, _ := newTestPipeline(t)
	ctx := context.Background()

	upsertDoc(t, repo, "reqs.txt", "text", "Orders ship within two days.")

	for range 2 {
		_, err := pipeline.Build(ctx, false)
		require.NoError(t, err)
	}

	count, err := repo.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "rebuild must replace, not duplicate")
}

func TestBuildClearExisting(t *testing.T) {
	pipeline, _, repo, _ := newTestPipeline(t)
	ctx := context.Background()

	upsertDoc(t, repo, "old.txt", "text", "Stale requirements.")
	_, err := pipeline.Build(ctx, false)
	require.NoError(t, err)

	_, err = repo.DeleteAllDocuments(ctx)
	require.NoError(t, err)
	upsertDoc(t, repo, "new.txt", "text", "Fresh requirements.")

	// Without clearing, chunks from the deleted document keep serving.
	_, err = pipeline.Build(ctx, false)
	require.NoError(t, err)
	sources, err := repo.ListChunkSources(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old.txt", "new.txt"}, sources)

	_, err = pipeline.Build(ctx, true)
	require.NoError(t, err)
	sources, err = repo.ListChunkSources(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"new.txt"}, sources)
}

func TestBuildSkipsUnparseableDocuments(t *testing.T) {
	pipeline, _, repo, _ := newTestPipeline(t)
	ctx := context.Background()

	upsertDoc(t, repo, "good.txt", "text", "Carts hold up to ten items.")
	upsertDoc(t, repo, "weird.xyz", "text", "binary blob")

	stats, err := pipeline.Build(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, []string{"good.txt"}, stats.Sources)
}

func TestBuildEmpty(t *testing.T) {
	pipeline, _, _, _ := newTestPipeline(t)

	stats, err := pipeline.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Zero(t, stats.Chunks)
}

func TestRetrieve(t *testing.T) {
	pipeline, store, _, stub := newTestPipeline(t)
	ctx := context.Background()

	stub.vectors["Checkout needs an email."] = []float32{1, 0, 0}
	stub.vectors["Promo codes stack."] = []float32{0.9, 0.1, 0}
	stub.vectors["Shipping takes two days."] = []float32{0, 1, 0}
	stub.vectors["checkout email"] = []float32{1, 0, 0}

	_, err := store.Add(ctx, []kb.Entry{
		{Content: "Checkout needs an email.", Source: "reqs.txt", ChunkType: "text"},
		{Content: "Promo codes stack.", Source: "promo.md", ChunkType: "markdown"},
		{Content: "Shipping takes two days.", Source: "reqs.txt", ChunkType: "text"},
	})
	require.NoError(t, err)

	got, err := pipeline.Retrieve(ctx, "checkout email", 3)
	require.NoError(t, err)

	want := "RETRIEVED CONTEXT:\n\n" +
		"[1] Source: reqs.txt | Type: text | Relevance: 1.00\nCheckout needs an email.\n\n" +
		"[2] Source: promo.md | Type: markdown | Relevance: 0.99\nPromo codes stack.\n\n" +
		"[3] Source: reqs.txt | Type: text | Relevance: 0.00\nShipping takes two days.\n"
	assert.Equal(t, want, got.Text)
	assert.Equal(t, []string{"reqs.txt", "promo.md"}, got.Sources, "deduplicated in rank order")
	assert.Len(t, got.Results, 3)
}

func TestRetrieveEmptyKB(t *testing.T) {
	pipeline, _, _, _ := newTestPipeline(t)

	got, err := pipeline.Retrieve(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Equal(t, "No relevant context found.", got.Text)
	assert.Empty(t, got.Sources)
	assert.Empty(t, got.Results)
}

func TestSelectorContext(t *testing.T) {
	pipeline, store, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := store.Add(ctx, []kb.Entry{
		{
			Content:   "Element Type: input | ID: email",
			Source:    "checkout.html",
			ChunkType: SelectorChunkType,
			Metadata: map[string]string{
				"element_type": "input",
				"element_id":   "email",
				"css_selector": "#email",
				"xpath":        "//*[@id='email']",
				"input_type":   "email",
			},
		},
		{
			Content:   "Element Type: button | Text: Place Order",
			Source:    "checkout.html",
			ChunkType: SelectorChunkType,
			Metadata: map[string]string{
				"element_type": "button",
				"css_selector": "button[type='submit']",
				"xpath":        "//html/body/form/button",
			},
		},
		{Content: "Plain requirements text.", Source: "reqs.txt", ChunkType: "text"},
	})
	require.NoError(t, err)

	rendered, err := pipeline.SelectorContext(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, rendered)

	var refs []SelectorRef
	require.NoError(t, json.Unmarshal([]byte(rendered), &refs))
	require.Len(t, refs, 2, "text chunks stay out of the selector context")

	byType := map[string]SelectorRef{}
	for _, ref := range refs {
		byType[ref.ElementType] = ref
	}
	assert.Equal(t, "#email", byType["input"].CSSSelector)
	assert.Equal(t, "email", byType["input"].InputType)
	assert.Equal(t, "//html/body/form/button", byType["button"].XPath)
}

func TestSelectorContextEmpty(t *testing.T) {
	pipeline, store, _, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := store.Add(ctx, []kb.Entry{
		{Content: "No selectors here.", Source: "reqs.txt", ChunkType: "text"},
	})
	require.NoError(t, err)

	rendered, err := pipeline.SelectorContext(ctx)
	require.NoError(t, err)
	assert.Empty(t, rendered)
}

func TestExtractSelectorRefsDedupes(t *testing.T) {
	results := []kb.SearchResult{
		{ChunkType: SelectorChunkType, Metadata: map[string]string{"element_type": "input", "element_id": "email", "css_selector": "#email"}},
		{ChunkType: SelectorChunkType, Metadata: map[string]string{"element_type": "input", "element_id": "email", "css_selector": "#email"}},
		{ChunkType: SelectorChunkType, Metadata: map[string]string{"element_type": "a", "css_selector": "a", "xpath": "//html/body/a[1]"}},
		{ChunkType: SelectorChunkType, Metadata: map[string]string{"element_type": "a", "css_selector": "a", "xpath": "//html/body/a[2]"}},
		{ChunkType: "text", Metadata: map[string]string{"element_id": "not-a-selector"}},
	}

	refs := ExtractSelectorRefs(results)
	require.Len(t, refs, 3, "duplicate id collapsed, distinct anchors kept")
	assert.Equal(t, "email", refs[0].ElementID)
	assert.Equal(t, "//html/body/a[1]", refs[1].XPath)
	assert.Equal(t, "//html/body/a[2]", refs[2].XPath)
}

func TestFormatContextEmpty(t *testing.T) {
	assert.Equal(t, "No relevant context found.", FormatContext(nil))
}

func TestValidateGrounding(t *testing.T) {
	report := ValidateGrounding("Covered by REQS.TXT section 2.", []string{"reqs.txt", "promo.md"})
	assert.True(t, report.Grounded)
	assert.Equal(t, []string{"reqs.txt"}, report.Mentioned)
	assert.Equal(t, []string{"promo.md"}, report.Unmentioned)

	report = ValidateGrounding("Nothing cited.", []string{"reqs.txt"})
	assert.False(t, report.Grounded)
	assert.Empty(t, report.Mentioned)

	report = ValidateGrounding("Anything at all.", nil)
	assert.False(t, report.Grounded)

	report = ValidateGrounding("Anything at all.", []string{""})
	assert.False(t, report.Grounded, "empty source names must not match trivially")
}
