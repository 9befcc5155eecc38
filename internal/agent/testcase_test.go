package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/db/sqlite"
	"github.com/jusunglee/qaforge/internal/ingest"
	"github.com/jusunglee/qaforge/internal/kb"
	"github.com/jusunglee/qaforge/internal/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedEmbedder maps every text to the same vector; retrieval order does not
// matter to these tests, only that chunks come back.
type fixedEmbedder struct{}

func (fixedEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (fixedEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (fixedEmbedder) Model() string { return "fixed-embedding" }

func (fixedEmbedder) Dimensions() int { return 3 }

type fakeLLM struct {
	response string
	calls    int
	system   string
	prompt   string
}

func (f *fakeLLM) Complete(_ context.Context, system, prompt string) (string, error) {
	f.calls++
	f.system = system
	f.prompt = prompt
	return f.response, nil
}

func newTestEnv(t *testing.T) (db.Repository, *rag.Pipeline, *kb.Store) {
	t.Helper()

	repo, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store := kb.NewStore(repo, fixedEmbedder{})
	pipeline := rag.New(repo, store, ingest.DefaultChunkSize, ingest.DefaultChunkOverlap)
	return repo, pipeline, store
}

func seedTextChunk(t *testing.T, store *kb.Store, source, content string) {
	t.Helper()
	_, err := store.Add(context.Background(), []kb.Entry{
		{Content: content, Source: source, ChunkType: "markdown"},
	})
	require.NoError(t, err)
}

const caseResponse = "Here are the test cases:\n```json\n" + `[
  {
    "test_id": "TC_001",
    "feature": "Promo Code",
    "test_scenario": "Apply a valid promo code",
    "preconditions": "Cart has one item",
    "steps": ["Open checkout", "Enter SAVE15", "Click apply"],
    "expected_result": "Discount line shows 15 percent off",
    "grounded_in": ["reqs.md"],
    "test_type": "positive"
  },
  {
    "feature": "Promo Code",
    "test_scenario": "Reject an expired code",
    "steps": ["Enter EXPIRED", "Click apply"],
    "expected_result": "An error message is shown"
  }
]` + "\n```"

func TestGenerateCases(t *testing.T) {
	repo, pipeline, store := newTestEnv(t)
	ctx := context.Background()

	seedTextChunk(t, store, "reqs.md", "Promo code SAVE15 grants 15 percent off the subtotal.")
	client := &fakeLLM{response: caseResponse}
	gen := NewCaseGenerator(client, pipeline, repo, 10, 5)

	result, err := gen.Generate(ctx, "promo code validation")
	require.NoError(t, err)
	require.Len(t, result.Cases, 2)
	assert.Equal(t, 1, client.calls)

	assert.Contains(t, client.prompt, "RETRIEVED CONTEXT")
	assert.Contains(t, client.prompt, "FEATURE QUERY: promo code validation")
	assert.Contains(t, client.prompt, "Generate 5 test cases")
	assert.Contains(t, client.system, "QA test case generator")

	first := result.Cases[0]
	assert.Equal(t, "TC_001", first.TestID)
	assert.Equal(t, []string{"Open checkout", "Enter SAVE15", "Click apply"}, first.Steps)
	assert.Equal(t, []string{"reqs.md"}, first.GroundedIn)

	second := result.Cases[1]
	assert.Equal(t, "TC_002", second.TestID, "missing test_id defaults to its position")
	assert.Equal(t, []string{"Not specified"}, second.GroundedIn)
	assert.Equal(t, "positive", second.TestType)

	assert.Equal(t, []string{"reqs.md"}, result.Sources)
	assert.True(t, result.Grounding.Grounded)
	assert.Equal(t, []string{"reqs.md"}, result.Grounding.Mentioned)

	row, err := repo.GetTestCaseByTestID(ctx, "TC_001")
	require.NoError(t, err)
	assert.Equal(t, "Promo Code", row.Feature)
	assert.Equal(t, "promo code validation", row.Requirement)
	assert.True(t, row.Preconditions.Valid)

	var steps []string
	require.NoError(t, json.Unmarshal(row.Steps, &steps))
	assert.Len(t, steps, 3)

	_, err = repo.GetTestCaseByTestID(ctx, "TC_002")
	require.NoError(t, err)
}

func TestGenerateCasesNoContext(t *testing.T) {
	repo, pipeline, _ := newTestEnv(t)

	gen := NewCaseGenerator(&fakeLLM{response: caseResponse}, pipeline, repo, 10, 5)
	_, err := gen.Generate(context.Background(), "promo code validation")
	assert.ErrorIs(t, err, ErrNoContext)
}

func TestGenerateCasesDropsInvalid(t *testing.T) {
	repo, pipeline, store := newTestEnv(t)

	seedTextChunk(t, store, "reqs.md", "Checkout requires an email address.")
	response := `[
  {"feature": "Checkout", "test_scenario": "Valid email accepted", "steps": ["Enter email"], "expected_result": "Order placed"},
  {"feature": "Checkout", "test_scenario": "missing steps and result"}
]`
	gen := NewCaseGenerator(&fakeLLM{response: response}, pipeline, repo, 10, 5)

	result, err := gen.Generate(context.Background(), "checkout email")
	require.NoError(t, err)
	require.Len(t, result.Cases, 1)
	assert.Equal(t, "TC_001", result.Cases[0].TestID)

	count, err := repo.CountTestCases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestGenerateCasesAllInvalid(t *testing.T) {
	repo, pipeline, store := newTestEnv(t)

	seedTextChunk(t, store, "reqs.md", "Checkout requires an email address.")
	gen := NewCaseGenerator(&fakeLLM{response: `[{"feature": "Checkout"}]`}, pipeline, repo, 10, 5)

	_, err := gen.Generate(context.Background(), "checkout email")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid test cases")
}

func TestGenerateCasesMalformedResponse(t *testing.T) {
	repo, pipeline, store := newTestEnv(t)

	seedTextChunk(t, store, "reqs.md", "Checkout requires an email address.")
	gen := NewCaseGenerator(&fakeLLM{response: "I cannot produce JSON today."}, pipeline, repo, 10, 5)

	_, err := gen.Generate(context.Background(), "checkout email")
	require.Error(t, err)
}

func TestParseTestCasesSingleObject(t *testing.T) {
	cases, err := parseTestCases(`{"feature": "Cart", "test_scenario": "Add item", "steps": ["Click add"], "expected_result": "Item in cart"}`)
	require.NoError(t, err)
	require.Len(t, cases, 1)
	assert.Equal(t, "TC_001", cases[0].TestID)
}

func TestParseTestCasesRejectsBadTestType(t *testing.T) {
	_, err := parseTestCases(`[{"feature": "Cart", "test_scenario": "Add item", "steps": ["Click add"], "expected_result": "Item in cart", "test_type": "smoke"}]`)
	require.Error(t, err)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fenced with tag",
			in:   "Sure!\n```json\n[{\"a\": 1}]\n```\nDone.",
			want: `[{"a": 1}]`,
		},
		{
			name: "fenced without tag",
			in:   "```\n{\"a\": 1}\n```",
			want: `{"a": 1}`,
		},
		{
			name: "raw array in prose",
			in:   `The cases are [{"a": 1}, {"b": 2}] as requested.`,
			want: `[{"a": 1}, {"b": 2}]`,
		},
		{
			name: "raw object",
			in:   `Result: {"a": [1, 2]}`,
			want: `{"a": [1, 2]}`,
		},
		{
			name: "no json at all",
			in:   "nothing here",
			want: "nothing here",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}

func TestCaseRowRoundTrip(t *testing.T) {
	tc := TestCase{
		TestID:         "TC_009",
		Feature:        "Shipping",
		Scenario:       "Free shipping over threshold",
		Preconditions:  "Cart total above 50",
		Steps:          []string{"Add items", "Open checkout"},
		ExpectedResult: "Shipping line shows 0.00",
		GroundedIn:     []string{"shipping.md"},
		TestType:       "positive",
	}

	params, err := caseParams(tc, "shipping rules")
	require.NoError(t, err)

	repo, _, _ := newTestEnv(t)
	row, err := repo.UpsertTestCase(context.Background(), params)
	require.NoError(t, err)

	back, err := CaseFromRow(row)
	require.NoError(t, err)
	assert.Equal(t, tc, back)
}
