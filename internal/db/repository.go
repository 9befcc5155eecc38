package db

import (
	"context"
	"database/sql"
	"time"
)

// Document is an uploaded project file (spec, policy, checkout page, ...)
// kept verbatim so the knowledge base can be rebuilt at any time.
type Document struct {
	ID         int64
	Filename   string
	DocType    string
	Content    string
	SizeBytes  int64
	UploadedAt time.Time
}

type UpsertDocumentParams struct {
	Filename  string
	DocType   string
	Content   string
	SizeBytes int64
}

// Chunk is one embedded unit of the knowledge base: either a slice of a
// document or a single extracted HTML selector. Chunks are keyed by source
// filename, not by document row: the KB keeps serving after uploads are
// cleared, until the next rebuild. Embedding holds the JSON-encoded vector.
type Chunk struct {
	ID         int64
	ChunkIndex int32
	Content    string
	Source     string
	ChunkType  string
	Metadata   []byte
	Embedding  []byte
	EmbeddedAt time.Time
}

type CreateChunkParams struct {
	ChunkIndex int32
	Content    string
	Source     string
	ChunkType  string
	Metadata   []byte
	Embedding  []byte
}

// ChunkEmbedding is the id/vector projection scanned during similarity search.
type ChunkEmbedding struct {
	ID        int64
	Embedding []byte
}

type ChunkTypeCount struct {
	ChunkType string
	Count     int64
}

// TestCase is a generated, KB-grounded test case. Steps and GroundedIn are
// JSON-encoded string arrays.
type TestCase struct {
	ID             int64
	TestID         string
	Feature        string
	Scenario       string
	Preconditions  sql.NullString
	Steps          []byte
	ExpectedResult string
	GroundedIn     []byte
	TestType       string
	Requirement    string
	CreatedAt      time.Time
}

type UpsertTestCaseParams struct {
	TestID         string
	Feature        string
	Scenario       string
	Preconditions  sql.NullString
	Steps          []byte
	ExpectedResult string
	GroundedIn     []byte
	TestType       string
	Requirement    string
}

type ListTestCasesParams struct {
	Limit  int32
	Offset int32
}

// TestScript is the generated Selenium script for a test case. SyntaxOK is
// advisory only; a failed check never blocks persistence.
type TestScript struct {
	ID         int64
	TestCaseID int64
	Filename   string
	Content    string
	SyntaxOK   bool
	CreatedAt  time.Time
}

type UpsertTestScriptParams struct {
	TestCaseID int64
	Filename   string
	Content    string
	SyntaxOK   bool
}

type ListTestScriptsParams struct {
	Limit  int32
	Offset int32
}

// ListTestScriptsRow omits script content; listings only need metadata.
type ListTestScriptsRow struct {
	ID         int64
	TestCaseID int64
	TestID     string
	Filename   string
	SyntaxOK   bool
	CreatedAt  time.Time
}

type GetCachedEmbeddingParams struct {
	ContentHash string
	Model       string
}

type PutCachedEmbeddingParams struct {
	ContentHash string
	Model       string
	Embedding   []byte
}

// Repository defines the interface for database operations
type Repository interface {
	// Documents
	UpsertDocument(ctx context.Context, arg UpsertDocumentParams) (Document, error)
	GetDocumentByFilename(ctx context.Context, filename string) (Document, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	CountDocuments(ctx context.Context) (int64, error)
	CountDocumentsByType(ctx context.Context, docType string) (int64, error)
	DeleteAllDocuments(ctx context.Context) (int64, error)

	// KB chunks
	CreateChunk(ctx context.Context, arg CreateChunkParams) (Chunk, error)
	GetChunksByIDs(ctx context.Context, ids []int64) ([]Chunk, error)
	ListChunkEmbeddings(ctx context.Context) ([]ChunkEmbedding, error)
	ListChunkSources(ctx context.Context) ([]string, error)
	CountChunks(ctx context.Context) (int64, error)
	CountChunksByType(ctx context.Context) ([]ChunkTypeCount, error)
	DeleteChunksBySource(ctx context.Context, source string) (int64, error)
	DeleteAllChunks(ctx context.Context) (int64, error)

	// Embedding cache
	GetCachedEmbedding(ctx context.Context, arg GetCachedEmbeddingParams) ([]byte, error)
	PutCachedEmbedding(ctx context.Context, arg PutCachedEmbeddingParams) error

	// Test cases
	UpsertTestCase(ctx context.Context, arg UpsertTestCaseParams) (TestCase, error)
	GetTestCaseByTestID(ctx context.Context, testID string) (TestCase, error)
	ListTestCases(ctx context.Context, arg ListTestCasesParams) ([]TestCase, error)
	ListTestCasesWithoutScripts(ctx context.Context, limit int32) ([]TestCase, error)
	CountTestCases(ctx context.Context) (int64, error)
	CountTestCasesWithoutScripts(ctx context.Context) (int64, error)

	// Test scripts
	UpsertTestScript(ctx context.Context, arg UpsertTestScriptParams) (TestScript, error)
	GetTestScript(ctx context.Context, id int64) (TestScript, error)
	GetTestScriptByTestCaseID(ctx context.Context, testCaseID int64) (TestScript, error)
	ListTestScripts(ctx context.Context, arg ListTestScriptsParams) ([]ListTestScriptsRow, error)
	CountTestScripts(ctx context.Context) (int64, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(repo Repository) error) error

	// Lifecycle
	Close() error
}
