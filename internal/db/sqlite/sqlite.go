package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jusunglee/qaforge/internal/db"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by both *sql.DB and *sql.Tx so the same methods serve
// inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository implements db.Repository using SQLite
type Repository struct {
	db *sql.DB // nil inside WithTx
	q  querier
}

// New creates a new SQLite repository
func New(ctx context.Context, dbPath string) (*Repository, error) {
	// Strip sqlite:// prefix if present
	dbPath = strings.TrimPrefix(dbPath, "sqlite://")

	isNew := false
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		isNew = true
	}

	sqliteDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := sqliteDB.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := sqliteDB.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		sqliteDB.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	repo := &Repository{db: sqliteDB, q: sqliteDB}

	if isNew {
		if _, err := sqliteDB.ExecContext(ctx, schemaSQL); err != nil {
			sqliteDB.Close()
			return nil, fmt.Errorf("initializing schema: %w", err)
		}
		slog.Info("created new SQLite database", "path", dbPath)
	}

	return repo, nil
}

func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) WithTx(ctx context.Context, fn func(repo db.Repository) error) error {
	if r.db == nil {
		return fmt.Errorf("nested transactions are not supported")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	if err := fn(&Repository{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back after %v: %w", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// Document methods

func (r *Repository) UpsertDocument(ctx context.Context, arg db.UpsertDocumentParams) (db.Document, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO documents (filename, doc_type, content, size_bytes)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (filename) DO UPDATE SET
			doc_type = ?, content = ?, size_bytes = ?, uploaded_at = datetime('now')
	`, arg.Filename, arg.DocType, arg.Content, arg.SizeBytes, arg.DocType, arg.Content, arg.SizeBytes)
	if err != nil {
		return db.Document{}, err
	}

	return r.GetDocumentByFilename(ctx, arg.Filename)
}

func (r *Repository) GetDocumentByFilename(ctx context.Context, filename string) (db.Document, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, filename, doc_type, content, size_bytes, uploaded_at
		FROM documents WHERE filename = ?
	`, filename)

	return scanDocument(row)
}

func (r *Repository) ListDocuments(ctx context.Context) ([]db.Document, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, filename, doc_type, content, size_bytes, uploaded_at
		FROM documents
		ORDER BY uploaded_at DESC, filename
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []db.Document
	for rows.Next() {
		var d db.Document
		var uploadedAtStr string
		if err := rows.Scan(&d.ID, &d.Filename, &d.DocType, &d.Content, &d.SizeBytes, &uploadedAtStr); err != nil {
			return nil, err
		}
		d.UploadedAt = parseTime(uploadedAtStr)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *Repository) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

func (r *Repository) CountDocumentsByType(ctx context.Context, docType string) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents WHERE doc_type = ?
	`, docType).Scan(&count)
	return count, err
}

func (r *Repository) DeleteAllDocuments(ctx context.Context) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM documents`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// KB chunk methods

func (r *Repository) CreateChunk(ctx context.Context, arg db.CreateChunkParams) (db.Chunk, error) {
	result, err := r.q.ExecContext(ctx, `
		INSERT INTO document_chunks (chunk_index, content, source, chunk_type, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?)
	`, arg.ChunkIndex, arg.Content, arg.Source, arg.ChunkType, nullBytes(arg.Metadata), arg.Embedding)
	if err != nil {
		return db.Chunk{}, err
	}

	id, err := result.LastInsertId()
	if err != nil {
		return db.Chunk{}, err
	}

	row := r.q.QueryRowContext(ctx, `
		SELECT id, chunk_index, content, source, chunk_type, metadata, embedding, embedded_at
		FROM document_chunks WHERE id = ?
	`, id)

	return scanChunk(row)
}

func (r *Repository) GetChunksByIDs(ctx context.Context, ids []int64) ([]db.Chunk, error) {
	if len(ids) == 0 {
		return []db.Chunk{}, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, chunk_index, content, source, chunk_type, metadata, embedding, embedded_at
		FROM document_chunks WHERE id IN (%s)
	`, strings.Join(placeholders, ","))

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []db.Chunk
	for rows.Next() {
		c, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *Repository) ListChunkEmbeddings(ctx context.Context) ([]db.ChunkEmbedding, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT id, embedding FROM document_chunks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var embeddings []db.ChunkEmbedding
	for rows.Next() {
		var e db.ChunkEmbedding
		if err := rows.Scan(&e.ID, &e.Embedding); err != nil {
			return nil, err
		}
		embeddings = append(embeddings, e)
	}
	return embeddings, rows.Err()
}

func (r *Repository) ListChunkSources(ctx context.Context) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT DISTINCT source FROM document_chunks ORDER BY source
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

func (r *Repository) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&count)
	return count, err
}

func (r *Repository) CountChunksByType(ctx context.Context) ([]db.ChunkTypeCount, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT chunk_type, COUNT(*) FROM document_chunks GROUP BY chunk_type
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []db.ChunkTypeCount
	for rows.Next() {
		var c db.ChunkTypeCount
		if err := rows.Scan(&c.ChunkType, &c.Count); err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (r *Repository) DeleteChunksBySource(ctx context.Context, source string) (int64, error) {
	result, err := r.q.ExecContext(ctx, `
		DELETE FROM document_chunks WHERE source = ?
	`, source)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (r *Repository) DeleteAllChunks(ctx context.Context) (int64, error) {
	result, err := r.q.ExecContext(ctx, `DELETE FROM document_chunks`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Embedding cache methods

func (r *Repository) GetCachedEmbedding(ctx context.Context, arg db.GetCachedEmbeddingParams) ([]byte, error) {
	var embedding []byte
	err := r.q.QueryRowContext(ctx, `
		SELECT embedding FROM embedding_cache WHERE content_hash = ? AND model = ?
	`, arg.ContentHash, arg.Model).Scan(&embedding)
	if err == sql.ErrNoRows {
		return nil, db.ErrNoRows
	}
	return embedding, err
}

func (r *Repository) PutCachedEmbedding(ctx context.Context, arg db.PutCachedEmbeddingParams) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO embedding_cache (content_hash, model, embedding)
		VALUES (?, ?, ?)
		ON CONFLICT (content_hash, model) DO UPDATE SET embedding = ?, created_at = datetime('now')
	`, arg.ContentHash, arg.Model, arg.Embedding, arg.Embedding)
	return err
}

// Test case methods

func (r *Repository) UpsertTestCase(ctx context.Context, arg db.UpsertTestCaseParams) (db.TestCase, error) {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO test_cases (test_id, feature, scenario, preconditions, steps, expected_result, grounded_in, test_type, requirement)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (test_id) DO UPDATE SET
			feature = ?, scenario = ?, preconditions = ?, steps = ?, expected_result = ?, grounded_in = ?, test_type = ?, requirement = ?
	`, arg.TestID, arg.Feature, arg.Scenario, nullString(arg.Preconditions), arg.Steps, arg.ExpectedResult, arg.GroundedIn, arg.TestType, arg.Requirement,
		arg.Feature, arg.Scenario, nullString(arg.Preconditions), arg.Steps, arg.ExpectedResult, arg.GroundedIn, arg.TestType, arg.Requirement)
	if err != nil {
		return db.TestCase{}, err
	}

	return r.GetTestCaseByTestID(ctx, arg.TestID)
}

func (r *Repository) GetTestCaseByTestID(ctx context.Context, testID string) (db.TestCase, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, test_id, feature, scenario, preconditions, steps, expected_result, grounded_in, test_type, requirement, created_at
		FROM test_cases WHERE test_id = ?
	`, testID)

	return scanTestCase(row)
}

func (r *Repository) ListTestCases(ctx context.Context, arg db.ListTestCasesParams) ([]db.TestCase, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT id, test_id, feature, scenario, preconditions, steps, expected_result, grounded_in, test_type, requirement, created_at
		FROM test_cases
		ORDER BY test_id
		LIMIT ? OFFSET ?
	`, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTestCases(rows)
}

func (r *Repository) ListTestCasesWithoutScripts(ctx context.Context, limit int32) ([]db.TestCase, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT tc.id, tc.test_id, tc.feature, tc.scenario, tc.preconditions, tc.steps, tc.expected_result, tc.grounded_in, tc.test_type, tc.requirement, tc.created_at
		FROM test_cases tc
		LEFT JOIN test_scripts ts ON ts.test_case_id = tc.id
		WHERE ts.id IS NULL
		ORDER BY tc.created_at, tc.test_id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTestCases(rows)
}

func (r *Repository) CountTestCases(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_cases`).Scan(&count)
	return count, err
}

func (r *Repository) CountTestCasesWithoutScripts(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM test_cases tc
		LEFT JOIN test_scripts ts ON ts.test_case_id = tc.id
		WHERE ts.id IS NULL
	`).Scan(&count)
	return count, err
}

// Test script methods

func (r *Repository) UpsertTestScript(ctx context.Context, arg db.UpsertTestScriptParams) (db.TestScript, error) {
	syntaxOK := 0
	if arg.SyntaxOK {
		syntaxOK = 1
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO test_scripts (test_case_id, filename, content, syntax_ok)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (test_case_id) DO UPDATE SET
			filename = ?, content = ?, syntax_ok = ?, created_at = datetime('now')
	`, arg.TestCaseID, arg.Filename, arg.Content, syntaxOK, arg.Filename, arg.Content, syntaxOK)
	if err != nil {
		return db.TestScript{}, err
	}

	return r.GetTestScriptByTestCaseID(ctx, arg.TestCaseID)
}

func (r *Repository) GetTestScript(ctx context.Context, id int64) (db.TestScript, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, test_case_id, filename, content, syntax_ok, created_at
		FROM test_scripts WHERE id = ?
	`, id)

	return scanTestScript(row)
}

func (r *Repository) GetTestScriptByTestCaseID(ctx context.Context, testCaseID int64) (db.TestScript, error) {
	row := r.q.QueryRowContext(ctx, `
		SELECT id, test_case_id, filename, content, syntax_ok, created_at
		FROM test_scripts WHERE test_case_id = ?
	`, testCaseID)

	return scanTestScript(row)
}

func (r *Repository) ListTestScripts(ctx context.Context, arg db.ListTestScriptsParams) ([]db.ListTestScriptsRow, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT ts.id, ts.test_case_id, tc.test_id, ts.filename, ts.syntax_ok, ts.created_at
		FROM test_scripts ts
		JOIN test_cases tc ON tc.id = ts.test_case_id
		ORDER BY tc.test_id
		LIMIT ? OFFSET ?
	`, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []db.ListTestScriptsRow
	for rows.Next() {
		var row db.ListTestScriptsRow
		var syntaxOK int
		var createdAtStr string
		if err := rows.Scan(&row.ID, &row.TestCaseID, &row.TestID, &row.Filename, &syntaxOK, &createdAtStr); err != nil {
			return nil, err
		}
		row.SyntaxOK = syntaxOK != 0
		row.CreatedAt = parseTime(createdAtStr)
		results = append(results, row)
	}
	return results, rows.Err()
}

func (r *Repository) CountTestScripts(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_scripts`).Scan(&count)
	return count, err
}

// Helper functions

func scanDocument(row *sql.Row) (db.Document, error) {
	var d db.Document
	var uploadedAtStr string
	err := row.Scan(&d.ID, &d.Filename, &d.DocType, &d.Content, &d.SizeBytes, &uploadedAtStr)
	if err == sql.ErrNoRows {
		return db.Document{}, db.ErrNoRows
	}
	if err != nil {
		return db.Document{}, err
	}
	d.UploadedAt = parseTime(uploadedAtStr)
	return d, nil
}

func scanChunk(row *sql.Row) (db.Chunk, error) {
	var c db.Chunk
	var embeddedAtStr string
	err := row.Scan(&c.ID, &c.ChunkIndex, &c.Content, &c.Source, &c.ChunkType, &c.Metadata, &c.Embedding, &embeddedAtStr)
	if err == sql.ErrNoRows {
		return db.Chunk{}, db.ErrNoRows
	}
	if err != nil {
		return db.Chunk{}, err
	}
	c.EmbeddedAt = parseTime(embeddedAtStr)
	return c, nil
}

func scanChunkRow(rows *sql.Rows) (db.Chunk, error) {
	var c db.Chunk
	var embeddedAtStr string
	if err := rows.Scan(&c.ID, &c.ChunkIndex, &c.Content, &c.Source, &c.ChunkType, &c.Metadata, &c.Embedding, &embeddedAtStr); err != nil {
		return db.Chunk{}, err
	}
	c.EmbeddedAt = parseTime(embeddedAtStr)
	return c, nil
}

func scanTestCase(row *sql.Row) (db.TestCase, error) {
	var tc db.TestCase
	var createdAtStr string
	err := row.Scan(&tc.ID, &tc.TestID, &tc.Feature, &tc.Scenario, &tc.Preconditions, &tc.Steps, &tc.ExpectedResult, &tc.GroundedIn, &tc.TestType, &tc.Requirement, &createdAtStr)
	if err == sql.ErrNoRows {
		return db.TestCase{}, db.ErrNoRows
	}
	if err != nil {
		return db.TestCase{}, err
	}
	tc.CreatedAt = parseTime(createdAtStr)
	return tc, nil
}

func scanTestCases(rows *sql.Rows) ([]db.TestCase, error) {
	var cases []db.TestCase
	for rows.Next() {
		var tc db.TestCase
		var createdAtStr string
		if err := rows.Scan(&tc.ID, &tc.TestID, &tc.Feature, &tc.Scenario, &tc.Preconditions, &tc.Steps, &tc.ExpectedResult, &tc.GroundedIn, &tc.TestType, &tc.Requirement, &createdAtStr); err != nil {
			return nil, err
		}
		tc.CreatedAt = parseTime(createdAtStr)
		cases = append(cases, tc)
	}
	return cases, rows.Err()
}

func scanTestScript(row *sql.Row) (db.TestScript, error) {
	var ts db.TestScript
	var syntaxOK int
	var createdAtStr string
	err := row.Scan(&ts.ID, &ts.TestCaseID, &ts.Filename, &ts.Content, &syntaxOK, &createdAtStr)
	if err == sql.ErrNoRows {
		return db.TestScript{}, db.ErrNoRows
	}
	if err != nil {
		return db.TestScript{}, err
	}
	ts.SyntaxOK = syntaxOK != 0
	ts.CreatedAt = parseTime(createdAtStr)
	return ts, nil
}

// parseTime handles both RFC3339 strings written by Go and the
// "YYYY-MM-DD HH:MM:SS" form produced by sqlite's datetime('now').
func parseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func nullString(s sql.NullString) interface{} {
	if s.Valid {
		return s.String
	}
	return nil
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
