package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jusunglee/qaforge/internal/db"
)

//go:embed schema.sql
var schemaSQL string

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx so the same methods
// serve inside and outside a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements db.Repository using PostgreSQL via pgx
type Repository struct {
	pool *pgxpool.Pool
	q    dbtx
}

// New creates a new PostgreSQL repository
func New(ctx context.Context, databaseURL string) (*Repository, error) {
	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Repository{pool: pool, q: pool}, nil
}

func (r *Repository) Close() error {
	r.pool.Close()
	return nil
}

// PoolStats exposes pgxpool statistics for the metrics exporter.
func (r *Repository) PoolStats() *pgxpool.Stat {
	return r.pool.Stat()
}

func (r *Repository) WithTx(ctx context.Context, fn func(repo db.Repository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	// If fn() panics, the normal err-check rollback below won't run.
	// recover() catches the panic so we can roll back the tx (releasing the db connection), then re-panic.
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback(ctx)
			panic(r)
		}
	}()

	txRepo := &Repository{pool: r.pool, q: tx}

	err = fn(txRepo)
	if err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("transaction error: %w, rollback error: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Document methods

func (r *Repository) UpsertDocument(ctx context.Context, arg db.UpsertDocumentParams) (db.Document, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO documents (filename, doc_type, content, size_bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (filename) DO UPDATE SET
			doc_type = EXCLUDED.doc_type,
			content = EXCLUDED.content,
			size_bytes = EXCLUDED.size_bytes,
			uploaded_at = now()
		RETURNING id, filename, doc_type, content, size_bytes, uploaded_at
	`, arg.Filename, arg.DocType, arg.Content, arg.SizeBytes)

	return scanDocument(row)
}

func (r *Repository) GetDocumentByFilename(ctx context.Context, filename string) (db.Document, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, filename, doc_type, content, size_bytes, uploaded_at
		FROM documents WHERE filename = $1
	`, filename)

	return scanDocument(row)
}

func (r *Repository) ListDocuments(ctx context.Context) ([]db.Document, error) {
	rows, err := r.q.Query(ctx, `
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
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

func (r *Repository) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

func (r *Repository) CountDocumentsByType(ctx context.Context, docType string) (int64, error) {
	var count int64
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM documents WHERE doc_type = $1
	`, docType).Scan(&count)
	return count, err
}

func (r *Repository) DeleteAllDocuments(ctx context.Context) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM documents`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// KB chunk methods

func (r *Repository) CreateChunk(ctx context.Context, arg db.CreateChunkParams) (db.Chunk, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO document_chunks (chunk_index, content, source, chunk_type, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, chunk_index, content, source, chunk_type, metadata, embedding, embedded_at
	`, arg.ChunkIndex, arg.Content, arg.Source, arg.ChunkType, arg.Metadata, arg.Embedding)

	return scanChunk(row)
}

func (r *Repository) GetChunksByIDs(ctx context.Context, ids []int64) ([]db.Chunk, error) {
	if len(ids) == 0 {
		return []db.Chunk{}, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT id, chunk_index, content, source, chunk_type, metadata, embedding, embedded_at
		FROM document_chunks WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []db.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (r *Repository) ListChunkEmbeddings(ctx context.Context) ([]db.ChunkEmbedding, error) {
	rows, err := r.q.Query(ctx, `SELECT id, embedding FROM document_chunks`)
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
	rows, err := r.q.Query(ctx, `
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
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&count)
	return count, err
}

func (r *Repository) CountChunksByType(ctx context.Context) ([]db.ChunkTypeCount, error) {
	rows, err := r.q.Query(ctx, `
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
	tag, err := r.q.Exec(ctx, `DELETE FROM document_chunks WHERE source = $1`, source)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) DeleteAllChunks(ctx context.Context) (int64, error) {
	tag, err := r.q.Exec(ctx, `DELETE FROM document_chunks`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Embedding cache methods

func (r *Repository) GetCachedEmbedding(ctx context.Context, arg db.GetCachedEmbeddingParams) ([]byte, error) {
	var embedding []byte
	err := r.q.QueryRow(ctx, `
		SELECT embedding FROM embedding_cache WHERE content_hash = $1 AND model = $2
	`, arg.ContentHash, arg.Model).Scan(&embedding)
	if err == pgx.ErrNoRows {
		return nil, db.ErrNoRows
	}
	return embedding, err
}

func (r *Repository) PutCachedEmbedding(ctx context.Context, arg db.PutCachedEmbeddingParams) error {
	_, err := r.q.Exec(ctx, `
		INSERT INTO embedding_cache (content_hash, model, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (content_hash, model) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			created_at = now()
	`, arg.ContentHash, arg.Model, arg.Embedding)
	return err
}

// Test case methods

func (r *Repository) UpsertTestCase(ctx context.Context, arg db.UpsertTestCaseParams) (db.TestCase, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO test_cases (test_id, feature, scenario, preconditions, steps, expected_result, grounded_in, test_type, requirement)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (test_id) DO UPDATE SET
			feature = EXCLUDED.feature,
			scenario = EXCLUDED.scenario,
			preconditions = EXCLUDED.preconditions,
			steps = EXCLUDED.steps,
			expected_result = EXCLUDED.expected_result,
			grounded_in = EXCLUDED.grounded_in,
			test_type = EXCLUDED.test_type,
			requirement = EXCLUDED.requirement
		RETURNING id, test_id, feature, scenario, preconditions, steps, expected_result, grounded_in, test_type, requirement, created_at
	`, arg.TestID, arg.Feature, arg.Scenario, toPgText(arg.Preconditions), arg.Steps, arg.ExpectedResult, arg.GroundedIn, arg.TestType, arg.Requirement)

	return scanTestCase(row)
}

func (r *Repository) GetTestCaseByTestID(ctx context.Context, testID string) (db.TestCase, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, test_id, feature, scenario, preconditions, steps, expected_result, grounded_in, test_type, requirement, created_at
		FROM test_cases WHERE test_id = $1
	`, testID)

	return scanTestCase(row)
}

func (r *Repository) ListTestCases(ctx context.Context, arg db.ListTestCasesParams) ([]db.TestCase, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, test_id, feature, scenario, preconditions, steps, expected_result, grounded_in, test_type, requirement, created_at
		FROM test_cases
		ORDER BY test_id
		LIMIT $1 OFFSET $2
	`, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTestCases(rows)
}

func (r *Repository) ListTestCasesWithoutScripts(ctx context.Context, limit int32) ([]db.TestCase, error) {
	rows, err := r.q.Query(ctx, `
		SELECT tc.id, tc.test_id, tc.feature, tc.scenario, tc.preconditions, tc.steps, tc.expected_result, tc.grounded_in, tc.test_type, tc.requirement, tc.created_at
		FROM test_cases tc
		LEFT JOIN test_scripts ts ON ts.test_case_id = tc.id
		WHERE ts.id IS NULL
		ORDER BY tc.created_at, tc.test_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectTestCases(rows)
}

func (r *Repository) CountTestCases(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM test_cases`).Scan(&count)
	return count, err
}

func (r *Repository) CountTestCasesWithoutScripts(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM test_cases tc
		LEFT JOIN test_scripts ts ON ts.test_case_id = tc.id
		WHERE ts.id IS NULL
	`).Scan(&count)
	return count, err
}

// Test script methods

func (r *Repository) UpsertTestScript(ctx context.Context, arg db.UpsertTestScriptParams) (db.TestScript, error) {
	row := r.q.QueryRow(ctx, `
		INSERT INTO test_scripts (test_case_id, filename, content, syntax_ok)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (test_case_id) DO UPDATE SET
			filename = EXCLUDED.filename,
			content = EXCLUDED.content,
			syntax_ok = EXCLUDED.syntax_ok,
			created_at = now()
		RETURNING id, test_case_id, filename, content, syntax_ok, created_at
	`, arg.TestCaseID, arg.Filename, arg.Content, arg.SyntaxOK)

	return scanTestScript(row)
}

func (r *Repository) GetTestScript(ctx context.Context, id int64) (db.TestScript, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, test_case_id, filename, content, syntax_ok, created_at
		FROM test_scripts WHERE id = $1
	`, id)

	return scanTestScript(row)
}

func (r *Repository) GetTestScriptByTestCaseID(ctx context.Context, testCaseID int64) (db.TestScript, error) {
	row := r.q.QueryRow(ctx, `
		SELECT id, test_case_id, filename, content, syntax_ok, created_at
		FROM test_scripts WHERE test_case_id = $1
	`, testCaseID)

	return scanTestScript(row)
}

func (r *Repository) ListTestScripts(ctx context.Context, arg db.ListTestScriptsParams) ([]db.ListTestScriptsRow, error) {
	rows, err := r.q.Query(ctx, `
		SELECT ts.id, ts.test_case_id, tc.test_id, ts.filename, ts.syntax_ok, ts.created_at
		FROM test_scripts ts
		JOIN test_cases tc ON tc.id = ts.test_case_id
		ORDER BY tc.test_id
		LIMIT $1 OFFSET $2
	`, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []db.ListTestScriptsRow
	for rows.Next() {
		var row db.ListTestScriptsRow
		var createdAt pgtype.Timestamptz
		if err := rows.Scan(&row.ID, &row.TestCaseID, &row.TestID, &row.Filename, &row.SyntaxOK, &createdAt); err != nil {
			return nil, err
		}
		row.CreatedAt = createdAt.Time
		results = append(results, row)
	}
	return results, rows.Err()
}

func (r *Repository) CountTestScripts(ctx context.Context) (int64, error) {
	var count int64
	err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM test_scripts`).Scan(&count)
	return count, err
}

// Scan helpers. pgx.Rows satisfies pgx.Row, so these serve both single-row
// queries and result-set loops.

func scanDocument(row pgx.Row) (db.Document, error) {
	var d db.Document
	var uploadedAt pgtype.Timestamptz
	err := row.Scan(&d.ID, &d.Filename, &d.DocType, &d.Content, &d.SizeBytes, &uploadedAt)
	if err == pgx.ErrNoRows {
		return db.Document{}, db.ErrNoRows
	}
	if err != nil {
		return db.Document{}, err
	}
	d.UploadedAt = uploadedAt.Time
	return d, nil
}

func scanChunk(row pgx.Row) (db.Chunk, error) {
	var c db.Chunk
	var embeddedAt pgtype.Timestamptz
	err := row.Scan(&c.ID, &c.ChunkIndex, &c.Content, &c.Source, &c.ChunkType, &c.Metadata, &c.Embedding, &embeddedAt)
	if err == pgx.ErrNoRows {
		return db.Chunk{}, db.ErrNoRows
	}
	if err != nil {
		return db.Chunk{}, err
	}
	c.EmbeddedAt = embeddedAt.Time
	return c, nil
}

func scanTestCase(row pgx.Row) (db.TestCase, error) {
	var tc db.TestCase
	var preconditions pgtype.Text
	var createdAt pgtype.Timestamptz
	err := row.Scan(&tc.ID, &tc.TestID, &tc.Feature, &tc.Scenario, &preconditions, &tc.Steps, &tc.ExpectedResult, &tc.GroundedIn, &tc.TestType, &tc.Requirement, &createdAt)
	if err == pgx.ErrNoRows {
		return db.TestCase{}, db.ErrNoRows
	}
	if err != nil {
		return db.TestCase{}, err
	}
	tc.Preconditions = fromPgText(preconditions)
	tc.CreatedAt = createdAt.Time
	return tc, nil
}

func collectTestCases(rows pgx.Rows) ([]db.TestCase, error) {
	var cases []db.TestCase
	for rows.Next() {
		tc, err := scanTestCase(rows)
		if err != nil {
			return nil, err
		}
		cases = append(cases, tc)
	}
	return cases, rows.Err()
}

func scanTestScript(row pgx.Row) (db.TestScript, error) {
	var ts db.TestScript
	var createdAt pgtype.Timestamptz
	err := row.Scan(&ts.ID, &ts.TestCaseID, &ts.Filename, &ts.Content, &ts.SyntaxOK, &createdAt)
	if err == pgx.ErrNoRows {
		return db.TestScript{}, db.ErrNoRows
	}
	if err != nil {
		return db.TestScript{}, err
	}
	ts.CreatedAt = createdAt.Time
	return ts, nil
}

// Type conversion helpers

func toPgText(s sql.NullString) pgtype.Text {
	return pgtype.Text{String: s.String, Valid: s.Valid}
}

func fromPgText(t pgtype.Text) sql.NullString {
	return sql.NullString{String: t.String, Valid: t.Valid}
}
