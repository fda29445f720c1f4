package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS documents (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL,
        ingested_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS tables_catalog (
        document_id TEXT PRIMARY KEY,
        column_names TEXT NOT NULL, -- JSON array of snake_case names
        column_kinds TEXT NOT NULL, -- JSON array of inferred kinds
        n_rows INTEGER NOT NULL,
        FOREIGN KEY (document_id) REFERENCES documents (id)
    );

    CREATE TABLE IF NOT EXISTS table_rows (
        document_id TEXT NOT NULL,
        row_index INTEGER NOT NULL,
        data TEXT NOT NULL, -- JSON object, column name -> typed value
        PRIMARY KEY (document_id, row_index),
        FOREIGN KEY (document_id) REFERENCES documents (id)
    );

    CREATE TABLE IF NOT EXISTS embeddings (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        document_id TEXT NOT NULL,
        kind TEXT NOT NULL CHECK (kind IN ('schema', 'content')),
        chunk_index INTEGER NOT NULL DEFAULT 0,
        content TEXT NOT NULL,
        embedding_json TEXT, -- JSON string of []float32
        FOREIGN KEY (document_id) REFERENCES documents (id)
    );

    CREATE TABLE IF NOT EXISTS queries (
        id TEXT PRIMARY KEY, -- UUID
        question TEXT NOT NULL,
        answer TEXT NOT NULL,
        intent TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE INDEX IF NOT EXISTS idx_table_rows_doc ON table_rows (document_id);
    CREATE INDEX IF NOT EXISTS idx_embeddings_doc ON embeddings (document_id, kind);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.Exec("INSERT INTO users (external_user_id, password_hash) VALUES (?, ?)", externalUserID, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()

	var user User
	err = s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Document methods

func (s *SQLiteStore) UpsertDocument(doc *Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.IngestedAt.IsZero() {
		doc.IngestedAt = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO documents (id, name, ingested_at) VALUES (?, ?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name, ingested_at = excluded.ingested_at",
		doc.ID, doc.Name, doc.IngestedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDocument(id string) (*Document, error) {
	var doc Document
	err := s.db.QueryRow("SELECT id, name, ingested_at FROM documents WHERE id = ?", id).
		Scan(&doc.ID, &doc.Name, &doc.IngestedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to query document: %w", err)
	}
	return &doc, nil
}

func (s *SQLiteStore) ListDocuments() ([]Document, error) {
	rows, err := s.db.Query("SELECT id, name, ingested_at FROM documents ORDER BY ingested_at ASC, id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.IngestedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document row: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Table methods

// SaveTable replaces the catalog entry and all rows of a document's table.
// Columns must already be normalized; row values must already be coerced.
func (s *SQLiteStore) SaveTable(documentID string, columns []Column, rowData []map[string]any) error {
	names := make([]string, len(columns))
	kinds := make([]string, len(columns))
	for i, c := range columns {
		names[i] = c.Name
		kinds[i] = string(c.Kind)
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("failed to marshal column names: %w", err)
	}
	kindsJSON, err := json.Marshal(kinds)
	if err != nil {
		return fmt.Errorf("failed to marshal column kinds: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin table save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO tables_catalog (document_id, column_names, column_kinds, n_rows) VALUES (?, ?, ?, ?) ON CONFLICT (document_id) DO UPDATE SET column_names = excluded.column_names, column_kinds = excluded.column_kinds, n_rows = excluded.n_rows",
		documentID, string(namesJSON), string(kindsJSON), len(rowData))
	if err != nil {
		return fmt.Errorf("failed to upsert table catalog: %w", err)
	}

	if _, err = tx.Exec("DELETE FROM table_rows WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("failed to clear table rows: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO table_rows (document_id, row_index, data) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare row insert: %w", err)
	}
	defer stmt.Close()

	for i, data := range rowData {
		dataJSON, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal row %d: %w", i, err)
		}
		if _, err := stmt.Exec(documentID, i, string(dataJSON)); err != nil {
			return fmt.Errorf("failed to insert row %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetSchema returns the ordered column view of a document's table, or nil
// if the document has no tabular data.
func (s *SQLiteStore) GetSchema(documentID string) (*Schema, error) {
	var namesJSON, kindsJSON string
	var nRows int
	err := s.db.QueryRow(
		"SELECT column_names, column_kinds, n_rows FROM tables_catalog WHERE document_id = ?",
		documentID).Scan(&namesJSON, &kindsJSON, &nRows)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // No tabular data for this document
		}
		return nil, fmt.Errorf("failed to query table catalog: %w", err)
	}

	var names, kinds []string
	if err := json.Unmarshal([]byte(namesJSON), &names); err != nil {
		return nil, fmt.Errorf("failed to unmarshal column names: %w", err)
	}
	if err := json.Unmarshal([]byte(kindsJSON), &kinds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal column kinds: %w", err)
	}

	schema := &Schema{DocumentID: documentID, NumRows: nRows}
	for i, n := range names {
		kind := KindText
		if i < len(kinds) {
			kind = ColumnKind(kinds[i])
		}
		schema.Columns = append(schema.Columns, Column{Name: n, Kind: kind})
	}
	return schema, nil
}

var identifierRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// bindValue picks the SQLite affinity of a filter value per the target
// column's kind. Numeric columns bind coerced numbers; everything else
// binds the value as text, so year filters against TEXT date cells compare
// lexicographically instead of silently matching nothing. SQLite orders
// every number below every text value, which would make a REAL-bound
// "2024" useless against a TEXT order_date column.
func bindValue(v any, kind ColumnKind) any {
	if kind == KindNumber {
		if c := CoerceValue(v); c != nil {
			return c
		}
		return ""
	}
	return strings.TrimSpace(asString(v))
}

// GetRows returns a document's rows in row order, restricted by the given
// filters and optionally projected to the named columns. Filter columns
// must be valid normalized identifiers; filter values are always bound as
// parameters, never interpolated.
func (s *SQLiteStore) GetRows(ctx context.Context, documentID string, filters []RowFilter, columns []string) ([]Row, error) {
	query := "SELECT row_index, data FROM table_rows WHERE document_id = ?"
	args := []any{documentID}

	kinds := map[string]ColumnKind{}
	if len(filters) > 0 {
		schema, err := s.GetSchema(documentID)
		if err != nil {
			return nil, err
		}
		if schema != nil {
			for _, c := range schema.Columns {
				kinds[c.Name] = c.Kind
			}
		}
	}

	for _, f := range filters {
		if !identifierRe.MatchString(f.Column) {
			return nil, fmt.Errorf("invalid filter column %q", f.Column)
		}
		expr := "json_extract(data, '$." + f.Column + "')"
		kind := kinds[f.Column]
		switch f.Op {
		case OpEq:
			query += " AND " + expr + " = ?"
			args = append(args, bindValue(f.Value, kind))
		case OpNeq:
			query += " AND " + expr + " <> ?"
			args = append(args, bindValue(f.Value, kind))
		case OpLt:
			query += " AND " + expr + " < ?"
			args = append(args, bindValue(f.Value, kind))
		case OpLte:
			query += " AND " + expr + " <= ?"
			args = append(args, bindValue(f.Value, kind))
		case OpGt:
			query += " AND " + expr + " > ?"
			args = append(args, bindValue(f.Value, kind))
		case OpGte:
			query += " AND " + expr + " >= ?"
			args = append(args, bindValue(f.Value, kind))
		case OpContains:
			query += " AND " + expr + " LIKE ?"
			args = append(args, "%"+fmt.Sprint(f.Value)+"%")
		default:
			return nil, fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	query += " ORDER BY row_index ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query table rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var idx int
		var dataJSON string
		if err := rows.Scan(&idx, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row %d data: %w", idx, err)
		}
		if len(columns) > 0 {
			projected := make(map[string]any, len(columns))
			for _, c := range columns {
				projected[c] = data[c]
			}
			data = projected
		}
		out = append(out, Row{DocumentID: documentID, Index: idx, Data: data})
	}
	return out, rows.Err()
}

// GetSampleRows returns up to n leading rows of a document's table,
// used to show the planner representative values.
func (s *SQLiteStore) GetSampleRows(ctx context.Context, documentID string, n int) ([]Row, error) {
	all, err := s.GetRows(ctx, documentID, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

// Embedding methods

func (s *SQLiteStore) createEmbedding(rec *EmbeddingRecord) error {
	embeddingBytes, err := json.Marshal(rec.Embedding)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	rec.EmbeddingJSON = string(embeddingBytes)

	res, err := s.db.Exec(
		"INSERT INTO embeddings (document_id, kind, chunk_index, content, embedding_json) VALUES (?, ?, ?, ?, ?)",
		rec.DocumentID, rec.Kind, rec.ChunkIndex, rec.Content, rec.EmbeddingJSON)
	if err != nil {
		return fmt.Errorf("failed to insert embedding: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// GetAllEmbeddings returns every stored embedding in insertion order.
// Retrieval relies on that order for deterministic tie-breaking.
func (s *SQLiteStore) GetAllEmbeddings() ([]EmbeddingRecord, error) {
	rows, err := s.db.Query("SELECT id, document_id, kind, chunk_index, content, embedding_json FROM embeddings ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	var records []EmbeddingRecord
	for rows.Next() {
		var rec EmbeddingRecord
		var embeddingJSON sql.NullString
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.Kind, &rec.ChunkIndex, &rec.Content, &embeddingJSON); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		if embeddingJSON.Valid && embeddingJSON.String != "" {
			rec.EmbeddingJSON = embeddingJSON.String
			if err := json.Unmarshal([]byte(embeddingJSON.String), &rec.Embedding); err != nil {
				log.Printf("Warning: failed to unmarshal embedding %d (content: %.50s...): %v. Embedding will be empty.", rec.ID, rec.Content, err)
				rec.Embedding = nil
			}
		} else {
			log.Printf("Warning: empty embedding_json for embedding ID %d. Embedding will be empty.", rec.ID)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) clearDocumentEmbeddings(documentID string) error {
	if _, err := s.db.Exec("DELETE FROM embeddings WHERE document_id = ?", documentID); err != nil {
		return fmt.Errorf("failed to delete embeddings: %w", err)
	}
	return nil
}

// Query audit methods

func (s *SQLiteStore) SaveQueryRecord(rec *QueryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO queries (id, question, answer, intent, created_at) VALUES (?, ?, ?, ?, ?)",
		rec.ID, rec.Question, rec.Answer, rec.Intent, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert query record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListQueryRecords(limit int) ([]QueryRecord, error) {
	rows, err := s.db.Query(
		"SELECT id, question, answer, intent, created_at FROM queries ORDER BY created_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []QueryRecord
	for rows.Next() {
		var rec QueryRecord
		if err := rows.Scan(&rec.ID, &rec.Question, &rec.Answer, &rec.Intent, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan query record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ingestion

// ManifestDocument is one document entry of an ingestion manifest file.
type ManifestDocument struct {
	ID     string   `json:"id,omitempty"`
	Name   string   `json:"name"`
	Chunks []string `json:"chunks,omitempty"`
	Table  *struct {
		Headers []string   `json:"headers"`
		Rows    [][]string `json:"rows"`
	} `json:"table,omitempty"`
}

type manifest struct {
	Documents []ManifestDocument `json:"documents"`
}

// IngestManifest reads a JSON manifest produced by the external extraction
// pipeline, normalizes tables, embeds text chunks and schema summaries via
// the given embedder, and persists everything. Returns the number of
// documents ingested.
func (s *SQLiteStore) IngestManifest(path string, embedder func(string) ([]float32, error)) (int, error) {
	contentBytes, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m manifest
	if err := json.Unmarshal(contentBytes, &m); err != nil {
		return 0, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if len(m.Documents) == 0 {
		log.Println("Manifest contains no documents. Nothing to ingest.")
		return 0, nil
	}

	ticker := time.NewTicker(40 * time.Millisecond) // stay under embedding rate limits
	defer ticker.Stop()

	count := 0
	for _, md := range m.Documents {
		doc := Document{ID: md.ID, Name: md.Name}
		if err := s.UpsertDocument(&doc); err != nil {
			return count, err
		}
		if err := s.clearDocumentEmbeddings(doc.ID); err != nil {
			return count, err
		}

		if md.Table != nil && len(md.Table.Headers) > 0 {
			columns, rowData := normalizeManifestTable(md.Table.Headers, md.Table.Rows)
			if err := s.SaveTable(doc.ID, columns, rowData); err != nil {
				return count, err
			}

			<-ticker.C
			summary := schemaSummary(md.Name, columns, len(rowData))
			embedding, err := embedder(summary)
			if err != nil {
				log.Printf("Failed to embed schema summary for %s: %v. Skipping schema embedding.", md.Name, err)
			} else if err := s.createEmbedding(&EmbeddingRecord{
				DocumentID: doc.ID,
				Kind:       EmbeddingKindSchema,
				Content:    summary,
				Embedding:  embedding,
			}); err != nil {
				return count, err
			}
		}

		for i, chunk := range md.Chunks {
			<-ticker.C
			embedding, err := embedder(chunk)
			if err != nil {
				log.Printf("Failed to embed chunk %d of %s (%.50s...): %v. Skipping.", i, md.Name, chunk, err)
				continue
			}
			if err := s.createEmbedding(&EmbeddingRecord{
				DocumentID: doc.ID,
				Kind:       EmbeddingKindContent,
				ChunkIndex: i,
				Content:    chunk,
				Embedding:  embedding,
			}); err != nil {
				return count, err
			}
		}

		count++
		log.Printf("Ingested document %q (%d/%d)", md.Name, count, len(m.Documents))
	}
	return count, nil
}

// normalizeManifestTable converts raw headers and cell grids into
// normalized columns and coerced row maps, deduplicating column names.
func normalizeManifestTable(headers []string, rows [][]string) ([]Column, []map[string]any) {
	names := make([]string, len(headers))
	taken := make(map[string]bool, len(headers))
	counter := make(map[string]int, len(headers))
	for i, h := range headers {
		name := NormalizeHeader(h)
		if taken[name] {
			// Keep counting until the suffixed name is itself free; a raw
			// header like "sales_2" may already occupy a candidate.
			n := counter[name]
			for {
				n++
				candidate := fmt.Sprintf("%s_%d", name, n)
				if !taken[candidate] {
					counter[name] = n
					name = candidate
					break
				}
			}
		}
		taken[name] = true
		names[i] = name
	}

	rowData := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		data := make(map[string]any, len(names))
		for i, name := range names {
			if i < len(r) {
				data[name] = CoerceValue(r[i])
			} else {
				data[name] = nil
			}
		}
		rowData = append(rowData, data)
	}

	columns := InferColumnKinds(names, rowData)
	return columns, rowData
}

// schemaSummary renders the one-line natural language description of a
// table that gets embedded for analytical retrieval.
func schemaSummary(name string, columns []Column, nRows int) string {
	colNames := make([]string, len(columns))
	for i, c := range columns {
		colNames[i] = c.Name
	}
	return fmt.Sprintf("file=%s; columns: %s; rows=%d", name, strings.Join(colNames, ", "), nRows)
}
