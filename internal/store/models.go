package store

import "time"

// ColumnKind is the inferred type of a table column, derived at ingestion
// time from the header name and sampled values.
type ColumnKind string

const (
	KindNumber   ColumnKind = "number"
	KindTemporal ColumnKind = "temporal"
	KindText     ColumnKind = "text"
	// Period kinds mark columns tied to a fiscal quarter, e.g. "q3_sales".
	KindPeriodQ1 ColumnKind = "period_q1"
	KindPeriodQ2 ColumnKind = "period_q2"
	KindPeriodQ3 ColumnKind = "period_q3"
	KindPeriodQ4 ColumnKind = "period_q4"
)

// Temporal reports whether the kind can hold year/quarter/date values.
func (k ColumnKind) Temporal() bool {
	return k == KindTemporal || k == KindPeriodQ1 || k == KindPeriodQ2 ||
		k == KindPeriodQ3 || k == KindPeriodQ4
}

type Document struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	IngestedAt time.Time `json:"ingested_at"`
}

type Column struct {
	Name string     `json:"name"`
	Kind ColumnKind `json:"kind"`
}

// Schema is the ordered, read-only column view of one document's table.
// Column names are snake_case normalized and unique within a document.
type Schema struct {
	DocumentID string   `json:"document_id"`
	Columns    []Column `json:"columns"`
	NumRows    int      `json:"n_rows"`
}

// HasColumn reports whether name is a live column of this schema.
func (s *Schema) HasColumn(name string) bool {
	for _, c := range s.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Kind returns the kind of the named column, or KindText if unknown.
func (s *Schema) Kind(name string) ColumnKind {
	for _, c := range s.Columns {
		if c.Name == name {
			return c.Kind
		}
	}
	return KindText
}

// ColumnNames returns the ordered column names.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Row is one normalized table record. Data maps column name to a typed
// value: string, float64, bool or nil (JSON decoded).
type Row struct {
	DocumentID string         `json:"document_id"`
	Index      int            `json:"row_index"`
	Data       map[string]any `json:"data"`
}

// EmbeddingRecord holds one stored vector: either a document's schema
// summary (kind "schema") or a free-text content chunk (kind "content").
type EmbeddingRecord struct {
	ID            int64     `json:"id"`
	DocumentID    string    `json:"document_id"`
	Kind          string    `json:"kind"` // "schema" or "content"
	ChunkIndex    int       `json:"chunk_index"`
	Content       string    `json:"content"`
	Embedding     []float32 `json:"-"` // internal, not exposed in responses
	EmbeddingJSON string    `json:"-"` // raw JSON string as stored
}

const (
	EmbeddingKindSchema  = "schema"
	EmbeddingKindContent = "content"
)

// FilterOp is a comparison operator permitted in compiled row filters.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNeq      FilterOp = "neq"
	OpLt       FilterOp = "lt"
	OpLte      FilterOp = "lte"
	OpGt       FilterOp = "gt"
	OpGte      FilterOp = "gte"
	OpContains FilterOp = "contains"
)

// ValidOp reports whether op is one of the permitted filter operators.
func ValidOp(op FilterOp) bool {
	switch op {
	case OpEq, OpNeq, OpLt, OpLte, OpGt, OpGte, OpContains:
		return true
	}
	return false
}

// RowFilter is one (column, operator, value) predicate. The column name
// must already be validated against the document schema before the filter
// reaches the store; values are always bound as query parameters.
type RowFilter struct {
	Column string   `json:"column"`
	Op     FilterOp `json:"op"`
	Value  any      `json:"value"`
}

type User struct {
	ID             int64     `json:"id"`
	ExternalUserID string    `json:"external_user_id"`
	PasswordHash   string    `json:"-"` // Do not expose this in JSON responses
	CreatedAt      time.Time `json:"created_at"`
}

// QueryRecord is the request-boundary audit entry for one answered
// question. Written by the API layer only, never read by the core.
type QueryRecord struct {
	ID        string    `json:"id"` // UUID
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Intent    string    `json:"intent"`
	CreatedAt time.Time `json:"created_at"`
}
