package core

import (
	"github.com/NaamaFrank/sqope/internal/store"
)

// Intent is the answering strategy chosen for a question.
type Intent string

const (
	IntentSemantic   Intent = "semantic"   // free-text passage retrieval
	IntentStructured Intent = "structured" // aggregation over table rows
	IntentHybrid     Intent = "hybrid"     // both, fused
)

// Operation is a structured query operation over one document's rows.
type Operation string

const (
	OpSelect  Operation = "select"
	OpCount   Operation = "count"
	OpSum     Operation = "sum"
	OpAvg     Operation = "avg"
	OpMin     Operation = "min"
	OpMax     Operation = "max"
	OpGroupBy Operation = "group_by"
)

// aggregateOp reports whether op reduces a numeric column to one value.
func aggregateOp(op Operation) bool {
	switch op {
	case OpSum, OpAvg, OpMin, OpMax:
		return true
	}
	return false
}

// StructuredPlan is a schema-validated description of a single-document
// query. Every column reference has been checked against the target
// document's live schema before a plan carrying it is constructed.
type StructuredPlan struct {
	TargetDocumentID string            `json:"target_document_id"`
	Operation        Operation         `json:"operation"`
	Columns          []string          `json:"columns,omitempty"`
	Filters          []store.RowFilter `json:"filters,omitempty"`
	GroupByColumn    string            `json:"group_by_column,omitempty"`
	// GroupFunc is the aggregate applied per partition when Operation is
	// group_by: count when no column is selected, otherwise one of
	// sum/avg/min/max over Columns[0].
	GroupFunc Operation `json:"group_func,omitempty"`
}

// Plan is the planner's output. Structured is non-nil only for
// structured/hybrid intents.
type Plan struct {
	Intent     Intent          `json:"intent"`
	Structured *StructuredPlan `json:"structured,omitempty"`
}

// Candidate is one retrieval hit: a schema summary or content chunk of a
// document, with its similarity score against the query embedding.
type Candidate struct {
	DocumentID string  `json:"document_id"`
	Score      float32 `json:"score"`
	Kind       string  `json:"kind"` // store.EmbeddingKindSchema or ...Content
	Content    string  `json:"content"`
	ChunkIndex int     `json:"chunk_index"`
}

// Passage is one retrieved text span used for a semantic answer.
type Passage struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

// GroupResult is one partition of a group_by result, in first-occurrence
// order of the group key.
type GroupResult struct {
	Key       any     `json:"key"`
	Aggregate float64 `json:"aggregate"`
	RowCount  int     `json:"row_count"`
	Excluded  int     `json:"excluded"`
}

// StructuredResult is the outcome of executing a structured plan.
// Excluded records how many filtered rows were skipped because the
// aggregated column held a null or non-numeric value.
type StructuredResult struct {
	Operation Operation     `json:"operation"`
	Column    string        `json:"column,omitempty"`
	Value     float64       `json:"value"`
	HasValue  bool          `json:"has_value"`
	Excluded  int           `json:"excluded"`
	Rows      []store.Row   `json:"rows,omitempty"`
	Groups    []GroupResult `json:"groups,omitempty"`
}

// QueryResult carries whichever parts of the pipeline ran for a request.
type QueryResult struct {
	Intent     Intent            `json:"intent"`
	Passages   []Passage         `json:"passages,omitempty"`
	Structured *StructuredResult `json:"structured,omitempty"`
}

// SourceRef attributes part of an answer to a document: either a passage
// span or the structured operation that was applied.
type SourceRef struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex *int    `json:"chunk_index,omitempty"`
	Operation  string  `json:"operation,omitempty"`
	Score      float32 `json:"score,omitempty"`
}

// Answer is the final response for one question.
type Answer struct {
	Text    string      `json:"answer"`
	Intent  Intent      `json:"intent"`
	Sources []SourceRef `json:"sources"`
}
