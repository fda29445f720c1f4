package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedSalesTable(t *testing.T, s *SQLiteStore) string {
	t.Helper()
	doc := Document{ID: "doc-sales", Name: "sales.pdf"}
	require.NoError(t, s.UpsertDocument(&doc))

	columns := []Column{
		{Name: "region", Kind: KindText},
		{Name: "sales", Kind: KindNumber},
	}
	rows := []map[string]any{
		{"region": "EU", "sales": 100.0},
		{"region": "US", "sales": 150.0},
		{"region": "APAC", "sales": nil},
	}
	require.NoError(t, s.SaveTable(doc.ID, columns, rows))
	return doc.ID
}

func TestUserRoundTrip(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateUser("alice", "hash123")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	found, err := s.GetUserByExternalID("alice")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "hash123", found.PasswordHash)

	missing, err := s.GetUserByExternalID("nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpsertDocument(t *testing.T) {
	s := newTestStore(t)

	doc := Document{Name: "report.pdf"}
	require.NoError(t, s.UpsertDocument(&doc))
	assert.NotEmpty(t, doc.ID)

	doc.Name = "report-v2.pdf"
	require.NoError(t, s.UpsertDocument(&doc))

	got, err := s.GetDocument(doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "report-v2.pdf", got.Name)

	docs, err := s.ListDocuments()
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestGetSchema(t *testing.T) {
	s := newTestStore(t)
	docID := seedSalesTable(t, s)

	schema, err := s.GetSchema(docID)
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Equal(t, 3, schema.NumRows)
	require.Len(t, schema.Columns, 2)
	assert.Equal(t, "region", schema.Columns[0].Name)
	assert.Equal(t, KindNumber, schema.Columns[1].Kind)
	assert.True(t, schema.HasColumn("sales"))
	assert.False(t, schema.HasColumn("profit"))

	none, err := s.GetSchema("no-such-doc")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSaveTableReplacesRows(t *testing.T) {
	s := newTestStore(t)
	docID := seedSalesTable(t, s)

	columns := []Column{{Name: "region", Kind: KindText}}
	require.NoError(t, s.SaveTable(docID, columns, []map[string]any{{"region": "LATAM"}}))

	rows, err := s.GetRows(context.Background(), docID, nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "LATAM", rows[0].Data["region"])
}

func TestGetRowsOrderAndProjection(t *testing.T) {
	s := newTestStore(t)
	docID := seedSalesTable(t, s)

	rows, err := s.GetRows(context.Background(), docID, nil, []string{"region"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 0, rows[0].Index)
	assert.Equal(t, "EU", rows[0].Data["region"])
	_, hasSales := rows[0].Data["sales"]
	assert.False(t, hasSales)
}

func TestGetRowsFilters(t *testing.T) {
	s := newTestStore(t)
	docID := seedSalesTable(t, s)
	ctx := context.Background()

	eu, err := s.GetRows(ctx, docID, []RowFilter{{Column: "region", Op: OpEq, Value: "EU"}}, nil)
	require.NoError(t, err)
	require.Len(t, eu, 1)
	assert.Equal(t, 100.0, eu[0].Data["sales"])

	big, err := s.GetRows(ctx, docID, []RowFilter{{Column: "sales", Op: OpGt, Value: 120}}, nil)
	require.NoError(t, err)
	require.Len(t, big, 1)
	assert.Equal(t, "US", big[0].Data["region"])

	// Numeric filter values arriving as strings still compare numerically.
	alsoBig, err := s.GetRows(ctx, docID, []RowFilter{{Column: "sales", Op: OpGte, Value: "150"}}, nil)
	require.NoError(t, err)
	assert.Len(t, alsoBig, 1)

	like, err := s.GetRows(ctx, docID, []RowFilter{{Column: "region", Op: OpContains, Value: "PA"}}, nil)
	require.NoError(t, err)
	require.Len(t, like, 1)
	assert.Equal(t, "APAC", like[0].Data["region"])

	none, err := s.GetRows(ctx, docID, []RowFilter{{Column: "region", Op: OpNeq, Value: "EU"}}, nil)
	require.NoError(t, err)
	assert.Len(t, none, 2)
}

func TestGetRowsTemporalYearFilter(t *testing.T) {
	s := newTestStore(t)
	doc := Document{ID: "doc-dated", Name: "dated.csv"}
	require.NoError(t, s.UpsertDocument(&doc))

	columns := []Column{
		{Name: "order_date", Kind: KindTemporal},
		{Name: "sales", Kind: KindNumber},
	}
	rows := []map[string]any{
		{"order_date": "1999-12-01", "sales": 10.0},
		{"order_date": "2024-03-15", "sales": 20.0},
		{"order_date": "2025-01-02", "sales": 30.0},
	}
	require.NoError(t, s.SaveTable(doc.ID, columns, rows))
	ctx := context.Background()

	// Date cells are stored as TEXT; a year bound must compare as text,
	// not as a REAL that sorts below every string.
	since, err := s.GetRows(ctx, doc.ID, []RowFilter{{Column: "order_date", Op: OpGte, Value: "2024"}}, nil)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "2024-03-15", since[0].Data["order_date"])

	before, err := s.GetRows(ctx, doc.ID, []RowFilter{{Column: "order_date", Op: OpLt, Value: "2024"}}, nil)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, "1999-12-01", before[0].Data["order_date"])
}

func TestGetRowsRejectsBadFilterColumn(t *testing.T) {
	s := newTestStore(t)
	docID := seedSalesTable(t, s)

	_, err := s.GetRows(context.Background(), docID, []RowFilter{
		{Column: "sales'); DROP TABLE table_rows;--", Op: OpEq, Value: 1},
	}, nil)
	assert.Error(t, err)

	// Table survives the attempt.
	rows, err := s.GetRows(context.Background(), docID, nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestGetSampleRows(t *testing.T) {
	s := newTestStore(t)
	docID := seedSalesTable(t, s)

	samples, err := s.GetSampleRows(context.Background(), docID, 2)
	require.NoError(t, err)
	assert.Len(t, samples, 2)
}

func TestEmbeddingsInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	doc := Document{ID: "doc-1", Name: "a.txt"}
	require.NoError(t, s.UpsertDocument(&doc))

	for i, content := range []string{"first", "second", "third"} {
		require.NoError(t, s.createEmbedding(&EmbeddingRecord{
			DocumentID: doc.ID,
			Kind:       EmbeddingKindContent,
			ChunkIndex: i,
			Content:    content,
			Embedding:  []float32{float32(i), 1},
		}))
	}

	records, err := s.GetAllEmbeddings()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "first", records[0].Content)
	assert.Equal(t, "third", records[2].Content)
	assert.Equal(t, []float32{1, 1}, records[1].Embedding)
}

func TestQueryRecords(t *testing.T) {
	s := newTestStore(t)

	older := QueryRecord{Question: "q1", Answer: "a1", Intent: "semantic", CreatedAt: time.Now().Add(-time.Hour)}
	newer := QueryRecord{Question: "q2", Answer: "a2", Intent: "structured", CreatedAt: time.Now()}
	require.NoError(t, s.SaveQueryRecord(&older))
	require.NoError(t, s.SaveQueryRecord(&newer))
	assert.NotEmpty(t, older.ID)

	records, err := s.ListQueryRecords(10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "q2", records[0].Question)

	limited, err := s.ListQueryRecords(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestNormalizeManifestTableDedup(t *testing.T) {
	// The second raw "sales" must not collide with the real "sales_2".
	columns, rowData := normalizeManifestTable(
		[]string{"Sales", "sales_2", "Sales"},
		[][]string{{"1", "2", "3"}})

	require.Len(t, columns, 3)
	assert.Equal(t, "sales", columns[0].Name)
	assert.Equal(t, "sales_2", columns[1].Name)
	assert.Equal(t, "sales_1", columns[2].Name)

	require.Len(t, rowData, 1)
	assert.Equal(t, 1.0, rowData[0]["sales"])
	assert.Equal(t, 2.0, rowData[0]["sales_2"])
	assert.Equal(t, 3.0, rowData[0]["sales_1"])
}

func TestIngestManifest(t *testing.T) {
	s := newTestStore(t)

	m := map[string]any{
		"documents": []map[string]any{
			{
				"id":     "doc-sales",
				"name":   "sales.pdf",
				"chunks": []string{"Sales grew steadily in Europe.", "US demand was strong."},
				"table": map[string]any{
					"headers": []string{"Region", "Q3 Sales"},
					"rows":    [][]string{{"EU", "$1.2M"}, {"US", "950k"}},
				},
			},
		},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	count, err := s.IngestManifest(path, func(text string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	schema, err := s.GetSchema("doc-sales")
	require.NoError(t, err)
	require.NotNil(t, schema)
	require.Len(t, schema.Columns, 2)
	assert.Equal(t, "region", schema.Columns[0].Name)
	assert.Equal(t, "q3_sales", schema.Columns[1].Name)
	assert.Equal(t, ColumnKind("period_q3"), schema.Columns[1].Kind)

	rows, err := s.GetRows(context.Background(), "doc-sales", nil, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 1200000.0, rows[0].Data["q3_sales"])
	assert.Equal(t, 950000.0, rows[1].Data["q3_sales"])

	records, err := s.GetAllEmbeddings()
	require.NoError(t, err)
	require.Len(t, records, 3) // one schema summary + two chunks
	assert.Equal(t, EmbeddingKindSchema, records[0].Kind)

	// Re-ingesting replaces embeddings instead of duplicating them.
	_, err = s.IngestManifest(path, func(text string) ([]float32, error) {
		return []float32{0, 1, 0}, nil
	})
	require.NoError(t, err)
	records, err = s.GetAllEmbeddings()
	require.NoError(t, err)
	assert.Len(t, records, 3)
}
