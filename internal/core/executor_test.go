package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NaamaFrank/sqope/internal/store"
)

func seedExecutorTable(t *testing.T, s *store.SQLiteStore) string {
	t.Helper()
	doc := store.Document{ID: "doc-exec", Name: "regional.csv"}
	require.NoError(t, s.UpsertDocument(&doc))

	columns := []store.Column{
		{Name: "region", Kind: store.KindText},
		{Name: "sales", Kind: store.KindNumber},
	}
	rows := []map[string]any{
		{"region": "EU", "sales": 100.0},
		{"region": "US", "sales": 150.0},
		{"region": "EU", "sales": 50.0},
		{"region": "APAC", "sales": nil},
	}
	require.NoError(t, s.SaveTable(doc.ID, columns, rows))
	return doc.ID
}

func structuredPlan(docID string, op Operation, columns ...string) *Plan {
	return &Plan{
		Intent: IntentStructured,
		Structured: &StructuredPlan{
			TargetDocumentID: docID,
			Operation:        op,
			Columns:          columns,
		},
	}
}

func TestExecuteSum(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)

	result, err := ex.Execute(context.Background(), structuredPlan(docID, OpSum, "sales"))
	require.NoError(t, err)
	sr := result.Structured
	require.NotNil(t, sr)
	assert.True(t, sr.HasValue)
	assert.Equal(t, 300.0, sr.Value)
	assert.Equal(t, 1, sr.Excluded) // the null APAC cell
	assert.Equal(t, "sales", sr.Column)
}

func TestExecuteAvgMinMax(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)
	ctx := context.Background()

	avg, err := ex.Execute(ctx, structuredPlan(docID, OpAvg, "sales"))
	require.NoError(t, err)
	assert.Equal(t, 100.0, avg.Structured.Value)

	min, err := ex.Execute(ctx, structuredPlan(docID, OpMin, "sales"))
	require.NoError(t, err)
	assert.Equal(t, 50.0, min.Structured.Value)

	max, err := ex.Execute(ctx, structuredPlan(docID, OpMax, "sales"))
	require.NoError(t, err)
	assert.Equal(t, 150.0, max.Structured.Value)
}

func TestExecuteCountWithFilter(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)

	plan := structuredPlan(docID, OpCount)
	plan.Structured.Filters = []store.RowFilter{{Column: "region", Op: store.OpEq, Value: "EU"}}

	result, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, 2.0, result.Structured.Value)
	assert.True(t, result.Structured.HasValue)
}

func TestExecuteSelectProjection(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)

	result, err := ex.Execute(context.Background(), structuredPlan(docID, OpSelect, "region"))
	require.NoError(t, err)
	require.Len(t, result.Structured.Rows, 4)
	assert.Equal(t, "EU", result.Structured.Rows[0].Data["region"])
	_, hasSales := result.Structured.Rows[0].Data["sales"]
	assert.False(t, hasSales)
}

func TestExecuteGroupBy(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)

	plan := structuredPlan(docID, OpGroupBy, "sales")
	plan.Structured.GroupByColumn = "region"
	plan.Structured.GroupFunc = OpSum

	result, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	groups := result.Structured.Groups
	require.Len(t, groups, 3)

	// First-occurrence order of the group key.
	assert.Equal(t, "EU", groups[0].Key)
	assert.Equal(t, 150.0, groups[0].Aggregate)
	assert.Equal(t, 2, groups[0].RowCount)
	assert.Equal(t, "US", groups[1].Key)
	assert.Equal(t, 150.0, groups[1].Aggregate)
	assert.Equal(t, "APAC", groups[2].Key)
	assert.Equal(t, 1, groups[2].Excluded)
}

func TestExecuteGroupByCount(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)

	plan := structuredPlan(docID, OpGroupBy)
	plan.Structured.GroupByColumn = "region"
	plan.Structured.GroupFunc = OpCount

	result, err := ex.Execute(context.Background(), plan)
	require.NoError(t, err)
	groups := result.Structured.Groups
	require.Len(t, groups, 3)
	assert.Equal(t, 2.0, groups[0].Aggregate)
	assert.Equal(t, 1.0, groups[1].Aggregate)
}

func TestExecuteCountMatchesUnfilteredSelect(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)
	ctx := context.Background()

	count, err := ex.Execute(ctx, structuredPlan(docID, OpCount))
	require.NoError(t, err)
	selected, err := ex.Execute(ctx, structuredPlan(docID, OpSelect))
	require.NoError(t, err)
	assert.Equal(t, count.Structured.Value, float64(len(selected.Structured.Rows)))
}

func TestExecuteNoNumericValues(t *testing.T) {
	s := newTestStore(t)
	doc := store.Document{ID: "doc-text", Name: "notes.csv"}
	require.NoError(t, s.UpsertDocument(&doc))
	require.NoError(t, s.SaveTable(doc.ID,
		[]store.Column{{Name: "note", Kind: store.KindText}},
		[]map[string]any{{"note": "hello"}, {"note": nil}}))
	ex := NewExecutor(s)

	result, err := ex.Execute(context.Background(), structuredPlan(doc.ID, OpSum, "note"))
	require.NoError(t, err)
	assert.False(t, result.Structured.HasValue)
	assert.Equal(t, 2, result.Structured.Excluded)
}

func TestExecuteSchemaValidation(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)
	ctx := context.Background()

	var schemaErr *SchemaValidationError

	_, err := ex.Execute(ctx, structuredPlan(docID, OpSum, "profit"))
	assert.ErrorAs(t, err, &schemaErr)

	_, err = ex.Execute(ctx, structuredPlan("no-such-doc", OpSum, "sales"))
	assert.ErrorAs(t, err, &schemaErr)

	_, err = ex.Execute(ctx, &Plan{Intent: IntentStructured})
	assert.ErrorAs(t, err, &schemaErr)

	plan := structuredPlan(docID, OpCount)
	plan.Structured.Filters = []store.RowFilter{{Column: "ghost", Op: store.OpEq, Value: 1}}
	_, err = ex.Execute(ctx, plan)
	assert.ErrorAs(t, err, &schemaErr)
}

func TestExecuteDeterministic(t *testing.T) {
	s := newTestStore(t)
	docID := seedExecutorTable(t, s)
	ex := NewExecutor(s)
	ctx := context.Background()

	plan := structuredPlan(docID, OpGroupBy, "sales")
	plan.Structured.GroupByColumn = "region"
	plan.Structured.GroupFunc = OpAvg

	first, err := ex.Execute(ctx, plan)
	require.NoError(t, err)
	second, err := ex.Execute(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
