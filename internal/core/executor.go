package core

import (
	"context"
	"fmt"

	"github.com/NaamaFrank/sqope/internal/store"
)

// Executor compiles a validated structured plan into parameterized reads
// against the row store and computes the aggregate locally. Semantic plans
// never reach it; the coordinator passes retrieval candidates through
// directly.
type Executor struct {
	db *store.SQLiteStore
}

func NewExecutor(db *store.SQLiteStore) *Executor {
	return &Executor{db: db}
}

// Execute runs a structured plan. The plan is re-validated against the
// live schema at this stage: the executor trusts no upstream component
// with column references. Executing the same plan against an unchanged
// store yields an identical result.
func (e *Executor) Execute(ctx context.Context, plan *Plan) (*QueryResult, error) {
	sp := plan.Structured
	if sp == nil {
		return nil, schemaErrorf("plan has no structured component")
	}
	if sp.TargetDocumentID == "" {
		return nil, schemaErrorf("plan has no target document")
	}

	schema, err := e.db.GetSchema(sp.TargetDocumentID)
	if err != nil {
		return nil, fmt.Errorf("%w: loading schema for document %s: %v", ErrExecution, sp.TargetDocumentID, err)
	}
	if schema == nil {
		return nil, schemaErrorf("document %s has no tabular data", sp.TargetDocumentID)
	}
	if err := validatePlanAgainstSchema(sp, schema); err != nil {
		return nil, err
	}

	rows, err := e.db.GetRows(ctx, sp.TargetDocumentID, sp.Filters, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching rows for document %s: %v", ErrExecution, sp.TargetDocumentID, err)
	}

	result := &StructuredResult{Operation: sp.Operation}
	switch sp.Operation {
	case OpCount:
		result.Value = float64(len(rows))
		result.HasValue = true

	case OpSum, OpAvg, OpMin, OpMax:
		result.Column = sp.Columns[0]
		agg := aggregate(sp.Operation, sp.Columns[0], rows)
		result.Value = agg.value
		result.HasValue = agg.hasValue
		result.Excluded = agg.excluded

	case OpSelect:
		result.Rows = projectRows(rows, sp.Columns)

	case OpGroupBy:
		col := ""
		if sp.GroupFunc != OpCount {
			col = sp.Columns[0]
		}
		result.Column = col
		result.Groups = groupRows(rows, sp.GroupByColumn, sp.GroupFunc, col)

	default:
		return nil, schemaErrorf("unsupported operation %q", sp.Operation)
	}

	return &QueryResult{Intent: plan.Intent, Structured: result}, nil
}

// validatePlanAgainstSchema enforces the compiler-stage invariant: every
// column reference must exist in the target document's current schema.
func validatePlanAgainstSchema(sp *StructuredPlan, schema *store.Schema) error {
	for _, c := range sp.Columns {
		if !schema.HasColumn(c) {
			return schemaErrorf("unknown column %q in document %s", c, sp.TargetDocumentID)
		}
	}
	for _, f := range sp.Filters {
		if !schema.HasColumn(f.Column) {
			return schemaErrorf("unknown filter column %q in document %s", f.Column, sp.TargetDocumentID)
		}
		if !store.ValidOp(f.Op) {
			return schemaErrorf("unknown filter operator %q", f.Op)
		}
	}
	if sp.GroupByColumn != "" && !schema.HasColumn(sp.GroupByColumn) {
		return schemaErrorf("unknown group column %q in document %s", sp.GroupByColumn, sp.TargetDocumentID)
	}
	if aggregateOp(sp.Operation) && len(sp.Columns) == 0 {
		return schemaErrorf("aggregate %s without a column", sp.Operation)
	}
	if sp.Operation == OpGroupBy {
		if sp.GroupByColumn == "" {
			return schemaErrorf("group_by without a group column")
		}
		if sp.GroupFunc != OpCount && len(sp.Columns) == 0 {
			return schemaErrorf("group aggregate %s without a column", sp.GroupFunc)
		}
	}
	return nil
}

type aggResult struct {
	value    float64
	hasValue bool
	excluded int
}

// aggregate folds the named column over the rows, skipping null and
// non-numeric cells and counting how many were skipped.
func aggregate(op Operation, column string, rows []store.Row) aggResult {
	var res aggResult
	sum := 0.0
	count := 0
	for _, r := range rows {
		n, ok := store.AsNumber(r.Data[column])
		if !ok {
			res.excluded++
			continue
		}
		if count == 0 {
			res.value = n
		}
		sum += n
		count++
		switch op {
		case OpMin:
			if n < res.value {
				res.value = n
			}
		case OpMax:
			if n > res.value {
				res.value = n
			}
		}
	}
	if count == 0 {
		return res
	}
	res.hasValue = true
	switch op {
	case OpSum:
		res.value = sum
	case OpAvg:
		res.value = sum / float64(count)
	}
	return res
}

func projectRows(rows []store.Row, columns []string) []store.Row {
	if len(columns) == 0 {
		return rows
	}
	out := make([]store.Row, len(rows))
	for i, r := range rows {
		data := make(map[string]any, len(columns))
		for _, c := range columns {
			data[c] = r.Data[c]
		}
		out[i] = store.Row{DocumentID: r.DocumentID, Index: r.Index, Data: data}
	}
	return out
}

// groupRows partitions rows by the group column's value, in first
// occurrence order, and applies the aggregate per partition.
func groupRows(rows []store.Row, groupCol string, fn Operation, aggCol string) []GroupResult {
	order := make([]string, 0)
	partitions := make(map[string][]store.Row)
	keys := make(map[string]any)

	for _, r := range rows {
		key := fmt.Sprint(r.Data[groupCol])
		if _, seen := partitions[key]; !seen {
			order = append(order, key)
			keys[key] = r.Data[groupCol]
		}
		partitions[key] = append(partitions[key], r)
	}

	groups := make([]GroupResult, 0, len(order))
	for _, key := range order {
		part := partitions[key]
		g := GroupResult{Key: keys[key], RowCount: len(part)}
		if fn == OpCount {
			g.Aggregate = float64(len(part))
		} else {
			agg := aggregate(fn, aggCol, part)
			g.Aggregate = agg.value
			g.Excluded = agg.excluded
		}
		groups = append(groups, g)
	}
	return groups
}
