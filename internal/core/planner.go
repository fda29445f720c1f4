package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/NaamaFrank/sqope/internal/store"
)

// Advisor is the language-model suggestion source behind the planner.
// Its output is advisory and untrusted: every column, operation and filter
// it proposes is validated against the live schema before a Plan carrying
// it can exist.
type Advisor interface {
	ClassifyIntent(ctx context.Context, question string) (string, error)
	SuggestPlan(ctx context.Context, question, schemaJSON string) (string, error)
}

// Planner classifies a question's intent and, for structured/hybrid
// intents, produces a schema-validated plan over the best-matching
// document. A nil advisor degrades to rule-based planning only.
type Planner struct {
	db      *store.SQLiteStore
	advisor Advisor
	timeout time.Duration
}

func NewPlanner(db *store.SQLiteStore, advisor Advisor, timeout time.Duration) *Planner {
	return &Planner{db: db, advisor: advisor, timeout: timeout}
}

var (
	aggWords        = []string{"sum", "total", "average", "avg", "mean", "median", "count", "max", "min", "top", "rank", "percentage", "percent", "%", "rate", "growth", "change"}
	explainWords    = []string{"explain", "why", "insight", "insights", "interpret", "reason", "highlight", "analysis"}
	compareWords    = []string{"between", "vs", "versus", "compare", "difference", "higher", "lower", "than"}
	analyticPhrases = []string{"how many", "what is the average", "what's the average", "how much", "calculate", "compute", "what is the total"}

	numberLikeRe  = regexp.MustCompile(`\b\d+(?:[.,]\d+)?%?`)
	quarterLikeRe = regexp.MustCompile(`\bq[1-4]\b|quarter\s*\d\b`)
	topNLikeRe    = regexp.MustCompile(`\btop\s+\d+\b`)
	tokenSplitRe  = regexp.MustCompile(`[^a-z0-9_]+`)
	jsonObjectRe  = regexp.MustCompile(`(?s)\{.*\}`)
	yearValueRe   = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	quarterValRe  = regexp.MustCompile(`\bq[1-4]\b`)
)

// Plan decides the answering strategy for a question. Structured plans are
// only returned when every reference survived schema validation; any
// failure along the way falls back to semantic intent rather than erroring.
func (p *Planner) Plan(ctx context.Context, question string, candidates []Candidate) (*Plan, error) {
	intent := p.classify(ctx, question)
	if intent == IntentSemantic {
		return &Plan{Intent: IntentSemantic}, nil
	}

	structured, err := p.planStructured(ctx, question, candidates)
	if err != nil {
		log.Printf("Structured planning failed (%v), falling back to semantic intent.", err)
		return &Plan{Intent: IntentSemantic}, nil
	}
	return &Plan{Intent: intent, Structured: structured}, nil
}

// classify runs the fast rule-based intent detection first and consults
// the advisor only for ambiguous questions. Advisor failure means
// semantic, never a request failure.
func (p *Planner) classify(ctx context.Context, question string) Intent {
	ql := strings.ToLower(strings.TrimSpace(question))
	if ql == "" {
		return IntentSemantic
	}

	hasAgg := containsAny(ql, aggWords) || containsAny(ql, analyticPhrases)
	hasCompare := containsAny(ql, compareWords)
	hasExplain := containsAny(ql, explainWords) || strings.HasPrefix(ql, "why") || strings.HasPrefix(ql, "explain")

	if hasAgg || hasCompare || numberLikeRe.MatchString(ql) || quarterLikeRe.MatchString(ql) || topNLikeRe.MatchString(ql) {
		if hasExplain {
			return IntentHybrid
		}
		return IntentStructured
	}
	if hasExplain && (strings.Contains(ql, "insight") || strings.Contains(ql, "interpret")) {
		return IntentHybrid
	}

	// No clear rule match, ask the advisor.
	if p.advisor == nil {
		return IntentSemantic
	}
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	raw, err := p.advisor.ClassifyIntent(cctx, question)
	if err != nil {
		log.Printf("Advisor classification failed: %v. Defaulting to semantic intent.", err)
		return IntentSemantic
	}
	result := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.Contains(result, "hybrid"):
		return IntentHybrid
	case strings.Contains(result, "analytical"):
		return IntentStructured
	default:
		return IntentSemantic
	}
}

// planStructured picks the best schema candidate, gathers its live schema
// and samples, asks the advisor for a plan fragment and validates it.
// An invalid or missing fragment is replaced by a rule-synthesized plan.
func (p *Planner) planStructured(ctx context.Context, question string, candidates []Candidate) (*StructuredPlan, error) {
	docID := ""
	for _, c := range candidates {
		if c.Kind == store.EmbeddingKindSchema {
			docID = c.DocumentID
			break
		}
	}
	if docID == "" {
		return nil, fmt.Errorf("no candidate tables found")
	}

	schema, err := p.db.GetSchema(docID)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema for document %s: %w", docID, err)
	}
	if schema == nil || len(schema.Columns) == 0 {
		return nil, fmt.Errorf("document %s has no tabular schema", docID)
	}

	if p.advisor != nil {
		fragment, err := p.suggestFragment(ctx, question, docID, schema)
		if err != nil {
			log.Printf("Advisory plan for document %s rejected: %v. Synthesizing fallback plan.", docID, err)
		} else {
			plan, err := p.validateFragment(fragment, docID, schema, question)
			if err == nil {
				return plan, nil
			}
			log.Printf("Advisory plan for document %s rejected: %v. Synthesizing fallback plan.", docID, err)
		}
	}

	return p.synthesizePlan(question, docID, schema)
}

// planFragment is the raw, untrusted JSON shape the advisor returns.
// All column references are numeric IDs into the schema the planner sent.
type planFragment struct {
	Operation string `json:"operation"`
	Columns   []int  `json:"columns"`
	Filters   []struct {
		ColID int    `json:"col_id"`
		Op    string `json:"op"`
		Value any    `json:"value"`
	} `json:"filters"`
	GroupBy   *int   `json:"group_by"`
	GroupFunc string `json:"group_func"`
}

func (p *Planner) suggestFragment(ctx context.Context, question, docID string, schema *store.Schema) (*planFragment, error) {
	samples, err := p.db.GetSampleRows(ctx, docID, 8)
	if err != nil {
		log.Printf("Could not sample rows for document %s: %v. Planning without samples.", docID, err)
		samples = nil
	}

	schemaJSON, err := buildSchemaJSON(question, schema, samples)
	if err != nil {
		return nil, fmt.Errorf("failed to build schema description: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	raw, err := p.advisor.SuggestPlan(cctx, question, schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("advisor suggestion failed: %w", err)
	}

	match := jsonObjectRe.FindString(raw)
	if match == "" {
		return nil, fmt.Errorf("advisor returned no JSON object")
	}
	var fragment planFragment
	if err := json.Unmarshal([]byte(match), &fragment); err != nil {
		return nil, fmt.Errorf("advisor returned malformed JSON: %w", err)
	}
	return &fragment, nil
}

// buildSchemaJSON renders the column-id schema, trimmed sample rows and
// fuzzy column hints the advisor plans against.
func buildSchemaJSON(question string, schema *store.Schema, samples []store.Row) (string, error) {
	type schemaColumn struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
		Kind string `json:"kind"`
	}
	desc := struct {
		Columns   []schemaColumn   `json:"columns"`
		Samples   []map[string]any `json:"samples,omitempty"`
		Suggested []string         `json:"suggested,omitempty"`
	}{}

	for i, c := range schema.Columns {
		desc.Columns = append(desc.Columns, schemaColumn{ID: i, Name: c.Name, Kind: string(c.Kind)})
	}
	for _, r := range samples {
		trimmed := make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			if s, ok := v.(string); ok && len(s) > 60 {
				v = truncate(s, 60)
			}
			trimmed[k] = v
		}
		desc.Samples = append(desc.Samples, trimmed)
	}
	desc.Suggested = fuzzyColumnHints(question, schema.ColumnNames(), 6)

	out, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// validateFragment is the safety gate between the advisor and the
// executor: every id must map to a live column, aggregates must target
// numeric columns, operators must be in the allow-list, and
// temporal-looking filter values must target temporal columns (such
// filters are dropped, not passed through).
func (p *Planner) validateFragment(fragment *planFragment, docID string, schema *store.Schema, question string) (*StructuredPlan, error) {
	op := Operation(fragment.Operation)
	switch op {
	case OpSelect, OpCount, OpSum, OpAvg, OpMin, OpMax, OpGroupBy:
	default:
		return nil, schemaErrorf("unknown operation %q", fragment.Operation)
	}

	columns := make([]string, 0, len(fragment.Columns))
	for _, id := range fragment.Columns {
		if id < 0 || id >= len(schema.Columns) {
			return nil, schemaErrorf("column id %d out of range", id)
		}
		columns = append(columns, schema.Columns[id].Name)
	}

	if aggregateOp(op) {
		if len(columns) == 0 {
			return nil, schemaErrorf("aggregate %s without a column", op)
		}
		if schema.Kind(columns[0]) != store.KindNumber {
			return nil, schemaErrorf("aggregate %s on non-numeric column %q", op, columns[0])
		}
	}

	var filters []store.RowFilter
	for _, f := range fragment.Filters {
		fop := store.FilterOp(f.Op)
		if !store.ValidOp(fop) {
			return nil, schemaErrorf("unknown filter operator %q", f.Op)
		}
		if f.ColID < 0 || f.ColID >= len(schema.Columns) {
			return nil, schemaErrorf("filter column id %d out of range", f.ColID)
		}
		col := schema.Columns[f.ColID]
		// Temporal guardrail: a year/quarter value on a non-temporal
		// column is a hallucinated constraint; drop it.
		if temporalValue(f.Value) && !col.Kind.Temporal() {
			log.Printf("Dropping temporal-looking filter %v on non-temporal column %q.", f.Value, col.Name)
			continue
		}
		filters = append(filters, store.RowFilter{Column: col.Name, Op: fop, Value: f.Value})
	}

	plan := &StructuredPlan{
		TargetDocumentID: docID,
		Operation:        op,
		Columns:          columns,
		Filters:          filters,
	}

	if op == OpGroupBy {
		if fragment.GroupBy == nil {
			return nil, schemaErrorf("group_by operation without a group column")
		}
		id := *fragment.GroupBy
		if id < 0 || id >= len(schema.Columns) {
			return nil, schemaErrorf("group column id %d out of range", id)
		}
		plan.GroupByColumn = schema.Columns[id].Name
		plan.GroupFunc = Operation(fragment.GroupFunc)
		switch plan.GroupFunc {
		case OpCount, OpSum, OpAvg, OpMin, OpMax:
		case "":
			if len(columns) > 0 {
				plan.GroupFunc = OpSum
			} else {
				plan.GroupFunc = OpCount
			}
		default:
			return nil, schemaErrorf("unknown group aggregate %q", fragment.GroupFunc)
		}
		if plan.GroupFunc != OpCount {
			if len(columns) == 0 {
				return nil, schemaErrorf("group aggregate %s without a column", plan.GroupFunc)
			}
			if schema.Kind(columns[0]) != store.KindNumber {
				return nil, schemaErrorf("group aggregate %s on non-numeric column %q", plan.GroupFunc, columns[0])
			}
		}
	}

	// A scalar ask ("what is the total X") never wants partitions even if
	// the advisor proposed some; collapse the grouping to its aggregate.
	if op == OpGroupBy && wantsScalar(question) {
		plan.Operation = plan.GroupFunc
		plan.GroupByColumn = ""
		plan.GroupFunc = ""
	}

	return plan, nil
}

// synthesizePlan builds a minimal safe plan from question keywords alone:
// detected aggregate over the best-matching numeric column, or a row count.
// A question whose aggregate target matches no schema column yields an
// error so the caller degrades to semantic intent instead of aggregating
// an arbitrary column.
func (p *Planner) synthesizePlan(question, docID string, schema *store.Schema) (*StructuredPlan, error) {
	op := detectAggregate(question)
	if op == "" {
		return nil, fmt.Errorf("no aggregation intent matched")
	}
	if op == OpCount {
		return &StructuredPlan{
			TargetDocumentID: docID,
			Operation:        OpCount,
		}, nil
	}

	best := chooseBestNumeric(question, schema)
	if best == "" {
		return nil, fmt.Errorf("no numeric column matches the question")
	}
	return &StructuredPlan{
		TargetDocumentID: docID,
		Operation:        op,
		Columns:          []string{best},
	}, nil
}

// detectAggregate maps aggregation keywords to an operation.
func detectAggregate(question string) Operation {
	ql := strings.ToLower(question)
	switch {
	case containsAny(ql, []string{"sum", "total", "add up"}):
		return OpSum
	case containsAny(ql, []string{"average", "avg", "mean"}):
		return OpAvg
	case containsAny(ql, []string{"maximum", "max", "highest", "top 1"}):
		return OpMax
	case containsAny(ql, []string{"minimum", "min", "lowest", "bottom 1"}):
		return OpMin
	case containsAny(ql, []string{"count", "how many", "number of"}):
		return OpCount
	}
	return ""
}

// chooseBestNumeric picks the numeric column with the highest token
// overlap against the question, with a bonus for a matching period tag
// (e.g. "q3" in both question and header). First match wins ties.
func chooseBestNumeric(question string, schema *store.Schema) string {
	qTokens := tokenSet(question)
	period := periodTag(question)

	best := ""
	bestOverlap, bestBonus := 0, 0
	for _, c := range schema.Columns {
		if c.Kind != store.KindNumber {
			continue
		}
		overlap := 0
		for t := range tokenSet(c.Name) {
			if _, ok := qTokens[t]; ok {
				overlap++
			}
		}
		bonus := 0
		if period != "" && strings.Contains(strings.ToLower(c.Name), period) {
			bonus = 1
		}
		if overlap+bonus == 0 {
			continue
		}
		if overlap > bestOverlap || (overlap == bestOverlap && bonus > bestBonus) {
			bestOverlap, bestBonus = overlap, bonus
			best = c.Name
		}
	}
	return best
}

// fuzzyColumnHints ranks headers by Jaccard token overlap against the
// question, keeping the topK with any overlap at all.
func fuzzyColumnHints(question string, headers []string, topK int) []string {
	qTokens := tokenSet(question)
	type scored struct {
		score  float64
		header string
	}
	var ranked []scored
	for _, h := range headers {
		hTokens := tokenSet(h)
		inter, union := 0, len(qTokens)
		for t := range hTokens {
			if _, ok := qTokens[t]; ok {
				inter++
			} else {
				union++
			}
		}
		if union == 0 {
			union = 1
		}
		ranked = append(ranked, scored{score: float64(inter) / float64(union), header: h})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var hints []string
	for _, r := range ranked {
		if len(hints) >= topK || r.score <= 0 {
			break
		}
		hints = append(hints, r.header)
	}
	return hints
}

func wantsScalar(question string) bool {
	ql := strings.ToLower(question)
	hasAggWord := containsAny(ql, []string{"max", "maximum", "min", "minimum", "sum", "total", "avg", "average", "mean", "count", "top 1", "largest", "smallest"})
	perGroup := containsAny(ql, []string{" per ", " by ", " each "})
	return hasAggWord && !perGroup
}

func periodTag(question string) string {
	ql := strings.ReplaceAll(strings.ToLower(question), "quarter", "q")
	if m := quarterValRe.FindString(ql); m != "" {
		return m
	}
	return ""
}

// temporalValue reports whether a filter value looks like a year or
// quarter reference.
func temporalValue(v any) bool {
	s := strings.ToLower(fmt.Sprint(v))
	return yearValueRe.MatchString(s) || quarterValRe.MatchString(strings.ReplaceAll(s, "quarter", "q"))
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func tokenSet(s string) map[string]struct{} {
	tokens := tokenSplitRe.Split(strings.ToLower(s), -1)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}
