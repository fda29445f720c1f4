package core

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Completer is the optional language-model backend used to phrase
// narrative answers. When it is absent or failing, the synthesizer falls
// back to extractive composition; structured values are rendered verbatim
// either way and never pass through the model.
type Completer interface {
	Compose(ctx context.Context, prompt string) (string, error)
}

const (
	// maxAnswerPassages is how many retrieved passages feed one answer.
	maxAnswerPassages = 3
	// maxGroupLines bounds how many partitions a grouped answer lists.
	maxGroupLines = 5

	hybridJoiner = "Analytical insight:"
)

// Synthesizer renders retrieval passages and structured results into the
// final answer with source attribution.
type Synthesizer struct {
	completer   Completer
	timeout     time.Duration
	hybridOrder string // "facts-first" or "context-first"
}

func NewSynthesizer(completer Completer, timeout time.Duration, hybridOrder string) *Synthesizer {
	if hybridOrder != "context-first" {
		hybridOrder = "facts-first"
	}
	return &Synthesizer{completer: completer, timeout: timeout, hybridOrder: hybridOrder}
}

// Synthesize builds the answer for a completed pipeline run. Every factual
// claim derived from a structured result carries the literal computed
// value; two-decimal display of averages is presentation only.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, plan *Plan, result *QueryResult) (*Answer, error) {
	switch plan.Intent {
	case IntentStructured:
		text, src := s.renderStructured(plan, result)
		return &Answer{Text: text, Intent: IntentStructured, Sources: src}, nil

	case IntentHybrid:
		factText, factSources := s.renderStructured(plan, result)
		narrative, narrativeSources := s.renderSemantic(ctx, question, result.Passages, factText)
		var text string
		if s.hybridOrder == "context-first" {
			text = narrative + "\n\n" + hybridJoiner + " " + factText
		} else {
			text = factText + "\n\n" + narrative
		}
		return &Answer{
			Text:    text,
			Intent:  IntentHybrid,
			Sources: append(factSources, narrativeSources...),
		}, nil

	default:
		text, sources := s.renderSemantic(ctx, question, result.Passages, "")
		return &Answer{Text: text, Intent: IntentSemantic, Sources: sources}, nil
	}
}

// renderSemantic composes a narrative answer over the top passages,
// via the completer when available, extractively otherwise.
func (s *Synthesizer) renderSemantic(ctx context.Context, question string, passages []Passage, analyticalInsight string) (string, []SourceRef) {
	if len(passages) == 0 {
		return "No relevant passages were found in the ingested documents.", nil
	}
	if len(passages) > maxAnswerPassages {
		passages = passages[:maxAnswerPassages]
	}

	sources := make([]SourceRef, len(passages))
	var contextBuilder strings.Builder
	for i, p := range passages {
		contextBuilder.WriteString(p.Text)
		contextBuilder.WriteString("\n\n")
		idx := p.ChunkIndex
		sources[i] = SourceRef{DocumentID: p.DocumentID, ChunkIndex: &idx, Score: p.Score}
	}

	if s.completer != nil {
		prompt := "Use the context to answer:\n\n"
		if analyticalInsight != "" {
			prompt += fmt.Sprintf("Analytical insight:\n%s\n\n", analyticalInsight)
		}
		prompt += fmt.Sprintf("Context:\n%s\nQuestion: %s", contextBuilder.String(), question)

		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		composed, err := s.completer.Compose(cctx, prompt)
		if err == nil && composed != "" {
			return composed, sources
		}
		log.Printf("Answer composition failed (%v), using extractive fallback.", err)
	}

	// Extractive fallback: quote the best passages directly.
	var b strings.Builder
	b.WriteString("Based on the ingested documents:\n")
	for _, p := range passages {
		b.WriteString("- ")
		b.WriteString(truncate(p.Text, 300))
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), sources
}

// renderStructured turns an executed structured result into a concise
// statement containing the literal computed values.
func (s *Synthesizer) renderStructured(plan *Plan, result *QueryResult) (string, []SourceRef) {
	sp := plan.Structured
	sr := result.Structured
	if sp == nil || sr == nil {
		return "No structured result was computed.", nil
	}

	source := SourceRef{
		DocumentID: sp.TargetDocumentID,
		Operation:  operationLabel(sp, sr),
	}

	switch sr.Operation {
	case OpCount:
		return fmt.Sprintf("Found %s matching rows.", formatNumber(sr.Value)), []SourceRef{source}

	case OpSum, OpAvg, OpMin, OpMax:
		if !sr.HasValue {
			return fmt.Sprintf("No numeric values found in column %q.", sr.Column), []SourceRef{source}
		}
		text := fmt.Sprintf("%s of %s: %s", prettyFunc(sr.Operation), prettyColumn(sr.Column), formatNumber(sr.Value))
		if sr.Excluded > 0 {
			text += fmt.Sprintf(" (%d rows excluded: null or non-numeric values)", sr.Excluded)
		}
		return text, []SourceRef{source}

	case OpSelect:
		if len(sr.Rows) == 0 {
			return "No rows matched the conditions.", []SourceRef{source}
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Matched %d rows:\n", len(sr.Rows))
		limit := len(sr.Rows)
		if limit > maxGroupLines {
			limit = maxGroupLines
		}
		for _, r := range sr.Rows[:limit] {
			b.WriteString("- ")
			b.WriteString(renderRow(r.Data, sp.Columns))
			b.WriteString("\n")
		}
		return strings.TrimSpace(b.String()), []SourceRef{source}

	case OpGroupBy:
		if len(sr.Groups) == 0 {
			return "No rows matched the conditions.", []SourceRef{source}
		}
		var b strings.Builder
		b.WriteString("Top results:\n")
		limit := len(sr.Groups)
		if limit > maxGroupLines {
			limit = maxGroupLines
		}
		for _, g := range sr.Groups[:limit] {
			fmt.Fprintf(&b, "- %s: %v | %s %s: %s\n",
				prettyColumn(sp.GroupByColumn), g.Key,
				strings.ToUpper(string(sp.GroupFunc)), prettyColumn(columnOrRows(sr.Column)),
				formatNumber(g.Aggregate))
		}
		return strings.TrimSpace(b.String()), []SourceRef{source}
	}

	return "No structured result was computed.", []SourceRef{source}
}

func operationLabel(sp *StructuredPlan, sr *StructuredResult) string {
	if sr.Column != "" {
		return fmt.Sprintf("%s(%s)", sp.Operation, sr.Column)
	}
	return string(sp.Operation)
}

// formatNumber renders integers with thousands separators and everything
// else with two decimals. Presentation only; the underlying value is the
// literal computed one.
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return addThousands(strconv.FormatFloat(v, 'f', 0, 64))
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	dot := strings.Index(s, ".")
	return addThousands(s[:dot]) + s[dot:]
}

func addThousands(intPart string) string {
	neg := strings.HasPrefix(intPart, "-")
	if neg {
		intPart = intPart[1:]
	}
	n := len(intPart)
	if n <= 3 {
		if neg {
			return "-" + intPart
		}
		return intPart
	}
	var b strings.Builder
	if neg {
		b.WriteString("-")
	}
	head := n % 3
	if head > 0 {
		b.WriteString(intPart[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 && !(neg && b.Len() == 1) {
			b.WriteString(",")
		}
		b.WriteString(intPart[i : i+3])
	}
	return b.String()
}

func prettyFunc(op Operation) string {
	switch op {
	case OpSum:
		return "Sum"
	case OpAvg:
		return "Average"
	case OpMin:
		return "Minimum"
	case OpMax:
		return "Maximum"
	case OpCount:
		return "Count"
	}
	return string(op)
}

func prettyColumn(col string) string {
	return strings.TrimSpace(strings.ReplaceAll(col, "_", " "))
}

func columnOrRows(col string) string {
	if col == "" {
		return "rows"
	}
	return col
}

func renderRow(data map[string]any, columns []string) string {
	if len(columns) == 0 {
		for k := range data {
			columns = append(columns, k)
		}
		sort.Strings(columns)
	}
	parts := make([]string, 0, len(columns))
	for _, c := range columns {
		v := data[c]
		if f, ok := v.(float64); ok {
			parts = append(parts, fmt.Sprintf("%s: %s", prettyColumn(c), formatNumber(f)))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %v", prettyColumn(c), v))
		}
	}
	return strings.Join(parts, " | ")
}

// truncate cuts s to at most maxLen bytes, backing up to a rune boundary
// so a multibyte character is never split.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "…"
}
