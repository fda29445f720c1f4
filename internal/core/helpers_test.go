package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NaamaFrank/sqope/internal/store"
)

// vocabEmbed is a deterministic stand-in for the embedding service: one
// dimension per vocabulary word plus a bias dimension so no vector is zero.
func vocabEmbed(text string) []float32 {
	vocab := []string{"sales", "region", "strategy", "growth", "columns"}
	vec := make([]float32, len(vocab)+1)
	vec[len(vocab)] = 0.1
	lt := strings.ToLower(text)
	for i, w := range vocab {
		if strings.Contains(lt, w) {
			vec[i] = 1
		}
	}
	return vec
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) GetEmbedding(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return vocabEmbed(text), nil
}

type fakeAdvisor struct {
	classifyResult string
	classifyErr    error
	planResult     string
	planErr        error
}

func (f *fakeAdvisor) ClassifyIntent(ctx context.Context, question string) (string, error) {
	return f.classifyResult, f.classifyErr
}

func (f *fakeAdvisor) SuggestPlan(ctx context.Context, question, schemaJSON string) (string, error) {
	return f.planResult, f.planErr
}

type fakeCompleter struct {
	response string
	err      error
}

func (f *fakeCompleter) Compose(ctx context.Context, prompt string) (string, error) {
	return f.response, f.err
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// seedSalesDocument ingests one document with a region/sales table and two
// narrative chunks, embedded with vocabEmbed.
func seedSalesDocument(t *testing.T, s *store.SQLiteStore) string {
	t.Helper()
	m := map[string]any{
		"documents": []map[string]any{
			{
				"id":   "doc-sales",
				"name": "sales.csv",
				"chunks": []string{
					"Sales grew in Europe after the new marketing strategy launched.",
					"The US team focused on enterprise growth.",
				},
				"table": map[string]any{
					"headers": []string{"Region", "Sales"},
					"rows":    [][]string{{"EU", "100"}, {"US", "150"}},
				},
			},
		},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	count, err := s.IngestManifest(path, func(text string) ([]float32, error) {
		return vocabEmbed(text), nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, count)
	return "doc-sales"
}

// seedChunks ingests one table-less document with the given text chunks.
func seedChunks(t *testing.T, s *store.SQLiteStore, name string, chunks ...string) {
	t.Helper()
	m := map[string]any{
		"documents": []map[string]any{
			{"id": "doc-" + name, "name": name, "chunks": chunks},
		},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = s.IngestManifest(path, func(text string) ([]float32, error) {
		return vocabEmbed(text), nil
	})
	require.NoError(t, err)
}

var salesSchema = &store.Schema{
	DocumentID: "doc-sales",
	Columns: []store.Column{
		{Name: "region", Kind: store.KindText},
		{Name: "sales", Kind: store.KindNumber},
		{Name: "order_date", Kind: store.KindTemporal},
	},
	NumRows: 2,
}
