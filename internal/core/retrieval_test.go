package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NaamaFrank/sqope/internal/store"
)

func TestRetrieveRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	seedSalesDocument(t, s)

	engine, err := NewRetrievalEngine(s)
	require.NoError(t, err)

	query := vocabEmbed("total sales by region")
	candidates, err := engine.Retrieve(query, 2, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	// The schema summary mentions both "sales" and "region", so it
	// outranks the narrative chunks.
	assert.Equal(t, store.EmbeddingKindSchema, candidates[0].Kind)
	assert.GreaterOrEqual(t, candidates[0].Score, candidates[1].Score)
}

func TestRetrieveFilters(t *testing.T) {
	s := newTestStore(t)
	seedSalesDocument(t, s)

	engine, err := NewRetrievalEngine(s)
	require.NoError(t, err)

	query := vocabEmbed("sales strategy")
	content, err := engine.Retrieve(query, 10, &CandidateFilter{Kind: store.EmbeddingKindContent})
	require.NoError(t, err)
	require.Len(t, content, 2)
	for _, c := range content {
		assert.Equal(t, store.EmbeddingKindContent, c.Kind)
	}

	byDoc, err := engine.Retrieve(query, 10, &CandidateFilter{DocumentID: "no-such-doc"})
	require.NoError(t, err)
	assert.Empty(t, byDoc)
}

func TestRetrieveTopKMustBePositive(t *testing.T) {
	s := newTestStore(t)
	seedSalesDocument(t, s)

	engine, err := NewRetrievalEngine(s)
	require.NoError(t, err)

	_, err = engine.Retrieve(vocabEmbed("anything"), 0, nil)
	assert.Error(t, err)
}

func TestRetrieveEmptyCorpus(t *testing.T) {
	s := newTestStore(t)

	engine, err := NewRetrievalEngine(s)
	require.NoError(t, err)

	candidates, err := engine.Retrieve(vocabEmbed("anything"), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRetrieveTieBreaksByInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	seedChunks(t, s, "notes.txt", "plain first note", "plain second note")

	engine, err := NewRetrievalEngine(s)
	require.NoError(t, err)

	// Neither chunk mentions a vocabulary word, so both embed to the same
	// bias-only vector and score identically against any query.
	candidates, err := engine.Retrieve(vocabEmbed("unrelated question"), 10, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, candidates[0].Score, candidates[1].Score)
	assert.Equal(t, 0, candidates[0].ChunkIndex)
	assert.Equal(t, 1, candidates[1].ChunkIndex)
}

func TestRetrieveScoresNonIncreasing(t *testing.T) {
	s := newTestStore(t)
	seedSalesDocument(t, s)

	engine, err := NewRetrievalEngine(s)
	require.NoError(t, err)

	candidates, err := engine.Retrieve(vocabEmbed("sales growth strategy"), 10, nil)
	require.NoError(t, err)
	require.Len(t, candidates, 3)
	for i := 1; i < len(candidates); i++ {
		assert.GreaterOrEqual(t, candidates[i-1].Score, candidates[i].Score)
	}
}
