package core

import (
	"fmt"
	"log"
	"sort"

	"github.com/NaamaFrank/sqope/internal/store"
	"github.com/NaamaFrank/sqope/internal/utils"
)

// CandidateFilter restricts a retrieval pass to one embedding kind and/or
// one document. A nil filter matches everything.
type CandidateFilter struct {
	Kind       string
	DocumentID string
}

// RetrievalEngine ranks stored embeddings against a query vector. It holds
// an in-memory cache of the embedding records loaded at construction;
// documents are immutable once ingested, so the cache is safe for
// concurrent readers and never mutated.
type RetrievalEngine struct {
	records []store.EmbeddingRecord // insertion order, used for tie-breaking
}

func NewRetrievalEngine(db *store.SQLiteStore) (*RetrievalEngine, error) {
	records, err := db.GetAllEmbeddings()
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings for retrieval engine: %w", err)
	}
	if len(records) == 0 {
		log.Println("Warning: RetrievalEngine initialized with no embeddings. Ensure data has been ingested with the current embedding model.")
	} else {
		log.Printf("RetrievalEngine initialized with %d embeddings.", len(records))
	}

	return &RetrievalEngine{records: records}, nil
}

// Retrieve returns up to topK candidates ordered by non-increasing cosine
// similarity, ties broken by insertion order. An empty corpus yields an
// empty result, never an error.
func (e *RetrievalEngine) Retrieve(queryEmbedding []float32, topK int, filter *CandidateFilter) ([]Candidate, error) {
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}
	if len(e.records) == 0 {
		return []Candidate{}, nil
	}

	scored := make([]Candidate, 0, len(e.records))
	for _, rec := range e.records {
		if filter != nil {
			if filter.Kind != "" && rec.Kind != filter.Kind {
				continue
			}
			if filter.DocumentID != "" && rec.DocumentID != filter.DocumentID {
				continue
			}
		}
		if len(rec.Embedding) == 0 {
			log.Printf("Skipping embedding ID %d due to missing vector.", rec.ID)
			continue
		}
		similarity, err := utils.CosineSimilarity(queryEmbedding, rec.Embedding)
		if err != nil {
			log.Printf("Error calculating similarity for embedding %d: %v. Skipping.", rec.ID, err)
			continue
		}
		scored = append(scored, Candidate{
			DocumentID: rec.DocumentID,
			Score:      similarity,
			Kind:       rec.Kind,
			Content:    rec.Content,
			ChunkIndex: rec.ChunkIndex,
		})
	}

	// Stable sort keeps insertion order among equal scores.
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}
