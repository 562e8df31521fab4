// Package vectorstore provides approximate nearest-neighbour indexes over
// cosine similarity. Searches are unfiltered: every permission predicate is
// applied by the caller after candidates come back.
package vectorstore

import (
	"context"
)

// Point is one vector to index. ID is either a UUID string or a decimal
// unsigned integer.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// SearchResult holds a single vector search hit.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Index is an ANN collection store.
type Index interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, points ...Point) error
	// Search returns up to topK hits ordered by descending cosine similarity.
	Search(ctx context.Context, collection string, vector []float32, topK uint64) ([]*SearchResult, error)
	Delete(ctx context.Context, collection string, ids ...string) error
	Close() error
}
