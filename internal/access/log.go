// Package access records memory reads off the request path and folds them
// into per-memory access counters in batches.
package access

import (
	"context"

	"github.com/nidhogg/memorybank/internal/model"
)

// FoldResult reports one fold batch.
type FoldResult struct {
	// Updated counts memory rows whose counter changed.
	Updated int64
	// Consumed counts log entries folded and removed.
	Consumed int64
}

// Log is an append-only access log that can fold itself into counters.
// Fold must be safe to re-run: no entry is lost or counted twice.
type Log interface {
	Append(ctx context.Context, ev model.AccessEvent) error
	Fold(ctx context.Context, limit int) (FoldResult, error)
}
