package access

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/memorybank/internal/model"
)

// TableStore is the relational access log table.
type TableStore interface {
	AppendAccess(ctx context.Context, memoryID, agentID uuid.UUID, at time.Time) error
	FoldAccessLog(ctx context.Context, limit int) (updated, consumed int64, err error)
}

// TableLog keeps the access log in PostgreSQL.
type TableLog struct {
	store TableStore
}

var _ Log = (*TableLog)(nil)

func NewTableLog(store TableStore) *TableLog {
	return &TableLog{store: store}
}

func (l *TableLog) Append(ctx context.Context, ev model.AccessEvent) error {
	return l.store.AppendAccess(ctx, ev.MemoryID, ev.AgentID, ev.AccessedAt)
}

func (l *TableLog) Fold(ctx context.Context, limit int) (FoldResult, error) {
	updated, consumed, err := l.store.FoldAccessLog(ctx, limit)
	return FoldResult{Updated: updated, Consumed: consumed}, err
}
