package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/memorybank/internal/errs"
)

// AppendAccess records one read of a memory. Nothing else touches the
// memory row on this path.
func (s *Store) AppendAccess(ctx context.Context, memoryID, agentID uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mb_access_log (memory_id, agent_id, accessed_at) VALUES ($1, $2, $3)`,
		memoryID, agentID, at)
	return errs.Classify("append access", err)
}

// FoldAccessLog folds up to limit log rows into memory counters and deletes
// exactly those rows, all in one transaction. Rows appended concurrently are
// left for the next fold. It returns the number of memory rows updated and
// the number of log rows consumed.
func (s *Store) FoldAccessLog(ctx context.Context, limit int) (updated, consumed int64, err error) {
	err = s.inTx(ctx, "fold access log", func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			WITH snap AS (
				SELECT id, memory_id FROM mb_access_log
				ORDER BY id
				LIMIT $1
				FOR UPDATE SKIP LOCKED
			),
			counts AS (
				SELECT memory_id, count(*) AS n FROM snap GROUP BY memory_id
			),
			upd AS (
				UPDATE mb_memory m
				SET access_count = m.access_count + c.n, updated_at = now()
				FROM counts c
				WHERE m.id = c.memory_id
				RETURNING m.id
			),
			del AS (
				DELETE FROM mb_access_log l USING snap
				WHERE l.id = snap.id
				RETURNING l.id
			)
			SELECT (SELECT count(*) FROM upd), (SELECT count(*) FROM del)`, limit,
		).Scan(&updated, &consumed)
	})
	return updated, consumed, err
}

// ApplyAccessCounts adds counts to memory counters and moves the stream
// watermark from prevID to lastID in one transaction. If another folder
// moved the watermark first the call fails with errs.ErrConflict and
// nothing is applied. Memories that no longer exist are skipped.
func (s *Store) ApplyAccessCounts(ctx context.Context, stream string, counts map[uuid.UUID]int64, prevID, lastID string) (int64, error) {
	ids := make([]uuid.UUID, 0, len(counts))
	ns := make([]int64, 0, len(counts))
	for id, n := range counts {
		ids = append(ids, id)
		ns = append(ns, n)
	}
	var updated int64
	err := s.inTx(ctx, "apply access counts", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO mb_access_watermark (stream, last_id) VALUES ($1, '')
			ON CONFLICT (stream) DO NOTHING`, stream); err != nil {
			return err
		}
		var current string
		if err := tx.QueryRow(ctx,
			`SELECT last_id FROM mb_access_watermark WHERE stream = $1 FOR UPDATE`, stream,
		).Scan(&current); err != nil {
			return err
		}
		if current != prevID {
			return fmt.Errorf("%w: watermark for %s moved from %q to %q", errs.ErrConflict, stream, prevID, current)
		}
		if len(ids) > 0 {
			tag, err := tx.Exec(ctx, `
				UPDATE mb_memory m
				SET access_count = m.access_count + c.n, updated_at = now()
				FROM unnest($1::uuid[], $2::bigint[]) AS c(memory_id, n)
				WHERE m.id = c.memory_id`, ids, ns)
			if err != nil {
				return err
			}
			updated = tag.RowsAffected()
		}
		_, err := tx.Exec(ctx, `
			UPDATE mb_access_watermark SET last_id = $2, updated_at = now() WHERE stream = $1`,
			stream, lastID)
		return err
	})
	return updated, err
}

// AccessWatermark returns the last folded stream entry id, or "" if the
// stream has never been folded.
func (s *Store) AccessWatermark(ctx context.Context, stream string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx,
		`SELECT last_id FROM mb_access_watermark WHERE stream = $1`, stream).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errs.Classify("access watermark", err)
	}
	return id, nil
}
