package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
)

const memoryColumns = `m.id, m.agent_id, COALESCE(a.name, ''), m.memory_type, m.scope, m.content,
	m.summary, m.source_id, m.chunk_id, m.tags, m.namespace, m.metadata, m.importance,
	m.access_count, m.created_at, m.updated_at, m.expires_at`

const memoryFrom = ` FROM mb_memory m LEFT JOIN mb_agents a ON a.id = m.agent_id `

// CreateMemory inserts a memory row and then runs index inside the same
// transaction. An index failure rolls the row back.
func (s *Store) CreateMemory(ctx context.Context, m *model.MemoryEntry, index func(ctx context.Context) error) error {
	meta := m.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return s.inTx(ctx, "create memory", func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO mb_memory (id, agent_id, memory_type, scope, content, summary, source_id, chunk_id,
			                       tags, namespace, metadata, importance, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING created_at, updated_at`,
			m.ID, m.AgentID, string(m.Type), string(m.Scope), m.Content, m.Summary, m.SourceID, m.ChunkID,
			tags, m.Namespace, meta, m.Importance, m.ExpiresAt,
		).Scan(&m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return err
		}
		if index == nil {
			return nil
		}
		return index(ctx)
	})
}

// GetMemory loads one memory row by id.
func (s *Store) GetMemory(ctx context.Context, id uuid.UUID) (*model.MemoryEntry, error) {
	row := s.db.QueryRow(ctx, `SELECT `+memoryColumns+memoryFrom+`WHERE m.id = $1`, id)
	m, err := scanMemory(row)
	if err != nil {
		return nil, errs.Classify(fmt.Sprintf("get memory %s", id), err)
	}
	return m, nil
}

// MemoriesByID hydrates rows for a candidate id list in one query. Ids with
// no row are absent from the result.
func (s *Store) MemoriesByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.MemoryEntry, error) {
	out := make(map[uuid.UUID]*model.MemoryEntry, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+memoryColumns+memoryFrom+`WHERE m.id = ANY($1)`, ids)
	if err != nil {
		return nil, errs.Classify("hydrate memories", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, errs.Classify("scan memory", err)
		}
		out[m.ID] = m
	}
	return out, errs.Classify("hydrate memories", rows.Err())
}

// UpdateMemory rewrites the mutable fields of a memory and runs reindex in
// the same transaction when it is non-nil.
func (s *Store) UpdateMemory(ctx context.Context, m *model.MemoryEntry, reindex func(ctx context.Context) error) error {
	meta := m.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return s.inTx(ctx, fmt.Sprintf("update memory %s", m.ID), func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE mb_memory SET
				memory_type = $2, scope = $3, content = $4, summary = $5, tags = $6,
				namespace = $7, metadata = $8, importance = $9, expires_at = $10, updated_at = now()
			WHERE id = $1
			RETURNING updated_at`,
			m.ID, string(m.Type), string(m.Scope), m.Content, m.Summary, tags,
			m.Namespace, meta, m.Importance, m.ExpiresAt,
		).Scan(&m.UpdatedAt)
		if err != nil {
			return err
		}
		if reindex == nil {
			return nil
		}
		return reindex(ctx)
	})
}

// DeleteMemory removes a memory row. Its access log rows cascade.
func (s *Store) DeleteMemory(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM mb_memory WHERE id = $1`, id)
	if err != nil {
		return errs.Classify("delete memory", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete memory %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// PurgeExpiredBatch deletes at most limit memories whose expiry is at or
// before now and returns their ids. Rows with no expiry are never touched.
func (s *Store) PurgeExpiredBatch(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx, `
		DELETE FROM mb_memory
		WHERE id IN (
			SELECT id FROM mb_memory
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id`, now, limit)
	if err != nil {
		return nil, errs.Classify("purge expired", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Classify("scan purged id", err)
		}
		ids = append(ids, id)
	}
	return ids, errs.Classify("purge expired", rows.Err())
}

// AgentStats counts what an agent owns and can see. Teammates and teams are
// passed in so the count follows whichever membership backend is active.
func (s *Store) AgentStats(ctx context.Context, agentID uuid.UUID, teammates, teams []uuid.UUID, now time.Time) (*model.AgentStats, error) {
	if teammates == nil {
		teammates = []uuid.UUID{}
	}
	if teams == nil {
		teams = []uuid.UUID{}
	}
	st := &model.AgentStats{TeamsCount: int64(len(teams))}
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM mb_memory WHERE agent_id = $1),
			(SELECT count(*) FROM mb_memory
			 WHERE (expires_at IS NULL OR expires_at > $4)
			   AND (agent_id = $1
			        OR scope = 'global'
			        OR (scope = 'team' AND agent_id = ANY($2)))),
			(SELECT count(DISTINCT source_id) FROM mb_kb_access
			 WHERE principal_kind = 'global' OR agent_id = $1 OR team_id = ANY($3))`,
		agentID, teammates, teams, now,
	).Scan(&st.OwnMemories, &st.AccessibleMemories, &st.AccessibleSources)
	if err != nil {
		return nil, errs.Classify("agent stats", err)
	}
	return st, nil
}

func scanMemory(row pgx.Row) (*model.MemoryEntry, error) {
	var m model.MemoryEntry
	var typ, scope string
	if err := row.Scan(&m.ID, &m.AgentID, &m.AgentName, &typ, &scope, &m.Content,
		&m.Summary, &m.SourceID, &m.ChunkID, &m.Tags, &m.Namespace, &m.Metadata, &m.Importance,
		&m.AccessCount, &m.CreatedAt, &m.UpdatedAt, &m.ExpiresAt); err != nil {
		return nil, err
	}
	m.Type = model.MemoryType(typ)
	m.Scope = model.Scope(scope)
	return &m, nil
}
