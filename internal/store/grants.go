package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
)

// UpsertSource registers a knowledge source by URL and returns its id.
// Ingestion collaborators call this before indexing chunks.
func (s *Store) UpsertSource(ctx context.Context, src *model.KnowledgeSource) (int64, error) {
	meta := src.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	sourceType := src.SourceType
	if sourceType == "" {
		sourceType = "web"
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO kb_sources (url, title, source_type, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (url) DO UPDATE SET
			title = EXCLUDED.title,
			source_type = EXCLUDED.source_type,
			metadata = EXCLUDED.metadata
		RETURNING id, created_at`,
		src.URL, src.Title, sourceType, meta,
	).Scan(&src.ID, &src.CreatedAt)
	if err != nil {
		return 0, errs.Classify("upsert source "+src.URL, err)
	}
	src.SourceType = sourceType
	return src.ID, nil
}

func (s *Store) GetSource(ctx context.Context, id int64) (*model.KnowledgeSource, error) {
	var src model.KnowledgeSource
	err := s.db.QueryRow(ctx, `
		SELECT id, url, title, source_type, metadata, created_at FROM kb_sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.URL, &src.Title, &src.SourceType, &src.Metadata, &src.CreatedAt)
	if err != nil {
		return nil, errs.Classify(fmt.Sprintf("get source %d", id), err)
	}
	return &src, nil
}

// CreateGrant records an access grant. The source and the principal must
// exist. Granting the same principal twice returns the existing grant id
// and created=false.
func (s *Store) CreateGrant(ctx context.Context, g *model.AccessGrant) (id uuid.UUID, created bool, err error) {
	if !g.Principal.Valid() {
		return uuid.Nil, false, errs.Invalid("invalid grant: principal %v", g.Principal)
	}
	var agentID, teamID *uuid.UUID
	switch g.Principal.Kind() {
	case model.PrincipalAgent:
		v := g.Principal.ID()
		agentID = &v
	case model.PrincipalTeam:
		v := g.Principal.ID()
		teamID = &v
	}

	err = s.inTx(ctx, fmt.Sprintf("grant source %d to %s", g.SourceID, g.Principal), func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM kb_sources WHERE id = $1)`, g.SourceID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: source %d", errs.ErrNotFound, g.SourceID)
		}
		switch {
		case agentID != nil:
			err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mb_agents WHERE id = $1)`, *agentID).Scan(&exists)
		case teamID != nil:
			err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM mb_teams WHERE id = $1)`, *teamID).Scan(&exists)
		}
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: principal %s", errs.ErrNotFound, g.Principal)
		}

		newID := uuid.New()
		err = tx.QueryRow(ctx, `
			INSERT INTO mb_kb_access (id, source_id, principal_kind, agent_id, team_id, permission, granted_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT DO NOTHING
			RETURNING id, created_at`,
			newID, g.SourceID, string(g.Principal.Kind()), agentID, teamID, string(g.Permission), nullUUID(g.GrantedBy),
		).Scan(&id, &g.CreatedAt)
		if err == nil {
			created = true
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return tx.QueryRow(ctx, `
			SELECT id, created_at FROM mb_kb_access
			WHERE source_id = $1 AND principal_kind = $2
			  AND agent_id IS NOT DISTINCT FROM $3
			  AND team_id IS NOT DISTINCT FROM $4`,
			g.SourceID, string(g.Principal.Kind()), agentID, teamID,
		).Scan(&id, &g.CreatedAt)
	})
	if err != nil {
		return uuid.Nil, false, err
	}
	g.ID = id
	return id, created, nil
}

// DeleteGrant revokes a grant by id.
func (s *Store) DeleteGrant(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM mb_kb_access WHERE id = $1`, id)
	if err != nil {
		return errs.Classify("revoke grant", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("revoke grant %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

// ListGrants returns every grant on a source.
func (s *Store) ListGrants(ctx context.Context, sourceID int64) ([]*model.AccessGrant, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, source_id, principal_kind, agent_id, team_id, permission, granted_by, created_at
		FROM mb_kb_access WHERE source_id = $1 ORDER BY created_at`, sourceID)
	if err != nil {
		return nil, errs.Classify("list grants", err)
	}
	defer rows.Close()

	var out []*model.AccessGrant
	for rows.Next() {
		var g model.AccessGrant
		var kind, perm string
		var agentID, teamID, grantedBy *uuid.UUID
		if err := rows.Scan(&g.ID, &g.SourceID, &kind, &agentID, &teamID, &perm, &grantedBy, &g.CreatedAt); err != nil {
			return nil, errs.Classify("scan grant", err)
		}
		g.Principal, err = model.ParsePrincipal(agentID, teamID, kind == string(model.PrincipalGlobal))
		if err != nil {
			return nil, fmt.Errorf("grant %s: %w", g.ID, err)
		}
		g.Permission = model.Permission(perm)
		if grantedBy != nil {
			g.GrantedBy = *grantedBy
		}
		out = append(out, &g)
	}
	return out, errs.Classify("list grants", rows.Err())
}

// BootstrapGlobalGrants gives global read access on every source that has
// no global grant yet, and returns how many grants were created.
func (s *Store) BootstrapGlobalGrants(ctx context.Context, grantedBy uuid.UUID) (int64, error) {
	var n int64
	err := s.inTx(ctx, "bootstrap global access", func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO mb_kb_access (id, source_id, principal_kind, permission, granted_by)
			SELECT gen_random_uuid(), src.id, 'global', 'read', $1
			FROM kb_sources src
			WHERE NOT EXISTS (
				SELECT 1 FROM mb_kb_access a
				WHERE a.source_id = src.id AND a.principal_kind = 'global'
			)
			ON CONFLICT DO NOTHING`, nullUUID(grantedBy))
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// AuthorizedSources filters sourceIDs down to those the agent may read
// through a global grant, a direct grant, or a grant to one of teamIDs.
func (s *Store) AuthorizedSources(ctx context.Context, agentID uuid.UUID, teamIDs []uuid.UUID, sourceIDs []int64) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	if len(sourceIDs) == 0 {
		return out, nil
	}
	if teamIDs == nil {
		teamIDs = []uuid.UUID{}
	}
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT source_id FROM mb_kb_access
		WHERE source_id = ANY($1)
		  AND (principal_kind = 'global'
		       OR agent_id = $2
		       OR team_id = ANY($3))`,
		sourceIDs, agentID, teamIDs)
	if err != nil {
		return nil, errs.Classify("authorized sources", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Classify("scan source", err)
		}
		out[id] = struct{}{}
	}
	return out, errs.Classify("authorized sources", rows.Err())
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
