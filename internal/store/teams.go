package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
)

// CreateTeam inserts a team row. When withCreator is set the creator joins
// as admin in the same transaction.
func (s *Store) CreateTeam(ctx context.Context, t *model.Team, withCreator bool) error {
	return s.inTx(ctx, "create team "+t.Name, func(tx pgx.Tx) error {
		var taken bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM mb_teams WHERE name = $1)`, t.Name,
		).Scan(&taken); err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: team name %q already exists", errs.ErrConflict, t.Name)
		}
		if err := tx.QueryRow(ctx, `
			INSERT INTO mb_teams (id, name, description, created_by)
			VALUES ($1, $2, $3, $4)
			RETURNING created_at`,
			t.ID, t.Name, t.Description, t.CreatedBy,
		).Scan(&t.CreatedAt); err != nil {
			return err
		}
		if !withCreator {
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO mb_team_members (team_id, agent_id, role) VALUES ($1, $2, 'admin')`,
			t.ID, t.CreatedBy)
		return err
	})
}

// DeleteTeam removes a team; memberships and team grants cascade.
func (s *Store) DeleteTeam(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM mb_teams WHERE id = $1`, id)
	if err != nil {
		return errs.Classify("delete team", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete team %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func (s *Store) GetTeam(ctx context.Context, id uuid.UUID) (*model.Team, error) {
	var t model.Team
	err := s.db.QueryRow(ctx, `
		SELECT id, name, description, created_by, created_at FROM mb_teams WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, errs.Classify(fmt.Sprintf("get team %s", id), err)
	}
	return &t, nil
}

// GetTeamByName looks a team up by its unique name.
func (s *Store) GetTeamByName(ctx context.Context, name string) (*model.Team, error) {
	var t model.Team
	err := s.db.QueryRow(ctx, `
		SELECT id, name, description, created_by, created_at FROM mb_teams WHERE name = $1`, name,
	).Scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &t.CreatedAt)
	if err != nil {
		return nil, errs.Classify(fmt.Sprintf("get team %q", name), err)
	}
	return &t, nil
}

// TeamsByID loads team rows for the given ids, in no particular order.
func (s *Store) TeamsByID(ctx context.Context, ids []uuid.UUID) ([]*model.Team, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, name, description, created_by, created_at FROM mb_teams WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, errs.Classify("load teams", err)
	}
	defer rows.Close()

	var out []*model.Team
	for rows.Next() {
		var t model.Team
		if err := rows.Scan(&t.ID, &t.Name, &t.Description, &t.CreatedBy, &t.CreatedAt); err != nil {
			return nil, errs.Classify("scan team", err)
		}
		out = append(out, &t)
	}
	return out, errs.Classify("load teams", rows.Err())
}

// PGMembership keeps team membership in mb_team_members.
type PGMembership struct {
	s *Store
}

// Membership returns the relational membership backend.
func (s *Store) Membership() *PGMembership {
	return &PGMembership{s: s}
}

// AddMember inserts or re-roles a membership.
func (m *PGMembership) AddMember(ctx context.Context, teamID, agentID uuid.UUID, role model.Role) error {
	_, err := m.s.db.Exec(ctx, `
		INSERT INTO mb_team_members (team_id, agent_id, role) VALUES ($1, $2, $3)
		ON CONFLICT (team_id, agent_id) DO UPDATE SET role = EXCLUDED.role`,
		teamID, agentID, string(role))
	if err != nil {
		return errs.Classify("add team member", err)
	}
	return nil
}

// RemoveMember drops a membership. Removing a non-member is a no-op.
func (m *PGMembership) RemoveMember(ctx context.Context, teamID, agentID uuid.UUID) error {
	_, err := m.s.db.Exec(ctx,
		`DELETE FROM mb_team_members WHERE team_id = $1 AND agent_id = $2`, teamID, agentID)
	return errs.Classify("remove team member", err)
}

// RoleOf returns the agent's role in a team, or errs.ErrNotFound.
func (m *PGMembership) RoleOf(ctx context.Context, teamID, agentID uuid.UUID) (model.Role, error) {
	var role string
	err := m.s.db.QueryRow(ctx,
		`SELECT role FROM mb_team_members WHERE team_id = $1 AND agent_id = $2`,
		teamID, agentID).Scan(&role)
	if err != nil {
		return "", errs.Classify("team role", err)
	}
	return model.Role(role), nil
}

// TeamsOf returns the team ids the agent belongs to, with its role in each.
func (m *PGMembership) TeamsOf(ctx context.Context, agentID uuid.UUID) (map[uuid.UUID]model.Role, error) {
	rows, err := m.s.db.Query(ctx,
		`SELECT team_id, role FROM mb_team_members WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, errs.Classify("teams of agent", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Role)
	for rows.Next() {
		var id uuid.UUID
		var role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, errs.Classify("scan membership", err)
		}
		out[id] = model.Role(role)
	}
	return out, errs.Classify("teams of agent", rows.Err())
}

// TeammatesOf returns every agent sharing at least one team with agentID,
// excluding agentID itself.
func (m *PGMembership) TeammatesOf(ctx context.Context, agentID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	rows, err := m.s.db.Query(ctx, `
		SELECT DISTINCT other.agent_id
		FROM mb_team_members self
		JOIN mb_team_members other ON other.team_id = self.team_id
		WHERE self.agent_id = $1 AND other.agent_id <> $1`, agentID)
	if err != nil {
		return nil, errs.Classify("teammates of agent", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]struct{})
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Classify("scan teammate", err)
		}
		out[id] = struct{}{}
	}
	return out, errs.Classify("teammates of agent", rows.Err())
}

// MembersOf lists a team's members and roles.
func (m *PGMembership) MembersOf(ctx context.Context, teamID uuid.UUID) (map[uuid.UUID]model.Role, error) {
	rows, err := m.s.db.Query(ctx,
		`SELECT agent_id, role FROM mb_team_members WHERE team_id = $1`, teamID)
	if err != nil {
		return nil, errs.Classify("team members", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.Role)
	for rows.Next() {
		var id uuid.UUID
		var role string
		if err := rows.Scan(&id, &role); err != nil {
			return nil, errs.Classify("scan member", err)
		}
		out[id] = model.Role(role)
	}
	return out, errs.Classify("team members", rows.Err())
}
