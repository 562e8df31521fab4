package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
)

// AgentCredential is the stored, non-reversible form of an agent key.
type AgentCredential struct {
	AgentID uuid.UUID
	Name    string
	Hash    string
}

const agentColumns = `id, name, display_name, agent_type, metadata, is_active, created_at, last_seen_at`

// CreateAgent inserts a new agent with its credential hash. A taken name is
// reported as errs.ErrConflict.
func (s *Store) CreateAgent(ctx context.Context, a *model.Agent, keyPrefix, keyHash string) error {
	meta := a.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	return s.inTx(ctx, "create agent "+a.Name, func(tx pgx.Tx) error {
		var taken bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM mb_agents WHERE name = $1)`, a.Name,
		).Scan(&taken); err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: agent name %q already registered", errs.ErrConflict, a.Name)
		}
		return tx.QueryRow(ctx, `
			INSERT INTO mb_agents (id, name, display_name, api_key_prefix, api_key_hash, agent_type, metadata, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
			RETURNING created_at`,
			a.ID, a.Name, a.DisplayName, keyPrefix, keyHash, string(a.Type), meta,
		).Scan(&a.CreatedAt)
	})
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM mb_agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return nil, errs.Classify(fmt.Sprintf("get agent %s", id), err)
	}
	return a, nil
}

// AgentExists reports whether an active agent with id exists.
func (s *Store) AgentExists(ctx context.Context, id uuid.UUID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM mb_agents WHERE id = $1 AND is_active)`, id).Scan(&ok)
	if err != nil {
		return false, errs.Classify("agent exists", err)
	}
	return ok, nil
}

// CredentialsByPrefix returns the active agents whose key shares prefix.
// Usually there is exactly one.
func (s *Store) CredentialsByPrefix(ctx context.Context, prefix string) ([]AgentCredential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, name, api_key_hash FROM mb_agents
		WHERE api_key_prefix = $1 AND is_active`, prefix)
	if err != nil {
		return nil, errs.Classify("lookup credential", err)
	}
	defer rows.Close()

	var out []AgentCredential
	for rows.Next() {
		var c AgentCredential
		if err := rows.Scan(&c.AgentID, &c.Name, &c.Hash); err != nil {
			return nil, errs.Classify("scan credential", err)
		}
		out = append(out, c)
	}
	return out, errs.Classify("lookup credential", rows.Err())
}

// TouchLastSeen updates last_seen_at unless another request holds the row.
// It never waits on a lock and failures are only logged.
func (s *Store) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) {
	_, err := s.db.Exec(ctx, `
		UPDATE mb_agents SET last_seen_at = $2
		WHERE id = (SELECT id FROM mb_agents WHERE id = $1 FOR UPDATE SKIP LOCKED)`,
		id, at)
	if err != nil {
		s.logger.Debug("touch last_seen failed", zap.String("agent", id.String()), zap.Error(err))
	}
}

// DeactivateAgent soft-deletes an agent. Its memories and grants remain.
func (s *Store) DeactivateAgent(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `UPDATE mb_agents SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return errs.Classify("deactivate agent", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deactivate agent %s: %w", id, errs.ErrNotFound)
	}
	return nil
}

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	var typ string
	if err := row.Scan(&a.ID, &a.Name, &a.DisplayName, &typ, &a.Metadata,
		&a.Active, &a.CreatedAt, &a.LastSeenAt); err != nil {
		return nil, err
	}
	a.Type = model.AgentType(typ)
	return &a, nil
}
