package retrieval

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/memory"
	"github.com/nidhogg/memorybank/internal/model"
)

// Remember writes a memory owned by the caller.
func (e *Engine) Remember(ctx context.Context, c Caller, d memory.Draft) (*model.MemoryEntry, error) {
	d.AgentID = c.agentID
	return e.deps.Memories.Write(ctx, d)
}

// Get returns a memory the caller can see. Memories that are invisible or
// expired are reported as not found.
func (e *Engine) Get(ctx context.Context, c Caller, id uuid.UUID) (*model.MemoryEntry, error) {
	m, err := e.load(ctx, c, id)
	if err != nil {
		return nil, err
	}
	e.deps.Access.LogAccess(m.ID, c.agentID)
	return m, nil
}

// Update changes a memory owned by the caller.
func (e *Engine) Update(ctx context.Context, c Caller, id uuid.UUID, p memory.Patch) (*model.MemoryEntry, error) {
	if err := e.requireOwner(ctx, c, id); err != nil {
		return nil, err
	}
	return e.deps.Memories.Update(ctx, id, p)
}

// Forget deletes a memory owned by the caller.
func (e *Engine) Forget(ctx context.Context, c Caller, id uuid.UUID) error {
	if err := e.requireOwner(ctx, c, id); err != nil {
		return err
	}
	if err := e.deps.Memories.Delete(ctx, id); err != nil {
		return err
	}
	e.logger.Debug("memory forgotten", zap.String("id", id.String()), zap.String("agent", c.agentID.String()))
	return nil
}

func (e *Engine) load(ctx context.Context, c Caller, id uuid.UUID) (*model.MemoryEntry, error) {
	m, err := e.deps.Memories.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Expired(e.now()) {
		return nil, fmt.Errorf("memory %s: %w", id, errs.ErrNotFound)
	}
	v := &view{caller: c}
	if !c.trusted && m.AgentID != c.agentID && m.Scope == model.ScopeTeam {
		if v.teammates, err = e.deps.Teams.TeammatesOf(ctx, c.agentID); err != nil {
			return nil, err
		}
	}
	if !v.visible(m) {
		return nil, fmt.Errorf("memory %s: %w", id, errs.ErrNotFound)
	}
	return m, nil
}

// requireOwner lets only the owner mutate a memory. Callers that cannot
// see the memory get NotFound rather than Forbidden.
func (e *Engine) requireOwner(ctx context.Context, c Caller, id uuid.UUID) error {
	m, err := e.load(ctx, c, id)
	if err != nil {
		return err
	}
	if m.AgentID != c.agentID {
		return fmt.Errorf("memory %s belongs to another agent: %w", id, errs.ErrForbidden)
	}
	return nil
}
