// Package grants authorizes agents on knowledge sources through agent,
// team and global grants.
package grants

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
)

// Repository persists grants.
type Repository interface {
	CreateGrant(ctx context.Context, g *model.AccessGrant) (uuid.UUID, bool, error)
	DeleteGrant(ctx context.Context, id uuid.UUID) error
	ListGrants(ctx context.Context, sourceID int64) ([]*model.AccessGrant, error)
	BootstrapGlobalGrants(ctx context.Context, grantedBy uuid.UUID) (int64, error)
	AuthorizedSources(ctx context.Context, agentID uuid.UUID, teamIDs []uuid.UUID, sourceIDs []int64) (map[int64]struct{}, error)
}

// Teams resolves an agent's current teams.
type Teams interface {
	TeamIDsOf(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error)
}

// Service grants and checks knowledge source access.
type Service struct {
	repo   Repository
	teams  Teams
	logger *zap.Logger
}

func NewService(repo Repository, teams Teams, logger *zap.Logger) *Service {
	return &Service{repo: repo, teams: teams, logger: logger}
}

// Grant gives principal access to a source. A repeated grant to the same
// principal is a no-op that returns the existing grant id.
func (s *Service) Grant(ctx context.Context, sourceID int64, p model.Principal, perm model.Permission, grantedBy uuid.UUID) (uuid.UUID, error) {
	if !p.Valid() {
		return uuid.Nil, errs.Invalid("invalid grant: principal %v", p)
	}
	if perm == "" {
		perm = model.PermRead
	}
	if !perm.Valid() {
		return uuid.Nil, errs.Invalid("unknown permission %q", perm)
	}
	g := &model.AccessGrant{SourceID: sourceID, Principal: p, Permission: perm, GrantedBy: grantedBy}
	id, created, err := s.repo.CreateGrant(ctx, g)
	if err != nil {
		return uuid.Nil, err
	}
	if created {
		s.logger.Info("grant created",
			zap.Int64("source", sourceID),
			zap.Stringer("principal", p),
			zap.String("permission", string(perm)))
	}
	return id, nil
}

// Share publishes a source to a team, or to everyone when teamID is nil.
func (s *Service) Share(ctx context.Context, sourceID int64, teamID *uuid.UUID, grantedBy uuid.UUID) (uuid.UUID, error) {
	p := model.GlobalPrincipal()
	if teamID != nil {
		p = model.TeamPrincipal(*teamID)
	}
	return s.Grant(ctx, sourceID, p, model.PermRead, grantedBy)
}

// Revoke deletes a grant.
func (s *Service) Revoke(ctx context.Context, grantID uuid.UUID) error {
	return s.repo.DeleteGrant(ctx, grantID)
}

// List returns the grants on a source.
func (s *Service) List(ctx context.Context, sourceID int64) ([]*model.AccessGrant, error) {
	return s.repo.ListGrants(ctx, sourceID)
}

// BootstrapGlobalAccess creates a global read grant on every source that
// lacks one and returns how many were created.
func (s *Service) BootstrapGlobalAccess(ctx context.Context, grantingAgent uuid.UUID) (int64, error) {
	n, err := s.repo.BootstrapGlobalGrants(ctx, grantingAgent)
	if err != nil {
		return 0, fmt.Errorf("bootstrap global access: %w", err)
	}
	s.logger.Info("global access bootstrapped", zap.Int64("grants", n))
	return n, nil
}

// IsAuthorized reports whether the agent may read the source through a
// global grant, its own grant, or a grant to one of its current teams.
func (s *Service) IsAuthorized(ctx context.Context, agentID uuid.UUID, sourceID int64) (bool, error) {
	ok, err := s.AuthorizedSources(ctx, agentID, []int64{sourceID})
	if err != nil {
		return false, err
	}
	_, allowed := ok[sourceID]
	return allowed, nil
}

// AuthorizedSources is the batched form of IsAuthorized.
func (s *Service) AuthorizedSources(ctx context.Context, agentID uuid.UUID, sourceIDs []int64) (map[int64]struct{}, error) {
	if len(sourceIDs) == 0 {
		return map[int64]struct{}{}, nil
	}
	teams, err := s.teams.TeamIDsOf(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("authorize sources: %w", err)
	}
	ok, err := s.repo.AuthorizedSources(ctx, agentID, teams, sourceIDs)
	if err != nil {
		return nil, fmt.Errorf("authorize sources: %w", err)
	}
	return ok, nil
}
