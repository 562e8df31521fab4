// Package identity registers and authenticates agents and manages team
// membership. Team relationships are always read fresh from the
// membership backend.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
	"github.com/nidhogg/memorybank/internal/store"
)

// Repository is the relational side of identity.
type Repository interface {
	CreateAgent(ctx context.Context, a *model.Agent, keyPrefix, keyHash string) error
	GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error)
	CredentialsByPrefix(ctx context.Context, prefix string) ([]store.AgentCredential, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time)
	DeactivateAgent(ctx context.Context, id uuid.UUID) error
	CreateTeam(ctx context.Context, t *model.Team, withCreator bool) error
	DeleteTeam(ctx context.Context, id uuid.UUID) error
	GetTeam(ctx context.Context, id uuid.UUID) (*model.Team, error)
	TeamsByID(ctx context.Context, ids []uuid.UUID) ([]*model.Team, error)
}

// Membership stores team membership edges.
type Membership interface {
	AddMember(ctx context.Context, teamID, agentID uuid.UUID, role model.Role) error
	RemoveMember(ctx context.Context, teamID, agentID uuid.UUID) error
	RoleOf(ctx context.Context, teamID, agentID uuid.UUID) (model.Role, error)
	TeamsOf(ctx context.Context, agentID uuid.UUID) (map[uuid.UUID]model.Role, error)
	TeammatesOf(ctx context.Context, agentID uuid.UUID) (map[uuid.UUID]struct{}, error)
	MembersOf(ctx context.Context, teamID uuid.UUID) (map[uuid.UUID]model.Role, error)
}

// Options tune the identity service.
type Options struct {
	// ExternalMembership is set when Membership is not the relational
	// table, so team creation must add the creator edge separately.
	ExternalMembership bool
	BcryptCost         int
}

// Service implements agent identity and teams.
type Service struct {
	repo    Repository
	members Membership
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

// NewService creates an identity service.
func NewService(repo Repository, members Membership, opts Options, logger *zap.Logger) *Service {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	return &Service{repo: repo, members: members, opts: opts, logger: logger, now: time.Now}
}

// RegisterRequest describes a new agent. An empty Credential asks the
// service to generate one.
type RegisterRequest struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Type        model.AgentType `json:"agent_type,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Credential  string          `json:"-"`
}

// Register creates an agent and returns it with its credential. The
// credential is returned exactly once and only its hash is stored.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*model.Agent, string, error) {
	if req.Name == "" {
		return nil, "", errs.Invalid("agent name is required")
	}
	if req.Type == "" {
		req.Type = model.AgentAutonomous
	}
	if !req.Type.Valid() {
		return nil, "", errs.Invalid("unknown agent type %q", req.Type)
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return nil, "", errs.Invalid("metadata is not valid JSON")
	}
	cred := req.Credential
	if cred == "" {
		var err error
		if cred, err = GenerateCredential(); err != nil {
			return nil, "", err
		}
	}
	if err := checkCredential(cred); err != nil {
		return nil, "", err
	}
	hash, err := hashCredential(cred, s.opts.BcryptCost)
	if err != nil {
		return nil, "", err
	}

	a := &model.Agent{
		ID:          uuid.New(),
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Type:        req.Type,
		Metadata:    req.Metadata,
		Active:      true,
	}
	if err := s.repo.CreateAgent(ctx, a, lookupKey(cred), hash); err != nil {
		return nil, "", fmt.Errorf("register %s: %w", req.Name, err)
	}
	s.logger.Info("agent registered", zap.String("agent", a.ID.String()), zap.String("name", a.Name))
	return a, cred, nil
}

// Authenticate resolves a credential to an active agent.
func (s *Service) Authenticate(ctx context.Context, credential string) (*model.Agent, error) {
	if credential == "" {
		return nil, fmt.Errorf("authenticate: %w", errs.ErrUnauthorized)
	}
	cands, err := s.repo.CredentialsByPrefix(ctx, lookupKey(credential))
	if err != nil {
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	var match *store.AgentCredential
	for i := range cands {
		if bcrypt.CompareHashAndPassword([]byte(cands[i].Hash), []byte(credential)) == nil {
			match = &cands[i]
			break
		}
	}
	if match == nil {
		if len(cands) == 0 {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(credential))
		}
		return nil, fmt.Errorf("authenticate: %w", errs.ErrUnauthorized)
	}

	a, err := s.repo.GetAgent(ctx, match.AgentID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("authenticate: %w", errs.ErrUnauthorized)
		}
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	if !a.Active {
		return nil, fmt.Errorf("authenticate: %w", errs.ErrUnauthorized)
	}
	now := s.now()
	s.repo.TouchLastSeen(ctx, a.ID, now)
	a.LastSeenAt = &now
	return a, nil
}

// GetAgent loads an agent by id.
func (s *Service) GetAgent(ctx context.Context, id uuid.UUID) (*model.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

// Deactivate soft-deletes an agent so its credential stops working.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeactivateAgent(ctx, id); err != nil {
		return err
	}
	s.logger.Info("agent deactivated", zap.String("agent", id.String()))
	return nil
}

// TeammatesOf returns every agent sharing a team with agentID, excluding
// agentID. It is computed on every call.
func (s *Service) TeammatesOf(ctx context.Context, agentID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	mates, err := s.members.TeammatesOf(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("teammates of %s: %w", agentID, err)
	}
	delete(mates, agentID)
	return mates, nil
}

// TeamIDsOf returns the ids of the agent's teams.
func (s *Service) TeamIDsOf(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error) {
	teams, err := s.members.TeamsOf(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("teams of %s: %w", agentID, err)
	}
	ids := make([]uuid.UUID, 0, len(teams))
	for id := range teams {
		ids = append(ids, id)
	}
	return ids, nil
}

// CreateTeam creates a team and joins the creator as admin.
func (s *Service) CreateTeam(ctx context.Context, creator uuid.UUID, name, description string) (*model.Team, error) {
	if name == "" {
		return nil, errs.Invalid("team name is required")
	}
	t := &model.Team{ID: uuid.New(), Name: name, Description: description, CreatedBy: creator}
	if err := s.repo.CreateTeam(ctx, t, !s.opts.ExternalMembership); err != nil {
		return nil, fmt.Errorf("create team: %w", err)
	}
	if s.opts.ExternalMembership {
		if err := s.members.AddMember(ctx, t.ID, creator, model.RoleAdmin); err != nil {
			if derr := s.repo.DeleteTeam(ctx, t.ID); derr != nil {
				s.logger.Error("orphan team left after membership failure",
					zap.String("team", t.ID.String()), zap.Error(derr))
			}
			return nil, fmt.Errorf("create team: add creator: %w", err)
		}
	}
	t.Role = model.RoleAdmin
	s.logger.Info("team created", zap.String("team", t.ID.String()), zap.String("name", name))
	return t, nil
}

// JoinTeam adds the agent itself to a team. Self-service joins cannot
// claim the admin role.
func (s *Service) JoinTeam(ctx context.Context, teamID, agentID uuid.UUID, role model.Role) error {
	if role == "" {
		role = model.RoleMember
	}
	if !role.Valid() {
		return errs.Invalid("unknown role %q", role)
	}
	if role == model.RoleAdmin {
		return fmt.Errorf("join team as admin: %w", errs.ErrForbidden)
	}
	if _, err := s.repo.GetTeam(ctx, teamID); err != nil {
		return err
	}
	return s.members.AddMember(ctx, teamID, agentID, role)
}

// AddMember lets a team admin add another agent with any role.
func (s *Service) AddMember(ctx context.Context, actor, teamID, agentID uuid.UUID, role model.Role) error {
	if !role.Valid() {
		return errs.Invalid("unknown role %q", role)
	}
	if err := s.requireAdmin(ctx, actor, teamID); err != nil {
		return err
	}
	if _, err := s.repo.GetAgent(ctx, agentID); err != nil {
		return err
	}
	return s.members.AddMember(ctx, teamID, agentID, role)
}

// LeaveTeam removes the agent from a team. The change is visible to the
// next search.
func (s *Service) LeaveTeam(ctx context.Context, teamID, agentID uuid.UUID) error {
	return s.members.RemoveMember(ctx, teamID, agentID)
}

// RemoveMember lets a team admin remove another member.
func (s *Service) RemoveMember(ctx context.Context, actor, teamID, agentID uuid.UUID) error {
	if actor != agentID {
		if err := s.requireAdmin(ctx, actor, teamID); err != nil {
			return err
		}
	}
	return s.members.RemoveMember(ctx, teamID, agentID)
}

// ListTeams returns the teams the agent belongs to with its role in each.
func (s *Service) ListTeams(ctx context.Context, agentID uuid.UUID) ([]*model.Team, error) {
	roles, err := s.members.TeamsOf(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(roles))
	for id := range roles {
		ids = append(ids, id)
	}
	teams, err := s.repo.TeamsByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	for _, t := range teams {
		t.Role = roles[t.ID]
	}
	return teams, nil
}

// Members lists a team's members. Only members may look.
func (s *Service) Members(ctx context.Context, actor, teamID uuid.UUID) (map[uuid.UUID]model.Role, error) {
	if _, err := s.members.RoleOf(ctx, teamID, actor); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("list members: %w", errs.ErrForbidden)
		}
		return nil, err
	}
	return s.members.MembersOf(ctx, teamID)
}

func (s *Service) requireAdmin(ctx context.Context, actor, teamID uuid.UUID) error {
	role, err := s.members.RoleOf(ctx, teamID, actor)
	if errors.Is(err, errs.ErrNotFound) || (err == nil && role != model.RoleAdmin) {
		return fmt.Errorf("team %s requires admin: %w", teamID, errs.ErrForbidden)
	}
	return err
}
