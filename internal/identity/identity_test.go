package identity

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/fake"
	"github.com/nidhogg/memorybank/internal/model"
)

func newTestService(t *testing.T) (*Service, *fake.DB) {
	t.Helper()
	db := fake.NewDB()
	return NewService(db, db.Membership(), Options{BcryptCost: bcrypt.MinCost}, zap.NewNop()), db
}

func register(t *testing.T, s *Service, name string) (*model.Agent, string) {
	t.Helper()
	a, cred, err := s.Register(context.Background(), RegisterRequest{Name: name})
	require.NoError(t, err)
	return a, cred
}

func TestRegisterAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)

	a, cred := register(t, s, "alice")
	assert.True(t, strings.HasPrefix(cred, "mb_sk_"))
	assert.Equal(t, model.AgentAutonomous, a.Type)

	got, err := s.Authenticate(ctx, cred)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)
	assert.NotNil(t, got.LastSeenAt)

	_, err = s.Authenticate(ctx, cred+"x")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = s.Authenticate(ctx, "mb_sk_nobody-has-this-key-at-all")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	_, err = s.Authenticate(ctx, "")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRegisterDuplicateNameConflicts(t *testing.T) {
	s, _ := newTestService(t)
	register(t, s, "alice")
	_, _, err := s.Register(context.Background(), RegisterRequest{Name: "alice"})
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestRegisterValidation(t *testing.T) {
	s, _ := newTestService(t)
	ctx := context.Background()
	cases := map[string]RegisterRequest{
		"no name":      {},
		"bad type":     {Name: "a", Type: "robot"},
		"short secret": {Name: "b", Credential: "short"},
		"bad metadata": {Name: "c", Metadata: []byte("{")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.Register(ctx, req)
			assert.ErrorIs(t, err, errs.ErrInvalidArgument)
		})
	}
}

func TestDeactivatedAgentCannotAuthenticate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	a, cred := register(t, s, "bob")
	require.NoError(t, s.Deactivate(ctx, a.ID))
	_, err := s.Authenticate(ctx, cred)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestCreateTeamJoinsCreatorAsAdmin(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	a, _ := register(t, s, "alice")

	team, err := s.CreateTeam(ctx, a.ID, "ops", "on-call")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, team.Role)

	teams, err := s.ListTeams(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, "ops", teams[0].Name)
	assert.Equal(t, model.RoleAdmin, teams[0].Role)

	_, err = s.CreateTeam(ctx, a.ID, "ops", "")
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestTeammatesFollowMembershipImmediately(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	a, _ := register(t, s, "a")
	b, _ := register(t, s, "b")
	c, _ := register(t, s, "c")

	team, err := s.CreateTeam(ctx, a.ID, "t", "")
	require.NoError(t, err)
	require.NoError(t, s.JoinTeam(ctx, team.ID, b.ID, ""))

	mates, err := s.TeammatesOf(ctx, a.ID)
	require.NoError(t, err)
	assert.Contains(t, mates, b.ID)
	assert.NotContains(t, mates, a.ID)
	assert.NotContains(t, mates, c.ID)

	require.NoError(t, s.LeaveTeam(ctx, team.ID, b.ID))
	mates, err = s.TeammatesOf(ctx, a.ID)
	require.NoError(t, err)
	assert.Empty(t, mates)
}

func TestTeamAdministration(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestService(t)
	admin, _ := register(t, s, "admin")
	member, _ := register(t, s, "member")
	other, _ := register(t, s, "other")

	team, err := s.CreateTeam(ctx, admin.ID, "t", "")
	require.NoError(t, err)

	assert.ErrorIs(t, s.JoinTeam(ctx, team.ID, member.ID, model.RoleAdmin), errs.ErrForbidden)
	require.NoError(t, s.JoinTeam(ctx, team.ID, member.ID, model.RoleMember))

	assert.ErrorIs(t, s.AddMember(ctx, member.ID, team.ID, other.ID, model.RoleMember), errs.ErrForbidden)
	require.NoError(t, s.AddMember(ctx, admin.ID, team.ID, other.ID, model.RoleReadOnly))

	_, err = s.Members(ctx, uuid.New(), team.ID)
	assert.ErrorIs(t, err, errs.ErrForbidden)
	members, err := s.Members(ctx, member.ID, team.ID)
	require.NoError(t, err)
	assert.Len(t, members, 3)

	assert.ErrorIs(t, s.RemoveMember(ctx, member.ID, team.ID, other.ID), errs.ErrForbidden)
	require.NoError(t, s.RemoveMember(ctx, admin.ID, team.ID, other.ID))
	require.NoError(t, s.RemoveMember(ctx, member.ID, team.ID, member.ID))

	err = s.JoinTeam(ctx, uuid.New(), member.ID, "")
	assert.True(t, errors.Is(err, errs.ErrNotFound), "join unknown team: %v", err)
}

func TestExternalMembershipRollsBackTeam(t *testing.T) {
	ctx := context.Background()
	db := fake.NewDB()
	s := NewService(db, db.Membership(), Options{ExternalMembership: true, BcryptCost: bcrypt.MinCost}, zap.NewNop())
	a, _ := register(t, s, "a")

	db.Fail = fake.FailOn(errs.ErrUnavailable, "AddMember")
	_, err := s.CreateTeam(ctx, a.ID, "t", "")
	assert.ErrorIs(t, err, errs.ErrUnavailable)

	db.Fail = nil
	team, err := s.CreateTeam(ctx, a.ID, "t", "")
	require.NoError(t, err, "team name should be free after rollback")
	role, err := db.Membership().RoleOf(ctx, team.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, role)
}

func TestGenerateCredentialIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := GenerateCredential()
		require.NoError(t, err)
		require.NoError(t, checkCredential(c))
		require.False(t, seen[c])
		seen[c] = true
	}
}
