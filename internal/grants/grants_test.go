package grants

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/fake"
	"github.com/nidhogg/memorybank/internal/identity"
	"github.com/nidhogg/memorybank/internal/model"
)

type fixture struct {
	db     *fake.DB
	ids    *identity.Service
	grants *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := fake.NewDB()
	ids := identity.NewService(db, db.Membership(), identity.Options{BcryptCost: bcrypt.MinCost}, zap.NewNop())
	return &fixture{db: db, ids: ids, grants: NewService(db, ids, zap.NewNop())}
}

func (f *fixture) agent(t *testing.T, name string) uuid.UUID {
	t.Helper()
	a, _, err := f.ids.Register(context.Background(), identity.RegisterRequest{Name: name})
	require.NoError(t, err)
	return a.ID
}

func (f *fixture) source(t *testing.T, url string) int64 {
	t.Helper()
	id, err := f.db.UpsertSource(context.Background(), &model.KnowledgeSource{URL: url})
	require.NoError(t, err)
	return id
}

func TestGrantPaths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	owner := f.agent(t, "owner")
	direct := f.agent(t, "direct")
	teammate := f.agent(t, "teammate")
	outsider := f.agent(t, "outsider")

	agentSrc := f.source(t, "https://a")
	teamSrc := f.source(t, "https://t")
	globalSrc := f.source(t, "https://g")
	privateSrc := f.source(t, "https://p")

	team, err := f.ids.CreateTeam(ctx, owner, "team", "")
	require.NoError(t, err)
	require.NoError(t, f.ids.JoinTeam(ctx, team.ID, teammate, ""))

	_, err = f.grants.Grant(ctx, agentSrc, model.AgentPrincipal(direct), model.PermRead, owner)
	require.NoError(t, err)
	_, err = f.grants.Share(ctx, teamSrc, &team.ID, owner)
	require.NoError(t, err)
	_, err = f.grants.Share(ctx, globalSrc, nil, owner)
	require.NoError(t, err)

	cases := []struct {
		agent uuid.UUID
		src   int64
		want  bool
	}{
		{direct, agentSrc, true},
		{outsider, agentSrc, false},
		{teammate, teamSrc, true},
		{owner, teamSrc, true},
		{outsider, teamSrc, false},
		{outsider, globalSrc, true},
		{owner, privateSrc, false},
	}
	for _, c := range cases {
		ok, err := f.grants.IsAuthorized(ctx, c.agent, c.src)
		require.NoError(t, err)
		assert.Equal(t, c.want, ok, "agent %s source %d", c.agent, c.src)
	}

	// Leaving the team revokes team-granted access on the next call.
	require.NoError(t, f.ids.LeaveTeam(ctx, team.ID, teammate))
	ok, err := f.grants.IsAuthorized(ctx, teammate, teamSrc)
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := f.grants.AuthorizedSources(ctx, direct, []int64{agentSrc, teamSrc, globalSrc, privateSrc})
	require.NoError(t, err)
	assert.Equal(t, map[int64]struct{}{agentSrc: {}, globalSrc: {}}, all)
}

func TestGrantIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.agent(t, "a")
	src := f.source(t, "https://x")

	id1, err := f.grants.Grant(ctx, src, model.AgentPrincipal(a), model.PermRead, a)
	require.NoError(t, err)
	id2, err := f.grants.Grant(ctx, src, model.AgentPrincipal(a), model.PermRead, a)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	list, err := f.grants.List(ctx, src)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.grants.Revoke(ctx, id1))
	assert.ErrorIs(t, f.grants.Revoke(ctx, id1), errs.ErrNotFound)
}

func TestGrantRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.agent(t, "a")
	src := f.source(t, "https://x")

	_, err := f.grants.Grant(ctx, src, model.Principal{}, model.PermRead, a)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = f.grants.Grant(ctx, src, model.AgentPrincipal(a), "own", a)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = f.grants.Grant(ctx, 999, model.GlobalPrincipal(), model.PermRead, a)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = f.grants.Grant(ctx, src, model.TeamPrincipal(uuid.New()), model.PermRead, a)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestBootstrapGlobalAccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := f.agent(t, "admin")
	s1 := f.source(t, "https://1")
	f.source(t, "https://2")
	f.source(t, "https://3")
	_, err := f.grants.Share(ctx, s1, nil, a)
	require.NoError(t, err)

	n, err := f.grants.BootstrapGlobalAccess(ctx, a)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = f.grants.BootstrapGlobalAccess(ctx, a)
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}
