//go:build integration

package identity

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/fake"
	"github.com/nidhogg/memorybank/internal/model"
)

// startGraph runs a Neo4j container and returns a connected membership.
func startGraph(t *testing.T) *GraphMembership {
	t.Helper()
	ctx := context.Background()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start neo4j")

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)
	g, err := NewGraphMembership(uri, "", "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { g.Close(ctx) })
	require.NoError(t, g.Ping(ctx))
	require.NoError(t, g.EnsureSchema(ctx))
	return g
}

func TestGraphMembership(t *testing.T) {
	ctx := context.Background()
	g := startGraph(t)

	team, other := uuid.New(), uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, g.AddMember(ctx, team, a, model.RoleAdmin))
	require.NoError(t, g.AddMember(ctx, team, b, model.RoleMember))
	require.NoError(t, g.AddMember(ctx, other, c, model.RoleMember))

	role, err := g.RoleOf(ctx, team, a)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, role)

	_, err = g.RoleOf(ctx, team, c)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// Re-adding changes the role without duplicating the edge.
	require.NoError(t, g.AddMember(ctx, team, b, model.RoleReadOnly))
	members, err := g.MembersOf(ctx, team)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]model.Role{a: model.RoleAdmin, b: model.RoleReadOnly}, members)

	mates, err := g.TeammatesOf(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]struct{}{b: {}}, mates)

	teams, err := g.TeamsOf(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]model.Role{other: model.RoleMember}, teams)

	require.NoError(t, g.RemoveMember(ctx, team, b))
	require.NoError(t, g.RemoveMember(ctx, team, b), "removing a non-member is a no-op")
	mates, err = g.TeammatesOf(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, mates)
}

func TestServiceOnGraphMembership(t *testing.T) {
	ctx := context.Background()
	g := startGraph(t)
	db := fake.NewDB()
	svc := NewService(db, g, Options{ExternalMembership: true, BcryptCost: bcrypt.MinCost}, zap.NewNop())

	alice, _, err := svc.Register(ctx, RegisterRequest{Name: "alice"})
	require.NoError(t, err)
	bob, _, err := svc.Register(ctx, RegisterRequest{Name: "bob"})
	require.NoError(t, err)

	team, err := svc.CreateTeam(ctx, alice.ID, "research", "")
	require.NoError(t, err)
	role, err := g.RoleOf(ctx, team.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, role, "creator edge lives in the graph")

	require.NoError(t, svc.JoinTeam(ctx, team.ID, bob.ID, ""))
	mates, err := svc.TeammatesOf(ctx, alice.ID)
	require.NoError(t, err)
	assert.Contains(t, mates, bob.ID)

	teams, err := svc.ListTeams(ctx, bob.ID)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, model.RoleMember, teams[0].Role)

	require.NoError(t, svc.LeaveTeam(ctx, team.ID, bob.ID))
	ids, err := svc.TeamIDsOf(ctx, bob.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)
}
