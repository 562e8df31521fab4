package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
)

// GraphMembership keeps team membership as MEMBER_OF edges in Neo4j.
// When configured it is the only source of membership.
type GraphMembership struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

var _ Membership = (*GraphMembership)(nil)

// NewGraphMembership connects to Neo4j.
func NewGraphMembership(uri, user, password string, logger *zap.Logger) (*GraphMembership, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &GraphMembership{driver: driver, logger: logger}, nil
}

// Ping verifies the Neo4j connection.
func (g *GraphMembership) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

// Close shuts down the Neo4j driver.
func (g *GraphMembership) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the edges rely on.
func (g *GraphMembership) EnsureSchema(ctx context.Context) error {
	for _, q := range []string{
		`CREATE CONSTRAINT mb_agent_id IF NOT EXISTS FOR (a:Agent) REQUIRE a.id IS UNIQUE`,
		`CREATE CONSTRAINT mb_team_id IF NOT EXISTS FOR (t:Team) REQUIRE t.id IS UNIQUE`,
	} {
		if err := g.write(ctx, q, nil); err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
	}
	return nil
}

func (g *GraphMembership) AddMember(ctx context.Context, teamID, agentID uuid.UUID, role model.Role) error {
	err := g.write(ctx, `
		MERGE (a:Agent {id: $agentId})
		MERGE (t:Team {id: $teamId})
		MERGE (a)-[m:MEMBER_OF]->(t)
		SET m.role = $role, m.joined_at = coalesce(m.joined_at, datetime())`,
		map[string]interface{}{
			"agentId": agentID.String(),
			"teamId":  teamID.String(),
			"role":    string(role),
		})
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (g *GraphMembership) RemoveMember(ctx context.Context, teamID, agentID uuid.UUID) error {
	err := g.write(ctx, `
		MATCH (:Agent {id: $agentId})-[m:MEMBER_OF]->(:Team {id: $teamId})
		DELETE m`,
		map[string]interface{}{"agentId": agentID.String(), "teamId": teamID.String()})
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (g *GraphMembership) RoleOf(ctx context.Context, teamID, agentID uuid.UUID) (model.Role, error) {
	rows, err := g.read(ctx, `
		MATCH (:Agent {id: $agentId})-[m:MEMBER_OF]->(:Team {id: $teamId})
		RETURN m.role AS role`,
		map[string]interface{}{"agentId": agentID.String(), "teamId": teamID.String()},
		"role")
	if err != nil {
		return "", fmt.Errorf("team role: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("team role: %w", errs.ErrNotFound)
	}
	return model.Role(rows[0][0]), nil
}

func (g *GraphMembership) TeamsOf(ctx context.Context, agentID uuid.UUID) (map[uuid.UUID]model.Role, error) {
	rows, err := g.read(ctx, `
		MATCH (:Agent {id: $agentId})-[m:MEMBER_OF]->(t:Team)
		RETURN t.id AS id, m.role AS role`,
		map[string]interface{}{"agentId": agentID.String()}, "id", "role")
	if err != nil {
		return nil, fmt.Errorf("teams of agent: %w", err)
	}
	return g.roleMap(rows), nil
}

func (g *GraphMembership) TeammatesOf(ctx context.Context, agentID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	rows, err := g.read(ctx, `
		MATCH (self:Agent {id: $agentId})-[:MEMBER_OF]->(:Team)<-[:MEMBER_OF]-(other:Agent)
		WHERE other.id <> self.id
		RETURN DISTINCT other.id AS id`,
		map[string]interface{}{"agentId": agentID.String()}, "id")
	if err != nil {
		return nil, fmt.Errorf("teammates of agent: %w", err)
	}
	out := make(map[uuid.UUID]struct{}, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r[0])
		if err != nil {
			g.logger.Warn("skip malformed agent node", zap.String("id", r[0]))
			continue
		}
		out[id] = struct{}{}
	}
	return out, nil
}

func (g *GraphMembership) MembersOf(ctx context.Context, teamID uuid.UUID) (map[uuid.UUID]model.Role, error) {
	rows, err := g.read(ctx, `
		MATCH (a:Agent)-[m:MEMBER_OF]->(:Team {id: $teamId})
		RETURN a.id AS id, m.role AS role`,
		map[string]interface{}{"teamId": teamID.String()}, "id", "role")
	if err != nil {
		return nil, fmt.Errorf("team members: %w", err)
	}
	return g.roleMap(rows), nil
}

func (g *GraphMembership) roleMap(rows [][]string) map[uuid.UUID]model.Role {
	out := make(map[uuid.UUID]model.Role, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r[0])
		if err != nil {
			g.logger.Warn("skip malformed node id", zap.String("id", r[0]))
			continue
		}
		out[id] = model.Role(r[1])
	}
	return out
}

func (g *GraphMembership) write(ctx context.Context, cypher string, params map[string]interface{}) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return errs.Classify("neo4j write", err)
	}
	_, err = result.Consume(ctx)
	return errs.Classify("neo4j write", err)
}

// read runs a query and returns the named string columns of every record.
func (g *GraphMembership) read(ctx context.Context, cypher string, params map[string]interface{}, cols ...string) ([][]string, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, errs.Classify("neo4j read", err)
	}
	var rows [][]string
	for result.Next(ctx) {
		rec := result.Record()
		row := make([]string, len(cols))
		for i, c := range cols {
			if v, ok := rec.Get(c); ok && v != nil {
				row[i], _ = v.(string)
			}
		}
		rows = append(rows, row)
	}
	if err := result.Err(); err != nil {
		return nil, errs.Classify("neo4j read", err)
	}
	return rows, nil
}
