package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nidhogg/memorybank/internal/errs"
)

// PrincipalKind discriminates the Principal variant.
type PrincipalKind string

const (
	PrincipalAgent  PrincipalKind = "agent"
	PrincipalTeam   PrincipalKind = "team"
	PrincipalGlobal PrincipalKind = "global"
)

// Principal is the subject of an access grant: exactly one agent, exactly
// one team, or everyone. The zero value is invalid; use the constructors.
type Principal struct {
	kind PrincipalKind
	id   uuid.UUID
}

func AgentPrincipal(id uuid.UUID) Principal { return Principal{kind: PrincipalAgent, id: id} }
func TeamPrincipal(id uuid.UUID) Principal  { return Principal{kind: PrincipalTeam, id: id} }
func GlobalPrincipal() Principal            { return Principal{kind: PrincipalGlobal} }

// ParsePrincipal builds a Principal from the loose triple accepted at the
// transport boundary. Setting both ids, or neither without global, is an
// invalid grant.
func ParsePrincipal(agentID, teamID *uuid.UUID, global bool) (Principal, error) {
	switch {
	case agentID != nil && teamID != nil:
		return Principal{}, errs.Invalid("invalid grant: both agent and team set")
	case global && (agentID != nil || teamID != nil):
		return Principal{}, errs.Invalid("invalid grant: global grant names a principal")
	case agentID != nil:
		return AgentPrincipal(*agentID), nil
	case teamID != nil:
		return TeamPrincipal(*teamID), nil
	case global:
		return GlobalPrincipal(), nil
	}
	return Principal{}, errs.Invalid("invalid grant: no principal")
}

func (p Principal) Kind() PrincipalKind { return p.kind }

// ID returns the agent or team id. It is uuid.Nil for a global principal.
func (p Principal) ID() uuid.UUID { return p.id }

func (p Principal) Valid() bool {
	switch p.kind {
	case PrincipalAgent, PrincipalTeam:
		return p.id != uuid.Nil
	case PrincipalGlobal:
		return p.id == uuid.Nil
	}
	return false
}

func (p Principal) String() string {
	if p.kind == PrincipalGlobal {
		return "global"
	}
	return fmt.Sprintf("%s:%s", p.kind, p.id)
}

type principalJSON struct {
	Kind PrincipalKind `json:"kind"`
	ID   *uuid.UUID    `json:"id,omitempty"`
}

func (p Principal) MarshalJSON() ([]byte, error) {
	out := principalJSON{Kind: p.kind}
	if p.kind != PrincipalGlobal {
		id := p.id
		out.ID = &id
	}
	return json.Marshal(out)
}

func (p *Principal) UnmarshalJSON(data []byte) error {
	var in principalJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	var parsed Principal
	var err error
	switch in.Kind {
	case PrincipalAgent:
		parsed, err = ParsePrincipal(in.ID, nil, false)
	case PrincipalTeam:
		parsed, err = ParsePrincipal(nil, in.ID, false)
	case PrincipalGlobal:
		parsed, err = ParsePrincipal(nil, nil, in.ID == nil)
	default:
		err = errs.Invalid("invalid grant: unknown principal kind %q", in.Kind)
	}
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
