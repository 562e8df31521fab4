package retrieval

import (
	"github.com/google/uuid"

	"github.com/nidhogg/memorybank/internal/model"
)

// Caller is the principal a retrieval call runs as. Build one with
// Engine.Caller, or Engine.Trusted for a configured service principal.
type Caller struct {
	agentID uuid.UUID
	trusted bool
}

// AgentID is the calling agent.
func (c Caller) AgentID() uuid.UUID { return c.agentID }

// IsTrusted reports whether the caller bypasses scope and grant checks.
func (c Caller) IsTrusted() bool { return c.trusted }

func (c Caller) String() string {
	if c.trusted {
		return "trusted:" + c.agentID.String()
	}
	return "agent:" + c.agentID.String()
}

// view is what a caller is allowed to see for the duration of one call.
// teammates and sources are loaded fresh per call, so membership and grant
// changes apply to the next call.
type view struct {
	caller    Caller
	teammates map[uuid.UUID]struct{}
	sources   map[int64]struct{}
}

// visible is the one authorization predicate for both corpora.
//
// A memory is visible to its owner in any scope, to everyone when global,
// and to teammates of the owner when team-scoped. A knowledge chunk is
// visible when its source is granted to the caller, one of the caller's
// teams, or globally. Trusted callers see everything.
func (v *view) visible(item any) bool {
	if v.caller.trusted {
		return true
	}
	switch it := item.(type) {
	case *model.MemoryEntry:
		if it.AgentID == v.caller.agentID {
			return true
		}
		switch it.Scope {
		case model.ScopeGlobal:
			return true
		case model.ScopeTeam:
			_, ok := v.teammates[it.AgentID]
			return ok
		}
		return false
	case *model.KnowledgeChunk:
		_, ok := v.sources[it.SourceID]
		return ok
	}
	return false
}
