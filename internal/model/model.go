// Package model holds the domain types shared by the memorybank services.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentType tags the kind of actor behind an agent identity.
type AgentType string

const (
	AgentAutonomous AgentType = "autonomous"
	AgentHuman      AgentType = "human"
	AgentService    AgentType = "service"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentAutonomous, AgentHuman, AgentService:
		return true
	}
	return false
}

// Agent is a registered identity. The credential itself is never stored.
type Agent struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	DisplayName string          `json:"display_name,omitempty"`
	Type        AgentType       `json:"agent_type"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Active      bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
	LastSeenAt  *time.Time      `json:"last_seen_at,omitempty"`
}

// Role is a member's role within a team.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleMember   Role = "member"
	RoleReadOnly Role = "read_only"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember, RoleReadOnly:
		return true
	}
	return false
}

type Team struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedBy   uuid.UUID `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	// Role is the requesting agent's role when the team is listed for an agent.
	Role Role `json:"role,omitempty"`
}

// MemoryType classifies a memory entry.
type MemoryType string

const (
	Episodic   MemoryType = "episodic"
	Semantic   MemoryType = "semantic"
	Procedural MemoryType = "procedural"
)

func (m MemoryType) Valid() bool {
	switch m {
	case Episodic, Semantic, Procedural:
		return true
	}
	return false
}

// Scope is the visibility class of a memory entry.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeTeam    Scope = "team"
	ScopeGlobal  Scope = "global"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopePrivate, ScopeTeam, ScopeGlobal:
		return true
	}
	return false
}

// AllScopes is the default scope allow-list for searches.
var AllScopes = []Scope{ScopePrivate, ScopeTeam, ScopeGlobal}

// DefaultNamespace is used when a memory is written without one.
const DefaultNamespace = "default"

// DefaultImportance is used when a memory is written without an importance.
const DefaultImportance = 0.5

// MemoryEntry is one record in the shared memory store.
type MemoryEntry struct {
	ID          uuid.UUID       `json:"id"`
	AgentID     uuid.UUID       `json:"agent_id"`
	AgentName   string          `json:"agent_name,omitempty"`
	Type        MemoryType      `json:"memory_type"`
	Scope       Scope           `json:"scope"`
	Content     string          `json:"content"`
	Summary     string          `json:"summary,omitempty"`
	Embedding   []float32       `json:"-"`
	SourceID    *int64          `json:"source_id,omitempty"`
	ChunkID     *int64          `json:"chunk_id,omitempty"`
	Tags        []string        `json:"tags"`
	Namespace   string          `json:"namespace"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Importance  float64         `json:"importance"`
	AccessCount int64           `json:"access_count"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the entry has an expiry at or before now.
func (m *MemoryEntry) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// HasAnyTag reports whether the entry carries at least one of tags.
func (m *MemoryEntry) HasAnyTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range m.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

// KnowledgeSource is an ingested document origin, managed externally.
type KnowledgeSource struct {
	ID         int64           `json:"id"`
	URL        string          `json:"url"`
	Title      string          `json:"title"`
	SourceType string          `json:"source_type"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// KnowledgeChunk is one indexed passage of a source.
type KnowledgeChunk struct {
	ID         uint64    `json:"id"`
	SourceID   int64     `json:"source_id"`
	ChunkIndex int       `json:"chunk_index"`
	Title      string    `json:"title,omitempty"`
	URL        string    `json:"url,omitempty"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	IndexedAt  time.Time `json:"indexed_at"`
}

// Permission is the level granted on a knowledge source.
type Permission string

const (
	PermRead  Permission = "read"
	PermWrite Permission = "write"
	PermAdmin Permission = "admin"
)

func (p Permission) Valid() bool {
	switch p {
	case PermRead, PermWrite, PermAdmin:
		return true
	}
	return false
}

// AccessGrant authorizes a principal on a knowledge source.
type AccessGrant struct {
	ID         uuid.UUID  `json:"id"`
	SourceID   int64      `json:"source_id"`
	Principal  Principal  `json:"principal"`
	Permission Permission `json:"permission"`
	GrantedBy  uuid.UUID  `json:"granted_by"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AccessEvent is one recorded read of a memory entry.
type AccessEvent struct {
	MemoryID   uuid.UUID
	AgentID    uuid.UUID
	AccessedAt time.Time
}

// AgentStats summarizes what an agent owns and can see.
type AgentStats struct {
	OwnMemories        int64 `json:"own_memories"`
	AccessibleMemories int64 `json:"accessible_memories"`
	AccessibleSources  int64 `json:"accessible_sources"`
	TeamsCount         int64 `json:"teams_count"`
}
