// Package fake provides an in-memory stand-in for the PostgreSQL store,
// used by service and transport tests.
package fake

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
	"github.com/nidhogg/memorybank/internal/store"
)

type agentRow struct {
	agent  model.Agent
	prefix string
	hash   string
}

type logRow struct {
	id       int64
	memoryID uuid.UUID
}

// DB mirrors the methods of *store.Store over maps.
type DB struct {
	mu         sync.Mutex
	agents     map[uuid.UUID]*agentRow
	teams      map[uuid.UUID]*model.Team
	members    map[uuid.UUID]map[uuid.UUID]model.Role // team -> agent -> role
	sources    map[int64]*model.KnowledgeSource
	grants     map[uuid.UUID]*model.AccessGrant
	memories   map[uuid.UUID]*model.MemoryEntry
	log        []logRow
	logSeq     int64
	watermarks map[string]string
	nextSource int64

	// Fail, when set, is consulted at the start of every operation; a
	// non-nil return is reported as that operation's error.
	Fail func(op string) error
	// Now stamps created_at and updated_at.
	Now func() time.Time
}

func NewDB() *DB {
	return &DB{
		agents:     make(map[uuid.UUID]*agentRow),
		teams:      make(map[uuid.UUID]*model.Team),
		members:    make(map[uuid.UUID]map[uuid.UUID]model.Role),
		sources:    make(map[int64]*model.KnowledgeSource),
		grants:     make(map[uuid.UUID]*model.AccessGrant),
		memories:   make(map[uuid.UUID]*model.MemoryEntry),
		watermarks: make(map[string]string),
		Now:        time.Now,
	}
}

func (d *DB) fail(op string) error {
	if d.Fail == nil {
		return nil
	}
	if err := d.Fail(op); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Agents

func (d *DB) CreateAgent(_ context.Context, a *model.Agent, keyPrefix, keyHash string) error {
	if err := d.fail("CreateAgent"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.agents {
		if r.agent.Name == a.Name {
			return fmt.Errorf("create agent: %w", errs.ErrConflict)
		}
	}
	a.CreatedAt = d.Now()
	d.agents[a.ID] = &agentRow{agent: *a, prefix: keyPrefix, hash: keyHash}
	return nil
}

func (d *DB) GetAgent(_ context.Context, id uuid.UUID) (*model.Agent, error) {
	if err := d.fail("GetAgent"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.agents[id]
	if !ok {
		return nil, fmt.Errorf("get agent %s: %w", id, errs.ErrNotFound)
	}
	a := r.agent
	return &a, nil
}

func (d *DB) CredentialsByPrefix(_ context.Context, prefix string) ([]store.AgentCredential, error) {
	if err := d.fail("CredentialsByPrefix"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []store.AgentCredential
	for _, r := range d.agents {
		if r.prefix == prefix && r.agent.Active {
			out = append(out, store.AgentCredential{AgentID: r.agent.ID, Name: r.agent.Name, Hash: r.hash})
		}
	}
	return out, nil
}

func (d *DB) TouchLastSeen(_ context.Context, id uuid.UUID, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.agents[id]; ok {
		r.agent.LastSeenAt = &at
	}
}

func (d *DB) DeactivateAgent(_ context.Context, id uuid.UUID) error {
	if err := d.fail("DeactivateAgent"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.agents[id]
	if !ok {
		return fmt.Errorf("deactivate agent: %w", errs.ErrNotFound)
	}
	r.agent.Active = false
	return nil
}

// Teams

func (d *DB) CreateTeam(_ context.Context, t *model.Team, withCreator bool) error {
	if err := d.fail("CreateTeam"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, x := range d.teams {
		if x.Name == t.Name {
			return fmt.Errorf("create team: %w", errs.ErrConflict)
		}
	}
	t.CreatedAt = d.Now()
	cp := *t
	d.teams[t.ID] = &cp
	d.members[t.ID] = make(map[uuid.UUID]model.Role)
	if withCreator {
		d.members[t.ID][t.CreatedBy] = model.RoleAdmin
	}
	return nil
}

func (d *DB) DeleteTeam(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.teams[id]; !ok {
		return fmt.Errorf("delete team: %w", errs.ErrNotFound)
	}
	delete(d.teams, id)
	delete(d.members, id)
	for gid, g := range d.grants {
		if g.Principal.Kind() == model.PrincipalTeam && g.Principal.ID() == id {
			delete(d.grants, gid)
		}
	}
	return nil
}

func (d *DB) GetTeam(_ context.Context, id uuid.UUID) (*model.Team, error) {
	if err := d.fail("GetTeam"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.teams[id]
	if !ok {
		return nil, fmt.Errorf("get team %s: %w", id, errs.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (d *DB) TeamsByID(_ context.Context, ids []uuid.UUID) ([]*model.Team, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.Team
	for _, id := range ids {
		if t, ok := d.teams[id]; ok {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Membership returns the relational membership view of the fake.
func (d *DB) Membership() *Membership { return &Membership{d: d} }

// Membership mirrors store.PGMembership.
type Membership struct{ d *DB }

func (m *Membership) AddMember(_ context.Context, teamID, agentID uuid.UUID, role model.Role) error {
	if err := m.d.fail("AddMember"); err != nil {
		return err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if _, ok := m.d.teams[teamID]; !ok {
		return fmt.Errorf("add member: %w", errs.ErrNotFound)
	}
	if _, ok := m.d.agents[agentID]; !ok {
		return fmt.Errorf("add member: %w", errs.ErrNotFound)
	}
	m.d.members[teamID][agentID] = role
	return nil
}

func (m *Membership) RemoveMember(_ context.Context, teamID, agentID uuid.UUID) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if mm, ok := m.d.members[teamID]; ok {
		delete(mm, agentID)
	}
	return nil
}

func (m *Membership) RoleOf(_ context.Context, teamID, agentID uuid.UUID) (model.Role, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	role, ok := m.d.members[teamID][agentID]
	if !ok {
		return "", fmt.Errorf("team role: %w", errs.ErrNotFound)
	}
	return role, nil
}

func (m *Membership) TeamsOf(_ context.Context, agentID uuid.UUID) (map[uuid.UUID]model.Role, error) {
	if err := m.d.fail("TeamsOf"); err != nil {
		return nil, err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	out := make(map[uuid.UUID]model.Role)
	for tid, mm := range m.d.members {
		if role, ok := mm[agentID]; ok {
			out[tid] = role
		}
	}
	return out, nil
}

func (m *Membership) TeammatesOf(_ context.Context, agentID uuid.UUID) (map[uuid.UUID]struct{}, error) {
	if err := m.d.fail("TeammatesOf"); err != nil {
		return nil, err
	}
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	out := make(map[uuid.UUID]struct{})
	for _, mm := range m.d.members {
		if _, ok := mm[agentID]; !ok {
			continue
		}
		for other := range mm {
			if other != agentID {
				out[other] = struct{}{}
			}
		}
	}
	return out, nil
}

func (m *Membership) MembersOf(_ context.Context, teamID uuid.UUID) (map[uuid.UUID]model.Role, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	out := make(map[uuid.UUID]model.Role)
	for a, r := range m.d.members[teamID] {
		out[a] = r
	}
	return out, nil
}

// Sources and grants

func (d *DB) UpsertSource(_ context.Context, src *model.KnowledgeSource) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sources {
		if s.URL == src.URL {
			src.ID = s.ID
			return s.ID, nil
		}
	}
	d.nextSource++
	src.ID = d.nextSource
	src.CreatedAt = d.Now()
	cp := *src
	d.sources[src.ID] = &cp
	return src.ID, nil
}

func (d *DB) GetSource(_ context.Context, id int64) (*model.KnowledgeSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.sources[id]
	if !ok {
		return nil, fmt.Errorf("get source %d: %w", id, errs.ErrNotFound)
	}
	cp := *src
	return &cp, nil
}

func (d *DB) CreateGrant(_ context.Context, g *model.AccessGrant) (uuid.UUID, bool, error) {
	if err := d.fail("CreateGrant"); err != nil {
		return uuid.Nil, false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sources[g.SourceID]; !ok {
		return uuid.Nil, false, fmt.Errorf("grant: source %d: %w", g.SourceID, errs.ErrNotFound)
	}
	switch g.Principal.Kind() {
	case model.PrincipalAgent:
		if _, ok := d.agents[g.Principal.ID()]; !ok {
			return uuid.Nil, false, fmt.Errorf("grant: %w", errs.ErrNotFound)
		}
	case model.PrincipalTeam:
		if _, ok := d.teams[g.Principal.ID()]; !ok {
			return uuid.Nil, false, fmt.Errorf("grant: %w", errs.ErrNotFound)
		}
	}
	for _, x := range d.grants {
		if x.SourceID == g.SourceID && x.Principal == g.Principal {
			g.ID = x.ID
			return x.ID, false, nil
		}
	}
	g.ID = uuid.New()
	g.CreatedAt = d.Now()
	cp := *g
	d.grants[g.ID] = &cp
	return g.ID, true, nil
}

func (d *DB) DeleteGrant(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.grants[id]; !ok {
		return fmt.Errorf("revoke grant: %w", errs.ErrNotFound)
	}
	delete(d.grants, id)
	return nil
}

func (d *DB) ListGrants(_ context.Context, sourceID int64) ([]*model.AccessGrant, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.AccessGrant
	for _, g := range d.grants {
		if g.SourceID == sourceID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (d *DB) BootstrapGlobalGrants(_ context.Context, grantedBy uuid.UUID) (int64, error) {
	if err := d.fail("BootstrapGlobalGrants"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int64
	for sid := range d.sources {
		has := false
		for _, g := range d.grants {
			if g.SourceID == sid && g.Principal.Kind() == model.PrincipalGlobal {
				has = true
				break
			}
		}
		if has {
			continue
		}
		id := uuid.New()
		d.grants[id] = &model.AccessGrant{
			ID: id, SourceID: sid, Principal: model.GlobalPrincipal(),
			Permission: model.PermRead, GrantedBy: grantedBy, CreatedAt: d.Now(),
		}
		n++
	}
	return n, nil
}

func (d *DB) AuthorizedSources(_ context.Context, agentID uuid.UUID, teamIDs []uuid.UUID, sourceIDs []int64) (map[int64]struct{}, error) {
	if err := d.fail("AuthorizedSources"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	teams := make(map[uuid.UUID]bool, len(teamIDs))
	for _, t := range teamIDs {
		teams[t] = true
	}
	want := make(map[int64]bool, len(sourceIDs))
	for _, s := range sourceIDs {
		want[s] = true
	}
	out := make(map[int64]struct{})
	for _, g := range d.grants {
		if !want[g.SourceID] {
			continue
		}
		switch g.Principal.Kind() {
		case model.PrincipalGlobal:
			out[g.SourceID] = struct{}{}
		case model.PrincipalAgent:
			if g.Principal.ID() == agentID {
				out[g.SourceID] = struct{}{}
			}
		case model.PrincipalTeam:
			if teams[g.Principal.ID()] {
				out[g.SourceID] = struct{}{}
			}
		}
	}
	return out, nil
}

// Memories

func copyMemory(m *model.MemoryEntry) *model.MemoryEntry {
	cp := *m
	cp.Tags = append([]string(nil), m.Tags...)
	return &cp
}

func (d *DB) CreateMemory(ctx context.Context, m *model.MemoryEntry, index func(ctx context.Context) error) error {
	if err := d.fail("CreateMemory"); err != nil {
		return err
	}
	d.mu.Lock()
	if _, ok := d.agents[m.AgentID]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("create memory: owner: %w", errs.ErrNotFound)
	}
	now := d.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.AgentName = d.agents[m.AgentID].agent.Name
	d.memories[m.ID] = copyMemory(m)
	d.mu.Unlock()

	if index != nil {
		if err := index(ctx); err != nil {
			d.mu.Lock()
			delete(d.memories, m.ID)
			d.mu.Unlock()
			return fmt.Errorf("create memory: %w", err)
		}
	}
	return nil
}

func (d *DB) GetMemory(_ context.Context, id uuid.UUID) (*model.MemoryEntry, error) {
	if err := d.fail("GetMemory"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.memories[id]
	if !ok {
		return nil, fmt.Errorf("get memory %s: %w", id, errs.ErrNotFound)
	}
	return copyMemory(m), nil
}

func (d *DB) MemoriesByID(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.MemoryEntry, error) {
	if err := d.fail("MemoriesByID"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uuid.UUID]*model.MemoryEntry, len(ids))
	for _, id := range ids {
		if m, ok := d.memories[id]; ok {
			out[id] = copyMemory(m)
		}
	}
	return out, nil
}

func (d *DB) UpdateMemory(ctx context.Context, m *model.MemoryEntry, reindex func(ctx context.Context) error) error {
	if err := d.fail("UpdateMemory"); err != nil {
		return err
	}
	d.mu.Lock()
	old, ok := d.memories[m.ID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("update memory: %w", errs.ErrNotFound)
	}
	prev := copyMemory(old)
	m.UpdatedAt = d.Now()
	m.AccessCount = old.AccessCount
	d.memories[m.ID] = copyMemory(m)
	d.mu.Unlock()

	if reindex != nil {
		if err := reindex(ctx); err != nil {
			d.mu.Lock()
			d.memories[m.ID] = prev
			d.mu.Unlock()
			return fmt.Errorf("update memory: %w", err)
		}
	}
	return nil
}

func (d *DB) DeleteMemory(_ context.Context, id uuid.UUID) error {
	if err := d.fail("DeleteMemory"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.memories[id]; !ok {
		return fmt.Errorf("delete memory: %w", errs.ErrNotFound)
	}
	delete(d.memories, id)
	d.dropLogLocked(map[uuid.UUID]bool{id: true})
	return nil
}

func (d *DB) PurgeExpiredBatch(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	if err := d.fail("PurgeExpiredBatch"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	var ids []uuid.UUID
	gone := make(map[uuid.UUID]bool)
	for id, m := range d.memories {
		if len(ids) == limit {
			break
		}
		if m.ExpiresAt != nil && !m.ExpiresAt.After(now) {
			ids = append(ids, id)
			gone[id] = true
		}
	}
	for _, id := range ids {
		delete(d.memories, id)
	}
	d.dropLogLocked(gone)
	return ids, nil
}

func (d *DB) dropLogLocked(gone map[uuid.UUID]bool) {
	kept := d.log[:0]
	for _, r := range d.log {
		if !gone[r.memoryID] {
			kept = append(kept, r)
		}
	}
	d.log = kept
}

func (d *DB) AgentStats(_ context.Context, agentID uuid.UUID, teammates, teams []uuid.UUID, now time.Time) (*model.AgentStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mates := make(map[uuid.UUID]bool, len(teammates))
	for _, t := range teammates {
		mates[t] = true
	}
	st := &model.AgentStats{TeamsCount: int64(len(teams))}
	for _, m := range d.memories {
		if m.AgentID == agentID {
			st.OwnMemories++
		}
		if m.Expired(now) {
			continue
		}
		if m.AgentID == agentID || m.Scope == model.ScopeGlobal || (m.Scope == model.ScopeTeam && mates[m.AgentID]) {
			st.AccessibleMemories++
		}
	}
	teamSet := make(map[uuid.UUID]bool, len(teams))
	for _, t := range teams {
		teamSet[t] = true
	}
	seen := make(map[int64]bool)
	for _, g := range d.grants {
		ok := g.Principal.Kind() == model.PrincipalGlobal ||
			(g.Principal.Kind() == model.PrincipalAgent && g.Principal.ID() == agentID) ||
			(g.Principal.Kind() == model.PrincipalTeam && teamSet[g.Principal.ID()])
		if ok && !seen[g.SourceID] {
			seen[g.SourceID] = true
			st.AccessibleSources++
		}
	}
	return st, nil
}

// Access log

func (d *DB) AppendAccess(_ context.Context, memoryID, _ uuid.UUID, _ time.Time) error {
	if err := d.fail("AppendAccess"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.memories[memoryID]; !ok {
		return fmt.Errorf("append access: %w", errs.ErrNotFound)
	}
	d.logSeq++
	d.log = append(d.log, logRow{id: d.logSeq, memoryID: memoryID})
	return nil
}

func (d *DB) FoldAccessLog(_ context.Context, limit int) (int64, int64, error) {
	if err := d.fail("FoldAccessLog"); err != nil {
		return 0, 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.log)
	if n > limit {
		n = limit
	}
	counts := make(map[uuid.UUID]int64)
	for _, r := range d.log[:n] {
		counts[r.memoryID]++
	}
	d.log = append([]logRow(nil), d.log[n:]...)
	var updated int64
	now := d.Now()
	for id, c := range counts {
		if m, ok := d.memories[id]; ok {
			m.AccessCount += c
			m.UpdatedAt = now
			updated++
		}
	}
	return updated, int64(n), nil
}

// PendingAccess reports how many log rows await folding.
func (d *DB) PendingAccess() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.log)
}

func (d *DB) ApplyAccessCounts(_ context.Context, stream string, counts map[uuid.UUID]int64, prevID, lastID string) (int64, error) {
	if err := d.fail("ApplyAccessCounts"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.watermarks[stream] != prevID {
		return 0, fmt.Errorf("apply access counts: %w", errs.ErrConflict)
	}
	var updated int64
	now := d.Now()
	for id, c := range counts {
		if m, ok := d.memories[id]; ok {
			m.AccessCount += c
			m.UpdatedAt = now
			updated++
		}
	}
	d.watermarks[stream] = lastID
	return updated, nil
}

func (d *DB) AccessWatermark(_ context.Context, stream string) (string, error) {
	if err := d.fail("AccessWatermark"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.watermarks[stream], nil
}

// FailOn returns a Fail func that reports err for the named operations.
func FailOn(err error, ops ...string) func(string) error {
	return func(op string) error {
		for _, o := range ops {
			if strings.EqualFold(o, op) {
				return err
			}
		}
		return nil
	}
}
