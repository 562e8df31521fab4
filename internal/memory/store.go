// Package memory is the multi-agent memory store: relational rows in
// PostgreSQL paired with vectors in an ANN index.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
	"github.com/nidhogg/memorybank/internal/vectorstore"
)

// DefaultCollection is the vector collection holding memory embeddings.
const DefaultCollection = "mb_memory"

// Repository is the relational side of the memory store.
type Repository interface {
	CreateMemory(ctx context.Context, m *model.MemoryEntry, index func(ctx context.Context) error) error
	GetMemory(ctx context.Context, id uuid.UUID) (*model.MemoryEntry, error)
	MemoriesByID(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.MemoryEntry, error)
	UpdateMemory(ctx context.Context, m *model.MemoryEntry, reindex func(ctx context.Context) error) error
	DeleteMemory(ctx context.Context, id uuid.UUID) error
	PurgeExpiredBatch(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Draft describes a memory to write. Zero values take the store defaults:
// private scope, the default namespace and importance 0.5.
type Draft struct {
	AgentID    uuid.UUID
	Type       model.MemoryType
	Scope      model.Scope
	Content    string
	Summary    string
	Embedding  []float32
	SourceID   *int64
	ChunkID    *int64
	Tags       []string
	Namespace  string
	Metadata   json.RawMessage
	Importance *float64
	ExpiresAt  *time.Time
}

// Learn drafts a semantic memory: a fact or insight.
func Learn(agentID uuid.UUID, fact string, embedding []float32) Draft {
	return Draft{AgentID: agentID, Type: model.Semantic, Content: fact, Embedding: embedding}
}

// Event drafts an episodic memory: something that happened.
func Event(agentID uuid.UUID, event string, embedding []float32) Draft {
	return Draft{AgentID: agentID, Type: model.Episodic, Content: event, Embedding: embedding}
}

// Procedure drafts a procedural memory: a how-to or workflow.
func Procedure(agentID uuid.UUID, howto string, embedding []float32) Draft {
	return Draft{AgentID: agentID, Type: model.Procedural, Content: howto, Embedding: embedding}
}

// Patch lists the fields an update changes. Nil fields are left alone.
// Changing Content requires a new Embedding.
type Patch struct {
	Content    *string
	Summary    *string
	Embedding  []float32
	Importance *float64
	Tags       []string
	Scope      *model.Scope
	Namespace  *string
	Metadata   json.RawMessage
	ExpiresAt  *time.Time
	// ClearExpiry removes an existing expiry.
	ClearExpiry bool
}

// Candidate is one hydrated memory returned by an unfiltered ANN query.
type Candidate struct {
	Entry *model.MemoryEntry
	Score float32
}

// Store pairs the relational repository with the vector index.
type Store struct {
	repo       Repository
	index      vectorstore.Index
	collection string
	dimension  int
	logger     *zap.Logger
}

// NewStore creates a memory store. dimension is the embedding length every
// write and query must match.
func NewStore(repo Repository, index vectorstore.Index, collection string, dimension int, logger *zap.Logger) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Store{repo: repo, index: index, collection: collection, dimension: dimension, logger: logger}
}

// Dimension is the embedding length the store accepts.
func (s *Store) Dimension() int { return s.dimension }

// InitCollection ensures the memory vector collection exists.
func (s *Store) InitCollection(ctx context.Context) error {
	if err := s.index.EnsureCollection(ctx, s.collection, uint64(s.dimension)); err != nil {
		return fmt.Errorf("init collection %s: %w", s.collection, err)
	}
	return nil
}

// CheckVector validates a query or write embedding.
func (s *Store) CheckVector(v []float32) error {
	if len(v) == 0 {
		return errs.Invalid("empty embedding")
	}
	if s.dimension > 0 && len(v) != s.dimension {
		return errs.Invalid("embedding has %d dimensions, want %d", len(v), s.dimension)
	}
	return nil
}

// Write validates d, applies defaults and stores the row and its vector
// together. A vector failure rolls the row back.
func (s *Store) Write(ctx context.Context, d Draft) (*model.MemoryEntry, error) {
	if d.AgentID == uuid.Nil {
		return nil, errs.Invalid("memory needs an owner")
	}
	if d.Content == "" {
		return nil, errs.Invalid("memory content is empty")
	}
	if !d.Type.Valid() {
		return nil, errs.Invalid("unknown memory type %q", d.Type)
	}
	if d.Scope == "" {
		d.Scope = model.ScopePrivate
	}
	if !d.Scope.Valid() {
		return nil, errs.Invalid("unknown scope %q", d.Scope)
	}
	if d.Namespace == "" {
		d.Namespace = model.DefaultNamespace
	}
	importance := model.DefaultImportance
	if d.Importance != nil {
		importance = *d.Importance
	}
	if importance < 0 || importance > 1 {
		return nil, errs.Invalid("importance %v outside [0, 1]", importance)
	}
	if err := s.CheckVector(d.Embedding); err != nil {
		return nil, err
	}

	m := &model.MemoryEntry{
		ID:         uuid.New(),
		AgentID:    d.AgentID,
		Type:       d.Type,
		Scope:      d.Scope,
		Content:    d.Content,
		Summary:    d.Summary,
		Embedding:  d.Embedding,
		SourceID:   d.SourceID,
		ChunkID:    d.ChunkID,
		Tags:       dedupe(d.Tags),
		Namespace:  d.Namespace,
		Metadata:   d.Metadata,
		Importance: importance,
		ExpiresAt:  d.ExpiresAt,
	}
	err := s.repo.CreateMemory(ctx, m, func(ctx context.Context) error {
		return s.upsertVector(ctx, m)
	})
	if err != nil {
		return nil, fmt.Errorf("write memory: %w", err)
	}
	s.logger.Debug("memory written",
		zap.String("id", m.ID.String()),
		zap.String("agent", m.AgentID.String()),
		zap.String("scope", string(m.Scope)))
	return m, nil
}

// Get loads a memory by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*model.MemoryEntry, error) {
	return s.repo.GetMemory(ctx, id)
}

// Update applies p to the memory and re-indexes its vector when the
// embedding changes. It returns the updated entry.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p Patch) (*model.MemoryEntry, error) {
	m, err := s.repo.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Content != nil {
		if *p.Content == "" {
			return nil, errs.Invalid("memory content is empty")
		}
		if *p.Content != m.Content && p.Embedding == nil {
			return nil, errs.Invalid("changing content requires a new embedding")
		}
		m.Content = *p.Content
	}
	if p.Summary != nil {
		m.Summary = *p.Summary
	}
	if p.Importance != nil {
		if *p.Importance < 0 || *p.Importance > 1 {
			return nil, errs.Invalid("importance %v outside [0, 1]", *p.Importance)
		}
		m.Importance = *p.Importance
	}
	if p.Tags != nil {
		m.Tags = dedupe(p.Tags)
	}
	if p.Scope != nil {
		if !p.Scope.Valid() {
			return nil, errs.Invalid("unknown scope %q", *p.Scope)
		}
		m.Scope = *p.Scope
	}
	if p.Namespace != nil && *p.Namespace != "" {
		m.Namespace = *p.Namespace
	}
	if p.Metadata != nil {
		m.Metadata = p.Metadata
	}
	switch {
	case p.ClearExpiry:
		m.ExpiresAt = nil
	case p.ExpiresAt != nil:
		m.ExpiresAt = p.ExpiresAt
	}

	var reindex func(ctx context.Context) error
	if p.Embedding != nil {
		if err := s.CheckVector(p.Embedding); err != nil {
			return nil, err
		}
		m.Embedding = p.Embedding
		reindex = func(ctx context.Context) error { return s.upsertVector(ctx, m) }
	}
	if err := s.repo.UpdateMemory(ctx, m, reindex); err != nil {
		return nil, fmt.Errorf("update memory: %w", err)
	}
	return m, nil
}

// Delete removes the row, then the vector. An orphaned vector is harmless
// because candidates without a row are dropped during hydration.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.DeleteMemory(ctx, id); err != nil {
		return err
	}
	if err := s.index.Delete(ctx, s.collection, id.String()); err != nil {
		s.logger.Warn("memory vector delete failed", zap.String("id", id.String()), zap.Error(err))
	}
	return nil
}

// PurgeExpired deletes every memory whose expiry is at or before now, in
// batches of batchSize, and returns the number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	var total int64
	for {
		ids, err := s.repo.PurgeExpiredBatch(ctx, now, batchSize)
		if err != nil {
			return total, err
		}
		total += int64(len(ids))
		if len(ids) > 0 {
			strs := make([]string, len(ids))
			for i, id := range ids {
				strs[i] = id.String()
			}
			if err := s.index.Delete(ctx, s.collection, strs...); err != nil {
				s.logger.Warn("purged vector delete failed", zap.Int("count", len(ids)), zap.Error(err))
			}
		}
		if len(ids) < batchSize {
			return total, nil
		}
	}
}

// Candidates returns up to k nearest memories, hydrated from the relational
// store, with no permission filtering. Index hits with no row are dropped.
func (s *Store) Candidates(ctx context.Context, vector []float32, k int) ([]Candidate, error) {
	hits, err := s.index.Search(ctx, s.collection, vector, uint64(k))
	if err != nil {
		return nil, fmt.Errorf("memory candidates: %w", err)
	}
	if len(hits) == 0 {
		return []Candidate{}, nil
	}
	ids := make([]uuid.UUID, 0, len(hits))
	for _, h := range hits {
		id, err := uuid.Parse(h.ID)
		if err != nil {
			s.logger.Warn("skip malformed memory point", zap.String("id", h.ID))
			continue
		}
		ids = append(ids, id)
	}
	rows, err := s.repo.MemoriesByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("memory candidates: %w", err)
	}
	out := make([]Candidate, 0, len(rows))
	for _, h := range hits {
		id, err := uuid.Parse(h.ID)
		if err != nil {
			continue
		}
		if m, ok := rows[id]; ok {
			out = append(out, Candidate{Entry: m, Score: h.Score})
		}
	}
	return out, nil
}

func (s *Store) upsertVector(ctx context.Context, m *model.MemoryEntry) error {
	return s.index.Upsert(ctx, s.collection, vectorstore.Point{
		ID:     m.ID.String(),
		Vector: m.Embedding,
		Payload: map[string]string{
			"agent_id":    m.AgentID.String(),
			"memory_type": string(m.Type),
		},
	})
}

func dedupe(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
