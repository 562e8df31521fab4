package retrieval

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/knowledge"
	"github.com/nidhogg/memorybank/internal/memory"
	"github.com/nidhogg/memorybank/internal/metrics"
	"github.com/nidhogg/memorybank/internal/model"
)

// MemoryQuery is a memory search request. Zero MatchCount and nil
// Threshold take the engine defaults; empty filters match everything.
type MemoryQuery struct {
	Vector     []float32
	MatchCount int
	Threshold  *float64
	Types      []model.MemoryType
	Scopes     []model.Scope
	Namespace  string
	Tags       []string
}

// MemoryResult is a visible memory with its similarity to the query.
type MemoryResult struct {
	model.MemoryEntry
	Similarity float64 `json:"similarity"`
}

// SourceType tags a unified result with the corpus it came from.
type SourceType string

const (
	SourceMemory    SourceType = "memory"
	SourceKnowledge SourceType = "knowledge"
)

// UnifiedQuery is a search across both corpora.
type UnifiedQuery struct {
	Vector     []float32
	MatchCount int
	Threshold  *float64
}

// UnifiedResult is one hit from either corpus.
type UnifiedResult struct {
	SourceType  SourceType     `json:"source_type"`
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Content     string         `json:"content"`
	Similarity  float64        `json:"similarity"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	createdAt time.Time
	// rank orders the merge; it equals Similarity unless normalization is on.
	rank     float64
	memoryID uuid.UUID
}

// SearchMemory returns up to MatchCount memories visible to the caller,
// ordered by similarity desc, then created_at desc, then id asc. Every
// returned memory is recorded as accessed.
func (e *Engine) SearchMemory(ctx context.Context, c Caller, q MemoryQuery) (results []MemoryResult, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "retrieval.SearchMemory", trace.WithAttributes(
		attribute.String("caller", c.String()),
		attribute.Int("match_count", q.MatchCount),
	))
	defer func() {
		e.finish(span, "memory", start, len(results), err)
	}()

	n, err := e.matchCount(q.MatchCount)
	if err != nil {
		return nil, err
	}
	threshold, err := e.threshold(q.Threshold)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Memories.CheckVector(q.Vector); err != nil {
		return nil, err
	}
	for _, s := range q.Scopes {
		if !s.Valid() {
			return nil, errs.Invalid("unknown scope %q", s)
		}
	}
	for _, t := range q.Types {
		if !t.Valid() {
			return nil, errs.Invalid("unknown memory type %q", t)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()

	ranked, err := e.memoryHits(ctx, c, q, n, threshold)
	if err != nil {
		return nil, errs.Classify("search memory", err)
	}
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	e.logAccess(c, ranked)
	return ranked, nil
}

// SearchUnified searches both corpora in parallel and merges the results.
// A failure or timeout in either corpus fails the whole call.
func (e *Engine) SearchUnified(ctx context.Context, c Caller, q UnifiedQuery) (results []UnifiedResult, err error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, "retrieval.SearchUnified", trace.WithAttributes(
		attribute.String("caller", c.String()),
		attribute.Int("match_count", q.MatchCount),
	))
	defer func() {
		e.finish(span, "unified", start, len(results), err)
	}()

	n, err := e.matchCount(q.MatchCount)
	if err != nil {
		return nil, err
	}
	threshold, err := e.threshold(q.Threshold)
	if err != nil {
		return nil, err
	}
	if err := e.deps.Memories.CheckVector(q.Vector); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.SearchTimeout)
	defer cancel()

	var mems []MemoryResult
	var chunks []UnifiedResult
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		mems, err = e.memoryHits(gctx, c, MemoryQuery{Vector: q.Vector}, n, threshold)
		return err
	})
	g.Go(func() error {
		var err error
		chunks, err = e.knowledgeHits(gctx, c, q.Vector, n, threshold)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, errs.Classify("search unified", err)
	}

	memResults := make([]UnifiedResult, len(mems))
	for i := range mems {
		memResults[i] = unifiedFromMemory(&mems[i])
	}
	e.normalize(memResults)
	e.normalize(chunks)

	merged := append(memResults, chunks...)
	slices.SortFunc(merged, compareUnified)
	if len(merged) > n {
		merged = merged[:n]
	}
	for _, r := range merged {
		if r.SourceType == SourceMemory {
			e.deps.Access.LogAccess(r.memoryID, c.agentID)
		}
	}
	return merged, nil
}

// memoryHits runs the candidate, filter and rank stages for the memory
// corpus. The result is sorted but not truncated.
func (e *Engine) memoryHits(ctx context.Context, c Caller, q MemoryQuery, n int, threshold float64) ([]MemoryResult, error) {
	k := n * e.opts.OverfetchFactor
	cands, err := retry(ctx, e, "memory_candidates", func(ctx context.Context) ([]memory.Candidate, error) {
		return e.deps.Memories.Candidates(ctx, q.Vector, k)
	})
	if err != nil {
		return nil, err
	}

	v := &view{caller: c}
	if !c.trusted {
		v.teammates, err = retry(ctx, e, "teammates", func(ctx context.Context) (map[uuid.UUID]struct{}, error) {
			return e.deps.Teams.TeammatesOf(ctx, c.agentID)
		})
		if err != nil {
			return nil, err
		}
	}

	scopes := q.Scopes
	if len(scopes) == 0 {
		scopes = model.AllScopes
	}
	now := e.now()
	out := make([]MemoryResult, 0, len(cands))
	for _, cand := range cands {
		m := cand.Entry
		sim := float64(cand.Score)
		var reason string
		switch {
		case sim <= threshold:
			reason = "threshold"
		case m.Expired(now):
			reason = "expired"
		case !v.visible(m):
			reason = "scope"
		case !matchesFilters(m, q, scopes):
			reason = "filter"
		}
		if reason != "" {
			metrics.CandidatesFiltered.WithLabelValues("memory", reason).Inc()
			continue
		}
		out = append(out, MemoryResult{MemoryEntry: *m, Similarity: sim})
	}
	slices.SortFunc(out, compareMemory)
	return out, nil
}

// knowledgeHits runs the candidate, filter and rank stages for the
// knowledge corpus. The result is sorted but not truncated.
func (e *Engine) knowledgeHits(ctx context.Context, c Caller, vector []float32, n int, threshold float64) ([]UnifiedResult, error) {
	k := n * e.opts.OverfetchFactor
	cands, err := retry(ctx, e, "knowledge_candidates", func(ctx context.Context) ([]knowledge.Candidate, error) {
		return e.deps.Knowledge.Candidates(ctx, vector, k)
	})
	if err != nil {
		return nil, err
	}

	kept := make([]knowledge.Candidate, 0, len(cands))
	var sourceIDs []int64
	for _, cand := range cands {
		if float64(cand.Score) <= threshold {
			metrics.CandidatesFiltered.WithLabelValues("knowledge", "threshold").Inc()
			continue
		}
		kept = append(kept, cand)
		if !slices.Contains(sourceIDs, cand.Chunk.SourceID) {
			sourceIDs = append(sourceIDs, cand.Chunk.SourceID)
		}
	}

	v := &view{caller: c}
	if !c.trusted && len(sourceIDs) > 0 {
		v.sources, err = retry(ctx, e, "authorized_sources", func(ctx context.Context) (map[int64]struct{}, error) {
			return e.deps.Grants.AuthorizedSources(ctx, c.agentID, sourceIDs)
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]UnifiedResult, 0, len(kept))
	for i := range kept {
		ch := &kept[i].Chunk
		if !v.visible(ch) {
			metrics.CandidatesFiltered.WithLabelValues("knowledge", "grant").Inc()
			continue
		}
		sim := float64(kept[i].Score)
		out = append(out, UnifiedResult{
			SourceType:  SourceKnowledge,
			ID:          strconv.FormatUint(ch.ID, 10),
			DisplayName: chunkDisplayName(ch),
			Content:     ch.Content,
			Similarity:  sim,
			Metadata: map[string]any{
				"source_id":   ch.SourceID,
				"chunk_index": ch.ChunkIndex,
				"url":         ch.URL,
			},
			createdAt: ch.IndexedAt,
			rank:      sim,
		})
	}
	slices.SortFunc(out, compareUnified)
	return out, nil
}

func matchesFilters(m *model.MemoryEntry, q MemoryQuery, scopes []model.Scope) bool {
	if len(q.Types) > 0 && !slices.Contains(q.Types, m.Type) {
		return false
	}
	if !slices.Contains(scopes, m.Scope) {
		return false
	}
	if q.Namespace != "" && m.Namespace != q.Namespace {
		return false
	}
	if len(q.Tags) > 0 && !m.HasAnyTag(q.Tags) {
		return false
	}
	return true
}

// normalize rescales rank to [0, 1] within one corpus when min-max
// normalization is configured. Similarity keeps the raw cosine score.
func (e *Engine) normalize(rs []UnifiedResult) {
	if e.opts.Normalization != NormalizeMinMax || len(rs) == 0 {
		return
	}
	lo, hi := rs[0].Similarity, rs[0].Similarity
	for _, r := range rs[1:] {
		lo = min(lo, r.Similarity)
		hi = max(hi, r.Similarity)
	}
	for i := range rs {
		if hi == lo {
			rs[i].rank = 1
			continue
		}
		rs[i].rank = (rs[i].Similarity - lo) / (hi - lo)
	}
}

func compareMemory(a, b MemoryResult) int {
	if a.Similarity != b.Similarity {
		if a.Similarity > b.Similarity {
			return -1
		}
		return 1
	}
	if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID.String(), b.ID.String())
}

func compareUnified(a, b UnifiedResult) int {
	if a.rank != b.rank {
		if a.rank > b.rank {
			return -1
		}
		return 1
	}
	if c := b.createdAt.Compare(a.createdAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func unifiedFromMemory(m *MemoryResult) UnifiedResult {
	meta := map[string]any{
		"agent_id":    m.AgentID.String(),
		"memory_type": m.Type,
		"scope":       m.Scope,
		"namespace":   m.Namespace,
		"importance":  m.Importance,
	}
	if len(m.Tags) > 0 {
		meta["tags"] = m.Tags
	}
	return UnifiedResult{
		SourceType:  SourceMemory,
		ID:          m.ID.String(),
		DisplayName: m.AgentName,
		Content:     m.Content,
		Similarity:  m.Similarity,
		Metadata:    meta,
		createdAt:   m.CreatedAt,
		rank:        m.Similarity,
		memoryID:    m.ID,
	}
}

func chunkDisplayName(ch *model.KnowledgeChunk) string {
	if ch.Title != "" {
		return ch.Title
	}
	if ch.URL != "" {
		return ch.URL
	}
	return fmt.Sprintf("source %d chunk %d", ch.SourceID, ch.ChunkIndex)
}

func (e *Engine) logAccess(c Caller, rs []MemoryResult) {
	for i := range rs {
		e.deps.Access.LogAccess(rs[i].ID, c.agentID)
	}
}

func (e *Engine) finish(span trace.Span, kind string, start time.Time, n int, err error) {
	metrics.SearchDuration.WithLabelValues(kind, metrics.Result(err)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int("result_count", n))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("search failed", zap.String("kind", kind), zap.Error(err))
	}
	span.End()
}
