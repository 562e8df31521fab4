package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/knowledge"
	"github.com/nidhogg/memorybank/internal/model"
)

func (v *env) source(t require.TestingT, url string) int64 {
	id, err := v.db.UpsertSource(context.Background(), &model.KnowledgeSource{URL: url, Title: url})
	require.NoError(t, err)
	return id
}

func (v *env) chunk(t require.TestingT, id uint64, source int64, title string, vec []float32) {
	require.NoError(t, v.kb.Index(context.Background(), model.KnowledgeChunk{
		ID: id, SourceID: source, Title: title, Content: title + " body", Embedding: vec,
		IndexedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func resultIDs(rs []UnifiedResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func TestKnowledgeVisibilityFollowsGrants(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, Options{})
	a, b, outsider := v.agent(t), v.agent(t), v.agent(t)
	team, err := v.ids.CreateTeam(ctx, a, "t", "")
	require.NoError(t, err)
	require.NoError(t, v.ids.JoinTeam(ctx, team.ID, b, ""))

	direct := v.source(t, "https://direct")
	teamSrc := v.source(t, "https://team")
	hidden := v.source(t, "https://hidden")
	v.chunk(t, 1, direct, "direct", at(0.1))
	v.chunk(t, 2, teamSrc, "team", at(0.2))
	v.chunk(t, 3, hidden, "hidden", at(0.3))

	_, err = v.grants.Grant(ctx, direct, model.AgentPrincipal(a), model.PermRead, a)
	require.NoError(t, err)
	_, err = v.grants.Share(ctx, teamSrc, &team.ID, a)
	require.NoError(t, err)

	search := func(who uuid.UUID) []string {
		rs, err := v.engine.SearchUnified(ctx, v.engine.Caller(who), UnifiedQuery{Vector: query})
		require.NoError(t, err)
		return resultIDs(rs)
	}
	assert.Equal(t, []string{"1", "2"}, search(a))
	assert.Equal(t, []string{"2"}, search(b))
	assert.Empty(t, search(outsider))

	_, err = v.grants.BootstrapGlobalAccess(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, search(outsider))
}

func TestUnifiedMergesBothCorpora(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, Options{})
	a := v.agent(t)
	src := v.source(t, "https://docs")
	_, err := v.grants.Share(ctx, src, nil, a)
	require.NoError(t, err)

	m := v.remember(t, a, model.ScopePrivate, "memory hit", at(0.15))
	v.chunk(t, 10, src, "Runbook", at(0.05))
	v.chunk(t, 11, src, "Guide", at(0.25))

	rs, err := v.engine.SearchUnified(ctx, v.engine.Caller(a), UnifiedQuery{Vector: query, MatchCount: 2})
	require.NoError(t, err)
	require.Len(t, rs, 2)
	assert.Equal(t, SourceKnowledge, rs[0].SourceType)
	assert.Equal(t, "10", rs[0].ID)
	assert.Equal(t, "Runbook", rs[0].DisplayName)
	assert.Equal(t, src, rs[0].Metadata["source_id"])
	assert.Equal(t, SourceMemory, rs[1].SourceType)
	assert.Equal(t, m.ID.String(), rs[1].ID)
	assert.GreaterOrEqual(t, rs[0].Similarity, rs[1].Similarity)

	v.tracker.Wait()
	_, err = v.tracker.Aggregate(ctx)
	require.NoError(t, err)
	got, err := v.mem.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.AccessCount)
}

func TestUnifiedMinMaxNormalization(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, Options{Normalization: NormalizeMinMax})
	a := v.agent(t)
	src := v.source(t, "https://docs")
	_, err := v.grants.Share(ctx, src, nil, a)
	require.NoError(t, err)

	// Knowledge scores sit higher overall, but each corpus is rescaled to
	// [0, 1] so the best memory ranks level with the best chunk.
	best := v.remember(t, a, model.ScopePrivate, "best memory", at(0.6))
	v.remember(t, a, model.ScopePrivate, "worst memory", at(0.9))
	v.chunk(t, 1, src, "best chunk", at(0.05))
	v.chunk(t, 2, src, "worst chunk", at(0.1))

	rs, err := v.engine.SearchUnified(ctx, v.engine.Caller(a), UnifiedQuery{Vector: query, MatchCount: 2})
	require.NoError(t, err)
	require.Len(t, rs, 2)
	ids := resultIDs(rs)
	assert.Contains(t, ids, best.ID.String())
	assert.Contains(t, ids, "1")
	for _, r := range rs {
		assert.Less(t, r.Similarity, 1.0, "reported similarity stays raw")
	}
}

type failingKnowledge struct{ err error }

func (f failingKnowledge) Candidates(context.Context, []float32, int) ([]knowledge.Candidate, error) {
	return nil, f.err
}

type slowKnowledge struct{}

func (slowKnowledge) Candidates(ctx context.Context, _ []float32, _ int) ([]knowledge.Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestUnifiedFailsWhenEitherCorpusFails(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, Options{MaxAttempts: 1, SearchTimeout: 50 * time.Millisecond})
	a := v.agent(t)
	v.remember(t, a, model.ScopePrivate, "x", at(0.1))

	v.engine.deps.Knowledge = failingKnowledge{err: errors.New("boom")}
	_, err := v.engine.SearchUnified(ctx, v.engine.Caller(a), UnifiedQuery{Vector: query})
	assert.ErrorIs(t, err, errs.ErrInternal)

	v.engine.deps.Knowledge = slowKnowledge{}
	_, err = v.engine.SearchUnified(ctx, v.engine.Caller(a), UnifiedQuery{Vector: query})
	assert.ErrorIs(t, err, errs.ErrUnavailable, "timeouts surface as unavailable")
}
