package access

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/fake"
	"github.com/nidhogg/memorybank/internal/metrics"
	"github.com/nidhogg/memorybank/internal/model"
)

func seedMemory(t *testing.T, db *fake.DB) (memID, agentID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	agentID = uuid.New()
	require.NoError(t, db.CreateAgent(ctx, &model.Agent{ID: agentID, Name: "reader-" + agentID.String()[:8], Active: true}, "p", "h"))
	memID = uuid.New()
	require.NoError(t, db.CreateMemory(ctx, &model.MemoryEntry{
		ID: memID, AgentID: agentID, Type: model.Semantic, Scope: model.ScopeGlobal,
		Content: "x", Namespace: model.DefaultNamespace,
	}, nil))
	return memID, agentID
}

func accessCount(t *testing.T, db *fake.DB, id uuid.UUID) int64 {
	t.Helper()
	m, err := db.GetMemory(context.Background(), id)
	require.NoError(t, err)
	return m.AccessCount
}

func TestTrackerCountsConcurrentReads(t *testing.T) {
	db := fake.NewDB()
	mem, agent := seedMemory(t, db)
	tr := NewTracker(NewTableLog(db), Options{Workers: 8, BatchSize: 64}, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.LogAccess(mem, agent)
		}()
	}
	wg.Wait()
	tr.Wait()
	assert.Equal(t, 1000, db.PendingAccess())

	// 1000 entries in batches of 64 touch the row once per batch.
	n, err := tr.Aggregate(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 16, n)
	assert.EqualValues(t, 1000, accessCount(t, db, mem))
	assert.Zero(t, db.PendingAccess())

	// A second run with nothing pending changes nothing.
	n, err = tr.Aggregate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.EqualValues(t, 1000, accessCount(t, db, mem))
}

func TestTrackerSwallowsAppendFailures(t *testing.T) {
	db := fake.NewDB()
	mem, agent := seedMemory(t, db)
	db.Fail = fake.FailOn(errs.ErrUnavailable, "AppendAccess")
	tr := NewTracker(NewTableLog(db), Options{}, zap.NewNop())

	tr.LogAccess(mem, agent)
	tr.Wait()
	assert.Zero(t, db.PendingAccess())
}

func TestTrackerDropsAfterClose(t *testing.T) {
	db := fake.NewDB()
	mem, agent := seedMemory(t, db)
	tr := NewTracker(NewTableLog(db), Options{}, zap.NewNop())
	tr.LogAccess(mem, agent)
	tr.Close()
	tr.LogAccess(mem, agent)
	tr.Wait()
	assert.Equal(t, 1, db.PendingAccess())
}

// stalledLog blocks every append until release is closed.
type stalledLog struct {
	release  chan struct{}
	appended atomic.Int64
}

func (l *stalledLog) Append(ctx context.Context, _ model.AccessEvent) error {
	select {
	case <-l.release:
		l.appended.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *stalledLog) Fold(context.Context, int) (FoldResult, error) {
	return FoldResult{}, nil
}

func TestTrackerBoundedUnderStalledBackend(t *testing.T) {
	backend := &stalledLog{release: make(chan struct{})}
	dropped := metrics.AccessLogged.WithLabelValues("dropped")
	droppedBefore := testutil.ToFloat64(dropped)

	before := runtime.NumGoroutine()
	tr := NewTracker(backend, Options{Workers: 4, QueueSize: 16, AppendTimeout: time.Minute}, zap.NewNop())
	const calls = 20000
	for i := 0; i < calls; i++ {
		tr.LogAccess(uuid.New(), uuid.New())
	}
	after := runtime.NumGoroutine()
	assert.LessOrEqual(t, after-before, 4+2, "goroutines grew from %d to %d", before, after)

	close(backend.release)
	tr.Wait()
	accepted := backend.appended.Load()
	// Four events held by workers plus a full queue, at most.
	assert.GreaterOrEqual(t, accepted, int64(16))
	assert.LessOrEqual(t, accepted, int64(20))
	assert.Equal(t, float64(calls-accepted), testutil.ToFloat64(dropped)-droppedBefore)
	tr.Close()
}

func TestTrackerWaitDuringLogAccess(t *testing.T) {
	db := fake.NewDB()
	mem, agent := seedMemory(t, db)
	tr := NewTracker(NewTableLog(db), Options{Workers: 2}, zap.NewNop())
	defer tr.Close()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				tr.LogAccess(mem, agent)
			}
		}()
	}
	for i := 0; i < 50; i++ {
		tr.Wait()
	}
	wg.Wait()
	tr.Wait()
	assert.Equal(t, 1000, db.PendingAccess())
}

func TestTrackerAggregateFailureKeepsLog(t *testing.T) {
	db := fake.NewDB()
	mem, agent := seedMemory(t, db)
	tr := NewTracker(NewTableLog(db), Options{}, zap.NewNop())
	for i := 0; i < 3; i++ {
		tr.LogAccess(mem, agent)
	}
	tr.Wait()

	db.Fail = fake.FailOn(errs.ErrUnavailable, "FoldAccessLog")
	_, err := tr.Aggregate(context.Background())
	require.ErrorIs(t, err, errs.ErrUnavailable)
	assert.Equal(t, 3, db.PendingAccess())
	assert.Zero(t, accessCount(t, db, mem))

	db.Fail = nil
	_, err = tr.Aggregate(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, accessCount(t, db, mem))
}

func newStream(t *testing.T, db *fake.DB) (*StreamLog, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStreamLog(rdb, "mb:access", db, zap.NewNop()), rdb
}

func appendN(t *testing.T, l Log, mem, agent uuid.UUID, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, l.Append(context.Background(), model.AccessEvent{MemoryID: mem, AgentID: agent, AccessedAt: time.Now()}))
	}
}

func TestStreamLogFoldsInBatches(t *testing.T) {
	ctx := context.Background()
	db := fake.NewDB()
	mem, agent := seedMemory(t, db)
	other, _ := seedMemory(t, db)
	sl, rdb := newStream(t, db)

	appendN(t, sl, mem, agent, 7)
	appendN(t, sl, other, agent, 2)

	tr := NewTracker(sl, Options{BatchSize: 4}, zap.NewNop())
	n, err := tr.Aggregate(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.EqualValues(t, 7, accessCount(t, db, mem))
	assert.EqualValues(t, 2, accessCount(t, db, other))

	left, err := rdb.XLen(ctx, "mb:access").Result()
	require.NoError(t, err)
	assert.Zero(t, left)

	_, err = tr.Aggregate(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, accessCount(t, db, mem))
}

func TestStreamLogSkipsEntriesBehindWatermark(t *testing.T) {
	ctx := context.Background()
	db := fake.NewDB()
	mem, agent := seedMemory(t, db)
	sl, rdb := newStream(t, db)

	appendN(t, sl, mem, agent, 3)
	msgs, err := rdb.XRange(ctx, "mb:access", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	// A fold that committed its counts but never deleted its entries.
	_, err = db.ApplyAccessCounts(ctx, "mb:access", map[uuid.UUID]int64{mem: 3}, "", msgs[2].ID)
	require.NoError(t, err)

	res, err := sl.Fold(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, res.Consumed)
	assert.EqualValues(t, 3, accessCount(t, db, mem))

	left, err := rdb.XLen(ctx, "mb:access").Result()
	require.NoError(t, err)
	assert.Zero(t, left)
}

// staleSink reports an outdated watermark, as a concurrent folder would see.
type staleSink struct {
	CounterSink
	watermark string
}

func (s staleSink) AccessWatermark(context.Context, string) (string, error) {
	return s.watermark, nil
}

func TestStreamLogRejectsStaleWatermark(t *testing.T) {
	ctx := context.Background()
	db := fake.NewDB()
	mem, agent := seedMemory(t, db)
	sl, rdb := newStream(t, db)

	appendN(t, sl, mem, agent, 2)
	_, err := sl.Fold(ctx, 100)
	require.NoError(t, err)
	appendN(t, sl, mem, agent, 2)

	stale := NewStreamLog(rdb, "mb:access", staleSink{CounterSink: db}, zap.NewNop())
	_, err = stale.Fold(ctx, 100)
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.EqualValues(t, 2, accessCount(t, db, mem))

	res, err := sl.Fold(ctx, 100)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Consumed)
	assert.EqualValues(t, 4, accessCount(t, db, mem))
}

func TestNextStreamID(t *testing.T) {
	cases := map[string]string{
		"1700000000000-0":        "1700000000000-1",
		"5-41":                   "5-42",
		"7-18446744073709551615": "8-0",
		"garbage":                "garbage",
	}
	for in, want := range cases {
		assert.Equal(t, want, nextStreamID(in), in)
	}
}
