package access

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/model"
)

// CounterSink applies folded counts together with the stream watermark.
type CounterSink interface {
	ApplyAccessCounts(ctx context.Context, stream string, counts map[uuid.UUID]int64, prevID, lastID string) (int64, error)
	AccessWatermark(ctx context.Context, stream string) (string, error)
}

// StreamLog keeps the access log in a Redis stream. Counters live in the
// relational store; the watermark committed with them makes a fold safe to
// repeat after a crash between commit and XDEL.
type StreamLog struct {
	rdb    *redis.Client
	stream string
	sink   CounterSink
	logger *zap.Logger
}

var _ Log = (*StreamLog)(nil)

// DialRedis parses a redis:// URL and checks the server answers.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, errs.Classify("redis ping", err)
	}
	return rdb, nil
}

func NewStreamLog(rdb *redis.Client, stream string, sink CounterSink, logger *zap.Logger) *StreamLog {
	return &StreamLog{rdb: rdb, stream: stream, sink: sink, logger: logger}
}

func (l *StreamLog) Append(ctx context.Context, ev model.AccessEvent) error {
	err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: l.stream,
		Values: map[string]interface{}{
			"memory_id":   ev.MemoryID.String(),
			"agent_id":    ev.AgentID.String(),
			"accessed_at": ev.AccessedAt.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append to %s: %w", l.stream, err)
	}
	return nil
}

// Fold reads up to limit entries past the watermark, applies their counts
// and then deletes exactly those entries.
func (l *StreamLog) Fold(ctx context.Context, limit int) (FoldResult, error) {
	prev, err := l.sink.AccessWatermark(ctx, l.stream)
	if err != nil {
		return FoldResult{}, err
	}

	start := "-"
	if prev != "" {
		l.dropFolded(ctx, prev, limit)
		start = nextStreamID(prev)
	}

	msgs, err := l.rdb.XRangeN(ctx, l.stream, start, "+", int64(limit)).Result()
	if err != nil {
		return FoldResult{}, fmt.Errorf("read %s: %w: %w", l.stream, errs.ErrUnavailable, err)
	}
	if len(msgs) == 0 {
		return FoldResult{}, nil
	}

	counts := make(map[uuid.UUID]int64)
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		raw, _ := m.Values["memory_id"].(string)
		id, err := uuid.Parse(raw)
		if err != nil {
			l.logger.Warn("skip malformed access entry", zap.String("entry", m.ID))
			continue
		}
		counts[id]++
	}
	last := msgs[len(msgs)-1].ID

	updated, err := l.sink.ApplyAccessCounts(ctx, l.stream, counts, prev, last)
	if err != nil {
		return FoldResult{}, err
	}
	if err := l.rdb.XDel(ctx, l.stream, ids...).Err(); err != nil {
		l.logger.Warn("access entries folded but not deleted",
			zap.String("stream", l.stream), zap.Int("count", len(ids)), zap.Error(err))
	}
	return FoldResult{Updated: updated, Consumed: int64(len(msgs))}, nil
}

// dropFolded deletes entries at or below the watermark that a previous fold
// committed but failed to delete.
func (l *StreamLog) dropFolded(ctx context.Context, watermark string, limit int) {
	stale, err := l.rdb.XRangeN(ctx, l.stream, "-", watermark, int64(limit)).Result()
	if err != nil || len(stale) == 0 {
		return
	}
	ids := make([]string, len(stale))
	for i, m := range stale {
		ids[i] = m.ID
	}
	if err := l.rdb.XDel(ctx, l.stream, ids...).Err(); err != nil {
		l.logger.Debug("drop folded entries", zap.Error(err))
	}
}

// nextStreamID returns the smallest stream id greater than id.
func nextStreamID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id
	}
	s, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	if s == math.MaxUint64 {
		m, err := strconv.ParseUint(ms, 10, 64)
		if err != nil {
			return id
		}
		return strconv.FormatUint(m+1, 10) + "-0"
	}
	return ms + "-" + strconv.FormatUint(s+1, 10)
}
