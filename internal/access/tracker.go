package access

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/metrics"
	"github.com/nidhogg/memorybank/internal/model"
)

// Options tune the tracker.
type Options struct {
	// Workers is the number of goroutines appending to the log backend.
	Workers int
	// QueueSize bounds events waiting for a worker. Events arriving while
	// the queue is full are dropped.
	QueueSize int
	// BatchSize bounds the entries folded per transaction.
	BatchSize int
	// AppendTimeout bounds one append.
	AppendTimeout time.Duration
}

// Tracker records memory reads without blocking the caller and folds them
// into access counters on demand. A fixed set of workers drains a bounded
// queue, so a stalled backend costs dropped events, never goroutines.
type Tracker struct {
	log     Log
	opts    Options
	queue   chan model.AccessEvent
	workers sync.WaitGroup

	mu      sync.Mutex
	idle    *sync.Cond // signalled when pending reaches zero
	pending int
	closed  bool

	foldMu sync.Mutex
	now    func() time.Time
	logger *zap.Logger
}

func NewTracker(log Log, opts Options, logger *zap.Logger) *Tracker {
	if opts.Workers <= 0 {
		opts.Workers = 16
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5000
	}
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = 5 * time.Second
	}
	t := &Tracker{
		log:    log,
		opts:   opts,
		queue:  make(chan model.AccessEvent, opts.QueueSize),
		now:    time.Now,
		logger: logger,
	}
	t.idle = sync.NewCond(&t.mu)
	t.workers.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go t.work()
	}
	return t
}

// LogAccess records that agentID read memoryID. It never blocks: the event
// is queued for a worker, or dropped when the tracker is closed or the
// queue is full. Append failures are only logged.
func (t *Tracker) LogAccess(memoryID, agentID uuid.UUID) {
	ev := model.AccessEvent{MemoryID: memoryID, AgentID: agentID, AccessedAt: t.now()}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		metrics.AccessLogged.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case t.queue <- ev:
		t.pending++
	default:
		metrics.AccessLogged.WithLabelValues("dropped").Inc()
	}
}

func (t *Tracker) work() {
	defer t.workers.Done()
	for ev := range t.queue {
		t.append(ev)
		t.mu.Lock()
		t.pending--
		if t.pending == 0 {
			t.idle.Broadcast()
		}
		t.mu.Unlock()
	}
}

func (t *Tracker) append(ev model.AccessEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.AppendTimeout)
	defer cancel()
	err := t.log.Append(ctx, ev)
	metrics.AccessLogged.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		t.logger.Warn("access log append failed",
			zap.String("memory", ev.MemoryID.String()),
			zap.String("agent", ev.AgentID.String()),
			zap.Error(err))
	}
}

// Aggregate folds the whole log into counters, one batch per transaction,
// and returns the number of memory rows updated. It stops at the first
// short batch so entries appended meanwhile wait for the next run.
func (t *Tracker) Aggregate(ctx context.Context) (int64, error) {
	t.foldMu.Lock()
	defer t.foldMu.Unlock()

	var updated int64
	for {
		res, err := t.log.Fold(ctx, t.opts.BatchSize)
		if err != nil {
			return updated, err
		}
		updated += res.Updated
		metrics.AccessFolded.Add(float64(res.Consumed))
		if res.Consumed < int64(t.opts.BatchSize) {
			break
		}
		if err := ctx.Err(); err != nil {
			return updated, err
		}
	}
	if updated > 0 {
		t.logger.Debug("access counts aggregated", zap.Int64("rows", updated))
	}
	return updated, nil
}

// Wait blocks until every queued event has been appended. It is safe to
// call while LogAccess is running; it then returns at a moment when the
// queue was empty.
func (t *Tracker) Wait() {
	t.mu.Lock()
	for t.pending > 0 {
		t.idle.Wait()
	}
	t.mu.Unlock()
}

// Close stops accepting events, drains the queue and stops the workers.
// It is safe to call more than once.
func (t *Tracker) Close() {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()
	t.workers.Wait()
}
