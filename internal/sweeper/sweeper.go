// Package sweeper runs the periodic maintenance jobs: purging expired
// memories and folding the access log into counters.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/alert"
	"github.com/nidhogg/memorybank/internal/config"
	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/metrics"
)

const (
	JobPurge     = "purge"
	JobAggregate = "aggregate"
)

// Purger deletes expired memories.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time, batchSize int) (int64, error)
}

// Aggregator folds pending access events into counters.
type Aggregator interface {
	Aggregate(ctx context.Context) (int64, error)
}

// Options tune the sweeper.
type Options struct {
	PurgeInterval     time.Duration
	AggregateInterval time.Duration
	// RunTimeout bounds one run including its retries.
	RunTimeout     time.Duration
	MaxAttempts    int
	PurgeBatchSize int
	// RetryInterval is the first backoff delay.
	RetryInterval time.Duration
}

// OptionsFromConfig converts the sweeper config section.
func OptionsFromConfig(c config.SweeperConfig) Options {
	return Options{
		PurgeInterval:     c.PurgeInterval.Duration,
		AggregateInterval: c.AggregateInterval.Duration,
		RunTimeout:        c.RunTimeout.Duration,
		MaxAttempts:       c.MaxAttempts,
		PurgeBatchSize:    c.PurgeBatchSize,
	}
}

func (o *Options) setDefaults() {
	if o.PurgeInterval <= 0 {
		o.PurgeInterval = 10 * time.Minute
	}
	if o.AggregateInterval <= 0 {
		o.AggregateInterval = time.Minute
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = 2 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.PurgeBatchSize <= 0 {
		o.PurgeBatchSize = 1000
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 500 * time.Millisecond
	}
}

// Sweeper schedules purge and aggregation on independent timers. A failing
// run is retried, then reported to the notifier; it never stops the loop.
type Sweeper struct {
	purger     Purger
	aggregator Aggregator
	notifier   alert.Notifier
	opts       Options
	now        func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *zap.Logger
}

// New creates a sweeper. notifier may be nil, in which case failures are
// only logged.
func New(p Purger, a Aggregator, notifier alert.Notifier, opts Options, logger *zap.Logger) *Sweeper {
	opts.setDefaults()
	if notifier == nil {
		notifier = alert.NewLog(logger)
	}
	return &Sweeper{
		purger:     p,
		aggregator: a,
		notifier:   notifier,
		opts:       opts,
		now:        time.Now,
		logger:     logger,
	}
}

// Start launches both loops. They stop when ctx is cancelled or Stop is
// called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)
	go s.loop(ctx, JobPurge, s.opts.PurgeInterval, s.RunPurge)
	go s.loop(ctx, JobAggregate, s.opts.AggregateInterval, s.RunAggregate)
	s.logger.Info("sweeper started",
		zap.Duration("purge_interval", s.opts.PurgeInterval),
		zap.Duration("aggregate_interval", s.opts.AggregateInterval))
}

// Stop cancels both loops and waits for in-flight runs to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, job string, interval time.Duration, run func(context.Context) (int64, error)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors were already logged and reported by run.
			_, _ = run(ctx)
		}
	}
}

// RunPurge deletes every memory expired as of now and returns the count.
func (s *Sweeper) RunPurge(ctx context.Context) (int64, error) {
	return s.run(ctx, JobPurge, func(ctx context.Context) (int64, error) {
		n, err := s.purger.PurgeExpired(ctx, s.now(), s.opts.PurgeBatchSize)
		metrics.MemoriesPurged.Add(float64(n))
		return n, err
	})
}

// RunAggregate folds the access log and returns the rows updated.
func (s *Sweeper) RunAggregate(ctx context.Context) (int64, error) {
	return s.run(ctx, JobAggregate, s.aggregator.Aggregate)
}

func (s *Sweeper) run(ctx context.Context, job string, fn func(context.Context) (int64, error)) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInterval
	b.MaxInterval = 30 * time.Second

	attempts := 0
	start := time.Now()
	n, err := backoff.Retry(ctx, func() (int64, error) {
		attempts++
		n, err := fn(ctx)
		if err != nil && !errs.Retryable(err) {
			return n, backoff.Permanent(err)
		}
		return n, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			metrics.Retries.WithLabelValues(job).Inc()
			s.logger.Warn("sweeper run failed, retrying",
				zap.String("job", job), zap.Int("attempt", attempts), zap.Duration("in", next), zap.Error(err))
		}),
	)
	metrics.SweeperRuns.WithLabelValues(job, metrics.Result(err)).Inc()
	if err != nil {
		s.report(job, attempts, err)
		return n, fmt.Errorf("%s: %w", job, err)
	}
	metrics.SweeperLastSuccess.WithLabelValues(job).SetToCurrentTime()
	s.logger.Debug("sweeper run done",
		zap.String("job", job), zap.Int64("rows", n), zap.Duration("took", time.Since(start)))
	return n, nil
}

// report logs and notifies a run that exhausted its retries.
func (s *Sweeper) report(job string, attempts int, err error) {
	s.logger.Error("sweeper run failed",
		zap.String("job", job), zap.Int("attempts", attempts), zap.Error(err))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a := alert.Alert{Job: job, Message: describe(job), Err: err, Attempts: attempts, At: s.now()}
	if nerr := s.notifier.Notify(ctx, a); nerr != nil {
		s.logger.Warn("sweeper alert not delivered", zap.String("job", job), zap.Error(nerr))
	}
}

func describe(job string) string {
	switch job {
	case JobPurge:
		return "purge expired memories"
	case JobAggregate:
		return "aggregate access counts"
	}
	return job
}
