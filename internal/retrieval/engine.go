// Package retrieval answers similarity queries over the memory and
// knowledge corpora and enforces who may see what.
//
// Every search runs the same pipeline: over-fetch ANN candidates, drop
// anything under the threshold, expired, or invisible to the caller, rank
// by similarity, then truncate. Authorization lives in one predicate in
// authz.go.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nidhogg/memorybank/internal/config"
	"github.com/nidhogg/memorybank/internal/errs"
	"github.com/nidhogg/memorybank/internal/knowledge"
	"github.com/nidhogg/memorybank/internal/memory"
	"github.com/nidhogg/memorybank/internal/model"
)

const instrumentationName = "github.com/nidhogg/memorybank/internal/retrieval"

// Memories is the memory corpus the engine searches and mutates.
type Memories interface {
	CheckVector(v []float32) error
	Candidates(ctx context.Context, vector []float32, k int) ([]memory.Candidate, error)
	Write(ctx context.Context, d memory.Draft) (*model.MemoryEntry, error)
	Get(ctx context.Context, id uuid.UUID) (*model.MemoryEntry, error)
	Update(ctx context.Context, id uuid.UUID, p memory.Patch) (*model.MemoryEntry, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Knowledge is the knowledge corpus the engine searches.
type Knowledge interface {
	Candidates(ctx context.Context, vector []float32, k int) ([]knowledge.Candidate, error)
}

// Teams resolves team membership at call time.
type Teams interface {
	TeammatesOf(ctx context.Context, agentID uuid.UUID) (map[uuid.UUID]struct{}, error)
	TeamIDsOf(ctx context.Context, agentID uuid.UUID) ([]uuid.UUID, error)
}

// Grants resolves knowledge source grants at call time.
type Grants interface {
	AuthorizedSources(ctx context.Context, agentID uuid.UUID, sourceIDs []int64) (map[int64]struct{}, error)
}

// AccessLogger records memory reads without blocking.
type AccessLogger interface {
	LogAccess(memoryID, agentID uuid.UUID)
}

// StatsSource counts what an agent owns and can see.
type StatsSource interface {
	AgentStats(ctx context.Context, agentID uuid.UUID, teammates, teams []uuid.UUID, now time.Time) (*model.AgentStats, error)
}

// Normalization selects how per-corpus scores are rescaled before a
// unified merge.
type Normalization string

const (
	NormalizeNone   Normalization = "none"
	NormalizeMinMax Normalization = "minmax"
)

// Options tune the engine.
type Options struct {
	OverfetchFactor   int
	DefaultMatchCount int
	// DefaultThreshold applies when a query sets none; nil means 0.5.
	DefaultThreshold  *float64
	MaxMatchCount     int
	SearchTimeout     time.Duration
	MaxAttempts       int
	Normalization     Normalization
	Trusted           []uuid.UUID
}

// OptionsFromConfig converts the retrieval config section.
func OptionsFromConfig(c config.RetrievalConfig) (Options, error) {
	opts := Options{
		OverfetchFactor:   c.OverfetchFactor,
		DefaultMatchCount: c.DefaultMatchCount,
		DefaultThreshold:  &c.DefaultThreshold,
		MaxMatchCount:     c.MaxMatchCount,
		SearchTimeout:     c.SearchTimeout.Duration,
		MaxAttempts:       c.MaxAttempts,
		Normalization:     Normalization(strings.ToLower(c.Normalization)),
	}
	for _, raw := range c.TrustedPrincipals {
		id, err := uuid.Parse(raw)
		if err != nil {
			return opts, fmt.Errorf("trusted principal %q: %w", raw, err)
		}
		opts.Trusted = append(opts.Trusted, id)
	}
	return opts, nil
}

func (o *Options) setDefaults() {
	if o.OverfetchFactor <= 0 {
		o.OverfetchFactor = 4
	}
	if o.DefaultMatchCount <= 0 {
		o.DefaultMatchCount = 10
	}
	if o.DefaultThreshold == nil {
		t := 0.5
		o.DefaultThreshold = &t
	}
	if o.MaxMatchCount <= 0 {
		o.MaxMatchCount = 200
	}
	if o.SearchTimeout <= 0 {
		o.SearchTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Normalization == "" {
		o.Normalization = NormalizeNone
	}
}

// Deps are the collaborators an Engine reads through.
type Deps struct {
	Memories  Memories
	Knowledge Knowledge
	Teams     Teams
	Grants    Grants
	Access    AccessLogger
	Stats     StatsSource
}

// Engine runs searches and owner-checked memory operations.
type Engine struct {
	deps    Deps
	opts    Options
	trusted map[uuid.UUID]struct{}
	tracer  trace.Tracer
	now     func() time.Time
	logger  *zap.Logger
}

// New creates an engine. Zero options take the documented defaults.
func New(deps Deps, opts Options, logger *zap.Logger) *Engine {
	opts.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	trusted := make(map[uuid.UUID]struct{}, len(opts.Trusted))
	for _, id := range opts.Trusted {
		trusted[id] = struct{}{}
	}
	return &Engine{
		deps:    deps,
		opts:    opts,
		trusted: trusted,
		tracer:  otel.Tracer(instrumentationName),
		now:     time.Now,
		logger:  logger,
	}
}

// Caller returns an ordinary caller for agentID.
func (e *Engine) Caller(agentID uuid.UUID) Caller {
	return Caller{agentID: agentID}
}

// Trusted returns a caller that bypasses scope and grant filtering. The id
// must be listed in the trusted principals config.
func (e *Engine) Trusted(agentID uuid.UUID) (Caller, error) {
	if _, ok := e.trusted[agentID]; !ok {
		return Caller{}, fmt.Errorf("agent %s is not a trusted principal: %w", agentID, errs.ErrForbidden)
	}
	return Caller{agentID: agentID, trusted: true}, nil
}

// Stats reports what the caller owns and can see right now.
func (e *Engine) Stats(ctx context.Context, c Caller) (*model.AgentStats, error) {
	mates, err := e.deps.Teams.TeammatesOf(ctx, c.agentID)
	if err != nil {
		return nil, err
	}
	teams, err := e.deps.Teams.TeamIDsOf(ctx, c.agentID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(mates))
	for id := range mates {
		ids = append(ids, id)
	}
	return e.deps.Stats.AgentStats(ctx, c.agentID, ids, teams, e.now())
}

func (e *Engine) matchCount(n int) (int, error) {
	switch {
	case n == 0:
		return e.opts.DefaultMatchCount, nil
	case n < 0:
		return 0, errs.Invalid("match count %d must be positive", n)
	case n > e.opts.MaxMatchCount:
		return 0, errs.Invalid("match count %d exceeds limit %d", n, e.opts.MaxMatchCount)
	}
	return n, nil
}

func (e *Engine) threshold(t *float64) (float64, error) {
	if t == nil {
		return *e.opts.DefaultThreshold, nil
	}
	if *t < -1 || *t > 1 {
		return 0, errs.Invalid("threshold %v outside [-1, 1]", *t)
	}
	return *t, nil
}
