package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/memorybank/internal/access"
	"github.com/nidhogg/memorybank/internal/alert"
	"github.com/nidhogg/memorybank/internal/api"
	"github.com/nidhogg/memorybank/internal/config"
	"github.com/nidhogg/memorybank/internal/embedding"
	"github.com/nidhogg/memorybank/internal/grants"
	"github.com/nidhogg/memorybank/internal/identity"
	"github.com/nidhogg/memorybank/internal/knowledge"
	"github.com/nidhogg/memorybank/internal/memory"
	"github.com/nidhogg/memorybank/internal/retrieval"
	pgstore "github.com/nidhogg/memorybank/internal/store"
	"github.com/nidhogg/memorybank/internal/sweeper"
	"github.com/nidhogg/memorybank/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/memorybank.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("memorybank stopped", zap.Error(err))
	}
}

func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err == nil {
		if lvl == zapcore.DebugLevel {
			zcfg = zap.NewDevelopmentConfig()
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting memorybank...")

	// Relational store
	db, err := pgstore.New(ctx, cfg.Database.Postgres.DSN, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Vector index
	index, err := openIndex(cfg)
	if err != nil {
		return err
	}
	defer index.Close()

	// Team membership
	var members identity.Membership = db.Membership()
	external := false
	if cfg.Membership.Backend == "neo4j" {
		graph, err := identity.NewGraphMembership(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger)
		if err != nil {
			return err
		}
		defer graph.Close(context.Background())
		if err := graph.EnsureSchema(ctx); err != nil {
			return err
		}
		members, external = graph, true
	}
	ids := identity.NewService(db, members, identity.Options{ExternalMembership: external}, logger)
	gs := grants.NewService(db, ids, logger)

	mem := memory.NewStore(db, index, cfg.Vector.MemoryCollection, cfg.Vector.Dimension, logger)
	if err := mem.InitCollection(ctx); err != nil {
		return err
	}
	kb := knowledge.NewCorpus(index, cfg.Vector.ChunkCollection, cfg.Vector.Dimension, logger)
	if err := kb.InitCollection(ctx); err != nil {
		return err
	}

	// Access log
	accessLog, closeLog, err := openAccessLog(ctx, cfg, db, logger)
	if err != nil {
		return err
	}
	defer closeLog()
	tracker := access.NewTracker(accessLog, access.Options{
		Workers:   cfg.Access.Workers,
		QueueSize: cfg.Access.QueueSize,
		BatchSize: cfg.Access.BatchSize,
	}, logger)
	defer tracker.Close()

	ropts, err := retrieval.OptionsFromConfig(cfg.Retrieval)
	if err != nil {
		return err
	}
	engine := retrieval.New(retrieval.Deps{
		Memories:  mem,
		Knowledge: kb,
		Teams:     ids,
		Grants:    gs,
		Access:    tracker,
		Stats:     db,
	}, ropts, logger)

	notifier, err := openNotifier(cfg.Alert, logger)
	if err != nil {
		return err
	}
	sw := sweeper.New(mem, tracker, notifier, sweeper.OptionsFromConfig(cfg.Sweeper), logger)
	if cfg.Sweeper.Enabled {
		sw.Start(ctx)
		defer sw.Stop()
	}

	if cfg.Embedding.Dimension == 0 {
		cfg.Embedding.Dimension = cfg.Vector.Dimension
	}
	embedder, err := embedding.FromConfig(cfg.Embedding)
	if err != nil {
		return err
	}
	if embedder == nil {
		logger.Info("no embedding provider configured; requests must carry vectors")
	}

	handler := api.NewHandler(api.Deps{
		Identity:    ids,
		Grants:      gs,
		Engine:      engine,
		Maintenance: sw,
		Sources:     db,
		Chunks:      kb,
		Embedder:    embedder,
		Health:      db,
	}, cfg.Server.AdminToken, logger)
	if cfg.Server.AdminToken == "" {
		logger.Warn("server.admin_token is empty; only trusted agents can use admin routes")
	}

	// Start server
	port := cfg.Server.Port
	if port == 0 {
		port = 8080
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("memorybank listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	// Graceful shutdown
	logger.Info("Shutting down memorybank...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown", zap.Error(err))
	}
	return nil
}

func openIndex(cfg *config.Config) (vectorstore.Index, error) {
	if cfg.Vector.Backend == "chromem" {
		return vectorstore.NewChromem(cfg.Vector.ChromemPath)
	}
	return vectorstore.NewClient(vectorstore.QdrantConfig{
		Host: cfg.Database.Qdrant.Host,
		Port: cfg.Database.Qdrant.Port,
	})
}

func openAccessLog(ctx context.Context, cfg *config.Config, db *pgstore.Store, logger *zap.Logger) (access.Log, func(), error) {
	if cfg.Access.Backend != "redis" {
		return access.NewTableLog(db), func() {}, nil
	}
	rdb, err := access.DialRedis(ctx, cfg.Database.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("access log on redis stream", zap.String("stream", cfg.Access.Stream))
	return access.NewStreamLog(rdb, cfg.Access.Stream, db, logger), func() { rdb.Close() }, nil
}

// openNotifier returns nil when no chat target is enabled; the sweeper then
// only logs failures.
func openNotifier(cfg config.AlertConfig, logger *zap.Logger) (alert.Notifier, error) {
	var targets []alert.Notifier
	if cfg.Slack.Enabled && cfg.Slack.BotToken != "" {
		targets = append(targets, alert.NewSlack(cfg.Slack.BotToken, cfg.Slack.Channel))
	}
	if cfg.Discord.Enabled && cfg.Discord.BotToken != "" {
		d, err := alert.NewDiscord(cfg.Discord.BotToken, cfg.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, d)
	}
	if len(targets) == 0 {
		return nil, nil
	}
	return alert.NewMulti(logger, append(targets, alert.NewLog(logger))...), nil
}
