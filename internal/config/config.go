package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Vector     VectorConfig     `json:"vector"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Access     AccessConfig     `json:"access"`
	Sweeper    SweeperConfig    `json:"sweeper"`
	Membership MembershipConfig `json:"membership"`
	Alert      AlertConfig      `json:"alert"`
}

type ServerConfig struct {
	Port       int    `json:"port"`
	LogLevel   string `json:"log_level"`
	AdminToken string `json:"admin_token"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// VectorConfig selects the ANN index backend.
type VectorConfig struct {
	Backend          string `json:"backend"` // qdrant | chromem
	Dimension        int    `json:"dimension"`
	ChromemPath      string `json:"chromem_path"`
	MemoryCollection string `json:"memory_collection"`
	ChunkCollection  string `json:"chunk_collection"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type RetrievalConfig struct {
	OverfetchFactor   int      `json:"overfetch_factor"`
	DefaultMatchCount int      `json:"default_match_count"`
	DefaultThreshold  float64  `json:"default_threshold"`
	MaxMatchCount     int      `json:"max_match_count"`
	SearchTimeout     Duration `json:"search_timeout"`
	MaxAttempts       int      `json:"max_attempts"`
	// Normalization is "none" or "minmax" and applies per corpus before a
	// unified merge.
	Normalization     string   `json:"normalization"`
	TrustedPrincipals []string `json:"trusted_principals"`
}

type AccessConfig struct {
	Backend   string `json:"backend"` // postgres | redis
	Stream    string `json:"stream"`
	Workers   int    `json:"workers"`
	QueueSize int    `json:"queue_size"`
	BatchSize int    `json:"batch_size"`
}

type SweeperConfig struct {
	Enabled           bool     `json:"enabled"`
	PurgeInterval     Duration `json:"purge_interval"`
	AggregateInterval Duration `json:"aggregate_interval"`
	RunTimeout        Duration `json:"run_timeout"`
	MaxAttempts       int      `json:"max_attempts"`
	PurgeBatchSize    int      `json:"purge_batch_size"`
}

type MembershipConfig struct {
	Backend string `json:"backend"` // postgres | neo4j
}

type AlertConfig struct {
	Slack   SlackAlertConfig   `json:"slack"`
	Discord DiscordAlertConfig `json:"discord"`
}

type SlackAlertConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordAlertConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Duration is a time.Duration that reads "30s"-style strings from JSON.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw JSON config bytes.
func Parse(data []byte) (*Config, error) {
	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every tunable set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Database: DatabaseConfig{
			Qdrant: QdrantConfig{Host: "localhost", Port: 6334},
		},
		Vector: VectorConfig{
			Backend:          "qdrant",
			Dimension:        1536,
			MemoryCollection: "mb_memory",
			ChunkCollection:  "kb_chunks",
		},
		Retrieval: RetrievalConfig{
			OverfetchFactor:   4,
			DefaultMatchCount: 10,
			DefaultThreshold:  0.5,
			MaxMatchCount:     200,
			SearchTimeout:     Duration{5 * time.Second},
			MaxAttempts:       3,
			Normalization:     "none",
		},
		Access: AccessConfig{
			Backend:   "postgres",
			Stream:    "mb:access",
			Workers:   16,
			QueueSize: 4096,
			BatchSize: 5000,
		},
		Sweeper: SweeperConfig{
			Enabled:           true,
			PurgeInterval:     Duration{10 * time.Minute},
			AggregateInterval: Duration{time.Minute},
			RunTimeout:        Duration{2 * time.Minute},
			MaxAttempts:       4,
			PurgeBatchSize:    1000,
		},
		Membership: MembershipConfig{Backend: "postgres"},
	}
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.Vector.Backend {
	case "qdrant", "chromem":
	default:
		add("vector.backend %q: want qdrant or chromem", c.Vector.Backend)
	}
	if c.Vector.Dimension <= 0 {
		add("vector.dimension must be positive")
	}
	if c.Embedding.Provider != "" && c.Embedding.Dimension != 0 && c.Embedding.Dimension != c.Vector.Dimension {
		add("embedding.dimension %d does not match vector.dimension %d", c.Embedding.Dimension, c.Vector.Dimension)
	}
	if c.Retrieval.OverfetchFactor < 1 {
		add("retrieval.overfetch_factor must be >= 1")
	}
	if c.Retrieval.MaxMatchCount < 1 {
		add("retrieval.max_match_count must be >= 1")
	}
	if c.Retrieval.DefaultMatchCount < 1 || c.Retrieval.DefaultMatchCount > c.Retrieval.MaxMatchCount {
		add("retrieval.default_match_count must be in [1, max_match_count]")
	}
	if c.Retrieval.DefaultThreshold < -1 || c.Retrieval.DefaultThreshold > 1 {
		add("retrieval.default_threshold must be in [-1, 1]")
	}
	switch strings.ToLower(c.Retrieval.Normalization) {
	case "", "none", "minmax":
	default:
		add("retrieval.normalization %q: want none or minmax", c.Retrieval.Normalization)
	}
	switch c.Access.Backend {
	case "postgres":
	case "redis":
		if c.Database.Redis.URL == "" {
			add("access.backend redis requires database.redis.url")
		}
	default:
		add("access.backend %q: want postgres or redis", c.Access.Backend)
	}
	if c.Access.Workers < 1 || c.Access.QueueSize < 1 || c.Access.BatchSize < 1 {
		add("access.workers, access.queue_size and access.batch_size must be >= 1")
	}
	switch c.Membership.Backend {
	case "postgres":
	case "neo4j":
		if c.Database.Neo4j.URI == "" {
			add("membership.backend neo4j requires database.neo4j.uri")
		}
	default:
		add("membership.backend %q: want postgres or neo4j", c.Membership.Backend)
	}
	if c.Sweeper.Enabled {
		if c.Sweeper.PurgeInterval.Duration <= 0 || c.Sweeper.AggregateInterval.Duration <= 0 {
			add("sweeper intervals must be positive")
		}
		if c.Sweeper.MaxAttempts < 1 {
			add("sweeper.max_attempts must be >= 1")
		}
	}
	if c.Alert.Slack.Enabled && (c.Alert.Slack.BotToken == "" || c.Alert.Slack.Channel == "") {
		add("alert.slack requires bot_token and channel")
	}
	if c.Alert.Discord.Enabled && (c.Alert.Discord.BotToken == "" || c.Alert.Discord.ChannelID == "") {
		add("alert.discord requires bot_token and channel_id")
	}
	return errors.Join(problems...)
}
