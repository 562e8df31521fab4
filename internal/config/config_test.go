package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadSubstitutesEnv(t *testing.T) {
	t.Setenv("MB_TEST_DSN", "postgres://x@db/mb")
	dir := t.TempDir()
	path := filepath.Join(dir, "mb.json")
	body := `{
		"server": {"port": 9090, "log_level": "${MB_TEST_LEVEL:debug}"},
		"database": {"postgres": {"dsn": "${MB_TEST_DSN}"}},
		"retrieval": {"overfetch_factor": 6, "search_timeout": "750ms", "trusted_principals": ["a"]},
		"sweeper": {"purge_interval": "1h"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("log level = %q, want default debug", cfg.Server.LogLevel)
	}
	if cfg.Database.Postgres.DSN != "postgres://x@db/mb" {
		t.Errorf("dsn = %q", cfg.Database.Postgres.DSN)
	}
	if cfg.Retrieval.OverfetchFactor != 6 || cfg.Retrieval.SearchTimeout.Duration != 750*time.Millisecond {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Sweeper.PurgeInterval.Duration != time.Hour {
		t.Errorf("purge interval = %v", cfg.Sweeper.PurgeInterval)
	}
	// Unset sections keep their defaults.
	if cfg.Retrieval.DefaultMatchCount != 10 || cfg.Access.Backend != "postgres" {
		t.Errorf("defaults lost: %+v %+v", cfg.Retrieval, cfg.Access)
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	_, err := Parse([]byte(`{
		"vector": {"backend": "faiss"},
		"access": {"backend": "redis"},
		"retrieval": {"normalization": "zscore"}
	}`))
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"vector.backend", "database.redis.url", "normalization"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
}
