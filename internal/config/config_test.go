package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GraceDelay != time.Second {
		t.Fatalf("GraceDelay = %v, want 1s", cfg.GraceDelay)
	}
	if cfg.ContinuityDSN == "" {
		t.Fatal("ContinuityDSN default missing")
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`remote_dsn: postgres://db.internal/crewboard
feed_url: wss://feed.internal/changes
continuity_dsn: memory://
self_id: alice
grace_delay: 250ms
`)
	if err := os.WriteFile(filepath.Join(dir, "livesync.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RemoteDSN != "postgres://db.internal/crewboard" {
		t.Fatalf("RemoteDSN = %q", cfg.RemoteDSN)
	}
	if cfg.FeedURL != "wss://feed.internal/changes" {
		t.Fatalf("FeedURL = %q", cfg.FeedURL)
	}
	if cfg.ContinuityDSN != "memory://" {
		t.Fatalf("ContinuityDSN = %q", cfg.ContinuityDSN)
	}
	if cfg.SelfID != "alice" {
		t.Fatalf("SelfID = %q", cfg.SelfID)
	}
	if cfg.GraceDelay != 250*time.Millisecond {
		t.Fatalf("GraceDelay = %v", cfg.GraceDelay)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`self_id: alice
`)
	if err := os.WriteFile(filepath.Join(dir, "livesync.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("LIVESYNC_SELF_ID", "bob")
	t.Setenv("LIVESYNC_REMOTE_DSN", "postgres://env.internal/crewboard")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SelfID != "bob" {
		t.Fatalf("env override lost: SelfID = %q", cfg.SelfID)
	}
	if cfg.RemoteDSN != "postgres://env.internal/crewboard" {
		t.Fatalf("RemoteDSN = %q", cfg.RemoteDSN)
	}
}

func TestLoadFeedURLFallsBackToRemoteDSN(t *testing.T) {
	t.Setenv("LIVESYNC_REMOTE_DSN", "postgres://db.internal/crewboard")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FeedURL != cfg.RemoteDSN {
		t.Fatalf("FeedURL = %q, want fallback to remote DSN", cfg.FeedURL)
	}
}
