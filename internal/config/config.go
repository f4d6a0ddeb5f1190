// Package config loads the client configuration from a YAML file merged
// with LIVESYNC_* environment variables.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds everything the watcher needs to connect and persist.
type Config struct {
	// RemoteDSN is the Postgres connection string of the shared store.
	RemoteDSN string
	// FeedURL selects the change-feed transport by scheme: postgres://
	// uses LISTEN/NOTIFY (defaults to RemoteDSN when empty), ws:// and
	// wss:// use the websocket channel.
	FeedURL string
	// ContinuityDSN selects the continuity backend (file path,
	// sqlite://, memory://).
	ContinuityDSN string
	// SelfID is the local user's identity.
	SelfID string
	// GraceDelay is how long a view must stay focused before its
	// watermark advances.
	GraceDelay time.Duration
}

// Load reads livesync.yaml from path (a directory; defaults to the
// user's config dir) and the environment. A missing config file is fine;
// defaults cover everything except the remote DSN and identity.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigName("livesync")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	} else if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "crewboard"))
	}
	v.SetEnvPrefix("LIVESYNC")
	v.AutomaticEnv()

	v.SetDefault("remote_dsn", "")
	v.SetDefault("feed_url", "")
	v.SetDefault("continuity_dsn", defaultContinuityDSN())
	v.SetDefault("self_id", "")
	v.SetDefault("grace_delay", "1s")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	cfg := Config{
		RemoteDSN:     v.GetString("remote_dsn"),
		FeedURL:       v.GetString("feed_url"),
		ContinuityDSN: v.GetString("continuity_dsn"),
		SelfID:        v.GetString("self_id"),
		GraceDelay:    v.GetDuration("grace_delay"),
	}
	if cfg.FeedURL == "" {
		cfg.FeedURL = cfg.RemoteDSN
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = time.Second
	}
	return cfg, nil
}

func defaultContinuityDSN() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "livesync-state.json"
	}
	return filepath.Join(dir, "crewboard", "livesync-state.json")
}
