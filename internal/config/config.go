// Package config loads server configuration from a YAML file, with
// defaults for every field so a missing or partial file still yields a
// runnable server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address for the websocket endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// DatabasePath is the SQLite database file. ":memory:" is accepted for
	// ephemeral runs.
	DatabasePath string `yaml:"database_path"`

	// RetentionWindow is how many recent operations each document keeps in
	// memory for transform catch-up and backfill. Sessions that fall
	// further behind must resync from a snapshot.
	RetentionWindow int `yaml:"retention_window"`

	// SnapshotEvery is the revision cadence for durable snapshots.
	SnapshotEvery int `yaml:"snapshot_every"`

	// HeartbeatTimeout closes sessions that have been silent this long.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// MaxDocumentSize caps document length in Unicode codepoints.
	// Operations that would grow a document past the cap are rejected.
	MaxDocumentSize int `yaml:"max_document_size"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		ListenAddr:       ":8391",
		DatabasePath:     "coedit.db",
		RetentionWindow:  1024,
		SnapshotEvery:    100,
		HeartbeatTimeout: 30 * time.Second,
		MaxDocumentSize:  1 << 20,
	}
}

// Load reads a YAML config file over the defaults. Unset fields keep their
// default values; unknown fields are an error to catch typos.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF; defaults apply.
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("retention_window must be positive, got %d", c.RetentionWindow)
	}
	if c.SnapshotEvery <= 0 {
		return fmt.Errorf("snapshot_every must be positive, got %d", c.SnapshotEvery)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %s", c.HeartbeatTimeout)
	}
	if c.MaxDocumentSize <= 0 {
		return fmt.Errorf("max_document_size must be positive, got %d", c.MaxDocumentSize)
	}
	return nil
}
