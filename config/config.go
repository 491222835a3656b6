// Package config loads replica configuration from TOML files, environment
// variables, and in-process defaults, using the same layered precedence the
// rest of this codebase's ambient stack follows: defaults < system file <
// user file < project file < environment.
package config

import (
	"github.com/evoluhq/evolu-go/errors"
)

// Config is the configuration surface for a single Evolu replica or relay.
//
// Field names and defaults follow the replica configuration table: Name
// identifies the database file and advisory lock, Transports lists the sync
// endpoints to dial, MaxDriftMS bounds how far a remote clock may lead the
// local one before Receive rejects it, InMemory runs the SQLite connection
// against ":memory:" for tests, InitialOwner seeds the replica with an
// existing mnemonic instead of minting a new Owner, Indexes are extra
// (table, column) pairs to index beyond the CRDT primary key, and ReloadURL
// points the relay/operator at a config hot-reload endpoint. The reload
// itself is driven by WatchLoadedFiles, which watches the config files Load
// merges.
type Config struct {
	Name         string   `mapstructure:"name"`
	Transports   []string `mapstructure:"transports"`
	MaxDriftMS   int64    `mapstructure:"max_drift_ms"`
	InMemory     bool     `mapstructure:"in_memory"`
	InitialOwner string   `mapstructure:"initial_owner"`
	Indexes      []Index  `mapstructure:"indexes"`
	ReloadURL    string   `mapstructure:"reload_url"`

	Relay RelayConfig `mapstructure:"relay"`
}

// Index names an additional (table, column) pair to index in the message
// store, beyond the primary (table, row, column, timestamp) index every
// store carries.
type Index struct {
	Table  string `mapstructure:"table"`
	Column string `mapstructure:"column"`
}

// RelayConfig configures the standalone relay server (cmd/evolu serve).
type RelayConfig struct {
	ListenAddr       string  `mapstructure:"listen_addr"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	MaxMessagesPerOwnerPerMinute int `mapstructure:"max_messages_per_owner_per_minute"`
}

// DefaultMaxDriftMS is the default bound on acceptable clock drift between
// a local and a remote Timestamp, five minutes expressed in milliseconds.
const DefaultMaxDriftMS int64 = 5 * 60 * 1000

func defaultConfig() Config {
	return Config{
		Name:       "evolu",
		Transports: nil,
		MaxDriftMS: DefaultMaxDriftMS,
		InMemory:   false,
		Relay: RelayConfig{
			ListenAddr: ":4000",
			AllowedOrigins: []string{
				"http://localhost",
				"https://localhost",
				"http://127.0.0.1",
				"https://127.0.0.1",
			},
			MaxMessagesPerOwnerPerMinute: 600,
		},
	}
}

// Validate checks invariants Load cannot express through mapstructure tags
// alone.
func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("config: name must not be empty")
	}
	if c.MaxDriftMS <= 0 {
		return errors.New("config: max_drift_ms must be positive")
	}
	return nil
}
