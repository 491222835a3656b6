package commands

import (
	"os"
	"path/filepath"

	"github.com/evoluhq/evolu-go/config"
	"github.com/evoluhq/evolu-go/errors"
)

// dbPath resolves the local SQLite file for a replica named cfg.Name,
// stored alongside the config directory the same way mergeConfigFiles
// locates evolu's user config.
func dbPath(cfg *config.Config) (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	dir := filepath.Join(homeDir, ".evolu")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "create evolu config directory")
	}
	return filepath.Join(dir, cfg.Name+".db"), nil
}
