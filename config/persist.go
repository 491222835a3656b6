package config

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/evoluhq/evolu-go/errors"
)

// Save writes cfg to path as TOML, rotating up to three prior versions
// (.back1, .back2, .back3) so a bad edit can be recovered by hand.
func Save(cfg *Config, path string) error {
	if err := createBackup(path); err != nil {
		return err
	}

	content, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, content, 0644); err != nil {
		return errors.Wrapf(err, "failed to write config to %s", path)
	}
	return nil
}

// createBackup rotates .back1/.back2/.back3 before overwriting path.
func createBackup(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	back3 := path + ".back3"
	back2 := path + ".back2"
	back1 := path + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, 0644); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}
