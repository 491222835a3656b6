package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/evoluhq/evolu-go/errors"
)

var globalConfig *Config
var viperInstance *viper.Viper

// Load reads replica configuration, caching the result for subsequent calls.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// GetViper returns the package's Viper instance for advanced access.
func GetViper() *viper.Viper {
	return initViper()
}

// LoadFromFile loads configuration from a specific TOML file, ignoring any
// cached config and environment overrides.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Reset clears the cached configuration. Intended for tests.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("EVOLU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig searches for evolu.toml by walking up the directory tree
// from the working directory.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "evolu.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// configFilePaths lists the config files Load merges, lowest precedence
// first: system config, user config, project config. WatchLoadedFiles
// watches this same list so a live reload tracks exactly what Load reads.
func configFilePaths() []string {
	homeDir, _ := os.UserHomeDir()

	evoluDir := filepath.Join(homeDir, ".evolu")
	os.MkdirAll(evoluDir, 0755)

	paths := []string{
		"/etc/evolu/config.toml",
		filepath.Join(evoluDir, "config.toml"),
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		paths = append(paths, projectConfig)
	}

	return paths
}

// mergeConfigFiles merges configuration files in precedence order, lowest
// first: system config, user config, project config. Environment variables
// (bound above via AutomaticEnv) take precedence over all of them because
// the files are merged into viper's config layer, which viper consults only
// after env lookups.
func mergeConfigFiles(v *viper.Viper) {
	for _, configPath := range configFilePaths() {
		if _, err := os.Stat(configPath); err != nil {
			continue
		}

		tempViper := viper.New()
		tempViper.SetConfigFile(configPath)
		tempViper.SetConfigType("toml")

		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
	}
}
