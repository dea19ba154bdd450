// Package config loads the optional hotbackup configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/bamsammich/hotbackup/internal/filter"
)

const appName = "hotbackup"

// Config is the parsed configuration file. Every field is optional; nil
// means "not set" so command-line defaults stay in charge.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Theme    ThemeConfig    `toml:"theme"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	Throttle      *string  `toml:"throttle"`
	ChunkSize     *string  `toml:"chunk_size"`
	Verify        *bool    `toml:"verify"`
	History       *bool    `toml:"history"`
	Exclude       []string `toml:"exclude"`
	FilterFile    *string  `toml:"filter_file"`
	Log           *string  `toml:"log"`
	MetricsListen *string  `toml:"metrics_listen"`
}

// ThemeConfig overrides the summary colors.
type ThemeConfig struct {
	OK    *string `toml:"ok"`
	Warn  *string `toml:"warn"`
	Error *string `toml:"error"`
	Muted *string `toml:"muted"`
}

// Path returns the config file location under $XDG_CONFIG_HOME.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, appName, "config.toml")
}

// Load reads the config file. A missing file yields a zero Config.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads the config file at path. A missing file yields a zero
// Config; unknown keys are an error so typos do not go unnoticed.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("parse %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.Defaults.validate(); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func (d DefaultsConfig) validate() error {
	if _, err := d.ThrottleBytes(); err != nil {
		return err
	}
	if _, err := d.ChunkBytes(); err != nil {
		return err
	}
	return nil
}

// ThrottleBytes returns the throttle default in bytes/sec, or 0 if unset.
func (d DefaultsConfig) ThrottleBytes() (uint64, error) {
	if d.Throttle == nil {
		return 0, nil
	}
	n, err := filter.ParseSize(*d.Throttle)
	if err != nil {
		return 0, fmt.Errorf("throttle: %w", err)
	}
	return uint64(n), nil
}

// ChunkBytes returns the chunk size default in bytes, or 0 if unset.
func (d DefaultsConfig) ChunkBytes() (int, error) {
	if d.ChunkSize == nil {
		return 0, nil
	}
	n, err := filter.ParseSize(*d.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("chunk_size: %w", err)
	}
	if n <= 0 || n > 1<<30 {
		return 0, fmt.Errorf("chunk_size: %q out of range", *d.ChunkSize)
	}
	return int(n), nil
}
