// Package config loads muff's optional configuration file. Every key
// has a working default: flashing a drive must not require writing a
// config first.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	// ChunkSize is the unit of the write loop, in bytes.
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`

	// SysfsTimeoutMS bounds how long to wait for a freshly plugged
	// device to report a non-zero sector count.
	SysfsTimeoutMS int `mapstructure:"sysfs_timeout_ms" yaml:"sysfs_timeout_ms"`

	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	History HistoryConfig `mapstructure:"history" yaml:"history"`
}

type LogConfig struct {
	Path  string `mapstructure:"path" yaml:"path"`
	Level string `mapstructure:"level" yaml:"level"`
}

type HistoryConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Load reads the file at path, or ~/.config/muff/config.yaml when path
// is empty. A missing file is not an error; defaults and MUFF_*
// environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("chunk_size", 64*1024)
	v.SetDefault("sysfs_timeout_ms", 5000)
	v.SetDefault("log.path", defaultStatePath("muff.log"))
	v.SetDefault("log.level", "info")
	v.SetDefault("history.path", defaultStatePath("history.db"))

	explicit := path != ""
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", "muff", "config.yaml")
		}
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", path, err)
			}
		} else if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	v.SetEnvPrefix("MUFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be positive, got %d", cfg.ChunkSize)
	}

	return &cfg, nil
}

// defaultStatePath places muff's own files under the user's state
// directory, away from stdout.
func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "muff", name)
}
