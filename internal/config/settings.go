// Package config loads the bridge's persistent settings: the default port,
// the log level, and the idle horizon used to prune stale diagnostic client
// records. It has no state-root setting.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultPort          = 9222
	defaultClientMaxIdle = 30 * time.Minute
	defaultLogLevel      = "info"
	defaultConfigDirName = "actionbook"
	defaultConfigName    = "config.toml"
)

// Settings are the process-wide defaults; CLI flags always take precedence
// over whatever is loaded here.
type Settings struct {
	Path          string
	DefaultPort   int
	LogLevel      string
	ClientMaxIdle time.Duration
}

type fileConfig struct {
	Bridge bridgeConfig `toml:"bridge"`
	Log    logConfig    `toml:"log"`
}

type bridgeConfig struct {
	DefaultPort   int    `toml:"default_port"`
	ClientMaxIdle string `toml:"client_max_idle"`
}

type logConfig struct {
	Level string `toml:"level"`
}

// LoadOrCreate reads the settings file at path (or the default path when
// path is empty), filling in and persisting defaults for anything missing.
func LoadOrCreate(path string) (Settings, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return Settings{}, err
		}
	}

	cfg := defaultFileConfig()
	exists := false
	if _, err := os.Stat(path); err == nil {
		exists = true
		var onDisk fileConfig
		if _, err := toml.DecodeFile(path, &onDisk); err != nil {
			return Settings{}, fmt.Errorf("decode config %s: %w", path, err)
		}
		mergeFileConfig(&cfg, onDisk)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Settings{}, fmt.Errorf("stat config %s: %w", path, err)
	}

	changed := false
	if cfg.Bridge.DefaultPort == 0 {
		cfg.Bridge.DefaultPort = defaultPort
		changed = true
	}
	if strings.TrimSpace(cfg.Bridge.ClientMaxIdle) == "" {
		cfg.Bridge.ClientMaxIdle = defaultClientMaxIdle.String()
		changed = true
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = defaultLogLevel
		changed = true
	}

	if !exists || changed {
		if err := writeConfig(path, cfg); err != nil {
			return Settings{}, err
		}
	}

	return toSettings(path, cfg)
}

// DefaultPath is ~/.config/actionbook/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".config", defaultConfigDirName, defaultConfigName), nil
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		Bridge: bridgeConfig{
			DefaultPort:   defaultPort,
			ClientMaxIdle: defaultClientMaxIdle.String(),
		},
		Log: logConfig{Level: defaultLogLevel},
	}
}

func mergeFileConfig(dst *fileConfig, src fileConfig) {
	if src.Bridge.DefaultPort != 0 {
		dst.Bridge.DefaultPort = src.Bridge.DefaultPort
	}
	if v := strings.TrimSpace(src.Bridge.ClientMaxIdle); v != "" {
		dst.Bridge.ClientMaxIdle = v
	}
	if v := strings.TrimSpace(src.Log.Level); v != "" {
		dst.Log.Level = v
	}
}

func toSettings(path string, cfg fileConfig) (Settings, error) {
	maxIdle, err := time.ParseDuration(cfg.Bridge.ClientMaxIdle)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid bridge.client_max_idle duration: %w", err)
	}
	return Settings{
		Path:          path,
		DefaultPort:   cfg.Bridge.DefaultPort,
		LogLevel:      cfg.Log.Level,
		ClientMaxIdle: maxIdle,
	}, nil
}

func writeConfig(path string, cfg fileConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString("# actionbook bridge configuration\n\n"); err != nil {
		return fmt.Errorf("write config header: %w", err)
	}
	return toml.NewEncoder(file).Encode(cfg)
}
