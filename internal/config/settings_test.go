package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	settings, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if settings.DefaultPort != defaultPort {
		t.Fatalf("expected default port %d, got %d", defaultPort, settings.DefaultPort)
	}
	if settings.ClientMaxIdle != defaultClientMaxIdle {
		t.Fatalf("expected default idle %v, got %v", defaultClientMaxIdle, settings.ClientMaxIdle)
	}

	again, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if again.DefaultPort != settings.DefaultPort {
		t.Fatalf("settings should be stable across reloads")
	}
}
