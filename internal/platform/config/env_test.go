package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Port   int           `env:"TOWN_TEST_PORT" envDefault:"123"`
	Window time.Duration `env:"TOWN_TEST_WINDOW" envDefault:"5m"`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Port != 123 {
		t.Fatalf("port = %d, want 123", cfg.Port)
	}
	if cfg.Window != 5*time.Minute {
		t.Fatalf("window = %v, want 5m", cfg.Window)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("TOWN_TEST_PORT", "not-an-int")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestEnsureParentDirCreatesNestedDirectories(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a", "b", "town.db")

	if err := EnsureParentDir(path); err != nil {
		t.Fatalf("ensure parent dir: %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "a", "b"))
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}
}

func TestEnsureParentDirRejectsEmptyPath(t *testing.T) {
	if err := EnsureParentDir("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
