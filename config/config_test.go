package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dungeon2567/rollback-ecs/config"
)

func TestDefaultsApplyWhenFieldsOmitted(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("PoolWidth = 4\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.PoolWidth != 4 {
		t.Fatalf("expected PoolWidth 4, got %d", got.PoolWidth)
	}
	if got.QueryCacheSize != config.Default().QueryCacheSize {
		t.Fatalf("expected default QueryCacheSize for the omitted field, got %d", got.QueryCacheSize)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error loading a nonexistent config file")
	}
}
