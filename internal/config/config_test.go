package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.Agent != DefaultAgent {
		t.Errorf("Agent = %q, want %q", cfg.Agent, DefaultAgent)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want %d", cfg.MaxRetries, DefaultMaxRetries)
	}
	if cfg.ErrorStrategy != DefaultErrorStrategy {
		t.Errorf("ErrorStrategy = %q, want %q", cfg.ErrorStrategy, DefaultErrorStrategy)
	}
	if cfg.MaxConcurrency != DefaultMaxConcurrency {
		t.Errorf("MaxConcurrency = %d, want %d", cfg.MaxConcurrency, DefaultMaxConcurrency)
	}
}

func TestConfigApplyDefaultsPreservesExisting(t *testing.T) {
	cfg := Config{Agent: "opencode", MaxRetries: 7, ErrorStrategy: "abort"}
	cfg.ApplyDefaults()

	if cfg.Agent != "opencode" {
		t.Errorf("Agent = %q, want opencode", cfg.Agent)
	}
	if cfg.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.MaxRetries)
	}
	if cfg.ErrorStrategy != "abort" {
		t.Errorf("ErrorStrategy = %q, want abort", cfg.ErrorStrategy)
	}
}

func TestConfigValidateRequiresEpicAndRepoDir(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing epic")
	}

	cfg.Epic = "my-epic"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing repo-dir")
	}

	cfg.RepoDir = t.TempDir()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestConfigValidateRejectsBadEpicName(t *testing.T) {
	cfg := Config{Epic: "../evil", RepoDir: t.TempDir()}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid epic name")
	}
}

func TestConfigValidateRejectsUnknownErrorStrategy(t *testing.T) {
	cfg := Config{Epic: "e", RepoDir: t.TempDir()}
	cfg.ApplyDefaults()
	cfg.ErrorStrategy = "explode"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown error strategy")
	}
}

func TestLoadConfigFileMergesOnlyZeroFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ralph.yaml")
	body := "epic: from-file\nmax_retries: 9\nauto_commit: true\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := Config{MaxRetries: 2} // CLI flag already set, should win
	if err := LoadConfigFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.Epic != "from-file" {
		t.Errorf("Epic = %q, want from-file", cfg.Epic)
	}
	if cfg.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want 2 (CLI flag should win)", cfg.MaxRetries)
	}
	if !cfg.AutoCommit {
		t.Error("expected AutoCommit to merge true from file")
	}
}

func TestLoadConfigFileMissingIsNotError(t *testing.T) {
	cfg := Config{}
	if err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml"), &cfg); err != nil {
		t.Fatalf("LoadConfigFile on missing file: %v", err)
	}
}

func TestConfigValidatePromptDirRequiresExistingDir(t *testing.T) {
	cfg := Config{Epic: "e", RepoDir: t.TempDir(), PromptDir: filepath.Join(t.TempDir(), "nope")}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing prompt-dir")
	}
}

func TestWatcherDebouncesConfigFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".ralph.yaml")
	if err := os.WriteFile(path, []byte("epic: e\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	w, err := NewWatcher(path, "", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	ch := w.Start(ctx)

	if err := os.WriteFile(path, []byte("epic: e2\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case kind, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before delivering a change")
		}
		if kind != ChangeConfigFile {
			t.Errorf("kind = %v, want ChangeConfigFile", kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a debounced change event")
	}
}
