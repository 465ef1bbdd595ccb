package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.DefaultSession = "work"
	cfg.APIBaseURL = "https://api.example.com/api"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.APIBaseURL != "https://api.example.com/api" {
		t.Errorf("APIBaseURL = %q", loaded.APIBaseURL)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(path, []byte(`default_session = "main"`), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RequestTimeout() != 15*time.Second {
		t.Errorf("RequestTimeout = %v, want 15s", cfg.RequestTimeout())
	}
	if cfg.UploadTimeout() != 30*time.Second {
		t.Errorf("UploadTimeout = %v, want 30s", cfg.UploadTimeout())
	}
	if cfg.TypingQuiet() != 2*time.Second {
		t.Errorf("TypingQuiet = %v, want 2s", cfg.TypingQuiet())
	}
	if cfg.TypingStale() != 6*time.Second {
		t.Errorf("TypingStale = %v, want 6s", cfg.TypingStale())
	}
	if cfg.SuppressUnreadWhenBackgrounded {
		t.Error("SuppressUnreadWhenBackgrounded should default to false")
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
