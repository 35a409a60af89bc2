package config

import (
	"path/filepath"
	"testing"
)

func TestLoadDefaultsKeypairPathUnderStateDir(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := filepath.Join(cfg.StateDir, "deposit_keypair.json")
	if cfg.KeypairPath != want {
		t.Fatalf("expected keypair_path to default to %q, got %q", want, cfg.KeypairPath)
	}
}

func TestLoadFillsDefaultBuckets(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Buckets) != 7 {
		t.Fatalf("expected 7 default buckets, got %d", len(cfg.Buckets))
	}
}

func TestLoadClampsHistoryWindowMinimum(t *testing.T) {
	t.Setenv("VEIL_HISTORY_WINDOW", "10")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HistoryWindow != 32 {
		t.Fatalf("expected history_window 10 to be clamped to 32, got %d", cfg.HistoryWindow)
	}
}
