package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Board.Velocity != 20 || cfg.Board.SprintDays != 7 {
		t.Fatalf("board defaults = %d/%d, want 20/7", cfg.Board.Velocity, cfg.Board.SprintDays)
	}
	if cfg.Approval.TimeoutHours != 24 {
		t.Fatalf("timeout hours = %d, want 24", cfg.Approval.TimeoutHours)
	}
	if cfg.Defects.Assignees.Implementation != "Alex" || cfg.Defects.EscalateTo != "Alice" {
		t.Fatalf("unexpected defect defaults: %+v", cfg.Defects)
	}
	if len(cfg.Actors) != 4 {
		t.Fatalf("actors = %v, want 4 defaults", cfg.Actors)
	}
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("board:\n  velocity: 13\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Board.Velocity != 13 {
		t.Fatalf("velocity = %d, want 13", cfg.Board.Velocity)
	}
	if cfg.Board.SprintDays != 7 {
		t.Fatalf("sprint days = %d, want default 7", cfg.Board.SprintDays)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"driver":    "storage:\n  driver: redis\n",
		"velocity":  "board:\n  velocity: 0\n",
		"broadcast": "actors: [all]\n",
		"webhook":   "webhooks:\n  - events: [\"*\"]\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadPrefersYAMLThenTOML(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	toml := "[board]\nvelocity = 8\n\n[defects]\nmax_retries = 5\n"
	if err := os.WriteFile(filepath.Join(dir, TOMLFileName), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Board.Velocity != 8 || cfg.Defects.MaxRetries != 5 {
		t.Fatalf("toml values not applied: %+v", cfg.Board)
	}
	if err := os.WriteFile(Path(dir), []byte("board:\n  velocity: 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if cfg.Board.Velocity != 5 {
		t.Fatalf("velocity = %d, want yaml value 5", cfg.Board.Velocity)
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := Path(dir)
	if err := os.WriteFile(path, []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { changes <- c }, nil)
	}()
	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("approval:\n  auto_approve: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		if !cfg.Approval.AutoApprove {
			t.Fatalf("auto approve not reloaded")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for reload")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned error: %v", err)
	}
}
