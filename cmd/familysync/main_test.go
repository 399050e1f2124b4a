package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/familysync/familysync/internal/config"
)

func TestStorageProfileDefaults(t *testing.T) {
	state, queue, err := storageProfileDefaults("memory", "", "")
	if err != nil || state != "memory://" || queue != "memory://" {
		t.Fatalf("expected memory profile, got %q %q %v", state, queue, err)
	}

	state, queue, err = storageProfileDefaults("durable-local", "/var/lib/familysync", "")
	if err != nil {
		t.Fatalf("durable-local profile failed: %v", err)
	}
	if state != "file://"+filepath.Join("/var/lib/familysync", "state.json") {
		t.Fatalf("unexpected durable state dsn %q", state)
	}
	if queue != "file://"+filepath.Join("/var/lib/familysync", "push-queue.json") {
		t.Fatalf("unexpected durable queue dsn %q", queue)
	}

	state, queue, err = storageProfileDefaults("PROD", "", "postgres://db/familysync")
	if err != nil || state != "postgres://db/familysync" || queue != state {
		t.Fatalf("expected production profile to use postgres, got %q %q %v", state, queue, err)
	}
}

func TestStorageProfileErrors(t *testing.T) {
	if _, _, err := storageProfileDefaults("production", "", ""); err == nil || !strings.Contains(err.Error(), "APP_POSTGRES_DSN") {
		t.Fatalf("expected missing postgres dsn error, got %v", err)
	}
	if _, _, err := storageProfileDefaults("cloud", "", ""); err == nil {
		t.Fatalf("expected unsupported profile error")
	}
}

func TestStorageDSNsPreferExplicitValues(t *testing.T) {
	cfg := &config.Config{}
	cfg.State.Profile = "durable-local"
	cfg.State.DataDir = "data"
	cfg.Push.QueueDSN = "memory://"

	state, queue, err := storageDSNs(cfg)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if state != "file://"+filepath.Join("data", "state.json") {
		t.Fatalf("expected profile state dsn, got %q", state)
	}
	if queue != "memory://" {
		t.Fatalf("expected explicit queue dsn to win, got %q", queue)
	}

	state, queue, err = storageDSNs(&config.Config{})
	if err != nil || state != "memory://" || queue != "memory://" {
		t.Fatalf("expected in-memory fallback, got %q %q %v", state, queue, err)
	}
}

func TestSchemeOf(t *testing.T) {
	if got := schemeOf("postgres://db"); got != "postgres" {
		t.Fatalf("expected postgres, got %q", got)
	}
	if got := schemeOf("/tmp/state.json"); got != "file" {
		t.Fatalf("expected file, got %q", got)
	}
}
