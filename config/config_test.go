package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Port != "9000" {
		t.Fatalf("expected default port 9000, got %s", cfg.Port)
	}
	if cfg.Signaling.StaleConnectionTimeout != 30*time.Second {
		t.Fatalf("unexpected stale timeout %v", cfg.Signaling.StaleConnectionTimeout)
	}
	if cfg.Rooms.MaxUsers != 10 || cfg.Rooms.MaxTexts != 50 {
		t.Fatalf("unexpected room defaults %+v", cfg.Rooms)
	}
	if cfg.Redis.Enabled() {
		t.Fatalf("redis mirror should be disabled without REDIS_HOST")
	}
}

func TestDurationsAcceptMilliseconds(t *testing.T) {
	t.Setenv("POSITION_SYNC_INTERVAL", "75")
	t.Setenv("WORKER_TIMEOUT", "2s")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	peer := LoadPeer()
	if peer.PositionSync != 75*time.Millisecond {
		t.Fatalf("expected 75ms, got %v", peer.PositionSync)
	}
	if peer.WorkerTimeout != 2*time.Second {
		t.Fatalf("expected 2s, got %v", peer.WorkerTimeout)
	}
	if peer.ReconnectAttempts != 5 {
		t.Fatalf("expected 5 reconnect attempts, got %d", peer.ReconnectAttempts)
	}

	origins := Load().AllowedOrigins
	if len(origins) != 2 || origins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %v", origins)
	}
}
