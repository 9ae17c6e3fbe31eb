package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	// Shield the test from ambient environment.
	for _, key := range []string{"PORT", "ARK_API_KEY", "ARK_ACCESS_KEY", "ARK_SECRET_KEY", "ARK_MODEL", "RELAY_DELIVERY_MODE", "RELAY_CHUNK_DELAY_MS", "RELAY_KEEP_PARTIAL_ON_CANCEL", "AI_TOOL_CHOICE"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected default addr: %s", cfg.Server.Addr)
	}
	if cfg.Relay.DeliveryMode != DeliveryModePush {
		t.Fatalf("unexpected default delivery mode: %s", cfg.Relay.DeliveryMode)
	}
	if cfg.Relay.ChunkDelay != 0 {
		t.Fatalf("expected pacing disabled by default, got %s", cfg.Relay.ChunkDelay)
	}
	if cfg.Relay.KeepPartialOnCancel {
		t.Fatal("expected partial turns discarded on cancel by default")
	}
	if cfg.AI.ToolChoice != ToolChoiceAuto {
		t.Fatalf("unexpected default tool choice: %s", cfg.AI.ToolChoice)
	}
	if cfg.AI.Enabled() {
		t.Fatal("AI must be disabled without credentials")
	}
}

func TestLoadRelayOverrides(t *testing.T) {
	t.Setenv("RELAY_DELIVERY_MODE", "direct")
	t.Setenv("RELAY_CHUNK_DELAY_MS", "50")
	t.Setenv("RELAY_KEEP_PARTIAL_ON_CANCEL", "true")
	t.Setenv("SESSION_IDLE_TTL_MINUTES", "30")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}

	if cfg.Relay.DeliveryMode != DeliveryModeDirect {
		t.Fatalf("unexpected delivery mode: %s", cfg.Relay.DeliveryMode)
	}
	if cfg.Relay.ChunkDelay != 50*time.Millisecond {
		t.Fatalf("unexpected chunk delay: %s", cfg.Relay.ChunkDelay)
	}
	if !cfg.Relay.KeepPartialOnCancel {
		t.Fatal("expected KeepPartialOnCancel true")
	}
	if cfg.Relay.SessionIdleTTL != 30*time.Minute {
		t.Fatalf("unexpected idle TTL: %s", cfg.Relay.SessionIdleTTL)
	}
}

func TestLoadRejectsInvalidDeliveryMode(t *testing.T) {
	t.Setenv("RELAY_DELIVERY_MODE", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid delivery mode")
	}
}

func TestLoadToolChoiceOverride(t *testing.T) {
	t.Setenv("AI_TOOL_CHOICE", "none")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if cfg.AI.ToolChoice != ToolChoiceNone {
		t.Fatalf("unexpected tool choice: %s", cfg.AI.ToolChoice)
	}
}

func TestLoadRejectsInvalidToolChoice(t *testing.T) {
	t.Setenv("AI_TOOL_CHOICE", "sometimes")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid tool choice")
	}
}

func TestLoadRejectsNegativeChunkDelay(t *testing.T) {
	t.Setenv("RELAY_CHUNK_DELAY_MS", "-5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for negative chunk delay")
	}
}

func TestAIEnabledWithAPIKey(t *testing.T) {
	t.Setenv("ARK_API_KEY", "test-key")
	t.Setenv("ARK_MODEL", "test-model")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load err: %v", err)
	}
	if !cfg.AI.Enabled() {
		t.Fatal("expected AI enabled with api key and model")
	}
}
