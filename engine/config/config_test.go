package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	settings, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LeaseTTL != 30*time.Second {
		t.Errorf("LeaseTTL = %v, want 30s", settings.LeaseTTL)
	}
	if settings.SnapshotEveryNSteps != 5 {
		t.Errorf("SnapshotEveryNSteps = %d, want 5", settings.SnapshotEveryNSteps)
	}
	if settings.RetryMaxAttempts != 1 {
		t.Errorf("RetryMaxAttempts = %d, want 1", settings.RetryMaxAttempts)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("COREWF_LEASE_TTL", "45s")
	t.Setenv("COREWF_RETRY_MAX_ATTEMPTS", "3")

	settings, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings.LeaseTTL != 45*time.Second {
		t.Errorf("LeaseTTL = %v, want 45s", settings.LeaseTTL)
	}
	if settings.RetryMaxAttempts != 3 {
		t.Errorf("RetryMaxAttempts = %d, want 3", settings.RetryMaxAttempts)
	}
}

func TestLoadMissingExplicitConfigFileErrors(t *testing.T) {
	path := os.TempDir() + "/corewf-config-does-not-exist.yaml"
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for a missing explicit config path")
	}
}

func TestOptions(t *testing.T) {
	t.Run("omits optional options when zero", func(t *testing.T) {
		settings := EngineSettings{
			LeaseTTL:                30 * time.Second,
			SnapshotEveryNSteps:     5,
			InlineSnapshotThreshold: 1024,
			DefaultStepTimeout:      30 * time.Second,
		}
		opts := settings.Options()
		if len(opts) != 4 {
			t.Fatalf("got %d options, want 4 (heartbeat/budget/retry all zero)", len(opts))
		}
	})

	t.Run("includes optional options when set", func(t *testing.T) {
		settings := EngineSettings{
			LeaseTTL:            30 * time.Second,
			SnapshotEveryNSteps: 5,
			DefaultStepTimeout:  30 * time.Second,
			HeartbeatInterval:   10 * time.Second,
			RunWallClockBudget:  time.Hour,
			RetryMaxAttempts:    3,
			RetryBaseDelay:      time.Second,
			RetryMaxDelay:       time.Minute,
		}
		opts := settings.Options()
		if len(opts) != 7 {
			t.Fatalf("got %d options, want 7 (4 base + heartbeat + budget + retry)", len(opts))
		}
	})
}
