package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadConfig_Defaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	for _, key := range []string{
		"SERVER_PORT", "PORT", "APPLIED_EVENT_RETENTION", "ISSUANCE_MAX_ATTEMPTS",
		"ISSUANCE_RETRY_BASE_SECONDS", "ISSUANCE_SWEEP_SCHEDULE",
		"REDEEM_RATE_LIMIT_PER_MINUTE", "EVENT_RATE_LIMIT_PER_MINUTE",
	} {
		unsetEnvWithCleanup(t, key)
	}

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "8086" {
		t.Fatalf("expected default port 8086, got %q", cfg.ServerPort)
	}
	if cfg.AppliedEventRetention != 1000 {
		t.Fatalf("expected default retention 1000, got %d", cfg.AppliedEventRetention)
	}
	if cfg.IssuanceMaxAttempts != 5 {
		t.Fatalf("expected default max attempts 5, got %d", cfg.IssuanceMaxAttempts)
	}
	if cfg.IssuanceRetryBaseSeconds != 30 {
		t.Fatalf("expected default retry base 30s, got %d", cfg.IssuanceRetryBaseSeconds)
	}
	if cfg.IssuanceSweepSchedule != "@every 1m" {
		t.Fatalf("expected default sweep schedule, got %q", cfg.IssuanceSweepSchedule)
	}
	if cfg.RedeemRateLimitPerMinute != 10 {
		t.Fatalf("expected default redeem limit 10, got %d", cfg.RedeemRateLimitPerMinute)
	}
}

func TestLoadConfig_UsesLoyaltyServiceInternalAPIKeyAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	unsetEnvWithCleanup(t, "INTERNAL_API_KEY")
	setEnvWithCleanup(t, "LOYALTY_SERVICE_INTERNAL_API_KEY", "alias-only-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "alias-only-key" {
		t.Fatalf("expected InternalAPIKey from alias env var, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_InternalAPIKeyTakesPrecedenceOverAlias(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "INTERNAL_API_KEY", "primary-key")
	setEnvWithCleanup(t, "LOYALTY_SERVICE_INTERNAL_API_KEY", "alias-key")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.InternalAPIKey != "primary-key" {
		t.Fatalf("expected InternalAPIKey to prioritize INTERNAL_API_KEY, got %q", cfg.InternalAPIKey)
	}
}

func TestLoadConfig_PortEnvOverridesServerPort(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "SERVER_PORT", "8086")
	setEnvWithCleanup(t, "PORT", "9999")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.ServerPort != "9999" {
		t.Fatalf("expected PORT to win, got %q", cfg.ServerPort)
	}
}

func TestLoadConfig_InvalidRetentionFallsBackToDefault(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "APPLIED_EVENT_RETENTION", "-5")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.AppliedEventRetention != 1000 {
		t.Fatalf("expected invalid retention to fall back to 1000, got %d", cfg.AppliedEventRetention)
	}
}

func TestLoadConfig_NegativeRateLimitsDisabled(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	setEnvWithCleanup(t, "REDEEM_RATE_LIMIT_PER_MINUTE", "-1")
	setEnvWithCleanup(t, "EVENT_RATE_LIMIT_PER_MINUTE", "-3")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.RedeemRateLimitPerMinute != 0 || cfg.EventRateLimitPerMinute != 0 {
		t.Fatalf("expected negative limits coerced to 0, got %d and %d",
			cfg.RedeemRateLimitPerMinute, cfg.EventRateLimitPerMinute)
	}
}

func setEnvWithCleanup(t *testing.T, key string, value string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("failed to set env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}

func unsetEnvWithCleanup(t *testing.T, key string) {
	t.Helper()
	prev, hadPrev := os.LookupEnv(key)
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("failed to unset env %s: %v", key, err)
	}
	t.Cleanup(func() {
		if hadPrev {
			_ = os.Setenv(key, prev)
			return
		}
		_ = os.Unsetenv(key)
	})
}
