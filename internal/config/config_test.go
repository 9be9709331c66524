package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestEnvOr(t *testing.T) {
	// Unset key returns fallback
	os.Unsetenv("TEST_ENVOR_KEY")
	if got := envOr("TEST_ENVOR_KEY", "default"); got != "default" {
		t.Errorf("envOr unset key = %q, want %q", got, "default")
	}

	// Set key returns value
	t.Setenv("TEST_ENVOR_KEY", "custom")
	if got := envOr("TEST_ENVOR_KEY", "default"); got != "custom" {
		t.Errorf("envOr set key = %q, want %q", got, "custom")
	}

	// Empty string returns fallback
	t.Setenv("TEST_ENVOR_KEY", "")
	if got := envOr("TEST_ENVOR_KEY", "fallback"); got != "fallback" {
		t.Errorf("envOr empty key = %q, want %q", got, "fallback")
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "ENABLED_CHAINS", "ENABLED_MODULES", "PRIVATE_KEY", "POINTS_API_URL", "PRICE_API_URL",
		"MIN_PROFIT_USD", "MAX_GAS_PRICE_GWEI", "LIQUIDATION_INTERVAL", "INFISICAL_CLIENT_ID",
		"INFISICAL_CLIENT_SECRET", "DATABASE_URL", "REDIS_URL", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want %q", cfg.Port, "8080")
	}
	if len(cfg.EnabledChains) != 0 {
		t.Errorf("EnabledChains = %v, want empty", cfg.EnabledChains)
	}
	if len(cfg.EnabledModules) != 3 {
		t.Errorf("EnabledModules = %v, want 3 modules", cfg.EnabledModules)
	}
	if !cfg.Liquidator.MinProfitUSD.Equal(decimalOr("UNSET_KEY", "10")) {
		t.Errorf("MinProfitUSD = %s, want 10", cfg.Liquidator.MinProfitUSD)
	}
	if cfg.Liquidator.CloseFactor.String() != "0.5" {
		t.Errorf("CloseFactor = %s, want 0.5", cfg.Liquidator.CloseFactor)
	}
	if cfg.Liquidator.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Liquidator.Interval)
	}
	if cfg.Points.SummaryInterval != time.Hour {
		t.Errorf("SummaryInterval = %v, want 1h", cfg.Points.SummaryInterval)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want info", cfg.LogLevel)
	}
	if cfg.PriceAPIURL != "" {
		t.Errorf("PriceAPIURL = %q, want empty", cfg.PriceAPIURL)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENABLED_CHAINS", "1, 56,bogus")
	t.Setenv("ENABLED_MODULES", "liquidator")
	t.Setenv("PRIVATE_KEY", "aa")
	t.Setenv("PRIVATE_KEY_56", "bb")
	t.Setenv("RPC_URL_56", "http://bsc")
	t.Setenv("EXCLUDED_TOKENS_1", "USDC, DAI")
	t.Setenv("POINTS_API_URL", "http://points/")
	t.Setenv("LIQUIDATION_INTERVAL", "45s")
	t.Setenv("MAX_GAS_PRICE_GWEI", "80")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := Load()

	if len(cfg.EnabledChains) != 2 || cfg.EnabledChains[0] != 1 || cfg.EnabledChains[1] != 56 {
		t.Fatalf("EnabledChains = %v, want [1 56]", cfg.EnabledChains)
	}
	if len(cfg.EnabledModules) != 1 || cfg.EnabledModules[0] != ModuleLiquidator {
		t.Errorf("EnabledModules = %v, want only liquidator", cfg.EnabledModules)
	}
	if cfg.PrivateKeys[1] != "aa" || cfg.PrivateKeys[56] != "bb" {
		t.Errorf("PrivateKeys = %v", cfg.PrivateKeys)
	}
	if cfg.RPCOverrides[56] != "http://bsc" {
		t.Errorf("RPCOverrides[56] = %q", cfg.RPCOverrides[56])
	}
	if got := cfg.Oracle.ExcludedTokens[1]; len(got) != 2 || got[1] != "DAI" {
		t.Errorf("ExcludedTokens[1] = %v", got)
	}
	if cfg.PointsAPIURL != "http://points" {
		t.Errorf("PointsAPIURL = %q, want trailing slash trimmed", cfg.PointsAPIURL)
	}
	if cfg.PriceAPIURL != "http://points/prices" {
		t.Errorf("PriceAPIURL = %q, want derived from points url", cfg.PriceAPIURL)
	}
	if cfg.Liquidator.Interval != 45*time.Second {
		t.Errorf("Interval = %v, want 45s", cfg.Liquidator.Interval)
	}
	if cfg.Oracle.MaxGasPriceGwei.String() != "80" {
		t.Errorf("Oracle.MaxGasPriceGwei = %s, want 80", cfg.Oracle.MaxGasPriceGwei)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel)
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("TEST_DURATION", "soon")
	t.Setenv("TEST_UINT", "-3")
	t.Setenv("TEST_DECIMAL", "ten")

	if got := durationOr("TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("durationOr = %v, want 1m", got)
	}
	if got := uintOr("TEST_UINT", 7); got != 7 {
		t.Errorf("uintOr = %d, want 7", got)
	}
	if got := decimalOr("TEST_DECIMAL", "1.5"); got.String() != "1.5" {
		t.Errorf("decimalOr = %s, want 1.5", got)
	}
}
