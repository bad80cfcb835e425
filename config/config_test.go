package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr :8080, got %s", cfg.Addr)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env development, got %s", cfg.Env)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("expected IsDevelopment() true by default")
	}
	if len(cfg.SupportedNetworks) == 0 {
		t.Fatal("expected non-empty default supported networks")
	}
	if cfg.CacheTTLHot != 30*time.Second {
		t.Fatalf("expected default hot TTL 30s, got %s", cfg.CacheTTLHot)
	}
}

func TestNetworkTimeoutFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	if got := cfg.NetworkTimeout("unknown-network"); got != cfg.DefaultTimeout {
		t.Fatalf("expected unknown network to use default timeout %s, got %s", cfg.DefaultTimeout, got)
	}
	if got := cfg.NetworkTimeout("ethereum"); got != 30*time.Second {
		t.Fatalf("expected ethereum timeout 30s, got %s", got)
	}
}

func TestSupportsNetwork(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	if !cfg.SupportsNetwork("ethereum") {
		t.Fatal("expected ethereum to be supported by default")
	}
	if cfg.SupportsNetwork("not-a-real-network") {
		t.Fatal("expected unsupported network to return false")
	}
}

func TestGetEnvListOverride(t *testing.T) {
	clearEnv(t)
	os.Setenv("SUPPORTED_NETWORKS", "ethereum, polygon")
	defer os.Unsetenv("SUPPORTED_NETWORKS")

	cfg := Load()
	if len(cfg.SupportedNetworks) != 2 {
		t.Fatalf("expected 2 networks, got %d: %v", len(cfg.SupportedNetworks), cfg.SupportedNetworks)
	}
}

func TestPopularTokenPairsDefaultAndOverride(t *testing.T) {
	clearEnv(t)
	cfg := Load()
	if len(cfg.PopularTokenPairs) == 0 {
		t.Fatal("expected a non-empty default set of popular token pairs")
	}

	os.Setenv("POPULAR_TOKEN_PAIRS", "0xAAAA:ethereum,0xbbbb:polygon")
	defer os.Unsetenv("POPULAR_TOKEN_PAIRS")
	cfg = Load()
	if len(cfg.PopularTokenPairs) != 2 {
		t.Fatalf("expected 2 pairs, got %d: %v", len(cfg.PopularTokenPairs), cfg.PopularTokenPairs)
	}
	if cfg.PopularTokenPairs[0].Token != "0xaaaa" {
		t.Fatalf("expected token lowercased, got %s", cfg.PopularTokenPairs[0].Token)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ORACLE_ADDR", "ENV", "SUPPORTED_NETWORKS", "CACHE_TTL_HOT_SEC",
	} {
		os.Unsetenv(k)
	}
}
