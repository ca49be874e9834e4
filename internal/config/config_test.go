package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
ethereum:
  oracle_address: "0x00000000000000000000000000000000000000a1"
  pool_core_address: "0x00000000000000000000000000000000000000b2"
settlement:
  excluded_pools: [0, 1, 7]
oddyssey:
  popular_leagues: [8, 564]
  start_at: "23:45"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Scheduler.Settlement.Interval != 5*time.Minute {
		t.Fatalf("settlement interval default should be 5m, got %s", cfg.Scheduler.Settlement.Interval)
	}
	if cfg.Scheduler.Resolver.Interval != time.Minute {
		t.Fatalf("resolver interval default should be 1m, got %s", cfg.Scheduler.Resolver.Interval)
	}
	if len(cfg.Settlement.SubmitBackoff) != 3 || cfg.Settlement.SubmitBackoff[2] != 8*time.Second {
		t.Fatalf("unexpected submit backoff %v", cfg.Settlement.SubmitBackoff)
	}
	if len(cfg.Settlement.ExcludedPools) != 3 || cfg.Settlement.ExcludedPools[2] != 7 {
		t.Fatalf("unexpected excluded pools %v", cfg.Settlement.ExcludedPools)
	}
	h, m, err := cfg.Oddyssey.StartClock()
	if err != nil || h != 23 || m != 45 {
		t.Fatalf("unexpected start clock %d:%d (%v)", h, m, err)
	}
}

func TestValidateRejectsBadAddress(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("ethereum:\n  oracle_address: \"not-an-address\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid oracle address should fail validation")
	}
}

func TestValidateRejectsBadStartClock(t *testing.T) {
	cfg := Config{
		Settlement: SettlementConfig{SubmitBackoff: []time.Duration{time.Second}},
		Ingestion:  IngestionConfig{BatchSize: 1, Concurrency: 1},
		ChainSync:  ChainSyncConfig{MaxBlockRange: 10},
		Oddyssey:   OddysseyConfig{StarterEnabled: true, StartAt: "25:99", EvaluationBatchSize: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("invalid start_at should fail validation")
	}
}
