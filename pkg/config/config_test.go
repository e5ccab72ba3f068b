// Copyright 2025 zkroll
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearSequencerEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATA_DIR", "DATABASE_URL", "ETHEREUM_URL", "ETH_CHAIN_ID", "ETH_PRIVATE_KEY",
		"SEQUENCER_CONTRACT_ADDRESS", "NODE_ID", "REPLAY_PEER", "USE_DUMMY_PROVER",
		"SEQUENCER_CONFIG_FILE", "SEAL_MAX_BLOCKS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearSequencerEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}
	if cfg.Sealing.MaxBlocks != 64 {
		t.Errorf("Sealing.MaxBlocks = %d, want 64", cfg.Sealing.MaxBlocks)
	}
	if cfg.WALCommitCount != 64 {
		t.Errorf("WALCommitCount = %d, want 64", cfg.WALCommitCount)
	}
}

func TestLoadReadsEnvOverrides(t *testing.T) {
	clearSequencerEnv(t)
	t.Setenv("DATA_DIR", "/tmp/custom")
	t.Setenv("SEAL_MAX_BLOCKS", "10")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/tmp/custom" {
		t.Errorf("DataDir = %q, want /tmp/custom", cfg.DataDir)
	}
	if cfg.Sealing.MaxBlocks != 10 {
		t.Errorf("Sealing.MaxBlocks = %d, want 10", cfg.Sealing.MaxBlocks)
	}
}

func TestValidateRequiresL1Config(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate on empty config should fail")
	}

	cfg.EthereumURL = "http://localhost:8545"
	cfg.ContractAddress = "0xabc"
	cfg.EthPrivateKey = "deadbeef"
	cfg.DatabaseURL = "postgres://x"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with all required fields set: %v", err)
	}
}

func TestValidateExternalNodeSkipsL1Credentials(t *testing.T) {
	cfg := &Config{
		EthereumURL:     "http://localhost:8545",
		ContractAddress: "0xabc",
		ReplayPeer:      "http://peer:8080",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate for external-node mode: %v", err)
	}
}

func TestOverlayFromFileSubstitutesEnvVars(t *testing.T) {
	clearSequencerEnv(t)
	t.Setenv("ETHEREUM_URL", "http://localhost:8545")
	t.Setenv("SEQUENCER_CONTRACT_ADDRESS", "0xabc")
	t.Setenv("ETH_PRIVATE_KEY", "deadbeef")
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("MY_MAX_BLOCKS", "7")

	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	content := "sealing:\n  max_blocks: ${MY_MAX_BLOCKS}\n  max_word_budget: 1024\n  seal_deadline: 5s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("SEQUENCER_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sealing.MaxBlocks != 7 {
		t.Errorf("Sealing.MaxBlocks = %d, want 7", cfg.Sealing.MaxBlocks)
	}
	if cfg.Sealing.SealDeadline.Duration() != 5*time.Second {
		t.Errorf("Sealing.SealDeadline = %v, want 5s", cfg.Sealing.SealDeadline.Duration())
	}
}

func TestDurationMarshalYAML(t *testing.T) {
	d := Duration(30 * time.Second)
	out, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML: %v", err)
	}
	if out != "30s" {
		t.Errorf("MarshalYAML() = %v, want \"30s\"", out)
	}
}
