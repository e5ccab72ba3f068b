// Copyright 2025 zkroll
//
// Configuration loading: required fields come from environment
// variables with explicit names and no silent defaults (Load()
// convention below); the larger struct-shaped options — sealing
// policy, retry/fee-bump curve, per-stage channel capacities — are
// unwieldy as flat env vars, so they're also accepted as an optional
// YAML overlay file (SEQUENCER_CONFIG_FILE), with ${VAR_NAME} entries
// substituted from the environment before parsing.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be written as "30s" in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// SealingPolicy mirrors batcher.Config (spec §4.8).
type SealingPolicy struct {
	MaxBlocks     int      `yaml:"max_blocks"`
	MaxWordBudget int      `yaml:"max_word_budget"`
	SealDeadline  Duration `yaml:"seal_deadline"`
}

// RetryPolicy mirrors l1senders.RetryPolicy (spec §4.9).
type RetryPolicy struct {
	MaxAttempts          int      `yaml:"max_attempts"`
	InitialGasPriceGwei  int64    `yaml:"initial_gas_price_gwei"`
	GasBumpPercent       int64    `yaml:"gas_bump_percent"`
	RetryInterval        Duration `yaml:"retry_interval"`
	ReceiptPollInterval  Duration `yaml:"receipt_poll_interval"`
}

// ChannelCapacities sizes every bounded channel the pipeline fabric
// wires between components (spec §5). A zero value gives an unbuffered
// channel; no default capacity is substituted.
type ChannelCapacities struct {
	ExecutorToBatcher int `yaml:"executor_to_batcher"`
	SealedBatches     int `yaml:"sealed_batches"`
	CommittedBatches  int `yaml:"committed_batches"`
	ProvenBatches     int `yaml:"proven_batches"`
	ProofSubmissions  int `yaml:"proof_submissions"`
}

// Overlay is the optional YAML-file-shaped configuration: the options
// that are awkward as flat env vars.
type Overlay struct {
	Sealing  SealingPolicy     `yaml:"sealing"`
	Retry    RetryPolicy       `yaml:"retry"`
	Channels ChannelCapacities `yaml:"channels"`
}

// Config holds every option the sequencer node needs to start.
type Config struct {
	// Storage
	DataDir     string // base directory for the six cometbft-db namespaces
	DatabaseURL string // Postgres DSN for the receipt repository

	// L1 transport
	EthereumURL       string
	EthChainID        int64
	EthPrivateKey     string
	ContractAddress   string

	// Node identity / mode
	NodeID       string
	ReplayPeer   string // non-empty => external-node mode: pull WAL from this peer, skip producer + L1 senders
	UseDummyProver     bool
	DummyProverInterval Duration

	// Block production
	BlockInterval   Duration
	MaxTxsPerBlock  int
	ZkProgramPath   string // risc-style binary program the batcher traces

	// WAL group commit
	WALCommitWindow Duration
	WALCommitCount  int

	// Server
	RPCAddr    string
	HealthAddr string
	LogLevel   string

	// Struct-shaped options, loadable from an optional YAML overlay.
	Sealing  SealingPolicy
	Retry    RetryPolicy
	Channels ChannelCapacities
}

// Load reads required configuration from environment variables and, if
// SEQUENCER_CONFIG_FILE is set, overlays the struct-shaped options from
// that YAML file. Call Validate() afterward.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:     getEnv("DATA_DIR", "./data"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		EthereumURL:     getEnv("ETHEREUM_URL", ""),
		EthChainID:      getEnvInt64("ETH_CHAIN_ID", 11155111),
		EthPrivateKey:   getEnv("ETH_PRIVATE_KEY", ""),
		ContractAddress: getEnv("SEQUENCER_CONTRACT_ADDRESS", ""),

		NodeID:              getEnv("NODE_ID", "sequencer-0"),
		ReplayPeer:          getEnv("REPLAY_PEER", ""),
		UseDummyProver:      getEnvBool("USE_DUMMY_PROVER", false),
		DummyProverInterval: Duration(getEnvDuration("DUMMY_PROVER_INTERVAL", 5*time.Second)),

		BlockInterval:  Duration(getEnvDuration("BLOCK_INTERVAL", 2*time.Second)),
		MaxTxsPerBlock: getEnvInt("MAX_TXS_PER_BLOCK", 500),
		ZkProgramPath:  getEnv("ZK_PROGRAM_PATH", ""),

		WALCommitWindow: Duration(getEnvDuration("WAL_COMMIT_WINDOW", 50*time.Millisecond)),
		WALCommitCount:  getEnvInt("WAL_COMMIT_COUNT", 64),

		RPCAddr:    getEnv("RPC_ADDR", "0.0.0.0:8080"),
		HealthAddr: getEnv("HEALTH_ADDR", "0.0.0.0:8081"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		Sealing: SealingPolicy{
			MaxBlocks:     getEnvInt("SEAL_MAX_BLOCKS", 64),
			MaxWordBudget: getEnvInt("SEAL_MAX_WORD_BUDGET", 4<<20),
			SealDeadline:  Duration(getEnvDuration("SEAL_DEADLINE", 30*time.Second)),
		},
		Retry: RetryPolicy{
			MaxAttempts:         getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			InitialGasPriceGwei: getEnvInt64("RETRY_INITIAL_GAS_PRICE_GWEI", 1),
			GasBumpPercent:      getEnvInt64("RETRY_GAS_BUMP_PERCENT", 15),
			RetryInterval:       Duration(getEnvDuration("RETRY_INTERVAL", 10*time.Second)),
			ReceiptPollInterval: Duration(getEnvDuration("RETRY_RECEIPT_POLL_INTERVAL", 2*time.Second)),
		},
		Channels: ChannelCapacities{
			ExecutorToBatcher: getEnvInt("CHAN_EXECUTOR_TO_BATCHER", 16),
			SealedBatches:     getEnvInt("CHAN_SEALED_BATCHES", 16),
			CommittedBatches:  getEnvInt("CHAN_COMMITTED_BATCHES", 16),
			ProvenBatches:     getEnvInt("CHAN_PROVEN_BATCHES", 16),
			ProofSubmissions:  getEnvInt("CHAN_PROOF_SUBMISSIONS", 16),
		},
	}

	if path := getEnv("SEQUENCER_CONFIG_FILE", ""); path != "" {
		if err := cfg.overlayFromFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) overlayFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read overlay %s: %w", path, err)
	}

	var overlay Overlay
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), &overlay); err != nil {
		return fmt.Errorf("config: parse overlay %s: %w", path, err)
	}

	if overlay.Sealing.MaxBlocks != 0 {
		c.Sealing = overlay.Sealing
	}
	if overlay.Retry.MaxAttempts != 0 {
		c.Retry = overlay.Retry
	}
	if overlay.Channels != (ChannelCapacities{}) {
		c.Channels = overlay.Channels
	}
	return nil
}

// Validate checks that the options a production run cannot do without
// are present.
func (c *Config) Validate() error {
	var errs []string
	if c.EthereumURL == "" {
		errs = append(errs, "ETHEREUM_URL is required but not set")
	}
	if c.ContractAddress == "" {
		errs = append(errs, "SEQUENCER_CONTRACT_ADDRESS is required but not set")
	}
	if c.ReplayPeer == "" {
		// producing node: needs L1 write credentials
		if c.EthPrivateKey == "" {
			errs = append(errs, "ETH_PRIVATE_KEY is required but not set")
		}
		if c.DatabaseURL == "" {
			errs = append(errs, "DATABASE_URL is required but not set")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} in a
// YAML overlay file with environment variable values, so the same file
// can be checked into source control across environments.
func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
