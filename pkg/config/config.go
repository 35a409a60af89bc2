// Package config provides a reusable loader for veil-relayer configuration:
// an optional YAML file merged with environment variables, all fields
// defaulted so a bare `veil-relayer` with no flags still starts.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/synnergy-network/veil-relayer/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Bucket describes one fixed-denomination pool.
type Bucket struct {
	ID     int    `mapstructure:"id" json:"id"`
	Amount uint64 `mapstructure:"amount" json:"amount"`
}

// Config is the unified configuration for the relayer daemon. Field names
// mirror the VEIL_-prefixed environment variables operators set at deploy
// time.
type Config struct {
	RPCURL            string `mapstructure:"rpc_url" json:"rpc_url"`
	KeypairPath       string `mapstructure:"keypair_path" json:"keypair_path"`
	TreasuryKeypair   string `mapstructure:"treasury_keypair_path" json:"treasury_keypair_path"`
	FeeBps            uint64 `mapstructure:"fee_bps" json:"fee_bps"`
	HTTPPort          int    `mapstructure:"http_port" json:"http_port"`
	StateDir          string `mapstructure:"state_dir" json:"state_dir"`
	OverlayRequired   bool   `mapstructure:"anonymizing_overlay_required" json:"anonymizing_overlay_required"`
	DevMode           bool   `mapstructure:"dev_mode" json:"dev_mode"`
	PoolProgramID     string `mapstructure:"pool_program_id" json:"pool_program_id"`
	VerifierProgramID string `mapstructure:"verifier_program_id" json:"verifier_program_id"`

	HistoryWindow        int `mapstructure:"history_window" json:"history_window"`
	ScanThreshold         int `mapstructure:"scan_threshold" json:"scan_threshold"`
	SchedulerPollSeconds  int `mapstructure:"scheduler_poll_seconds" json:"scheduler_poll_seconds"`
	RentExemptMinimum     uint64 `mapstructure:"rent_exempt_minimum" json:"rent_exempt_minimum"`

	Buckets []Bucket `mapstructure:"buckets" json:"buckets"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
	} `mapstructure:"logging" json:"logging"`
}

// defaultBuckets are the 7 fixed denominations pools are keyed by,
// expressed in base currency units (lamports for a Solana-shaped ledger).
func defaultBuckets() []Bucket {
	amounts := []uint64{
		100_000_000,     // 0.1
		500_000_000,     // 0.5
		1_000_000_000,   // 1
		5_000_000_000,   // 5
		10_000_000_000,  // 10
		50_000_000_000,  // 50
		100_000_000_000, // 100
	}
	out := make([]Bucket, len(amounts))
	for i, a := range amounts {
		out[i] = Bucket{ID: i, Amount: a}
	}
	return out
}

// AppConfig holds the configuration loaded via Load.
var AppConfig Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc_url", "http://127.0.0.1:8899")
	v.SetDefault("keypair_path", "")
	v.SetDefault("treasury_keypair_path", "")
	v.SetDefault("fee_bps", 50)
	v.SetDefault("http_port", 8080)
	v.SetDefault("state_dir", "./state")
	v.SetDefault("anonymizing_overlay_required", true)
	v.SetDefault("dev_mode", false)
	v.SetDefault("pool_program_id", "")
	v.SetDefault("verifier_program_id", "")
	v.SetDefault("history_window", 64)
	v.SetDefault("scan_threshold", 50)
	v.SetDefault("scheduler_poll_seconds", 30)
	v.SetDefault("rent_exempt_minimum", 890880)
	v.SetDefault("logging.level", "info")
}

// Load reads an optional YAML config file (configFile, may be empty) and
// merges environment variable overrides on top, using VEIL_ prefixed,
// underscore-separated keys (e.g. VEIL_HTTP_PORT). The result is stored in
// AppConfig and returned.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("veil")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("read config file %s", configFile))
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if len(cfg.Buckets) == 0 {
		cfg.Buckets = defaultBuckets()
	}
	if cfg.HistoryWindow < 32 {
		cfg.HistoryWindow = 32
	}
	if cfg.KeypairPath == "" {
		cfg.KeypairPath = filepath.Join(cfg.StateDir, "deposit_keypair.json")
	}

	AppConfig = cfg
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the VEIL_CONFIG_FILE environment
// variable to locate an optional override file.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("VEIL_CONFIG_FILE", ""))
}
