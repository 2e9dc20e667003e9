// Package config loads the immutable runtime configuration. It is built
// once at startup and handed to every component; nothing reads it ambiently.
package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/olaccursed/ico-bot/rates"
	"github.com/olaccursed/ico-bot/router"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for icod.
type Config struct {
	Env           string             `yaml:"env"`
	ListenAddress string             `yaml:"listen"`
	DatabasePath  string             `yaml:"database"`
	Sale          SaleConfig         `yaml:"sale"`
	Rates         RatesConfig        `yaml:"rates"`
	Messaging     MessagingConfig    `yaml:"messaging"`
	Wallets       WalletsConfig      `yaml:"wallets"`
	Accumulation  AccumulationConfig `yaml:"accumulation"`
	Payout        PayoutConfig       `yaml:"payout"`
	Reconcile     ReconcileConfig    `yaml:"reconcile"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// SaleConfig carries the sale parameters.
type SaleConfig struct {
	TokenName     string    `yaml:"token_name"`
	Asset         string    `yaml:"asset"`
	TotalTokens   int64     `yaml:"total_tokens"`
	TokenPriceUSD string    `yaml:"token_price_usd"`
	Start         time.Time `yaml:"start"`
	End           time.Time `yaml:"end"`
	Distribution  string    `yaml:"distribution"`
	Sampling      string    `yaml:"sampling"`
	Refunds       bool      `yaml:"refunds"`
}

// TokenPrice parses the configured USD price of one token.
func (s SaleConfig) TokenPrice() (*big.Rat, error) {
	price, ok := new(big.Rat).SetString(strings.TrimSpace(s.TokenPriceUSD))
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("invalid token price %q", s.TokenPriceUSD)
	}
	return price, nil
}

// DistributionPolicy returns the typed distribution policy.
func (s SaleConfig) DistributionPolicy() router.Distribution {
	d, _ := router.ParseDistribution(s.Distribution)
	return d
}

// SamplingPolicy returns the typed sampling policy.
func (s SaleConfig) SamplingPolicy() rates.SamplingPolicy {
	return rates.SamplingPolicy(strings.ToLower(strings.TrimSpace(s.Sampling)))
}

// RatesConfig configures the rate oracle.
type RatesConfig struct {
	RefreshInterval Duration `yaml:"refresh_interval"`
	// Endpoint overrides the public simple-price API, mainly for tests.
	Endpoint string `yaml:"endpoint"`
	// Fixed pins static USD prices per currency instead of polling. Keys
	// are currency symbols, values decimal strings.
	Fixed map[string]string `yaml:"fixed"`
}

// MessagingConfig configures the buyer channel and operator alerts.
type MessagingConfig struct {
	HubURL       string  `yaml:"hub_url"`
	HubToken     string  `yaml:"hub_token"`
	PerSecond    float64 `yaml:"per_second"`
	Burst        int     `yaml:"burst"`
	AlertWebhook string  `yaml:"alert_webhook"`
}

// WalletsConfig holds the three node endpoints.
type WalletsConfig struct {
	Native   NativeWalletConfig   `yaml:"native"`
	Bitcoin  BitcoinWalletConfig  `yaml:"bitcoin"`
	Ethereum EthereumWalletConfig `yaml:"ethereum"`
}

// NativeWalletConfig points at the headless wallet daemon.
type NativeWalletConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AuthToken string `yaml:"auth_token"`
}

// BitcoinWalletConfig points at the bitcoind JSON-RPC endpoint.
type BitcoinWalletConfig struct {
	Endpoint         string `yaml:"endpoint"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	MinConfirmations int64  `yaml:"min_confirmations"`
}

// EthereumWalletConfig points at the geth node.
type EthereumWalletConfig struct {
	Endpoint string `yaml:"endpoint"`
	// Password unlocks funding accounts for sweeping.
	Password string `yaml:"password"`
}

// AccumulationConfig tunes the per-network treasury sweeps. A network with
// no treasury address configured is simply not swept.
type AccumulationConfig struct {
	Native   NativeSweepConfig   `yaml:"native"`
	Bitcoin  BitcoinSweepConfig  `yaml:"bitcoin"`
	Ethereum EthereumSweepConfig `yaml:"ethereum"`
}

// NativeSweepConfig tunes the native-network sweep.
type NativeSweepConfig struct {
	TreasuryAddress   string   `yaml:"treasury_address"`
	TreasuryDevice    string   `yaml:"treasury_device"`
	MinBalance        int64    `yaml:"min_balance"`
	MinSweep          int64    `yaml:"min_sweep"`
	MaxBatchAddresses int      `yaml:"max_batch_addresses"`
	Interval          Duration `yaml:"interval"`
	InitialDelay      Duration `yaml:"initial_delay"`
}

// BitcoinSweepConfig tunes the first-gen chain sweep. Amounts are satoshi.
type BitcoinSweepConfig struct {
	TreasuryAddress string   `yaml:"treasury_address"`
	Floor           int64    `yaml:"floor"`
	FeeReserve      int64    `yaml:"fee_reserve"`
	Interval        Duration `yaml:"interval"`
	InitialDelay    Duration `yaml:"initial_delay"`
}

// EthereumSweepConfig tunes the account-chain sweep.
type EthereumSweepConfig struct {
	TreasuryAddress string   `yaml:"treasury_address"`
	GasLimit        uint64   `yaml:"gas_limit"`
	Interval        Duration `yaml:"interval"`
	InitialDelay    Duration `yaml:"initial_delay"`
}

// PayoutConfig tunes the dispatcher and the catch-up sweep.
type PayoutConfig struct {
	CatchupInterval Duration `yaml:"catchup_interval"`
	CatchupDelay    Duration `yaml:"catchup_delay"`
	PauseOnStart    bool     `yaml:"pause"`
}

// ReconcileConfig tunes the conservation check.
type ReconcileConfig struct {
	Interval     Duration `yaml:"interval"`
	InitialDelay Duration `yaml:"initial_delay"`
}

// LoggingConfig configures the optional rotating file sink.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "production"
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "./data/ico.db"
	}
	if cfg.Sale.Distribution == "" {
		cfg.Sale.Distribution = string(router.DistributionRealTime)
	}
	if cfg.Sale.Sampling == "" {
		cfg.Sale.Sampling = string(rates.SampleAtObservation)
	}
	if cfg.Sale.TokenName == "" {
		cfg.Sale.TokenName = "tokens"
	}
	if cfg.Rates.RefreshInterval.Duration <= 0 {
		cfg.Rates.RefreshInterval.Duration = time.Minute
	}
	if cfg.Messaging.PerSecond <= 0 {
		cfg.Messaging.PerSecond = 10
	}
	if cfg.Messaging.Burst <= 0 {
		cfg.Messaging.Burst = 20
	}
	if cfg.Wallets.Bitcoin.MinConfirmations <= 0 {
		cfg.Wallets.Bitcoin.MinConfirmations = 2
	}
	if cfg.Payout.CatchupInterval.Duration <= 0 {
		cfg.Payout.CatchupInterval.Duration = 10 * time.Minute
	}
	if cfg.Reconcile.Interval.Duration <= 0 {
		cfg.Reconcile.Interval.Duration = time.Hour
	}
}

func validate(cfg Config) error {
	if cfg.Sale.Asset == "" {
		return fmt.Errorf("sale.asset is required")
	}
	if cfg.Sale.TotalTokens <= 0 {
		return fmt.Errorf("sale.total_tokens must be positive")
	}
	if _, err := cfg.Sale.TokenPrice(); err != nil {
		return fmt.Errorf("sale.token_price_usd: %w", err)
	}
	distribution, ok := router.ParseDistribution(cfg.Sale.Distribution)
	if !ok {
		return fmt.Errorf("sale.distribution must be %q or %q", router.DistributionRealTime, router.DistributionOneTime)
	}
	switch cfg.Sale.SamplingPolicy() {
	case rates.SampleAtObservation, rates.SampleAtDistribution:
	default:
		return fmt.Errorf("sale.sampling must be %q or %q", rates.SampleAtObservation, rates.SampleAtDistribution)
	}
	if distribution == router.DistributionRealTime && cfg.Sale.SamplingPolicy() != rates.SampleAtObservation {
		// Real-time payouts follow immediately on stabilisation, so the
		// deferred sampling policy would be indistinguishable yet leave
		// the frozen quantity unset in the audit trail.
		return fmt.Errorf("real-time distribution requires observation sampling")
	}
	if !cfg.Sale.Start.IsZero() && !cfg.Sale.End.IsZero() && cfg.Sale.End.Before(cfg.Sale.Start) {
		return fmt.Errorf("sale.end precedes sale.start")
	}
	if cfg.Wallets.Native.Endpoint == "" {
		return fmt.Errorf("wallets.native.endpoint is required")
	}
	if cfg.Accumulation.Native.TreasuryAddress != "" && cfg.Accumulation.Native.MinBalance <= 0 {
		return fmt.Errorf("accumulation.native.min_balance must be positive when a treasury is set")
	}
	return nil
}
