// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

const EnvPrefix = "RISKGUARD"

const (
	USDCMint   = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	NativeMint = "So11111111111111111111111111111111111111112"
)

type Config struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	PrivateKey      string        `mapstructure:"private_key"`
	MonitoredMints  []string      `mapstructure:"monitored_mints"`
	ExcludedMints   []string      `mapstructure:"excluded_mints"`
	EntryValues     []EntryValue  `mapstructure:"entry_values"`
	StartBalanceUSD float64       `mapstructure:"start_balance_usd"`
	CycleInterval   time.Duration `mapstructure:"cycle_interval"`
	ErrorBackoff    time.Duration `mapstructure:"error_backoff"`
	Retries         int           `mapstructure:"retries"`
	DebugLogging    bool          `mapstructure:"debug_logging"`
	LogFile         string        `mapstructure:"log_file"`
	MetricsAddr     string        `mapstructure:"metrics_addr"`
	PrettySummary   bool          `mapstructure:"pretty_summary"`

	Thresholds ThresholdsConfig `mapstructure:"thresholds"`
	Override   OverrideConfig   `mapstructure:"override"`
	AI         AIConfig         `mapstructure:"ai"`
	Unwind     UnwindConfig     `mapstructure:"unwind"`
	Jupiter    JupiterConfig    `mapstructure:"jupiter"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	License    LicenseConfig    `mapstructure:"license"`
}

// EntryValue pins the cost basis of one mint. A list keeps mint addresses
// intact, viper lowercases map keys.
type EntryValue struct {
	Mint     string  `mapstructure:"mint"`
	ValueUSD float64 `mapstructure:"value_usd"`
}

// ThresholdsConfig mirrors the operator-facing knobs. Only the set matching
// UsePercentage is projected into domain.ThresholdConfig.
type ThresholdsConfig struct {
	UsePercentage             bool    `mapstructure:"use_percentage"`
	MaxLossPercent            float64 `mapstructure:"max_loss_percent"`
	MaxGainPercent            float64 `mapstructure:"max_gain_percent"`
	MaxLossUSD                float64 `mapstructure:"max_loss_usd"`
	MaxGainUSD                float64 `mapstructure:"max_gain_usd"`
	MaxLossPercentPerPosition float64 `mapstructure:"max_loss_percent_per_position"`
	MaxGainPercentPerPosition float64 `mapstructure:"max_gain_percent_per_position"`
	MaxLossUSDPerPosition     float64 `mapstructure:"max_loss_usd_per_position"`
	MaxGainUSDPerPosition     float64 `mapstructure:"max_gain_usd_per_position"`
	MinimumBalanceUSD         float64 `mapstructure:"minimum_balance_usd"`
}

type OverrideConfig struct {
	UseAIConfirmation bool          `mapstructure:"use_ai_confirmation"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
}

type AIConfig struct {
	APIURL      string        `mapstructure:"api_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type UnwindConfig struct {
	ClosureFloorUSD     float64       `mapstructure:"closure_floor_usd"`
	Chunks              int           `mapstructure:"chunks"`
	ChunkPause          time.Duration `mapstructure:"chunk_pause"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	SettleDelay         time.Duration `mapstructure:"settle_delay"`
	MaxPasses           int           `mapstructure:"max_passes"`
	SlippageBps         int           `mapstructure:"slippage_bps"`
	PriorityFeeLamports uint64        `mapstructure:"priority_fee_lamports"`
}

type JupiterConfig struct {
	QuoteURL      string `mapstructure:"quote_url"`
	SwapURL       string `mapstructure:"swap_url"`
	PriceURL      string `mapstructure:"price_url"`
	APIKey        string `mapstructure:"api_key"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
	OutputMint    string `mapstructure:"output_mint"`
}

type LedgerConfig struct {
	Driver   string        `mapstructure:"driver"`
	Path     string        `mapstructure:"path"`
	DSN      string        `mapstructure:"dsn"`
	Interval time.Duration `mapstructure:"interval"`
}

type LicenseConfig struct {
	AccountID         string        `mapstructure:"account_id"`
	ProductID         string        `mapstructure:"product_id"`
	Key               string        `mapstructure:"key"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Enabled reports whether license validation is configured.
func (c LicenseConfig) Enabled() bool {
	return c.AccountID != "" && c.Key != ""
}

var defaults = map[string]interface{}{
	"rpc_url":         "https://api.mainnet-beta.solana.com",
	"private_key":     "",
	"monitored_mints": []string{},
	"excluded_mints":  []string{USDCMint, NativeMint},
	"cycle_interval":  "15m",
	"error_backoff":   "1m",
	"retries":         3,
	"debug_logging":   false,
	"log_file":        "logs/riskguard.log",
	"metrics_addr":    "",
	"pretty_summary":  false,

	"start_balance_usd": 0.0,

	"thresholds.use_percentage":                true,
	"thresholds.max_loss_percent":              5.0,
	"thresholds.max_gain_percent":              30.0,
	"thresholds.max_loss_usd":                  3.0,
	"thresholds.max_gain_usd":                  1.0,
	"thresholds.max_loss_percent_per_position": 50.0,
	"thresholds.max_gain_percent_per_position": 50.0,
	"thresholds.max_loss_usd_per_position":     10.0,
	"thresholds.max_gain_usd_per_position":     10.0,
	"thresholds.minimum_balance_usd":           50.0,

	"override.use_ai_confirmation": true,
	"override.cache_ttl":           "15m",

	"ai.api_url":     "https://api.anthropic.com/v1/messages",
	"ai.api_key":     "",
	"ai.model":       "claude-3-haiku-20240307",
	"ai.max_tokens":  1024,
	"ai.temperature": 0.7,
	"ai.timeout":     "60s",

	"unwind.closure_floor_usd":     0.10,
	"unwind.chunks":                3,
	"unwind.chunk_pause":           "2s",
	"unwind.retry_delay":           "3s",
	"unwind.settle_delay":          "5s",
	"unwind.max_passes":            5,
	"unwind.slippage_bps":          199,
	"unwind.priority_fee_lamports": 100000,

	"jupiter.quote_url":       "https://quote-api.jup.ag/v6/quote",
	"jupiter.swap_url":        "https://quote-api.jup.ag/v6/swap",
	"jupiter.price_url":       "https://api.jup.ag/price/v2",
	"jupiter.api_key":         "",
	"jupiter.rate_per_second": 5,
	"jupiter.output_mint":     USDCMint,

	"ledger.driver":   "csv",
	"ledger.path":     "data/portfolio_balance.csv",
	"ledger.dsn":      "",
	"ledger.interval": "12h",

	"license.account_id":         "",
	"license.product_id":         "",
	"license.key":                "",
	"license.heartbeat_interval": "10m",
}

// secrets are read from the unprefixed variables the operator keeps in .env.
var secrets = map[string]string{
	"private_key":        "SOLANA_PRIVATE_KEY",
	"ai.api_key":         "ANTHROPIC_API_KEY",
	"license.account_id": "KEYGEN_ACCOUNT_ID",
	"license.product_id": "KEYGEN_PRODUCT_ID",
	"license.key":        "KEYGEN_LICENSE_KEY",
}

// LoadConfig reads the JSON file at path, loads envFiles (".env" when none are
// given) and overlays RISKGUARD_* variables. An empty path uses defaults only.
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range secrets {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	return &cfg, validateConfig(&cfg)
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ThresholdConfig projects the limits of the selected mode.
func (c *Config) ThresholdConfig() domain.ThresholdConfig {
	t := c.Thresholds
	out := domain.ThresholdConfig{
		MinimumBalanceUSD: decimal.NewFromFloat(t.MinimumBalanceUSD),
	}
	if t.UsePercentage {
		out.Mode = domain.ModePercentage
		out.MaxLossGlobal = decimal.NewFromFloat(t.MaxLossPercent)
		out.MaxGainGlobal = decimal.NewFromFloat(t.MaxGainPercent)
		out.MaxLossPerPosition = decimal.NewFromFloat(t.MaxLossPercentPerPosition)
		out.MaxGainPerPosition = decimal.NewFromFloat(t.MaxGainPercentPerPosition)
		return out
	}
	out.Mode = domain.ModeAbsoluteUSD
	out.MaxLossGlobal = decimal.NewFromFloat(t.MaxLossUSD)
	out.MaxGainGlobal = decimal.NewFromFloat(t.MaxGainUSD)
	out.MaxLossPerPosition = decimal.NewFromFloat(t.MaxLossUSDPerPosition)
	out.MaxGainPerPosition = decimal.NewFromFloat(t.MaxGainUSDPerPosition)
	return out
}

// EntryValuesUSD converts the configured cost basis to decimals.
func (c *Config) EntryValuesUSD() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.EntryValues))
	for _, ev := range c.EntryValues {
		out[ev.Mint] = decimal.NewFromFloat(ev.ValueUSD)
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.PrivateKey == "" {
		return errors.New("missing private key (SOLANA_PRIVATE_KEY)")
	}
	if err := validateURLWithCache(cfg.RPCURL, "http"); err != nil {
		return fmt.Errorf("invalid rpc_url: %w", err)
	}
	for name, u := range map[string]string{
		"jupiter.quote_url": cfg.Jupiter.QuoteURL,
		"jupiter.swap_url":  cfg.Jupiter.SwapURL,
		"jupiter.price_url": cfg.Jupiter.PriceURL,
		"ai.api_url":        cfg.AI.APIURL,
	} {
		if err := validateURLWithCache(u, "http"); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}
	if err := cfg.ThresholdConfig().Validate(); err != nil {
		return fmt.Errorf("thresholds: %w", err)
	}
	if err := validateNumericParams(cfg); err != nil {
		return err
	}
	switch cfg.Ledger.Driver {
	case "csv":
		if cfg.Ledger.Path == "" {
			return errors.New("ledger.path is required for the csv driver")
		}
	case "postgres", "sqlite":
		if cfg.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn is required for the %s driver", cfg.Ledger.Driver)
		}
	default:
		return fmt.Errorf("unknown ledger.driver %q", cfg.Ledger.Driver)
	}
	if cfg.Override.UseAIConfirmation && cfg.AI.APIKey == "" {
		return errors.New("use_ai_confirmation requires ANTHROPIC_API_KEY")
	}
	return nil
}

func validateNumericParams(cfg *Config) error {
	if cfg.CycleInterval <= 0 {
		return errors.New("invalid cycle_interval")
	}
	if cfg.ErrorBackoff <= 0 {
		return errors.New("invalid error_backoff")
	}
	if cfg.Retries < 1 {
		return errors.New("invalid retries count")
	}
	for _, ev := range cfg.EntryValues {
		if ev.Mint == "" || ev.ValueUSD < 0 {
			return fmt.Errorf("invalid entry value %+v", ev)
		}
	}
	if cfg.StartBalanceUSD < 0 {
		return errors.New("invalid start_balance_usd")
	}
	if cfg.Unwind.Chunks < 1 || cfg.Unwind.MaxPasses < 1 {
		return errors.New("unwind.chunks and unwind.max_passes must be at least 1")
	}
	if cfg.Unwind.ClosureFloorUSD <= 0 {
		return errors.New("invalid unwind.closure_floor_usd")
	}
	if cfg.Unwind.SlippageBps < 0 || cfg.Unwind.SlippageBps > 10000 {
		return errors.New("invalid unwind.slippage_bps")
	}
	if cfg.Ledger.Interval < 0 {
		return errors.New("invalid ledger.interval")
	}
	if cfg.AI.MaxTokens <= 0 {
		return errors.New("invalid ai.max_tokens")
	}
	if cfg.Jupiter.RatePerSecond <= 0 {
		return errors.New("invalid jupiter.rate_per_second")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}
