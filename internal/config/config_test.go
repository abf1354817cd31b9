package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rovshanmuradov/solana-riskguard/internal/domain"
)

const testKey = "4NMwxzmYj2uvHuq8xoqhY8RXg63KSVJM1DXkpbmkUY7YQWuoyQgFnnzn6yo3CMnqZasnNPNuAT2TLwQsCaKkUddp"

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// noEnv points .env loading at a file that does not exist.
func noEnv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SOLANA_PRIVATE_KEY", testKey)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := LoadConfig("", noEnv(t))
	require.NoError(t, err)

	assert.Equal(t, testKey, cfg.PrivateKey)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
	assert.Equal(t, 15*time.Minute, cfg.CycleInterval)
	assert.Equal(t, time.Minute, cfg.ErrorBackoff)
	assert.Equal(t, 15*time.Minute, cfg.Override.CacheTTL)
	assert.True(t, cfg.Override.UseAIConfirmation)
	assert.Equal(t, 12*time.Hour, cfg.Ledger.Interval)
	assert.Equal(t, "csv", cfg.Ledger.Driver)
	assert.Equal(t, "data/portfolio_balance.csv", cfg.Ledger.Path)
	assert.Equal(t, 199, cfg.Unwind.SlippageBps)
	assert.Equal(t, uint64(100000), cfg.Unwind.PriorityFeeLamports)
	assert.Equal(t, 3, cfg.Unwind.Chunks)
	assert.Equal(t, 5, cfg.Unwind.MaxPasses)
	assert.Equal(t, 2*time.Second, cfg.Unwind.ChunkPause)
	assert.Equal(t, "claude-3-haiku-20240307", cfg.AI.Model)
	assert.Equal(t, []string{USDCMint, NativeMint}, cfg.ExcludedMints)
	assert.False(t, cfg.License.Enabled())
}

func TestLoadConfigFileAndEnvOverlay(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"rpc_url": "https://rpc.example.com",
		"monitored_mints": ["DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"],
		"entry_values": [{"mint": "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", "value_usd": 120.5}],
		"thresholds": {"use_percentage": false, "max_loss_usd": 25},
		"override": {"use_ai_confirmation": false},
		"ledger": {"driver": "sqlite", "dsn": "file:ledger.db"}
	}`)
	envFile := writeFile(t, ".env", "SOLANA_PRIVATE_KEY="+testKey+"\n")
	// godotenv never overrides a variable that is already set
	t.Setenv("SOLANA_PRIVATE_KEY", "")
	require.NoError(t, os.Unsetenv("SOLANA_PRIVATE_KEY"))
	t.Setenv("RISKGUARD_CYCLE_INTERVAL", "5m")
	t.Setenv("RISKGUARD_UNWIND_CHUNKS", "4")

	cfg, err := LoadConfig(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, "https://rpc.example.com", cfg.RPCURL)
	assert.Equal(t, 5*time.Minute, cfg.CycleInterval)
	assert.Equal(t, 4, cfg.Unwind.Chunks)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)

	entries := cfg.EntryValuesUSD()
	require.Contains(t, entries, "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263")
	assert.True(t, decimal.NewFromFloat(120.5).Equal(entries["DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"]))

	th := cfg.ThresholdConfig()
	assert.Equal(t, domain.ModeAbsoluteUSD, th.Mode)
	assert.True(t, decimal.NewFromInt(25).Equal(th.MaxLossGlobal))
	assert.True(t, decimal.NewFromInt(1).Equal(th.MaxGainGlobal))
	assert.True(t, decimal.NewFromInt(10).Equal(th.MaxLossPerPosition))
	assert.True(t, decimal.NewFromInt(50).Equal(th.MinimumBalanceUSD))
}

func TestThresholdConfigPercentageMode(t *testing.T) {
	cfg := &Config{Thresholds: ThresholdsConfig{
		UsePercentage:             true,
		MaxLossPercent:            5,
		MaxGainPercent:            30,
		MaxLossPercentPerPosition: 50,
		MaxGainPercentPerPosition: 40,
		MaxLossUSD:                999,
	}}
	th := cfg.ThresholdConfig()
	assert.Equal(t, domain.ModePercentage, th.Mode)
	assert.True(t, decimal.NewFromInt(5).Equal(th.MaxLossGlobal))
	assert.True(t, decimal.NewFromInt(40).Equal(th.MaxGainPerPosition))
	assert.True(t, th.MinimumBalanceUSD.IsZero())
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		env  map[string]string
		want string
	}{
		{
			name: "missing private key",
			body: `{}`,
			want: "private key",
		},
		{
			name: "ai confirmation without key",
			body: `{}`,
			env:  map[string]string{"SOLANA_PRIVATE_KEY": testKey},
			want: "ANTHROPIC_API_KEY",
		},
		{
			name: "bad rpc scheme",
			body: `{"rpc_url": "ws://rpc.example.com", "override": {"use_ai_confirmation": false}}`,
			env:  map[string]string{"SOLANA_PRIVATE_KEY": testKey},
			want: "rpc_url",
		},
		{
			name: "sql ledger without dsn",
			body: `{"ledger": {"driver": "postgres"}, "override": {"use_ai_confirmation": false}}`,
			env:  map[string]string{"SOLANA_PRIVATE_KEY": testKey},
			want: "ledger.dsn",
		},
		{
			name: "unknown ledger driver",
			body: `{"ledger": {"driver": "mongo"}, "override": {"use_ai_confirmation": false}}`,
			env:  map[string]string{"SOLANA_PRIVATE_KEY": testKey},
			want: "unknown ledger.driver",
		},
		{
			name: "non-positive limit",
			body: `{"thresholds": {"max_loss_percent": 0}, "override": {"use_ai_confirmation": false}}`,
			env:  map[string]string{"SOLANA_PRIVATE_KEY": testKey},
			want: "max_loss_global",
		},
		{
			name: "slippage out of range",
			body: `{"unwind": {"slippage_bps": 20000}, "override": {"use_ai_confirmation": false}}`,
			env:  map[string]string{"SOLANA_PRIVATE_KEY": testKey},
			want: "slippage_bps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SOLANA_PRIVATE_KEY", "")
			t.Setenv("ANTHROPIC_API_KEY", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(writeFile(t, "config.json", tt.body), noEnv(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLicenseEnabledFromEnv(t *testing.T) {
	t.Setenv("SOLANA_PRIVATE_KEY", testKey)
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	t.Setenv("KEYGEN_ACCOUNT_ID", "acct")
	t.Setenv("KEYGEN_LICENSE_KEY", "LIC-123")

	cfg, err := LoadConfig("", noEnv(t))
	require.NoError(t, err)
	assert.True(t, cfg.License.Enabled())
	assert.Equal(t, "LIC-123", cfg.License.Key)
}
