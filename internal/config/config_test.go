package config

import (
	"delta-trend-bot-go/internal/models"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"symbol": "BTCUSD"}`))
	require.NoError(t, err)

	assert.Equal(t, "15m", cfg.Resolution)
	assert.Equal(t, 25, cfg.EMAPeriod)
	assert.Equal(t, 0.002, cfg.StopLossPct)
	assert.Equal(t, 0.005, cfg.TargetPct)
	assert.Equal(t, 50, cfg.MinBars)
	assert.Equal(t, 10, cfg.RetentionMargin)
	assert.Equal(t, cfg.LiveAPIURL, cfg.BaseURL)
	assert.Equal(t, cfg.LiveWSURL, cfg.WSBaseURL)
}

func TestLoadConfigTestnetURLs(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `{"is_testnet": true}`))
	require.NoError(t, err)
	assert.Equal(t, cfg.TestnetAPIURL, cfg.BaseURL)
	assert.Equal(t, cfg.TestnetWSURL, cfg.WSBaseURL)
}

func TestValidateRejectsTrailStopInPoints(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"trail_stop_pct": 300}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trail_stop_pct")
}

func TestValidateRejectsOddTradeSize(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"lot_size": 0.001, "trade_size": 0.0055}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple of lot_size")
}

func TestMinRequiredBarsUsesLongestLookback(t *testing.T) {
	cfg := &models.Config{EMAPeriod: 200, ATRPeriod: 14, RSIPeriod: 14}
	assert.Equal(t, 202, MinRequiredBars(cfg))
}

func TestFeeOverrideFromEnv(t *testing.T) {
	t.Setenv("FEE_PER_TRADE", "0.25")
	cfg, err := LoadConfig(writeConfig(t, `{}`))
	require.NoError(t, err)
	assert.Equal(t, 0.25, cfg.FeePerTrade)
}
