package config

import (
	"delta-trend-bot-go/internal/models"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// LoadConfig reads the JSON config at path, fills defaults and validates it.
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	cfg := &models.Config{}
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	ApplyDefaults(cfg)
	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every zero field with the value the bot was tuned with.
func ApplyDefaults(cfg *models.Config) {
	setString(&cfg.LiveAPIURL, "https://api.india.delta.exchange")
	setString(&cfg.LiveWSURL, "wss://socket.india.delta.exchange")
	setString(&cfg.TestnetAPIURL, "https://cdn-ind.testnet.deltaex.org")
	setString(&cfg.TestnetWSURL, "wss://socket-ind.testnet.deltaex.org")
	setString(&cfg.DBPath, "data/state")
	setString(&cfg.TradeLogPath, "trade_log.csv")
	setString(&cfg.Symbol, "BTCUSD")
	setString(&cfg.Resolution, "15m")

	setInt(&cfg.EMAPeriod, 25)
	setInt(&cfg.ATRPeriod, 14)
	setInt(&cfg.RSIPeriod, 14)

	setFloat(&cfg.RSIMomentumLevel, 50)
	setFloat(&cfg.RSIOverbought, 70)
	setFloat(&cfg.RSIOversold, 30)
	setFloat(&cfg.StopLossPct, 0.002)
	setFloat(&cfg.TargetPct, 0.005)
	setFloat(&cfg.TrailStopPct, 0.003)

	setFloat(&cfg.LotSize, 0.001)
	setFloat(&cfg.TradeSize, 0.005)
	setFloat(&cfg.FeePerTrade, 0.10)

	setInt(&cfg.HistoryDays, 60)
	setInt(&cfg.MinBars, MinRequiredBars(cfg))
	setInt(&cfg.RetentionMargin, 10)
	setInt(&cfg.CandleCloseGraceMs, 15000)

	setInt(&cfg.PollIntervalSec, 50)
	setInt(&cfg.BackoffMultiplier, 5)
	setInt(&cfg.StatusIntervalSec, 300)

	setInt(&cfg.RequestTimeoutSec, 30)
	setInt(&cfg.RetryAttempts, 3)
	setInt(&cfg.RetryInitialDelayMs, 500)
	setInt(&cfg.WebSocketPingIntervalSec, 30)
	setInt(&cfg.WebSocketPongTimeoutSec, 60)
	setInt(&cfg.ReconnectDelaySec, 5)

	setString(&cfg.LogConfig.Level, "info")
	setString(&cfg.LogConfig.Output, "console")
	setString(&cfg.LogConfig.File, "logs/bot.log")
	setInt(&cfg.LogConfig.MaxSize, 50)
	setInt(&cfg.LogConfig.MaxBackups, 5)
	setInt(&cfg.LogConfig.MaxAge, 30)

	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
	} else {
		cfg.BaseURL = cfg.LiveAPIURL
		cfg.WSBaseURL = cfg.LiveWSURL
	}
}

// ApplyEnvOverrides lets the environment override values that differ per deployment.
func ApplyEnvOverrides(cfg *models.Config) {
	if v := os.Getenv("FEE_PER_TRADE"); v != "" {
		if fee, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FeePerTrade = fee
		}
	}
}

// MinRequiredBars is the smallest series the indicators can work with.
func MinRequiredBars(cfg *models.Config) int {
	n := cfg.EMAPeriod
	if cfg.ATRPeriod > n {
		n = cfg.ATRPeriod
	}
	if cfg.RSIPeriod > n {
		n = cfg.RSIPeriod
	}
	n += 2
	if n < 50 {
		n = 50
	}
	return n
}

// Validate rejects configurations the bot cannot trade with.
func Validate(cfg *models.Config) error {
	if cfg.Symbol == "" {
		return fmt.Errorf("symbol must be set")
	}
	if _, err := models.ParseResolution(cfg.Resolution); err != nil {
		return err
	}
	if cfg.EMAPeriod <= 0 || cfg.ATRPeriod <= 0 || cfg.RSIPeriod <= 0 {
		return fmt.Errorf("indicator periods must be positive")
	}
	if cfg.StopLossPct <= 0 || cfg.StopLossPct >= 1 {
		return fmt.Errorf("stop_loss_pct must be a fraction in (0, 1), got %v", cfg.StopLossPct)
	}
	if cfg.TargetPct <= 0 || cfg.TargetPct >= 1 {
		return fmt.Errorf("target_pct must be a fraction in (0, 1), got %v", cfg.TargetPct)
	}
	if cfg.TrailStopPct <= 0 || cfg.TrailStopPct >= 1 {
		return fmt.Errorf("trail_stop_pct must be a fraction in (0, 1), got %v (a value like 300 reads as price points, not a percentage)", cfg.TrailStopPct)
	}
	if cfg.LotSize <= 0 || cfg.TradeSize <= 0 {
		return fmt.Errorf("lot_size and trade_size must be positive")
	}
	lots := cfg.TradeSize / cfg.LotSize
	if diff := lots - float64(int64(lots+0.5)); diff > 1e-9 || diff < -1e-9 {
		return fmt.Errorf("trade_size %v must be a multiple of lot_size %v", cfg.TradeSize, cfg.LotSize)
	}
	if cfg.MinBars < 2 {
		return fmt.Errorf("min_bars must be at least 2")
	}
	if cfg.PollIntervalSec <= 0 {
		return fmt.Errorf("poll_interval_sec must be positive")
	}
	return nil
}

func setString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if *dst == 0 {
		*dst = v
	}
}
