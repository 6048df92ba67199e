package main

import (
	"context"
	"delta-trend-bot-go/internal/bot"
	"delta-trend-bot-go/internal/config"
	"delta-trend-bot-go/internal/exchange"
	"delta-trend-bot-go/internal/feed"
	"delta-trend-bot-go/internal/logger"
	"delta-trend-bot-go/internal/metrics"
	"delta-trend-bot-go/internal/models"
	"delta-trend-bot-go/internal/persistence"
	"delta-trend-bot-go/internal/reporter"
	"delta-trend-bot-go/internal/statemanager"
	"delta-trend-bot-go/internal/strategy"
	"delta-trend-bot-go/internal/tradelog"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// candleBuffer 是等待主循环处理的实时K线更新的缓冲大小
const candleBuffer = 1024

func main() {
	// --- 命令行参数定义 ---
	configPath := flag.String("config", "config.json", "path to the config file")
	mode := flag.String("mode", "live", "running mode: live or report")
	flag.Parse()

	// --- 初始化日志 (提前) ---
	// 读取配置之前先使用默认的控制台输出
	logger.InitLogger(models.LogConfig{Level: "info", Output: "console"})

	// --- 加载 .env 文件 ---
	if err := godotenv.Load(); err != nil {
		logger.S().Info("No .env file found, reading secrets from the environment.")
	} else {
		logger.S().Info("Loaded .env file.")
	}

	// --- 加载 JSON 配置 ---
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.S().Fatalf("Failed to load config: %v", err)
	}

	// --- 使用文件中的配置重新初始化日志 ---
	logger.InitLogger(cfg.LogConfig)
	defer logger.S().Sync() // 确保在main函数退出时刷新所有缓冲的日志

	// --- 根据模式执行 ---
	switch *mode {
	case "live":
		if err := runLiveMode(cfg); err != nil {
			logger.S().Errorf("Bot stopped with error: %v", err)
			logger.S().Sync()
			os.Exit(1)
		}
	case "report":
		if err := runReportMode(cfg); err != nil {
			logger.S().Fatalf("Report failed: %v", err)
		}
	default:
		logger.S().Fatalf("Unknown mode: %s. Use 'live' or 'report'.", *mode)
	}
}

// runLiveMode 运行实时交易机器人，直到收到中断信号
func runLiveMode(cfg *models.Config) error {
	// 从环境变量加载API密钥
	apiKey := os.Getenv("DELTA_API_KEY")
	secretKey := os.Getenv("DELTA_API_SECRET")
	if apiKey == "" || secretKey == "" {
		return fmt.Errorf("DELTA_API_KEY and DELTA_API_SECRET must be set")
	}

	log := logger.L().With(zap.String("session", bot.NewClientOrderID()), zap.String("symbol", cfg.Symbol))
	network := "production"
	if cfg.IsTestnet {
		network = "testnet"
	}
	log.Info("Starting live mode", zap.String("network", network), zap.String("api", cfg.BaseURL), zap.String("ws", cfg.WSBaseURL))

	// 初始化交易所
	m := metrics.New()
	gw := exchange.NewLiveExchange(cfg, apiKey, secretKey, log)
	gw.SetObserver(m)

	product, err := gw.GetProduct(cfg.Symbol)
	if err != nil {
		return fmt.Errorf("load product %s: %w", cfg.Symbol, err)
	}

	// 状态持久化与交易日志
	repo, err := persistence.NewBadgerRepository(cfg.DBPath, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer repo.Close()

	trades, err := tradelog.NewCSVLog(cfg.TradeLogPath, log)
	if err != nil {
		return err
	}

	sm := statemanager.NewStateManager(repo, tradelog.Tee{trades, m}, cfg.FeePerTrade, log)
	sm.Start()
	defer sm.Stop()

	// 公共K线流与私有订单/仓位流
	candles := feed.NewCandleStream(cfg.Resolution, candleBuffer, log)
	candles.SetObserver(m)
	m.WatchCandleDrops(candles.Dropped)
	router := feed.NewPrivateRouter(sm, gw, product.ContractValue, log)
	router.SetObserver(m)

	ping := time.Duration(cfg.WebSocketPingIntervalSec) * time.Second
	pong := time.Duration(cfg.WebSocketPongTimeoutSec) * time.Second
	reconnect := time.Duration(cfg.ReconnectDelaySec) * time.Second

	public := feed.NewClient(feed.ClientOptions{
		Name: "public",
		URL:  cfg.WSBaseURL,
		Handshake: func() ([][]byte, error) {
			sub, err := feed.SubscribeMessage(cfg.Symbol, candles.Channel())
			return [][]byte{sub}, err
		},
		Handler:        candles.HandleMessage,
		PingInterval:   ping,
		PongWait:       pong,
		ReconnectDelay: reconnect,
	}, log)

	private := feed.NewClient(feed.ClientOptions{
		Name: "private",
		URL:  cfg.WSBaseURL,
		Handshake: func() ([][]byte, error) {
			auth, err := feed.AuthMessage(apiKey, secretKey, time.Now())
			if err != nil {
				return nil, err
			}
			sub, err := feed.SubscribeMessage(cfg.Symbol, "orders", "positions")
			if err != nil {
				return nil, err
			}
			return [][]byte{auth, sub}, nil
		},
		Handler:        router.HandleMessage,
		PingInterval:   ping,
		PongWait:       pong,
		ReconnectDelay: reconnect,
	}, log)

	// 初始化机器人
	tradingBot, err := bot.NewTradingBot(cfg, gw, sm, strategy.NewEmaRsi(cfg), candles.Updates(), m, log)
	if err != nil {
		return err
	}
	tradingBot.AddFeed("public", public)
	tradingBot.AddFeed("private", private)

	// 等待中断信号以实现优雅退出
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, c := range []*feed.Client{public, private} {
		wg.Add(1)
		go func(c *feed.Client) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}

	runErr := tradingBot.Run(ctx)
	stop()
	wg.Wait()

	log.Info("Final status\n" + reporter.RenderStatus(tradingBot.Status()))
	if all, err := trades.ReadAll(); err == nil && len(all) > 0 {
		log.Info("Session trades\n" + reporter.RenderSummary(cfg.Symbol, reporter.Summarize(all)))
	}
	if runErr != nil {
		return runErr
	}
	log.Info("Bot stopped. Protective orders stay on the exchange.")
	return nil
}

// runReportMode 打印交易日志的统计汇总
func runReportMode(cfg *models.Config) error {
	trades, err := tradelog.NewCSVLog(cfg.TradeLogPath, logger.L())
	if err != nil {
		return err
	}
	all, err := trades.ReadAll()
	if err != nil {
		return err
	}
	fmt.Println(reporter.RenderSummary(cfg.Symbol, reporter.Summarize(all)))
	return nil
}
