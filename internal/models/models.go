package models

import (
	"fmt"
	"strings"
)

// Config 结构体定义了机器人的所有配置参数
type Config struct {
	IsTestnet     bool   `json:"is_testnet"` // 是否使用测试网
	DBPath        string `json:"db_path"`    // 持仓状态的 badger 数据库目录
	TradeLogPath  string `json:"trade_log_path"`
	LiveAPIURL    string `json:"live_api_url"`
	LiveWSURL     string `json:"live_ws_url"`
	TestnetAPIURL string `json:"testnet_api_url"`
	TestnetWSURL  string `json:"testnet_ws_url"`

	Symbol     string `json:"symbol"`     // e.g. "BTCUSD"
	Resolution string `json:"resolution"` // candle resolution, e.g. "15m"

	// 指标参数
	EMAPeriod int `json:"ema_period"`
	ATRPeriod int `json:"atr_period"`
	RSIPeriod int `json:"rsi_period"`

	// 策略参数
	RSIMomentumLevel float64 `json:"rsi_momentum_level"` // 开仓阈值，默认 50
	RSIOverbought    float64 `json:"rsi_overbought"`
	RSIOversold      float64 `json:"rsi_oversold"`
	UseSignalExit    bool    `json:"use_signal_exit"` // 除止损止盈外，是否按 EMA/RSI 信号平仓
	StopLossPct      float64 `json:"stop_loss_pct"`   // fraction, 0.002 = 0.2%
	TargetPct        float64 `json:"target_pct"`      // fraction, 0.005 = 0.5%
	TrailStopPct     float64 `json:"trail_stop_pct"`  // fraction of price, must be < 1

	// 仓位参数
	LotSize     float64 `json:"lot_size"`      // 每手合约对应的基础币数量
	TradeSize   float64 `json:"trade_size"`    // 每次开仓数量，必须是 lot_size 的整数倍
	FeePerTrade float64 `json:"fee_per_trade"` // 每笔交易从毛利润中扣除的固定手续费

	// 历史数据与序列
	HistoryDays        int `json:"history_days"`
	MinBars            int `json:"min_bars"`
	RetentionMargin    int `json:"retention_margin"`
	CandleCloseGraceMs int `json:"candle_close_grace_ms"`

	// 主循环
	PollIntervalSec   int `json:"poll_interval_sec"`
	BackoffMultiplier int `json:"backoff_multiplier"`
	StatusIntervalSec int `json:"status_interval_sec"`

	// 网络连接
	RequestTimeoutSec        int `json:"request_timeout_sec"`
	RetryAttempts            int `json:"retry_attempts"`
	RetryInitialDelayMs      int `json:"retry_initial_delay_ms"`
	WebSocketPingIntervalSec int `json:"websocket_ping_interval_sec,omitempty"`
	WebSocketPongTimeoutSec  int `json:"websocket_pong_timeout_sec,omitempty"`
	ReconnectDelaySec        int `json:"reconnect_delay_sec"`

	LogConfig LogConfig `json:"log"`

	BaseURL   string `json:"base_url"`    // 启动时根据 is_testnet 确定
	WSBaseURL string `json:"ws_base_url"` // 启动时根据 is_testnet 确定
}

// LogConfig 定义了日志配置
type LogConfig struct {
	Level      string `json:"level"`       // "debug", "info", "warn", "error"
	Output     string `json:"output"`      // "console", "file", "both"
	File       string `json:"file"`        // log file path
	MaxSize    int    `json:"max_size"`    // MB per file
	MaxBackups int    `json:"max_backups"` // rotated files kept
	MaxAge     int    `json:"max_age"`     // days
	Compress   bool   `json:"compress"`
}

// Side 表示持仓方向
type Side string

const (
	SideNone  Side = ""
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s names a tradeable direction.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// EntryOrderSide is the order side that opens a position in direction s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return Sell
	}
	return Buy
}

// ExitOrderSide is the order side that reduces a position in direction s.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return Buy
	}
	return Sell
}

// ParseSide maps the encodings seen on the wire ("long", "buy", "short", "sell") to a Side.
func ParseSide(raw string) Side {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "long", "buy":
		return SideLong
	case "short", "sell":
		return SideShort
	}
	return SideNone
}

// OrderSide is the side of an individual order.
type OrderSide string

const (
	Buy  OrderSide = "buy"
	Sell OrderSide = "sell"
)

// OrderType is the order flavour accepted by the gateway.
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderRole is what an order does for the position.
type OrderRole string

const (
	RoleEntry      OrderRole = "entry"
	RoleStopLoss   OrderRole = "stop_loss"
	RoleTakeProfit OrderRole = "take_profit"
	RoleExit       OrderRole = "exit"
)

// OrderStatus 是统一后的订单状态
type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusOpen            OrderStatus = "open"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
	StatusUnknown         OrderStatus = "unknown"
)

// Terminal reports whether no further transition can happen for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// ParseOrderStatus normalizes exchange status strings. Delta reports a fully
// executed order as "closed".
func ParseOrderStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "new":
		return StatusPending
	case "open", "untriggered", "triggered":
		return StatusOpen
	case "partially_filled", "partial":
		return StatusPartiallyFilled
	case "filled", "closed":
		return StatusFilled
	case "cancelled", "canceled":
		return StatusCancelled
	case "rejected":
		return StatusRejected
	case "expired":
		return StatusExpired
	}
	return StatusUnknown
}

// OrderRef 标识机器人跟踪的一个订单
type OrderRef struct {
	ID            int64       `json:"id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Role          OrderRole   `json:"role"`
	Side          OrderSide   `json:"side"`
	Type          OrderType   `json:"type"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price,omitempty"`
}

// Product 是合约的静态信息
type Product struct {
	ID            int64   `json:"id"`
	Symbol        string  `json:"symbol"`
	TickSize      float64 `json:"tick_size"`
	ContractValue float64 `json:"contract_value"`
}

// OrderRequest 描述一个待提交的订单
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Size          float64 // 基础币数量，由交易所模块转换为手数
	Type          OrderType
	Price         float64 // limit price for limit/stop_limit
	StopPrice     float64 // trigger price for stop/stop_limit
	ReduceOnly    bool
	ClientOrderID string
}

// OrderResult 是下单请求的同步响应
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Status        OrderStatus
	AvgFillPrice  float64
	FilledSize    float64
}

// OrderUpdate is a normalized order event from the private feed.
type OrderUpdate struct {
	ID           int64
	Status       OrderStatus
	Side         OrderSide
	Type         string
	ReduceOnly   bool
	AvgFillPrice float64
	FilledSize   float64
	StopPrice    float64
}

// PositionSnapshot 是来自 REST 或私有数据流的权威持仓信息
type PositionSnapshot struct {
	Side          Side // optional; inferred from the sign of Size when empty
	Size          float64
	AvgEntryPrice float64
	RealizedPnL   *float64
	UnrealizedPnL *float64
}

// APIError 定义了交易所返回的错误信息结构
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Msg        string `json:"message"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("API Error: status=%d, code=%s, msg=%s", e.StatusCode, e.Code, e.Msg)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
