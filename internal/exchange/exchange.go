package exchange

import (
	"delta-trend-bot-go/internal/models"
	"time"
)

// Gateway 定义了交易核心所依赖的交易所接口
type Gateway interface {
	// GetCandles 返回一个请求窗口内的K线，按时间升序
	GetCandles(symbol, resolution string, start, end time.Time) ([]models.Candle, error)
	PlaceOrder(req models.OrderRequest) (*models.OrderResult, error)
	CancelOrder(orderID int64) error
	// CancelAllOrders 取消该交易对上的所有挂单，包括限价单和止损单
	CancelAllOrders(symbol string) error
	// GetPosition 在没有持仓时返回 nil
	GetPosition(symbol string) (*models.PositionSnapshot, error)
	GetOpenOrders(symbol string) ([]models.OrderRef, error)
	// GetProductID 的结果按交易对缓存，在整个生命周期内有效
	GetProductID(symbol string) (int64, error)
}

// RequestObserver 在每次 REST 请求完成后收到通知
type RequestObserver interface {
	ObserveRequest(method, path, outcome string, elapsed time.Duration)
}
