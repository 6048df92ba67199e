package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"delta-trend-bot-go/internal/models"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// LiveExchange 实现了与 Delta Exchange v2 REST API 的交互
type LiveExchange struct {
	apiKey     string
	secretKey  string
	baseURL    string
	lotSize    decimal.Decimal
	client     *fasthttp.Client
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
	observer   RequestObserver
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	products map[string]models.Product
}

// NewLiveExchange 根据配置中解析好的地址创建一个新的交易所实例
func NewLiveExchange(cfg *models.Config, apiKey, secretKey string, logger *zap.Logger) *LiveExchange {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	return &LiveExchange{
		apiKey:    apiKey,
		secretKey: secretKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		lotSize:   decimal.NewFromFloat(cfg.LotSize),
		client: &fasthttp.Client{
			Name:         "delta-trend-bot-go",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		timeout:    timeout,
		retries:    cfg.RetryAttempts,
		retryDelay: time.Duration(cfg.RetryInitialDelayMs) * time.Millisecond,
		logger:     logger,
		now:        time.Now,
		products:   make(map[string]models.Product),
	}
}

// SetObserver 设置请求观察者（通常是指标模块）
func (e *LiveExchange) SetObserver(o RequestObserver) {
	e.observer = o
}

// Sign 使用 HMAC-SHA256 对 payload 签名并返回十六进制字符串。
// REST 请求和私有 WebSocket 登录都使用这个签名。
func Sign(secret, payload string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest 是一个通用的请求处理函数，负责签名和错误解析。
// 签名内容为 method + timestamp + path + "?query" + body。
func (e *LiveExchange) doRequest(method, path string, params url.Values, body interface{}) ([]byte, error) {
	query := ""
	if len(params) > 0 {
		query = "?" + params.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	timestamp := strconv.FormatInt(e.now().Unix(), 10)
	signature := Sign(e.secretKey, method+timestamp+path+query+string(payload))

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(e.baseURL + path + query)
	req.Header.SetMethod(method)
	req.Header.Set("api-key", e.apiKey)
	req.Header.Set("timestamp", timestamp)
	req.Header.Set("signature", signature)
	req.Header.SetContentType("application/json")
	if payload != nil {
		req.SetBody(payload)
	}

	started := time.Now()
	err := e.client.DoTimeout(req, resp, e.timeout)
	e.observe(method, path, resp.StatusCode(), err, time.Since(started))
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}

	// 函数返回时 resp 会被释放，需要先复制响应体
	data := append([]byte(nil), resp.Body()...)
	status := resp.StatusCode()

	if !gjson.ValidBytes(data) {
		if status != fasthttp.StatusOK {
			return nil, &models.APIError{StatusCode: status, Msg: string(data)}
		}
		return nil, fmt.Errorf("%s %s: invalid JSON response", method, path)
	}
	success := gjson.GetBytes(data, "success")
	if status != fasthttp.StatusOK || (success.Exists() && !success.Bool()) {
		apiErr := &models.APIError{
			StatusCode: status,
			Code:       gjson.GetBytes(data, "error.code").String(),
			Msg:        gjson.GetBytes(data, "error.message").String(),
		}
		if apiErr.Msg == "" {
			apiErr.Msg = gjson.GetBytes(data, "error.context").Raw
		}
		return nil, apiErr
	}
	return data, nil
}

func (e *LiveExchange) observe(method, path string, status int, err error, elapsed time.Duration) {
	if e.observer == nil {
		return
	}
	outcome := strconv.Itoa(status)
	if err != nil {
		outcome = "transport_error"
	}
	e.observer.ObserveRequest(method, path, outcome, elapsed)
}

// maxRetryDelay 是重试间隔的上限
const maxRetryDelay = 30 * time.Second

// request 为幂等请求 (GET/DELETE) 增加重试。
// 网络错误和临时性的API错误会按指数退避重试。
func (e *LiveExchange) request(method, path string, params url.Values, body interface{}) ([]byte, error) {
	attempts := 1
	if method == fasthttp.MethodGet || method == fasthttp.MethodDelete {
		attempts += e.retries
	}

	b := e.newBackoff()
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay := b.Duration()
			e.logger.Warn("Retrying request",
				zap.String("method", method), zap.String("path", path),
				zap.Int("attempt", i+1), zap.Duration("delay", delay), zap.Error(lastErr))
			time.Sleep(delay)
		}
		data, err := e.doRequest(method, path, params, body)
		if err == nil {
			return data, nil
		}
		lastErr = err
		var apiErr *models.APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			break
		}
	}
	return nil, lastErr
}

// newBackoff 从 retry_initial_delay_ms 开始，每次重试间隔翻倍
func (e *LiveExchange) newBackoff() *backoff.Backoff {
	first := e.retryDelay
	if first <= 0 {
		first = time.Millisecond
	}
	return &backoff.Backoff{Min: first, Max: max(first, maxRetryDelay), Factor: 2}
}

// GetCandles 获取一个时间窗口内的K线数据
func (e *LiveExchange) GetCandles(symbol, resolution string, start, end time.Time) ([]models.Candle, error) {
	params := url.Values{}
	params.Set("resolution", resolution)
	params.Set("symbol", symbol)
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))

	data, err := e.request(fasthttp.MethodGet, "/v2/history/candles", params, nil)
	if err != nil {
		return nil, err
	}

	var candles []models.Candle
	gjson.GetBytes(data, "result").ForEach(func(_, v gjson.Result) bool {
		c := models.Candle{
			StartTime: models.ParseExchangeTime(v.Get("time").Int()),
			Open:      v.Get("open").Float(),
			High:      v.Get("high").Float(),
			Low:       v.Get("low").Float(),
			Close:     v.Get("close").Float(),
			Volume:    v.Get("volume").Float(),
		}
		if c.StartTime.IsZero() {
			e.logger.Warn("Skipping candle without time", zap.String("raw", v.Raw))
			return true
		}
		candles = append(candles, c)
		return true
	})
	return candles, nil
}

// GetProduct 返回交易对的合约信息，产品列表只加载一次并缓存
func (e *LiveExchange) GetProduct(symbol string) (models.Product, error) {
	e.mu.Lock()
	p, ok := e.products[symbol]
	e.mu.Unlock()
	if ok {
		return p, nil
	}

	data, err := e.request(fasthttp.MethodGet, "/v2/products", nil, nil)
	if err != nil {
		return models.Product{}, err
	}

	var found bool
	gjson.GetBytes(data, "result").ForEach(func(_, v gjson.Result) bool {
		if v.Get("symbol").String() != symbol {
			return true
		}
		p = models.Product{
			ID:            v.Get("id").Int(),
			Symbol:        symbol,
			TickSize:      v.Get("tick_size").Float(),
			ContractValue: v.Get("contract_value").Float(),
		}
		found = true
		return false
	})
	if !found {
		return models.Product{}, fmt.Errorf("product not found: %s", symbol)
	}

	e.mu.Lock()
	e.products[symbol] = p
	e.mu.Unlock()
	e.logger.Info("Loaded product", zap.String("symbol", symbol), zap.Int64("id", p.ID), zap.Float64("tick_size", p.TickSize))
	return p, nil
}

// GetProductID 返回交易对的产品ID
func (e *LiveExchange) GetProductID(symbol string) (int64, error) {
	p, err := e.GetProduct(symbol)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// toLots 将数量转换为整数手数（向下取整）
func (e *LiveExchange) toLots(size float64) (int64, error) {
	if e.lotSize.IsZero() {
		return 0, errors.New("lot size is not configured")
	}
	lots := decimal.NewFromFloat(size).Div(e.lotSize).IntPart()
	if lots < 1 {
		return 0, fmt.Errorf("size %v is smaller than one lot of %s", size, e.lotSize.String())
	}
	return lots, nil
}

// roundToTick 将价格调整到合约的最小价格变动单位
func roundToTick(price float64, tick float64) string {
	d := decimal.NewFromFloat(price)
	if tick <= 0 {
		return d.String()
	}
	t := decimal.NewFromFloat(tick)
	return d.Div(t).Round(0).Mul(t).String()
}

// PlaceOrder 下单。下单请求不会重试。
func (e *LiveExchange) PlaceOrder(r models.OrderRequest) (*models.OrderResult, error) {
	product, err := e.GetProduct(r.Symbol)
	if err != nil {
		return nil, err
	}
	lots, err := e.toLots(r.Size)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"product_id":  product.ID,
		"side":        string(r.Side),
		"size":        lots,
		"reduce_only": r.ReduceOnly,
	}
	if r.ClientOrderID != "" {
		body["client_order_id"] = r.ClientOrderID
	}
	switch r.Type {
	case models.OrderTypeMarket:
		body["order_type"] = "market_order"
	case models.OrderTypeLimit:
		body["order_type"] = "limit_order"
		body["limit_price"] = roundToTick(r.Price, product.TickSize)
	case models.OrderTypeStop:
		body["order_type"] = "market_order"
		body["stop_price"] = roundToTick(r.StopPrice, product.TickSize)
		body["stop_order_type"] = "stop_loss_order"
	case models.OrderTypeStopLimit:
		body["order_type"] = "limit_order"
		body["limit_price"] = roundToTick(r.Price, product.TickSize)
		body["stop_price"] = roundToTick(r.StopPrice, product.TickSize)
		body["stop_order_type"] = "stop_loss_order"
	default:
		return nil, fmt.Errorf("unsupported order type %q", r.Type)
	}

	e.logger.Info("Placing order",
		zap.String("symbol", r.Symbol), zap.String("side", string(r.Side)), zap.String("type", string(r.Type)),
		zap.Int64("lots", lots), zap.Float64("price", r.Price), zap.Float64("stop_price", r.StopPrice),
		zap.Bool("reduce_only", r.ReduceOnly), zap.String("client_order_id", r.ClientOrderID))

	data, err := e.request(fasthttp.MethodPost, "/v2/orders", nil, body)
	if err != nil {
		return nil, err
	}

	res := gjson.GetBytes(data, "result")
	filledLots := res.Get("size").Int() - res.Get("unfilled_size").Int()
	return &models.OrderResult{
		OrderID:       res.Get("id").Int(),
		ClientOrderID: res.Get("client_order_id").String(),
		Status:        models.ParseOrderStatus(res.Get("state").String()),
		AvgFillPrice:  res.Get("average_fill_price").Float(),
		FilledSize:    e.lotSize.Mul(decimal.NewFromInt(filledLots)).InexactFloat64(),
	}, nil
}

// CancelOrder 取消指定ID的订单
func (e *LiveExchange) CancelOrder(orderID int64) error {
	if orderID <= 0 {
		return fmt.Errorf("invalid order id %d", orderID)
	}
	body := map[string]interface{}{"id": orderID}
	e.mu.Lock()
	for _, p := range e.products {
		body["product_id"] = p.ID
	}
	e.mu.Unlock()

	_, err := e.request(fasthttp.MethodDelete, "/v2/orders", nil, body)
	if err != nil {
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders 取消该交易对上的所有挂单（包括限价单和止损单）
func (e *LiveExchange) CancelAllOrders(symbol string) error {
	product, err := e.GetProduct(symbol)
	if err != nil {
		return err
	}
	body := map[string]interface{}{
		"product_id":          product.ID,
		"cancel_limit_orders": true,
		"cancel_stop_orders":  true,
	}
	if _, err := e.request(fasthttp.MethodDelete, "/v2/orders/all", nil, body); err != nil {
		return fmt.Errorf("cancel all orders on %s: %w", symbol, err)
	}
	return nil
}

// GetPosition 获取当前持仓，无持仓时返回 nil
func (e *LiveExchange) GetPosition(symbol string) (*models.PositionSnapshot, error) {
	product, err := e.GetProduct(symbol)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("product_id", strconv.FormatInt(product.ID, 10))

	data, err := e.request(fasthttp.MethodGet, "/v2/positions", params, nil)
	if err != nil {
		return nil, err
	}

	res := gjson.GetBytes(data, "result")
	contracts := res.Get("size").Float()
	if contracts == 0 {
		return nil, nil
	}

	unit := product.ContractValue
	if unit <= 0 {
		unit = e.lotSize.InexactFloat64()
	}
	snap := &models.PositionSnapshot{
		Size:          decimal.NewFromFloat(contracts).Mul(decimal.NewFromFloat(unit)).InexactFloat64(),
		AvgEntryPrice: res.Get("entry_price").Float(),
	}
	if v := res.Get("realized_pnl"); v.Exists() {
		f := v.Float()
		snap.RealizedPnL = &f
	}
	if v := res.Get("unrealized_pnl"); v.Exists() {
		f := v.Float()
		snap.UnrealizedPnL = &f
	}
	return snap, nil
}

// GetOpenOrders 获取所有未成交的订单
func (e *LiveExchange) GetOpenOrders(symbol string) ([]models.OrderRef, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	data, err := e.request(fasthttp.MethodGet, "/v2/orders/open", params, nil)
	if err != nil {
		return nil, err
	}

	var orders []models.OrderRef
	gjson.GetBytes(data, "result").ForEach(func(_, v gjson.Result) bool {
		orders = append(orders, parseOrderRef(v))
		return true
	})
	return orders, nil
}

func parseOrderRef(v gjson.Result) models.OrderRef {
	ref := models.OrderRef{
		ID:            v.Get("id").Int(),
		ClientOrderID: v.Get("client_order_id").String(),
		Side:          models.OrderSide(strings.ToLower(v.Get("side").String())),
		Status:        models.ParseOrderStatus(v.Get("state").String()),
		Price:         v.Get("limit_price").Float(),
	}

	isStop := v.Get("stop_order_type").String() != "" || v.Get("stop_price").Float() > 0
	isLimit := v.Get("order_type").String() == "limit_order"
	switch {
	case isStop && isLimit:
		ref.Type = models.OrderTypeStopLimit
	case isStop:
		ref.Type = models.OrderTypeStop
		ref.Price = v.Get("stop_price").Float()
	case isLimit:
		ref.Type = models.OrderTypeLimit
	default:
		ref.Type = models.OrderTypeMarket
	}

	switch {
	case !v.Get("reduce_only").Bool():
		ref.Role = models.RoleEntry
	case isStop:
		ref.Role = models.RoleStopLoss
	case isLimit:
		ref.Role = models.RoleTakeProfit
	default:
		ref.Role = models.RoleExit
	}
	return ref
}
