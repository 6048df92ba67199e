package bot

import (
	"context"
	"delta-trend-bot-go/internal/downloader"
	"delta-trend-bot-go/internal/exchange"
	"delta-trend-bot-go/internal/indicators"
	"delta-trend-bot-go/internal/metrics"
	"delta-trend-bot-go/internal/models"
	"delta-trend-bot-go/internal/reconciler"
	"delta-trend-bot-go/internal/reporter"
	"delta-trend-bot-go/internal/statemanager"
	"delta-trend-bot-go/internal/strategy"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"go.uber.org/zap"
)

// Phase 表示主循环所处的生命周期阶段
type Phase string

const (
	PhaseInitializing Phase = "INITIALIZING"
	PhaseSeeding      Phase = "SEEDING_HISTORY"
	PhaseRunning      Phase = "RUNNING"
	PhaseBackoff      Phase = "BACKOFF"
	PhaseStopped      Phase = "STOPPED"
)

// FeedMonitor 报告一个实时数据流的连接状态
type FeedMonitor interface {
	Connected() bool
	Reconnects() int
}

// TradingBot 是交易机器人的核心结构，负责单个交易对。
// 它维护K线数据，在每根K线收盘时执行策略，并管理订单的生命周期。
type TradingBot struct {
	cfg     *models.Config
	gw      exchange.Gateway
	sm      *statemanager.StateManager
	policy  strategy.Policy
	engine  *indicators.Engine
	rec     *reconciler.Reconciler
	history *downloader.HistoryDownloader
	candles <-chan models.PartialCandle
	metrics *metrics.Metrics
	logger  *zap.Logger

	pollInterval time.Duration
	backoff      time.Duration
	statusEvery  time.Duration
	now          func() time.Time
	newClientID  func() string

	mu         sync.RWMutex
	phase      Phase
	feeds      map[string]FeedMonitor
	seriesLen  int
	lastCandle time.Time
}

// NewTradingBot 创建一个新的交易机器人实例，m 可以为 nil
func NewTradingBot(cfg *models.Config, gw exchange.Gateway, sm *statemanager.StateManager, policy strategy.Policy,
	candles <-chan models.PartialCandle, m *metrics.Metrics, logger *zap.Logger) (*TradingBot, error) {

	resolution, err := models.ParseResolution(cfg.Resolution)
	if err != nil {
		return nil, err
	}
	history, err := downloader.NewHistoryDownloader(gw, cfg.Symbol, cfg.Resolution, logger)
	if err != nil {
		return nil, err
	}
	minBars := cfg.MinBars
	if w := policy.Warmup(); w > minBars {
		minBars = w
	}
	rec := reconciler.NewReconciler(reconciler.Options{
		Resolution: resolution,
		MinBars:    minBars,
		Retention:  minBars + cfg.RetentionMargin,
		CloseGrace: time.Duration(cfg.CandleCloseGraceMs) * time.Millisecond,
		Filler:     history,
	}, logger)

	poll := time.Duration(cfg.PollIntervalSec) * time.Second
	b := &TradingBot{
		cfg:          cfg,
		gw:           gw,
		sm:           sm,
		policy:       policy,
		engine:       indicators.NewEngine(cfg.EMAPeriod, cfg.ATRPeriod, cfg.RSIPeriod),
		rec:          rec,
		history:      history,
		candles:      candles,
		metrics:      m,
		logger:       logger,
		pollInterval: poll,
		backoff:      poll * time.Duration(cfg.BackoffMultiplier),
		statusEvery:  time.Duration(cfg.StatusIntervalSec) * time.Second,
		now:          time.Now,
		newClientID:  NewClientOrderID,
		phase:        PhaseInitializing,
		feeds:        make(map[string]FeedMonitor),
	}
	return b, nil
}

// NewClientOrderID 生成一个 base62 编码的随机ID，
// 长度满足 Delta 对 client_order_id 不超过32个字符的限制
func NewClientOrderID() string {
	id := uuid.New()
	return base62.EncodeToString(id[:])
}

// AddFeed 注册一个数据流，用于状态报告和指标
func (b *TradingBot) AddFeed(name string, f FeedMonitor) {
	b.mu.Lock()
	b.feeds[name] = f
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.WatchFeed(name, f.Connected, f.Reconnects)
	}
}

// Phase 返回当前的循环阶段
func (b *TradingBot) Phase() Phase {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.phase
}

func (b *TradingBot) setPhase(p Phase) {
	b.mu.Lock()
	prev := b.phase
	b.phase = p
	b.mu.Unlock()
	if prev != p {
		b.logger.Info("Loop phase changed", zap.String("from", string(prev)), zap.String("to", string(p)))
	}
}

// Run 启动机器人：先与交易所同步状态，加载历史K线，
// 然后循环运行直到 ctx 被取消。启动阶段的错误会直接返回。
func (b *TradingBot) Run(ctx context.Context) error {
	b.setPhase(PhaseInitializing)
	if err := b.ReconcileStartup(); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	b.setPhase(PhaseSeeding)
	if err := b.SeedHistory(); err != nil {
		return fmt.Errorf("seed history: %w", err)
	}

	b.setPhase(PhaseRunning)
	if b.statusEvery > 0 {
		go b.statusLoop(ctx)
	}
	b.logger.Info("Trading loop started",
		zap.String("symbol", b.cfg.Symbol), zap.String("resolution", b.cfg.Resolution), zap.String("policy", b.policy.Name()))

	for {
		if ctx.Err() != nil {
			b.setPhase(PhaseStopped)
			return nil
		}

		progressed, err := b.SafeIterate()
		if err != nil {
			b.logger.Error("Iteration failed, backing off", zap.Error(err), zap.Duration("backoff", b.backoff))
			if b.metrics != nil {
				b.metrics.IterationFailed()
			}
			b.setPhase(PhaseBackoff)
			if !sleepCtx(ctx, b.backoff) {
				b.setPhase(PhaseStopped)
				return nil
			}
			b.setPhase(PhaseRunning)
			continue
		}
		if !progressed && !sleepCtx(ctx, b.pollInterval) {
			b.setPhase(PhaseStopped)
			return nil
		}
	}
}

// ReconcileStartup 恢复持久化的状态并与交易所同步：
// 以交易所的实际持仓为准，已经不存在的保护订单会被清除，
// 仍然挂着的保护订单会被接管到空的槽位中。
func (b *TradingBot) ReconcileStartup() error {
	if err := b.sm.Restore(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}

	pos, err := b.gw.GetPosition(b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}
	flat := pos == nil
	if flat {
		pos = &models.PositionSnapshot{}
	}
	res := b.sm.SyncPositionSnapshot(*pos)
	if flat {
		b.sweepOrders(res.Orphaned)
	}

	open, err := b.gw.GetOpenOrders(b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("get open orders: %w", err)
	}
	byID := make(map[int64]models.OrderRef, len(open))
	for _, o := range open {
		byID[o.ID] = o
	}

	st := b.sm.Snapshot()
	if st.StopLoss != nil {
		if _, ok := byID[st.StopLoss.ID]; !ok {
			b.logger.Warn("Stop-loss order no longer open, dropping it", zap.Int64("order_id", st.StopLoss.ID))
			b.sm.ClearSLIfOrder(st.StopLoss.ID)
		}
	}
	if st.TakeProfit != nil {
		if _, ok := byID[st.TakeProfit.ID]; !ok {
			b.logger.Warn("Take-profit order no longer open, dropping it", zap.Int64("order_id", st.TakeProfit.ID))
			b.sm.ClearTPIfOrder(st.TakeProfit.ID)
		}
	}

	st = b.sm.Snapshot()
	if st.InPosition && (st.StopLoss == nil || st.TakeProfit == nil) {
		sl, tp := st.StopLoss, st.TakeProfit
		exitSide := st.Side.ExitOrderSide()
		for i := range open {
			o := open[i]
			if o.Side != exitSide {
				continue
			}
			switch {
			case o.Role == models.RoleStopLoss && sl == nil:
				sl = &o
			case o.Role == models.RoleTakeProfit && tp == nil:
				tp = &o
			}
		}
		if sl != st.StopLoss || tp != st.TakeProfit {
			b.logger.Info("Adopting open protective orders", zap.Any("stop_loss", sl), zap.Any("take_profit", tp))
			if err := b.sm.AttachProtectiveOrders(sl, tp); err != nil {
				b.logger.Warn("Could not adopt protective orders", zap.Error(err))
			}
		}
	}

	st = b.sm.Snapshot()
	b.logger.Info("Startup reconciliation done",
		zap.String("phase", string(st.Phase)), zap.String("side", string(st.Side)), zap.Float64("size", st.Size),
		zap.Bool("stop_loss", st.StopLoss != nil), zap.Bool("take_profit", st.TakeProfit != nil))
	return nil
}

// sweepOrders 在交易所无持仓时清理所有残留挂单。
// 只有批量取消失败时，才逐个取消已知的订单。
func (b *TradingBot) sweepOrders(orphaned []models.OrderRef) {
	err := b.gw.CancelAllOrders(b.cfg.Symbol)
	if err == nil {
		b.logger.Info("Exchange is flat, cancelled leftover orders", zap.Int("tracked", len(orphaned)))
		return
	}
	b.logger.Warn("Failed to cancel leftover orders", zap.Error(err))
	for _, ref := range orphaned {
		if err := b.gw.CancelOrder(ref.ID); err != nil {
			b.logger.Warn("Failed to cancel orphaned order",
				zap.Int64("order_id", ref.ID), zap.String("role", string(ref.Role)), zap.Error(err))
		}
	}
}

// SeedHistory 下载 history_days 天的历史K线
func (b *TradingBot) SeedHistory() error {
	now := b.now()
	candles, err := b.history.FetchRecent(b.cfg.HistoryDays, now)
	if err != nil {
		return err
	}
	if err := b.rec.Seed(candles, now); err != nil {
		return err
	}
	b.publishSeries()
	return nil
}

// SafeIterate 执行一次迭代，并将 panic 转换为错误
func (b *TradingBot) SafeIterate() (progressed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Recovered from panic in iteration", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			progressed = false
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return b.Iterate()
}

// Iterate 处理所有待处理的K线更新，如果有K线收盘则执行策略评估。
// 返回值表示本次是否进行了评估。
func (b *TradingBot) Iterate() (bool, error) {
	finalized := b.drainCandles()
	finalized += b.rec.FlushExpired(b.now())
	if finalized == 0 {
		return false, nil
	}
	b.publishSeries()

	frame := b.engine.Compute(b.rec.Series())
	last, ok := frame.Last()
	if !ok {
		return true, nil
	}
	if b.metrics != nil {
		b.metrics.CandlesFinalized(finalized, last.Close)
	}
	if math.IsNaN(last.EMA) || math.IsNaN(last.RSI) {
		b.logger.Debug("Indicators warming up", zap.Time("candle", last.StartTime))
		return true, nil
	}

	state := b.sm.Snapshot()
	var err error
	switch {
	case state.InPosition:
		err = b.managePosition(frame, state)
	case state.Phase == models.PhaseFlat:
		err = b.tryEntry(frame, state)
	case state.Phase == models.PhaseEntering:
		err = b.settleEntry()
	default:
		b.logger.Debug("Waiting for in-flight order", zap.String("phase", string(state.Phase)))
	}

	if b.metrics != nil {
		b.metrics.IterationDone()
		b.metrics.SetPosition(b.sm.Snapshot())
	}
	return true, err
}

func (b *TradingBot) drainCandles() int {
	n := 0
	for {
		select {
		case u, ok := <-b.candles:
			if !ok {
				return n
			}
			n += b.rec.ApplyLiveUpdate(u)
		default:
			return n
		}
	}
}

func (b *TradingBot) publishSeries() {
	last, _ := b.rec.Last()
	b.mu.Lock()
	b.seriesLen = b.rec.Len()
	b.lastCandle = last.StartTime
	b.mu.Unlock()
}

func (b *TradingBot) tryEntry(frame indicators.Frame, state models.PositionState) error {
	sig := b.policy.EvaluateEntry(frame, state)
	if !sig.Fire() {
		return nil
	}
	last, _ := frame.Last()
	b.logger.Info("Entry signal",
		zap.String("side", string(sig.Side)), zap.String("reason", sig.Reason),
		zap.Float64("close", last.Close), zap.Float64("ema", last.EMA), zap.Float64("rsi", last.RSI))

	if err := b.sm.BeginEntry(sig.Side); err != nil {
		b.logger.Warn("Entry refused by state machine", zap.Error(err))
		return nil
	}

	req := models.OrderRequest{
		Symbol:        b.cfg.Symbol,
		Side:          sig.Side.EntryOrderSide(),
		Size:          b.cfg.TradeSize,
		Type:          models.OrderTypeMarket,
		ClientOrderID: b.newClientID(),
	}
	res, err := b.gw.PlaceOrder(req)
	if err != nil {
		b.sm.AbortEntry(err.Error())
		b.orderFailed(models.RoleEntry)
		return fmt.Errorf("place entry order: %w", err)
	}
	b.orderPlaced(models.RoleEntry, req.Side)

	size := res.FilledSize
	if size <= 0 {
		size = b.cfg.TradeSize
	}
	fillPrice := res.AvgFillPrice
	if fillPrice <= 0 {
		// 下单响应中可能还没有成交信息
		pos, err := b.gw.GetPosition(b.cfg.Symbol)
		if err != nil {
			// 订单已被接受，交易所可能已经持仓，
			// 保持 ENTERING 状态，等待仓位快照确认
			return fmt.Errorf("confirm entry fill: %w", err)
		}
		if pos == nil || pos.AvgEntryPrice <= 0 {
			b.sm.AbortEntry("fill not confirmed")
			return fmt.Errorf("entry order %d not filled", res.OrderID)
		}
		fillPrice = pos.AvgEntryPrice
	}

	sl, tp, err := strategy.InitialSLTP(fillPrice, sig.Side, b.cfg.StopLossPct, b.cfg.TargetPct)
	if err != nil {
		return err
	}
	if err := b.sm.MarkEntry(statemanager.EntryParams{
		Side:       sig.Side,
		Price:      fillPrice,
		Size:       size,
		StopLoss:   sl,
		TakeProfit: tp,
		CandleTime: last.StartTime,
	}); err != nil {
		return fmt.Errorf("mark entry: %w", err)
	}

	slRef, tpRef, err := b.placeProtection(sig.Side, size, sl, tp, true, true)
	b.attach(slRef, tpRef)
	if err != nil {
		b.logger.Error("Position is not fully protected, will repair next iteration", zap.Error(err))
	}
	return nil
}

// settleEntry 通过查询交易所持仓来确认一个未确认成交的开仓。
// 有持仓则接管并补挂保护订单，无持仓则回到 FLAT 状态。
func (b *TradingBot) settleEntry() error {
	pos, err := b.gw.GetPosition(b.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("settle in-flight entry: %w", err)
	}
	if pos == nil {
		pos = &models.PositionSnapshot{}
	}
	b.sm.SyncPositionSnapshot(*pos)
	if !b.sm.Snapshot().InPosition {
		b.sm.AbortEntry("exchange reports no position")
	}

	st := b.sm.Snapshot()
	b.logger.Info("Settled in-flight entry",
		zap.String("phase", string(st.Phase)), zap.String("side", string(st.Side)), zap.Float64("size", st.Size))
	if st.InPosition {
		return b.repairProtection()
	}
	return nil
}

func (b *TradingBot) managePosition(frame indicators.Frame, state models.PositionState) error {
	last, _ := frame.Last()
	price := last.Close

	if state.Phase == models.PhaseInPosition {
		if exit, reason := b.policy.EvaluateExit(frame, state); exit {
			return b.closePosition(state, reason, price)
		}
	}

	// 移动止损以本根K线之前的极值为基准
	if state.Phase == models.PhaseInPosition {
		if candidate, ok := strategy.TrailingStopUpdate(price, state, b.cfg.TrailStopPct); ok && tightens(state, candidate) {
			if err := b.moveStop(state, candidate); err != nil {
				b.sm.UpdateExtrema(price)
				return err
			}
		}
	}
	b.sm.UpdateExtrema(price)

	return b.repairProtection()
}

// tightens 判断新的止损价是否比当前止损更优
func tightens(state models.PositionState, candidate float64) bool {
	current := state.InitialSL
	if state.StopLoss != nil && state.StopLoss.Price > 0 {
		current = state.StopLoss.Price
	}
	if state.TrailingSL != nil {
		current = *state.TrailingSL
	}
	if current <= 0 {
		return true
	}
	if state.Side == models.SideShort {
		return candidate < current
	}
	return candidate > current
}

// moveStop 取消现有的止损止盈单，并以 newStop 为止损价重新挂单
func (b *TradingBot) moveStop(state models.PositionState, newStop float64) error {
	b.logger.Info("Moving trailing stop", zap.Float64("stop", newStop), zap.Float64p("previous", state.TrailingSL))
	b.cancelProtection(state)

	target := state.InitialTP
	if state.TakeProfit != nil && state.TakeProfit.Price > 0 {
		target = state.TakeProfit.Price
	}
	slRef, tpRef, err := b.placeProtection(state.Side, state.Size, newStop, target, true, true)
	b.attach(slRef, tpRef)
	if slRef != nil {
		b.sm.SetTrailingStop(newStop)
	}
	if err != nil {
		return fmt.Errorf("replace protective orders: %w", err)
	}
	return nil
}

// repairProtection 补挂缺失的止损或止盈单
func (b *TradingBot) repairProtection() error {
	st := b.sm.Snapshot()
	if !st.InPosition || st.Phase != models.PhaseInPosition || (st.HasStopLoss() && st.HasTakeProfit()) {
		return nil
	}
	b.logger.Error("Position is unprotected, placing missing orders",
		zap.Bool("stop_loss", st.HasStopLoss()), zap.Bool("take_profit", st.HasTakeProfit()))

	sl, tp := st.InitialSL, st.InitialTP
	if sl <= 0 || tp <= 0 {
		var err error
		if sl, tp, err = strategy.InitialSLTP(st.EntryPrice, st.Side, b.cfg.StopLossPct, b.cfg.TargetPct); err != nil {
			return err
		}
	}
	if st.TrailingSL != nil {
		sl = *st.TrailingSL
	}

	slRef, tpRef, err := b.placeProtection(st.Side, st.Size, sl, tp, !st.HasStopLoss(), !st.HasTakeProfit())
	if slRef == nil {
		slRef = st.StopLoss
	}
	if tpRef == nil {
		tpRef = st.TakeProfit
	}
	b.attach(slRef, tpRef)
	if err != nil {
		return fmt.Errorf("repair protective orders: %w", err)
	}
	return nil
}

func (b *TradingBot) closePosition(state models.PositionState, reason string, price float64) error {
	b.logger.Info("Exit signal", zap.String("reason", reason), zap.Float64("close", price))
	if err := b.sm.BeginExit(statemanager.ReasonSignal); err != nil {
		return nil
	}
	b.cancelProtection(state)

	req := models.OrderRequest{
		Symbol:        b.cfg.Symbol,
		Side:          state.Side.ExitOrderSide(),
		Size:          state.Size,
		Type:          models.OrderTypeMarket,
		ReduceOnly:    true,
		ClientOrderID: b.newClientID(),
	}
	res, err := b.gw.PlaceOrder(req)
	if err != nil {
		b.sm.AbortExit(err.Error())
		b.orderFailed(models.RoleExit)
		return fmt.Errorf("place exit order: %w", err)
	}
	b.orderPlaced(models.RoleExit, req.Side)

	exitPrice := res.AvgFillPrice
	if exitPrice <= 0 {
		exitPrice = price
	}
	b.sm.MarkExit(statemanager.ReasonSignal, exitPrice)
	return nil
}

// cancelProtection 取消当前记录的保护订单。
// 失败只记录日志：订单可能已经不存在，数据流会更新对应的槽位。
func (b *TradingBot) cancelProtection(state models.PositionState) {
	for _, ref := range []*models.OrderRef{state.StopLoss, state.TakeProfit} {
		if ref == nil {
			continue
		}
		if err := b.gw.CancelOrder(ref.ID); err != nil {
			b.logger.Warn("Cancel failed", zap.Int64("order_id", ref.ID), zap.String("role", string(ref.Role)), zap.Error(err))
			continue
		}
		if ref.Role == models.RoleStopLoss {
			b.sm.ClearSLIfOrder(ref.ID)
		} else {
			b.sm.ClearTPIfOrder(ref.ID)
		}
	}
}

// placeProtection 为持仓挂出止损和/或止盈单。
// 即使其中一个失败，已被接受的订单引用也会返回。
func (b *TradingBot) placeProtection(side models.Side, size, stop, target float64, wantSL, wantTP bool) (*models.OrderRef, *models.OrderRef, error) {
	var slRef, tpRef *models.OrderRef
	var errs []error

	if wantSL {
		ref, err := b.placeProtective(models.RoleStopLoss, side, size, stop)
		if err != nil {
			errs = append(errs, err)
		}
		slRef = ref
	}
	if wantTP {
		ref, err := b.placeProtective(models.RoleTakeProfit, side, size, target)
		if err != nil {
			errs = append(errs, err)
		}
		tpRef = ref
	}
	return slRef, tpRef, errors.Join(errs...)
}

func (b *TradingBot) placeProtective(role models.OrderRole, side models.Side, size, price float64) (*models.OrderRef, error) {
	req := models.OrderRequest{
		Symbol:        b.cfg.Symbol,
		Side:          side.ExitOrderSide(),
		Size:          size,
		ReduceOnly:    true,
		ClientOrderID: b.newClientID(),
	}
	if role == models.RoleStopLoss {
		req.Type = models.OrderTypeStop
		req.StopPrice = price
	} else {
		req.Type = models.OrderTypeLimit
		req.Price = price
	}

	res, err := b.gw.PlaceOrder(req)
	if err != nil {
		b.orderFailed(role)
		return nil, fmt.Errorf("place %s at %.2f: %w", role, price, err)
	}
	b.orderPlaced(role, req.Side)

	status := res.Status
	if status == "" || status == models.StatusUnknown {
		status = models.StatusOpen
	}
	b.logger.Info("Protective order placed",
		zap.String("role", string(role)), zap.Int64("order_id", res.OrderID), zap.Float64("price", price))
	return &models.OrderRef{
		ID:            res.OrderID,
		ClientOrderID: req.ClientOrderID,
		Role:          role,
		Side:          req.Side,
		Type:          req.Type,
		Status:        status,
		Price:         price,
	}, nil
}

// attach 将订单引用保存到持仓上。
// 如果期间持仓已经平掉，这些新订单就成了孤儿订单，需要取消。
func (b *TradingBot) attach(sl, tp *models.OrderRef) {
	if sl == nil && tp == nil {
		return
	}
	if err := b.sm.AttachProtectiveOrders(sl, tp); err != nil {
		b.logger.Warn("Position closed before protective orders were attached, cancelling them", zap.Error(err))
		for _, ref := range []*models.OrderRef{sl, tp} {
			if ref == nil {
				continue
			}
			if err := b.gw.CancelOrder(ref.ID); err != nil {
				b.logger.Warn("Cancel failed", zap.Int64("order_id", ref.ID), zap.Error(err))
			}
		}
	}
}

func (b *TradingBot) orderPlaced(role models.OrderRole, side models.OrderSide) {
	if b.metrics != nil {
		b.metrics.OrderPlaced(role, side)
	}
}

func (b *TradingBot) orderFailed(role models.OrderRole) {
	if b.metrics != nil {
		b.metrics.OrderFailed(role)
	}
}

func (b *TradingBot) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(b.statusEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.logger.Info("Status\n" + reporter.RenderStatus(b.Status()))
		}
	}
}

// Status 收集定期状态报告所需的数据
func (b *TradingBot) Status() reporter.Status {
	b.mu.RLock()
	st := reporter.Status{
		Symbol:     b.cfg.Symbol,
		Phase:      string(b.phase),
		Connected:  make(map[string]bool, len(b.feeds)),
		Reconnects: make(map[string]int, len(b.feeds)),
		SeriesLen:  b.seriesLen,
		LastCandle: b.lastCandle,
	}
	for name, f := range b.feeds {
		st.Connected[name] = f.Connected()
		st.Reconnects[name] = f.Reconnects()
	}
	b.mu.RUnlock()

	st.State = b.sm.Snapshot()
	if b.metrics != nil {
		b.metrics.SetPosition(st.State)
		if snap, err := b.metrics.Snapshot(); err == nil {
			st.Metrics = snap
		}
	}
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
