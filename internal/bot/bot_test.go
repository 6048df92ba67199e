package bot

import (
	"context"
	"delta-trend-bot-go/internal/indicators"
	"delta-trend-bot-go/internal/metrics"
	"delta-trend-bot-go/internal/models"
	"delta-trend-bot-go/internal/statemanager"
	"delta-trend-bot-go/internal/strategy"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2025, 1, 2, 0, 0, 30, 0, time.UTC)

// fakeGateway serves a flat 1-minute history and records every order call.
type fakeGateway struct {
	sync.Mutex
	nextID     int64
	fillPrice  float64
	placed     []models.OrderRequest
	cancelled  []int64
	cancelAll  int
	cancelErr  error
	failTypes  map[models.OrderType]error
	position   *models.PositionSnapshot
	posErr     error
	openOrders []models.OrderRef
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{nextID: 100, fillPrice: 100, failTypes: map[models.OrderType]error{}}
}

func (g *fakeGateway) GetCandles(symbol, resolution string, start, end time.Time) ([]models.Candle, error) {
	var out []models.Candle
	for t := start.Truncate(time.Minute); !t.After(end); t = t.Add(time.Minute) {
		if t.Before(start) {
			continue
		}
		out = append(out, models.Candle{StartTime: t, Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 1})
	}
	return out, nil
}

func (g *fakeGateway) PlaceOrder(req models.OrderRequest) (*models.OrderResult, error) {
	g.Lock()
	defer g.Unlock()
	if err := g.failTypes[req.Type]; err != nil {
		return nil, err
	}
	g.placed = append(g.placed, req)
	g.nextID++
	res := &models.OrderResult{OrderID: g.nextID, ClientOrderID: req.ClientOrderID, Status: models.StatusOpen}
	if req.Type == models.OrderTypeMarket {
		res.Status = models.StatusFilled
		res.AvgFillPrice = g.fillPrice
		res.FilledSize = req.Size
	}
	return res, nil
}

func (g *fakeGateway) CancelOrder(id int64) error {
	g.Lock()
	defer g.Unlock()
	g.cancelled = append(g.cancelled, id)
	return nil
}

func (g *fakeGateway) CancelAllOrders(string) error {
	g.Lock()
	defer g.Unlock()
	g.cancelAll++
	return g.cancelErr
}

func (g *fakeGateway) GetPosition(string) (*models.PositionSnapshot, error) {
	g.Lock()
	defer g.Unlock()
	if g.posErr != nil {
		return nil, g.posErr
	}
	return g.position, nil
}

func (g *fakeGateway) GetOpenOrders(string) ([]models.OrderRef, error) {
	g.Lock()
	defer g.Unlock()
	return g.openOrders, nil
}

func (g *fakeGateway) GetProductID(string) (int64, error) { return 27, nil }

func (g *fakeGateway) orders() []models.OrderRequest {
	g.Lock()
	defer g.Unlock()
	return append([]models.OrderRequest(nil), g.placed...)
}

// stubPolicy returns fixed decisions.
type stubPolicy struct {
	entry  models.Side
	exit   bool
	panics bool
}

func (p *stubPolicy) Name() string { return "stub" }
func (p *stubPolicy) Warmup() int  { return 2 }

func (p *stubPolicy) EvaluateEntry(_ indicators.Frame, st models.PositionState) strategy.Signal {
	if p.panics {
		panic("policy exploded")
	}
	if st.InPosition {
		return strategy.Signal{}
	}
	return strategy.Signal{Side: p.entry, Reason: "stub"}
}

func (p *stubPolicy) EvaluateExit(indicators.Frame, models.PositionState) (bool, string) {
	return p.exit, "stub exit"
}

type recordingSink struct {
	sync.Mutex
	trades []models.TradeRecord
}

func (s *recordingSink) RecordTrade(rec models.TradeRecord) error {
	s.Lock()
	defer s.Unlock()
	s.trades = append(s.trades, rec)
	return nil
}

func testConfig() *models.Config {
	return &models.Config{
		Symbol:             "BTCUSD",
		Resolution:         "1m",
		EMAPeriod:          5,
		ATRPeriod:          5,
		RSIPeriod:          5,
		StopLossPct:        0.002,
		TargetPct:          0.005,
		TrailStopPct:       0.003,
		LotSize:            0.001,
		TradeSize:          0.005,
		FeePerTrade:        0.1,
		HistoryDays:        1,
		MinBars:            50,
		RetentionMargin:    10,
		CandleCloseGraceMs: 15000,
		PollIntervalSec:    1,
		BackoffMultiplier:  5,
	}
}

type harness struct {
	bot     *TradingBot
	gw      *fakeGateway
	sm      *statemanager.StateManager
	sink    *recordingSink
	policy  *stubPolicy
	candles chan models.PartialCandle
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		gw:      newFakeGateway(),
		sink:    &recordingSink{},
		policy:  &stubPolicy{},
		candles: make(chan models.PartialCandle, 16),
		metrics: metrics.New(),
	}
	h.sm = statemanager.NewStateManager(nil, h.sink, 0.1, zap.NewNop())
	b, err := NewTradingBot(testConfig(), h.gw, h.sm, h.policy, h.candles, h.metrics, zap.NewNop())
	require.NoError(t, err)
	b.now = func() time.Time { return testNow }
	ids := 0
	b.newClientID = func() string {
		ids++
		return "cid" + string(rune('a'+ids))
	}
	h.bot = b
	return h
}

func (h *harness) seed(t *testing.T) {
	t.Helper()
	require.NoError(t, h.bot.SeedHistory())
}

// closeCandle pushes a closed candle n minutes after the seeded history.
func (h *harness) closeCandle(n int, price float64) {
	h.candles <- models.PartialCandle{
		StartTime: testNow.Truncate(time.Minute).Add(time.Duration(n) * time.Minute),
		Close:     &price,
		Closed:    true,
	}
}

func (h *harness) enterLong(t *testing.T) {
	t.Helper()
	require.NoError(t, h.sm.MarkEntry(statemanager.EntryParams{
		Side: models.SideLong, Price: 100, Size: 0.005, StopLoss: 99.8, TakeProfit: 100.5,
	}))
}

func TestSeedHistoryDropsOpenCandle(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	st := h.bot.Status()
	assert.Equal(t, 1439, st.SeriesLen)
	assert.True(t, st.LastCandle.Equal(testNow.Truncate(time.Minute).Add(-time.Minute)))
}

func TestLivePushTrimsToRetention(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	h.closeCandle(0, 100)
	_, err := h.bot.Iterate()
	require.NoError(t, err)
	assert.Equal(t, 60, h.bot.Status().SeriesLen)
}

func TestIterateWithoutNewCandleDoesNothing(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.policy.entry = models.SideLong

	progressed, err := h.bot.Iterate()
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Empty(t, h.gw.orders())
}

func TestEntryPlacesProtectiveOrders(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.policy.entry = models.SideLong

	h.closeCandle(0, 100)
	progressed, err := h.bot.Iterate()
	require.NoError(t, err)
	require.True(t, progressed)

	orders := h.gw.orders()
	require.Len(t, orders, 3)
	assert.Equal(t, models.OrderTypeMarket, orders[0].Type)
	assert.Equal(t, models.Buy, orders[0].Side)
	assert.Equal(t, 0.005, orders[0].Size)
	assert.False(t, orders[0].ReduceOnly)

	assert.Equal(t, models.OrderTypeStop, orders[1].Type)
	assert.Equal(t, models.Sell, orders[1].Side)
	assert.InDelta(t, 99.8, orders[1].StopPrice, 1e-9)
	assert.True(t, orders[1].ReduceOnly)

	assert.Equal(t, models.OrderTypeLimit, orders[2].Type)
	assert.InDelta(t, 100.5, orders[2].Price, 1e-9)
	assert.True(t, orders[2].ReduceOnly)

	st := h.sm.Snapshot()
	require.True(t, st.InPosition)
	assert.Equal(t, models.SideLong, st.Side)
	assert.Equal(t, 100.0, st.EntryPrice)
	require.NotNil(t, st.StopLoss)
	require.NotNil(t, st.TakeProfit)
	assert.Equal(t, int64(102), st.StopLoss.ID)
	assert.Equal(t, int64(103), st.TakeProfit.ID)
	assert.True(t, st.EntryCandleTime.Equal(testNow.Truncate(time.Minute)))

	snap, err := h.metrics.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 3.0, snap.Orders)
	assert.Equal(t, 1.0, snap.Iterations)
}

func TestShortEntryMirrorsProtection(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.policy.entry = models.SideShort

	h.closeCandle(0, 100)
	_, err := h.bot.Iterate()
	require.NoError(t, err)

	orders := h.gw.orders()
	require.Len(t, orders, 3)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.Equal(t, models.Buy, orders[1].Side)
	assert.InDelta(t, 100.2, orders[1].StopPrice, 1e-9)
	assert.InDelta(t, 99.5, orders[2].Price, 1e-9)
}

func TestEntryFailureAbortsAndErrors(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.policy.entry = models.SideLong
	h.gw.failTypes[models.OrderTypeMarket] = errors.New("insufficient margin")

	h.closeCandle(0, 100)
	_, err := h.bot.Iterate()
	require.Error(t, err)

	st := h.sm.Snapshot()
	assert.False(t, st.InPosition)
	assert.Equal(t, models.PhaseFlat, st.Phase)
	snap, _ := h.metrics.Snapshot()
	assert.Equal(t, 1.0, snap.OrderFailures)
}

func TestStopFailureLeavesPositionForRepair(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.policy.entry = models.SideLong
	h.gw.failTypes[models.OrderTypeStop] = errors.New("rejected")

	h.closeCandle(0, 100)
	_, err := h.bot.Iterate()
	require.NoError(t, err)

	st := h.sm.Snapshot()
	require.True(t, st.InPosition)
	assert.Nil(t, st.StopLoss)
	require.NotNil(t, st.TakeProfit)

	delete(h.gw.failTypes, models.OrderTypeStop)
	h.closeCandle(1, 100)
	_, err = h.bot.Iterate()
	require.NoError(t, err)

	st = h.sm.Snapshot()
	require.NotNil(t, st.StopLoss)
	assert.InDelta(t, 99.8, st.StopLoss.Price, 1e-9)
	assert.Equal(t, int64(102), st.TakeProfit.ID, "existing target kept")
}

func TestTrailingStopReplacesBothOrders(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.enterLong(t)
	require.NoError(t, h.sm.AttachProtectiveOrders(
		&models.OrderRef{ID: 11, Role: models.RoleStopLoss, Price: 99.8},
		&models.OrderRef{ID: 12, Role: models.RoleTakeProfit, Price: 100.5},
	))

	h.closeCandle(0, 100.4)
	_, err := h.bot.Iterate()
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{11, 12}, h.gw.cancelled)
	orders := h.gw.orders()
	require.Len(t, orders, 2)
	assert.InDelta(t, 100.4*0.997, orders[0].StopPrice, 1e-9)
	assert.InDelta(t, 100.5, orders[1].Price, 1e-9)

	st := h.sm.Snapshot()
	require.NotNil(t, st.TrailingSL)
	assert.InDelta(t, 100.4*0.997, *st.TrailingSL, 1e-9)
	assert.Equal(t, 100.4, st.HighestSince)
	assert.NotEqual(t, int64(11), st.StopLoss.ID)
	assert.NotEqual(t, int64(12), st.TakeProfit.ID)
}

func TestTrailingStopNeverLoosensInitialStop(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.enterLong(t)
	require.NoError(t, h.sm.AttachProtectiveOrders(
		&models.OrderRef{ID: 11, Role: models.RoleStopLoss, Price: 99.8},
		&models.OrderRef{ID: 12, Role: models.RoleTakeProfit, Price: 100.5},
	))

	// 100.05 * 0.997 is below the initial stop
	h.closeCandle(0, 100.05)
	_, err := h.bot.Iterate()
	require.NoError(t, err)

	assert.Empty(t, h.gw.cancelled)
	assert.Empty(t, h.gw.orders())
	st := h.sm.Snapshot()
	assert.Nil(t, st.TrailingSL)
	assert.Equal(t, 100.05, st.HighestSince)
}

func TestSignalExitClosesPosition(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.enterLong(t)
	require.NoError(t, h.sm.AttachProtectiveOrders(
		&models.OrderRef{ID: 11, Role: models.RoleStopLoss, Price: 99.8},
		&models.OrderRef{ID: 12, Role: models.RoleTakeProfit, Price: 100.5},
	))
	h.policy.exit = true
	h.gw.fillPrice = 100.3

	h.closeCandle(0, 100.3)
	_, err := h.bot.Iterate()
	require.NoError(t, err)

	assert.ElementsMatch(t, []int64{11, 12}, h.gw.cancelled)
	orders := h.gw.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, models.Sell, orders[0].Side)
	assert.True(t, orders[0].ReduceOnly)

	st := h.sm.Snapshot()
	assert.False(t, st.InPosition)
	assert.Equal(t, statemanager.ReasonSignal, st.LastExitReason)
	require.Len(t, h.sink.trades, 1)
	assert.InDelta(t, 0.3*0.005, h.sink.trades[0].GrossPnL, 1e-9)
}

func TestSignalExitFailureKeepsPosition(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.enterLong(t)
	h.policy.exit = true
	h.gw.failTypes[models.OrderTypeMarket] = errors.New("timeout")

	h.closeCandle(0, 100.3)
	_, err := h.bot.Iterate()
	require.Error(t, err)

	st := h.sm.Snapshot()
	assert.True(t, st.InPosition)
	assert.Equal(t, models.PhaseInPosition, st.Phase)
}

func TestSafeIterateRecoversPanics(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.policy.panics = true

	h.closeCandle(0, 100)
	progressed, err := h.bot.SafeIterate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy exploded")
	assert.False(t, progressed)
}

func TestReconcileStartupAdoptsExchangeView(t *testing.T) {
	h := newHarness(t)
	h.enterLong(t)
	h.sm.SetSLTPOrderIDs(
		&models.OrderRef{ID: 1, Role: models.RoleStopLoss},
		&models.OrderRef{ID: 2, Role: models.RoleTakeProfit},
	)
	h.gw.position = &models.PositionSnapshot{Size: 0.005, AvgEntryPrice: 100}
	h.gw.openOrders = []models.OrderRef{
		{ID: 2, Role: models.RoleTakeProfit, Side: models.Sell},
		{ID: 5, Role: models.RoleStopLoss, Side: models.Sell, Price: 99.8},
		{ID: 6, Role: models.RoleStopLoss, Side: models.Buy},
	}

	require.NoError(t, h.bot.ReconcileStartup())

	st := h.sm.Snapshot()
	require.True(t, st.InPosition)
	require.NotNil(t, st.StopLoss)
	assert.Equal(t, int64(5), st.StopLoss.ID)
	require.NotNil(t, st.TakeProfit)
	assert.Equal(t, int64(2), st.TakeProfit.ID)
}

func TestReconcileStartupFlatOnExchange(t *testing.T) {
	h := newHarness(t)
	h.enterLong(t)
	h.sm.SetSLTPOrderIDs(&models.OrderRef{ID: 1, Role: models.RoleStopLoss}, nil)

	require.NoError(t, h.bot.ReconcileStartup())

	st := h.sm.Snapshot()
	assert.False(t, st.InPosition)
	assert.Nil(t, st.StopLoss)
	assert.Equal(t, statemanager.ReasonPositionClosed, st.LastExitReason)
	assert.Len(t, h.sink.trades, 1)
	assert.Equal(t, 1, h.gw.cancelAll, "leftover orders are swept")
	assert.Empty(t, h.gw.cancelled)
}

func TestReconcileStartupCancelsOrphansWhenSweepFails(t *testing.T) {
	h := newHarness(t)
	h.enterLong(t)
	h.sm.SetSLTPOrderIDs(
		&models.OrderRef{ID: 11, Role: models.RoleStopLoss},
		&models.OrderRef{ID: 12, Role: models.RoleTakeProfit},
	)
	h.gw.cancelErr = errors.New("rate limited")

	require.NoError(t, h.bot.ReconcileStartup())

	assert.False(t, h.sm.Snapshot().InPosition)
	assert.Equal(t, 1, h.gw.cancelAll)
	assert.Equal(t, []int64{11, 12}, h.gw.cancelled)
}

func TestReconcileStartupKeepsOrdersOfLivePosition(t *testing.T) {
	h := newHarness(t)
	h.gw.position = &models.PositionSnapshot{Size: 0.005, AvgEntryPrice: 100}

	require.NoError(t, h.bot.ReconcileStartup())

	assert.True(t, h.sm.Snapshot().InPosition)
	assert.Zero(t, h.gw.cancelAll)
	assert.Empty(t, h.gw.cancelled)
}

func TestUnconfirmedEntryStaysInFlightUntilSettled(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.policy.entry = models.SideLong
	h.gw.fillPrice = 0
	h.gw.posErr = errors.New("gateway timeout")

	h.closeCandle(0, 100)
	_, err := h.bot.Iterate()
	require.Error(t, err)

	st := h.sm.Snapshot()
	assert.Equal(t, models.PhaseEntering, st.Phase, "an accepted order is not rolled back")
	assert.Equal(t, models.SideLong, st.PendingSide)
	require.Len(t, h.gw.orders(), 1)

	h.gw.posErr = nil
	h.gw.position = &models.PositionSnapshot{Size: 0.005, AvgEntryPrice: 100}
	h.closeCandle(1, 100)
	_, err = h.bot.Iterate()
	require.NoError(t, err)

	st = h.sm.Snapshot()
	require.True(t, st.InPosition)
	assert.Equal(t, models.PhaseInPosition, st.Phase)
	assert.Equal(t, models.SideLong, st.Side)
	require.NotNil(t, st.StopLoss)
	require.NotNil(t, st.TakeProfit)
	assert.InDelta(t, 99.8, st.StopLoss.Price, 1e-9)
	assert.Len(t, h.gw.orders(), 3, "no second entry order")
}

func TestUnconfirmedEntrySettlesFlat(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	h.policy.entry = models.SideLong
	h.gw.fillPrice = 0
	h.gw.posErr = errors.New("gateway timeout")

	h.closeCandle(0, 100)
	_, err := h.bot.Iterate()
	require.Error(t, err)

	h.gw.posErr = nil
	h.policy.entry = models.SideNone
	h.closeCandle(1, 100)
	_, err = h.bot.Iterate()
	require.NoError(t, err)

	st := h.sm.Snapshot()
	assert.False(t, st.InPosition)
	assert.Equal(t, models.PhaseFlat, st.Phase)
	assert.Equal(t, models.SideNone, st.PendingSide)
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	h.bot.pollInterval = 5 * time.Millisecond
	h.bot.AddFeed("public", connectedFeed(true))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.bot.Run(ctx) }()

	require.Eventually(t, func() bool { return h.bot.Phase() == PhaseRunning }, 2*time.Second, 5*time.Millisecond)
	st := h.bot.Status()
	assert.True(t, st.Connected["public"])
	assert.Equal(t, 0, st.Reconnects["public"])
	assert.True(t, st.Metrics.FeedConnected["public"])
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, PhaseStopped, h.bot.Phase())
}

type connectedFeed bool

func (c connectedFeed) Connected() bool { return bool(c) }
func (c connectedFeed) Reconnects() int { return 0 }

func TestClientOrderIDIsCompact(t *testing.T) {
	a, b := NewClientOrderID(), NewClientOrderID()
	assert.NotEqual(t, a, b)
	assert.LessOrEqual(t, len(a), 32)
	assert.NotEmpty(t, a)
}
