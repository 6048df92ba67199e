package metrics

import (
	"delta-trend-bot-go/internal/models"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotFoldsLabels(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "/v2/products", "200", 10*time.Millisecond)
	m.ObserveRequest("GET", "/v2/products", "503", 10*time.Millisecond)
	m.ObserveRequest("POST", "/v2/orders", "transport_error", time.Second)
	m.ObserveEvent("order")
	m.ObserveEvent("order")
	m.ObserveEvent("candle")
	m.CandlesFinalized(2, 101.5)
	m.CandlesFinalized(0, 0)
	m.IterationDone()
	m.IterationFailed()
	m.OrderPlaced(models.RoleEntry, models.Buy)
	m.OrderFailed(models.RoleStopLoss)
	require.NoError(t, m.RecordTrade(models.TradeRecord{Side: models.SideLong, Reason: "take_profit", NetPnL: 2.4}))
	require.NoError(t, m.RecordTrade(models.TradeRecord{Side: models.SideShort, Reason: "stop_loss", NetPnL: -1.1}))
	m.SetPosition(models.PositionState{InPosition: true, Side: models.SideShort, Size: 0.005, RealizedPnL: 1.3, UnrealizedPnL: -0.2})

	s, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 3.0, s.Requests)
	assert.Equal(t, 2.0, s.RequestFailures)
	assert.Equal(t, 2.0, s.FeedEvents["order"])
	assert.Equal(t, 1.0, s.FeedEvents["candle"])
	assert.Equal(t, 2.0, s.Candles)
	assert.Equal(t, 101.5, s.LastClose)
	assert.Equal(t, 1.0, s.Iterations)
	assert.Equal(t, 1.0, s.LoopErrors)
	assert.Equal(t, 1.0, s.Orders)
	assert.Equal(t, 1.0, s.OrderFailures)
	assert.Equal(t, 1.0, s.Wins)
	assert.Equal(t, 1.0, s.Losses)
	assert.Equal(t, 1.0, s.ExitReasons["stop_loss"])
	assert.Equal(t, -0.005, s.PositionSize)
	assert.Equal(t, 1.3, s.RealizedPnL)
	assert.Equal(t, -0.2, s.UnrealizedPnL)
}

func TestFlatPositionZeroesSize(t *testing.T) {
	m := New()
	m.SetPosition(models.PositionState{Side: models.SideLong, Size: 1})
	s, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.PositionSize)
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.IterationDone()
	sa, err := a.Snapshot()
	require.NoError(t, err)
	sb, err := b.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 1.0, sa.Iterations)
	assert.Equal(t, 0.0, sb.Iterations)
}

func TestWatchedFeedsAreReadAtGather(t *testing.T) {
	m := New()
	connected, reconnects := true, 0
	var dropped int64
	m.WatchFeed("public", func() bool { return connected }, func() int { return reconnects })
	m.WatchFeed("private", func() bool { return false }, func() int { return 4 })
	m.WatchCandleDrops(func() int64 { return dropped })

	s, err := m.Snapshot()
	require.NoError(t, err)
	assert.True(t, s.FeedConnected["public"])
	assert.False(t, s.FeedConnected["private"])
	assert.Equal(t, 0.0, s.Reconnects["public"])
	assert.Equal(t, 4.0, s.Reconnects["private"])
	assert.Zero(t, s.CandlesDropped)

	connected, reconnects, dropped = false, 2, 7
	s, err = m.Snapshot()
	require.NoError(t, err)
	assert.False(t, s.FeedConnected["public"])
	assert.Equal(t, 2.0, s.Reconnects["public"])
	assert.Equal(t, 7.0, s.CandlesDropped)
}
