package feed

import (
	"delta-trend-bot-go/internal/models"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventByType(t *testing.T) {
	ev := DecodeEvent([]byte(`{"type":"orders","action":"update","id":42,"state":"closed","side":"sell",
		"order_type":"market_order","reduce_only":true,"average_fill_price":"99800.5","stop_price":"99800"}`))
	require.Equal(t, EventOrder, ev.Kind)
	require.Len(t, ev.Orders, 1)

	u := ev.Orders[0]
	assert.Equal(t, int64(42), u.ID)
	assert.Equal(t, models.StatusFilled, u.Status)
	assert.Equal(t, models.Sell, u.Side)
	assert.Equal(t, "market_order", u.Type)
	assert.True(t, u.ReduceOnly)
	assert.InDelta(t, 99800.5, u.AvgFillPrice, 1e-9)
	assert.InDelta(t, 99800.0, u.StopPrice, 1e-9)
}

func TestDecodeEventPositionByType(t *testing.T) {
	ev := DecodeEvent([]byte(`{"type":"positions","symbol":"BTCUSD","size":-5,"entry_price":"100000","unrealized_pnl":"1.5"}`))
	require.Equal(t, EventPosition, ev.Kind)
	require.Len(t, ev.Positions, 1)

	p := ev.Positions[0]
	assert.Equal(t, -5.0, p.Size)
	assert.Equal(t, models.SideNone, p.Side)
	assert.Equal(t, 100000.0, p.AvgEntryPrice)
	require.NotNil(t, p.UnrealizedPnL)
	assert.Equal(t, 1.5, *p.UnrealizedPnL)
	assert.Nil(t, p.RealizedPnL)
}

func TestDecodeEventByChannel(t *testing.T) {
	ev := DecodeEvent([]byte(`{"channel":"v2/orders","data":[{"id":1,"status":"cancelled"},{"id":2,"status":"open"}]}`))
	require.Equal(t, EventOrder, ev.Kind)
	require.Len(t, ev.Orders, 2)
	assert.Equal(t, models.StatusCancelled, ev.Orders[0].Status)
	assert.Equal(t, models.StatusOpen, ev.Orders[1].Status)

	ev = DecodeEvent([]byte(`{"channel":"positions","result":{"position_size":2,"direction":"short","average_entry_price":50}}`))
	require.Equal(t, EventPosition, ev.Kind)
	require.Len(t, ev.Positions, 1)
	assert.Equal(t, models.SideShort, ev.Positions[0].Side)
	assert.Equal(t, 50.0, ev.Positions[0].AvgEntryPrice)
}

func TestDecodeEventByEventName(t *testing.T) {
	ev := DecodeEvent([]byte(`{"event":"order_update","data":{"order":{"order_id":9,"order_state":"filled","trigger_price":10}}}`))
	require.Equal(t, EventOrder, ev.Kind)
	require.Len(t, ev.Orders, 1)
	assert.Equal(t, int64(9), ev.Orders[0].ID)
	assert.Equal(t, 10.0, ev.Orders[0].StopPrice)

	ev = DecodeEvent([]byte(`{"event":"position_update","data":{"size":0}}`))
	require.Equal(t, EventPosition, ev.Kind)
	assert.Equal(t, 0.0, ev.Positions[0].Size)
}

func TestDecodeEventFieldPresencePrefersOrder(t *testing.T) {
	// carries both order and position keys
	ev := DecodeEvent([]byte(`{"order_id":5,"size":1,"avg_fill_price":3,"entry_price":3}`))
	assert.Equal(t, EventOrder, ev.Kind)

	ev = DecodeEvent([]byte(`{"size":1,"avg_entry_price":3,"realised_pnl":"-2"}`))
	require.Equal(t, EventPosition, ev.Kind)
	require.NotNil(t, ev.Positions[0].RealizedPnL)
	assert.Equal(t, -2.0, *ev.Positions[0].RealizedPnL)
}

func TestDecodeEventControlAndUnknown(t *testing.T) {
	assert.Equal(t, EventControl, DecodeEvent([]byte(`{"type":"subscriptions","channels":[]}`)).Kind)
	assert.Equal(t, EventControl, DecodeEvent([]byte(`{"type":"auth","success":true}`)).Kind)
	assert.Equal(t, EventControl, DecodeEvent([]byte(`{"type":"heartbeat"}`)).Kind)

	assert.Equal(t, EventUnknown, DecodeEvent([]byte(`{"foo":"bar"}`)).Kind)
	assert.Equal(t, EventUnknown, DecodeEvent([]byte(`not json`)).Kind)
	assert.Equal(t, EventUnknown, DecodeEvent([]byte(`[1,2]`)).Kind)
}

func TestDecodeEventSkipsOrdersWithoutID(t *testing.T) {
	ev := DecodeEvent([]byte(`{"type":"orders","data":[{"status":"open"},{"id":3,"status":"open"}]}`))
	require.Equal(t, EventOrder, ev.Kind)
	require.Len(t, ev.Orders, 1)
	assert.Equal(t, int64(3), ev.Orders[0].ID)
}
