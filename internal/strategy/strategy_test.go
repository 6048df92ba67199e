package strategy

import (
	"delta-trend-bot-go/internal/indicators"
	"delta-trend-bot-go/internal/models"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(close, ema, rsi float64) indicators.Row {
	return indicators.Row{Candle: models.Candle{Close: close}, EMA: ema, RSI: rsi, ATR: 10}
}

func newPolicy() *EmaRsi {
	return &EmaRsi{EMAPeriod: 25, RSIPeriod: 14, MomentumLevel: 50, Overbought: 70, Oversold: 30}
}

func longState() models.PositionState {
	s := models.FlatState()
	s.InPosition = true
	s.Phase = models.PhaseInPosition
	s.Side = models.SideLong
	s.EntryPrice = 100000
	s.Size = 0.005
	return s
}

func TestEvaluateEntryLongOnUpwardCross(t *testing.T) {
	frame := indicators.Frame{row(99, 100, 45), row(101, 100, 55)}
	sig := newPolicy().EvaluateEntry(frame, models.FlatState())
	assert.True(t, sig.Fire())
	assert.Equal(t, models.SideLong, sig.Side)
}

func TestEvaluateEntryShortOnDownwardCross(t *testing.T) {
	frame := indicators.Frame{row(100, 100, 55), row(99, 100, 45)}
	sig := newPolicy().EvaluateEntry(frame, models.FlatState())
	assert.Equal(t, models.SideShort, sig.Side)
}

func TestEvaluateEntryNeedsMomentum(t *testing.T) {
	p := newPolicy()
	assert.False(t, p.EvaluateEntry(indicators.Frame{row(99, 100, 45), row(101, 100, 50)}, models.FlatState()).Fire())
	assert.False(t, p.EvaluateEntry(indicators.Frame{row(100, 100, 55), row(99, 100, 50)}, models.FlatState()).Fire())
}

func TestEvaluateEntryNeedsTwoReadyRows(t *testing.T) {
	p := newPolicy()
	assert.False(t, p.EvaluateEntry(indicators.Frame{row(101, 100, 55)}, models.FlatState()).Fire())
	assert.False(t, p.EvaluateEntry(indicators.Frame{row(99, math.NaN(), 45), row(101, 100, 55)}, models.FlatState()).Fire())
	assert.False(t, p.EvaluateEntry(indicators.Frame{row(99, 100, 45), row(101, 100, math.NaN())}, models.FlatState()).Fire())
}

func TestEvaluateEntryNeverFiresInPosition(t *testing.T) {
	p := newPolicy()
	rng := rand.New(rand.NewSource(1))
	states := []models.PositionState{longState()}
	short := longState()
	short.Side = models.SideShort
	states = append(states, short)

	for i := 0; i < 500; i++ {
		frame := indicators.Frame{
			row(rng.Float64()*200, rng.Float64()*200, rng.Float64()*100),
			row(rng.Float64()*200, rng.Float64()*200, rng.Float64()*100),
		}
		for _, s := range states {
			assert.False(t, p.EvaluateEntry(frame, s).Fire())
		}
	}
}

func TestEvaluateEntryIsDeterministic(t *testing.T) {
	p := newPolicy()
	frame := indicators.Frame{row(99, 100, 45), row(101, 100, 55)}
	first := p.EvaluateEntry(frame, models.FlatState())
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, p.EvaluateEntry(frame, models.FlatState()))
	}
	assert.Equal(t, 99.0, frame[0].Close, "frame is not modified")
}

func TestEvaluateExit(t *testing.T) {
	p := newPolicy()
	state := longState()

	exit, _ := p.EvaluateExit(indicators.Frame{row(99, 100, 45)}, state)
	assert.False(t, exit, "signal exits are off by default")

	p.UseSignalExit = true
	exit, reason := p.EvaluateExit(indicators.Frame{row(99, 100, 45)}, state)
	assert.True(t, exit)
	assert.Equal(t, "close below EMA", reason)

	exit, reason = p.EvaluateExit(indicators.Frame{row(101, 100, 75)}, state)
	assert.True(t, exit)
	assert.Equal(t, "RSI overbought", reason)

	exit, _ = p.EvaluateExit(indicators.Frame{row(101, 100, 60)}, state)
	assert.False(t, exit)

	state.Side = models.SideShort
	exit, reason = p.EvaluateExit(indicators.Frame{row(99, 100, 25)}, state)
	assert.True(t, exit)
	assert.Equal(t, "RSI oversold", reason)
}

func TestInitialSLTPExact(t *testing.T) {
	sl, tp, err := InitialSLTP(100000, models.SideLong, 0.002, 0.005)
	require.NoError(t, err)
	assert.Equal(t, 99800.0, sl)
	assert.Equal(t, 100500.0, tp)

	sl, tp, err = InitialSLTP(100000, models.SideShort, 0.002, 0.005)
	require.NoError(t, err)
	assert.Equal(t, 100200.0, sl)
	assert.Equal(t, 99500.0, tp)
}

func TestInitialSLTPInvalidSide(t *testing.T) {
	_, _, err := InitialSLTP(100000, models.Side("sideways"), 0.002, 0.005)
	assert.True(t, errors.Is(err, models.ErrInvalidSide))
}

func TestTrailingStopUpdateFormula(t *testing.T) {
	state := longState()
	state.HighestSince = 100000

	// A trail of 300 is read as a fraction, which puts the stop far below zero.
	candidate, ok := TrailingStopUpdate(100500, state, 300)
	require.True(t, ok)
	assert.Equal(t, -30049500.0, candidate)

	candidate, ok = TrailingStopUpdate(100500, state, 0.003)
	require.True(t, ok)
	assert.Equal(t, 100198.5, candidate)

	_, ok = TrailingStopUpdate(99990, state, 0.003)
	assert.False(t, ok, "no update below the high-water mark")
}

func TestTrailingStopUpdateShort(t *testing.T) {
	state := longState()
	state.Side = models.SideShort
	state.LowestSince = 100000
	trail := 99800.0
	state.TrailingSL = &trail

	candidate, ok := TrailingStopUpdate(99500, state, 0.002)
	require.True(t, ok)
	assert.Equal(t, 99699.0, candidate)

	_, ok = TrailingStopUpdate(99700, state, 0.002)
	assert.False(t, ok, "candidate 99899.4 would loosen the stop")
}

func TestTrailingStopRatchet(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, side := range []models.Side{models.SideLong, models.SideShort} {
		state := longState()
		state.Side = side
		price := 100000.0
		var history []float64

		for i := 0; i < 1000; i++ {
			price += rng.Float64()*400 - 200
			if v, ok := TrailingStopUpdate(price, state, 0.003); ok {
				state.TrailingSL = &v
			}
			if price > state.HighestSince {
				state.HighestSince = price
			}
			if price < state.LowestSince {
				state.LowestSince = price
			}
			if state.TrailingSL != nil {
				history = append(history, *state.TrailingSL)
			}
		}

		require.NotEmpty(t, history)
		for i := 1; i < len(history); i++ {
			if side == models.SideLong {
				assert.GreaterOrEqual(t, history[i], history[i-1])
			} else {
				assert.LessOrEqual(t, history[i], history[i-1])
			}
		}
	}
}

func TestTrailingStopUpdateFlat(t *testing.T) {
	_, ok := TrailingStopUpdate(100000, models.FlatState(), 0.003)
	assert.False(t, ok)
}
