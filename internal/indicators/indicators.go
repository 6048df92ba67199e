// Package indicators derives EMA, ATR and RSI columns from a candle series.
//
// Every value at index i depends only on candles 0..i, so a frame computed on a
// prefix of a series matches the same prefix of a frame computed on the whole
// series. Values that are still warming up are NaN.
package indicators

import (
	"delta-trend-bot-go/internal/models"
	"math"
)

// Row is one candle annotated with its indicator values.
type Row struct {
	models.Candle
	EMA float64
	ATR float64
	RSI float64
}

// Ready reports whether the row carries the values the entry rule needs.
func (r Row) Ready() bool {
	return !math.IsNaN(r.EMA) && !math.IsNaN(r.RSI)
}

// Frame is the annotated series, oldest first.
type Frame []Row

// Last returns the newest row, or false for an empty frame.
func (f Frame) Last() (Row, bool) {
	if len(f) == 0 {
		return Row{}, false
	}
	return f[len(f)-1], true
}

// Engine holds the lookback periods.
type Engine struct {
	EMAPeriod int
	ATRPeriod int
	RSIPeriod int
}

// NewEngine creates an engine with the given periods.
func NewEngine(emaPeriod, atrPeriod, rsiPeriod int) *Engine {
	return &Engine{EMAPeriod: emaPeriod, ATRPeriod: atrPeriod, RSIPeriod: rsiPeriod}
}

// Compute annotates candles. The input slice is not modified.
func (e *Engine) Compute(candles []models.Candle) Frame {
	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	ema := EMA(closes, e.EMAPeriod)
	atr := ATR(highs, lows, closes, e.ATRPeriod)
	rsi := RSI(closes, e.RSIPeriod)

	frame := make(Frame, len(candles))
	for i, c := range candles {
		frame[i] = Row{Candle: c, EMA: ema[i], ATR: atr[i], RSI: rsi[i]}
	}
	return frame
}

// EMA is the exponential moving average with alpha 2/(n+1), seeded with the
// first value and masked to NaN for the first n-1 indices.
func EMA(x []float64, n int) []float64 {
	res := nanSlice(len(x))
	if len(x) == 0 || n <= 0 {
		return res
	}
	k := 2.0 / (float64(n) + 1)
	prev := x[0]
	for i := range x {
		if i > 0 {
			prev = x[i]*k + prev*(1-k)
		}
		if i >= n-1 {
			res[i] = prev
		}
	}
	return res
}

// ATR is the simple rolling mean of the true range over n bars. The first bar
// has no previous close and therefore no true range, so the first value
// appears at index n.
func ATR(h, l, c []float64, n int) []float64 {
	res := nanSlice(len(c))
	if n <= 0 || len(c) <= n {
		return res
	}
	tr := make([]float64, len(c))
	tr[0] = math.NaN()
	for i := 1; i < len(c); i++ {
		m1 := h[i] - l[i]
		m2 := math.Abs(h[i] - c[i-1])
		m3 := math.Abs(l[i] - c[i-1])
		tr[i] = math.Max(m1, math.Max(m2, m3))
	}

	sum := 0.0
	for i := 1; i < len(c); i++ {
		sum += tr[i]
		if i > n {
			sum -= tr[i-n]
		}
		if i >= n {
			res[i] = sum / float64(n)
		}
	}
	return res
}

// RSI is Wilder's relative strength index: gains and losses smoothed with
// alpha 1/n. The first change is taken as zero; the first value appears at
// index n-1.
func RSI(x []float64, n int) []float64 {
	res := nanSlice(len(x))
	if len(x) == 0 || n <= 0 {
		return res
	}
	alpha := 1.0 / float64(n)
	var up, down float64
	for i := range x {
		var gain, loss float64
		if i > 0 {
			d := x[i] - x[i-1]
			if d > 0 {
				gain = d
			} else {
				loss = -d
			}
		}
		if i == 0 {
			up, down = gain, loss
		} else {
			up = alpha*gain + (1-alpha)*up
			down = alpha*loss + (1-alpha)*down
		}
		if i < n-1 {
			continue
		}
		if down == 0 {
			res[i] = 100
			continue
		}
		rs := up / down
		res[i] = 100 - 100/(1+rs)
	}
	return res
}

// CrossedAbove reports a close moving from at-or-below the EMA to above it between the last two rows.
func CrossedAbove(prev, cur Row) bool {
	return prev.Close <= prev.EMA && cur.Close > cur.EMA
}

// CrossedBelow is the mirror of CrossedAbove.
func CrossedBelow(prev, cur Row) bool {
	return prev.Close >= prev.EMA && cur.Close < cur.EMA
}

func nanSlice(n int) []float64 {
	res := make([]float64, n)
	for i := range res {
		res[i] = math.NaN()
	}
	return res
}
