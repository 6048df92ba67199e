// Package strategy decides when to enter and leave a position and where the
// protective orders go.
package strategy

import (
	"delta-trend-bot-go/internal/indicators"
	"delta-trend-bot-go/internal/models"
)

// Signal is the outcome of an entry evaluation. A zero Signal means no trade.
type Signal struct {
	Side   models.Side
	Reason string
}

// Fire reports whether the signal asks for an entry.
func (s Signal) Fire() bool { return s.Side.Valid() }

// Policy is a swappable trading rule. Implementations must be pure: identical
// input gives identical output and nothing is mutated.
type Policy interface {
	Name() string
	// Warmup is the number of finalized candles needed before signals can fire.
	Warmup() int
	EvaluateEntry(frame indicators.Frame, state models.PositionState) Signal
	// EvaluateExit reports whether an open position should be closed on the
	// signal rule, and why.
	EvaluateExit(frame indicators.Frame, state models.PositionState) (bool, string)
}

// EmaRsi enters on a close crossing the EMA confirmed by RSI momentum.
type EmaRsi struct {
	EMAPeriod     int
	RSIPeriod     int
	MomentumLevel float64 // RSI above it confirms longs, below it confirms shorts
	Overbought    float64
	Oversold      float64
	UseSignalExit bool
}

// NewEmaRsi builds the policy from the config.
func NewEmaRsi(cfg *models.Config) *EmaRsi {
	return &EmaRsi{
		EMAPeriod:     cfg.EMAPeriod,
		RSIPeriod:     cfg.RSIPeriod,
		MomentumLevel: cfg.RSIMomentumLevel,
		Overbought:    cfg.RSIOverbought,
		Oversold:      cfg.RSIOversold,
		UseSignalExit: cfg.UseSignalExit,
	}
}

func (p *EmaRsi) Name() string { return "ema_rsi" }

func (p *EmaRsi) Warmup() int {
	n := p.EMAPeriod
	if p.RSIPeriod > n {
		n = p.RSIPeriod
	}
	return n + 1
}

// EvaluateEntry implements Policy.
func (p *EmaRsi) EvaluateEntry(frame indicators.Frame, state models.PositionState) Signal {
	if state.InPosition || state.Phase != models.PhaseFlat {
		return Signal{}
	}
	prev, cur, ok := lastTwo(frame)
	if !ok {
		return Signal{}
	}

	switch {
	case indicators.CrossedAbove(prev, cur) && cur.RSI > p.MomentumLevel:
		return Signal{Side: models.SideLong, Reason: "close crossed above EMA with RSI momentum"}
	case indicators.CrossedBelow(prev, cur) && cur.RSI < p.MomentumLevel:
		return Signal{Side: models.SideShort, Reason: "close crossed below EMA with RSI momentum"}
	}
	return Signal{}
}

// EvaluateExit implements Policy. It never fires unless UseSignalExit is set.
func (p *EmaRsi) EvaluateExit(frame indicators.Frame, state models.PositionState) (bool, string) {
	if !p.UseSignalExit || !state.InPosition {
		return false, ""
	}
	cur, ok := frame.Last()
	if !ok || !cur.Ready() {
		return false, ""
	}

	switch state.Side {
	case models.SideLong:
		if cur.Close < cur.EMA {
			return true, "close below EMA"
		}
		if cur.RSI > p.Overbought {
			return true, "RSI overbought"
		}
	case models.SideShort:
		if cur.Close > cur.EMA {
			return true, "close above EMA"
		}
		if cur.RSI < p.Oversold {
			return true, "RSI oversold"
		}
	}
	return false, ""
}

func lastTwo(frame indicators.Frame) (indicators.Row, indicators.Row, bool) {
	if len(frame) < 2 {
		return indicators.Row{}, indicators.Row{}, false
	}
	prev, cur := frame[len(frame)-2], frame[len(frame)-1]
	if !prev.Ready() || !cur.Ready() {
		return indicators.Row{}, indicators.Row{}, false
	}
	return prev, cur, true
}
