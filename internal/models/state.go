package models

import (
	"encoding/json"
	"math"
	"time"
)

// Phase is the lifecycle step of the position.
type Phase string

const (
	PhaseFlat       Phase = "FLAT"
	PhaseEntering   Phase = "ENTERING"    // entry order submitted, fill not confirmed
	PhaseInPosition Phase = "IN_POSITION" // exposure confirmed
	PhaseExiting    Phase = "EXITING"     // close in flight
)

// PositionState is the agent's belief about its market exposure.
type PositionState struct {
	InPosition      bool       `json:"in_position"`
	Phase           Phase      `json:"phase"`
	Side            Side       `json:"side"`
	Size            float64    `json:"size"`
	EntryPrice      float64    `json:"entry_price"`
	EntryTime       time.Time  `json:"entry_time"`
	EntryCandleTime time.Time  `json:"entry_candle_time"`
	PendingSide     Side       `json:"pending_side,omitempty"` // side of an in-flight entry
	StopLoss        *OrderRef  `json:"stop_loss,omitempty"`
	TakeProfit      *OrderRef  `json:"take_profit,omitempty"`
	InitialSL       float64    `json:"initial_stop_loss_price"`
	InitialTP       float64    `json:"initial_take_profit_price"`
	TrailingSL      *float64   `json:"trailing_stop_loss_price,omitempty"`
	HighestSince    float64    `json:"highest_price_since_entry"` // -Inf until the first update
	LowestSince     float64    `json:"lowest_price_since_entry"`  // +Inf until the first update
	RealizedPnL     float64    `json:"realized_pnl"`
	UnrealizedPnL   float64    `json:"unrealized_pnl"`
	LastUpdateTime  time.Time  `json:"last_update_time"`
	LastExitReason  string     `json:"last_exit_reason,omitempty"`
	LastPrice       float64    `json:"last_price"`
	ExitRequestedAt *time.Time `json:"exit_requested_at,omitempty"`
}

// FlatState returns the empty belief a process starts with.
func FlatState() PositionState {
	return PositionState{
		Phase:        PhaseFlat,
		HighestSince: math.Inf(-1),
		LowestSince:  math.Inf(1),
	}
}

// HasStopLoss reports whether a protective stop is tracked.
func (s PositionState) HasStopLoss() bool { return s.StopLoss != nil }

// HasTakeProfit reports whether a take-profit order is tracked.
func (s PositionState) HasTakeProfit() bool { return s.TakeProfit != nil }

// Clone returns a deep copy; pointer fields are duplicated.
func (s PositionState) Clone() PositionState {
	c := s
	if s.StopLoss != nil {
		sl := *s.StopLoss
		c.StopLoss = &sl
	}
	if s.TakeProfit != nil {
		tp := *s.TakeProfit
		c.TakeProfit = &tp
	}
	if s.TrailingSL != nil {
		v := *s.TrailingSL
		c.TrailingSL = &v
	}
	if s.ExitRequestedAt != nil {
		v := *s.ExitRequestedAt
		c.ExitRequestedAt = &v
	}
	return c
}

type positionStateAlias PositionState

// positionStateJSON replaces the infinite extrema sentinels, which encoding/json
// cannot represent, with nulls.
type positionStateJSON struct {
	positionStateAlias
	HighestSince *float64 `json:"highest_price_since_entry"`
	LowestSince  *float64 `json:"lowest_price_since_entry"`
}

func finiteOrNil(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// MarshalJSON implements json.Marshaler.
func (s PositionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(positionStateJSON{
		positionStateAlias: positionStateAlias(s),
		HighestSince:       finiteOrNil(s.HighestSince),
		LowestSince:        finiteOrNil(s.LowestSince),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *PositionState) UnmarshalJSON(data []byte) error {
	var aux positionStateJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*s = PositionState(aux.positionStateAlias)
	s.HighestSince = math.Inf(-1)
	if aux.HighestSince != nil {
		s.HighestSince = *aux.HighestSince
	}
	s.LowestSince = math.Inf(1)
	if aux.LowestSince != nil {
		s.LowestSince = *aux.LowestSince
	}
	if s.Phase == "" {
		s.Phase = PhaseFlat
		if s.InPosition {
			s.Phase = PhaseInPosition
		}
	}
	return nil
}

// TradeRecord is emitted once per closed position.
type TradeRecord struct {
	EntryTime  time.Time
	ExitTime   time.Time
	Side       Side
	Reason     string
	EntryPrice float64
	ExitPrice  float64
	Size       float64
	GrossPnL   float64
	NetPnL     float64
	Session    string
	InitialSL  float64
	InitialTP  float64
}
