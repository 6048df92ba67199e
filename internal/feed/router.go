package feed

import (
	"delta-trend-bot-go/internal/models"
	"delta-trend-bot-go/internal/statemanager"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// Canceller cancels an order by exchange id.
type Canceller interface {
	CancelOrder(orderID int64) error
}

// EventObserver counts decoded socket messages by kind.
type EventObserver interface {
	ObserveEvent(kind string)
}

// CandleStream decodes public candle messages and hands them to the loop
// through a buffered channel. The loop is the only reader.
type CandleStream struct {
	channel  string
	updates  chan models.PartialCandle
	dropped  atomic.Int64
	observer EventObserver
	logger   *zap.Logger
}

// NewCandleStream creates a stream for the candle channel of resolution.
func NewCandleStream(resolution string, buffer int, logger *zap.Logger) *CandleStream {
	return &CandleStream{
		channel: CandleChannel(resolution),
		updates: make(chan models.PartialCandle, buffer),
		logger:  logger,
	}
}

// Channel is the subscription name of the stream.
func (s *CandleStream) Channel() string { return s.channel }

// Updates is drained by the orchestration loop.
func (s *CandleStream) Updates() <-chan models.PartialCandle { return s.updates }

// Dropped returns the number of updates discarded because the buffer was full.
func (s *CandleStream) Dropped() int64 { return s.dropped.Load() }

// SetObserver attaches an event observer.
func (s *CandleStream) SetObserver(o EventObserver) { s.observer = o }

// HandleMessage implements MessageHandler. It never blocks the read loop: a
// full buffer drops the update and the reconciler repairs the gap later.
func (s *CandleStream) HandleMessage(message []byte) {
	pc, err := DecodeCandle(message, s.channel)
	if errors.Is(err, ErrNotCandle) {
		s.observe("control")
		return
	}
	if err != nil {
		s.observe("unknown")
		s.logger.Debug("Discarding undecodable candle message", zap.Error(err), zap.ByteString("raw", message))
		return
	}
	s.observe("candle")

	select {
	case s.updates <- pc:
	default:
		n := s.dropped.Add(1)
		s.logger.Warn("Candle buffer full, dropping update", zap.Time("start", pc.StartTime), zap.Int64("dropped", n))
	}
}

func (s *CandleStream) observe(kind string) {
	if s.observer != nil {
		s.observer.ObserveEvent(kind)
	}
}

// PrivateRouter applies order and position events to the state manager.
type PrivateRouter struct {
	sm        *statemanager.StateManager
	canceller Canceller
	sizeUnit  float64
	observer  EventObserver
	logger    *zap.Logger
}

// NewPrivateRouter creates a router. sizeUnit converts socket position sizes
// (contracts) into base units; pass 1 when they already are.
func NewPrivateRouter(sm *statemanager.StateManager, canceller Canceller, sizeUnit float64, logger *zap.Logger) *PrivateRouter {
	if sizeUnit <= 0 {
		sizeUnit = 1
	}
	return &PrivateRouter{sm: sm, canceller: canceller, sizeUnit: sizeUnit, logger: logger}
}

// SetObserver attaches an event observer.
func (r *PrivateRouter) SetObserver(o EventObserver) { r.observer = o }

// HandleMessage implements MessageHandler.
func (r *PrivateRouter) HandleMessage(message []byte) {
	ev := DecodeEvent(message)
	if r.observer != nil {
		r.observer.ObserveEvent(ev.Kind.String())
	}

	switch ev.Kind {
	case EventOrder:
		for _, u := range ev.Orders {
			r.applyOrder(u)
		}
	case EventPosition:
		for _, p := range ev.Positions {
			p.Size *= r.sizeUnit
			res := r.sm.SyncPositionSnapshot(p)
			if res.Flattened {
				r.logger.Info("Position reported flat by the exchange", zap.Int("orphaned_orders", len(res.Orphaned)))
			}
			for _, ref := range res.Orphaned {
				r.cancel(ref, "orphaned")
			}
		}
	case EventControl:
		r.logger.Debug("Control message", zap.ByteString("raw", message))
	default:
		r.logger.Warn("Unrecognized private message", zap.ByteString("raw", message))
	}
}

func (r *PrivateRouter) applyOrder(u models.OrderUpdate) {
	res := r.sm.RetireOrder(u)
	if !res.Matched {
		r.logger.Debug("Ignoring update for untracked order",
			zap.Int64("order_id", u.ID), zap.String("status", string(u.Status)))
		return
	}
	if res.Exited {
		r.logger.Info("Position closed by protective order",
			zap.Int64("order_id", u.ID), zap.String("reason", res.ExitReason), zap.Float64("fill", u.AvgFillPrice))
	}
	if res.CancelSibling != nil {
		r.cancel(*res.CancelSibling, "sibling")
	}
}

func (r *PrivateRouter) cancel(ref models.OrderRef, kind string) {
	if r.canceller == nil {
		return
	}
	if err := r.canceller.CancelOrder(ref.ID); err != nil {
		// the order may already be gone; the next open-orders sync settles it
		r.logger.Warn("Failed to cancel "+kind+" order",
			zap.Int64("order_id", ref.ID), zap.String("role", string(ref.Role)), zap.Error(err))
		return
	}
	r.logger.Info("Cancelled "+kind+" order",
		zap.Int64("order_id", ref.ID), zap.String("role", string(ref.Role)))
}
