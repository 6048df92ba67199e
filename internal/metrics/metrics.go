// Package metrics keeps the agent's counters and gauges on a private
// Prometheus registry. Nothing is served over HTTP; the reporter reads the
// values back through Snapshot.
package metrics

import (
	"delta-trend-bot-go/internal/models"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds every collector of one agent process.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	feedEvents      *prometheus.CounterVec
	candles         prometheus.Counter
	iterations      prometheus.Counter
	loopErrors      prometheus.Counter
	orders          *prometheus.CounterVec
	orderFailures   *prometheus.CounterVec
	trades          *prometheus.CounterVec
	exitReasons     *prometheus.CounterVec
	realizedPnL     prometheus.Gauge
	unrealizedPnL   prometheus.Gauge
	positionSize    prometheus.Gauge
	lastClose       prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_rest_requests_total",
			Help: "REST round trips by method, path and outcome.",
		}, []string{"method", "path", "outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bot_rest_request_duration_seconds",
			Help:    "REST round trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_feed_events_total",
			Help: "Socket messages by decoded kind.",
		}, []string{"kind"}),
		candles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_candles_finalized_total",
			Help: "Candles appended to the canonical series.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_loop_iterations_total",
			Help: "Orchestration loop iterations that evaluated a new candle.",
		}),
		loopErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bot_loop_errors_total",
			Help: "Iterations that failed and triggered a backoff.",
		}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders accepted by the exchange.",
		}, []string{"role", "side"}),
		orderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_order_failures_total",
			Help: "Order submissions that failed.",
		}, []string{"role"}),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_trades_total",
			Help: "Closed trades by result (win|loss).",
		}, []string{"result"}),
		exitReasons: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_exit_reasons_total",
			Help: "Closed trades by exit reason and side.",
		}, []string{"reason", "side"}),
		realizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_realized_pnl",
			Help: "Net realized PnL since the state was created.",
		}),
		unrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_unrealized_pnl",
			Help: "Unrealized PnL of the open position.",
		}),
		positionSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_position_size",
			Help: "Signed position size in base units.",
		}),
		lastClose: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_last_close",
			Help: "Close of the last finalized candle.",
		}),
	}
	m.registry.MustRegister(
		m.requests, m.requestDuration, m.feedEvents, m.candles,
		m.iterations, m.loopErrors, m.orders, m.orderFailures,
		m.trades, m.exitReasons, m.realizedPnL, m.unrealizedPnL,
		m.positionSize, m.lastClose,
	)
	return m
}

// WatchFeed exports the connection state and reconnect count of a socket feed.
func (m *Metrics) WatchFeed(name string, connected func() bool, reconnects func() int) {
	labels := prometheus.Labels{"feed": name}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "bot_feed_connected",
			Help:        "1 while the socket feed is connected.",
			ConstLabels: labels,
		}, func() float64 {
			if connected() {
				return 1
			}
			return 0
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name:        "bot_feed_reconnects_total",
			Help:        "Socket sessions that ended and were retried.",
			ConstLabels: labels,
		}, func() float64 { return float64(reconnects()) }),
	)
}

// WatchCandleDrops exports the number of live candle updates dropped on a full buffer.
func (m *Metrics) WatchCandleDrops(dropped func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "bot_candles_dropped_total",
		Help: "Live candle updates dropped because the loop fell behind.",
	}, func() float64 { return float64(dropped()) }))
}

// ObserveRequest implements exchange.RequestObserver.
func (m *Metrics) ObserveRequest(method, path, outcome string, elapsed time.Duration) {
	m.requests.WithLabelValues(method, path, outcome).Inc()
	m.requestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// ObserveEvent implements feed.EventObserver.
func (m *Metrics) ObserveEvent(kind string) {
	m.feedEvents.WithLabelValues(kind).Inc()
}

// CandlesFinalized adds n appended candles and records the latest close.
func (m *Metrics) CandlesFinalized(n int, lastClose float64) {
	if n <= 0 {
		return
	}
	m.candles.Add(float64(n))
	m.lastClose.Set(lastClose)
}

// IterationDone counts one evaluated iteration.
func (m *Metrics) IterationDone() { m.iterations.Inc() }

// IterationFailed counts one failed iteration.
func (m *Metrics) IterationFailed() { m.loopErrors.Inc() }

// OrderPlaced counts an accepted order.
func (m *Metrics) OrderPlaced(role models.OrderRole, side models.OrderSide) {
	m.orders.WithLabelValues(string(role), string(side)).Inc()
}

// OrderFailed counts a rejected or failed submission.
func (m *Metrics) OrderFailed(role models.OrderRole) {
	m.orderFailures.WithLabelValues(string(role)).Inc()
}

// SetPosition mirrors the position state into the gauges.
func (m *Metrics) SetPosition(st models.PositionState) {
	size := st.Size
	if st.Side == models.SideShort {
		size = -size
	}
	if !st.InPosition {
		size = 0
	}
	m.positionSize.Set(size)
	m.realizedPnL.Set(st.RealizedPnL)
	m.unrealizedPnL.Set(st.UnrealizedPnL)
}

// RecordTrade lets Metrics act as a trade sink.
func (m *Metrics) RecordTrade(rec models.TradeRecord) error {
	result := "loss"
	if rec.NetPnL > 0 {
		result = "win"
	}
	m.trades.WithLabelValues(result).Inc()
	m.exitReasons.WithLabelValues(rec.Reason, string(rec.Side)).Inc()
	return nil
}

// Snapshot is a point-in-time read of the collectors.
type Snapshot struct {
	Requests        float64
	RequestFailures float64 // transport errors and non-200 answers
	FeedEvents      map[string]float64
	Candles         float64
	CandlesDropped  float64
	FeedConnected   map[string]bool
	Reconnects      map[string]float64
	Iterations      float64
	LoopErrors      float64
	Orders          float64
	OrderFailures   float64
	Wins            float64
	Losses          float64
	ExitReasons     map[string]float64
	RealizedPnL     float64
	UnrealizedPnL   float64
	PositionSize    float64
	LastClose       float64
}

// Snapshot gathers the registry and folds the label sets.
func (m *Metrics) Snapshot() (Snapshot, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Snapshot{}, fmt.Errorf("gather metrics: %w", err)
	}

	s := Snapshot{
		FeedEvents:    map[string]float64{},
		FeedConnected: map[string]bool{},
		Reconnects:    map[string]float64{},
		ExitReasons:   map[string]float64{},
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			v := value(metric)
			switch mf.GetName() {
			case "bot_rest_requests_total":
				s.Requests += v
				if label(metric, "outcome") != "200" {
					s.RequestFailures += v
				}
			case "bot_feed_events_total":
				s.FeedEvents[label(metric, "kind")] += v
			case "bot_candles_finalized_total":
				s.Candles = v
			case "bot_candles_dropped_total":
				s.CandlesDropped = v
			case "bot_feed_connected":
				s.FeedConnected[label(metric, "feed")] = v == 1
			case "bot_feed_reconnects_total":
				s.Reconnects[label(metric, "feed")] = v
			case "bot_loop_iterations_total":
				s.Iterations = v
			case "bot_loop_errors_total":
				s.LoopErrors = v
			case "bot_orders_total":
				s.Orders += v
			case "bot_order_failures_total":
				s.OrderFailures += v
			case "bot_trades_total":
				if label(metric, "result") == "win" {
					s.Wins += v
				} else {
					s.Losses += v
				}
			case "bot_exit_reasons_total":
				s.ExitReasons[label(metric, "reason")] += v
			case "bot_realized_pnl":
				s.RealizedPnL = v
			case "bot_unrealized_pnl":
				s.UnrealizedPnL = v
			case "bot_position_size":
				s.PositionSize = v
			case "bot_last_close":
				s.LastClose = v
			}
		}
	}
	return s, nil
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	case m.GetHistogram() != nil:
		return float64(m.GetHistogram().GetSampleCount())
	}
	return 0
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
