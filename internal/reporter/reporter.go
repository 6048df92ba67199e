package reporter

import (
	"delta-trend-bot-go/internal/metrics"
	"delta-trend-bot-go/internal/models"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary holds the performance figures computed from the trade log.
type Summary struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64 // percent
	GrossPnL      float64
	NetPnL        float64
	AvgProfitLoss float64 // average win / average loss
	MaxDrawdown   float64 // deepest fall of cumulative net PnL from its peak
	BySession     map[string]SessionStats
	ByReason      map[string]int
	FirstEntry    time.Time
	LastExit      time.Time
}

// SessionStats aggregates the trades entered in one session.
type SessionStats struct {
	Trades int
	Wins   int
	NetPnL float64
}

// Summarize computes a Summary over trades.
func Summarize(trades []models.TradeRecord) Summary {
	s := Summary{
		TotalTrades: len(trades),
		BySession:   map[string]SessionStats{},
		ByReason:    map[string]int{},
	}

	var totalProfit, totalLoss float64
	curve := make([]float64, 0, len(trades)+1)
	curve = append(curve, 0)
	for _, tr := range trades {
		s.GrossPnL += tr.GrossPnL
		s.NetPnL += tr.NetPnL
		curve = append(curve, s.NetPnL)

		st := s.BySession[tr.Session]
		st.Trades++
		st.NetPnL += tr.NetPnL
		if tr.NetPnL > 0 {
			s.WinningTrades++
			totalProfit += tr.NetPnL
			st.Wins++
		} else {
			s.LosingTrades++
			totalLoss += tr.NetPnL
		}
		s.BySession[tr.Session] = st
		s.ByReason[tr.Reason]++

		if s.FirstEntry.IsZero() || tr.EntryTime.Before(s.FirstEntry) {
			s.FirstEntry = tr.EntryTime
		}
		if tr.ExitTime.After(s.LastExit) {
			s.LastExit = tr.ExitTime
		}
	}

	if s.TotalTrades > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
	}
	if s.LosingTrades > 0 && s.WinningTrades > 0 {
		avgWin := totalProfit / float64(s.WinningTrades)
		avgLoss := math.Abs(totalLoss / float64(s.LosingTrades))
		if avgLoss > 0 {
			s.AvgProfitLoss = avgWin / avgLoss
		}
	}
	s.MaxDrawdown = maxDrawdown(curve)
	return s
}

// maxDrawdown works on absolute PnL: the curve starts at zero, so a relative
// drawdown is undefined.
func maxDrawdown(curve []float64) float64 {
	if len(curve) < 2 {
		return 0
	}
	peak := curve[0]
	worst := 0.0
	for _, v := range curve {
		if v > peak {
			peak = v
		}
		if dd := peak - v; dd > worst {
			worst = dd
		}
	}
	return worst
}

// RenderSummary formats s as a table.
func RenderSummary(symbol string, s Summary) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Trade summary %s", symbol))
	t.AppendHeader(table.Row{"Metric", "Value"})
	if !s.FirstEntry.IsZero() {
		t.AppendRow(table.Row{"Period", fmt.Sprintf("%s to %s", s.FirstEntry.Format("2006-01-02 15:04"), s.LastExit.Format("2006-01-02 15:04"))})
	}
	t.AppendRows([]table.Row{
		{"Trades", s.TotalTrades},
		{"Wins / Losses", fmt.Sprintf("%d / %d", s.WinningTrades, s.LosingTrades)},
		{"Win rate", fmt.Sprintf("%.2f%%", s.WinRate)},
		{"Gross PnL", fmt.Sprintf("%.4f", s.GrossPnL)},
		{"Net PnL", fmt.Sprintf("%.4f", s.NetPnL)},
		{"Avg win / avg loss", fmt.Sprintf("%.2f", s.AvgProfitLoss)},
		{"Max drawdown", fmt.Sprintf("%.4f", s.MaxDrawdown)},
	})

	if len(s.BySession) > 0 {
		t.AppendSeparator()
		for _, name := range sortedKeys(s.BySession) {
			st := s.BySession[name]
			t.AppendRow(table.Row{"Session " + name, fmt.Sprintf("%d trades, %d wins, net %.4f", st.Trades, st.Wins, st.NetPnL)})
		}
	}
	if len(s.ByReason) > 0 {
		t.AppendSeparator()
		for _, reason := range sortedKeys(s.ByReason) {
			t.AppendRow(table.Row{"Exit " + reason, s.ByReason[reason]})
		}
	}
	return t.Render()
}

// Status is what the periodic status report shows.
type Status struct {
	Symbol     string
	Phase      string // loop phase
	Connected  map[string]bool
	Reconnects map[string]int
	SeriesLen  int
	LastCandle time.Time
	State      models.PositionState
	Metrics    metrics.Snapshot
}

// RenderStatus formats st as a table.
func RenderStatus(st Status) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("Status %s", st.Symbol))
	t.AppendHeader(table.Row{"Field", "Value"})
	t.AppendRows([]table.Row{
		{"Loop phase", st.Phase},
		{"Candles", fmt.Sprintf("%d (last %s)", st.SeriesLen, formatTime(st.LastCandle))},
	})
	for _, name := range sortedKeys(st.Connected) {
		state := "down"
		if st.Connected[name] {
			state = "connected"
		}
		t.AppendRow(table.Row{"Feed " + name, fmt.Sprintf("%s, %d reconnects", state, st.Reconnects[name])})
	}

	t.AppendSeparator()
	ps := st.State
	t.AppendRow(table.Row{"Position phase", string(ps.Phase)})
	if ps.InPosition {
		t.AppendRows([]table.Row{
			{"Side / size", fmt.Sprintf("%s %.6f", ps.Side, ps.Size)},
			{"Entry", fmt.Sprintf("%.2f at %s", ps.EntryPrice, formatTime(ps.EntryTime))},
			{"Stop loss", orderCell(ps.StopLoss)},
			{"Take profit", orderCell(ps.TakeProfit)},
			{"Trailing stop", floatPtrCell(ps.TrailingSL)},
			{"Unrealized PnL", fmt.Sprintf("%.4f", ps.UnrealizedPnL)},
		})
	}
	t.AppendRows([]table.Row{
		{"Realized PnL", fmt.Sprintf("%.4f", ps.RealizedPnL)},
		{"Last exit", valueOr(ps.LastExitReason, "-")},
	})

	t.AppendSeparator()
	m := st.Metrics
	t.AppendRows([]table.Row{
		{"Iterations / errors", fmt.Sprintf("%.0f / %.0f", m.Iterations, m.LoopErrors)},
		{"Candles dropped", fmt.Sprintf("%.0f", m.CandlesDropped)},
		{"Orders / failures", fmt.Sprintf("%.0f / %.0f", m.Orders, m.OrderFailures)},
		{"REST requests / failures", fmt.Sprintf("%.0f / %.0f", m.Requests, m.RequestFailures)},
		{"Trades won / lost", fmt.Sprintf("%.0f / %.0f", m.Wins, m.Losses)},
	})
	return t.Render()
}

func orderCell(ref *models.OrderRef) string {
	if ref == nil {
		return "none"
	}
	return fmt.Sprintf("#%d %.2f (%s)", ref.ID, ref.Price, ref.Status)
}

func floatPtrCell(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
