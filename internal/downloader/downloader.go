package downloader

import (
	"delta-trend-bot-go/internal/exchange"
	"delta-trend-bot-go/internal/models"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// MaxCandlesPerRequest is the most rows the history endpoint returns per call.
const MaxCandlesPerRequest = 2000

// HistoryDownloader pages through the candle history of one symbol.
type HistoryDownloader struct {
	gw         exchange.Gateway
	symbol     string
	resolution string
	interval   time.Duration
	pause      time.Duration
	logger     *zap.Logger
}

// NewHistoryDownloader creates a downloader for symbol at resolution (e.g. "15m").
func NewHistoryDownloader(gw exchange.Gateway, symbol, resolution string, logger *zap.Logger) (*HistoryDownloader, error) {
	interval, err := models.ParseResolution(resolution)
	if err != nil {
		return nil, err
	}
	return &HistoryDownloader{
		gw:         gw,
		symbol:     symbol,
		resolution: resolution,
		interval:   interval,
		pause:      200 * time.Millisecond,
		logger:     logger,
	}, nil
}

// FetchHistory downloads every candle whose start lies in [start, end],
// sorted and de-duplicated.
func (d *HistoryDownloader) FetchHistory(start, end time.Time) ([]models.Candle, error) {
	window := d.interval * MaxCandlesPerRequest
	byStart := make(map[int64]models.Candle)

	for t := start; !t.After(end); {
		windowEnd := t.Add(window - time.Second)
		if windowEnd.After(end) {
			windowEnd = end
		}

		candles, err := d.gw.GetCandles(d.symbol, d.resolution, t, windowEnd)
		if err != nil {
			return nil, fmt.Errorf("fetch candles %s..%s: %w", t.Format(time.RFC3339), windowEnd.Format(time.RFC3339), err)
		}
		for _, c := range candles {
			if c.StartTime.Before(start) || c.StartTime.After(end) {
				continue
			}
			byStart[c.StartTime.UnixNano()] = c
		}
		d.logger.Debug("Downloaded candle window",
			zap.Time("from", t), zap.Time("to", windowEnd), zap.Int("rows", len(candles)))

		t = windowEnd.Add(time.Second)
		if !t.After(end) && d.pause > 0 {
			time.Sleep(d.pause)
		}
	}

	out := make([]models.Candle, 0, len(byStart))
	for _, c := range byStart {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	d.logger.Info("Downloaded candle history",
		zap.String("symbol", d.symbol), zap.String("resolution", d.resolution), zap.Int("candles", len(out)))
	return out, nil
}

// FetchRecent downloads the last days of history ending at now.
func (d *HistoryDownloader) FetchRecent(days int, now time.Time) ([]models.Candle, error) {
	return d.FetchHistory(now.Add(-time.Duration(days)*24*time.Hour), now)
}

// CandlesBetween returns finalized candles strictly between after and before.
// It lets the downloader repair gaps in the live candle series.
func (d *HistoryDownloader) CandlesBetween(after, before time.Time) ([]models.Candle, error) {
	from := after.Add(d.interval)
	to := before.Add(-time.Second)
	if to.Before(from) {
		return nil, nil
	}
	return d.FetchHistory(from, to)
}
