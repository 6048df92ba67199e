package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Candle is a fixed-duration OHLCV bar keyed by its start time.
type Candle struct {
	StartTime time.Time `json:"start_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// PartialCandle is one live update for a candle interval. Nil fields were not
// present in the message and are left untouched when merged.
type PartialCandle struct {
	StartTime time.Time
	Open      *float64
	High      *float64
	Low       *float64
	Close     *float64
	Volume    *float64
	Closed    bool
}

// Validate rejects updates that cannot be merged into a series.
func (p PartialCandle) Validate() error {
	if p.StartTime.IsZero() {
		return fmt.Errorf("missing start time")
	}
	if p.Close == nil {
		return fmt.Errorf("missing close for %s", p.StartTime.Format(time.RFC3339))
	}
	for name, v := range map[string]*float64{"open": p.Open, "high": p.High, "low": p.Low, "close": p.Close, "volume": p.Volume} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return fmt.Errorf("non-finite %s for %s", name, p.StartTime.Format(time.RFC3339))
		}
	}
	if p.High != nil && p.Low != nil && *p.High < *p.Low {
		return fmt.Errorf("high %.8f below low %.8f for %s", *p.High, *p.Low, p.StartTime.Format(time.RFC3339))
	}
	return nil
}

// ToCandle starts a new candle from the update; missing prices default to the close.
func (p PartialCandle) ToCandle() Candle {
	c := Candle{StartTime: p.StartTime}
	if p.Close != nil {
		c.Open, c.High, c.Low, c.Close = *p.Close, *p.Close, *p.Close, *p.Close
	}
	p.MergeInto(&c)
	return c
}

// MergeInto overwrites every field present in the update, last write wins.
func (p PartialCandle) MergeInto(c *Candle) {
	if p.Open != nil {
		c.Open = *p.Open
	}
	if p.High != nil {
		c.High = *p.High
	}
	if p.Low != nil {
		c.Low = *p.Low
	}
	if p.Close != nil {
		c.Close = *p.Close
	}
	if p.Volume != nil {
		c.Volume = *p.Volume
	}
}

// ParseResolution converts "1m", "15m", "1h", "1d" style strings into a duration.
func ParseResolution(res string) (time.Duration, error) {
	res = strings.TrimSpace(strings.ToLower(res))
	if len(res) < 2 {
		return 0, fmt.Errorf("unsupported resolution format: %q", res)
	}
	n, err := strconv.Atoi(res[:len(res)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unsupported resolution format: %q", res)
	}
	switch res[len(res)-1] {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
	return 0, fmt.Errorf("unsupported resolution format: %q", res)
}

// ParseExchangeTime converts an integer timestamp to an instant. The unit is
// inferred from the magnitude: seconds, milliseconds, microseconds or nanoseconds.
func ParseExchangeTime(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v < 1e11:
		return time.Unix(v, 0).UTC()
	case v < 1e14:
		return time.UnixMilli(v).UTC()
	case v < 1e17:
		return time.UnixMicro(v).UTC()
	default:
		return time.Unix(0, v).UTC()
	}
}

// SessionLabel names the trading session of t by UTC hour.
func SessionLabel(t time.Time) string {
	switch h := t.UTC().Hour(); {
	case h < 8:
		return "Asia"
	case h < 16:
		return "Europe"
	default:
		return "US"
	}
}
