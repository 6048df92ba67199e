// Package tradelog appends closed trades to a CSV file.
package tradelog

import (
	"delta-trend-bot-go/internal/models"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Header is the column layout of the trade log.
var Header = []string{
	"Entry Time", "Exit Time", "Type", "Reason", "Entry Price", "Exit Price",
	"PnL", "Net PnL", "Session", "Initial SL Price", "Initial TP Price",
}

const timeLayout = "2006-01-02 15:04:05"

// CSVLog is a TradeSink writing one row per trade. The header is written
// when the file is new or empty.
type CSVLog struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

// NewCSVLog prepares path for appending, creating parent directories.
func NewCSVLog(path string, logger *zap.Logger) (*CSVLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trade log directory: %w", err)
		}
	}
	return &CSVLog{path: path, logger: logger}, nil
}

// RecordTrade appends rec to the log.
func (l *CSVLog) RecordTrade(rec models.TradeRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat trade log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("write trade log header: %w", err)
		}
	}
	if err := w.Write(row(rec)); err != nil {
		return fmt.Errorf("write trade: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush trade log: %w", err)
	}

	l.logger.Info("Trade recorded",
		zap.String("side", string(rec.Side)), zap.String("reason", rec.Reason), zap.Float64("net_pnl", rec.NetPnL))
	return nil
}

// ReadAll loads every trade in the log. A missing file yields no trades.
func (l *CSVLog) ReadAll() ([]models.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read trade log: %w", err)
	}

	var out []models.TradeRecord
	for i, r := range rows {
		if i == 0 && len(r) > 0 && r[0] == Header[0] {
			continue
		}
		rec, err := parseRow(r)
		if err != nil {
			return nil, fmt.Errorf("trade log line %d: %w", i+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func row(rec models.TradeRecord) []string {
	return []string{
		rec.EntryTime.UTC().Format(timeLayout),
		rec.ExitTime.UTC().Format(timeLayout),
		string(rec.Side),
		rec.Reason,
		formatFloat(rec.EntryPrice),
		formatFloat(rec.ExitPrice),
		formatFloat(rec.GrossPnL),
		formatFloat(rec.NetPnL),
		rec.Session,
		formatFloat(rec.InitialSL),
		formatFloat(rec.InitialTP),
	}
}

func parseRow(r []string) (models.TradeRecord, error) {
	if len(r) != len(Header) {
		return models.TradeRecord{}, fmt.Errorf("expected %d columns, got %d", len(Header), len(r))
	}
	var rec models.TradeRecord
	var err error
	if rec.EntryTime, err = time.Parse(timeLayout, r[0]); err != nil {
		return rec, err
	}
	if rec.ExitTime, err = time.Parse(timeLayout, r[1]); err != nil {
		return rec, err
	}
	rec.Side = models.Side(r[2])
	rec.Reason = r[3]
	floats := []*float64{&rec.EntryPrice, &rec.ExitPrice, &rec.GrossPnL, &rec.NetPnL}
	for i, dst := range floats {
		if *dst, err = strconv.ParseFloat(r[4+i], 64); err != nil {
			return rec, err
		}
	}
	rec.Session = r[8]
	if rec.InitialSL, err = strconv.ParseFloat(r[9], 64); err != nil {
		return rec, err
	}
	if rec.InitialTP, err = strconv.ParseFloat(r[10], 64); err != nil {
		return rec, err
	}
	return rec, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Sink receives closed trades.
type Sink interface {
	RecordTrade(rec models.TradeRecord) error
}

// Tee fans a trade out to several sinks. Every sink is called; the first
// error is returned.
type Tee []Sink

// RecordTrade implements Sink.
func (t Tee) RecordTrade(rec models.TradeRecord) error {
	var firstErr error
	for _, s := range t {
		if err := s.RecordTrade(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
