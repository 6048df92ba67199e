package tradelog

import (
	"delta-trend-bot-go/internal/models"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func sampleTrade(exit float64) models.TradeRecord {
	entry := time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)
	return models.TradeRecord{
		EntryTime:  entry,
		ExitTime:   entry.Add(45 * time.Minute),
		Side:       models.SideLong,
		Reason:     "take_profit",
		EntryPrice: 100000,
		ExitPrice:  exit,
		Size:       0.005,
		GrossPnL:   (exit - 100000) * 0.005,
		NetPnL:     (exit-100000)*0.005 - 0.1,
		Session:    models.SessionLabel(entry),
		InitialSL:  99800,
		InitialTP:  100500,
	}
}

func TestRecordTradeWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "trades.csv")
	l, err := NewCSVLog(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, l.RecordTrade(sampleTrade(100500)))
	require.NoError(t, l.RecordTrade(sampleTrade(99800)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Entry Time,Exit Time,Type,Reason,Entry Price,Exit Price,PnL,Net PnL,Session,Initial SL Price,Initial TP Price", lines[0])
	assert.Equal(t, "2025-03-01 09:15:00,2025-03-01 10:00:00,long,take_profit,100000,100500,2.5,2.4,Europe,99800,100500", lines[1])
}

func TestReadAllRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	l, err := NewCSVLog(path, zap.NewNop())
	require.NoError(t, err)

	none, err := l.ReadAll()
	require.NoError(t, err)
	assert.Empty(t, none)

	want := sampleTrade(100500)
	require.NoError(t, l.RecordTrade(want))

	got, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, want.EntryTime.Equal(got[0].EntryTime))
	assert.Equal(t, want.Side, got[0].Side)
	assert.InDelta(t, want.NetPnL, got[0].NetPnL, 1e-9)
	assert.Equal(t, want.InitialTP, got[0].InitialTP)
}

func TestReadAllRejectsShortRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))

	l, err := NewCSVLog(path, zap.NewNop())
	require.NoError(t, err)
	_, err = l.ReadAll()
	assert.Error(t, err)
}

type failingSink struct{ calls int }

func (f *failingSink) RecordTrade(models.TradeRecord) error {
	f.calls++
	return os.ErrClosed
}

func TestTeeCallsEverySink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.csv")
	l, err := NewCSVLog(path, zap.NewNop())
	require.NoError(t, err)
	bad := &failingSink{}

	err = Tee{bad, l}.RecordTrade(sampleTrade(100500))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.Equal(t, 1, bad.calls)

	got, err := l.ReadAll()
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
