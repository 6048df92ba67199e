// Package reconciler turns historical candles and live partial-candle updates
// into one canonical, strictly increasing candle series.
//
// A Reconciler is not safe for concurrent use. The orchestration loop owns it;
// feed goroutines hand updates over through a channel.
package reconciler

import (
	"delta-trend-bot-go/internal/models"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// InsufficientHistoryError is returned by Seed when too few complete candles remain.
type InsufficientHistoryError struct {
	Have int
	Need int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("insufficient history: have %d complete candles, need %d", e.Have, e.Need)
}

// GapFiller supplies finalized candles whose start lies strictly between after and before.
type GapFiller interface {
	CandlesBetween(after, before time.Time) ([]models.Candle, error)
}

// Options configures a Reconciler.
type Options struct {
	Resolution time.Duration
	MinBars    int
	Retention  int           // candles kept after live pushes; 0 keeps everything
	CloseGrace time.Duration // extra wait before FlushExpired finalizes a quiet candle
	Filler     GapFiller     // optional
}

// Reconciler owns the canonical candle series.
type Reconciler struct {
	opts       Options
	series     []models.Candle
	inProgress *models.Candle
	highWater  time.Time // start of the last finalized candle
	logger     *zap.Logger
}

// NewReconciler creates an empty reconciler.
func NewReconciler(opts Options, logger *zap.Logger) *Reconciler {
	return &Reconciler{opts: opts, logger: logger}
}

// Seed replaces the series with historical candles. The input is sorted and
// de-duplicated by start time (later entries win); the newest candle is
// dropped when its interval has not ended at now.
func (r *Reconciler) Seed(candles []models.Candle, now time.Time) error {
	sorted := make([]models.Candle, len(candles))
	copy(sorted, candles)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].StartTime.Before(sorted[j].StartTime)
	})

	deduped := sorted[:0]
	for _, c := range sorted {
		if n := len(deduped); n > 0 && deduped[n-1].StartTime.Equal(c.StartTime) {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}

	if n := len(deduped); n > 0 && deduped[n-1].StartTime.Add(r.opts.Resolution).After(now) {
		r.logger.Sugar().Debugf("Dropping incomplete candle %s from seed.", deduped[n-1].StartTime.Format(time.RFC3339))
		deduped = deduped[:n-1]
	}

	if len(deduped) < r.opts.MinBars {
		return &InsufficientHistoryError{Have: len(deduped), Need: r.opts.MinBars}
	}

	r.series = deduped
	r.inProgress = nil
	r.highWater = time.Time{}
	if n := len(deduped); n > 0 {
		r.highWater = deduped[n-1].StartTime
	}
	r.logger.Sugar().Infof("Seeded %d candles, last finalized %s.", len(deduped), r.highWater.Format(time.RFC3339))
	return nil
}

// ApplyLiveUpdate merges one live update and returns how many candles it
// finalized. Malformed and stale updates are logged and dropped.
func (r *Reconciler) ApplyLiveUpdate(u models.PartialCandle) int {
	if err := u.Validate(); err != nil {
		r.logger.Warn("Dropping malformed candle update", zap.Error(err))
		return 0
	}
	if !r.highWater.IsZero() && !u.StartTime.After(r.highWater) {
		r.logger.Debug("Dropping stale candle update",
			zap.Time("start", u.StartTime), zap.Time("high_water", r.highWater))
		return 0
	}

	pushed := 0
	switch {
	case r.inProgress == nil:
		c := u.ToCandle()
		r.inProgress = &c
	case u.StartTime.After(r.inProgress.StartTime):
		pushed += r.finalize(*r.inProgress)
		c := u.ToCandle()
		r.inProgress = &c
	case u.StartTime.Equal(r.inProgress.StartTime):
		u.MergeInto(r.inProgress)
	default:
		// Older than the tracked interval but never finalized: only a
		// closed message is worth keeping.
		if u.Closed {
			return r.finalize(u.ToCandle())
		}
		r.logger.Debug("Dropping candle update older than in-progress interval", zap.Time("start", u.StartTime))
		return 0
	}

	if u.Closed && r.inProgress != nil && r.inProgress.StartTime.Equal(u.StartTime) {
		pushed += r.finalize(*r.inProgress)
		r.inProgress = nil
	}
	return pushed
}

// FlushExpired finalizes the in-progress candle once its interval plus the
// close grace has elapsed at now.
func (r *Reconciler) FlushExpired(now time.Time) int {
	if r.inProgress == nil {
		return 0
	}
	deadline := r.inProgress.StartTime.Add(r.opts.Resolution + r.opts.CloseGrace)
	if deadline.After(now) {
		return 0
	}
	c := *r.inProgress
	r.inProgress = nil
	return r.finalize(c)
}

func (r *Reconciler) finalize(c models.Candle) int {
	if !r.highWater.IsZero() && !c.StartTime.After(r.highWater) {
		return 0
	}

	pushed := 0
	if r.opts.Filler != nil && !r.highWater.IsZero() && c.StartTime.Sub(r.highWater) > r.opts.Resolution {
		pushed += r.fillGap(c.StartTime)
	}

	r.series = append(r.series, c)
	r.highWater = c.StartTime
	pushed++
	r.trim()
	return pushed
}

func (r *Reconciler) fillGap(before time.Time) int {
	missing, err := r.opts.Filler.CandlesBetween(r.highWater, before)
	if err != nil {
		r.logger.Warn("Gap repair failed, accepting gap",
			zap.Time("after", r.highWater), zap.Time("before", before), zap.Error(err))
		return 0
	}
	sort.SliceStable(missing, func(i, j int) bool {
		return missing[i].StartTime.Before(missing[j].StartTime)
	})

	pushed := 0
	for _, c := range missing {
		if !c.StartTime.After(r.highWater) || !c.StartTime.Before(before) {
			continue
		}
		r.series = append(r.series, c)
		r.highWater = c.StartTime
		pushed++
	}
	if pushed > 0 {
		r.logger.Sugar().Infof("Repaired gap with %d candles before %s.", pushed, before.Format(time.RFC3339))
	}
	return pushed
}

func (r *Reconciler) trim() {
	if r.opts.Retention <= 0 || len(r.series) <= r.opts.Retention {
		return
	}
	drop := len(r.series) - r.opts.Retention
	kept := make([]models.Candle, r.opts.Retention)
	copy(kept, r.series[drop:])
	r.series = kept
}

// Series returns a copy of the finalized candles.
func (r *Reconciler) Series() []models.Candle {
	out := make([]models.Candle, len(r.series))
	copy(out, r.series)
	return out
}

// Last returns the newest finalized candle.
func (r *Reconciler) Last() (models.Candle, bool) {
	if len(r.series) == 0 {
		return models.Candle{}, false
	}
	return r.series[len(r.series)-1], true
}

// InProgress returns a copy of the candle still being built, if any.
func (r *Reconciler) InProgress() (models.Candle, bool) {
	if r.inProgress == nil {
		return models.Candle{}, false
	}
	return *r.inProgress, true
}

// HighWater is the start time of the last finalized candle.
func (r *Reconciler) HighWater() time.Time { return r.highWater }

// Len is the number of finalized candles held.
func (r *Reconciler) Len() int { return len(r.series) }
