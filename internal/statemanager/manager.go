package statemanager

import (
	"delta-trend-bot-go/internal/models"
	"delta-trend-bot-go/internal/persistence"
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// sizeEpsilon is the largest absolute size still treated as flat.
const sizeEpsilon = 1e-9

// Exit reasons recorded on the position and in the trade log.
const (
	ReasonStopLoss       = "stop_loss"
	ReasonTrailingStop   = "trailing_stop"
	ReasonTakeProfit     = "take_profit"
	ReasonPositionClosed = "position_closed"
	ReasonSignal         = "signal_exit"
)

var (
	// ErrAlreadyInPosition is returned when an entry is attempted while exposure exists.
	ErrAlreadyInPosition = errors.New("already in position")
	// ErrNotInPosition is returned by operations that need exposure.
	ErrNotInPosition = errors.New("not in position")
	// ErrEntryInFlight is returned when another entry has not been confirmed or aborted yet.
	ErrEntryInFlight = errors.New("entry already in flight")
)

// TradeSink receives one record per closed position.
type TradeSink interface {
	RecordTrade(rec models.TradeRecord) error
}

// EntryParams describes a confirmed entry fill.
type EntryParams struct {
	Side       models.Side
	Price      float64
	Size       float64
	StopLoss   float64 // initial stop price, 0 when not yet computed
	TakeProfit float64 // initial target price, 0 when not yet computed
	CandleTime time.Time
}

// RetireResult reports what RetireOrder did with an order event.
type RetireResult struct {
	Matched       bool             // the id was one of the tracked protective orders
	Role          models.OrderRole // role of the matched slot
	Retired       bool             // the slot was cleared
	Exited        bool             // the fill closed the position
	ExitReason    string
	CancelSibling *models.OrderRef // the other protective order, to be cancelled by the caller
}

// SyncResult reports what SyncPositionSnapshot did with a snapshot.
type SyncResult struct {
	Flattened bool              // the snapshot closed a believed position
	Orphaned  []models.OrderRef // protective orders dropped by a flat snapshot, to be cancelled by the caller
}

// StateManager owns the position state. Every mutation holds one mutex and
// hands a copy of the new state to the persistence goroutine.
type StateManager struct {
	mu    sync.Mutex
	state models.PositionState

	repo            persistence.StateRepository
	sink            TradeSink
	feePerTrade     float64
	persistenceChan chan models.PositionState
	stopChan        chan bool
	stopOnce        sync.Once
	wg              sync.WaitGroup
	now             func() time.Time
	logger          *zap.Logger
}

// NewStateManager creates a StateManager holding a flat position. repo and sink may be nil.
func NewStateManager(repo persistence.StateRepository, sink TradeSink, feePerTrade float64, logger *zap.Logger) *StateManager {
	return &StateManager{
		state:           models.FlatState(),
		repo:            repo,
		sink:            sink,
		feePerTrade:     feePerTrade,
		persistenceChan: make(chan models.PositionState, 128),
		stopChan:        make(chan bool),
		now:             time.Now,
		logger:          logger,
	}
}

// Start launches the persistence loop.
func (sm *StateManager) Start() {
	sm.wg.Add(1)
	go sm.persistenceLoop()
	sm.logger.Sugar().Info("StateManager started.")
}

// Stop shuts down the persistence loop after saving the latest state.
func (sm *StateManager) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
		sm.wg.Wait()
		sm.logger.Sugar().Info("StateManager stopped.")
	})
}

// Restore loads the last persisted state. An entry or exit that was in flight
// when the process stopped is rolled back to the surrounding stable phase; the
// exchange sync that follows settles it.
func (sm *StateManager) Restore() error {
	if sm.repo == nil {
		return nil
	}
	saved, err := sm.repo.LoadState()
	if errors.Is(err, persistence.ErrStateVersion) {
		sm.logger.Warn("Ignoring persisted state from an incompatible build", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	if saved == nil {
		sm.logger.Sugar().Info("No persisted position state found, starting flat.")
		return nil
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = saved.Clone()
	switch sm.state.Phase {
	case models.PhaseEntering:
		sm.state.Phase = models.PhaseFlat
		sm.state.PendingSide = models.SideNone
	case models.PhaseExiting:
		sm.state.Phase = models.PhaseInPosition
		sm.state.ExitRequestedAt = nil
	}
	sm.logger.Info("Restored position state",
		zap.Bool("in_position", sm.state.InPosition),
		zap.String("side", string(sm.state.Side)),
		zap.Float64("size", sm.state.Size))
	return nil
}

// Snapshot returns a deep copy of the current state.
func (sm *StateManager) Snapshot() models.PositionState {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state.Clone()
}

// BeginEntry records that an entry order for side is about to be submitted.
func (sm *StateManager) BeginEntry(side models.Side) error {
	if !side.Valid() {
		return &models.InvalidSideError{Side: side}
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	switch {
	case sm.state.InPosition:
		return ErrAlreadyInPosition
	case sm.state.Phase == models.PhaseEntering:
		return ErrEntryInFlight
	}
	sm.state.Phase = models.PhaseEntering
	sm.state.PendingSide = side
	sm.touchLocked()
	return nil
}

// AbortEntry returns an unfilled entry to flat. It does nothing outside ENTERING.
func (sm *StateManager) AbortEntry(reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.Phase != models.PhaseEntering {
		return
	}
	sm.logger.Warn("Entry aborted", zap.String("side", string(sm.state.PendingSide)), zap.String("reason", reason))
	sm.state.Phase = models.PhaseFlat
	sm.state.PendingSide = models.SideNone
	sm.touchLocked()
}

// MarkEntry records a confirmed entry fill.
func (sm *StateManager) MarkEntry(p EntryParams) error {
	if !p.Side.Valid() {
		return &models.InvalidSideError{Side: p.Side}
	}
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.InPosition && sm.state.PendingSide != p.Side {
		sm.logger.Warn("MarkEntry called while already in position, ignoring",
			zap.String("current_side", string(sm.state.Side)),
			zap.String("requested_side", string(p.Side)))
		return ErrAlreadyInPosition
	}

	now := sm.now()
	lastPrice := sm.state.LastPrice
	realized := sm.state.RealizedPnL
	sm.state = models.FlatState()
	sm.state.InPosition = true
	sm.state.Phase = models.PhaseInPosition
	sm.state.Side = p.Side
	sm.state.Size = p.Size
	sm.state.EntryPrice = p.Price
	sm.state.EntryTime = now
	sm.state.EntryCandleTime = p.CandleTime
	sm.state.InitialSL = p.StopLoss
	sm.state.InitialTP = p.TakeProfit
	sm.state.RealizedPnL = realized
	sm.state.LastPrice = lastPrice
	if sm.state.LastPrice == 0 {
		sm.state.LastPrice = p.Price
	}
	sm.state.LastUpdateTime = now

	sm.logger.Info("Position opened",
		zap.String("side", string(p.Side)),
		zap.Float64("price", p.Price),
		zap.Float64("size", p.Size),
		zap.Float64("initial_sl", p.StopLoss),
		zap.Float64("initial_tp", p.TakeProfit))
	sm.persistLocked()
	return nil
}

// BeginExit records that a closing order is in flight.
func (sm *StateManager) BeginExit(reason string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.state.InPosition {
		return ErrNotInPosition
	}
	now := sm.now()
	sm.state.Phase = models.PhaseExiting
	sm.state.ExitRequestedAt = &now
	sm.state.LastExitReason = reason
	sm.touchLocked()
	return nil
}

// AbortExit returns a failed close to IN_POSITION. It does nothing outside EXITING.
func (sm *StateManager) AbortExit(reason string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.Phase != models.PhaseExiting {
		return
	}
	sm.logger.Warn("Exit aborted", zap.String("reason", reason))
	sm.state.ExitRequestedAt = nil
	if sm.state.InPosition {
		sm.state.Phase = models.PhaseInPosition
	} else {
		sm.state.Phase = models.PhaseFlat
	}
	sm.touchLocked()
}

// MarkExit resets the position to flat. It reports whether an occupied
// position was closed; calling it while flat changes nothing.
func (sm *StateManager) MarkExit(reason string, exitPrice float64) bool {
	sm.mu.Lock()
	rec := sm.markExitLocked(reason, exitPrice)
	sm.mu.Unlock()

	sm.emit(rec)
	return rec != nil
}

// SetSLTPOrderIDs replaces both protective-order slots; nil clears a slot.
func (sm *StateManager) SetSLTPOrderIDs(sl, tp *models.OrderRef) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.setRefsLocked(sl, tp)
	sm.touchLocked()
}

// AttachProtectiveOrders is SetSLTPOrderIDs for a live position. It refuses
// with ErrNotInPosition when the position closed in the meantime, leaving the
// caller to cancel the orders.
func (sm *StateManager) AttachProtectiveOrders(sl, tp *models.OrderRef) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.state.InPosition {
		return ErrNotInPosition
	}
	sm.setRefsLocked(sl, tp)
	sm.touchLocked()
	return nil
}

// SetTrailingStop stores a new trailing stop if it tightens the current one.
func (sm *StateManager) SetTrailingStop(price float64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.state.InPosition {
		return false
	}
	if cur := sm.state.TrailingSL; cur != nil {
		if sm.state.Side == models.SideLong && price <= *cur {
			return false
		}
		if sm.state.Side == models.SideShort && price >= *cur {
			return false
		}
	}
	sm.state.TrailingSL = &price
	sm.touchLocked()
	return true
}

// UpdateExtrema ratchets the best price seen since entry. Flat positions are left alone.
func (sm *StateManager) UpdateExtrema(lastPrice float64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.state.InPosition {
		return
	}
	sm.state.LastPrice = lastPrice
	switch sm.state.Side {
	case models.SideLong:
		if lastPrice > sm.state.HighestSince {
			sm.state.HighestSince = lastPrice
		}
		sm.state.UnrealizedPnL = (lastPrice - sm.state.EntryPrice) * sm.state.Size
	case models.SideShort:
		if lastPrice < sm.state.LowestSince {
			sm.state.LowestSince = lastPrice
		}
		sm.state.UnrealizedPnL = (sm.state.EntryPrice - lastPrice) * sm.state.Size
	}
	sm.touchLocked()
}

// SyncPositionSnapshot aligns the belief with an authoritative exchange view
// of the exposure. A zero size forces flat and clears the protective orders;
// the cleared refs are returned so they can be cancelled on the exchange.
func (sm *StateManager) SyncPositionSnapshot(snap models.PositionSnapshot) SyncResult {
	sm.mu.Lock()
	res, rec := sm.syncLocked(snap)
	sm.mu.Unlock()

	sm.emit(rec)
	return res
}

func (sm *StateManager) syncLocked(snap models.PositionSnapshot) (SyncResult, *models.TradeRecord) {
	var res SyncResult
	if math.Abs(snap.Size) <= sizeEpsilon {
		for _, ref := range []*models.OrderRef{sm.state.StopLoss, sm.state.TakeProfit} {
			if ref != nil {
				res.Orphaned = append(res.Orphaned, *ref)
			}
		}
		var rec *models.TradeRecord
		if sm.state.InPosition {
			sm.logger.Info("Exchange reports no position, resetting to flat")
			exitPrice := sm.state.LastPrice
			if exitPrice == 0 {
				exitPrice = sm.state.EntryPrice
			}
			rec = sm.markExitLocked(ReasonPositionClosed, exitPrice)
			res.Flattened = rec != nil
		}
		if sm.state.StopLoss != nil || sm.state.TakeProfit != nil {
			sm.state.StopLoss = nil
			sm.state.TakeProfit = nil
			sm.touchLocked()
		}
		return res, rec
	}

	side := snap.Side
	if !side.Valid() {
		side = models.SideLong
		if snap.Size < 0 {
			side = models.SideShort
		}
	}

	if !sm.state.InPosition || sm.state.Side != side {
		if sm.state.InPosition {
			sm.logger.Warn("Exchange reports opposite side, adopting it",
				zap.String("believed", string(sm.state.Side)), zap.String("reported", string(side)))
		} else {
			sm.logger.Info("Exchange reports an open position, adopting it",
				zap.String("side", string(side)), zap.Float64("size", math.Abs(snap.Size)))
		}
		sm.state.HighestSince = math.Inf(-1)
		sm.state.LowestSince = math.Inf(1)
		sm.state.TrailingSL = nil
		sm.state.EntryTime = sm.now()
	}

	// An in-flight entry of the same side keeps its pending marker so the
	// loop's MarkEntry can still fill in the entry details.
	if sm.state.Phase != models.PhaseEntering || sm.state.PendingSide != side {
		sm.state.PendingSide = models.SideNone
	}
	sm.state.InPosition = true
	if sm.state.Phase != models.PhaseExiting {
		sm.state.Phase = models.PhaseInPosition
	}
	sm.state.Side = side
	sm.state.Size = math.Abs(snap.Size)
	if snap.AvgEntryPrice > 0 {
		sm.state.EntryPrice = snap.AvgEntryPrice
	}
	if snap.RealizedPnL != nil {
		sm.state.RealizedPnL = *snap.RealizedPnL
	}
	if snap.UnrealizedPnL != nil {
		sm.state.UnrealizedPnL = *snap.UnrealizedPnL
	}
	sm.touchLocked()
	return res, nil
}

// ClearSLIfOrder clears the stop-loss slot only when it holds id.
func (sm *StateManager) ClearSLIfOrder(id int64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.StopLoss == nil || sm.state.StopLoss.ID != id {
		return false
	}
	sm.state.StopLoss = nil
	sm.touchLocked()
	return true
}

// ClearTPIfOrder clears the take-profit slot only when it holds id.
func (sm *StateManager) ClearTPIfOrder(id int64) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.state.TakeProfit == nil || sm.state.TakeProfit.ID != id {
		return false
	}
	sm.state.TakeProfit = nil
	sm.touchLocked()
	return true
}

// RetireOrder applies an order event to the protective-order slots. Events
// for ids that are not tracked change nothing. A terminal status clears the
// matching slot; a fill additionally closes the position and reports the
// other protective order so the caller can cancel it.
func (sm *StateManager) RetireOrder(u models.OrderUpdate) RetireResult {
	sm.mu.Lock()
	res, rec := sm.retireLocked(u)
	sm.mu.Unlock()

	sm.emit(rec)
	return res
}

func (sm *StateManager) retireLocked(u models.OrderUpdate) (RetireResult, *models.TradeRecord) {
	var res RetireResult
	var slot, sibling **models.OrderRef
	switch {
	case sm.state.StopLoss != nil && sm.state.StopLoss.ID == u.ID:
		slot, sibling = &sm.state.StopLoss, &sm.state.TakeProfit
		res.Role = models.RoleStopLoss
	case sm.state.TakeProfit != nil && sm.state.TakeProfit.ID == u.ID:
		slot, sibling = &sm.state.TakeProfit, &sm.state.StopLoss
		res.Role = models.RoleTakeProfit
	default:
		return res, nil
	}
	res.Matched = true

	if !u.Status.Terminal() {
		if u.Status != models.StatusUnknown && (*slot).Status != u.Status {
			(*slot).Status = u.Status
			sm.touchLocked()
		}
		return res, nil
	}

	*slot = nil
	res.Retired = true
	if u.Status != models.StatusFilled {
		sm.logger.Info("Protective order retired",
			zap.Int64("order_id", u.ID), zap.String("role", string(res.Role)), zap.String("status", string(u.Status)))
		sm.touchLocked()
		return res, nil
	}

	if *sibling != nil {
		s := **sibling
		res.CancelSibling = &s
		*sibling = nil
	}

	reason := ReasonTakeProfit
	if res.Role == models.RoleStopLoss {
		reason = ReasonStopLoss
		if sm.state.TrailingSL != nil {
			reason = ReasonTrailingStop
		}
	}
	exitPrice := u.AvgFillPrice
	if exitPrice == 0 {
		exitPrice = u.StopPrice
	}
	if exitPrice == 0 {
		exitPrice = sm.state.LastPrice
	}

	rec := sm.markExitLocked(reason, exitPrice)
	res.Exited = rec != nil
	res.ExitReason = reason
	if !res.Exited {
		sm.touchLocked()
	}
	return res, rec
}

func (sm *StateManager) setRefsLocked(sl, tp *models.OrderRef) {
	sm.state.StopLoss = nil
	if sl != nil {
		c := *sl
		sm.state.StopLoss = &c
	}
	sm.state.TakeProfit = nil
	if tp != nil {
		c := *tp
		sm.state.TakeProfit = &c
	}
}

func (sm *StateManager) markExitLocked(reason string, exitPrice float64) *models.TradeRecord {
	if !sm.state.InPosition {
		if sm.state.Phase != models.PhaseFlat {
			sm.state.Phase = models.PhaseFlat
			sm.state.PendingSide = models.SideNone
			sm.touchLocked()
		}
		return nil
	}

	prev := sm.state
	now := sm.now()

	gross := (exitPrice - prev.EntryPrice) * prev.Size
	if prev.Side == models.SideShort {
		gross = -gross
	}
	rec := &models.TradeRecord{
		EntryTime:  prev.EntryTime,
		ExitTime:   now,
		Side:       prev.Side,
		Reason:     reason,
		EntryPrice: prev.EntryPrice,
		ExitPrice:  exitPrice,
		Size:       prev.Size,
		GrossPnL:   gross,
		NetPnL:     gross - sm.feePerTrade,
		Session:    models.SessionLabel(prev.EntryTime),
		InitialSL:  prev.InitialSL,
		InitialTP:  prev.InitialTP,
	}

	sm.state = sm.flatKeepingTotals()
	sm.state.RealizedPnL += rec.NetPnL
	sm.state.LastExitReason = reason
	sm.touchLocked()

	sm.logger.Info("Position closed",
		zap.String("side", string(prev.Side)),
		zap.String("reason", reason),
		zap.Float64("entry_price", prev.EntryPrice),
		zap.Float64("exit_price", exitPrice),
		zap.Float64("net_pnl", rec.NetPnL))
	return rec
}

// flatKeepingTotals is the flat shape with the running totals carried over.
func (sm *StateManager) flatKeepingTotals() models.PositionState {
	flat := models.FlatState()
	flat.RealizedPnL = sm.state.RealizedPnL
	flat.LastPrice = sm.state.LastPrice
	flat.LastExitReason = sm.state.LastExitReason
	return flat
}

func (sm *StateManager) emit(rec *models.TradeRecord) {
	if rec == nil || sm.sink == nil {
		return
	}
	if err := sm.sink.RecordTrade(*rec); err != nil {
		sm.logger.Error("Failed to record trade", zap.Error(err))
	}
}

func (sm *StateManager) touchLocked() {
	sm.state.LastUpdateTime = sm.now()
	sm.persistLocked()
}

// persistLocked queues a copy of the state for the persistence loop. A full
// queue drops the copy; a later mutation queues a newer one.
func (sm *StateManager) persistLocked() {
	if sm.repo == nil {
		return
	}
	select {
	case sm.persistenceChan <- sm.state.Clone():
	default:
		sm.logger.Warn("Persistence queue full, dropping state snapshot")
	}
}

func (sm *StateManager) persistenceLoop() {
	defer sm.wg.Done()
	for {
		select {
		case stateToSave := <-sm.persistenceChan:
			sm.save(stateToSave)
		case <-sm.stopChan:
			// drain what is queued so the newest state reaches disk
			for {
				select {
				case stateToSave := <-sm.persistenceChan:
					sm.save(stateToSave)
				default:
					return
				}
			}
		}
	}
}

func (sm *StateManager) save(state models.PositionState) {
	if err := sm.repo.SaveState(&state); err != nil {
		sm.logger.Sugar().Errorf("CRITICAL: Failed to save position state: %v", err)
	}
}
