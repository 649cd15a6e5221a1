package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/reversal/shared"
	"github.com/dnldd/reversal/stock"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
)

// EngineConfig represents the tick engine configuration.
type EngineConfig struct {
	// FlatGapThreshold is the absolute gap fraction below which a stock is
	// rejected as flat.
	FlatGapThreshold float64
	// MaxGapUp is the upper cap on gap-up magnitude for strong start
	// eligibility.
	MaxGapUp float64
	// LowViolationFrac is the fraction below the open that constitutes a
	// low violation.
	LowViolationFrac float64
	// StopLossFrac is the fraction below entry at which the stop loss is set.
	StopLossFrac float64
	// ProfitTriggerFrac is the profit fraction at which the stop loss is
	// trailed to break even.
	ProfitTriggerFrac float64
	// PositionCap is the maximum number of concurrent entered positions.
	PositionCap int
	// NotifyLifecycleEvent relays the provided lifecycle event for processing.
	NotifyLifecycleEvent func(event shared.LifecycleEvent)
	// NotifyTrade relays the provided trade record for bookkeeping.
	NotifyTrade func(record shared.TradeRecord)
	// ReportFatal reports an unrecoverable state machine violation.
	ReportFatal func(err error)
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Engine routes price updates to the per-stock state machines. Ticks for
// the same stock are processed in arrival order, ticks for different
// stocks in parallel.
type Engine struct {
	cfg       *EngineConfig
	stocks    map[string]*stock.Stock
	stocksMtx sync.RWMutex
	workers   map[string]chan struct{}
	ticks     chan shared.Tick

	// enteredCount tracks currently entered positions, exits free slots.
	enteredCount *atomic.Int32
	enterMtx     sync.Mutex

	monitoring *atomic.Bool
	halted     *atomic.Bool

	// tick diagnostics.
	unknownTicks *atomic.Uint64
	droppedTicks *atomic.Uint64
}

// NewEngine initializes a new tick engine.
func NewEngine(cfg *EngineConfig) *Engine {
	return &Engine{
		cfg:          cfg,
		stocks:       make(map[string]*stock.Stock),
		workers:      make(map[string]chan struct{}),
		ticks:        make(chan shared.Tick, bufferSize),
		enteredCount: atomic.NewInt32(0),
		monitoring:   atomic.NewBool(false),
		halted:       atomic.NewBool(false),
		unknownTicks: atomic.NewUint64(0),
		droppedTicks: atomic.NewUint64(0),
	}
}

// AddStock admits a new stock for tracking from the provided watchlist
// record. Records with duplicate instrument keys or invalid closes are
// rejected.
func (e *Engine) AddStock(record shared.WatchlistRecord) error {
	e.stocksMtx.Lock()
	defer e.stocksMtx.Unlock()

	if _, ok := e.stocks[record.InstrumentKey]; ok {
		return fmt.Errorf("duplicate instrument key %s for %s",
			record.InstrumentKey, record.Symbol)
	}

	stk := stock.NewStock(record.Symbol, record.InstrumentKey)
	err := stk.Admit(record.PreviousClose, record.Hint)
	if err != nil {
		return fmt.Errorf("admitting %s: %w", record.Symbol, err)
	}

	e.stocks[record.InstrumentKey] = stk
	e.workers[record.InstrumentKey] = make(chan struct{}, 1)

	return nil
}

// InstrumentKeys returns the instrument keys of all tracked stocks.
func (e *Engine) InstrumentKeys() []string {
	e.stocksMtx.RLock()
	defer e.stocksMtx.RUnlock()

	keys := make([]string, 0, len(e.stocks))
	for key := range e.stocks {
		keys = append(keys, key)
	}

	return keys
}

// FetchStock returns the tracked stock with the provided instrument key.
func (e *Engine) FetchStock(instrumentKey string) (*stock.Stock, bool) {
	e.stocksMtx.RLock()
	defer e.stocksMtx.RUnlock()

	stk, ok := e.stocks[instrumentKey]
	return stk, ok
}

// SendTick relays the provided tick for processing.
func (e *Engine) SendTick(tick shared.Tick) {
	select {
	case e.ticks <- tick:
		// do nothing.
	default:
		e.droppedTicks.Inc()
		e.cfg.Logger.Error().Msgf("tick channel at capacity: %d/%d",
			len(e.ticks), bufferSize)
	}
}

// BeginMonitoringPhase enables low violation checks and qualification.
func (e *Engine) BeginMonitoringPhase() {
	e.monitoring.Store(true)
}

// Halt stops the engine from firing new entries. In-flight exits still
// complete.
func (e *Engine) Halt() {
	e.halted.Store(true)
}

// EnteredCount returns the number of currently entered positions.
func (e *Engine) EnteredCount() int {
	return int(e.enteredCount.Load())
}

// MonitoringEntryKeys returns the instrument keys of stocks still
// monitoring for an entry.
func (e *Engine) MonitoringEntryKeys() []string {
	e.stocksMtx.RLock()
	defer e.stocksMtx.RUnlock()

	keys := make([]string, 0)
	for key, stk := range e.stocks {
		if stk.Status() == shared.MonitoringEntry {
			keys = append(keys, key)
		}
	}

	return keys
}

// QualifiedStocks returns the stocks eligible for the selection pass.
func (e *Engine) QualifiedStocks() []shared.QualifiedStock {
	e.stocksMtx.RLock()
	defer e.stocksMtx.RUnlock()

	candidates := make([]shared.QualifiedStock, 0)
	for key, stk := range e.stocks {
		if stk.Status() != shared.Qualified {
			continue
		}

		snapshot := stk.FetchSnapshot()
		candidates = append(candidates, shared.QualifiedStock{
			Symbol:        snapshot.Symbol,
			InstrumentKey: key,
			Situation:     snapshot.Situation,
			GapPercent:    snapshot.GapPercent(),
		})
	}

	return candidates
}

// emitEvent relays the provided lifecycle event to the observers. Entry
// and exit events additionally produce trade records.
func (e *Engine) emitEvent(event shared.LifecycleEvent) {
	e.cfg.NotifyLifecycleEvent(event)

	switch event.Kind {
	case shared.EnteredEvent, shared.ExitedEvent:
		e.cfg.NotifyTrade(shared.TradeRecord{
			Symbol:     event.Symbol,
			Kind:       event.Kind,
			Price:      event.Price,
			Timestamp:  event.Timestamp,
			StopLoss:   event.StopLoss,
			PNLPercent: event.PNLPercent,
		})
	}
}

// fatal reports an unrecoverable state machine violation. Further results
// cannot be trusted once one occurs.
func (e *Engine) fatal(err error) {
	e.cfg.Logger.Error().Err(err).Msg("state machine violated")
	if e.cfg.ReportFatal != nil {
		e.cfg.ReportFatal(err)
	}
}

// handleTick processes the provided tick for the stock it belongs to.
// Every branch mutates only that stock and emits at most one lifecycle
// event.
func (e *Engine) handleTick(stk *stock.Stock, tick *shared.Tick) {
	if !stk.AcceptTick(tick.Price, tick.Timestamp) {
		e.droppedTicks.Inc()
		return
	}

	switch stk.Status() {
	case shared.WaitingForOpen:
		e.handleOpenTick(stk, tick)
	case shared.GapValidated, shared.Qualified, shared.Selected:
		e.handlePreEntryTick(stk, tick)
	case shared.MonitoringEntry:
		e.handleMonitoringTick(stk, tick)
	case shared.Entered:
		e.handleEnteredTick(stk, tick)
	default:
		// Terminal and uninitialized stocks drop ticks.
		e.droppedTicks.Inc()
	}
}

// handleOpenTick captures the stock's open from its first post-open tick
// and validates the opening gap immediately.
func (e *Engine) handleOpenTick(stk *stock.Stock, tick *shared.Tick) {
	err := stk.CaptureOpen(tick.Price)
	if err != nil {
		e.fatal(err)
		return
	}

	err = stk.ValidateGap(e.cfg.FlatGapThreshold, e.cfg.MaxGapUp)
	if err != nil {
		e.fatal(err)
		return
	}

	snapshot := stk.FetchSnapshot()
	switch snapshot.Status {
	case shared.Rejected:
		e.cfg.Logger.Info().Msgf("%s: rejected - %s", snapshot.Symbol,
			snapshot.RejectionReason)
		e.emitEvent(shared.LifecycleEvent{
			Symbol:        snapshot.Symbol,
			InstrumentKey: snapshot.InstrumentKey,
			Kind:          shared.RejectedEvent,
			Price:         tick.Price,
			Timestamp:     tick.Timestamp,
			Reason:        snapshot.RejectionReason,
		})
	default:
		e.cfg.Logger.Info().Msgf("%s: gap validated (%+.2f%%) as %s",
			snapshot.Symbol, snapshot.GapPercent()*100, snapshot.Situation.String())
		e.emitEvent(shared.LifecycleEvent{
			Symbol:        snapshot.Symbol,
			InstrumentKey: snapshot.InstrumentKey,
			Kind:          shared.OpenCapturedEvent,
			Price:         tick.Price,
			Timestamp:     tick.Timestamp,
		})
	}
}

// handlePreEntryTick accumulates running extremes and watches for low
// violations once the monitoring phase has begun.
func (e *Engine) handlePreEntryTick(stk *stock.Stock, tick *shared.Tick) {
	err := stk.UpdateRunningExtremes(tick.Price)
	if err != nil {
		e.fatal(err)
		return
	}

	if !e.monitoring.Load() {
		return
	}

	before := stk.Status()
	violated, err := stk.CheckLowViolation(e.cfg.LowViolationFrac)
	if err != nil {
		e.fatal(err)
		return
	}

	snapshot := stk.FetchSnapshot()
	switch {
	case violated:
		e.cfg.Logger.Info().Msgf("%s: rejected - %s", snapshot.Symbol,
			snapshot.RejectionReason)
		e.emitEvent(shared.LifecycleEvent{
			Symbol:        snapshot.Symbol,
			InstrumentKey: snapshot.InstrumentKey,
			Kind:          shared.RejectedEvent,
			Price:         tick.Price,
			Timestamp:     tick.Timestamp,
			Reason:        snapshot.RejectionReason,
		})
	case before == shared.GapValidated && snapshot.Status == shared.Qualified:
		e.cfg.Logger.Info().Msgf("%s: qualified", snapshot.Symbol)
		e.emitEvent(shared.LifecycleEvent{
			Symbol:        snapshot.Symbol,
			InstrumentKey: snapshot.InstrumentKey,
			Kind:          shared.QualifiedEvent,
			Price:         tick.Price,
			Timestamp:     tick.Timestamp,
		})
	}
}

// handleMonitoringTick ratchets strong start entry triggers and attempts
// an entry under the position cap.
func (e *Engine) handleMonitoringTick(stk *stock.Stock, tick *shared.Tick) {
	err := stk.UpdateRunningExtremes(tick.Price)
	if err != nil {
		e.fatal(err)
		return
	}

	err = stk.RatchetEntryTrigger()
	if err != nil {
		e.fatal(err)
		return
	}

	if e.halted.Load() {
		return
	}

	// The entered count must be consistent with the entry attempt, the
	// lock spans the cap check and the entry.
	e.enterMtx.Lock()
	if int(e.enteredCount.Load()) >= e.cfg.PositionCap {
		e.enterMtx.Unlock()
		return
	}

	entered, err := stk.TryEnter(tick.Price, tick.Timestamp, e.cfg.StopLossFrac)
	if err != nil {
		e.enterMtx.Unlock()
		e.fatal(err)
		return
	}
	if entered {
		e.enteredCount.Inc()
	}
	e.enterMtx.Unlock()

	if !entered {
		return
	}

	snapshot := stk.FetchSnapshot()
	e.cfg.Logger.Info().Msgf("%s: entered @ %.2f with stoploss %.2f",
		snapshot.Symbol, snapshot.EntryPrice, snapshot.StopLoss)
	e.emitEvent(shared.LifecycleEvent{
		Symbol:        snapshot.Symbol,
		InstrumentKey: snapshot.InstrumentKey,
		Kind:          shared.EnteredEvent,
		Price:         snapshot.EntryPrice,
		Timestamp:     tick.Timestamp,
		StopLoss:      snapshot.StopLoss,
	})
}

// handleEnteredTick trails the stop loss on profit and exits the position
// once the stop loss is hit.
func (e *Engine) handleEnteredTick(stk *stock.Stock, tick *shared.Tick) {
	err := stk.UpdateRunningExtremes(tick.Price)
	if err != nil {
		e.fatal(err)
		return
	}

	trailed, err := stk.TryTrail(tick.Price, e.cfg.ProfitTriggerFrac)
	if err != nil {
		e.fatal(err)
		return
	}
	if trailed {
		snapshot := stk.FetchSnapshot()
		e.cfg.Logger.Info().Msgf("%s: trailing stop moved to break even @ %.2f",
			snapshot.Symbol, snapshot.StopLoss)
	}

	exited, err := stk.TryExit(tick.Price, tick.Timestamp)
	if err != nil {
		e.fatal(err)
		return
	}
	if !exited {
		return
	}

	e.enteredCount.Dec()

	snapshot := stk.FetchSnapshot()
	e.cfg.Logger.Info().Msgf("%s: exited @ %.2f, pnl %+.2f%%",
		snapshot.Symbol, snapshot.ExitPrice, snapshot.PNLPercent)
	e.emitEvent(shared.LifecycleEvent{
		Symbol:        snapshot.Symbol,
		InstrumentKey: snapshot.InstrumentKey,
		Kind:          shared.ExitedEvent,
		Price:         snapshot.ExitPrice,
		Timestamp:     tick.Timestamp,
		StopLoss:      snapshot.StopLoss,
		PNLPercent:    snapshot.PNLPercent,
	})
}

// withStock runs the provided func while holding the stock's worker token,
// serializing it with tick handling for that stock.
func (e *Engine) withStock(instrumentKey string, fn func(stk *stock.Stock)) {
	e.stocksMtx.RLock()
	stk, ok := e.stocks[instrumentKey]
	worker := e.workers[instrumentKey]
	e.stocksMtx.RUnlock()

	if !ok {
		return
	}

	worker <- struct{}{}
	fn(stk)
	<-worker
}

// ApplySelection applies the outcome of the selection pass. Selected
// stocks are armed for entry, the rest of the qualified stocks become not
// selected.
func (e *Engine) ApplySelection(selected []string, now time.Time) {
	selectedSet := make(map[string]bool, len(selected))
	for idx := range selected {
		selectedSet[selected[idx]] = true
	}

	e.stocksMtx.RLock()
	keys := make([]string, 0, len(e.stocks))
	for key := range e.stocks {
		keys = append(keys, key)
	}
	e.stocksMtx.RUnlock()

	for _, key := range keys {
		e.withStock(key, func(stk *stock.Stock) {
			if stk.Status() != shared.Qualified {
				return
			}

			snapshot := stk.FetchSnapshot()
			if !selectedSet[key] {
				err := stk.MarkNotSelected()
				if err != nil {
					e.fatal(err)
					return
				}

				e.cfg.Logger.Info().Msgf("%s: not selected", snapshot.Symbol)
				e.emitEvent(shared.LifecycleEvent{
					Symbol:        snapshot.Symbol,
					InstrumentKey: key,
					Kind:          shared.NotSelectedEvent,
					Timestamp:     now,
				})
				return
			}

			err := stk.MarkSelected()
			if err != nil {
				e.fatal(err)
				return
			}

			e.emitEvent(shared.LifecycleEvent{
				Symbol:        snapshot.Symbol,
				InstrumentKey: key,
				Kind:          shared.SelectedEvent,
				Timestamp:     now,
			})

			err = stk.ArmEntry()
			if err != nil {
				e.fatal(err)
				return
			}

			armed := stk.FetchSnapshot()
			e.cfg.Logger.Info().Msgf("%s: entry armed @ %.2f", armed.Symbol,
				armed.EntryTrigger)
			e.emitEvent(shared.LifecycleEvent{
				Symbol:        armed.Symbol,
				InstrumentKey: key,
				Kind:          shared.EntryArmedEvent,
				Price:         armed.EntryTrigger,
				Timestamp:     now,
			})
		})
	}
}

// RejectMissingOpens rejects stocks that never produced an open tick by
// the end of the monitoring phase.
func (e *Engine) RejectMissingOpens(now time.Time) {
	for _, key := range e.InstrumentKeys() {
		e.withStock(key, func(stk *stock.Stock) {
			if stk.Status() != shared.WaitingForOpen {
				return
			}

			err := stk.Reject(stock.ReasonNoOpenTick)
			if err != nil {
				e.fatal(err)
				return
			}

			snapshot := stk.FetchSnapshot()
			e.cfg.Logger.Info().Msgf("%s: rejected - %s", snapshot.Symbol,
				snapshot.RejectionReason)
			e.emitEvent(shared.LifecycleEvent{
				Symbol:        snapshot.Symbol,
				InstrumentKey: key,
				Kind:          shared.RejectedEvent,
				Timestamp:     now,
				Reason:        snapshot.RejectionReason,
			})
		})
	}
}

// MarkSubscribed updates the local subscription mirror for the provided
// stocks after a successful feed subscribe.
func (e *Engine) MarkSubscribed(instrumentKeys []string) {
	for _, key := range instrumentKeys {
		e.withStock(key, func(stk *stock.Stock) {
			err := stk.SetSubscribed(true)
			if err != nil {
				e.fatal(err)
			}
		})
	}
}

// MarkUnsubscribed clears the local subscription mirror for the provided
// stocks. Non-terminal stocks are finalized as unsubscribed, the feed is
// no longer expected to deliver ticks for them.
func (e *Engine) MarkUnsubscribed(instrumentKeys []string) {
	for _, key := range instrumentKeys {
		e.withStock(key, func(stk *stock.Stock) {
			err := stk.FinalizeUnsubscribed()
			if err != nil {
				e.fatal(err)
			}
		})
	}
}

// FinalizeAll terminates all remaining non-terminal stocks as
// unsubscribed at session end.
func (e *Engine) FinalizeAll() {
	e.MarkUnsubscribed(e.InstrumentKeys())
}

// Summary aggregates the session outcome by terminal state.
type Summary struct {
	Counts       map[string]int
	AggregatePNL float64
	DroppedTicks uint64
	UnknownTicks uint64
}

// SessionSummary tallies stocks by state and aggregates the session's
// realized profit and loss percentage.
func (e *Engine) SessionSummary() Summary {
	e.stocksMtx.RLock()
	defer e.stocksMtx.RUnlock()

	summary := Summary{
		Counts:       make(map[string]int),
		DroppedTicks: e.droppedTicks.Load(),
		UnknownTicks: e.unknownTicks.Load(),
	}

	for _, stk := range e.stocks {
		snapshot := stk.FetchSnapshot()
		summary.Counts[snapshot.Status.String()]++
		if snapshot.Status == shared.Exited {
			summary.AggregatePNL += snapshot.PNLPercent
		}
	}

	return summary
}

// DroppedTicks returns the number of ticks dropped by precondition checks.
func (e *Engine) DroppedTicks() uint64 {
	return e.droppedTicks.Load()
}

// UnknownTicks returns the number of ticks received for untracked stocks.
func (e *Engine) UnknownTicks() uint64 {
	return e.unknownTicks.Load()
}

// Run manages the lifecycle processes of the tick engine.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-e.ticks:
			e.stocksMtx.RLock()
			stk, ok := e.stocks[tick.InstrumentKey]
			worker := e.workers[tick.InstrumentKey]
			e.stocksMtx.RUnlock()

			if !ok {
				e.unknownTicks.Inc()
				e.cfg.Logger.Debug().Msgf("no stock found with key %s for tick",
					tick.InstrumentKey)
				continue
			}

			// use the dedicated stock worker to serialize tick handling
			// per stock.
			worker <- struct{}{}
			go func(tick *shared.Tick) {
				e.handleTick(stk, tick)
				<-worker
			}(&tick)
		}
	}
}
