package stock

import (
	"fmt"
	"sync"
	"time"

	"github.com/dnldd/reversal/shared"
)

const (
	// Rejection reasons.
	ReasonFlatGap      = "flat gap"
	ReasonGapTooLarge  = "gap too large"
	ReasonLowViolation = "low violation"
	ReasonNoOpenTick   = "no open tick"
)

// Stock tracks the intraday gap state of a single watched instrument.
// All transition methods serialize on the stock's mutex, writes from the
// tick engine and the session scheduler never interleave mid-transition.
type Stock struct {
	symbol        string
	instrumentKey string
	previousClose float64
	situation     shared.Situation

	openPrice   float64
	runningHigh float64
	runningLow  float64
	hasOpen     bool

	status     shared.Status
	subscribed bool

	entryTrigger float64
	entryPrice   float64
	stopLoss     float64
	entryTime    time.Time
	exitPrice    float64
	exitTime     time.Time
	pnlPercent   float64

	rejectionReason string
	lastTimestamp   time.Time

	mtx sync.RWMutex
}

// Snapshot is a point-in-time copy of a stock's state.
type Snapshot struct {
	Symbol          string
	InstrumentKey   string
	PreviousClose   float64
	Situation       shared.Situation
	OpenPrice       float64
	RunningHigh     float64
	RunningLow      float64
	Status          shared.Status
	Subscribed      bool
	EntryTrigger    float64
	EntryPrice      float64
	StopLoss        float64
	EntryTime       time.Time
	ExitPrice       float64
	ExitTime        time.Time
	PNLPercent      float64
	RejectionReason string
}

// GapPercent returns the fractional opening gap of the snapshot.
func (s Snapshot) GapPercent() float64 {
	if s.PreviousClose == 0 {
		return 0
	}

	return (s.OpenPrice - s.PreviousClose) / s.PreviousClose
}

// NewStock initializes a new stock in the initialized state.
func NewStock(symbol string, instrumentKey string) *Stock {
	return &Stock{
		symbol:        symbol,
		instrumentKey: instrumentKey,
		status:        shared.Initialized,
	}
}

// transitionError describes an illegal transition request.
func (s *Stock) transitionError(op string) error {
	return fmt.Errorf("%s: %s in state %s: %w", s.symbol, op, s.status.String(),
		shared.ErrInvalidTransition)
}

// Admit transitions the stock from initialized to waiting for open using
// the provided previous close and situation hint.
func (s *Stock) Admit(previousClose float64, hint shared.Situation) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.Initialized {
		return s.transitionError("admit")
	}
	if previousClose <= 0 {
		return fmt.Errorf("%s: previous close must be positive, got %f",
			s.symbol, previousClose)
	}

	s.previousClose = previousClose
	s.situation = hint
	s.status = shared.WaitingForOpen

	return nil
}

// CaptureOpen sets the open price from the first tick received after
// market open. Only the first post-open tick sets the open.
func (s *Stock) CaptureOpen(price float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.WaitingForOpen {
		return s.transitionError("capture open")
	}
	if s.hasOpen {
		// The open is defined by the first post-open tick ever seen.
		return nil
	}

	s.openPrice = price
	s.runningHigh = price
	s.runningLow = price
	s.hasOpen = true

	return nil
}

// ValidateGap classifies the opening gap of the stock and transitions it
// to gap validated or rejected. The open price decides the setup: a gap
// down becomes an oops reversal candidate, a gap up within the cap becomes
// a strong start candidate.
func (s *Stock) ValidateGap(flatGapThreshold float64, maxGapUp float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.WaitingForOpen || !s.hasOpen {
		return s.transitionError("validate gap")
	}

	gap := (s.openPrice - s.previousClose) / s.previousClose

	switch {
	case gap <= flatGapThreshold && gap >= -flatGapThreshold:
		s.rejectLocked(ReasonFlatGap)
	case gap > 0:
		if gap > maxGapUp {
			s.rejectLocked(ReasonGapTooLarge)
			return nil
		}
		s.situation = shared.StrongStart
		s.status = shared.GapValidated
	default:
		// Gap downs have no lower cap.
		s.situation = shared.OOPS
		s.status = shared.GapValidated
	}

	return nil
}

// UpdateRunningExtremes updates the running session high and low with the
// provided price. Valid in any state after open capture.
func (s *Stock) UpdateRunningExtremes(price float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.hasOpen {
		return s.transitionError("update running extremes")
	}

	if price > s.runningHigh {
		s.runningHigh = price
	}
	if price < s.runningLow {
		s.runningLow = price
	}

	return nil
}

// CheckLowViolation checks whether the session low has fallen more than
// the provided fraction below the open. When invoked from gap validated,
// a clean check qualifies the stock; oops candidates are armed with the
// previous close as their entry trigger on qualification. A violation in
// any pre-entry state rejects the stock. Returns whether a violation
// occurred.
func (s *Stock) CheckLowViolation(lowViolationFrac float64) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch s.status {
	case shared.GapValidated, shared.Qualified, shared.Selected, shared.MonitoringEntry:
		// do nothing.
	default:
		return false, s.transitionError("check low violation")
	}

	violated := s.runningLow < s.openPrice*(1-lowViolationFrac)
	if violated {
		s.rejectLocked(ReasonLowViolation)
		return true, nil
	}

	if s.status == shared.GapValidated {
		s.status = shared.Qualified
		if s.situation == shared.OOPS {
			// Oops candidates are entry-ready the moment they qualify,
			// the entry triggers on an upward recross of the prior close.
			s.entryTrigger = s.previousClose
		}
	}

	return false, nil
}

// MarkSelected transitions the stock from qualified to selected.
func (s *Stock) MarkSelected() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.Qualified {
		return s.transitionError("mark selected")
	}

	s.status = shared.Selected

	return nil
}

// MarkNotSelected terminates the stock as not selected.
func (s *Stock) MarkNotSelected() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.Qualified {
		return s.transitionError("mark not selected")
	}

	s.status = shared.NotSelected
	s.subscribed = false

	return nil
}

// ArmEntry transitions the stock from selected to monitoring entry. Oops
// candidates already carry their trigger. Strong start candidates arm at
// the running high, which by construction is at least the open price.
func (s *Stock) ArmEntry() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.Selected {
		return s.transitionError("arm entry")
	}

	if s.situation == shared.StrongStart {
		s.entryTrigger = max(s.openPrice, s.runningHigh)
	}
	s.status = shared.MonitoringEntry

	return nil
}

// RatchetEntryTrigger raises the entry trigger of a strong start candidate
// to a new running high. The trigger only ever moves up until entry fires.
func (s *Stock) RatchetEntryTrigger() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.MonitoringEntry {
		return s.transitionError("ratchet entry trigger")
	}

	if s.situation == shared.StrongStart && s.runningHigh > s.entryTrigger {
		s.entryTrigger = s.runningHigh
	}

	return nil
}

// TryEnter fires an entry if the provided price has reached the entry
// trigger. On entry the stop loss is placed the provided fraction below
// the entry price. Returns whether an entry fired.
func (s *Stock) TryEnter(price float64, now time.Time, stopLossFrac float64) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.MonitoringEntry {
		return false, s.transitionError("try enter")
	}

	if price < s.entryTrigger {
		return false, nil
	}

	s.entryPrice = price
	s.entryTime = now
	s.stopLoss = price * (1 - stopLossFrac)
	s.status = shared.Entered

	return true, nil
}

// TryTrail moves the stop loss to break even once the provided price shows
// the configured profit fraction over the entry. The stop loss never moves
// down. Returns whether the stop was adjusted.
func (s *Stock) TryTrail(price float64, profitTriggerFrac float64) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.Entered {
		return false, s.transitionError("try trail")
	}

	profit := (price - s.entryPrice) / s.entryPrice
	if profit < profitTriggerFrac || s.stopLoss >= s.entryPrice {
		return false, nil
	}

	s.stopLoss = s.entryPrice

	return true, nil
}

// TryExit closes the position if the provided price has hit the stop loss.
// Returns whether an exit fired.
func (s *Stock) TryExit(price float64, now time.Time) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status != shared.Entered {
		return false, s.transitionError("try exit")
	}

	if price > s.stopLoss {
		return false, nil
	}

	s.exitPrice = price
	s.exitTime = now
	s.pnlPercent = (s.exitPrice - s.entryPrice) / s.entryPrice * 100
	s.status = shared.Exited
	s.subscribed = false

	return true, nil
}

// rejectLocked terminates the stock as rejected. Callers must hold the
// stock mutex.
func (s *Stock) rejectLocked(reason string) {
	s.status = shared.Rejected
	s.rejectionReason = reason
	s.subscribed = false
}

// Reject terminates the stock as rejected with the provided reason.
// Idempotent for stocks already rejected.
func (s *Stock) Reject(reason string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	switch s.status {
	case shared.Rejected:
		// do nothing.
		return nil
	case shared.WaitingForOpen, shared.GapValidated, shared.Qualified, shared.Selected, shared.MonitoringEntry:
		s.rejectLocked(reason)
		return nil
	default:
		return s.transitionError("reject")
	}
}

// FinalizeUnsubscribed terminates a non-terminal stock as unsubscribed.
// Idempotent for stocks already terminal.
func (s *Stock) FinalizeUnsubscribed() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status.Terminal() {
		s.subscribed = false
		return nil
	}

	s.status = shared.Unsubscribed
	s.subscribed = false

	return nil
}

// SetSubscribed updates the local subscription mirror for the stock.
// Terminal stocks only accept the one-shot transition to unsubscribed.
func (s *Stock) SetSubscribed(subscribed bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.status.Terminal() && subscribed {
		return s.transitionError("set subscribed")
	}

	s.subscribed = subscribed

	return nil
}

// AcceptTick checks the tick preconditions for the stock and records the
// tick timestamp. Out of order ticks per stock are dropped, not an error.
func (s *Stock) AcceptTick(price float64, timestamp time.Time) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if price <= 0 || !s.subscribed {
		return false
	}
	if !s.lastTimestamp.IsZero() && timestamp.Before(s.lastTimestamp) {
		return false
	}

	s.lastTimestamp = timestamp

	return true
}

// Symbol returns the display symbol of the stock.
func (s *Stock) Symbol() string {
	return s.symbol
}

// InstrumentKey returns the feed identity of the stock.
func (s *Stock) InstrumentKey() string {
	return s.instrumentKey
}

// Status returns the current status of the stock.
func (s *Stock) Status() shared.Status {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.status
}

// Subscribed returns the local subscription mirror of the stock.
func (s *Stock) Subscribed() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.subscribed
}

// HasOpen checks whether the stock has captured its open price.
func (s *Stock) HasOpen() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.hasOpen
}

// GapPercent returns the fractional opening gap of the stock.
func (s *Stock) GapPercent() float64 {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	if !s.hasOpen || s.previousClose == 0 {
		return 0
	}

	return (s.openPrice - s.previousClose) / s.previousClose
}

// FetchSnapshot returns a point-in-time copy of the stock's state.
func (s *Stock) FetchSnapshot() Snapshot {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return Snapshot{
		Symbol:          s.symbol,
		InstrumentKey:   s.instrumentKey,
		PreviousClose:   s.previousClose,
		Situation:       s.situation,
		OpenPrice:       s.openPrice,
		RunningHigh:     s.runningHigh,
		RunningLow:      s.runningLow,
		Status:          s.status,
		Subscribed:      s.subscribed,
		EntryTrigger:    s.entryTrigger,
		EntryPrice:      s.entryPrice,
		StopLoss:        s.stopLoss,
		EntryTime:       s.entryTime,
		ExitPrice:       s.exitPrice,
		ExitTime:        s.exitTime,
		PNLPercent:      s.pnlPercent,
		RejectionReason: s.rejectionReason,
	}
}
