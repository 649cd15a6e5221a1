package shared

import (
	"time"
)

// EventKind defines the lifecycle events emitted by the tick engine.
type EventKind int

const (
	OpenCapturedEvent EventKind = iota
	RejectedEvent
	QualifiedEvent
	SelectedEvent
	NotSelectedEvent
	EntryArmedEvent
	EnteredEvent
	ExitedEvent
)

// String stringifies the provided event kind.
func (k EventKind) String() string {
	switch k {
	case OpenCapturedEvent:
		return "open captured"
	case RejectedEvent:
		return "rejected"
	case QualifiedEvent:
		return "qualified"
	case SelectedEvent:
		return "selected"
	case NotSelectedEvent:
		return "not selected"
	case EntryArmedEvent:
		return "entry armed"
	case EnteredEvent:
		return "entered"
	case ExitedEvent:
		return "exited"
	default:
		return "unknown"
	}
}

// LifecycleEvent represents a state change of a tracked stock, observable
// by the subscription manager and the trade manager.
type LifecycleEvent struct {
	Symbol        string
	InstrumentKey string
	Kind          EventKind
	Price         float64
	Timestamp     time.Time
	// Reason is set for rejection events.
	Reason string
	// StopLoss and PNLPercent are set for entry and exit events.
	StopLoss   float64
	PNLPercent float64
}

// TradeRecord represents an entry or exit notification for bookkeeping.
type TradeRecord struct {
	Symbol    string
	Kind      EventKind
	Price     float64
	Timestamp time.Time
	StopLoss  float64
	// PNLPercent is only meaningful for exit records.
	PNLPercent float64
}

// QualifiedStock represents a stock eligible for the selection pass.
type QualifiedStock struct {
	Symbol        string
	InstrumentKey string
	Situation     Situation
	GapPercent    float64
}

// SelectionFunc ranks the provided qualified stocks and returns the
// instrument keys of at most the configured position cap of them. It is
// treated as an opaque scoring function.
type SelectionFunc func(candidates []QualifiedStock) []string
