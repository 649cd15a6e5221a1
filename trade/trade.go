package trade

import (
	"fmt"
	"time"

	"github.com/dnldd/reversal/shared"
	"github.com/google/uuid"
)

// TradeStatus represents the status of a paper trade.
type TradeStatus int

const (
	Open TradeStatus = iota
	Closed
)

// String stringifies the provided trade status.
func (s TradeStatus) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Trade represents a simulated long position taken by the engine.
type Trade struct {
	ID         string
	Symbol     string
	EntryPrice float64
	StopLoss   float64
	EntryTime  time.Time
	ExitPrice  float64
	ExitTime   time.Time
	PNLPercent float64
	Status     TradeStatus
}

// NewTrade initializes a new trade from the provided entry record.
func NewTrade(record *shared.TradeRecord) (*Trade, error) {
	if record == nil {
		return nil, fmt.Errorf("entry record cannot be nil")
	}
	if record.Kind != shared.EnteredEvent {
		return nil, fmt.Errorf("expected an entry record for %s, got %s",
			record.Symbol, record.Kind.String())
	}

	return &Trade{
		ID:         uuid.New().String(),
		Symbol:     record.Symbol,
		EntryPrice: record.Price,
		StopLoss:   record.StopLoss,
		EntryTime:  record.Timestamp,
		Status:     Open,
	}, nil
}

// Close closes the trade using the provided exit record.
func (t *Trade) Close(record *shared.TradeRecord) error {
	if record == nil {
		return fmt.Errorf("exit record cannot be nil")
	}
	if record.Kind != shared.ExitedEvent {
		return fmt.Errorf("expected an exit record for %s, got %s",
			record.Symbol, record.Kind.String())
	}

	t.ExitPrice = record.Price
	t.ExitTime = record.Timestamp
	t.PNLPercent = record.PNLPercent
	t.StopLoss = record.StopLoss
	t.Status = Closed

	return nil
}
