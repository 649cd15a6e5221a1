package shared

import (
	"time"
)

// OHLC represents an optional intraday open/high/low/close payload
// accompanying a tick.
type OHLC struct {
	Open  float64
	High  float64
	Low   float64
	Close float64
}

// Tick represents a single price update for an instrument.
type Tick struct {
	// InstrumentKey is the feed identity of the instrument.
	InstrumentKey string
	// Price is the last traded price.
	Price float64
	// Timestamp is the feed-supplied time of the trade.
	Timestamp time.Time
	// OHLC is the optional intraday candle payload.
	OHLC *OHLC
}

// WatchlistRecord represents a candidate stock admitted at session start.
type WatchlistRecord struct {
	// Symbol is the display name of the stock.
	Symbol string
	// InstrumentKey is the feed identity of the stock.
	InstrumentKey string
	// PreviousClose is the prior trading day's closing price.
	PreviousClose float64
	// Hint is the expected gap situation for the stock.
	Hint Situation
}
