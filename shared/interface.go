package shared

// MarketStreamer defines the requirements for streaming live market data.
type MarketStreamer interface {
	// Subscribe begins streaming ticks for the provided instrument keys.
	Subscribe(instrumentKeys []string) error
	// Unsubscribe stops streaming ticks for the provided instrument keys.
	Unsubscribe(instrumentKeys []string) error
}
