package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/dnldd/reversal/shared"
	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for channels.
	bufferSize = 64
	// maxRetries is the maximum number of feed call attempts.
	maxRetries = 3
	// retryDelay is the base delay between feed call attempts.
	retryDelay = time.Second * 2
)

// ManagerConfig represents the subscription manager configuration.
type ManagerConfig struct {
	// Streamer represents the upstream market data feed.
	Streamer shared.MarketStreamer
	// PositionCap is the maximum number of concurrent entered positions.
	PositionCap int
	// EnteredCount returns the current number of entered positions.
	EnteredCount func() int
	// MonitoringEntryKeys returns the stocks still monitoring for an entry.
	MonitoringEntryKeys func() []string
	// MarkSubscribed updates the local subscription mirror after a
	// successful subscribe.
	MarkSubscribed func(instrumentKeys []string)
	// MarkUnsubscribed clears the local subscription mirror. Applied even
	// when the feed call fails, the tick engine drops ticks for stocks
	// marked unsubscribed.
	MarkUnsubscribed func(instrumentKeys []string)
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Manager maintains the authoritative set of stocks the feed is asked to
// stream and prunes it in response to lifecycle events.
type Manager struct {
	cfg         *ManagerConfig
	streamed    map[string]bool
	streamedMtx sync.Mutex
	events      chan shared.LifecycleEvent
}

// NewManager initializes a new subscription manager.
func NewManager(cfg *ManagerConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		streamed: make(map[string]bool),
		events:   make(chan shared.LifecycleEvent, bufferSize),
	}
}

// SendLifecycleEvent relays the provided lifecycle event for processing.
func (m *Manager) SendLifecycleEvent(event shared.LifecycleEvent) {
	select {
	case m.events <- event:
		// do nothing.
	default:
		m.cfg.Logger.Error().Msgf("lifecycle event channel at capacity: %d/%d",
			len(m.events), bufferSize)
	}
}

// callFeed invokes the provided feed call with bounded backoff retries.
func (m *Manager) callFeed(op string, keys []string, call func([]string) error) error {
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = call(keys)
		if err == nil {
			return nil
		}

		m.cfg.Logger.Error().Msgf("%s attempt %d/%d failed: %v", op, attempt,
			maxRetries, err)
		if attempt < maxRetries {
			time.Sleep(retryDelay * time.Duration(attempt))
		}
	}

	return err
}

// Subscribe adds the provided stocks to the streamed set and forwards the
// subscription to the feed. Idempotent.
func (m *Manager) Subscribe(instrumentKeys []string) {
	m.streamedMtx.Lock()
	pending := make([]string, 0, len(instrumentKeys))
	for _, key := range instrumentKeys {
		if !m.streamed[key] {
			pending = append(pending, key)
		}
	}
	m.streamedMtx.Unlock()

	if len(pending) == 0 {
		return
	}

	err := m.callFeed("subscribe", pending, m.cfg.Streamer.Subscribe)
	if err != nil {
		m.cfg.Logger.Error().Msgf("subscribing %d stocks: %v", len(pending), err)
		return
	}

	m.streamedMtx.Lock()
	for _, key := range pending {
		m.streamed[key] = true
	}
	m.streamedMtx.Unlock()

	m.cfg.MarkSubscribed(pending)
}

// Unsubscribe removes the provided stocks from the streamed set and
// forwards the removal to the feed. The feed call is best effort, the
// local mirror is cleared regardless so stray ticks are dropped by the
// tick engine. Idempotent.
func (m *Manager) Unsubscribe(instrumentKeys []string, reason string) {
	m.streamedMtx.Lock()
	pending := make([]string, 0, len(instrumentKeys))
	for _, key := range instrumentKeys {
		if m.streamed[key] {
			pending = append(pending, key)
			delete(m.streamed, key)
		}
	}
	m.streamedMtx.Unlock()

	if len(pending) == 0 {
		return
	}

	m.cfg.Logger.Info().Msgf("unsubscribing %d stocks: %s", len(pending), reason)

	err := m.callFeed("unsubscribe", pending, m.cfg.Streamer.Unsubscribe)
	if err != nil {
		m.cfg.Logger.Error().Msgf("unsubscribing %d stocks: %v, marking locally",
			len(pending), err)
	}

	m.cfg.MarkUnsubscribed(pending)
}

// UnsubscribeAll removes everything still streamed.
func (m *Manager) UnsubscribeAll(reason string) {
	m.streamedMtx.Lock()
	keys := make([]string, 0, len(m.streamed))
	for key := range m.streamed {
		keys = append(keys, key)
	}
	m.streamedMtx.Unlock()

	m.Unsubscribe(keys, reason)
}

// StreamedKeys returns the authoritative streamed set.
func (m *Manager) StreamedKeys() []string {
	m.streamedMtx.Lock()
	defer m.streamedMtx.Unlock()

	keys := make([]string, 0, len(m.streamed))
	for key := range m.streamed {
		keys = append(keys, key)
	}

	return keys
}

// handleLifecycleEvent prunes the streamed set in response to the
// provided lifecycle event.
func (m *Manager) handleLifecycleEvent(event shared.LifecycleEvent) {
	switch event.Kind {
	case shared.RejectedEvent:
		m.Unsubscribe([]string{event.InstrumentKey}, event.Reason)
	case shared.NotSelectedEvent:
		m.Unsubscribe([]string{event.InstrumentKey}, "not selected")
	case shared.ExitedEvent:
		m.Unsubscribe([]string{event.InstrumentKey}, "position exited")
	case shared.EnteredEvent:
		if m.cfg.EnteredCount() < m.cfg.PositionCap {
			return
		}

		// The position cap is reached, stocks still monitoring for an
		// entry can no longer take a slot.
		monitoring := m.cfg.MonitoringEntryKeys()
		if len(monitoring) > 0 {
			m.Unsubscribe(monitoring, "position cap reached")
		}
	default:
		// do nothing.
	}
}

// Run manages the lifecycle processes of the subscription manager.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-m.events:
			m.handleLifecycleEvent(event)
		}
	}
}
