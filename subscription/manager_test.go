package subscription

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/reversal/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

// fakeStreamer records feed calls.
type fakeStreamer struct {
	mtx              sync.Mutex
	subscribeCalls   [][]string
	unsubscribeCalls [][]string
}

func (f *fakeStreamer) Subscribe(instrumentKeys []string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.subscribeCalls = append(f.subscribeCalls, instrumentKeys)
	return nil
}

func (f *fakeStreamer) Unsubscribe(instrumentKeys []string) error {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	f.unsubscribeCalls = append(f.unsubscribeCalls, instrumentKeys)
	return nil
}

func (f *fakeStreamer) subscribes() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.subscribeCalls)
}

func (f *fakeStreamer) unsubscribes() int {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	return len(f.unsubscribeCalls)
}

func setupManager(t *testing.T, positionCap int, enteredCount func() int,
	monitoringKeys func() []string) (*Manager, *fakeStreamer, chan []string, chan []string) {
	bufferSize := 10

	streamer := &fakeStreamer{}

	subscribedMarks := make(chan []string, bufferSize)
	markSubscribed := func(instrumentKeys []string) {
		subscribedMarks <- instrumentKeys
	}

	unsubscribedMarks := make(chan []string, bufferSize)
	markUnsubscribed := func(instrumentKeys []string) {
		unsubscribedMarks <- instrumentKeys
	}

	cfg := &ManagerConfig{
		Streamer:            streamer,
		PositionCap:         positionCap,
		EnteredCount:        enteredCount,
		MonitoringEntryKeys: monitoringKeys,
		MarkSubscribed:      markSubscribed,
		MarkUnsubscribed:    markUnsubscribed,
		Logger:              &log.Logger,
	}

	return NewManager(cfg), streamer, subscribedMarks, unsubscribedMarks
}

func nextMark(t *testing.T, marks chan []string) []string {
	t.Helper()

	select {
	case keys := <-marks:
		return keys
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a subscription mark")
		return nil
	}
}

func TestSubscribeIsIdempotent(t *testing.T) {
	mgr, streamer, subscribedMarks, _ := setupManager(t, 2,
		func() int { return 0 }, func() []string { return nil })

	keys := []string{"NSE_EQ|A", "NSE_EQ|B"}

	// Ensure subscribing forwards to the feed and marks the stocks.
	mgr.Subscribe(keys)
	assert.Equal(t, streamer.subscribes(), 1)
	marked := nextMark(t, subscribedMarks)
	assert.Equal(t, len(marked), 2)

	streamed := mgr.StreamedKeys()
	sort.Strings(streamed)
	assert.Equal(t, streamed, []string{"NSE_EQ|A", "NSE_EQ|B"})

	// Ensure resubscribing streamed stocks does not call the feed again.
	mgr.Subscribe(keys)
	assert.Equal(t, streamer.subscribes(), 1)

	// Ensure only the new stock of a mixed batch reaches the feed.
	mgr.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|C"})
	assert.Equal(t, streamer.subscribes(), 2)
	marked = nextMark(t, subscribedMarks)
	assert.Equal(t, marked, []string{"NSE_EQ|C"})
}

func TestUnsubscribe(t *testing.T) {
	mgr, streamer, subscribedMarks, unsubscribedMarks := setupManager(t, 2,
		func() int { return 0 }, func() []string { return nil })

	mgr.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|B"})
	nextMark(t, subscribedMarks)

	// Ensure unsubscribing forwards to the feed and clears the mirror.
	mgr.Unsubscribe([]string{"NSE_EQ|A"}, "rejected")
	assert.Equal(t, streamer.unsubscribes(), 1)
	marked := nextMark(t, unsubscribedMarks)
	assert.Equal(t, marked, []string{"NSE_EQ|A"})
	assert.Equal(t, mgr.StreamedKeys(), []string{"NSE_EQ|B"})

	// Ensure unsubscribing stocks not streamed is a no-op.
	mgr.Unsubscribe([]string{"NSE_EQ|A", "NSE_EQ|Z"}, "rejected")
	assert.Equal(t, streamer.unsubscribes(), 1)

	// Ensure unsubscribe all drains the streamed set.
	mgr.UnsubscribeAll("end of session")
	assert.Equal(t, streamer.unsubscribes(), 2)
	nextMark(t, unsubscribedMarks)
	assert.Equal(t, len(mgr.StreamedKeys()), 0)
}

func TestLifecycleEventsPruneSubscriptions(t *testing.T) {
	mgr, _, subscribedMarks, unsubscribedMarks := setupManager(t, 2,
		func() int { return 0 }, func() []string { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	mgr.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|B", "NSE_EQ|C"})
	nextMark(t, subscribedMarks)

	// Ensure a rejection unsubscribes the stock.
	mgr.SendLifecycleEvent(shared.LifecycleEvent{
		Symbol:        "ACO",
		InstrumentKey: "NSE_EQ|A",
		Kind:          shared.RejectedEvent,
		Reason:        "flat gap",
	})
	marked := nextMark(t, unsubscribedMarks)
	assert.Equal(t, marked, []string{"NSE_EQ|A"})

	// Ensure a non-selection unsubscribes the stock.
	mgr.SendLifecycleEvent(shared.LifecycleEvent{
		Symbol:        "BCO",
		InstrumentKey: "NSE_EQ|B",
		Kind:          shared.NotSelectedEvent,
	})
	marked = nextMark(t, unsubscribedMarks)
	assert.Equal(t, marked, []string{"NSE_EQ|B"})

	// Ensure an exit unsubscribes the stock.
	mgr.SendLifecycleEvent(shared.LifecycleEvent{
		Symbol:        "CCO",
		InstrumentKey: "NSE_EQ|C",
		Kind:          shared.ExitedEvent,
	})
	marked = nextMark(t, unsubscribedMarks)
	assert.Equal(t, marked, []string{"NSE_EQ|C"})

	// Ensure the manager can be gracefully shutdown.
	cancel()
	<-done
}

func TestPositionCapUnsubscribesMonitoringStocks(t *testing.T) {
	monitoring := []string{"NSE_EQ|B"}
	mgr, _, subscribedMarks, unsubscribedMarks := setupManager(t, 1,
		func() int { return 1 }, func() []string { return monitoring })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()

	mgr.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|B"})
	nextMark(t, subscribedMarks)

	// Ensure hitting the position cap unsubscribes stocks still
	// monitoring for an entry.
	mgr.SendLifecycleEvent(shared.LifecycleEvent{
		Symbol:        "ACO",
		InstrumentKey: "NSE_EQ|A",
		Kind:          shared.EnteredEvent,
	})
	marked := nextMark(t, unsubscribedMarks)
	assert.Equal(t, marked, []string{"NSE_EQ|B"})
	assert.Equal(t, mgr.StreamedKeys(), []string{"NSE_EQ|A"})

	cancel()
	<-done
}

func TestEntryBelowCapKeepsSubscriptions(t *testing.T) {
	mgr, streamer, subscribedMarks, _ := setupManager(t, 2,
		func() int { return 1 }, func() []string { return []string{"NSE_EQ|B"} })

	mgr.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|B"})
	nextMark(t, subscribedMarks)

	// Ensure an entry below the cap leaves monitoring stocks streamed.
	mgr.handleLifecycleEvent(shared.LifecycleEvent{
		Symbol:        "ACO",
		InstrumentKey: "NSE_EQ|A",
		Kind:          shared.EnteredEvent,
	})
	assert.Equal(t, streamer.unsubscribes(), 0)
	assert.Equal(t, len(mgr.StreamedKeys()), 2)
}
