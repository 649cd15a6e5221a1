package feed

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/dnldd/reversal/shared"
	"github.com/gorilla/websocket"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

func setupClient(t *testing.T, url string) (*Client, chan shared.Tick) {
	t.Helper()

	ticks := make(chan shared.Tick, 32)
	onTick := func(tick shared.Tick) {
		ticks <- tick
	}

	cfg := &ClientConfig{
		URL:         url,
		AccessToken: "token",
		OnTick:      onTick,
		Logger:      &log.Logger,
	}

	return NewClient(cfg), ticks
}

func TestParseTicks(t *testing.T) {
	client, ticks := setupClient(t, "ws://unused")

	message := []byte(`{
		"type": "live_feed",
		"feeds": {
			"NSE_EQ|A": {
				"ltpc": {"ltp": 95.5, "ltt": 1756350000000},
				"ohlc": {"open": 95, "high": 96, "low": 94.8, "close": 95.5}
			},
			"NSE_EQ|B": {
				"ltpc": {"ltp": 102.1, "ltt": 1756350001000}
			}
		}
	}`)

	client.parseTicks(message)
	assert.Equal(t, len(ticks), 2)

	first := <-ticks
	assert.Equal(t, first.InstrumentKey, "NSE_EQ|A")
	assert.Equal(t, first.Price, 95.5)
	assert.Equal(t, first.Timestamp, time.UnixMilli(1756350000000))
	assert.NotNil(t, first.OHLC)
	assert.Equal(t, first.OHLC.Open, float64(95))
	assert.Equal(t, first.OHLC.Low, 94.8)

	second := <-ticks
	assert.Equal(t, second.InstrumentKey, "NSE_EQ|B")
	assert.Equal(t, second.Price, 102.1)
	assert.Nil(t, second.OHLC)
}

func TestParseTicksIgnoresNonFeedMessages(t *testing.T) {
	client, ticks := setupClient(t, "ws://unused")

	client.parseTicks([]byte(`{"type": "market_info"}`))
	client.parseTicks([]byte(`not json`))
	assert.Equal(t, len(ticks), 0)
}

func TestParseTicksSkipsEntriesWithoutPrices(t *testing.T) {
	client, ticks := setupClient(t, "ws://unused")

	client.parseTicks([]byte(`{
		"feeds": {
			"NSE_EQ|A": {"requestMode": "ltpc"},
			"NSE_EQ|B": {"ltpc": {"ltp": 50, "ltt": 1756350000000}}
		}
	}`))

	assert.Equal(t, len(ticks), 1)
	tick := <-ticks
	assert.Equal(t, tick.InstrumentKey, "NSE_EQ|B")
}

func TestControlFramesRequireConnection(t *testing.T) {
	client, _ := setupClient(t, "ws://unused")

	// Ensure subscribing without a connection fails and marks nothing.
	err := client.Subscribe([]string{"NSE_EQ|A"})
	assert.Error(t, err)
	assert.Equal(t, len(client.streamedKeys()), 0)

	err = client.Unsubscribe([]string{"NSE_EQ|A"})
	assert.Error(t, err)
}

func TestRegisterKeys(t *testing.T) {
	client, _ := setupClient(t, "ws://unused")

	client.RegisterKeys([]string{"NSE_EQ|A", "NSE_EQ|B"})

	client.streamedMtx.Lock()
	registered := len(client.registered)
	client.streamedMtx.Unlock()
	assert.Equal(t, registered, 2)

	// Registration alone streams nothing.
	assert.Equal(t, len(client.streamedKeys()), 0)
}

// readGatedConn fails writes once the handshake response has been read,
// simulating a feed that drops the connection right after connecting.
type readGatedConn struct {
	net.Conn
	read atomic.Bool
}

func (c *readGatedConn) Read(b []byte) (int, error) {
	c.read.Store(true)
	return c.Conn.Read(b)
}

func (c *readGatedConn) Write(b []byte) (int, error) {
	if c.read.Load() {
		return 0, errors.New("connection reset")
	}
	return c.Conn.Write(b)
}

func TestConnectFailedResubscribeClosesConnection(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _ := setupClient(t, url)
	client.dialer = &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := net.Dial(network, addr)
			if err != nil {
				return nil, err
			}
			return &readGatedConn{Conn: conn}, nil
		},
	}

	client.streamedMtx.Lock()
	client.streamed["NSE_EQ|A"] = true
	client.streamedMtx.Unlock()

	// Ensure a failed resubscribe closes the freshly dialed connection.
	err := client.connect(context.Background())
	assert.Error(t, err)

	client.connMtx.Lock()
	conn := client.conn
	client.connMtx.Unlock()
	assert.Nil(t, conn)
}

func TestClientStreamsTicks(t *testing.T) {
	upgrader := websocket.Upgrader{}

	frames := make(chan controlFrame, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ensure the client authorizes the connection.
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var frame controlFrame
			err := conn.ReadJSON(&frame)
			if err != nil {
				return
			}
			frames <- frame

			if frame.Method == subscribeMethod {
				message := `{
					"feeds": {
						"NSE_EQ|A": {"ltpc": {"ltp": 95.5, "ltt": 1756350000000}}
					}
				}`
				err = conn.WriteMessage(websocket.TextMessage, []byte(message))
				if err != nil {
					return
				}
			}
		}
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, ticks := setupClient(t, url)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		client.Run(ctx)
		close(done)
	}()

	// Wait for the connection before issuing control frames.
	deadline := time.Now().Add(time.Second * 5)
	for time.Now().Before(deadline) {
		client.connMtx.Lock()
		connected := client.conn != nil
		client.connMtx.Unlock()
		if connected {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Ensure subscribing sends a control frame and streams ticks back.
	err := client.Subscribe([]string{"NSE_EQ|A", "NSE_EQ|B"})
	assert.NoError(t, err)

	select {
	case frame := <-frames:
		assert.Equal(t, frame.Method, subscribeMethod)
		assert.Equal(t, frame.Data.Mode, subscriptionMode)
		keys := append([]string{}, frame.Data.InstrumentKeys...)
		sort.Strings(keys)
		assert.Equal(t, keys, []string{"NSE_EQ|A", "NSE_EQ|B"})
		assert.True(t, frame.GUID != "")
	case <-time.After(time.Second * 5):
		t.Fatal("timed out waiting for the subscribe frame")
	}

	select {
	case tick := <-ticks:
		assert.Equal(t, tick.InstrumentKey, "NSE_EQ|A")
		assert.Equal(t, tick.Price, 95.5)
	case <-time.After(time.Second * 5):
		t.Fatal("timed out waiting for a streamed tick")
	}

	streamed := client.streamedKeys()
	sort.Strings(streamed)
	assert.Equal(t, streamed, []string{"NSE_EQ|A", "NSE_EQ|B"})

	// Ensure unsubscribing sends the matching control frame.
	err = client.Unsubscribe([]string{"NSE_EQ|B"})
	assert.NoError(t, err)

	select {
	case frame := <-frames:
		assert.Equal(t, frame.Method, unsubscribeMethod)
		assert.Equal(t, frame.Data.InstrumentKeys, []string{"NSE_EQ|B"})
	case <-time.After(time.Second * 5):
		t.Fatal("timed out waiting for the unsubscribe frame")
	}

	assert.Equal(t, client.streamedKeys(), []string{"NSE_EQ|A"})

	// Ensure the client can be gracefully shutdown.
	cancel()
	<-done
}
