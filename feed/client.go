package feed

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dnldd/reversal/shared"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// minReconnectDelay is the initial reconnect backoff delay.
	minReconnectDelay = time.Second * 2
	// maxReconnectDelay is the reconnect backoff ceiling.
	maxReconnectDelay = time.Second * 30
	// writeTimeout is the maximum time allowed for a control frame write.
	writeTimeout = time.Second * 5

	// Control frame methods.
	subscribeMethod   = "sub"
	unsubscribeMethod = "unsub"
	// subscriptionMode requests last traded price updates.
	subscriptionMode = "ltpc"
)

// controlFrame represents a subscribe or unsubscribe request to the feed.
type controlFrame struct {
	GUID   string           `json:"guid"`
	Method string           `json:"method"`
	Data   controlFrameData `json:"data"`
}

type controlFrameData struct {
	Mode           string   `json:"mode"`
	InstrumentKeys []string `json:"instrumentKeys"`
}

// ClientConfig represents the feed client configuration.
type ClientConfig struct {
	// URL is the websocket endpoint of the market data feed.
	URL string
	// AccessToken authorizes the feed connection.
	AccessToken string
	// OnTick relays a parsed tick for processing.
	OnTick func(tick shared.Tick)
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Client streams live market data over a websocket connection. On
// disconnects it reconnects with backoff and resubscribes the current
// authoritative streamed set.
type Client struct {
	cfg    *ClientConfig
	dialer *websocket.Dialer

	connMtx sync.Mutex
	conn    *websocket.Conn

	streamedMtx sync.Mutex
	streamed    map[string]bool
	registered  []string
}

// Ensure the feed client implements the MarketStreamer interface.
var _ shared.MarketStreamer = (*Client)(nil)

// NewClient initializes a new feed client.
func NewClient(cfg *ClientConfig) *Client {
	return &Client{
		cfg:      cfg,
		dialer:   websocket.DefaultDialer,
		streamed: make(map[string]bool),
	}
}

// RegisterKeys records the instrument key set ahead of the open without
// subscribing.
func (c *Client) RegisterKeys(instrumentKeys []string) {
	c.streamedMtx.Lock()
	defer c.streamedMtx.Unlock()

	c.registered = append([]string{}, instrumentKeys...)
}

// sendControlFrame writes the provided control frame to the connection.
func (c *Client) sendControlFrame(method string, instrumentKeys []string) error {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	if c.conn == nil {
		return fmt.Errorf("feed not connected")
	}

	frame := controlFrame{
		GUID:   uuid.New().String(),
		Method: method,
		Data: controlFrameData{
			Mode:           subscriptionMode,
			InstrumentKeys: instrumentKeys,
		},
	}

	err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err != nil {
		return fmt.Errorf("setting write deadline: %w", err)
	}

	err = c.conn.WriteJSON(frame)
	if err != nil {
		return fmt.Errorf("writing %s frame: %w", method, err)
	}

	return nil
}

// Subscribe begins streaming ticks for the provided instrument keys.
func (c *Client) Subscribe(instrumentKeys []string) error {
	err := c.sendControlFrame(subscribeMethod, instrumentKeys)
	if err != nil {
		return err
	}

	c.streamedMtx.Lock()
	for _, key := range instrumentKeys {
		c.streamed[key] = true
	}
	c.streamedMtx.Unlock()

	return nil
}

// Unsubscribe stops streaming ticks for the provided instrument keys.
func (c *Client) Unsubscribe(instrumentKeys []string) error {
	c.streamedMtx.Lock()
	for _, key := range instrumentKeys {
		delete(c.streamed, key)
	}
	c.streamedMtx.Unlock()

	return c.sendControlFrame(unsubscribeMethod, instrumentKeys)
}

// streamedKeys returns the currently streamed instrument keys.
func (c *Client) streamedKeys() []string {
	c.streamedMtx.Lock()
	defer c.streamedMtx.Unlock()

	keys := make([]string, 0, len(c.streamed))
	for key := range c.streamed {
		keys = append(keys, key)
	}

	return keys
}

// parseTicks extracts ticks from the provided feed message and relays
// them for processing.
func (c *Client) parseTicks(message []byte) {
	feeds := gjson.GetBytes(message, "feeds")
	if !feeds.Exists() {
		return
	}

	feeds.ForEach(func(key gjson.Result, value gjson.Result) bool {
		ltpc := value.Get("ltpc")
		if !ltpc.Exists() {
			return true
		}

		tick := shared.Tick{
			InstrumentKey: key.String(),
			Price:         ltpc.Get("ltp").Float(),
			Timestamp:     time.UnixMilli(ltpc.Get("ltt").Int()),
		}

		ohlc := value.Get("ohlc")
		if ohlc.Exists() {
			tick.OHLC = &shared.OHLC{
				Open:  ohlc.Get("open").Float(),
				High:  ohlc.Get("high").Float(),
				Low:   ohlc.Get("low").Float(),
				Close: ohlc.Get("close").Float(),
			}
		}

		c.cfg.OnTick(tick)

		return true
	})
}

// connect dials the feed endpoint and resubscribes the authoritative
// streamed set.
func (c *Client) connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.AccessToken)

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dialing feed: %w", err)
	}

	c.connMtx.Lock()
	c.conn = conn
	c.connMtx.Unlock()

	streamed := c.streamedKeys()
	switch {
	case len(streamed) > 0:
		err = c.sendControlFrame(subscribeMethod, streamed)
		if err != nil {
			c.closeConn()
			return fmt.Errorf("resubscribing %d stocks: %w", len(streamed), err)
		}
	default:
		c.streamedMtx.Lock()
		registered := len(c.registered)
		c.streamedMtx.Unlock()

		c.cfg.Logger.Info().Msgf("no active subscriptions, %d keys registered "+
			"for the open", registered)
	}

	return nil
}

// closeConn closes the active connection if any.
func (c *Client) closeConn() {
	c.connMtx.Lock()
	defer c.connMtx.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// readLoop consumes feed messages until the connection fails.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			// fallthrough
		}

		c.connMtx.Lock()
		conn := c.conn
		c.connMtx.Unlock()

		if conn == nil {
			return fmt.Errorf("feed not connected")
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading feed message: %w", err)
		}

		c.parseTicks(message)
	}
}

// Run manages the lifecycle processes of the feed client.
func (c *Client) Run(ctx context.Context) {
	delay := minReconnectDelay

	for {
		select {
		case <-ctx.Done():
			c.closeConn()
			return
		default:
			// fallthrough
		}

		err := c.connect(ctx)
		if err != nil {
			c.cfg.Logger.Error().Msgf("connecting to feed: %v, retrying in %s",
				err, delay)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				// do nothing.
			}

			delay = min(delay*2, maxReconnectDelay)
			continue
		}

		delay = minReconnectDelay
		c.cfg.Logger.Info().Msg("feed connected")

		err = c.readLoop(ctx)
		c.closeConn()
		if ctx.Err() != nil {
			return
		}

		c.cfg.Logger.Error().Msgf("feed disconnected: %v", err)
	}
}
