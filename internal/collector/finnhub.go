package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stockpulse/stockpulse/internal/metrics"
	"github.com/stockpulse/stockpulse/internal/types"
)

const (
	defaultReconnectDelay   = 10 * time.Second
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

var errNotConnected = errors.New("feed not connected")

// TickPublisher receives every valid tick. Publishing is fire-and-forget:
// a returned error is logged and ingestion continues.
type TickPublisher interface {
	PublishTick(ctx context.Context, tick types.PriceTick) error
}

// Dialer opens the upstream websocket; *websocket.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Options configures a Collector
type Options struct {
	URL            string
	APIKey         string
	ReconnectDelay time.Duration
	Dialer         Dialer
	Subscriptions  SubscriptionStore
}

// FeedHealth tracks connection state for the upstream feed
type FeedHealth struct {
	Connected      bool      `json:"connected"`
	ConnectedSince time.Time `json:"connected_since"`
	LastTick       time.Time `json:"last_tick"`
	LastError      string    `json:"last_error,omitempty"`
	ReconnectCount int       `json:"reconnect_count"`
	TickCount      int64     `json:"tick_count"`
	DroppedCount   int64     `json:"dropped_count"`
}

// Collector maintains the websocket connection to the market-data feed and
// turns trade frames into price ticks
type Collector struct {
	url            string
	apiKey         string
	dialer         Dialer
	subs           SubscriptionStore
	publisher      TickPublisher
	reconnectDelay time.Duration
	logger         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	conn    *websocket.Conn
	health  FeedHealth
	writeMu sync.Mutex
}

// controlFrame is a subscribe/unsubscribe/pong message sent upstream
type controlFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

// feedMessage is an inbound frame; only "trade" and "ping" carry meaning
type feedMessage struct {
	Type string            `json:"type"`
	Data []json.RawMessage `json:"data"`
}

type tradeEntry struct {
	Symbol    string          `json:"s"`
	Price     decimal.Decimal `json:"p"`
	Timestamp int64           `json:"t"`
}

// NewCollector creates a new feed collector
func NewCollector(opts Options, publisher TickPublisher, logger zerolog.Logger) *Collector {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}
	if opts.Subscriptions == nil {
		opts.Subscriptions = NewSubscriptionSet()
	}
	return &Collector{
		url:            opts.URL,
		apiKey:         opts.APIKey,
		dialer:         opts.Dialer,
		subs:           opts.Subscriptions,
		publisher:      publisher,
		reconnectDelay: opts.ReconnectDelay,
		logger:         logger.With().Str("component", "collector").Logger(),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Run connects to the feed and keeps reconnecting after a fixed delay until
// Stop is called or ctx is cancelled
func (c *Collector) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	for {
		err := c.connectAndRead(runCtx)

		if c.ctx.Err() != nil {
			c.logger.Info().Msg("Collector stopped")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.mu.Lock()
		c.health.ReconnectCount++
		if err != nil {
			c.health.LastError = err.Error()
		}
		c.mu.Unlock()
		metrics.FeedReconnect()

		c.logger.Warn().
			Err(err).
			Dur("retry_in", c.reconnectDelay).
			Msg("Feed connection lost, scheduling reconnect")

		select {
		case <-runCtx.Done():
			continue
		case <-time.After(c.reconnectDelay):
		}
	}
}

// connectAndRead performs one connection lifetime: dial, replay the desired
// subscriptions, then read until the connection fails
func (c *Collector) connectAndRead(ctx context.Context) error {
	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	c.logger.Info().Str("url", c.url).Msg("Connecting to market-data feed")

	conn, _, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.health.Connected = true
	c.health.ConnectedSince = time.Now()
	c.health.LastError = ""
	c.mu.Unlock()

	// Unblocks ReadMessage on stop or cancellation
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.health.Connected = false
		c.mu.Unlock()
		conn.Close()
	}()

	desired := c.subs.List()
	for _, sym := range desired {
		if err := c.send(controlFrame{Type: "subscribe", Symbol: sym}); err != nil {
			return fmt.Errorf("replay subscription %s: %w", sym, err)
		}
	}

	c.logger.Info().
		Int("symbols", len(desired)).
		Msg("Feed connection established")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read feed: %w", err)
		}
		c.handleMessage(ctx, data)
	}
}

func (c *Collector) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("token", c.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// handleMessage processes one inbound frame. Malformed frames and invalid
// trades are logged and dropped.
func (c *Collector) handleMessage(ctx context.Context, data []byte) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return
	}

	var msg feedMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		metrics.TickDropped("malformed")
		c.countDropped()
		c.logger.Warn().
			Err(err).
			Str("payload", string(trimmed)).
			Msg("Dropping undecodable feed frame")
		return
	}

	switch msg.Type {
	case "ping":
		if err := c.send(controlFrame{Type: "pong"}); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to answer feed ping")
		}
	case "trade":
		// Entries decode one at a time so a bad one does not sink the batch
		for _, raw := range msg.Data {
			var entry tradeEntry
			if err := json.Unmarshal(raw, &entry); err != nil {
				metrics.TickDropped("malformed")
				c.countDropped()
				c.logger.Warn().
					Err(err).
					Str("entry", string(raw)).
					Msg("Dropping undecodable trade entry")
				continue
			}
			c.handleTrade(ctx, entry)
		}
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("Ignoring feed frame")
	}
}

func (c *Collector) handleTrade(ctx context.Context, entry tradeEntry) {
	tick := types.PriceTick{
		Symbol:          types.NormalizeSymbol(entry.Symbol),
		Price:           entry.Price,
		TimestampMillis: entry.Timestamp,
	}
	if err := tick.Validate(); err != nil {
		metrics.TickDropped("invalid")
		c.countDropped()
		c.logger.Warn().
			Err(err).
			Str("symbol", entry.Symbol).
			Str("price", entry.Price.String()).
			Int64("timestamp", entry.Timestamp).
			Msg("Invalid trade data received")
		return
	}

	c.mu.Lock()
	c.health.TickCount++
	c.health.LastTick = time.Now()
	c.mu.Unlock()

	if err := c.publisher.PublishTick(ctx, tick); err != nil {
		c.logger.Error().
			Err(err).
			Str("symbol", tick.Symbol).
			Str("price", tick.Price.String()).
			Msg("Failed to publish price tick")
		return
	}
	metrics.TickPublished()
}

func (c *Collector) countDropped() {
	c.mu.Lock()
	c.health.DroppedCount++
	c.mu.Unlock()
}

// send writes a control frame on the live connection
func (c *Collector) send(frame controlFrame) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return conn.WriteJSON(frame)
}

// Subscribe adds symbols to the desired set and, if connected, subscribes
// to them immediately. Otherwise they are sent on the next connect.
func (c *Collector) Subscribe(symbols ...string) []string {
	added := c.subs.Add(symbols...)
	for _, sym := range added {
		if err := c.send(controlFrame{Type: "subscribe", Symbol: sym}); err != nil {
			if errors.Is(err, errNotConnected) {
				continue
			}
			c.logger.Error().Err(err).Str("symbol", sym).Msg("Error subscribing to symbol")
			continue
		}
		c.logger.Info().Str("symbol", sym).Msg("Subscribed to symbol")
	}
	return added
}

// Unsubscribe removes symbols from the desired set and, if connected,
// unsubscribes from them immediately
func (c *Collector) Unsubscribe(symbols ...string) []string {
	removed := c.subs.Remove(symbols...)
	for _, sym := range removed {
		if err := c.send(controlFrame{Type: "unsubscribe", Symbol: sym}); err != nil {
			if errors.Is(err, errNotConnected) {
				continue
			}
			c.logger.Error().Err(err).Str("symbol", sym).Msg("Error unsubscribing from symbol")
			continue
		}
		c.logger.Info().Str("symbol", sym).Msg("Unsubscribed from symbol")
	}
	return removed
}

// Subscriptions returns the desired symbol set
func (c *Collector) Subscriptions() []string {
	return c.subs.List()
}

// Health returns the current health status
func (c *Collector) Health() FeedHealth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Stop halts reconnect attempts and closes the live connection
func (c *Collector) Stop() error {
	c.cancel()
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
