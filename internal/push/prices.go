package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stockpulse/stockpulse/internal/messaging"
	"github.com/stockpulse/stockpulse/internal/types"
)

// Subscriber widens the upstream feed's symbol set; the collector satisfies it
type Subscriber interface {
	Subscribe(symbols ...string) []string
}

type priceClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.RWMutex
	symbols map[string]struct{}
}

// wants reports whether the client should receive symbol. A client with no
// subscriptions receives everything.
func (c *priceClient) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.symbols) == 0 {
		return true
	}
	_, ok := c.symbols[symbol]
	return ok
}

func (c *priceClient) writeJSON(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// clientMessage is a request from a live price client
type clientMessage struct {
	Type    string   `json:"type"`
	Symbol  string   `json:"symbol,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

type serverMessage struct {
	Type      string           `json:"type"`
	Data      *types.PriceTick `json:"data,omitempty"`
	Symbols   []string         `json:"symbols,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp int64            `json:"timestamp,omitempty"`
}

// PriceStream broadcasts live ticks to unauthenticated browser sessions
type PriceStream struct {
	subscriber Subscriber
	upgrader   websocket.Upgrader
	logger     zerolog.Logger

	mu      sync.RWMutex
	clients map[*priceClient]struct{}
}

// NewPriceStream creates a price stream. subscriber may be nil when the feed
// runs in another process.
func NewPriceStream(subscriber Subscriber, logger zerolog.Logger) *PriceStream {
	return &PriceStream{
		subscriber: subscriber,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger.With().Str("component", "prices").Logger(),
		clients: make(map[*priceClient]struct{}),
	}
}

func (p *PriceStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to upgrade price session")
		return
	}

	c := &priceClient{conn: conn, symbols: make(map[string]struct{})}
	p.mu.Lock()
	p.clients[c] = struct{}{}
	p.mu.Unlock()
	p.logger.Info().Str("remote", r.RemoteAddr).Msg("New price session established")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		p.handleClientMessage(c, data)
	}

	p.remove(c)
	p.logger.Info().Str("remote", r.RemoteAddr).Msg("Price session closed")
}

func (p *PriceStream) handleClientMessage(c *priceClient, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		p.reply(c, serverMessage{Type: "error", Message: "Error processing message: " + err.Error()})
		return
	}

	switch msg.Type {
	case "subscribe":
		symbols := requestedSymbols(msg)
		if len(symbols) == 0 {
			p.reply(c, serverMessage{Type: "error", Message: "No valid symbols provided"})
			return
		}
		c.mu.Lock()
		for _, s := range symbols {
			c.symbols[s] = struct{}{}
		}
		c.mu.Unlock()
		if p.subscriber != nil {
			p.subscriber.Subscribe(symbols...)
		}
		p.reply(c, serverMessage{Type: "subscribed", Symbols: symbols, Message: "Successfully subscribed to symbols"})
		p.logger.Info().Strs("symbols", symbols).Msg("Session subscribed to symbols")
	case "unsubscribe":
		// Only the session filter changes; the upstream set is shared
		symbols := requestedSymbols(msg)
		if len(symbols) == 0 {
			p.reply(c, serverMessage{Type: "error", Message: "No valid symbols provided"})
			return
		}
		c.mu.Lock()
		for _, s := range symbols {
			delete(c.symbols, s)
		}
		c.mu.Unlock()
		p.reply(c, serverMessage{Type: "unsubscribed", Symbols: symbols})
	case "ping":
		p.reply(c, serverMessage{Type: "pong", Timestamp: time.Now().UnixMilli()})
	default:
		p.reply(c, serverMessage{Type: "error", Message: "Unknown message type: " + msg.Type})
	}
}

func requestedSymbols(msg clientMessage) []string {
	if msg.Symbol != "" {
		return types.NormalizeSymbols([]string{msg.Symbol})
	}
	return types.NormalizeSymbols(msg.Symbols)
}

func (p *PriceStream) reply(c *priceClient, msg serverMessage) {
	if err := c.writeJSON(msg); err != nil {
		p.logger.Error().Err(err).Msg("Error sending message to price session")
	}
}

// Broadcast sends tick to every interested session, dropping sessions whose write fails
func (p *PriceStream) Broadcast(tick types.PriceTick) {
	p.mu.RLock()
	targets := make([]*priceClient, 0, len(p.clients))
	for c := range p.clients {
		targets = append(targets, c)
	}
	p.mu.RUnlock()

	msg := serverMessage{Type: "price_update", Data: &tick}
	for _, c := range targets {
		if !c.wants(tick.Symbol) {
			continue
		}
		if err := c.writeJSON(msg); err != nil {
			p.logger.Error().Err(err).Msg("Error sending price to session, removing it")
			p.remove(c)
		}
	}
}

// HandleMessage decodes a ticks-topic message and broadcasts it
func (p *PriceStream) HandleMessage(_ context.Context, msg kafka.Message) error {
	tick, err := messaging.DecodeTick(msg.Value)
	if err != nil {
		return messaging.Permanent(err)
	}
	p.Broadcast(tick)
	return nil
}

// ClientCount returns the number of live price sessions
func (p *PriceStream) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

func (p *PriceStream) remove(c *priceClient) {
	p.mu.Lock()
	delete(p.clients, c)
	p.mu.Unlock()
	c.conn.Close()
}

// Close closes every live price session
func (p *PriceStream) Close() {
	p.mu.Lock()
	all := p.clients
	p.clients = make(map[*priceClient]struct{})
	p.mu.Unlock()
	for c := range all {
		c.conn.Close()
	}
}
