package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stockpulse/stockpulse/internal/messaging"
	"github.com/stockpulse/stockpulse/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-signing-secret"

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func dialWithToken(t *testing.T, s *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Cookie", "auth-token="+token)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(s), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return data
}

func TestAuthenticatorParseToken(t *testing.T) {
	auth := NewAuthenticator(testSecret, "auth-token")

	token, err := auth.IssueToken("Trader@Example.com", time.Hour)
	require.NoError(t, err)
	identity, err := auth.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "trader@example.com", identity)

	t.Run("subject fallback", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "sub@example.com",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		signed, err := tok.SignedString([]byte(testSecret))
		require.NoError(t, err)
		identity, err := auth.ParseToken(signed)
		require.NoError(t, err)
		assert.Equal(t, "sub@example.com", identity)
	})

	t.Run("expired", func(t *testing.T) {
		expired, err := auth.IssueToken("a@example.com", -time.Minute)
		require.NoError(t, err)
		_, err = auth.ParseToken(expired)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewAuthenticator("other", "auth-token").IssueToken("a@example.com", time.Hour)
		require.NoError(t, err)
		_, err = auth.ParseToken(other)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("unsigned", func(t *testing.T) {
		tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Email: "a@example.com"})
		signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = auth.ParseToken(signed)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("no identity", func(t *testing.T) {
		tok, err := auth.IssueToken("", time.Hour)
		require.NoError(t, err)
		_, err = auth.ParseToken(tok)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})

	t.Run("no secret", func(t *testing.T) {
		_, err := NewAuthenticator("", "auth-token").ParseToken(token)
		assert.ErrorIs(t, err, ErrUnauthenticated)
	})
}

func TestAuthenticatorReadsBearerHeader(t *testing.T) {
	auth := NewAuthenticator(testSecret, "auth-token")
	token, err := auth.IssueToken("bearer@example.com", time.Hour)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws/alerts", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	identity, err := auth.Identity(r)
	require.NoError(t, err)
	assert.Equal(t, "bearer@example.com", identity)

	_, err = auth.Identity(httptest.NewRequest(http.MethodGet, "/ws/alerts", nil))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestHubRejectsUnauthenticated(t *testing.T) {
	hub := NewHub(NewAuthenticator(testSecret, "auth-token"), zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{}
	header.Set("Cookie", "auth-token=garbage")
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv), header)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHubSendToUser(t *testing.T) {
	auth := NewAuthenticator(testSecret, "auth-token")
	hub := NewHub(auth, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	aliceTok, err := auth.IssueToken("alice@example.com", time.Hour)
	require.NoError(t, err)
	bobTok, err := auth.IssueToken("bob@example.com", time.Hour)
	require.NoError(t, err)

	alice1 := dialWithToken(t, srv, aliceTok)
	alice2 := dialWithToken(t, srv, aliceTok)
	bob := dialWithToken(t, srv, bobTok)
	require.Eventually(t, func() bool { return hub.SessionCount() == 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, hub.SendToUser("ALICE@example.com", []byte(`{"type":"alert_triggered"}`)))
	assert.JSONEq(t, `{"type":"alert_triggered"}`, string(readText(t, alice1)))
	assert.JSONEq(t, `{"type":"alert_triggered"}`, string(readText(t, alice2)))

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = bob.ReadMessage()
	assert.Error(t, err, "bob must not receive alice's alert")

	assert.NoError(t, hub.SendToUser("nobody@example.com", []byte("x")))
}

func TestHubForgetsClosedSessions(t *testing.T) {
	auth := NewAuthenticator(testSecret, "auth-token")
	hub := NewHub(auth, zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	tok, err := auth.IssueToken("carol@example.com", time.Hour)
	require.NoError(t, err)
	conn := dialWithToken(t, srv, tok)
	require.Eventually(t, func() bool { return hub.SessionCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.SessionCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubPrunesFailedWrites(t *testing.T) {
	hub := NewHub(NewAuthenticator(testSecret, "auth-token"), zerolog.Nop())

	// A bare upgrader gives us a server-side conn the hub does not read from
	serverConns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			serverConns <- conn
		}
	}))
	defer srv.Close()

	client, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer client.Close()
	serverConn := <-serverConns

	hub.register("dave@example.com", serverConn)
	require.Equal(t, 1, hub.SessionCount())
	serverConn.Close()

	err = hub.SendToUser("dave@example.com", []byte("hello"))
	assert.Error(t, err)
	assert.Equal(t, 0, hub.SessionCount())
}

type recordingSubscriber struct {
	mu      sync.Mutex
	symbols []string
}

func (s *recordingSubscriber) Subscribe(symbols ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = append(s.symbols, symbols...)
	return symbols
}

func (s *recordingSubscriber) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.symbols...)
}

func readServerMessage(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(readText(t, conn), &msg))
	return msg
}

func priceTick(symbol, price string) types.PriceTick {
	return types.PriceTick{Symbol: symbol, Price: decimal.RequireFromString(price), TimestampMillis: 1700000000000}
}

func TestPriceStreamBroadcastAndSubscribe(t *testing.T) {
	sub := &recordingSubscriber{}
	stream := NewPriceStream(sub, zerolog.Nop())
	srv := httptest.NewServer(stream)
	defer srv.Close()
	defer stream.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return stream.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Without subscriptions every tick is delivered
	stream.Broadcast(priceTick("MSFT", "410.1"))
	msg := readServerMessage(t, conn)
	assert.Equal(t, "price_update", msg["type"])
	assert.Equal(t, "MSFT", msg["data"].(map[string]interface{})["symbol"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "symbols": []string{"aapl", " nvda ", ""}}))
	msg = readServerMessage(t, conn)
	assert.Equal(t, "subscribed", msg["type"])
	assert.Equal(t, []interface{}{"AAPL", "NVDA"}, msg["symbols"])
	assert.Equal(t, []string{"AAPL", "NVDA"}, sub.snapshot())

	stream.Broadcast(priceTick("MSFT", "411"))
	stream.Broadcast(priceTick("AAPL", "190.5"))
	msg = readServerMessage(t, conn)
	assert.Equal(t, "AAPL", msg["data"].(map[string]interface{})["symbol"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "unsubscribe", "symbol": "AAPL"}))
	assert.Equal(t, "unsubscribed", readServerMessage(t, conn)["type"])
	stream.Broadcast(priceTick("AAPL", "191"))
	stream.Broadcast(priceTick("NVDA", "900"))
	msg = readServerMessage(t, conn)
	assert.Equal(t, "NVDA", msg["data"].(map[string]interface{})["symbol"])
}

func TestPriceStreamControlMessages(t *testing.T) {
	stream := NewPriceStream(nil, zerolog.Nop())
	srv := httptest.NewServer(stream)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	msg := readServerMessage(t, conn)
	assert.Equal(t, "pong", msg["type"])
	assert.NotZero(t, msg["timestamp"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"subscribe"}`)))
	assert.Equal(t, "No valid symbols provided", readServerMessage(t, conn)["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	assert.Equal(t, "Unknown message type: dance", readServerMessage(t, conn)["message"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	assert.Equal(t, "error", readServerMessage(t, conn)["type"])
}

func TestPriceStreamHandleMessage(t *testing.T) {
	stream := NewPriceStream(nil, zerolog.Nop())
	err := stream.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")})
	assert.True(t, messaging.IsPermanent(err))

	raw, err := json.Marshal(priceTick("AAPL", "1"))
	require.NoError(t, err)
	assert.NoError(t, stream.HandleMessage(context.Background(), kafka.Message{Value: raw}))
}

func TestErrUnauthenticatedWrapping(t *testing.T) {
	_, err := NewAuthenticator(testSecret, "").Identity(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, errors.Is(err, ErrUnauthenticated))
}
