package push

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const writeTimeout = 5 * time.Second

// session is one live client connection
type session struct {
	id       string
	identity string
	conn     *websocket.Conn
	writeMu  sync.Mutex
}

func (s *session) write(message []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, message)
}

// Hub holds authenticated alert sessions keyed by identity
type Hub struct {
	auth     *Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	nextID   uint64
}

// NewHub creates a hub that authenticates upgrades with auth
func NewHub(auth *Authenticator, logger zerolog.Logger) *Hub {
	return &Hub{
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:   logger.With().Str("component", "push").Logger(),
		sessions: make(map[string]map[*session]struct{}),
	}
}

// ServeHTTP upgrades an authenticated request and keeps the session until
// the client goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.auth.Identity(r)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Rejected unauthenticated alert session")
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade alert session")
		return
	}

	s := h.register(identity, conn)
	h.logger.Info().Str("user", identity).Str("session", s.id).Msg("New alert session established")

	// Clients never send anything meaningful; reading drives close detection
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.unregister(s)
	h.logger.Info().Str("user", identity).Str("session", s.id).Msg("Alert session closed")
}

func (h *Hub) register(identity string, conn *websocket.Conn) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &session{id: fmt.Sprintf("s%d", h.nextID), identity: identity, conn: conn}
	if h.sessions[identity] == nil {
		h.sessions[identity] = make(map[*session]struct{})
	}
	h.sessions[identity][s] = struct{}{}
	return s
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	set, ok := h.sessions[s.identity]
	if ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.sessions, s.identity)
		}
	}
	h.mu.Unlock()
	s.conn.Close()
}

// SendToUser writes message to every live session of identity. Sessions
// whose write fails are closed and pruned. Having no sessions is not an error.
func (h *Hub) SendToUser(identity string, message []byte) error {
	identity = NormalizeIdentity(identity)

	h.mu.RLock()
	targets := make([]*session, 0, len(h.sessions[identity]))
	for s := range h.sessions[identity] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.logger.Debug().Str("user", identity).Msg("No live sessions for user")
		return nil
	}

	var errs []error
	for _, s := range targets {
		if err := s.write(message); err != nil {
			h.logger.Error().Err(err).Str("session", s.id).Msg("Failed to send message to session")
			h.unregister(s)
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
	}
	if len(errs) > 0 {
		h.logger.Info().Int("removed", len(errs)).Msg("Removed failed sessions during send")
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// SessionCount returns the number of live sessions
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

// Close closes every live session
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.sessions
	h.sessions = make(map[string]map[*session]struct{})
	h.mu.Unlock()
	for _, set := range all {
		for s := range set {
			s.conn.Close()
		}
	}
}
