package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stockpulse/stockpulse/internal/collector"
	"github.com/stockpulse/stockpulse/internal/fanout"
	"github.com/stockpulse/stockpulse/internal/logbuffer"
	"github.com/stockpulse/stockpulse/internal/metrics"
	"github.com/stockpulse/stockpulse/internal/version"
)

// Feed is the ingest adapter as seen by the API
type Feed interface {
	Subscribe(symbols ...string) []string
	Unsubscribe(symbols ...string) []string
	Subscriptions() []string
	Health() collector.FeedHealth
}

// DeliveryLog exposes recent fan-out outcomes
type DeliveryLog interface {
	RecentDeliveries() []fanout.Delivery
}

// SessionCounter reports how many live websocket sessions a handler holds
type SessionCounter interface {
	SessionCount() int
}

// Server provides the HTTP API and the websocket endpoints
type Server struct {
	logger    zerolog.Logger
	port      string
	startTime time.Time
	roles     []string

	mu            sync.RWMutex
	logBuffer     *logbuffer.Buffer
	feed          Feed
	deliveries    DeliveryLog
	alertSessions http.Handler
	priceSessions http.Handler
	metrics       bool

	httpServer *http.Server
}

// NewServer creates a new API server
func NewServer(logger zerolog.Logger, port string, roles []string) *Server {
	return &Server{
		logger:    logger.With().Str("component", "api").Logger(),
		port:      port,
		startTime: time.Now(),
		roles:     roles,
		metrics:   true,
	}
}

// SetLogBuffer sets the buffer behind /api/logs
func (s *Server) SetLogBuffer(lb *logbuffer.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logBuffer = lb
}

// SetFeed wires the ingest adapter for status and subscription endpoints
func (s *Server) SetFeed(f Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feed = f
}

// SetDeliveryLog wires the fan-out history
func (s *Server) SetDeliveryLog(d DeliveryLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = d
}

// SetAlertSessions mounts the authenticated alert websocket
func (s *Server) SetAlertSessions(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alertSessions = h
}

// SetPriceSessions mounts the live price websocket
func (s *Server) SetPriceSessions(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceSessions = h
}

// DisableMetrics removes the /metrics endpoint
func (s *Server) DisableMetrics() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = false
}

// Handler builds the router
func (s *Server) Handler() http.Handler {
	s.mu.RLock()
	defer s.mu.RUnlock()

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/logs", s.handleLogs).Methods(http.MethodGet)
	router.HandleFunc("/api/logs", s.handleClearLogs).Methods(http.MethodDelete)
	router.HandleFunc("/api/deliveries", s.handleDeliveries).Methods(http.MethodGet)
	router.HandleFunc("/api/subscriptions", s.handleListSubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/api/subscriptions", s.handleAddSubscriptions).Methods(http.MethodPost)
	router.HandleFunc("/api/subscriptions", s.handleRemoveSubscriptions).Methods(http.MethodDelete)
	router.HandleFunc("/api/subscriptions/{symbol}", s.handleRemoveSubscription).Methods(http.MethodDelete)

	if s.metrics {
		router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	}
	if s.alertSessions != nil {
		router.Handle("/ws/alerts", s.alertSessions)
	}
	if s.priceSessions != nil {
		router.Handle("/ws/prices", s.priceSessions)
	}
	return router
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	addr := ":" + s.port
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", addr).Msg("Starting API server")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown api server: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth returns service health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus returns the pipeline summary
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	feed := s.feed
	deliveries := s.deliveries
	alertSessions := s.alertSessions
	priceSessions := s.priceSessions
	s.mu.RUnlock()

	status := map[string]interface{}{
		"time":    time.Now().UTC().Format(time.RFC3339),
		"uptime":  formatDuration(time.Since(s.startTime)),
		"roles":   s.roles,
		"version": version.Get(),
	}
	if feed != nil {
		status["feed"] = feed.Health()
		status["subscriptions"] = feed.Subscriptions()
	}
	if deliveries != nil {
		status["recent_deliveries"] = len(deliveries.RecentDeliveries())
	}
	if c, ok := alertSessions.(SessionCounter); ok {
		status["alert_sessions"] = c.SessionCount()
	}
	if c, ok := priceSessions.(interface{ ClientCount() int }); ok {
		status["price_sessions"] = c.ClientCount()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleLogs returns recent log entries, optionally filtered by level,
// component and a substring
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	lb := s.logBuffer
	s.mu.RUnlock()

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries := []logbuffer.Entry{}
	if lb != nil {
		entries = lb.Recent(limit, logbuffer.Filter{
			Level:     r.URL.Query().Get("level"),
			Component: r.URL.Query().Get("component"),
			Contains:  r.URL.Query().Get("q"),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	lb := s.logBuffer
	s.mu.RUnlock()

	if lb != nil {
		lb.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeliveries returns recent fan-out outcomes
func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	d := s.deliveries
	s.mu.RUnlock()

	if d == nil {
		writeError(w, http.StatusNotFound, "fan-out role is not running")
		return
	}
	list := d.RecentDeliveries()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": list,
		"count":      len(list),
	})
}

type subscriptionRequest struct {
	Symbol  string   `json:"symbol,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

func (s *Server) feedOrError(w http.ResponseWriter) Feed {
	s.mu.RLock()
	f := s.feed
	s.mu.RUnlock()
	if f == nil {
		writeError(w, http.StatusNotFound, "ingest role is not running")
	}
	return f
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	f := s.feedOrError(w)
	if f == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": f.Subscriptions()})
}

func (s *Server) handleAddSubscriptions(w http.ResponseWriter, r *http.Request) {
	f := s.feedOrError(w)
	if f == nil {
		return
	}
	symbols, ok := decodeSymbols(w, r)
	if !ok {
		return
	}
	added := f.Subscribe(symbols...)
	s.logger.Info().Strs("symbols", added).Msg("Subscriptions added via API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"added":   nonNil(added),
		"symbols": f.Subscriptions(),
	})
}

func (s *Server) handleRemoveSubscriptions(w http.ResponseWriter, r *http.Request) {
	f := s.feedOrError(w)
	if f == nil {
		return
	}
	symbols, ok := decodeSymbols(w, r)
	if !ok {
		return
	}
	s.respondRemoved(w, f, symbols)
}

func (s *Server) handleRemoveSubscription(w http.ResponseWriter, r *http.Request) {
	f := s.feedOrError(w)
	if f == nil {
		return
	}
	s.respondRemoved(w, f, []string{mux.Vars(r)["symbol"]})
}

func (s *Server) respondRemoved(w http.ResponseWriter, f Feed, symbols []string) {
	removed := f.Unsubscribe(symbols...)
	s.logger.Info().Strs("symbols", removed).Msg("Subscriptions removed via API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": nonNil(removed),
		"symbols": f.Subscriptions(),
	})
}

func decodeSymbols(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	symbols := req.Symbols
	if req.Symbol != "" {
		symbols = append(symbols, req.Symbol)
	}
	var valid []string
	for _, sym := range symbols {
		if strings.TrimSpace(sym) != "" {
			valid = append(valid, sym)
		}
	}
	if len(valid) == 0 {
		writeError(w, http.StatusBadRequest, "no symbols provided")
		return nil, false
	}
	return valid, true
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < 24*time.Hour {
		return d.Round(time.Minute).String()
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	if hours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, hours)
}
