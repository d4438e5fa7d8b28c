package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stockpulse/stockpulse/internal/types"
)

// MemoryStore is an in-process alert store for single-node runs and tests
type MemoryStore struct {
	mu     sync.RWMutex
	nextID uint
	alerts map[uint]types.Alert
}

// NewMemoryStore creates a store seeded with alerts. Zero ids are assigned.
func NewMemoryStore(alerts ...types.Alert) *MemoryStore {
	s := &MemoryStore{alerts: make(map[uint]types.Alert)}
	for _, a := range alerts {
		s.Add(a)
	}
	return s
}

// Add stores alert and returns its id
func (s *MemoryStore) Add(alert types.Alert) uint {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alert.ID == 0 {
		s.nextID++
		for {
			if _, taken := s.alerts[s.nextID]; !taken {
				break
			}
			s.nextID++
		}
		alert.ID = s.nextID
	} else if alert.ID > s.nextID {
		s.nextID = alert.ID
	}
	alert.Symbol = types.NormalizeSymbol(alert.Symbol)
	s.alerts[alert.ID] = alert
	return alert.ID
}

func (s *MemoryStore) FindActiveAlertsBySymbol(_ context.Context, symbol string) ([]types.Alert, error) {
	symbol = types.NormalizeSymbol(symbol)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Alert
	for _, a := range s.alerts {
		if a.Symbol == symbol && !a.Triggered {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MarkTriggered(_ context.Context, alertID uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	if a.Triggered {
		return ErrAlreadyTriggered
	}
	at = at.UTC()
	a.Triggered = true
	a.TriggeredAt = &at
	s.alerts[alertID] = a
	return nil
}

func (s *MemoryStore) ActiveSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, a := range s.alerts {
		if !a.Triggered {
			seen[a.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for sym := range seen {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) GetAlert(_ context.Context, alertID uint) (types.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return types.Alert{}, ErrNotFound
	}
	return a, nil
}
