package collector

import (
	"sort"
	"sync"

	"github.com/stockpulse/stockpulse/internal/types"
)

// SubscriptionStore holds the symbols a collector should be subscribed to.
// It is replayed in full after every reconnect.
type SubscriptionStore interface {
	// Add inserts symbols and returns the ones that were not already present
	Add(symbols ...string) []string
	// Remove deletes symbols and returns the ones that were present
	Remove(symbols ...string) []string
	// List returns the desired symbols in sorted order
	List() []string
}

// SubscriptionSet is an in-memory SubscriptionStore
type SubscriptionSet struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
}

// NewSubscriptionSet creates a set seeded with the given symbols
func NewSubscriptionSet(symbols ...string) *SubscriptionSet {
	s := &SubscriptionSet{symbols: make(map[string]struct{})}
	s.Add(symbols...)
	return s
}

func (s *SubscriptionSet) Add(symbols ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for _, sym := range types.NormalizeSymbols(symbols) {
		if _, ok := s.symbols[sym]; ok {
			continue
		}
		s.symbols[sym] = struct{}{}
		added = append(added, sym)
	}
	return added
}

func (s *SubscriptionSet) Remove(symbols ...string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for _, sym := range types.NormalizeSymbols(symbols) {
		if _, ok := s.symbols[sym]; !ok {
			continue
		}
		delete(s.symbols, sym)
		removed = append(removed, sym)
	}
	return removed
}

func (s *SubscriptionSet) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
