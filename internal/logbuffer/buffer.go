package logbuffer

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Filter selects entries; empty fields match everything
type Filter struct {
	Level     string
	Component string
	Contains  string
}

func (f Filter) match(e Entry) bool {
	if f.Level != "" && !atLeast(e.Level, f.Level) {
		return false
	}
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if f.Contains != "" && !strings.Contains(strings.ToLower(e.Raw), strings.ToLower(f.Contains)) {
		return false
	}
	return true
}

// Buffer is a thread-safe ring of recent zerolog lines, used as an extra
// writer next to stdout
type Buffer struct {
	entries []Entry
	size    int
	head    int
	count   int
	mu      sync.RWMutex
}

// New creates a buffer holding the last size lines
func New(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Write implements io.Writer. Each call is expected to carry one JSON line.
func (b *Buffer) Write(p []byte) (n int, err error) {
	entry := parseLine(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	return len(p), nil
}

// Entries returns all buffered entries in chronological order
func (b *Buffer) Entries() []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := make([]Entry, b.count)
	start := 0
	if b.count == b.size {
		start = b.head
	}
	for i := 0; i < b.count; i++ {
		result[i] = b.entries[(start+i)%b.size]
	}
	return result
}

// Recent returns up to n of the newest entries matching f, oldest first
func (b *Buffer) Recent(n int, f Filter) []Entry {
	all := b.Entries()
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if f.match(e) {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Clear drops all entries
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

type zerologLine struct {
	Level     string `json:"level"`
	Message   string `json:"message"`
	Component string `json:"component"`
	Time      string `json:"time"`
}

func parseLine(p []byte) Entry {
	raw := strings.TrimRight(string(p), "\n")
	entry := Entry{Timestamp: time.Now(), Level: "info", Message: raw, Raw: raw}

	var line zerologLine
	if err := json.Unmarshal(p, &line); err != nil {
		return entry
	}
	if line.Level != "" {
		entry.Level = line.Level
	}
	if line.Message != "" {
		entry.Message = line.Message
	}
	entry.Component = line.Component
	if ts, err := time.Parse(zerolog.TimeFieldFormat, line.Time); err == nil {
		entry.Timestamp = ts
	}
	return entry
}

// atLeast reports whether level is as severe as min
func atLeast(level, min string) bool {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	m, err := zerolog.ParseLevel(min)
	if err != nil {
		return true
	}
	return l >= m
}
