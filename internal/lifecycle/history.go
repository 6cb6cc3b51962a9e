package lifecycle

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of transitions kept by NewHistory(0)
const DefaultHistorySize = 32

// Transition records one state change and what caused it
type Transition struct {
	At     time.Time `json:"at"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	Kind   string    `json:"kind,omitempty"`
}

// History is a fixed-size ring of the most recent transitions
type History struct {
	mu      sync.RWMutex
	entries []Transition
	next    int
	full    bool
}

// NewHistory creates a history holding at most size transitions
func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{entries: make([]Transition, size)}
}

// Record appends a transition, evicting the oldest when full
func (h *History) Record(t Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = t
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// Snapshot returns the recorded transitions, oldest first
func (h *History) Snapshot() []Transition {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full {
		out := make([]Transition, h.next)
		copy(out, h.entries[:h.next])
		return out
	}

	out := make([]Transition, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	out = append(out, h.entries[:h.next]...)
	return out
}

// Last returns the newest transition, if any
func (h *History) Last() (Transition, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.full && h.next == 0 {
		return Transition{}, false
	}
	idx := (h.next - 1 + len(h.entries)) % len(h.entries)
	return h.entries[idx], true
}
