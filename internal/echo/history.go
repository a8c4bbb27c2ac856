// Package echo decides whether a candidate transcript is genuine user
// speech or the assistant's own voice picked up by the microphone.
package echo

import (
	"sync"
	"time"
)

// History is the bounded, most-recent-first list of raw assistant
// answers used for echo comparison. Entries are retained only for a
// grace period after the end of each turn; tail echo occurs in a short,
// bounded interval, so there is no reason to keep comparing against old
// answers in steady state.
type History struct {
	mu       sync.Mutex
	limit    int
	grace    time.Duration
	entries  []string
	deadline time.Time
	now      func() time.Time
}

// NewHistory creates a history bounded to limit entries with the given
// post-turn grace period.
func NewHistory(limit int, grace time.Duration) *History {
	if limit < 1 {
		limit = 1
	}
	return &History{limit: limit, grace: grace, now: time.Now}
}

// Add records a new assistant answer at the front and refreshes the
// expiry deadline.
func (h *History) Add(text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked()
	h.entries = append([]string{text}, h.entries...)
	if len(h.entries) > h.limit {
		h.entries = h.entries[:h.limit]
	}
	h.deadline = h.now().Add(h.grace)
}

// ExtendGrace restarts the expiry countdown, called when a turn ends so
// the grace period runs from end of playback rather than from Add.
func (h *History) ExtendGrace() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.entries) > 0 {
		h.deadline = h.now().Add(h.grace)
	}
}

// Recent returns the unexpired answers, most recent first.
func (h *History) Recent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked()
	out := make([]string, len(h.entries))
	copy(out, h.entries)
	return out
}

// Last returns the most recent unexpired answer, or "".
func (h *History) Last() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.pruneLocked()
	if len(h.entries) == 0 {
		return ""
	}
	return h.entries[0]
}

// Clear drops all entries.
func (h *History) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.deadline = time.Time{}
	h.mu.Unlock()
}

func (h *History) pruneLocked() {
	if len(h.entries) > 0 && h.now().After(h.deadline) {
		h.entries = nil
	}
}
