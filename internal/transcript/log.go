// Package transcript holds the ordered conversation transcript shown to
// the UI host. User entries may be revised in place while interim; once
// final they are immutable.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is one line of the conversation transcript.
type Entry struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Final     bool      `json:"isFinal"`
}

// Log is an append/update-by-recency transcript. It is safe for
// concurrent use.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewLog creates an empty transcript log.
func NewLog() *Log {
	return &Log{now: time.Now}
}

// UpdateUser records user speech. While the latest user entry is interim
// it is updated in place; a final or absent entry causes an append. The
// resulting entry is returned.
func (l *Log) UpdateUser(text string, final bool) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.entries); n > 0 {
		last := &l.entries[n-1]
		if last.Role == RoleUser && !last.Final {
			last.Text = text
			last.Final = final
			last.Timestamp = l.now()
			return *last
		}
	}

	entry := Entry{
		ID:        uuid.New().String(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: l.now(),
		Final:     final,
	}
	l.entries = append(l.entries, entry)
	return entry
}

// AppendAssistant records an assistant answer. Assistant entries are
// always final.
func (l *Log) AppendAssistant(text string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		ID:        uuid.New().String(),
		Role:      RoleAssistant,
		Text:      text,
		Timestamp: l.now(),
		Final:     true,
	}
	l.entries = append(l.entries, entry)
	return entry
}

// DropInterim removes a trailing interim user entry, if any. Used when a
// candidate transcript is classified as pure echo after having been
// displayed as an interim result.
func (l *Log) DropInterim() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.entries); n > 0 {
		last := l.entries[n-1]
		if last.Role == RoleUser && !last.Final {
			l.entries = l.entries[:n-1]
		}
	}
}

// Entries returns a copy of the transcript in order.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
