package audio

import (
	"sync"
	"time"
)

// staleAfter bounds how long the last microphone frame keeps counting as
// the current level. Without it a client that stops sending frames would
// freeze the meter at its last value.
const staleAfter = 500 * time.Millisecond

// LevelMeter tracks the current microphone input level. The audio
// ingress path pushes frames; the activity monitor polls Level.
type LevelMeter struct {
	mu      sync.RWMutex
	level   float64
	updated time.Time
	now     func() time.Time
}

// NewLevelMeter creates an empty level meter.
func NewLevelMeter() *LevelMeter {
	return &LevelMeter{now: time.Now}
}

// PushFrame records the level of one microphone analysis frame of
// little-endian 16-bit PCM.
func (l *LevelMeter) PushFrame(pcm []byte) {
	l.PushLevel(FullScaleRMS(DecodePCM16LE(pcm)))
}

// PushLevel records a precomputed full-scale RMS level.
func (l *LevelMeter) PushLevel(level float64) {
	l.mu.Lock()
	l.level = level
	l.updated = l.now()
	l.mu.Unlock()
}

// Level returns the most recent full-scale RMS level, or 0 when no frame
// has arrived recently.
func (l *LevelMeter) Level() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.updated.IsZero() || l.now().Sub(l.updated) > staleAfter {
		return 0.0
	}
	return l.level
}

// Reset clears the meter.
func (l *LevelMeter) Reset() {
	l.mu.Lock()
	l.level = 0
	l.updated = time.Time{}
	l.mu.Unlock()
}
