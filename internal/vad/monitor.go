// Package vad implements the microphone activity monitor used for
// barge-in: a plain amplitude-threshold detector, not a classifier.
package vad

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LevelSource yields the current microphone level as full-scale RMS.
type LevelSource interface {
	Level() float64
}

// MonitorConfig holds the tuned barge-in detection parameters.
type MonitorConfig struct {
	// PollInterval is how often the microphone level is sampled.
	PollInterval time.Duration
	// Threshold is the full-scale RMS level counted as speech energy.
	Threshold float64
	// ConsecutiveFrames is the number of consecutive over-threshold
	// samples required to fire.
	ConsecutiveFrames int
}

// DefaultMonitorConfig returns the tuned defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		PollInterval:      80 * time.Millisecond,
		Threshold:         0.06,
		ConsecutiveFrames: 3,
	}
}

// Monitor polls a microphone level source while the assistant is
// speaking and fires a single barge-in signal on sustained speech
// energy, then stops itself. The gate reports whether the controller is
// currently in the speaking state; whenever the gate is closed the
// consecutive-sample counter resets and the monitor never fires.
type Monitor struct {
	cfg    MonitorConfig
	source LevelSource
	gate   func() bool
	fire   func()
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	doneWG  sync.WaitGroup
}

// NewMonitor creates a monitor. gate and fire must be non-nil.
func NewMonitor(cfg MonitorConfig, source LevelSource, gate func() bool, fire func(), logger zerolog.Logger) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 80 * time.Millisecond
	}
	if cfg.ConsecutiveFrames < 1 {
		cfg.ConsecutiveFrames = 1
	}
	return &Monitor{
		cfg:    cfg,
		source: source,
		gate:   gate,
		fire:   fire,
		logger: logger,
	}
}

// Start begins polling. Starting a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.doneWG.Add(1)
	go m.run(m.stop)
}

// Stop halts polling. Idempotent and safe to call concurrently with the
// monitor stopping itself.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.doneWG.Wait()
}

// IsRunning reports whether the monitor is polling.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Monitor) run(stop chan struct{}) {
	defer m.doneWG.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.gate() {
				consecutive = 0
				continue
			}

			level := m.source.Level()
			if level < m.cfg.Threshold {
				consecutive = 0
				continue
			}

			consecutive++
			if consecutive < m.cfg.ConsecutiveFrames {
				continue
			}

			m.logger.Info().
				Float64("level", level).
				Int("frames", consecutive).
				Msg("Sustained speech energy during playback, firing barge-in")

			// Mark stopped before firing so the barge-in handler can
			// call Stop without deadlocking on our own goroutine.
			m.mu.Lock()
			if m.running {
				m.running = false
				close(m.stop)
			}
			m.mu.Unlock()

			m.fire()
			return
		}
	}
}
