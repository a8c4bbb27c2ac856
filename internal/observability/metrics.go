package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_session_active_sessions",
		Help: "Number of active voice sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_sessions_total",
		Help: "Total number of voice sessions started",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_duration_seconds",
		Help:    "Duration of voice sessions in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})

	// Turn metrics
	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_turns_total",
		Help: "Total number of conversation turns",
	}, []string{"status"}) // success, error, cancelled

	turnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_turn_latency_seconds",
		Help:    "Latency from final transcript to start of playback",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	// Echo classifier decisions
	echoDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_echo_decisions_total",
		Help: "Echo classifier decisions for candidate transcripts",
	}, []string{"decision"}) // accept, strip, discard

	// Barge-in
	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_session_barge_ins_total",
		Help: "Total number of user barge-in interruptions",
	})

	// Backend metrics
	chatLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_chat_latency_seconds",
		Help:    "Chat backend request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	synthesisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_synthesis_latency_seconds",
		Help:    "Speech synthesis request latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_session_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_session_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks per-session metrics. Package-level collectors are shared;
// the tracker only holds the timing state of a single session.
type Metrics struct {
	sessionID     string
	startTime     time.Time
	mu            sync.Mutex
	turnStartTime time.Time
}

// NewSessionMetrics creates a metrics tracker for one voice session.
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session.
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session.
func (m *Metrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTurnStart marks the beginning of a turn (final transcript accepted).
func (m *Metrics) RecordTurnStart() {
	m.mu.Lock()
	m.turnStartTime = time.Now()
	m.mu.Unlock()
}

// RecordTurnEnd records the outcome of a turn. A turn cancelled by a
// newer turn or by barge-in reports status "cancelled".
func (m *Metrics) RecordTurnEnd(status string) {
	m.mu.Lock()
	if !m.turnStartTime.IsZero() && status == "success" {
		turnLatency.Observe(time.Since(m.turnStartTime).Seconds())
	}
	m.turnStartTime = time.Time{}
	m.mu.Unlock()

	turnsTotal.WithLabelValues(status).Inc()
}

// RecordEchoDecision records an echo classifier decision.
func (m *Metrics) RecordEchoDecision(decision string) {
	echoDecisions.WithLabelValues(decision).Inc()
}

// RecordBargeIn records a user interruption of assistant playback.
func (m *Metrics) RecordBargeIn() {
	bargeIns.Inc()
}

// RecordChatLatency records a chat backend round trip.
func (m *Metrics) RecordChatLatency(d time.Duration) {
	chatLatency.Observe(d.Seconds())
}

// RecordSynthesisLatency records a synthesis fetch round trip.
func (m *Metrics) RecordSynthesisLatency(d time.Duration) {
	synthesisLatency.Observe(d.Seconds())
}

// RecordError records an error by type and component.
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates the circuit breaker state metric.
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments the circuit breaker failure counter.
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
