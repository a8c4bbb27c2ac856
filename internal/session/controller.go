// Package session implements the realtime voice conversation
// controller: a single-goroutine state machine coordinating the
// recognizer, the player, the activity monitor and the turn processor.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/supportstack/voice-session/internal/backend"
	"github.com/supportstack/voice-session/internal/config"
	"github.com/supportstack/voice-session/internal/echo"
	"github.com/supportstack/voice-session/internal/observability"
	"github.com/supportstack/voice-session/internal/speech"
	"github.com/supportstack/voice-session/internal/transcript"
	"github.com/supportstack/voice-session/internal/vad"
)

// Handlers are the controller's callbacks to its UI host. All handlers
// are optional and are invoked from the controller's event loop.
type Handlers struct {
	// OnState reports every state or mode change.
	OnState func(state State, mode Mode)
	// OnTranscript reports a new or updated transcript entry.
	OnTranscript func(entry transcript.Entry)
	// OnError reports a recoverable error worth showing to the user.
	OnError func(err error)
}

// Options wires a Controller. Config, Chat, NewRecognizer, NewPlayer
// and Sink are required.
type Options struct {
	Config        *config.Config
	Chat          ChatBackend
	NewRecognizer speech.RecognizerFactory
	NewPlayer     speech.PlayerFactory
	Sink          speech.AudioSink
	Levels        vad.LevelSource
	Handlers      Handlers
	Logger        zerolog.Logger
	Metrics       *observability.Metrics
}

// Controller owns one voice session. Exactly one session is live at a
// time per controller, and a stopped controller cannot be restarted:
// the owner creates a fresh one for the next session.
//
// All mutable conversation state is owned by the event loop goroutine;
// the four asynchronous sources (recognizer callbacks, player
// completion, turn completion, activity monitor) only enqueue events.
// Externally visible state and mode are mirrored under a read lock.
type Controller struct {
	cfg      *config.Config
	chat     ChatBackend
	newRec   speech.RecognizerFactory
	newPlay  speech.PlayerFactory
	sink     speech.AudioSink
	levels   vad.LevelSource
	handlers Handlers
	logger   zerolog.Logger
	metrics  *observability.Metrics
	turns    *turnProcessor

	conversationID string
	log            *transcript.Log
	history        *echo.History
	classifier     *echo.Classifier

	events   chan event
	loopDone chan struct{}

	mu         sync.RWMutex
	state      State
	mode       Mode
	started    bool
	stopped    bool
	recognizer speech.Recognizer

	// Everything below is owned by the event loop goroutine.
	suspended        bool
	processing       bool
	ignoreUntil      time.Time
	playbackEndedAt  time.Time
	turnSeq          uint64
	turnCancel       context.CancelFunc
	playCancel       context.CancelFunc
	player           speech.Player
	monitor          *vad.Monitor
	resumeTimer      *time.Timer
	idleTimer        *time.Timer
	idleStage        int
	endAfterPlayback bool
	now              func() time.Time
}

// New creates a controller for one voice session.
func New(opts Options) *Controller {
	cfg := opts.Config
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewSessionMetrics(observability.NewSessionID())
	}

	c := &Controller{
		cfg:            cfg,
		chat:           opts.Chat,
		newRec:         opts.NewRecognizer,
		newPlay:        opts.NewPlayer,
		sink:           opts.Sink,
		levels:         opts.Levels,
		handlers:       opts.Handlers,
		logger:         opts.Logger,
		metrics:        metrics,
		conversationID: uuid.New().String(),
		log:            transcript.NewLog(),
		history:        echo.NewHistory(cfg.UtteranceHistorySize, cfg.UtteranceHistoryGrace()),
		classifier: echo.NewClassifier(echo.ClassifierConfig{
			DiscardRatio:        cfg.EchoDiscardRatio,
			StripRatio:          cfg.EchoStripRatio,
			AnchorChars:         cfg.EchoAnchorChars,
			ShortCandidateWords: cfg.EchoShortCandidateWords,
		}),
		events:   make(chan event, 64),
		loopDone: make(chan struct{}),
		state:    StateIdle,
		mode:     ModeContinuous,
		now:      time.Now,
	}
	c.turns = &turnProcessor{chat: opts.Chat, metrics: metrics, logger: opts.Logger}
	return c
}

// ConversationID returns the stable identifier used for every backend
// call of this session.
func (c *Controller) ConversationID() string {
	return c.conversationID
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Mode returns the current interaction mode.
func (c *Controller) Mode() Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mode
}

// Transcript returns the ordered transcript for display.
func (c *Controller) Transcript() []transcript.Entry {
	return c.log.Entries()
}

// Start acquires the recognizer and begins listening. Recognizer
// construction doubles as the capability probe: an unavailable platform
// capability surfaces as speech.ErrNotSupported, a denied microphone as
// the adapter's permission error. Both are fatal to starting.
func (c *Controller) Start(mode Mode) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return fmt.Errorf("session already stopped")
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	c.mode = mode
	c.mu.Unlock()

	rec, err := c.newRec(c.recognizerHandlers())
	if err != nil {
		return fmt.Errorf("failed to acquire recognizer: %w", err)
	}
	if err := rec.Start(); err != nil {
		_ = rec.Close()
		return fmt.Errorf("failed to start recognition: %w", err)
	}
	c.setRecognizer(rec)

	c.mu.Lock()
	c.started = true
	c.state = StateListening
	c.mu.Unlock()

	c.metrics.RecordSessionStart()
	c.resetIdleTimer()
	go c.loop()

	c.notifyState()
	if c.cfg.AutoGreet {
		c.post(speakEvent{text: c.cfg.GreetingText})
	}

	c.logger.Info().
		Str("conversation_id", c.conversationID).
		Str("mode", mode.String()).
		Msg("Voice session started")
	return nil
}

// Stop tears the session down: idempotent, callable from any state,
// including mid-network-call. It blocks until teardown completes.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.stopped = true
		c.state = StateIdle
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ack := make(chan struct{})
	select {
	case c.events <- stopEvent{ack: ack}:
		select {
		case <-ack:
		case <-c.loopDone:
		}
	case <-c.loopDone:
	}
}

// SetMode switches between push-to-talk and continuous, re-running
// guard logic against the active recognizer.
func (c *Controller) SetMode(mode Mode) {
	c.post(setModeEvent{mode: mode})
}

// FeedAudio forwards microphone audio to the active recognizer. Audio
// arriving while no recognizer is live is dropped.
func (c *Controller) FeedAudio(pcm []byte) {
	c.mu.RLock()
	rec := c.recognizer
	stopped := c.stopped
	c.mu.RUnlock()
	if stopped || rec == nil {
		return
	}
	if feeder, ok := rec.(speech.AudioFeeder); ok {
		_ = feeder.FeedAudio(pcm)
	}
}

func (c *Controller) setRecognizer(rec speech.Recognizer) {
	c.mu.Lock()
	c.recognizer = rec
	c.mu.Unlock()
}

func (c *Controller) currentRecognizer() speech.Recognizer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recognizer
}

func (c *Controller) recognizerHandlers() speech.RecognizerHandlers {
	return speech.RecognizerHandlers{
		OnResult: func(text string, final bool) {
			c.post(transcriptEvent{text: text, final: final})
		},
		OnError: func(err error) {
			if speech.IsTransient(err) {
				return
			}
			c.post(recognizerErrorEvent{err: err})
		},
		OnEnd: func() {
			c.post(recognizerEndEvent{})
		},
	}
}

// post enqueues an event for the loop, dropping it if the loop has
// already exited.
func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.loopDone:
	}
}

// loop is the single logical controller thread. It exits only through
// teardown.
func (c *Controller) loop() {
	defer close(c.loopDone)

	for ev := range c.events {
		switch ev := ev.(type) {
		case transcriptEvent:
			c.handleTranscript(ev)
		case recognizerErrorEvent:
			c.handleRecognizerError(ev.err)
		case recognizerEndEvent:
			c.handleRecognizerEnd()
		case resumeEvent:
			c.handleResume()
		case turnDoneEvent:
			c.handleTurnDone(ev)
		case playbackDoneEvent:
			if c.handlePlaybackDone(ev) {
				return
			}
		case bargeInEvent:
			c.handleBargeIn()
		case setModeEvent:
			c.handleSetMode(ev.mode)
		case idleEvent:
			if c.handleIdle(ev.stage) {
				return
			}
		case speakEvent:
			c.announce(ev.text)
		case stopEvent:
			c.teardown()
			close(ev.ack)
			return
		}
	}
}

// handleTranscript applies the acceptance guards and the two-tier echo
// classification, then starts a turn on an accepted final result.
func (c *Controller) handleTranscript(ev transcriptEvent) {
	text := strings.TrimSpace(ev.text)
	if text == "" {
		return
	}

	// Guard conditions: recognition must not be suspended, push-to-talk
	// requires listening, and a turn must not already be in flight.
	if c.suspended {
		return
	}
	if c.Mode() == ModePushToTalk && c.State() != StateListening {
		return
	}
	if c.processing {
		return
	}

	c.resetIdleTimer()

	now := c.now()
	candidate := text

	// Tail echo occurs in a short bounded interval after playback; the
	// full classifier runs only inside the ignore window.
	if now.Before(c.ignoreUntil) {
		res := c.classifier.Classify(candidate, c.history.Recent())
		c.metrics.RecordEchoDecision(res.Decision.String())
		switch res.Decision {
		case echo.DecisionDiscard:
			c.logger.Debug().Str("text", text).Msg("Discarded echo transcript")
			c.log.DropInterim()
			return
		case echo.DecisionStrip:
			c.logger.Debug().
				Str("text", text).
				Str("kept", res.Text).
				Msg("Stripped echo prefix from transcript")
			candidate = res.Text
		}
	}

	// Independent simpler filter against the prior response, applied in
	// a short post-playback window regardless of the ignore window.
	if !c.playbackEndedAt.IsZero() && now.Sub(c.playbackEndedAt) < c.cfg.PostPlaybackFilter() {
		res := c.classifier.FilterPostPlayback(candidate, c.history.Last())
		if res.Decision == echo.DecisionDiscard {
			c.metrics.RecordEchoDecision(res.Decision.String())
			c.log.DropInterim()
			return
		}
	}

	entry := c.log.UpdateUser(candidate, ev.final)
	c.notifyTranscript(entry)

	if !ev.final {
		return
	}

	c.metrics.RecordTurnStart()
	c.processing = true

	if c.Mode() == ModePushToTalk {
		// Strictly turn-based: stop capture the instant a final result
		// is accepted. The controller restarts it after playback.
		c.teardownRecognizer()
		c.suspended = true
		c.setState(StateThinking)
	}

	c.startTurn(candidate)
}

// startTurn enforces the single-flight rule: issuing a new turn first
// cancels any outstanding one.
func (c *Controller) startTurn(text string) {
	c.turnSeq++
	if c.turnCancel != nil {
		c.turnCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.turnCancel = cancel

	c.logger.Info().
		Uint64("turn", c.turnSeq).
		Str("text", text).
		Msg("User turn accepted")
	go c.turns.run(ctx, c.post, c.turnSeq, c.conversationID, text)
}

func (c *Controller) handleTurnDone(ev turnDoneEvent) {
	if ev.seq != c.turnSeq {
		// A superseded turn's late completion must not mutate state.
		c.logger.Debug().Uint64("turn", ev.seq).Msg("Dropping stale turn result")
		return
	}
	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}

	if ev.err != nil {
		if backend.IsCancelled(ev.err) {
			c.metrics.RecordTurnEnd("cancelled")
		} else {
			c.metrics.RecordTurnEnd("error")
			c.notifyError(fmt.Errorf("assistant request failed: %w", ev.err))
		}
		c.recoverToListening()
		return
	}

	c.metrics.RecordTurnEnd("success")
	c.announce(ev.answer)
}

// announce records controller-originated or answer text in the
// transcript and echo history, then plays it. Played text always enters
// the history: greetings and idle prompts echo just like answers.
func (c *Controller) announce(text string) {
	if text == "" {
		c.recoverToListening()
		return
	}
	c.history.Add(text)
	entry := c.log.AppendAssistant(text)
	c.notifyTranscript(entry)
	c.speak(text)
}

// speak drives synthesis playback of answer or controller-originated
// text. Recognition is suspended for the whole fetch+playback interval;
// in continuous mode the activity monitor runs so the user can
// interrupt.
func (c *Controller) speak(text string) {
	if text == "" {
		c.recoverToListening()
		return
	}

	c.suspended = true
	if c.Mode() == ModePushToTalk {
		c.teardownRecognizer()
	}
	c.setState(StateSpeaking)

	playCtx, cancel := context.WithCancel(context.Background())
	c.playCancel = cancel
	c.player = c.newPlay(c.sink)

	if c.Mode() == ModeContinuous && c.levels != nil {
		c.startMonitor()
	}

	player := c.player
	go func() {
		err := player.Play(playCtx, text)
		c.post(playbackDoneEvent{err: err, speech: text})
	}()
}

func (c *Controller) startMonitor() {
	if c.monitor != nil {
		c.monitor.Stop()
	}
	c.monitor = vad.NewMonitor(
		vad.MonitorConfig{
			PollInterval:      c.cfg.VADPollInterval(),
			Threshold:         c.cfg.VADLevelThreshold,
			ConsecutiveFrames: c.cfg.VADConsecutiveFrames,
		},
		c.levels,
		func() bool { return c.State() == StateSpeaking },
		func() { c.post(bargeInEvent{}) },
		c.logger,
	)
	c.monitor.Start()
}

// handlePlaybackDone closes out the speaking phase on natural end,
// cancellation and error alike. Returns true when the loop should exit
// because the session ended after a goodbye.
func (c *Controller) handlePlaybackDone(ev playbackDoneEvent) bool {
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
	if c.player != nil {
		_ = c.player.Close()
		c.player = nil
	}

	cancelled := ev.err != nil && backend.IsCancelled(ev.err)
	if ev.err != nil && !cancelled {
		c.metrics.RecordError("playback_error", "player")
		c.notifyError(fmt.Errorf("playback failed: %w", ev.err))
	}

	now := c.now()
	c.ignoreUntil = now.Add(c.cfg.IgnoreWindow())
	c.playbackEndedAt = now
	c.history.ExtendGrace()

	if c.endAfterPlayback {
		c.teardown()
		return true
	}

	c.recoverToListening()
	return false
}

// recoverToListening returns the controller to listening after a turn
// completes, errors out or is interrupted, scheduling the delayed
// recognition resume. No error path may leave the controller in
// thinking or speaking.
func (c *Controller) recoverToListening() {
	c.processing = false
	c.setState(StateListening)
	c.scheduleResume()
	c.scheduleIdleTimer()
}

// scheduleResume arms the short delay before recognition resumes, so
// the microphone does not capture the playback tail.
func (c *Controller) scheduleResume() {
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
	}
	c.resumeTimer = time.AfterFunc(c.cfg.RestartDelay(), func() {
		c.post(resumeEvent{})
	})
}

func (c *Controller) handleResume() {
	if c.State() != StateListening {
		return
	}
	c.suspended = false

	// Continuous mode keeps its recognizer alive through playback; only
	// push-to-talk tears it down and needs a fresh one.
	if c.currentRecognizer() != nil {
		return
	}
	rec, err := c.newRec(c.recognizerHandlers())
	if err != nil {
		c.notifyError(fmt.Errorf("failed to reacquire recognizer: %w", err))
		return
	}
	if err := rec.Start(); err != nil {
		_ = rec.Close()
		c.notifyError(fmt.Errorf("failed to restart recognition: %w", err))
		return
	}
	c.setRecognizer(rec)
}

func (c *Controller) handleBargeIn() {
	// Defensive: the monitor gate should prevent this, but event
	// ordering between sources is not guaranteed.
	if c.State() != StateSpeaking {
		return
	}

	c.metrics.RecordBargeIn()
	c.logger.Info().Msg("Barge-in: cancelling playback")
	if c.playCancel != nil {
		c.playCancel()
	}
	// Cleanup continues in handlePlaybackDone once the player returns
	// with the cancellation error.
}

func (c *Controller) handleRecognizerError(err error) {
	c.metrics.RecordError("recognition_error", "recognizer")
	c.logger.Warn().Err(err).Msg("Recognition error")
	c.notifyError(fmt.Errorf("recognition error: %w", err))
	// The session remains in listening; transient errors never reach
	// this path.
}

// handleRecognizerEnd reacts to the recognizer stopping on its own.
// While suspended it must never restart capture: in push-to-talk the
// controller alone decides when to listen again.
func (c *Controller) handleRecognizerEnd() {
	if c.suspended {
		return
	}
	if c.State() != StateListening {
		return
	}
	c.restartRecognizer()
}

func (c *Controller) restartRecognizer() {
	c.teardownRecognizer()
	rec, err := c.newRec(c.recognizerHandlers())
	if err != nil {
		c.notifyError(fmt.Errorf("failed to reacquire recognizer: %w", err))
		return
	}
	if err := rec.Start(); err != nil {
		_ = rec.Close()
		c.notifyError(fmt.Errorf("failed to restart recognition: %w", err))
		return
	}
	c.setRecognizer(rec)
}

// teardownRecognizer stops and releases the current recognizer,
// detaching its callbacks first so nothing runs after the stop.
func (c *Controller) teardownRecognizer() {
	rec := c.currentRecognizer()
	if rec == nil {
		return
	}
	c.setRecognizer(nil)
	if err := rec.Stop(); err != nil {
		c.logger.Debug().Err(err).Msg("Error stopping recognizer")
	}
	if err := rec.Close(); err != nil {
		c.logger.Debug().Err(err).Msg("Error closing recognizer")
	}
}

func (c *Controller) handleSetMode(mode Mode) {
	c.mu.Lock()
	previous := c.mode
	c.mode = mode
	c.mu.Unlock()
	if previous == mode {
		return
	}
	c.notifyState()

	// Re-run guard logic against the active recognizer: push-to-talk
	// must not keep capturing through an in-flight turn, and a playback
	// already underway gains or loses its barge-in monitor.
	state := c.State()
	if mode == ModePushToTalk {
		if (c.processing || state == StateSpeaking) && c.currentRecognizer() != nil {
			c.teardownRecognizer()
			c.suspended = true
		}
		if c.monitor != nil {
			c.monitor.Stop()
			c.monitor = nil
		}
		return
	}
	if state == StateSpeaking && c.monitor == nil && c.levels != nil {
		c.startMonitor()
	}
}

func (c *Controller) resetIdleTimer() {
	c.idleStage = 0
	c.scheduleIdleTimer()
}

func (c *Controller) scheduleIdleTimer() {
	if c.cfg.NoSpeechTimeout() <= 0 {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	stage := c.idleStage
	c.idleTimer = time.AfterFunc(c.cfg.NoSpeechTimeout(), func() {
		c.post(idleEvent{stage: stage})
	})
}

// handleIdle escalates on silence: first a prompt, then a goodbye that
// ends the session. Returns true when the loop should exit.
func (c *Controller) handleIdle(stage int) bool {
	if c.State() != StateListening || c.processing {
		return false
	}
	if stage == 0 {
		c.idleStage = 1
		c.announce(c.cfg.IdlePromptText)
		return false
	}

	c.logger.Info().Msg("No speech detected, ending session")
	if c.cfg.IdleGoodbyeText == "" {
		c.teardown()
		return true
	}
	c.endAfterPlayback = true
	c.announce(c.cfg.IdleGoodbyeText)
	return false
}

// teardown releases every resource, in order: mark non-restartable,
// cancel outstanding network tokens, detach and stop the recognizer and
// player, stop the activity monitor, release the microphone level
// stream, reset every flag. Each step is best-effort.
func (c *Controller) teardown() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()

	if c.turnCancel != nil {
		c.turnCancel()
		c.turnCancel = nil
	}
	if c.playCancel != nil {
		c.playCancel()
		c.playCancel = nil
	}
	if c.resumeTimer != nil {
		c.resumeTimer.Stop()
		c.resumeTimer = nil
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}

	c.teardownRecognizer()

	if c.player != nil {
		if err := c.player.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Error closing player")
		}
		c.player = nil
	}
	if c.monitor != nil {
		c.monitor.Stop()
		c.monitor = nil
	}
	if r, ok := c.levels.(interface{ Reset() }); ok && r != nil {
		r.Reset()
	}

	c.suspended = false
	c.processing = false
	c.ignoreUntil = time.Time{}
	c.playbackEndedAt = time.Time{}
	c.endAfterPlayback = false
	c.history.Clear()

	c.setState(StateIdle)
	c.metrics.RecordSessionEnd()
	c.logger.Info().Str("conversation_id", c.conversationID).Msg("Voice session stopped")
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.notifyState()
	}
}

func (c *Controller) notifyState() {
	if c.handlers.OnState != nil {
		c.handlers.OnState(c.State(), c.Mode())
	}
}

func (c *Controller) notifyTranscript(entry transcript.Entry) {
	if c.handlers.OnTranscript != nil {
		c.handlers.OnTranscript(entry)
	}
}

func (c *Controller) notifyError(err error) {
	c.metrics.RecordError("session_error", "controller")
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}
