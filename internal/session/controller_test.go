package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/supportstack/voice-session/internal/audio"
	"github.com/supportstack/voice-session/internal/backend"
	"github.com/supportstack/voice-session/internal/config"
	"github.com/supportstack/voice-session/internal/speech"
	"github.com/supportstack/voice-session/internal/transcript"
)

type fakeRecognizer struct {
	mu       sync.Mutex
	handlers speech.RecognizerHandlers
	started  bool
	stopped  bool
	closed   bool
}

func (r *fakeRecognizer) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	return nil
}

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeRecognizer) emit(text string, final bool) {
	r.handlers.OnResult(text, final)
}

func (r *fakeRecognizer) end() {
	if r.handlers.OnEnd != nil {
		r.handlers.OnEnd()
	}
}

func (r *fakeRecognizer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakePlayer struct {
	mu      sync.Mutex
	texts   []string
	block   bool
	release chan struct{}
}

func (p *fakePlayer) Play(ctx context.Context, text string) error {
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()
	if p.block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.release:
		}
	}
	return nil
}

func (p *fakePlayer) Close() error { return nil }

type fakeChat struct {
	mu      sync.Mutex
	answer  string
	err     error
	calls   []string
	block   chan struct{}
	started chan struct{}
}

func (f *fakeChat) Chat(ctx context.Context, conversationID, message string) (*backend.ChatResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, message)
	block := f.block
	started := f.started
	answer := f.answer
	err := f.err
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}
	if err != nil {
		return nil, err
	}
	return &backend.ChatResponse{Answer: answer}, nil
}

func (f *fakeChat) callMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type nullSink struct{}

func (nullSink) WriteAudio([]byte) error { return nil }

type harness struct {
	cfg    *config.Config
	chat   *fakeChat
	levels *audio.LevelMeter

	mu            sync.Mutex
	recognizers   []*fakeRecognizer
	players       []*fakePlayer
	blockPlayback bool

	c *Controller
}

func testSessionConfig() *config.Config {
	return &config.Config{
		EchoDiscardRatio:         0.85,
		EchoStripRatio:           0.35,
		EchoAnchorChars:          48,
		EchoShortCandidateWords:  8,
		UtteranceHistorySize:     3,
		UtteranceHistoryGraceSec: 12,
		PostPlaybackFilterSec:    6,
		IgnoreWindowMs:           900,
		VADPollIntervalMs:        2,
		VADLevelThreshold:        0.06,
		VADConsecutiveFrames:     3,
		RestartDelayMs:           5,
		AudioBufferSize:          4096,
	}
}

func newHarness(cfg *config.Config) *harness {
	h := &harness{
		cfg:    cfg,
		chat:   &fakeChat{answer: "default answer"},
		levels: audio.NewLevelMeter(),
	}

	h.c = New(Options{
		Config: cfg,
		Chat:   h.chat,
		NewRecognizer: func(handlers speech.RecognizerHandlers) (speech.Recognizer, error) {
			rec := &fakeRecognizer{handlers: handlers}
			h.mu.Lock()
			h.recognizers = append(h.recognizers, rec)
			h.mu.Unlock()
			return rec, nil
		},
		NewPlayer: func(sink speech.AudioSink) speech.Player {
			h.mu.Lock()
			p := &fakePlayer{block: h.blockPlayback, release: make(chan struct{})}
			h.players = append(h.players, p)
			h.mu.Unlock()
			return p
		},
		Sink:   nullSink{},
		Levels: h.levels,
		Logger: zerolog.Nop(),
	})
	return h
}

func (h *harness) recognizer(i int) *fakeRecognizer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.recognizers) {
		return nil
	}
	return h.recognizers[i]
}

func (h *harness) recognizerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.recognizers)
}

func (h *harness) playedTexts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, p := range h.players {
		p.mu.Lock()
		out = append(out, p.texts...)
		p.mu.Unlock()
	}
	return out
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for state %s, still %s", want, c.State())
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// waitForResume waits past the recognition restart delay after the
// controller returns to listening.
func waitForResume(t *testing.T, h *harness) {
	t.Helper()
	waitForState(t, h.c, StateListening)
	time.Sleep(h.cfg.RestartDelay() + 30*time.Millisecond)
}

func TestController_StartStop(t *testing.T) {
	h := newHarness(testSessionConfig())

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatalf("Expected start to succeed, got %v", err)
	}
	if h.c.State() != StateListening {
		t.Errorf("Expected listening after start, got %s", h.c.State())
	}
	if h.c.Mode() != ModeContinuous {
		t.Errorf("Expected continuous mode, got %s", h.c.Mode())
	}

	h.c.Stop()
	if h.c.State() != StateIdle {
		t.Errorf("Expected idle after stop, got %s", h.c.State())
	}
	if !h.recognizer(0).isClosed() {
		t.Error("Expected recognizer to be closed on stop")
	}

	// Stop is idempotent
	h.c.Stop()
	if h.c.State() != StateIdle {
		t.Errorf("Expected idle after second stop, got %s", h.c.State())
	}
}

func TestController_CannotRestartAfterStop(t *testing.T) {
	h := newHarness(testSessionConfig())

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	h.c.Stop()

	if err := h.c.Start(ModeContinuous); err == nil {
		t.Error("Expected start on a stopped session to fail")
	}
}

func TestController_StartTwiceRejected(t *testing.T) {
	h := newHarness(testSessionConfig())

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	if err := h.c.Start(ModeContinuous); err == nil {
		t.Error("Expected second start to fail")
	}
}

func TestController_RecognizerFailureSurfacesOnStart(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.c.newRec = func(handlers speech.RecognizerHandlers) (speech.Recognizer, error) {
		return nil, speech.ErrNotSupported
	}

	err := h.c.Start(ModeContinuous)
	if err == nil {
		t.Fatal("Expected start to fail when recognizer is unavailable")
	}
	if !errors.Is(err, speech.ErrNotSupported) {
		t.Errorf("Expected ErrNotSupported, got %v", err)
	}
}

func TestController_TurnFlow(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.chat.answer = "your balance is 500 rupees"

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	h.recognizer(0).emit("what is my", false)
	h.recognizer(0).emit("what is my balance", true)

	waitUntil(t, func() bool {
		played := h.playedTexts()
		return len(played) == 1 && played[0] == "your balance is 500 rupees"
	}, "Expected answer to be played")
	waitForResume(t, h)

	calls := h.chat.callMessages()
	if len(calls) != 1 || calls[0] != "what is my balance" {
		t.Errorf("Unexpected chat calls: %v", calls)
	}

	entries := h.c.Transcript()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 transcript entries, got %d", len(entries))
	}
	if entries[0].Role != transcript.RoleUser || entries[0].Text != "what is my balance" || !entries[0].Final {
		t.Errorf("Unexpected user entry: %+v", entries[0])
	}
	if entries[1].Role != transcript.RoleAssistant || entries[1].Text != "your balance is 500 rupees" {
		t.Errorf("Unexpected assistant entry: %+v", entries[1])
	}
}

func TestController_EchoDiscardedDuringIgnoreWindow(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.chat.answer = "you can reset your password from the settings page"

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	h.recognizer(0).emit("how do I reset my password", true)
	waitForResume(t, h)

	// The microphone picks the answer back up inside the ignore window
	h.recognizer(0).emit("you can reset your password from the settings page", true)
	time.Sleep(50 * time.Millisecond)

	if calls := h.chat.callMessages(); len(calls) != 1 {
		t.Errorf("Expected echo not to start a turn, got calls %v", calls)
	}

	// Genuine speech inside the same window still gets through
	h.recognizer(0).emit("what about two factor authentication", true)
	waitUntil(t, func() bool {
		return len(h.chat.callMessages()) == 2
	}, "Expected genuine speech to start a second turn")

	calls := h.chat.callMessages()
	if calls[1] != "what about two factor authentication" {
		t.Errorf("Unexpected second turn text: %q", calls[1])
	}
}

func TestController_EchoPrefixStrippedBeforeTurn(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.chat.answer = "please visit the billing section"

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	h.recognizer(0).emit("where do I pay", true)
	waitForResume(t, h)

	// Echoed answer prefix with real user speech appended
	h.recognizer(0).emit("please visit the billing section and I need a ticket", true)
	waitUntil(t, func() bool {
		return len(h.chat.callMessages()) == 2
	}, "Expected stripped remainder to start a turn")

	calls := h.chat.callMessages()
	if calls[1] != "and I need a ticket" {
		t.Errorf("Expected stripped remainder, got %q", calls[1])
	}
}

func TestController_BargeInWithContinuousMode(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.blockPlayback = true
	h.chat.answer = "your balance is 500 rupees"

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	h.recognizer(0).emit("what is my balance", true)
	waitForState(t, h.c, StateSpeaking)

	// Sustained microphone energy while the assistant is speaking
	h.levels.PushLevel(0.5)

	waitForState(t, h.c, StateListening)
	time.Sleep(h.cfg.RestartDelay() + 30*time.Millisecond)

	// The interrupting word arrives after recognition resumes and must
	// be forwarded as the next turn
	h.recognizer(0).emit("wait", true)
	waitUntil(t, func() bool {
		return len(h.chat.callMessages()) == 2
	}, "Expected barge-in speech to start a turn")

	calls := h.chat.callMessages()
	if calls[1] != "wait" {
		t.Errorf("Expected %q as second turn, got %q", "wait", calls[1])
	}

	// Continuous mode keeps the same recognizer through the interruption
	if h.recognizerCount() != 1 {
		t.Errorf("Expected a single recognizer in continuous mode, got %d", h.recognizerCount())
	}
}

func TestController_PushToTalkStopsCaptureDuringTurn(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.chat.answer = "answer"
	h.chat.block = make(chan struct{})

	if err := h.c.Start(ModePushToTalk); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	h.recognizer(0).emit("question", true)
	waitForState(t, h.c, StateThinking)

	rec := h.recognizer(0)
	rec.mu.Lock()
	stopped := rec.stopped
	rec.mu.Unlock()
	if !stopped {
		t.Error("Expected recognizer stopped the moment a final result was accepted")
	}

	// The recognizer ending on its own must not trigger a restart while
	// the turn is processing
	rec.end()
	time.Sleep(30 * time.Millisecond)
	if h.recognizerCount() != 1 {
		t.Errorf("Expected no recognizer restart while suspended, got %d", h.recognizerCount())
	}

	close(h.chat.block)
	waitForResume(t, h)

	// After playback and the restart delay a fresh recognizer listens
	waitUntil(t, func() bool { return h.recognizerCount() == 2 }, "Expected a fresh recognizer after resume")
}

func TestController_ResultsDroppedWhileProcessing(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.chat.block = make(chan struct{})
	h.chat.started = make(chan struct{}, 1)

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	h.recognizer(0).emit("first question", true)
	<-h.chat.started

	// A second final while the turn is in flight must be ignored
	h.recognizer(0).emit("second question", true)
	time.Sleep(30 * time.Millisecond)

	if calls := h.chat.callMessages(); len(calls) != 1 {
		t.Errorf("Expected single-flight turn processing, got calls %v", calls)
	}

	close(h.chat.block)
}

func TestController_StaleTurnResultDropped(t *testing.T) {
	h := newHarness(testSessionConfig())

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	// A late completion from a superseded turn must not mutate state
	h.c.post(turnDoneEvent{seq: 99, answer: "stale answer"})
	time.Sleep(30 * time.Millisecond)

	if h.c.State() != StateListening {
		t.Errorf("Expected state unchanged, got %s", h.c.State())
	}
	for _, entry := range h.c.Transcript() {
		if entry.Text == "stale answer" {
			t.Error("Expected stale answer not to enter the transcript")
		}
	}
}

func TestController_StopMidTurnCancelsBackendCall(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.chat.block = make(chan struct{})
	h.chat.started = make(chan struct{}, 1)

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}

	h.recognizer(0).emit("question", true)
	<-h.chat.started

	done := make(chan struct{})
	go func() {
		h.c.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Stop to return promptly with a turn in flight")
	}
	if h.c.State() != StateIdle {
		t.Errorf("Expected idle after stop, got %s", h.c.State())
	}
}

func TestController_ChatErrorRecoversToListening(t *testing.T) {
	h := newHarness(testSessionConfig())
	h.chat.err = errors.New("backend down")

	var mu sync.Mutex
	var surfaced []error
	h.c.handlers.OnError = func(err error) {
		mu.Lock()
		surfaced = append(surfaced, err)
		mu.Unlock()
	}

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	h.recognizer(0).emit("question", true)

	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(surfaced) == 1
	}, "Expected chat error to surface")

	waitForState(t, h.c, StateListening)
	if len(h.playedTexts()) != 0 {
		t.Error("Expected nothing played after a failed turn")
	}
}

func TestController_Greeting(t *testing.T) {
	cfg := testSessionConfig()
	cfg.AutoGreet = true
	cfg.GreetingText = "hello, how can I help?"
	h := newHarness(cfg)

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	waitUntil(t, func() bool {
		played := h.playedTexts()
		return len(played) == 1 && played[0] == "hello, how can I help?"
	}, "Expected greeting to be played")

	if calls := h.chat.callMessages(); len(calls) != 0 {
		t.Errorf("Expected no chat call for the greeting, got %v", calls)
	}

	waitForResume(t, h)

	// The greeting is echo-protected like any answer
	h.recognizer(0).emit("hello, how can I help?", true)
	time.Sleep(50 * time.Millisecond)
	if calls := h.chat.callMessages(); len(calls) != 0 {
		t.Errorf("Expected greeting echo to be discarded, got calls %v", calls)
	}
}

func TestController_IdleTimeoutPromptsThenEnds(t *testing.T) {
	cfg := testSessionConfig()
	cfg.NoSpeechTimeoutSec = 1
	cfg.IdlePromptText = "are you still there?"
	cfg.IdleGoodbyeText = "goodbye"
	h := newHarness(cfg)

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool {
		played := h.playedTexts()
		return len(played) >= 1 && played[0] == "are you still there?"
	}, "Expected idle prompt after silence")

	waitUntil(t, func() bool {
		played := h.playedTexts()
		return len(played) >= 2 && played[1] == "goodbye"
	}, "Expected goodbye after continued silence")

	waitForState(t, h.c, StateIdle)
	if !h.recognizer(0).isClosed() {
		t.Error("Expected recognizer released when the session ends")
	}
}

func TestController_SetModeSwitch(t *testing.T) {
	h := newHarness(testSessionConfig())

	if err := h.c.Start(ModeContinuous); err != nil {
		t.Fatal(err)
	}
	defer h.c.Stop()

	h.c.SetMode(ModePushToTalk)
	waitUntil(t, func() bool { return h.c.Mode() == ModePushToTalk }, "Expected mode switch to apply")

	h.c.SetMode(ModeContinuous)
	waitUntil(t, func() bool { return h.c.Mode() == ModeContinuous }, "Expected mode switch back")
}

func TestParseMode(t *testing.T) {
	if ParseMode("push_to_talk") != ModePushToTalk {
		t.Error("Expected push_to_talk to parse")
	}
	if ParseMode("continuous") != ModeContinuous {
		t.Error("Expected continuous to parse")
	}
	if ParseMode("") != ModeContinuous {
		t.Error("Expected empty mode to default to continuous")
	}
}
