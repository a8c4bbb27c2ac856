package session

import "github.com/supportstack/voice-session/internal/backend"

// State is the controller's high-level state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateThinking
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateThinking:
		return "thinking"
	case StateSpeaking:
		return "speaking"
	}
	return "unknown"
}

// Mode is the voice interaction mode.
type Mode int

const (
	// ModePushToTalk is strictly turn-based: recognition stops on a
	// final result and is restarted only by the controller.
	ModePushToTalk Mode = iota
	// ModeContinuous is full duplex: recognition is suspended during
	// playback but the activity monitor allows barge-in.
	ModeContinuous
)

func (m Mode) String() string {
	switch m {
	case ModePushToTalk:
		return "push_to_talk"
	case ModeContinuous:
		return "continuous"
	}
	return "unknown"
}

// ParseMode maps a wire-format mode name to a Mode. Unknown names fall
// back to continuous.
func ParseMode(s string) Mode {
	if s == "push_to_talk" {
		return ModePushToTalk
	}
	return ModeContinuous
}

// event is a message for the controller's event loop. All four
// asynchronous sources (recognizer callbacks, player completion, turn
// completions, activity monitor) are serialized through this type; no
// callback mutates controller state directly.
type event interface{ isEvent() }

// transcriptEvent carries a recognition result.
type transcriptEvent struct {
	text  string
	final bool
}

// recognizerErrorEvent carries a non-transient recognition error.
type recognizerErrorEvent struct{ err error }

// recognizerEndEvent signals the recognizer ended on its own.
type recognizerEndEvent struct{}

// resumeEvent asks the loop to resume recognition after the restart
// delay has elapsed.
type resumeEvent struct{}

// playbackDoneEvent signals the player returned. err is nil on natural
// completion, the context error on deliberate cancellation, or a
// genuine playback failure.
type playbackDoneEvent struct {
	err    error
	speech string
}

// turnDoneEvent carries the outcome of a turn processor invocation.
type turnDoneEvent struct {
	seq     uint64
	answer  string
	sources []backend.Source
	err     error
}

// bargeInEvent signals the activity monitor detected user speech during
// playback.
type bargeInEvent struct{}

// setModeEvent changes the interaction mode.
type setModeEvent struct{ mode Mode }

// idleEvent signals the no-speech timer fired. stage 0 prompts the
// user; stage 1 says goodbye and ends the session.
type idleEvent struct{ stage int }

// speakEvent asks the loop to speak controller-originated text (the
// greeting, idle prompts) outside the turn flow.
type speakEvent struct{ text string }

// stopEvent requests teardown; ack is closed once teardown completes.
type stopEvent struct{ ack chan struct{} }

func (transcriptEvent) isEvent()      {}
func (recognizerErrorEvent) isEvent() {}
func (recognizerEndEvent) isEvent()   {}
func (resumeEvent) isEvent()          {}
func (playbackDoneEvent) isEvent()    {}
func (turnDoneEvent) isEvent()        {}
func (bargeInEvent) isEvent()         {}
func (setModeEvent) isEvent()         {}
func (idleEvent) isEvent()            {}
func (speakEvent) isEvent()           {}
func (stopEvent) isEvent()            {}
