// Package speech defines the capability adapter contracts around the
// platform recognizer and synthesizer/player, plus the error taxonomy
// for recognition failures.
package speech

import (
	"context"
	"errors"
	"strings"
)

// ErrNotSupported is returned when the platform voice capabilities are
// unavailable (missing credentials, unreachable service).
var ErrNotSupported = errors.New("voice not supported")

// ErrNoSpeech marks a recognition attempt that heard nothing. Transient;
// never surfaced to the user.
var ErrNoSpeech = errors.New("no speech detected")

// ErrAborted marks a recognition attempt cut short by an expected stop.
// Transient; never surfaced to the user.
var ErrAborted = errors.New("recognition aborted")

// IsTransient reports whether a recognition error is fully recoverable
// locally and should never be surfaced.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoSpeech) || errors.Is(err, ErrAborted) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no speech") || strings.Contains(msg, "aborted")
}

// RecognizerHandlers are the recognizer callbacks. Handlers run on the
// adapter's own goroutine; implementations forward into the session
// controller's event loop rather than mutating state directly.
type RecognizerHandlers struct {
	// OnResult delivers an interim (final=false) or final transcript.
	OnResult func(text string, final bool)
	// OnError delivers a recognition error.
	OnError func(err error)
	// OnEnd signals the recognizer stopped on its own (natural end).
	OnEnd func()
}

// Recognizer is a thin state wrapper around a continuous,
// interim-results speech recognizer.
type Recognizer interface {
	// Start begins continuous capture. Starting a started recognizer is
	// an error.
	Start() error
	// Stop halts capture and detaches callbacks so no handler runs
	// after it returns. Idempotent.
	Stop() error
	// Close releases the underlying connection. Idempotent.
	Close() error
}

// AudioFeeder is implemented by recognizers that accept pushed
// microphone audio (rather than owning the capture device).
type AudioFeeder interface {
	FeedAudio(pcm []byte) error
}

// AudioSink receives paced playback audio frames.
type AudioSink interface {
	WriteAudio(frame []byte) error
}

// Player synthesizes text and plays it. Play blocks until playback
// completes, is cancelled through ctx, or fails; underlying audio
// buffers are released on every exit path.
type Player interface {
	Play(ctx context.Context, text string) error
	// Close releases player resources. Idempotent.
	Close() error
}

// RecognizerFactory builds a recognizer wired to the given handlers.
// The owner must tear down any previous instance before calling it.
type RecognizerFactory func(handlers RecognizerHandlers) (Recognizer, error)

// PlayerFactory builds a player delivering audio to the given sink.
type PlayerFactory func(sink AudioSink) Player
