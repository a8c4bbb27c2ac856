package speech

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/supportstack/voice-session/internal/audio"
)

// SynthesizeFunc fetches raw 16-bit PCM audio for text. It must honor
// ctx cancellation.
type SynthesizeFunc func(ctx context.Context, text string) ([]byte, error)

// PacedPlayer fetches synthesized audio and plays it by pacing fixed
// frames into an AudioSink in real time, so cancellation takes effect
// mid-utterance and the sink receives audio at playback rate.
type PacedPlayer struct {
	synthesize    SynthesizeFunc
	sink          AudioSink
	frameBytes    int
	frameInterval time.Duration
	bufferSize    int
	logger        zerolog.Logger

	mu      sync.Mutex
	buffer  *audio.RingBuffer
	playing bool
	cancel  context.CancelFunc
	closed  bool
}

// NewPacedPlayer creates a player.
func NewPacedPlayer(synthesize SynthesizeFunc, sink AudioSink, frameBytes int, frameInterval time.Duration, bufferSize int, logger zerolog.Logger) *PacedPlayer {
	if frameBytes <= 0 {
		frameBytes = 960
	}
	if frameInterval <= 0 {
		frameInterval = 20 * time.Millisecond
	}
	if bufferSize < frameBytes*2 {
		bufferSize = frameBytes * 64
	}
	return &PacedPlayer{
		synthesize:    synthesize,
		sink:          sink,
		frameBytes:    frameBytes,
		frameInterval: frameInterval,
		bufferSize:    bufferSize,
		logger:        logger,
	}
}

// Play fetches audio for text and paces it into the sink. It returns
// nil on complete playback, ctx.Err() when cancelled, and an error on
// fetch or sink failure. Audio buffers are released on every exit path.
func (p *PacedPlayer) Play(ctx context.Context, text string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("player is closed")
	}
	if p.playing {
		p.mu.Unlock()
		return fmt.Errorf("player is already playing")
	}
	playCtx, cancel := context.WithCancel(ctx)
	p.playing = true
	p.cancel = cancel
	p.mu.Unlock()

	defer p.release(cancel)

	data, err := p.synthesize(playCtx, text)
	if err != nil {
		if playCtx.Err() != nil {
			return playCtx.Err()
		}
		return fmt.Errorf("synthesis fetch failed: %w", err)
	}

	buf := audio.NewRingBuffer(p.bufferSize)
	p.mu.Lock()
	p.buffer = buf
	p.mu.Unlock()

	ticker := time.NewTicker(p.frameInterval)
	defer ticker.Stop()

	frame := make([]byte, p.frameBytes)
	offset := 0
	for {
		// Keep the ring topped up from the fetched audio.
		for offset < len(data) {
			n := buf.Write(data[offset:])
			if n == 0 {
				break
			}
			offset += n
		}
		if offset >= len(data) && buf.IsEmpty() {
			return nil
		}

		select {
		case <-playCtx.Done():
			return playCtx.Err()
		case <-ticker.C:
			n := buf.Read(frame)
			if n == 0 {
				continue
			}
			if err := p.sink.WriteAudio(frame[:n]); err != nil {
				return fmt.Errorf("playback sink failed: %w", err)
			}
		}
	}
}

// Stop cancels any in-flight fetch or playback. Idempotent.
func (p *PacedPlayer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops playback and marks the player unusable. Idempotent.
func (p *PacedPlayer) Close() error {
	p.Stop()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// release clears playback state and drops the audio buffer.
func (p *PacedPlayer) release(cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	if p.buffer != nil {
		p.buffer.Clear()
		p.buffer = nil
	}
	p.playing = false
	p.cancel = nil
	p.mu.Unlock()
}
