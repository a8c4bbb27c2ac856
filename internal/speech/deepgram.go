package speech

import (
	"context"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/supportstack/voice-session/internal/config"
)

// deepgramCallback implements the Deepgram LiveMessageCallback
// interface, embedding the default handler and overriding only what the
// recognizer needs.
type deepgramCallback struct {
	*websocketv1api.DefaultCallbackHandler
	onMessage func(*msginterfaces.MessageResponse)
	onUttEnd  func()
	onError   func(*msginterfaces.ErrorResponse) error
	onClose   func()
}

func (c *deepgramCallback) Message(msg *msginterfaces.MessageResponse) error {
	c.onMessage(msg)
	return nil
}

func (c *deepgramCallback) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	if c.onUttEnd != nil {
		c.onUttEnd()
	}
	return nil
}

func (c *deepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	if c.onError != nil {
		return c.onError(er)
	}
	return c.DefaultCallbackHandler.Error(er)
}

func (c *deepgramCallback) Close(cr *msginterfaces.CloseResponse) error {
	if c.onClose != nil {
		c.onClose()
	}
	return nil
}

// DeepgramRecognizer adapts Deepgram's streaming API to the Recognizer
// contract. Microphone audio is pushed in through FeedAudio.
type DeepgramRecognizer struct {
	cfg    *config.Config
	logger zerolog.Logger

	mu       sync.Mutex
	handlers RecognizerHandlers
	client   *listenClient.WSCallback
	active   bool
	detached bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewDeepgramRecognizer creates a recognizer wired to the given
// handlers. It fails with ErrNotSupported when the API key is missing.
func NewDeepgramRecognizer(cfg *config.Config, handlers RecognizerHandlers, logger zerolog.Logger) (*DeepgramRecognizer, error) {
	if cfg.DeepgramAPIKey == "" {
		return nil, ErrNotSupported
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramRecognizer{
		cfg:      cfg,
		logger:   logger,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start opens the streaming connection in continuous, interim-results
// mode.
func (d *DeepgramRecognizer) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		return fmt.Errorf("recognizer is already started")
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.cfg.DeepgramModel,
		Language:       d.cfg.DeepgramLanguage,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     16000,
	}

	callback := &deepgramCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		onMessage:              d.handleMessage,
		onUttEnd:               func() { d.dispatchEnd() },
		onClose:                func() { d.dispatchEnd() },
		onError: func(er *msginterfaces.ErrorResponse) error {
			d.handleError(er)
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(
		d.ctx,
		d.cfg.DeepgramAPIKey,
		nil,
		tOptions,
		callback,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotSupported, err)
	}

	d.client = client
	d.active = true
	d.detached = false

	d.logger.Debug().
		Str("model", d.cfg.DeepgramModel).
		Str("language", d.cfg.DeepgramLanguage).
		Msg("Recognizer started")
	return nil
}

func (d *DeepgramRecognizer) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}
	switch msg.Type {
	case "Results", "Message":
		if len(msg.Channel.Alternatives) == 0 {
			return
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			return
		}
		d.dispatchResult(text, msg.IsFinal)
	case "SpeechStarted", "Metadata":
		// nothing to forward
	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Unhandled recognizer message")
	}
}

func (d *DeepgramRecognizer) handleError(er *msginterfaces.ErrorResponse) {
	err := fmt.Errorf("recognition error: %s", er.ErrMsg)
	if IsTransient(err) {
		d.logger.Debug().Err(err).Msg("Transient recognition error ignored")
		return
	}
	d.dispatchError(err)
}

func (d *DeepgramRecognizer) dispatchResult(text string, final bool) {
	d.mu.Lock()
	h := d.handlers.OnResult
	detached := d.detached
	d.mu.Unlock()
	if detached || h == nil {
		return
	}
	h(text, final)
}

func (d *DeepgramRecognizer) dispatchError(err error) {
	d.mu.Lock()
	h := d.handlers.OnError
	detached := d.detached
	d.mu.Unlock()
	if detached || h == nil {
		return
	}
	h(err)
}

func (d *DeepgramRecognizer) dispatchEnd() {
	d.mu.Lock()
	h := d.handlers.OnEnd
	detached := d.detached
	d.mu.Unlock()
	if detached || h == nil {
		return
	}
	h()
}

// FeedAudio pushes little-endian 16-bit PCM microphone audio into the
// recognizer.
func (d *DeepgramRecognizer) FeedAudio(pcm []byte) error {
	d.mu.Lock()
	active := d.active
	client := d.client
	d.mu.Unlock()

	if !active || client == nil {
		return fmt.Errorf("recognizer is not active")
	}
	if _, err := client.Write(pcm); err != nil {
		return fmt.Errorf("failed to send audio to recognizer: %w", err)
	}
	return nil
}

// Stop halts capture and detaches the callbacks so no handler runs
// after Stop returns. Idempotent.
func (d *DeepgramRecognizer) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.detached = true
	if !d.active {
		return nil
	}
	d.client.Finish()
	d.active = false

	d.logger.Debug().Msg("Recognizer stopped")
	return nil
}

// Close releases the connection. Idempotent.
func (d *DeepgramRecognizer) Close() error {
	d.cancel()
	if err := d.Stop(); err != nil {
		return err
	}
	// Give the SDK a moment to flush its close handshake.
	time.Sleep(50 * time.Millisecond)
	return nil
}
