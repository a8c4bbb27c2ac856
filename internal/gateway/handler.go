// Package gateway exposes the voice session over a WebSocket to the
// UI host: control messages and microphone audio in, state changes,
// transcript updates and playback audio out.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/supportstack/voice-session/internal/audio"
	"github.com/supportstack/voice-session/internal/backend"
	"github.com/supportstack/voice-session/internal/config"
	"github.com/supportstack/voice-session/internal/observability"
	"github.com/supportstack/voice-session/internal/session"
	"github.com/supportstack/voice-session/internal/speech"
	"github.com/supportstack/voice-session/internal/transcript"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The gateway sits behind the app's own origin; tighten this
		// when serving cross-origin clients.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ClientMessage is a control or audio message from the UI host.
type ClientMessage struct {
	Event   string `json:"event"`
	Mode    string `json:"mode,omitempty"`
	Payload string `json:"payload,omitempty"` // Base64 encoded PCM16 audio
}

// ServerMessage is a message to the UI host.
type ServerMessage struct {
	Event   string            `json:"event"`
	State   string            `json:"state,omitempty"`
	Mode    string            `json:"mode,omitempty"`
	Entry   *transcript.Entry `json:"entry,omitempty"`
	Message string            `json:"message,omitempty"`
	Payload string            `json:"payload,omitempty"` // Base64 encoded PCM16 audio
}

// ClientSession holds the state of a single UI connection. Each
// connection owns exactly one session controller; a new "start" after a
// "stop" gets a fresh controller.
type ClientSession struct {
	conn *websocket.Conn

	mu         sync.RWMutex
	isActive   bool
	controller *session.Controller

	levels *audio.LevelMeter
	client *backend.Client

	config *config.Config
	logger zerolog.Logger

	writeMu sync.Mutex

	done chan struct{}
}

// NewClientSession creates a session wrapper for one UI connection.
func NewClientSession(conn *websocket.Conn, cfg *config.Config, client *backend.Client) *ClientSession {
	sessionID := observability.NewSessionID()
	logger := observability.WithSession(sessionID)

	return &ClientSession{
		conn:     conn,
		levels:   audio.NewLevelMeter(),
		client:   client,
		config:   cfg,
		logger:   logger,
		done:     make(chan struct{}),
		isActive: true,
	}
}

// HandleVoiceWS is the entry point for UI host WebSocket connections.
func HandleVoiceWS(cfg *config.Config, client *backend.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger := observability.GetLogger()
			logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()

		s := NewClientSession(conn, cfg, client)
		s.logger.Info().Msg("New voice WebSocket connection established")

		s.processIncomingMessages()

		<-s.done
		s.logger.Info().Msg("Voice WebSocket connection closed")
	}
}

// processIncomingMessages handles all incoming WebSocket messages from
// the UI host. Binary frames are microphone audio; text frames are
// JSON control messages.
func (s *ClientSession) processIncomingMessages() {
	defer func() {
		s.stopController()
		s.mu.Lock()
		s.isActive = false
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			s.handleAudio(message)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client message")
			continue
		}

		switch msg.Event {
		case "start":
			s.handleStart(msg.Mode)

		case "stop":
			s.stopController()

		case "set_mode":
			s.mu.RLock()
			ctrl := s.controller
			s.mu.RUnlock()
			if ctrl != nil {
				ctrl.SetMode(session.ParseMode(msg.Mode))
			}

		case "audio":
			pcm, err := base64.StdEncoding.DecodeString(msg.Payload)
			if err != nil {
				s.logger.Error().Err(err).Msg("Failed to decode base64 audio")
				continue
			}
			s.handleAudio(pcm)

		default:
			s.logger.Warn().Str("event", msg.Event).Msg("Unknown client event")
		}
	}
}

func (s *ClientSession) handleStart(mode string) {
	s.mu.Lock()
	if s.controller != nil {
		s.mu.Unlock()
		s.sendError(fmt.Errorf("session already started"))
		return
	}

	ctrl := session.New(session.Options{
		Config: s.config,
		Chat:   s.client,
		NewRecognizer: func(handlers speech.RecognizerHandlers) (speech.Recognizer, error) {
			return speech.NewDeepgramRecognizer(s.config, handlers, s.logger)
		},
		NewPlayer: func(sink speech.AudioSink) speech.Player {
			return speech.NewPacedPlayer(
				s.client.Synthesize,
				sink,
				s.config.PlaybackFrameBytes(),
				s.config.PlaybackFrameInterval(),
				s.config.AudioBufferSize,
				s.logger,
			)
		},
		Sink:   s,
		Levels: s.levels,
		Handlers: session.Handlers{
			OnState:      s.sendState,
			OnTranscript: s.sendTranscript,
			OnError:      s.sendError,
		},
		Logger: s.logger,
	})
	s.controller = ctrl
	s.mu.Unlock()

	if err := ctrl.Start(session.ParseMode(mode)); err != nil {
		s.mu.Lock()
		s.controller = nil
		s.mu.Unlock()
		s.logger.Error().Err(err).Msg("Failed to start voice session")
		s.sendError(err)
		return
	}
}

func (s *ClientSession) stopController() {
	s.mu.Lock()
	ctrl := s.controller
	s.controller = nil
	s.mu.Unlock()
	if ctrl != nil {
		ctrl.Stop()
	}
}

// handleAudio feeds one microphone chunk to the level meter and the
// active recognizer.
func (s *ClientSession) handleAudio(pcm []byte) {
	s.levels.PushFrame(pcm)

	s.mu.RLock()
	ctrl := s.controller
	s.mu.RUnlock()
	if ctrl != nil {
		ctrl.FeedAudio(pcm)
	}
}

// WriteAudio sends one playback frame to the UI host. It implements
// the player's audio sink.
func (s *ClientSession) WriteAudio(pcm []byte) error {
	s.mu.RLock()
	active := s.isActive
	s.mu.RUnlock()
	if !active {
		return fmt.Errorf("connection is not active")
	}

	return s.send(ServerMessage{
		Event:   "audio",
		Payload: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *ClientSession) sendState(state session.State, mode session.Mode) {
	_ = s.send(ServerMessage{
		Event: "state",
		State: state.String(),
		Mode:  mode.String(),
	})
}

func (s *ClientSession) sendTranscript(entry transcript.Entry) {
	_ = s.send(ServerMessage{
		Event: "transcript",
		Entry: &entry,
	})
}

func (s *ClientSession) sendError(err error) {
	_ = s.send(ServerMessage{
		Event:   "error",
		Message: err.Error(),
	})
}

func (s *ClientSession) send(msg ServerMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("event", msg.Event).Msg("Failed to write message")
		return err
	}
	return nil
}
