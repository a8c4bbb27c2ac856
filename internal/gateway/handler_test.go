package gateway

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/supportstack/voice-session/internal/backend"
	"github.com/supportstack/voice-session/internal/config"
)

func testGatewayConfig() *config.Config {
	return &config.Config{
		ChatEndpointURL:            "http://localhost:1/api/chat",
		SynthesisEndpointURL:       "http://localhost:1/api/synthesize",
		ChatTimeoutSec:             1,
		SynthesisTimeoutSec:        1,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        1,
		AudioBufferSize:            4096,
		PlaybackSampleRate:         24000,
		PlaybackFrameMs:            20,
	}
}

func dialTestServer(t *testing.T, cfg *config.Config) *websocket.Conn {
	t.Helper()

	client := backend.NewClient(cfg, zerolog.Nop())
	server := httptest.NewServer(HandleVoiceWS(cfg, client))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial test server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHandleVoiceWS_StartWithoutRecognizerCapability(t *testing.T) {
	// No recognizer API key configured: the capability probe must fail
	// and surface as an error message, not a dropped connection.
	conn := dialTestServer(t, testGatewayConfig())

	if err := conn.WriteJSON(ClientMessage{Event: "start", Mode: "continuous"}); err != nil {
		t.Fatalf("Failed to send start: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if msg.Event != "error" {
		t.Fatalf("Expected error event, got %q", msg.Event)
	}
	if !strings.Contains(msg.Message, "not supported") {
		t.Errorf("Expected capability error, got %q", msg.Message)
	}
}

func TestHandleVoiceWS_ToleratesUnknownAndAudioMessages(t *testing.T) {
	conn := dialTestServer(t, testGatewayConfig())

	// Audio before any session is dropped, not fatal
	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 320)); err != nil {
		t.Fatalf("Failed to send audio frame: %v", err)
	}
	// Unknown events are logged and skipped
	if err := conn.WriteJSON(ClientMessage{Event: "bogus"}); err != nil {
		t.Fatalf("Failed to send unknown event: %v", err)
	}
	// Malformed JSON is skipped too
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("Failed to send malformed message: %v", err)
	}

	// The connection must still answer a start attempt
	if err := conn.WriteJSON(ClientMessage{Event: "start"}); err != nil {
		t.Fatalf("Failed to send start: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Expected connection to survive bad input, read failed: %v", err)
	}
	if msg.Event != "error" {
		t.Errorf("Expected error event from start without capability, got %q", msg.Event)
	}
}

func TestHandleVoiceWS_StopWithoutStart(t *testing.T) {
	conn := dialTestServer(t, testGatewayConfig())

	if err := conn.WriteJSON(ClientMessage{Event: "stop"}); err != nil {
		t.Fatalf("Failed to send stop: %v", err)
	}
	if err := conn.WriteJSON(ClientMessage{Event: "set_mode", Mode: "push_to_talk"}); err != nil {
		t.Fatalf("Failed to send set_mode: %v", err)
	}

	// A clean close after no-op control messages
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		t.Fatalf("Failed to close: %v", err)
	}
}
