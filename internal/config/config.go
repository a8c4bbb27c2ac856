package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice session service.
//
// The echo and VAD thresholds are empirically tuned values; they are
// exposed here as named settings rather than hard-coded so deployments
// can adjust them without a rebuild.
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Deepgram STT API configuration (platform recognizer capability)
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"`
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`

	// Assistant backend endpoints. The chat endpoint answers a finalized
	// user utterance; the synthesis endpoint turns answer text into raw
	// audio bytes. Both must support request cancellation.
	ChatEndpointURL      string `envconfig:"CHAT_ENDPOINT_URL" default:"http://localhost:8000/api/chat"`
	SynthesisEndpointURL string `envconfig:"SYNTHESIS_ENDPOINT_URL" default:"http://localhost:8000/api/synthesize"`
	ChatTimeoutSec       int    `envconfig:"CHAT_TIMEOUT_SEC" default:"20"`
	SynthesisTimeoutSec  int    `envconfig:"SYNTHESIS_TIMEOUT_SEC" default:"15"`

	// Echo classification thresholds. A candidate transcript whose word
	// overlap with a recent assistant utterance reaches the discard ratio
	// is dropped as pure echo; between the strip and discard ratios the
	// matching prefix is stripped and the remainder kept.
	EchoDiscardRatio         float64 `envconfig:"ECHO_DISCARD_RATIO" default:"0.85"`
	EchoStripRatio           float64 `envconfig:"ECHO_STRIP_RATIO" default:"0.35"`
	EchoAnchorChars          int     `envconfig:"ECHO_ANCHOR_CHARS" default:"48"`
	EchoShortCandidateWords  int     `envconfig:"ECHO_SHORT_CANDIDATE_WORDS" default:"8"`
	UtteranceHistorySize     int     `envconfig:"UTTERANCE_HISTORY_SIZE" default:"3"`
	UtteranceHistoryGraceSec int     `envconfig:"UTTERANCE_HISTORY_GRACE_SEC" default:"12"`
	PostPlaybackFilterSec    int     `envconfig:"POST_PLAYBACK_FILTER_SEC" default:"6"`
	IgnoreWindowMs           int     `envconfig:"IGNORE_WINDOW_MS" default:"900"`

	// Activity monitor (barge-in) configuration. The monitor samples the
	// microphone level at the poll interval and fires after the required
	// number of consecutive over-threshold samples.
	VADPollIntervalMs    int     `envconfig:"VAD_POLL_INTERVAL_MS" default:"80"`
	VADLevelThreshold    float64 `envconfig:"VAD_LEVEL_THRESHOLD" default:"0.06"`
	VADConsecutiveFrames int     `envconfig:"VAD_CONSECUTIVE_FRAMES" default:"3"`

	// Recognition restart delay after playback ends, to avoid capturing
	// the playback tail.
	RestartDelayMs int `envconfig:"RESTART_DELAY_MS" default:"180"`

	// Session behaviour
	AutoGreet          bool   `envconfig:"AUTO_GREET" default:"true"`
	GreetingText       string `envconfig:"GREETING_TEXT" default:"Hello! I'm your customer support assistant. How can I help you today?"`
	IdlePromptText     string `envconfig:"IDLE_PROMPT_TEXT" default:"Are you still there? Let me know if you need any help."`
	IdleGoodbyeText    string `envconfig:"IDLE_GOODBYE_TEXT" default:"It seems you've stepped away. Goodbye!"`
	NoSpeechTimeoutSec int    `envconfig:"NO_SPEECH_TIMEOUT_SEC" default:"30"`

	// Playback pacing
	PlaybackSampleRate int `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000"`
	PlaybackFrameMs    int `envconfig:"PLAYBACK_FRAME_MS" default:"20"`
	AudioBufferSize    int `envconfig:"AUDIO_BUFFER_SIZE" default:"65536"`

	// Resilience configuration for backend calls
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"`
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load reads configuration from the environment, loading a .env file
// first if one exists.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv reads configuration directly from environment variables
// without consulting a .env file.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.EchoStripRatio >= cfg.EchoDiscardRatio {
		return nil, fmt.Errorf("ECHO_STRIP_RATIO (%.2f) must be below ECHO_DISCARD_RATIO (%.2f)",
			cfg.EchoStripRatio, cfg.EchoDiscardRatio)
	}
	if cfg.VADConsecutiveFrames < 1 {
		return nil, fmt.Errorf("VAD_CONSECUTIVE_FRAMES must be at least 1")
	}

	return &cfg, nil
}

// IgnoreWindow returns the post-playback ignore window as a duration.
func (c *Config) IgnoreWindow() time.Duration {
	return time.Duration(c.IgnoreWindowMs) * time.Millisecond
}

// RestartDelay returns the recognition restart delay as a duration.
func (c *Config) RestartDelay() time.Duration {
	return time.Duration(c.RestartDelayMs) * time.Millisecond
}

// VADPollInterval returns the activity monitor poll interval as a duration.
func (c *Config) VADPollInterval() time.Duration {
	return time.Duration(c.VADPollIntervalMs) * time.Millisecond
}

// UtteranceHistoryGrace returns the utterance history grace period.
func (c *Config) UtteranceHistoryGrace() time.Duration {
	return time.Duration(c.UtteranceHistoryGraceSec) * time.Second
}

// PostPlaybackFilter returns the post-playback simple filter window.
func (c *Config) PostPlaybackFilter() time.Duration {
	return time.Duration(c.PostPlaybackFilterSec) * time.Second
}

// NoSpeechTimeout returns the no-speech idle timeout.
func (c *Config) NoSpeechTimeout() time.Duration {
	return time.Duration(c.NoSpeechTimeoutSec) * time.Second
}

// PlaybackFrameInterval returns the pacing interval for one playback frame.
func (c *Config) PlaybackFrameInterval() time.Duration {
	return time.Duration(c.PlaybackFrameMs) * time.Millisecond
}

// PlaybackFrameBytes returns the size in bytes of one paced playback
// frame (16-bit mono PCM).
func (c *Config) PlaybackFrameBytes() int {
	return c.PlaybackSampleRate * c.PlaybackFrameMs / 1000 * 2
}
