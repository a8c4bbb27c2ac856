// Package backend holds the HTTP clients for the assistant's chat and
// speech-synthesis endpoints. Both requests are cancellable through
// their context; deliberate cancellation surfaces as context.Canceled
// and is distinguished from genuine failures by callers.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/supportstack/voice-session/internal/config"
	"github.com/supportstack/voice-session/internal/observability"
	"github.com/supportstack/voice-session/internal/resilience"
)

// ChatRequest is the chat endpoint request body.
type ChatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

// Source is a knowledge-base reference attached to an answer.
type Source struct {
	Title   string  `json:"title,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// ChatResponse is the chat endpoint response body.
type ChatResponse struct {
	Answer  string   `json:"answer"`
	Sources []Source `json:"sources,omitempty"`
}

// SynthesisRequest is the speech-synthesis endpoint request body.
type SynthesisRequest struct {
	Text string `json:"text"`
}

// Client talks to the assistant backend.
type Client struct {
	cfg        *config.Config
	httpClient *http.Client
	logger     zerolog.Logger

	chatBreaker  *resilience.CircuitBreaker
	synthBreaker *resilience.CircuitBreaker
	retryConfig  *resilience.RetryConfig
}

// NewClient creates a backend client from configuration.
func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	resetTimeout := time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		logger:     logger,
		chatBreaker: resilience.NewCircuitBreaker(
			"chat", cfg.CircuitBreakerMaxFailures, resetTimeout),
		synthBreaker: resilience.NewCircuitBreaker(
			"synthesis", cfg.CircuitBreakerMaxFailures, resetTimeout),
		retryConfig: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// Chat sends a finalized user utterance and returns the assistant
// answer. Cancelling ctx aborts the request.
func (c *Client) Chat(ctx context.Context, conversationID, message string) (*ChatResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.ChatTimeoutSec)*time.Second)
	defer cancel()

	body, err := json.Marshal(ChatRequest{Message: message, ConversationID: conversationID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	start := time.Now()
	var resp ChatResponse
	err = c.chatBreaker.Call(func() error {
		return resilience.Retry(reqCtx, func() error {
			return c.postJSON(reqCtx, c.cfg.ChatEndpointURL, body, &resp)
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})
	observability.UpdateCircuitBreakerState("chat", int(c.chatBreaker.GetState()))
	if err != nil {
		if !IsCancelled(err) {
			observability.IncrementCircuitBreakerFailures("chat")
			c.logger.Error().Err(err).Msg("Chat backend request failed")
		}
		return nil, err
	}

	c.logger.Debug().
		Dur("latency", time.Since(start)).
		Int("answer_chars", len(resp.Answer)).
		Int("sources", len(resp.Sources)).
		Msg("Chat backend answered")
	return &resp, nil
}

// Synthesize fetches raw audio bytes for the given text. Cancelling ctx
// aborts the fetch.
func (c *Client) Synthesize(ctx context.Context, text string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.SynthesisTimeoutSec)*time.Second)
	defer cancel()

	body, err := json.Marshal(SynthesisRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	start := time.Now()
	var audio []byte
	err = c.synthBreaker.Call(func() error {
		return resilience.Retry(reqCtx, func() error {
			data, err := c.postRaw(reqCtx, c.cfg.SynthesisEndpointURL, body)
			if err != nil {
				return err
			}
			audio = data
			return nil
		}, c.retryConfig, resilience.IsRetryableNetworkError)
	})
	observability.UpdateCircuitBreakerState("synthesis", int(c.synthBreaker.GetState()))
	if err != nil {
		if !IsCancelled(err) {
			observability.IncrementCircuitBreakerFailures("synthesis")
			c.logger.Error().Err(err).Msg("Synthesis backend request failed")
		}
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("synthesis endpoint returned empty audio")
	}

	c.logger.Debug().
		Dur("latency", time.Since(start)).
		Int("bytes", len(audio)).
		Msg("Synthesis backend returned audio")
	return audio, nil
}

// Healthy probes the chat endpoint for readiness reporting.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.cfg.ChatEndpointURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	// Any response at all means the backend is reachable; HEAD may not
	// be implemented by every deployment.
	return resp.StatusCode < http.StatusInternalServerError, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte, out interface{}) error {
	data, err := c.postRaw(ctx, url, body)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}

func (c *Client) postRaw(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the error message.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("backend returned status %d (service unavailable): %s", resp.StatusCode, snippet)
		}
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, snippet)
	}

	return io.ReadAll(resp.Body)
}

// IsCancelled reports whether err stems from deliberate request
// cancellation rather than a genuine failure.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
