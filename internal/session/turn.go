package session

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/supportstack/voice-session/internal/backend"
	"github.com/supportstack/voice-session/internal/observability"
)

// ChatBackend answers a finalized user utterance. Implementations must
// honor ctx cancellation.
type ChatBackend interface {
	Chat(ctx context.Context, conversationID, message string) (*backend.ChatResponse, error)
}

// turnProcessor runs one conversation turn: a single cancellable chat
// call keyed by the session's conversation id. The controller enforces
// the single-flight rule; the processor itself is stateless between
// invocations.
type turnProcessor struct {
	chat    ChatBackend
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// run performs the chat call and posts the outcome back to the event
// loop. A superseded or cancelled turn still posts its event; the loop
// drops results whose sequence number is stale, so a late completion
// can never mutate transcript state.
func (t *turnProcessor) run(ctx context.Context, post func(event), seq uint64, conversationID, text string) {
	start := time.Now()
	resp, err := t.chat.Chat(ctx, conversationID, text)
	if err != nil {
		if backend.IsCancelled(err) {
			t.logger.Debug().Uint64("turn", seq).Msg("Turn cancelled")
		} else {
			t.logger.Warn().Err(err).Uint64("turn", seq).Msg("Turn failed")
			t.metrics.RecordError("chat_error", "turn")
		}
		post(turnDoneEvent{seq: seq, err: err})
		return
	}

	t.metrics.RecordChatLatency(time.Since(start))
	t.logger.Info().
		Uint64("turn", seq).
		Int("answer_chars", len(resp.Answer)).
		Msg("Turn answered")
	post(turnDoneEvent{seq: seq, answer: resp.Answer, sources: resp.Sources})
}
