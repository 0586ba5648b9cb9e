// Package agent consumes published sentences and asks a chat model to
// respond to each one.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"realtime-stt-service/internal/events"
	"realtime-stt-service/internal/models"
	"realtime-stt-service/internal/observability/logging"
)

// FallbackReply stands in for the model's answer when the call fails.
const FallbackReply = "LLM processing error"

// Responder turns a sentence into a reply.
type Responder interface {
	Respond(ctx context.Context, text string) (string, error)
}

// ChatResponder asks an OpenAI chat model.
type ChatResponder struct {
	client       *openai.Client
	model        string
	systemPrompt string
}

func NewChatResponder(client *openai.Client, model, systemPrompt string) *ChatResponder {
	return &ChatResponder{client: client, model: model, systemPrompt: systemPrompt}
}

func (c *ChatResponder) Respond(ctx context.Context, text string) (string, error) {
	var messages []openai.ChatCompletionMessage
	if c.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: c.systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no chat completion choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Agent subscribes to the sentence channel and replies to each sentence.
type Agent struct {
	sub       events.Subscriber
	responder Responder
	channel   string
	timeout   time.Duration
	log       zerolog.Logger

	// OnReply, when set, observes every handled sentence.
	OnReply func(msg models.SentenceMessage, reply string)
}

func New(sub events.Subscriber, responder Responder, channel string, timeout time.Duration) *Agent {
	return &Agent{
		sub:       sub,
		responder: responder,
		channel:   channel,
		timeout:   timeout,
		log:       logging.WithComponent("agent"),
	}
}

// Run blocks until ctx ends or the subscription fails.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().Str("channel", a.channel).Msg("Agent subscribed")
	err := a.sub.Subscribe(ctx, a.channel, func(payload []byte) {
		a.handle(ctx, payload)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("subscribe %s: %w", a.channel, err)
	}
	return nil
}

func (a *Agent) handle(ctx context.Context, payload []byte) {
	var msg models.SentenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		a.log.Warn().Err(err).Msg("Ignoring undecodable message")
		return
	}
	if msg.Type != models.TypeFullSentence || strings.TrimSpace(msg.Text) == "" {
		return
	}

	logger := a.log.With().Str("sessionId", msg.SessionID).Str("userId", msg.UserID).Logger()
	logger.Info().Str("text", msg.Text).Msg("Sentence received")

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	reply, err := a.responder.Respond(ctx, msg.Text)
	if err != nil {
		logger.Error().Err(err).Msg("LLM call failed")
		reply = FallbackReply
	}
	logger.Info().Str("reply", reply).Msg("LLM replied")

	if a.OnReply != nil {
		a.OnReply(msg, reply)
	}
}
