// Package responder produces knowledge-grounded replies and sends them through the channel.
package responder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/llm"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/model"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/synchronizer"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/utils"
)

// DefaultInstructions is the role instruction used when none is configured.
const DefaultInstructions = "You are the customer service assistant of a business on WhatsApp. " +
	"Answer briefly, politely and in the customer's language. " +
	"Only state facts found in the knowledge base provided with the message; " +
	"when it does not cover the question, say that a human agent will follow up."

const fallbackNotice = "No knowledge base entry matches this message. Do not invent facts. " +
	"Greet the customer, acknowledge the message and offer to connect them with a human agent."

// Retriever finds knowledge entries relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, maxResults int, minSimilarity float64) ([]model.ScoredEntry, error)
}

// Sender delivers a text to a phone number.
type Sender interface {
	Send(ctx context.Context, phone, text string) (model.MessageRecord, error)
}

// Ingester records messages in the conversation history.
type Ingester interface {
	Ingest(ctx context.Context, target model.ConversationTarget, raw []model.ProviderMessage) (*synchronizer.IngestResult, error)
}

// Options tunes retrieval and completion.
type Options struct {
	MaxResults    int
	MinSimilarity float64
	Temperature   float32
	MaxTokens     int
	Timeout       time.Duration
	Instructions  string
}

// Generator answers customer messages with the completer and sends the answer.
type Generator struct {
	retriever Retriever
	completer llm.Completer
	sender    Sender
	ingester  Ingester
	opts      Options
	log       *zap.Logger
}

func New(retriever Retriever, completer llm.Completer, sender Sender, ingester Ingester, opts Options, log *zap.Logger) *Generator {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 3
	}
	if opts.MinSimilarity <= 0 {
		opts.MinSimilarity = 0.7
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if strings.TrimSpace(opts.Instructions) == "" {
		opts.Instructions = DefaultInstructions
	}
	return &Generator{
		retriever: retriever,
		completer: completer,
		sender:    sender,
		ingester:  ingester,
		opts:      opts,
		log:       log.Named("responder"),
	}
}

// Respond answers userMessage in the conversation of target and returns the persisted
// outbound message. Any failure before the send is reported as GenerationFailed and
// nothing is sent.
func (g *Generator) Respond(ctx context.Context, target model.ConversationTarget, userMessage model.Message) (*model.Message, error) {
	log := logger.FromContextOr(ctx, g.log).With(zap.String("message_id", userMessage.ID))

	entries, err := g.retriever.Retrieve(ctx, userMessage.Body, g.opts.MaxResults, g.opts.MinSimilarity)
	if err != nil {
		observer.IncGeneration("failed")
		log.Warn("Knowledge retrieval failed", zap.Error(err))
		return nil, apperrors.NewGenerationFailed("retrieve", err)
	}

	prompt := BuildPrompt(g.opts.Instructions, entries, userMessage.Body)

	cctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	text, err := g.completer.Complete(cctx, prompt, llm.Options{Temperature: g.opts.Temperature, MaxTokens: g.opts.MaxTokens})
	cancel()
	if err != nil {
		observer.IncGeneration("failed")
		log.Warn("Completion failed", zap.Error(err), zap.String("completer", g.completer.Name()))
		return nil, apperrors.NewGenerationFailed("complete", err)
	}

	msg, err := g.Deliver(ctx, target, text)
	if err != nil {
		observer.IncGeneration("failed")
		return nil, err
	}

	outcome := "grounded"
	if len(entries) == 0 {
		outcome = "fallback"
	}
	observer.IncGeneration(outcome)
	log.Info("Reply sent", zap.String("outcome", outcome), zap.Int("entries", len(entries)))
	return msg, nil
}

// Deliver sends text to target and records it as an outbound message. A send failure is
// a GenerationFailed error. A failure to record an already sent message is returned as is;
// the gateway echo of the message fills the gap later.
func (g *Generator) Deliver(ctx context.Context, target model.ConversationTarget, text string) (*model.Message, error) {
	log := logger.FromContextOr(ctx, g.log)

	rec, err := g.sender.Send(ctx, target.Phone, text)
	if err != nil {
		log.Warn("Send failed", zap.Error(err), zap.Bool("channel_unavailable", apperrors.IsChannelUnavailable(err)))
		return nil, apperrors.NewGenerationFailed("send", err)
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = utils.Now()
	}
	raw := rec.ToProviderMessage(text)
	res, err := g.ingester.Ingest(ctx, target, []model.ProviderMessage{raw})
	if err != nil {
		log.Error("Failed to record sent message", zap.Error(err), zap.String("provider_message_id", rec.ProviderMessageID))
		return nil, fmt.Errorf("record sent message: %w", err)
	}

	for i := range res.Added {
		if res.Added[i].DedupKey == raw.DedupKey() {
			return &res.Added[i], nil
		}
	}
	// The gateway echo got there first.
	msg := raw.ToMessage(res.Conversation.ID)
	return &msg, nil
}

// BuildPrompt assembles the completion prompt: the role instruction, the retrieved
// entries tagged with their similarity, and the customer message. With no entries the
// prompt tells the model to answer without inventing facts.
func BuildPrompt(instructions string, entries []model.ScoredEntry, userMessage string) llm.Prompt {
	var b strings.Builder
	if len(entries) == 0 {
		b.WriteString(fallbackNotice)
	} else {
		b.WriteString("Knowledge base:\n")
		for i, e := range entries {
			fmt.Fprintf(&b, "[%d] (similarity %.2f) %s\n%s\n", i+1, e.Similarity, e.Entry.Title, strings.TrimSpace(e.Entry.Content))
		}
	}
	b.WriteString("\nCustomer message:\n")
	b.WriteString(strings.TrimSpace(userMessage))

	return llm.Prompt{System: instructions, User: b.String()}
}
