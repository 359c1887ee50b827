package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/config"
	"gitlab.com/timkado/api/daisi-wa-conversation-engine/internal/observer"
)

// Prompt is a single-turn request: a system instruction and the user turn.
type Prompt struct {
	System string
	User   string
}

// Options tunes one completion.
type Options struct {
	Temperature float32
	MaxTokens   int
}

// Completer produces a text completion for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt, opts Options) (string, error)
	Name() string
}

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// OpenAICompleter uses the Chat Completions API of OpenAI or a compatible server.
type OpenAICompleter struct {
	client *openai.Client
	model  string
}

func NewOpenAICompleter(apiKey, baseURL, model string) *OpenAICompleter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *OpenAICompleter) Name() string { return "openai" }

func (c *OpenAICompleter) Complete(ctx context.Context, prompt Prompt, opts Options) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if prompt.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt.User})

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// GeminiCompleter uses the Gemini API through the genai SDK.
type GeminiCompleter struct {
	client *genai.Client
	model  string
}

func NewGeminiCompleter(ctx context.Context, apiKey, baseURL, model string) (*GeminiCompleter, error) {
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiCompleter{client: client, model: model}, nil
}

func (c *GeminiCompleter) Name() string { return "gemini" }

func (c *GeminiCompleter) Complete(ctx context.Context, prompt Prompt, opts Options) (string, error) {
	temperature := opts.Temperature
	gc := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(opts.MaxTokens),
	}
	if prompt.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt.User), gc)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// instrumented records completion latency and outcome per provider.
type instrumented struct {
	Completer
}

func (c instrumented) Complete(ctx context.Context, prompt Prompt, opts Options) (string, error) {
	start := time.Now()
	text, err := c.Completer.Complete(ctx, prompt, opts)
	observer.ObserveCompletionDuration(c.Name(), time.Since(start), err)
	return text, err
}

// New builds the completer selected by cfg.Provider.
func New(ctx context.Context, cfg config.CompleterConfig) (Completer, error) {
	switch cfg.Provider {
	case "openai", "":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("completer: openai requires an API key or a compatible base URL")
		}
		return instrumented{NewOpenAICompleter(cfg.APIKey, cfg.BaseURL, cfg.Model)}, nil
	case "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("completer: gemini requires an API key")
		}
		c, err := NewGeminiCompleter(ctx, cfg.APIKey, cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		return instrumented{c}, nil
	default:
		return nil, fmt.Errorf("unsupported completer provider: %s", cfg.Provider)
	}
}
