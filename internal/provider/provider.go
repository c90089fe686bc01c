package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
	"tutor-backend/pkg/logger"
)

var (
	ErrMissingAPIKey       = errors.New("API key is not configured")
	ErrUnsupportedProvider = errors.New("unsupported model provider")
)

// Generator streams the raw text of a model reply over a content channel and
// an error channel. Both are closed by the producer, which stops as soon as
// ctx is done.
type Generator interface {
	GenerateStream(ctx context.Context, history []model.Turn, message []model.TurnPart) (<-chan string, <-chan error)
}

// New builds the generator selected by model.provider. A backend without an
// API key still builds; each exchange then fails with ErrMissingAPIKey.
func New(ctx context.Context, cfg *config.Config) (Generator, error) {
	prompt := cfg.Model.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSystemPrompt
	}

	name := strings.ToLower(strings.TrimSpace(cfg.Model.Provider))
	switch name {
	case "gemini":
		if cfg.Gemini.APIKey == "" {
			return unconfigured(name), nil
		}
		return NewGeminiGenerator(ctx, cfg.Gemini, prompt)
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return unconfigured(name), nil
		}
		return NewChatModelGenerator(name, newOpenAIChatModel(cfg.OpenAI), prompt), nil
	case "doubao":
		if cfg.Doubao.APIKey == "" {
			return unconfigured(name), nil
		}
		cm, err := newDoubaoModel(ctx, cfg.Doubao)
		if err != nil {
			return nil, err
		}
		return NewChatModelGenerator(name, cm, prompt), nil
	case "qwen":
		if cfg.Qwen.APIKey == "" {
			return unconfigured(name), nil
		}
		cm, err := newQwenModel(ctx, cfg.Qwen)
		if err != nil {
			return nil, err
		}
		return NewChatModelGenerator(name, cm, prompt), nil
	case "mock":
		return NewMockGenerator(0), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Model.Provider)
	}
}

// unconfigured reports a missing key on every exchange, so the failure shows
// up in the conversation instead of at startup.
type unconfigured string

func (u unconfigured) GenerateStream(ctx context.Context, _ []model.Turn, _ []model.TurnPart) (<-chan string, <-chan error) {
	logger.Warnf("No API key configured for %s", string(u))
	return pump(ctx, func(context.Context, func(string) bool) error {
		return fmt.Errorf("%w for %s", ErrMissingAPIKey, string(u))
	})
}

// pump runs produce on its own goroutine and exposes its output as a
// Generator result. emit reports false once ctx is done.
func pump(ctx context.Context, produce func(ctx context.Context, emit func(string) bool) error) (<-chan string, <-chan error) {
	content := make(chan string, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(content)
		defer close(errs)

		emit := func(chunk string) bool {
			select {
			case content <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := produce(ctx, emit); err != nil {
			errs <- err
			return
		}
		if err := ctx.Err(); err != nil {
			errs <- err
		}
	}()

	return content, errs
}
