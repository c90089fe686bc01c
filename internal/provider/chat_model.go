package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
	"tutor-backend/internal/utils"
	"tutor-backend/pkg/logger"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino-ext/components/model/qwen"
	einoModel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModelGenerator adapts any eino chat model to the Generator contract.
type ChatModelGenerator struct {
	name         string
	chatModel    einoModel.BaseChatModel
	systemPrompt string
}

func NewChatModelGenerator(name string, chatModel einoModel.BaseChatModel, systemPrompt string) *ChatModelGenerator {
	return &ChatModelGenerator{
		name:         name,
		chatModel:    chatModel,
		systemPrompt: systemPrompt,
	}
}

func (g *ChatModelGenerator) GenerateStream(ctx context.Context, history []model.Turn, message []model.TurnPart) (<-chan string, <-chan error) {
	input := toSchemaMessages(g.systemPrompt, history, message)

	return pump(ctx, func(ctx context.Context, emit func(string) bool) error {
		reader, err := g.chatModel.Stream(ctx, input)
		if err != nil {
			return fmt.Errorf("%s stream: %w", g.name, err)
		}
		defer reader.Close()

		for {
			msg, err := reader.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("%s stream: %w", g.name, err)
			}
			if msg == nil || msg.Content == "" {
				continue
			}
			if !emit(msg.Content) {
				return ctx.Err()
			}
		}
	})
}

func toSchemaMessages(systemPrompt string, history []model.Turn, message []model.TurnPart) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(history)+2)
	if systemPrompt != "" {
		msgs = append(msgs, schema.SystemMessage(systemPrompt))
	}
	for _, turn := range history {
		role := schema.User
		if turn.Role == model.RoleModel {
			role = schema.Assistant
		}
		msgs = append(msgs, toSchemaMessage(role, turn.Parts))
	}
	return append(msgs, toSchemaMessage(schema.User, message))
}

// toSchemaMessage keeps plain text in Content and switches to MultiContent
// only when the turn carries an image.
func toSchemaMessage(role schema.RoleType, parts []model.TurnPart) *schema.Message {
	hasBinary := false
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.InlineBinary != nil {
			hasBinary = true
			continue
		}
		texts = append(texts, p.Text)
	}

	if !hasBinary {
		return &schema.Message{Role: role, Content: strings.Join(texts, "\n")}
	}

	multi := make([]schema.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		if p.InlineBinary != nil {
			multi = append(multi, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: dataURL(p.InlineBinary)},
			})
			continue
		}
		if p.Text == "" {
			continue
		}
		multi = append(multi, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: p.Text,
		})
	}
	return &schema.Message{Role: role, MultiContent: multi}
}

func dataURL(b *model.InlineBinary) string {
	return "data:" + b.MediaType + ";base64," + base64.StdEncoding.EncodeToString(b.Data)
}

func newDoubaoModel(ctx context.Context, cfg config.DoubaoConfig) (einoModel.BaseChatModel, error) {
	logger.Infof("Using Doubao model: %s", cfg.Model)

	chatModel, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		APIKey: cfg.APIKey,
		Model:  cfg.Model,
		CustomHeader: map[string]string{
			"X-Ark-Thinking-Mode": "disable",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating Doubao model: %w", err)
	}
	return chatModel, nil
}

func newQwenModel(ctx context.Context, cfg config.QwenConfig) (einoModel.BaseChatModel, error) {
	logger.Infof("Using Qwen model: %s, BaseURL: %s", cfg.Model, cfg.BaseURL)

	maxTokens := cfg.MaxTokens
	temperature := cfg.Temperature
	topP := cfg.TopP

	chatModel, err := qwen.NewChatModel(ctx, &qwen.ChatModelConfig{
		BaseURL:     cfg.BaseURL,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
		TopP:        &topP,
		Timeout:     cfg.Timeout,
		HTTPClient:  utils.NewHTTPClient(cfg.Timeout, "qwen", cfg.DebugRequest),
	})
	if err != nil {
		return nil, fmt.Errorf("creating Qwen model: %w", err)
	}

	if cfg.DebugRequest {
		logger.Infof("Qwen request debugging enabled")
	}
	return chatModel, nil
}
