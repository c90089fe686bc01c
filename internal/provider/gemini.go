package provider

import (
	"context"
	"fmt"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
	"tutor-backend/pkg/logger"

	"google.golang.org/genai"
)

// GeminiGenerator streams from the Gemini API.
type GeminiGenerator struct {
	client    *genai.Client
	modelName string
	config    *genai.GenerateContentConfig
}

func NewGeminiGenerator(ctx context.Context, cfg config.GeminiConfig, systemPrompt string) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Gemini client: %w", err)
	}

	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		MaxOutputTokens:   cfg.MaxOutputTokens,
	}
	if cfg.Temperature > 0 {
		temp := cfg.Temperature
		genCfg.Temperature = &temp
	}

	logger.Infof("Using Gemini model: %s", cfg.Model)
	return &GeminiGenerator{
		client:    client,
		modelName: cfg.Model,
		config:    genCfg,
	}, nil
}

func (g *GeminiGenerator) GenerateStream(ctx context.Context, history []model.Turn, message []model.TurnPart) (<-chan string, <-chan error) {
	contents := toGeminiContents(history, message)

	return pump(ctx, func(ctx context.Context, emit func(string) bool) error {
		for resp, err := range g.client.Models.GenerateContentStream(ctx, g.modelName, contents, g.config) {
			if err != nil {
				return fmt.Errorf("gemini stream: %w", err)
			}
			text := resp.Text()
			if text == "" {
				continue
			}
			if !emit(text) {
				return ctx.Err()
			}
		}
		return nil
	})
}

func toGeminiContents(history []model.Turn, message []model.TurnPart) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history)+1)
	for _, turn := range history {
		var role genai.Role = genai.RoleUser
		if turn.Role == model.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromParts(toGeminiParts(turn.Parts), role))
	}
	return append(contents, genai.NewContentFromParts(toGeminiParts(message), genai.RoleUser))
}

func toGeminiParts(parts []model.TurnPart) []*genai.Part {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if p.InlineBinary != nil {
			out = append(out, genai.NewPartFromBytes(p.InlineBinary.Data, p.InlineBinary.MediaType))
			continue
		}
		out = append(out, genai.NewPartFromText(p.Text))
	}
	return out
}
