package service

import (
	"strings"

	"tutor-backend/internal/model"
)

// BuildHistory converts stored messages into the conversation sent ahead of
// a new prompt. User turns carry their text and model turns the joined text
// of their explanation parts. Simple model messages, such as the greeting or
// cancellation and error notices, are left out, as is any turn without text.
func BuildHistory(messages []model.Message) []model.Turn {
	turns := make([]model.Turn, 0, len(messages))

	for _, msg := range messages {
		var text string
		switch msg.Role {
		case model.RoleUser:
			text = msg.Content
		case model.RoleModel:
			if !msg.IsStructured() {
				continue
			}
			text = explanationText(msg.Parts)
		}

		if strings.TrimSpace(text) == "" {
			continue
		}
		turns = append(turns, model.Turn{
			Role:  msg.Role,
			Parts: []model.TurnPart{model.TextPart(text)},
		})
	}

	return turns
}

func explanationText(parts []model.ContentPart) string {
	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p.Type == model.PartExplanation {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}
