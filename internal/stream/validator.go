package stream

import (
	"encoding/json"
	"fmt"

	"tutor-backend/internal/model"
)

// Validate checks a generic decoded JSON value against the two record
// shapes the backend may send.
func Validate(v any) (model.ContentPart, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return model.ContentPart{}, fmt.Errorf("%w: not an object", ErrInvalidRecord)
	}

	typ, ok := obj["type"].(string)
	if !ok || typ == "" {
		return model.ContentPart{}, fmt.Errorf("%w: missing type", ErrInvalidRecord)
	}

	switch model.PartType(typ) {
	case model.PartExplanation:
		text, ok := obj["text"].(string)
		if !ok {
			return model.ContentPart{}, fmt.Errorf("%w: explanation without string text", ErrInvalidRecord)
		}
		return model.Explanation(text), nil

	case model.PartVisual:
		html, ok := obj["html"].(string)
		if !ok {
			return model.ContentPart{}, fmt.Errorf("%w: visual without string html", ErrInvalidRecord)
		}
		summary, _ := obj["isSummary"].(bool)
		return model.Visual(html, summary), nil

	default:
		return model.ContentPart{}, fmt.Errorf("%w: unknown type %q", ErrInvalidRecord, typ)
	}
}

// DecodeLine parses one trimmed line into a content part.
func DecodeLine(line string) (model.ContentPart, error) {
	var v any
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return model.ContentPart{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	return Validate(v)
}
