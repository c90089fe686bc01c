package model

// Turn is one entry of the provider-neutral conversation sent to a
// generation backend.
type Turn struct {
	Role  Role       `json:"role"`
	Parts []TurnPart `json:"parts"`
}

// TurnPart carries either text or inline binary data.
type TurnPart struct {
	Text         string        `json:"text,omitempty"`
	InlineBinary *InlineBinary `json:"inlineBinary,omitempty"`
}

// InlineBinary data is base64 encoded when marshalled.
type InlineBinary struct {
	MediaType string `json:"mediaType"`
	Data      []byte `json:"data"`
}

func TextPart(text string) TurnPart {
	return TurnPart{Text: text}
}

func BinaryPart(mediaType string, data []byte) TurnPart {
	return TurnPart{InlineBinary: &InlineBinary{MediaType: mediaType, Data: data}}
}
