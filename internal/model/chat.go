package model

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

type PartType string

const (
	PartExplanation PartType = "explanation"
	PartVisual      PartType = "visual"
)

// ContentPart is one streamed record of a structured model reply. Its JSON
// form is the wire record itself.
type ContentPart struct {
	Type      PartType `json:"type"`
	Text      string   `json:"text,omitempty"`
	HTML      string   `json:"html,omitempty"`
	IsSummary bool     `json:"isSummary,omitempty"`
}

func Explanation(text string) ContentPart {
	return ContentPart{Type: PartExplanation, Text: text}
}

func Visual(html string, isSummary bool) ContentPart {
	return ContentPart{Type: PartVisual, HTML: html, IsSummary: isSummary}
}

type FileMeta struct {
	Name      string `json:"name"`
	MediaType string `json:"media_type"`
}

// Message is either simple (Content) or structured (Parts != nil). Pending
// marks a structured reply that is still streaming.
type Message struct {
	ID        string        `json:"id"`
	Role      Role          `json:"role"`
	Content   string        `json:"content,omitempty"`
	Parts     []ContentPart `json:"parts"`
	IsError   bool          `json:"is_error,omitempty"`
	Pending   bool          `json:"pending,omitempty"`
	File      *FileMeta     `json:"file,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

func (m *Message) IsStructured() bool {
	return m.Parts != nil
}

// Clone returns a copy that shares no slices or pointers with m.
func (m Message) Clone() Message {
	if m.Parts != nil {
		parts := make([]ContentPart, len(m.Parts))
		copy(parts, m.Parts)
		m.Parts = parts
	}
	if m.File != nil {
		f := *m.File
		m.File = &f
	}
	return m
}

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Session) Clone() Session {
	msgs := make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		msgs[i] = m.Clone()
	}
	s.Messages = msgs
	return s
}

// Attachment is a file submitted with a user message. Only its FileMeta is
// kept in the session.
type Attachment struct {
	Name      string
	MediaType string
	Data      []byte
}

func (a *Attachment) Meta() *FileMeta {
	if a == nil {
		return nil
	}
	return &FileMeta{Name: a.Name, MediaType: a.MediaType}
}
