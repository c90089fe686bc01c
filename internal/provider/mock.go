package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"tutor-backend/internal/model"
)

// chunkSizes is the cycle of fragment lengths the mock splits its reply into,
// so records regularly straddle chunk boundaries.
var chunkSizes = []int{7, 31, 3, 64, 12, 1, 45}

// MockGenerator produces a canned tutoring reply about the last user message
// without calling any backend.
type MockGenerator struct {
	delay time.Duration
}

func NewMockGenerator(delay time.Duration) *MockGenerator {
	return &MockGenerator{delay: delay}
}

func (g *MockGenerator) GenerateStream(ctx context.Context, history []model.Turn, message []model.TurnPart) (<-chan string, <-chan error) {
	reply := MockReply(questionText(message), len(history))

	return pump(ctx, func(ctx context.Context, emit func(string) bool) error {
		for i, chunk := range splitChunks(reply) {
			if g.delay > 0 && i > 0 {
				select {
				case <-time.After(g.delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if !emit(chunk) {
				return ctx.Err()
			}
		}
		return nil
	})
}

// MockReply renders the canned reply as newline-delimited records.
func MockReply(question string, priorTurns int) string {
	if question == "" {
		question = "your file"
	}
	escaped := html.EscapeString(question)

	records := []model.ContentPart{
		model.Explanation(fmt.Sprintf("Let's break down %q into small steps.", question)),
		model.Visual(`<div style="padding:12px;border:2px solid #4f46e5;border-radius:8px">`+escaped+`</div>`, false),
		model.Explanation(fmt.Sprintf("We have talked about %d earlier points, so we build on them.", priorTurns)),
		model.Visual(`<svg width="120" height="40"><rect width="120" height="40" fill="#e0e7ff"/><text x="10" y="25">step 2</text></svg>`, false),
		model.Visual(`<ul><li>`+escaped+`</li><li>small steps</li><li>one idea each</li></ul>`, true),
	}

	var b strings.Builder
	for _, r := range records {
		line, _ := json.Marshal(r)
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func splitChunks(s string) []string {
	var chunks []string
	for i := 0; len(s) > 0; i++ {
		n := chunkSizes[i%len(chunkSizes)]
		if n > len(s) {
			n = len(s)
		}
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return chunks
}

func questionText(parts []model.TurnPart) string {
	for _, p := range parts {
		if p.InlineBinary != nil || strings.HasPrefix(p.Text, "\n\n--- Start of Uploaded File") {
			continue
		}
		if strings.TrimSpace(p.Text) != "" {
			return strings.TrimSpace(p.Text)
		}
	}
	return ""
}
