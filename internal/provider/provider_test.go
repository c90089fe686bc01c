package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/genai"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
	"tutor-backend/internal/stream"
	"tutor-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

// collect drains a generator result.
func collect(content <-chan string, errs <-chan error) (string, error) {
	var b strings.Builder
	var firstErr error
	for content != nil || errs != nil {
		select {
		case c, ok := <-content:
			if !ok {
				content = nil
				continue
			}
			b.WriteString(c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return b.String(), firstErr
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	t.Run("missing key fails per exchange", func(t *testing.T) {
		for _, name := range []string{"gemini", "openai", "doubao", "qwen"} {
			gen, err := New(ctx, &config.Config{Model: config.ModelConfig{Provider: name}})
			require.NoError(t, err, name)

			_, err = collect(gen.GenerateStream(ctx, nil, []model.TurnPart{model.TextPart("hi")}))
			assert.ErrorIs(t, err, ErrMissingAPIKey, name)
		}
	})

	t.Run("mock", func(t *testing.T) {
		gen, err := New(ctx, &config.Config{Model: config.ModelConfig{Provider: "Mock"}})
		require.NoError(t, err)
		assert.IsType(t, &MockGenerator{}, gen)
	})

	t.Run("openai builds without network", func(t *testing.T) {
		gen, err := New(ctx, &config.Config{
			Model:  config.ModelConfig{Provider: "openai"},
			OpenAI: config.OpenAIConfig{APIKey: "sk-test", Model: "gpt-4o-mini"},
		})
		require.NoError(t, err)
		assert.IsType(t, &ChatModelGenerator{}, gen)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := New(ctx, &config.Config{Model: config.ModelConfig{Provider: "llama"}})
		assert.ErrorIs(t, err, ErrUnsupportedProvider)
	})
}

func TestMockGenerator_ProducesValidRecords(t *testing.T) {
	gen := NewMockGenerator(0)
	text, err := collect(gen.GenerateStream(context.Background(), nil, []model.TurnPart{model.TextPart("Why do <b>magnets</b> attract?")}))
	require.NoError(t, err)

	dec := stream.NewLineDecoder()
	records := dec.Feed(text)
	_, dangling := dec.Flush()
	assert.False(t, dangling)

	require.Len(t, records, 5)
	for _, r := range records {
		assert.NoError(t, r.Err, r.Line)
	}
	assert.True(t, records[4].Part.IsSummary)
	assert.Contains(t, records[1].Part.HTML, "&lt;b&gt;magnets&lt;/b&gt;")
}

func TestMockGenerator_StopsOnCancel(t *testing.T) {
	gen := NewMockGenerator(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())

	content, errs := gen.GenerateStream(ctx, nil, []model.TurnPart{model.TextPart("q")})
	<-content
	cancel()

	_, err := collect(content, errs)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSplitChunks(t *testing.T) {
	s := strings.Repeat("x", 200)
	chunks := splitChunks(s)
	assert.Equal(t, s, strings.Join(chunks, ""))
	assert.Equal(t, 7, len(chunks[0]))
	assert.Equal(t, 1, len(chunks[5]))
}

func TestToGeminiContents(t *testing.T) {
	history := []model.Turn{
		{Role: model.RoleUser, Parts: []model.TurnPart{model.TextPart("q1")}},
		{Role: model.RoleModel, Parts: []model.TurnPart{model.TextPart("a1")}},
	}
	msg := []model.TurnPart{model.TextPart("look"), model.BinaryPart("image/png", []byte{1, 2})}

	got := toGeminiContents(history, msg)
	require.Len(t, got, 3)
	assert.Equal(t, string(genai.RoleUser), got[0].Role)
	assert.Equal(t, string(genai.RoleModel), got[1].Role)
	assert.Equal(t, "a1", got[1].Parts[0].Text)

	last := got[2]
	require.Len(t, last.Parts, 2)
	assert.Equal(t, "look", last.Parts[0].Text)
	require.NotNil(t, last.Parts[1].InlineData)
	assert.Equal(t, "image/png", last.Parts[1].InlineData.MIMEType)
	assert.Equal(t, []byte{1, 2}, last.Parts[1].InlineData.Data)
}

func TestToSchemaMessages(t *testing.T) {
	history := []model.Turn{
		{Role: model.RoleUser, Parts: []model.TurnPart{model.TextPart("q1")}},
		{Role: model.RoleModel, Parts: []model.TurnPart{model.TextPart("a1")}},
	}

	got := toSchemaMessages("be a tutor", history, []model.TurnPart{
		model.TextPart("what is this"),
		model.BinaryPart("image/png", []byte("png")),
	})

	want := []*schema.Message{
		{Role: schema.System, Content: "be a tutor"},
		{Role: schema.User, Content: "q1"},
		{Role: schema.Assistant, Content: "a1"},
		{Role: schema.User, MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: "what is this"},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: "data:image/png;base64,cG5n"}},
		}},
	}
	assert.Equal(t, want, got)
}

func TestConvertMessages(t *testing.T) {
	got := convertMessages([]*schema.Message{
		{Role: schema.System, Content: "sys"},
		{Role: schema.Assistant, Content: ""},
		{Role: schema.User, MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: "hi"},
			{Type: schema.ChatMessagePartTypeImageURL, ImageURL: &schema.ChatMessageImageURL{URL: "data:x"}},
		}},
	})

	require.Len(t, got, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, got[0].Role)
	assert.Equal(t, "sys", got[0].Content)
	assert.Equal(t, openai.ChatMessageRoleUser, got[1].Role)
	assert.Empty(t, got[1].Content)
	require.Len(t, got[1].MultiContent, 2)
	assert.Equal(t, "data:x", got[1].MultiContent[1].ImageURL.URL)
}

func TestChatModelGenerator_OpenAIStream(t *testing.T) {
	deltas := []string{`{"type":"expla`, `nation","text":"hi"}` + "\n"}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		for i, d := range deltas {
			fmt.Fprintf(w, "data: {\"id\":\"c%d\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", i, d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	cm := newOpenAIChatModel(config.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1", Model: "gpt-test", Timeout: 5 * time.Second})
	gen := NewChatModelGenerator("openai", cm, DefaultSystemPrompt)

	text, err := collect(gen.GenerateStream(context.Background(), nil, []model.TurnPart{model.TextPart("q")}))
	require.NoError(t, err)
	assert.Equal(t, "{\"type\":\"explanation\",\"text\":\"hi\"}\n", text)
}

func TestChatModelGenerator_OpenAIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	cm := newOpenAIChatModel(config.OpenAIConfig{APIKey: "sk-bad", BaseURL: srv.URL + "/v1", Model: "gpt-test", Timeout: 5 * time.Second})
	gen := NewChatModelGenerator("openai", cm, "")

	_, err := collect(gen.GenerateStream(context.Background(), nil, []model.TurnPart{model.TextPart("q")}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}
