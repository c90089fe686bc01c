package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
	"tutor-backend/internal/storage"
	"tutor-backend/internal/stream"
	"tutor-backend/pkg/logger"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard)
	goleak.VerifyTestMain(m)
}

// scriptedGenerator replays fixed chunks. With hold set it keeps the stream
// open after the last chunk until its context is cancelled.
type scriptedGenerator struct {
	chunks []string
	err    error
	hold   bool

	mu       sync.Mutex
	history  [][]model.Turn
	messages [][]model.TurnPart
}

func (g *scriptedGenerator) GenerateStream(ctx context.Context, history []model.Turn, message []model.TurnPart) (<-chan string, <-chan error) {
	g.mu.Lock()
	g.history = append(g.history, history)
	g.messages = append(g.messages, message)
	g.mu.Unlock()

	content := make(chan string)
	errs := make(chan error, 1)

	go func() {
		defer close(content)
		defer close(errs)

		for _, c := range g.chunks {
			select {
			case content <- c:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		if g.hold {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		if g.err != nil {
			errs <- g.err
		}
	}()

	return content, errs
}

func (g *scriptedGenerator) lastHistory() []model.Turn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.history[len(g.history)-1]
}

func (g *scriptedGenerator) lastMessage() []model.TurnPart {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.messages[len(g.messages)-1]
}

type recorder struct {
	mu     sync.Mutex
	events []model.StreamEvent
}

func (r *recorder) sink(ev model.StreamEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *recorder) count(t model.EventType) int {
	n := 0
	for _, got := range r.types() {
		if got == t {
			n++
		}
	}
	return n
}

func newTestOrchestrator(t *testing.T, gen Generator, cfg config.StreamConfig) (*Orchestrator, *SessionStore) {
	t.Helper()
	store := newTestStore(t)
	return NewOrchestrator(store, gen, cfg, config.SessionConfig{TitleMaxRunes: 40}), store
}

const tutorReply = `{"type":"explanation","text":"A fraction has a numerator."}
{"type":"visual","html":"<div>1/2</div>"}
{"type":"explanation","text":"And a denominator."}
{"type":"visual","html":"<div>summary</div>","isSummary":true}
`

func TestSendMessage_Completed(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{
		tutorReply[:17],
		tutorReply[17:90],
		"",
		tutorReply[90:],
	}}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), "What is a fraction?", nil, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 4, out.Parts)
	assert.Zero(t, out.Warnings)
	assert.NoError(t, out.Err)
	assert.False(t, o.IsLoading())
	assert.Equal(t, StateIdle, o.State())

	msgs := store.ActiveMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, model.RoleUser, msgs[1].Role)
	assert.Equal(t, "What is a fraction?", msgs[1].Content)
	assert.Equal(t, out.Message.ID, msgs[2].ID)
	assert.Equal(t, []model.ContentPart{
		model.Explanation("A fraction has a numerator."),
		model.Visual("<div>1/2</div>", false),
		model.Explanation("And a denominator."),
		model.Visual("<div>summary</div>", true),
	}, msgs[2].Parts)

	sess, err := store.Session(out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "What is a fraction?", sess.Title)

	assert.Equal(t, []model.EventType{
		model.EventUserMessage,
		model.EventPlaceholder,
		model.EventStreaming,
		model.EventPart, model.EventPart, model.EventPart, model.EventPart,
		model.EventCompleted,
	}, rec.types())

	assert.Equal(t, []model.TurnPart{model.TextPart("What is a fraction?")}, gen.lastMessage())
	assert.Empty(t, gen.lastHistory(), "the greeting is not history")
}

func TestSendMessage_PlaceholderPendingUntilCompleted(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{tutorReply}}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})

	var pendingWhileStreaming []bool
	out, err := o.SendMessage(context.Background(), "What is a fraction?", nil, func(ev model.StreamEvent) {
		switch ev.Type {
		case model.EventPlaceholder:
			pendingWhileStreaming = append(pendingWhileStreaming, ev.Message.Pending)
		case model.EventPart:
			msgs := store.ActiveMessages()
			pendingWhileStreaming = append(pendingWhileStreaming, msgs[len(msgs)-1].Pending)
		}
	})
	require.NoError(t, err)

	assert.Equal(t, []bool{true, true, true, true, true}, pendingWhileStreaming)
	assert.False(t, out.Message.Pending)

	msgs := store.ActiveMessages()
	assert.False(t, msgs[len(msgs)-1].Pending)
	assert.Empty(t, o.StreamingSessionID())
}

func TestSendMessage_SkipsBadLines(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{
		"{\"type\":\"explanation\",\"text\":\"ok\"}\nnot json\n",
		"{\"type\":\"diagram\"}\n{\"type\":\"visual\",\"html\":\"<b/>\"}\n",
	}}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), "q", nil, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 2, out.Parts)
	assert.Equal(t, 2, out.Warnings)
	assert.Equal(t, 2, rec.count(model.EventWarning))

	msgs := store.ActiveMessages()
	assert.Equal(t, []model.ContentPart{model.Explanation("ok"), model.Visual("<b/>", false)}, msgs[2].Parts)
}

func TestSendMessage_DanglingFragment(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{
		"{\"type\":\"explanation\",\"text\":\"done\"}\n",
		"{\"type\":\"explanation\",\"text\":\"cut",
	}}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), "q", nil, rec.sink)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 1, out.Parts)
	assert.Equal(t, 1, out.Warnings)
	assert.Len(t, store.ActiveMessages()[2].Parts, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	var warning model.StreamEvent
	for _, ev := range rec.events {
		if ev.Type == model.EventWarning {
			warning = ev
		}
	}
	assert.Equal(t, stream.ErrTruncatedStream.Error(), warning.Error)
}

func TestSendMessage_NothingAfterSummary(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{
		"{\"type\":\"visual\",\"html\":\"<i/>\",\"isSummary\":true}\n{\"type\":\"explanation\",\"text\":\"extra\"}\n",
	}}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})

	out, err := o.SendMessage(context.Background(), "q", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, out.Parts)
	assert.Equal(t, 1, out.Warnings)
	assert.Equal(t, []model.ContentPart{model.Visual("<i/>", true)}, store.ActiveMessages()[2].Parts)
}

func TestSendMessage_CancelMidStream(t *testing.T) {
	gen := &scriptedGenerator{
		chunks: []string{"{\"type\":\"explanation\",\"text\":\"one\"}\n{\"type\":\"explanation\",\"text\":\"two\"}\n"},
		hold:   true,
	}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})
	before := len(store.ActiveMessages())

	parts := 0
	sink := func(ev model.StreamEvent) {
		if ev.Type == model.EventPart {
			parts++
			if parts == 2 {
				assert.True(t, o.Cancel())
				assert.False(t, o.Cancel(), "second cancel is a no-op")
			}
		}
	}

	out, err := o.SendMessage(context.Background(), "q", nil, sink)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, out.State)
	assert.NoError(t, out.Err)

	msgs := store.ActiveMessages()
	require.Len(t, msgs, before+2, "user message and cancellation notice")
	last := msgs[len(msgs)-1]
	assert.Equal(t, CancelledText, last.Content)
	assert.False(t, last.IsError)
	assert.False(t, last.IsStructured())
	assert.Equal(t, last.ID, out.Message.ID)
	for _, m := range msgs {
		assert.False(t, m.IsStructured(), "placeholder left behind: %s", m.ID)
	}

	assert.False(t, o.Cancel(), "nothing to cancel once idle")
}

func TestSendMessage_CallerGoesAway(t *testing.T) {
	gen := &scriptedGenerator{hold: true}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	sink := func(ev model.StreamEvent) {
		if ev.Type == model.EventPlaceholder {
			cancel()
		}
	}

	out, err := o.SendMessage(ctx, "q", nil, sink)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, out.State)

	msgs := store.ActiveMessages()
	assert.Equal(t, CancelledText, msgs[len(msgs)-1].Content)
}

func TestSendMessage_GeneratorError(t *testing.T) {
	gen := &scriptedGenerator{
		chunks: []string{"{\"type\":\"explanation\",\"text\":\"partial\"}\n"},
		err:    errors.New("503 model overloaded"),
	}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})
	rec := &recorder{}

	out, err := o.SendMessage(context.Background(), "q", nil, rec.sink)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.EqualError(t, out.Err, "503 model overloaded")

	msgs := store.ActiveMessages()
	require.Len(t, msgs, 3)
	last := msgs[2]
	assert.True(t, last.IsError)
	assert.Equal(t, "Sorry, something went wrong. API Error: 503 model overloaded", last.Content)
	assert.Equal(t, model.EventFailed, rec.types()[len(rec.types())-1])
}

func TestSendMessage_IdleTimeout(t *testing.T) {
	gen := &scriptedGenerator{hold: true}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{IdleTimeout: 20 * time.Millisecond})

	out, err := o.SendMessage(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrIdleTimeout)

	msgs := store.ActiveMessages()
	assert.True(t, msgs[len(msgs)-1].IsError)
}

func TestSendMessage_OverallTimeout(t *testing.T) {
	gen := &scriptedGenerator{hold: true}
	o, _ := newTestOrchestrator(t, gen, config.StreamConfig{OverallTimeout: 20 * time.Millisecond})

	out, err := o.SendMessage(context.Background(), "q", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrGenerationTimeout)
}

func TestSendMessage_RejectsWhileBusy(t *testing.T) {
	gen := &scriptedGenerator{hold: true}
	o, _ := newTestOrchestrator(t, gen, config.StreamConfig{})

	started := make(chan struct{})
	var once sync.Once
	done := make(chan Outcome, 1)
	go func() {
		out, _ := o.SendMessage(context.Background(), "first", nil, func(ev model.StreamEvent) {
			if ev.Type == model.EventPlaceholder {
				once.Do(func() { close(started) })
			}
		})
		done <- out
	}()

	<-started
	assert.True(t, o.IsLoading())

	_, err := o.SendMessage(context.Background(), "second", nil, nil)
	assert.ErrorIs(t, err, ErrGenerationInProgress)

	require.True(t, o.Cancel())
	out := <-done
	assert.Equal(t, StateCancelled, out.State)
	assert.False(t, o.IsLoading())
}

func TestSendMessage_EmptyInput(t *testing.T) {
	o, store := newTestOrchestrator(t, &scriptedGenerator{}, config.StreamConfig{})

	_, err := o.SendMessage(context.Background(), "  \n", nil, nil)
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Len(t, store.ActiveMessages(), 1)
	assert.Equal(t, StateIdle, o.State())
}

func TestSendMessage_HistoryCarriesEarlierExchange(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{tutorReply}}
	o, _ := newTestOrchestrator(t, gen, config.StreamConfig{})

	_, err := o.SendMessage(context.Background(), "What is a fraction?", nil, nil)
	require.NoError(t, err)
	_, err = o.SendMessage(context.Background(), "Show me thirds", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, []model.Turn{
		{Role: model.RoleUser, Parts: []model.TurnPart{model.TextPart("What is a fraction?")}},
		{Role: model.RoleModel, Parts: []model.TurnPart{model.TextPart("A fraction has a numerator.\nAnd a denominator.")}},
	}, gen.lastHistory())
}

func TestSendMessage_TitleOnlyFromFirstMessage(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{tutorReply}}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})

	long := strings.Repeat("ä", 50)
	_, err := o.SendMessage(context.Background(), long, nil, nil)
	require.NoError(t, err)
	_, err = o.SendMessage(context.Background(), "later question", nil, nil)
	require.NoError(t, err)

	sess, err := store.Session(store.ActiveSessionID())
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ä", 40), sess.Title)
}

func TestSendMessage_ImageAttachment(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{tutorReply}}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{})

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	file := &model.Attachment{Name: "graph.png", Data: png}

	out, err := o.SendMessage(context.Background(), "", file, nil)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)

	msgs := store.ActiveMessages()
	assert.Equal(t, &model.FileMeta{Name: "graph.png", MediaType: "image/png"}, msgs[1].File)

	sess, err := store.Session(out.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "graph.png", sess.Title)

	assert.Equal(t, []model.TurnPart{model.BinaryPart("image/png", png)}, gen.lastMessage())
}

func TestSendMessage_AttachmentTooLarge(t *testing.T) {
	gen := &scriptedGenerator{chunks: []string{tutorReply}}
	o, store := newTestOrchestrator(t, gen, config.StreamConfig{MaxUploadBytes: 4})

	file := &model.Attachment{Name: "notes.txt", MediaType: "text/plain", Data: []byte("too many bytes")}
	out, err := o.SendMessage(context.Background(), "read this", file, nil)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, out.Err, ErrAttachmentTooLarge)

	msgs := store.ActiveMessages()
	require.Len(t, msgs, 3)
	assert.True(t, msgs[2].IsError)
	assert.Empty(t, gen.history, "generator never called")
}

func TestSendMessage_PersistenceFailureDoesNotStopExchange(t *testing.T) {
	st := &stubStorage{}
	store := NewSessionStore(st, config.SessionConfig{})
	st.setSaveErr(storage.ErrQuotaExceeded)

	o := NewOrchestrator(store, &scriptedGenerator{chunks: []string{tutorReply}}, config.StreamConfig{}, config.SessionConfig{})
	out, err := o.SendMessage(context.Background(), "q", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, out.State)
	assert.Equal(t, 4, out.Parts)
	assert.ErrorIs(t, store.PersistenceWarning(), storage.ErrQuotaExceeded)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "state(42)", State(42).String())
}
