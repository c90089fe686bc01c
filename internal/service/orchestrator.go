package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
	"tutor-backend/internal/stream"
	"tutor-backend/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	CancelledText      = "Your request was cancelled."
	errorMessagePrefix = "Sorry, something went wrong. API Error: "

	// drainGrace bounds how long a finished exchange waits for the generator
	// to close its channels after its context was cancelled.
	drainGrace = 2 * time.Second
)

var (
	ErrEmptyMessage         = errors.New("message text and file are both empty")
	ErrGenerationInProgress = errors.New("a response is already being generated")
	ErrNoActiveSession      = errors.New("no active session")
	ErrIdleTimeout          = errors.New("the model stopped responding")
	ErrGenerationTimeout    = errors.New("the response took too long")
)

type State int

const (
	StateIdle State = iota
	StateSending
	StateStreaming
	StateCompleted
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Generator streams the raw text of a model reply. The producer closes both
// channels when it is done and stops early once ctx is cancelled.
type Generator interface {
	GenerateStream(ctx context.Context, history []model.Turn, message []model.TurnPart) (<-chan string, <-chan error)
}

// EventSink receives progress while an exchange runs. It is called from the
// goroutine running SendMessage.
type EventSink func(model.StreamEvent)

// Outcome summarises a finished exchange. Message is the final model message:
// the filled placeholder, the cancellation notice or the error message.
type Outcome struct {
	State     State
	SessionID string
	Message   model.Message
	Parts     int
	Warnings  int
	Err       error
}

// Orchestrator runs one exchange at a time against the active session.
type Orchestrator struct {
	store         *SessionStore
	gen           Generator
	cfg           config.StreamConfig
	titleMaxRunes int

	mu          sync.Mutex
	state       State
	cancel      context.CancelFunc
	cancelled   bool
	streamingID string

	newID func() string
}

func NewOrchestrator(store *SessionStore, gen Generator, streamCfg config.StreamConfig, sessionCfg config.SessionConfig) *Orchestrator {
	titleMax := sessionCfg.TitleMaxRunes
	if titleMax <= 0 {
		titleMax = 40
	}
	return &Orchestrator{
		store:         store,
		gen:           gen,
		cfg:           streamCfg,
		titleMaxRunes: titleMax,
		newID:         uuid.NewString,
	}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// IsLoading reports whether an exchange is between Sending and its terminal state.
func (o *Orchestrator) IsLoading() bool {
	s := o.State()
	return s == StateSending || s == StateStreaming
}

// StreamingSessionID returns the session the running exchange writes into, or
// "" when idle.
func (o *Orchestrator) StreamingSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streamingID
}

// guard runs fn while no exchange can start or finish. fn gets the session
// the running exchange writes into, "" when idle.
func (o *Orchestrator) guard(fn func(streamingID string) error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return fn(o.streamingID)
}

// Cancel aborts the running exchange. It reports false when there is nothing
// to cancel or the exchange was already cancelled.
func (o *Orchestrator) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel == nil || o.cancelled {
		return false
	}
	o.cancelled = true
	o.cancel()
	return true
}

// begin claims the orchestrator for the active session. The session is read
// under the same lock guard takes, so it cannot be deleted in between.
func (o *Orchestrator) begin(parent context.Context) (context.Context, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateSending || o.state == StateStreaming {
		return nil, "", ErrGenerationInProgress
	}

	sessionID := o.store.ActiveSessionID()
	if sessionID == "" {
		return nil, "", ErrNoActiveSession
	}

	ctx, cancel := context.WithCancel(parent)
	if o.cfg.OverallTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, o.cfg.OverallTimeout)
		base := cancel
		cancel = func() {
			cancelTimeout()
			base()
		}
	}

	o.state = StateSending
	o.cancel = cancel
	o.cancelled = false
	o.streamingID = sessionID
	return ctx, sessionID, nil
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.cancel = nil
	o.cancelled = false
	o.streamingID = ""
	o.state = StateIdle
}

// abort stops the generator without marking the exchange as cancelled.
func (o *Orchestrator) abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) userCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// SendMessage runs a full exchange on the active session and blocks until it
// reaches a terminal state. Only precondition failures are returned as
// errors; everything that happens once the exchange started is reported
// through the Outcome.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, file *model.Attachment, sink EventSink) (Outcome, error) {
	if strings.TrimSpace(text) == "" && file == nil {
		return Outcome{}, ErrEmptyMessage
	}
	if sink == nil {
		sink = func(model.StreamEvent) {}
	}

	genCtx, sessionID, err := o.begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer o.finish()

	sess, err := o.store.Session(sessionID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrNoActiveSession, err)
	}
	history := BuildHistory(sess.Messages)

	log := logger.WithFields(logrus.Fields{"session_id": sessionID})
	DetectMediaType(file)

	if renamed, err := o.store.RenameIfFirstExchange(sessionID, o.title(text, file)); err != nil {
		log.Warnf("Failed to rename session: %v", err)
	} else if renamed {
		log.Debugf("Session renamed from first message")
	}

	userMsg := model.Message{
		ID:      "user-" + o.newID(),
		Role:    model.RoleUser,
		Content: text,
		File:    file.Meta(),
	}
	if err := o.store.AppendMessage(sessionID, userMsg); err != nil {
		return Outcome{}, err
	}
	sink(withMessage(newEvent(model.EventUserMessage, sessionID, userMsg.ID), userMsg))

	placeholder := model.Message{
		ID:      "model-" + o.newID(),
		Role:    model.RoleModel,
		Parts:   []model.ContentPart{},
		Pending: true,
	}
	if err := o.store.AppendMessage(sessionID, placeholder); err != nil {
		return Outcome{}, err
	}
	sink(withMessage(newEvent(model.EventPlaceholder, sessionID, placeholder.ID), placeholder))

	ex := &exchange{
		o:         o,
		parent:    ctx,
		ctx:       genCtx,
		sink:      sink,
		log:       log.WithField("message_id", placeholder.ID),
		sessionID: sessionID,
		messageID: placeholder.ID,
	}

	parts, err := BuildMessageParts(text, file, o.cfg.MaxUploadBytes)
	if err != nil {
		return ex.fail(err), nil
	}

	log.Infof("Generating reply (history turns: %d)", len(history))
	content, errs := o.gen.GenerateStream(genCtx, history, parts)
	return ex.run(content, errs), nil
}

// title derives a session title from the first message, falling back to the
// attachment name.
func (o *Orchestrator) title(text string, file *model.Attachment) string {
	t := strings.Join(strings.Fields(text), " ")
	if t == "" && file != nil {
		t = file.Name
	}
	if r := []rune(t); len(r) > o.titleMaxRunes {
		t = string(r[:o.titleMaxRunes])
	}
	return t
}

// exchange is the state of one running SendMessage call.
type exchange struct {
	o      *Orchestrator
	parent context.Context
	ctx    context.Context
	sink   EventSink
	log    *logrus.Entry

	sessionID string
	messageID string
	parts     int
	warnings  int
}

func (e *exchange) run(content <-chan string, errs <-chan error) Outcome {
	decoder := stream.NewLineDecoder()
	streaming := false

	// A nil channel never fires, so a zero idle timeout disables the check.
	var idleC <-chan time.Time
	resetIdle := func() {}
	if timeout := e.o.cfg.IdleTimeout; timeout > 0 {
		idle := time.NewTimer(timeout)
		defer idle.Stop()
		idleC = idle.C
		resetIdle = func() { idle.Reset(timeout) }
	}

	for content != nil || errs != nil {
		select {
		case <-e.ctx.Done():
			e.drain(content, errs)
			return e.interrupted()

		case <-idleC:
			e.log.Warnf("No output for %s, %d bytes buffered", e.o.cfg.IdleTimeout, decoder.Pending())
			e.o.abort()
			e.drain(content, errs)
			return e.fail(ErrIdleTimeout)

		case chunk, ok := <-content:
			if !ok {
				content = nil
				continue
			}
			resetIdle()
			if !streaming {
				streaming = true
				e.o.setState(StateStreaming)
				e.sink(newEvent(model.EventStreaming, e.sessionID, e.messageID))
			}
			for _, rec := range decoder.Feed(chunk) {
				e.apply(rec)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			if e.ctx.Err() != nil {
				e.drain(content, errs)
				return e.interrupted()
			}
			e.drain(content, errs)
			return e.fail(err)
		}
	}

	if e.ctx.Err() != nil {
		return e.interrupted()
	}
	return e.complete(decoder)
}

func (e *exchange) apply(rec stream.Record) {
	if !rec.Valid() {
		e.warn(rec.Err, "Skipping stream line %q", rec.Line)
		return
	}

	if err := e.o.store.AppendPart(e.sessionID, e.messageID, rec.Part); err != nil {
		e.warn(err, "Dropping %s part", rec.Part.Type)
		return
	}

	e.parts++
	part := rec.Part
	ev := newEvent(model.EventPart, e.sessionID, e.messageID)
	ev.Part = &part
	e.sink(ev)
}

func (e *exchange) warn(err error, format string, args ...interface{}) {
	e.warnings++
	e.log.WithError(err).Warnf(format, args...)

	ev := newEvent(model.EventWarning, e.sessionID, e.messageID)
	ev.Error = err.Error()
	e.sink(ev)
}

func (e *exchange) complete(decoder *stream.LineDecoder) Outcome {
	if rest, ok := decoder.Flush(); ok {
		e.warn(stream.ErrTruncatedStream, "Incomplete record at end of stream: %q", rest)
	}

	if err := e.o.store.FinishMessage(e.sessionID, e.messageID); err != nil {
		e.log.Warnf("Failed to finish reply: %v", err)
	}
	final := e.finalMessage()
	e.log.Infof("Reply completed with %d parts", e.parts)
	e.o.setState(StateCompleted)
	e.sink(withMessage(newEvent(model.EventCompleted, e.sessionID, e.messageID), final))
	return e.outcome(StateCompleted, final, nil)
}

// interrupted classifies a cancelled context: an explicit Cancel or a
// departed caller is a cancellation, a deadline is a failure.
func (e *exchange) interrupted() Outcome {
	if e.o.userCancelled() || errors.Is(e.parent.Err(), context.Canceled) {
		return e.cancelled()
	}
	if errors.Is(e.ctx.Err(), context.DeadlineExceeded) {
		return e.fail(ErrGenerationTimeout)
	}
	return e.cancelled()
}

func (e *exchange) cancelled() Outcome {
	e.removePlaceholder()

	msg := model.Message{
		ID:      e.messageID + "-cancel",
		Role:    model.RoleModel,
		Content: CancelledText,
	}
	e.appendNotice(msg)

	e.log.Info("Reply cancelled")
	e.o.setState(StateCancelled)
	e.sink(withMessage(newEvent(model.EventCancelled, e.sessionID, msg.ID), msg))
	return e.outcome(StateCancelled, msg, nil)
}

func (e *exchange) fail(cause error) Outcome {
	e.removePlaceholder()

	msg := model.Message{
		ID:      e.messageID + "-error",
		Role:    model.RoleModel,
		Content: errorMessagePrefix + cause.Error(),
		IsError: true,
	}
	e.appendNotice(msg)

	e.log.WithError(cause).Error("Reply failed")
	e.o.setState(StateFailed)

	ev := withMessage(newEvent(model.EventFailed, e.sessionID, msg.ID), msg)
	ev.Error = cause.Error()
	e.sink(ev)
	return e.outcome(StateFailed, msg, cause)
}

func (e *exchange) removePlaceholder() {
	if err := e.o.store.RemoveMessage(e.sessionID, e.messageID); err != nil {
		e.log.Warnf("Failed to remove placeholder: %v", err)
	}
}

func (e *exchange) appendNotice(msg model.Message) {
	if err := e.o.store.AppendMessage(e.sessionID, msg); err != nil {
		e.log.Warnf("Failed to append %s: %v", msg.ID, err)
	}
}

func (e *exchange) finalMessage() model.Message {
	sess, err := e.o.store.Session(e.sessionID)
	if err == nil {
		for _, m := range sess.Messages {
			if m.ID == e.messageID {
				return m
			}
		}
	}
	return model.Message{ID: e.messageID, Role: model.RoleModel, Parts: []model.ContentPart{}}
}

func (e *exchange) outcome(state State, msg model.Message, err error) Outcome {
	return Outcome{
		State:     state,
		SessionID: e.sessionID,
		Message:   msg,
		Parts:     e.parts,
		Warnings:  e.warnings,
		Err:       err,
	}
}

// drain waits for the generator to close its channels after cancellation.
func (e *exchange) drain(content <-chan string, errs <-chan error) {
	timer := time.NewTimer(drainGrace)
	defer timer.Stop()

	for content != nil || errs != nil {
		select {
		case _, ok := <-content:
			if !ok {
				content = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-timer.C:
			e.log.Warn("Generator did not stop after cancellation")
			return
		}
	}
}

func newEvent(t model.EventType, sessionID, messageID string) model.StreamEvent {
	return model.StreamEvent{
		Type:      t,
		SessionID: sessionID,
		MessageID: messageID,
		Timestamp: time.Now().UnixMilli(),
	}
}

func withMessage(ev model.StreamEvent, msg model.Message) model.StreamEvent {
	ev.Message = &msg
	return ev
}
