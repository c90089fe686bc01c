package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
	"tutor-backend/internal/storage"
	"tutor-backend/pkg/logger"
)

// ChatService is the surface the HTTP handlers and the terminal client use.
// It ties the session store to the stream orchestrator.
type ChatService struct {
	sessions *SessionStore
	orch     *Orchestrator
}

func NewChatService(cfg *config.Config, gen Generator) *ChatService {
	sessions := NewSessionStore(OpenStorage(cfg.Storage), cfg.Session)

	return &ChatService{
		sessions: sessions,
		orch:     NewOrchestrator(sessions, gen, cfg.Stream, cfg.Session),
	}
}

// OpenStorage builds and initialises the configured backend, falling back to
// memory when it cannot be used.
func OpenStorage(cfg config.StorageConfig) storage.Storage {
	store, err := storage.New(cfg)
	if err != nil {
		logger.Errorf("Unsupported storage %q, using memory: %v", cfg.Type, err)
		store = storage.NewMemoryStorage(cfg.MaxBytes)
	}

	if err := store.Init(); err != nil {
		logger.Errorf("Failed to initialize storage: %v", err)
		store = storage.NewMemoryStorage(cfg.MaxBytes)
		store.Init()
	}

	return store
}

func (s *ChatService) CreateSession(title string) model.Session {
	session := s.sessions.CreateSession()

	if title = strings.TrimSpace(title); title != "" {
		if err := s.sessions.RenameSession(session.ID, title); err == nil {
			session.Title = title
		}
	}
	return session
}

func (s *ChatService) GetSession(sessionID string) (model.Session, error) {
	session, err := s.sessions.Session(sessionID)
	if err != nil {
		return model.Session{}, notFound(sessionID, err)
	}
	return session, nil
}

func (s *ChatService) GetSessionMessages(sessionID string) ([]model.Message, error) {
	session, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	return session.Messages, nil
}

func (s *ChatService) ActiveSessionID() string {
	return s.sessions.ActiveSessionID()
}

func (s *ChatService) ActiveMessages() []model.Message {
	return s.sessions.ActiveMessages()
}

func (s *ChatService) GetAllSessions() []model.Session {
	return s.sessions.Sessions()
}

func (s *ChatService) SelectSession(sessionID string) error {
	if err := s.sessions.SelectSession(sessionID); err != nil {
		return notFound(sessionID, err)
	}
	return nil
}

func (s *ChatService) UpdateSessionTitle(sessionID, title string) error {
	if err := s.sessions.RenameSession(sessionID, strings.TrimSpace(title)); err != nil {
		return notFound(sessionID, err)
	}
	return nil
}

// DeleteSession refuses to remove the session a reply is streaming into,
// whether or not it is still the active one.
func (s *ChatService) DeleteSession(sessionID string) error {
	return s.orch.guard(func(streamingID string) error {
		if sessionID == streamingID {
			return ErrGenerationInProgress
		}
		if err := s.sessions.DeleteSession(sessionID); err != nil {
			return notFound(sessionID, err)
		}
		return nil
	})
}

func (s *ChatService) ClearAllSessions() (model.Session, error) {
	var fresh model.Session
	err := s.orch.guard(func(streamingID string) error {
		if streamingID != "" {
			return ErrGenerationInProgress
		}
		fresh = s.sessions.ClearSessions()
		return nil
	})
	return fresh, err
}

// StreamChat sends a message to the active session and blocks until the reply
// finishes, publishing progress to sink.
func (s *ChatService) StreamChat(ctx context.Context, text string, file *model.Attachment, sink EventSink) (Outcome, error) {
	return s.orch.SendMessage(ctx, text, file, sink)
}

func (s *ChatService) Cancel() bool {
	return s.orch.Cancel()
}

func (s *ChatService) IsLoading() bool {
	return s.orch.IsLoading()
}

func (s *ChatService) Status() model.StatusResponse {
	status := model.StatusResponse{
		Loading:            s.orch.IsLoading(),
		State:              s.orch.State().String(),
		ActiveSessionID:    s.sessions.ActiveSessionID(),
		StreamingSessionID: s.orch.StreamingSessionID(),
	}
	if err := s.sessions.PersistenceWarning(); err != nil {
		status.PersistenceWarning = err.Error()
	}
	return status
}

func (s *ChatService) Close() error {
	return s.sessions.Close()
}

func notFound(sessionID string, err error) error {
	if errors.Is(err, storage.ErrSessionNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, sessionID)
	}
	return err
}
