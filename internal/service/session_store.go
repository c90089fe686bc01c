package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
	"tutor-backend/internal/storage"
	"tutor-backend/pkg/logger"

	"github.com/google/uuid"
)

// SeedMessageID identifies the greeting every new session starts with.
const SeedMessageID = "initial-ai-message"

var (
	ErrNotStructured = errors.New("message is not a structured message")
	ErrSummaryClosed = errors.New("message already ends with a summary visual")
)

// SessionStore owns every session and message. All mutations go through it
// and each one is followed by a snapshot write; a failed write never fails
// the mutation.
type SessionStore struct {
	mu       sync.RWMutex
	sessions []*model.Session
	activeID string

	storage    storage.Storage
	persistErr error

	greeting     string
	defaultTitle string

	now   func() time.Time
	newID func() string
}

// NewSessionStore loads the saved snapshot and creates a fresh session when
// there is none.
func NewSessionStore(store storage.Storage, cfg config.SessionConfig) *SessionStore {
	s := &SessionStore{
		storage:      store,
		greeting:     cfg.Greeting,
		defaultTitle: cfg.DefaultTitle,
		now:          time.Now,
		newID:        uuid.NewString,
	}
	if s.greeting == "" {
		s.greeting = config.DefaultGreeting
	}
	if s.defaultTitle == "" {
		s.defaultTitle = "New Chat"
	}

	s.load()
	return s
}

func (s *SessionStore) load() {
	sessions, err := s.storage.Load()
	if err != nil {
		logger.Warnf("Failed to load saved sessions, starting fresh: %v", err)
		s.persistErr = err
		if errors.Is(err, storage.ErrInvalidData) {
			if bErr := s.storage.Backup(); bErr != nil {
				logger.Errorf("Failed to back up unreadable snapshot: %v", bErr)
			}
		}
		sessions = nil
	}

	dropped := 0
	for i := range sessions {
		sess := sessions[i]
		kept := make([]model.Message, 0, len(sess.Messages))
		for _, m := range sess.Messages {
			// A reply still pending in the snapshot was cut off by a restart.
			if m.Pending {
				dropped++
				continue
			}
			kept = append(kept, m)
		}
		sess.Messages = kept
		s.sessions = append(s.sessions, &sess)
	}

	if len(s.sessions) == 0 {
		s.CreateSession()
		return
	}
	s.activeID = s.sessions[0].ID

	if dropped > 0 {
		logger.Warnf("Dropped %d unfinished replies from saved sessions", dropped)
		s.persistLocked()
	}
}

// CreateSession inserts a seeded session at the front and makes it active.
func (s *SessionStore) CreateSession() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.createLocked()
	s.persistLocked()
	return sess.Clone()
}

func (s *SessionStore) createLocked() *model.Session {
	now := s.now()
	sess := &model.Session{
		ID:    "chat-" + s.newID(),
		Title: s.defaultTitle,
		Messages: []model.Message{{
			ID:        SeedMessageID,
			Role:      model.RoleModel,
			Content:   s.greeting,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.sessions = append([]*model.Session{sess}, s.sessions...)
	s.activeID = sess.ID
	return sess
}

// DeleteSession removes a session. When the active session goes, the first
// remaining one becomes active, or a new one is created.
func (s *SessionStore) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(sessionID)
	if idx < 0 {
		return storage.ErrSessionNotFound
	}

	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)

	if s.activeID == sessionID {
		if len(s.sessions) > 0 {
			s.activeID = s.sessions[0].ID
		} else {
			s.createLocked()
		}
	} else if len(s.sessions) == 0 {
		s.createLocked()
	}

	s.persistLocked()
	return nil
}

// ClearSessions drops every session and starts over with a single new one.
func (s *SessionStore) ClearSessions() model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = nil
	sess := s.createLocked()
	s.persistLocked()
	return sess.Clone()
}

func (s *SessionStore) SelectSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(sessionID) < 0 {
		return storage.ErrSessionNotFound
	}
	s.activeID = sessionID
	return nil
}

func (s *SessionStore) ActiveSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// ActiveMessages returns a copy of the active session's messages.
func (s *SessionStore) ActiveMessages() []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.findLocked(s.activeID)
	if sess == nil {
		return nil
	}
	return sess.Clone().Messages
}

func (s *SessionStore) Session(sessionID string) (model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess := s.findLocked(sessionID)
	if sess == nil {
		return model.Session{}, storage.ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Sessions returns copies of all sessions, newest first.
func (s *SessionStore) Sessions() []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Session, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	return out
}

func (s *SessionStore) AppendMessage(sessionID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.findLocked(sessionID)
	if sess == nil {
		return storage.ErrSessionNotFound
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	sess.Messages = append(sess.Messages, msg.Clone())
	sess.UpdatedAt = s.now()

	s.persistLocked()
	return nil
}

// AppendPart appends one part to a structured message. A message that already
// ends with a summary visual accepts nothing more.
func (s *SessionStore) AppendPart(sessionID, messageID string, part model.ContentPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.messageLocked(sessionID, messageID)
	if err != nil {
		return err
	}
	if !msg.IsStructured() {
		return ErrNotStructured
	}
	if n := len(msg.Parts); n > 0 && msg.Parts[n-1].IsSummary {
		return ErrSummaryClosed
	}

	msg.Parts = append(msg.Parts, part)

	s.persistLocked()
	return nil
}

// FinishMessage clears the pending mark of a streamed reply, freezing it as
// final.
func (s *SessionStore) FinishMessage(sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.messageLocked(sessionID, messageID)
	if err != nil {
		return err
	}
	msg.Pending = false

	s.persistLocked()
	return nil
}

func (s *SessionStore) RemoveMessage(sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.findLocked(sessionID)
	if sess == nil {
		return storage.ErrSessionNotFound
	}

	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			sess.Messages = append(sess.Messages[:i], sess.Messages[i+1:]...)
			sess.UpdatedAt = s.now()
			s.persistLocked()
			return nil
		}
	}
	return storage.ErrMessageNotFound
}

// RenameIfFirstExchange sets the title only while the session holds nothing
// but its seed greeting. It reports whether the title changed.
func (s *SessionStore) RenameIfFirstExchange(sessionID, title string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.findLocked(sessionID)
	if sess == nil {
		return false, storage.ErrSessionNotFound
	}
	if len(sess.Messages) != 1 || sess.Messages[0].ID != SeedMessageID || title == "" {
		return false, nil
	}

	sess.Title = title
	sess.UpdatedAt = s.now()
	s.persistLocked()
	return true, nil
}

func (s *SessionStore) RenameSession(sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.findLocked(sessionID)
	if sess == nil {
		return storage.ErrSessionNotFound
	}

	sess.Title = title
	sess.UpdatedAt = s.now()
	s.persistLocked()
	return nil
}

// PersistenceWarning returns the last load or save failure, or nil once a
// later save succeeded.
func (s *SessionStore) PersistenceWarning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistErr
}

func (s *SessionStore) Close() error {
	return s.storage.Close()
}

func (s *SessionStore) persistLocked() {
	snapshot := make([]model.Session, len(s.sessions))
	for i, sess := range s.sessions {
		snapshot[i] = *sess
	}

	if err := s.storage.Save(snapshot); err != nil {
		if s.persistErr == nil || s.persistErr.Error() != err.Error() {
			logger.Warnf("Session snapshot not saved, continuing in memory: %v", err)
		}
		s.persistErr = fmt.Errorf("sessions are not being saved: %w", err)
		return
	}
	s.persistErr = nil
}

func (s *SessionStore) indexLocked(sessionID string) int {
	for i, sess := range s.sessions {
		if sess.ID == sessionID {
			return i
		}
	}
	return -1
}

func (s *SessionStore) findLocked(sessionID string) *model.Session {
	if idx := s.indexLocked(sessionID); idx >= 0 {
		return s.sessions[idx]
	}
	return nil
}

func (s *SessionStore) messageLocked(sessionID, messageID string) (*model.Message, error) {
	sess := s.findLocked(sessionID)
	if sess == nil {
		return nil, storage.ErrSessionNotFound
	}
	for i := range sess.Messages {
		if sess.Messages[i].ID == messageID {
			return &sess.Messages[i], nil
		}
	}
	return nil, storage.ErrMessageNotFound
}
