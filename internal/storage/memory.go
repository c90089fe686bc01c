package storage

import (
	"sync"

	"tutor-backend/internal/model"
)

// MemoryStorage keeps the encoded snapshot in process memory.
type MemoryStorage struct {
	mu       sync.RWMutex
	data     []byte
	maxBytes int
}

func NewMemoryStorage(maxBytes int) *MemoryStorage {
	return &MemoryStorage{maxBytes: maxBytes}
}

func (m *MemoryStorage) Init() error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func (m *MemoryStorage) Backup() error {
	return nil
}

func (m *MemoryStorage) Load() ([]model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return decodeSnapshot(m.data)
}

func (m *MemoryStorage) Save(sessions []model.Session) error {
	data, err := encodeSnapshot(sessions, m.maxBytes)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.data = data
	return nil
}
