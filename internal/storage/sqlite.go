package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"tutor-backend/internal/model"
	"tutor-backend/pkg/logger"
)

const snapshotSchema = `
CREATE TABLE IF NOT EXISTS snapshots (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// SQLiteStorage keeps the snapshot as one row of a key/value table in
// <dataDir>/tutor.db.
type SQLiteStorage struct {
	dataDir  string
	key      string
	maxBytes int

	mu sync.Mutex
	db *sql.DB
}

func NewSQLiteStorage(dataDir, key string, maxBytes int) *SQLiteStorage {
	return &SQLiteStorage{
		dataDir:  dataDir,
		key:      key,
		maxBytes: maxBytes,
	}
}

func (s *SQLiteStorage) Init() error {
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	dbPath := filepath.Join(s.dataDir, "tutor.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(snapshotSchema); err != nil {
		db.Close()
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()

	logger.Infof("SQLite storage initialized at %s", dbPath)
	return nil
}

func (s *SQLiteStorage) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("%w: sqlite storage not initialized", ErrStorageInit)
	}
	return s.db, nil
}

func (s *SQLiteStorage) Load() ([]model.Session, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var value string
	err = db.QueryRow(`SELECT value FROM snapshots WHERE key = ?`, s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return decodeSnapshot([]byte(value))
}

func (s *SQLiteStorage) Save(sessions []model.Session) error {
	data, err := encodeSnapshot(sessions, s.maxBytes)
	if err != nil {
		return err
	}

	db, err := s.handle()
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO snapshots (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		s.key, string(data), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

// Backup stores a copy of the current snapshot under "<key>@<unix>".
func (s *SQLiteStorage) Backup() error {
	db, err := s.handle()
	if err != nil {
		return err
	}

	backupKey := fmt.Sprintf("%s@%d", s.key, time.Now().UnixNano())
	_, err = db.Exec(`
		INSERT INTO snapshots (key, value, updated_at)
		SELECT ?, value, updated_at FROM snapshots WHERE key = ?`,
		backupKey, s.key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
