package storage

import (
	"fmt"

	"tutor-backend/internal/config"
	"tutor-backend/internal/model"
)

// Storage keeps the whole ordered session list as one snapshot under one
// well-known key. Save rewrites it wholesale.
type Storage interface {
	// Load returns (nil, nil) when nothing has been saved yet.
	Load() ([]model.Session, error)
	Save(sessions []model.Session) error

	Init() error
	Close() error
	Backup() error
}

// New builds the backend named by cfg.Type without initialising it.
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStorage(cfg.MaxBytes), nil
	case "disk":
		return NewDiskStorage(cfg.DataDir, cfg.Key, cfg.MaxBytes), nil
	case "sqlite":
		return NewSQLiteStorage(cfg.DataDir, cfg.Key, cfg.MaxBytes), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
