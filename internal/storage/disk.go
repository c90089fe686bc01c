package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tutor-backend/internal/model"
	"tutor-backend/pkg/logger"
)

// DiskStorage writes the snapshot to <dataDir>/<key>.json.
type DiskStorage struct {
	dataDir  string
	key      string
	maxBytes int
	mu       sync.RWMutex
}

func NewDiskStorage(dataDir, key string, maxBytes int) *DiskStorage {
	return &DiskStorage{
		dataDir:  dataDir,
		key:      key,
		maxBytes: maxBytes,
	}
}

func (d *DiskStorage) Init() error {
	if err := d.createDirectories(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageInit, err)
	}

	logger.Infof("Disk storage initialized at %s", d.snapshotPath())
	return nil
}

func (d *DiskStorage) createDirectories() error {
	dirs := []string{
		d.dataDir,
		filepath.Join(d.dataDir, "backup"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return nil
}

func (d *DiskStorage) snapshotPath() string {
	return filepath.Join(d.dataDir, d.key+".json")
}

func (d *DiskStorage) Load() ([]model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(d.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return decodeSnapshot(data)
}

func (d *DiskStorage) Save(sessions []model.Session) error {
	data, err := encodeSnapshot(sessions, d.maxBytes)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.snapshotPath()
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	return nil
}

func (d *DiskStorage) Close() error {
	return nil
}

// Backup copies the current snapshot into backup/<key>_<unix>.json. A missing
// snapshot is not an error.
func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	src := d.snapshotPath()
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	backupDir := filepath.Join(d.dataDir, "backup")
	if err := os.MkdirAll(backupDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	dst := filepath.Join(backupDir, fmt.Sprintf("%s_%d.json", d.key, time.Now().UnixNano()))
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	logger.Infof("Backup completed: %s", dst)
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}

	return os.WriteFile(dst, data, 0644)
}
