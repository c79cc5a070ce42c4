// Package store defines repository interfaces for the system's
// persisted entities and a JSON-file-backed implementation of each,
// standing in for the out-of-scope SQLite store named in spec.md §1.
// Atomic persistence (write-temp-then-rename) is grounded on
// authstore.Store.persist.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/block/mysql-coldbackup/internal/model"
)

// ErrNotFound is returned by a repository's Get when no entity with
// the given key exists.
var ErrNotFound = errors.New("store: not found")

// BackupConfigurationRepository persists model.BackupConfiguration,
// keyed by ID.
type BackupConfigurationRepository interface {
	Get(id string) (model.BackupConfiguration, error)
	List() ([]model.BackupConfiguration, error)
	Put(cfg model.BackupConfiguration) error
	Delete(id string) error
}

// BackupLogRepository persists model.BackupLog, keyed by ID, with a
// filtered query by ConfigurationID.
type BackupLogRepository interface {
	Get(id string) (model.BackupLog, error)
	ListByConfiguration(configID string) ([]model.BackupLog, error)
	List() ([]model.BackupLog, error)
	Put(log model.BackupLog) error
	Delete(id string) error
}

// RetentionPolicyRepository persists model.RetentionPolicy, keyed by
// Name.
type RetentionPolicyRepository interface {
	Get(name string) (model.RetentionPolicy, error)
	List() ([]model.RetentionPolicy, error)
	Put(p model.RetentionPolicy) error
	Delete(name string) error
}

// ResumeTokenRepository persists model.ResumeToken, keyed by Token.
type ResumeTokenRepository interface {
	Get(token string) (model.ResumeToken, error)
	List() ([]model.ResumeToken, error)
	Put(t model.ResumeToken) error
	Delete(token string) error
}

// ScheduleConfigurationRepository persists model.ScheduleConfiguration,
// keyed by ConfigurationID.
type ScheduleConfigurationRepository interface {
	Get(configID string) (model.ScheduleConfiguration, error)
	List() ([]model.ScheduleConfiguration, error)
	Put(s model.ScheduleConfiguration) error
	Delete(configID string) error
}

// jsonFile is a generic mutex-guarded, atomically-persisted JSON map
// keyed by string, shared by every repository below.
type jsonFile[V any] struct {
	mu   sync.Mutex
	path string
	data map[string]V
}

func openJSONFile[V any](path string) (*jsonFile[V], error) {
	f := &jsonFile[V]{path: path, data: map[string]V{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f.data); err != nil {
		return nil, fmt.Errorf("store: decoding %s: %w", path, err)
	}
	return f, nil
}

func (f *jsonFile[V]) get(key string) (V, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		var zero V
		return zero, ErrNotFound
	}
	return v, nil
}

func (f *jsonFile[V]) list() []V {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]V, 0, len(f.data))
	for _, v := range f.data {
		out = append(out, v)
	}
	return out
}

func (f *jsonFile[V]) put(key string, v V) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = v
	return f.persistLocked()
}

func (f *jsonFile[V]) delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return f.persistLocked()
}

func (f *jsonFile[V]) persistLocked() error {
	raw, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encoding %s: %w", f.path, err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("store: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("store: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("store: renaming temp file: %w", err)
	}
	return nil
}
