// Package audit appends AuditEntry records for every authentication
// outcome on the receiver. Entries are never allowed to carry a
// secret, a decoded token, or raw base64 — callers pass only the
// already-redacted fields.
package audit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/block/mysql-coldbackup/internal/model"
)

// Log appends AuditEntry records to a rotating file, one JSON object
// per line.
type Log struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// Config configures the rotating audit sink.
type Config struct {
	Path       string
	MaxSizeMB  int // default 50
	MaxBackups int // default 10
	MaxAgeDays int // default 90
}

// New opens (creating if necessary) a rotating audit log at
// cfg.Path.
func New(cfg Config) *Log {
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 50
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 90
	}
	return &Log{
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		},
	}
}

// Record appends one entry. ID and Timestamp are assigned here if
// unset; callers do not need to pre-populate them.
func (l *Log) Record(entry model.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshaling entry: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.out.Write(line); err != nil {
		return fmt.Errorf("audit: writing entry: %w", err)
	}
	return nil
}

// RecordOutcome is a convenience wrapper for the common
// success/failure shape used by AuthStore.Validate callers.
func (l *Log) RecordOutcome(clientID string, op model.AuditOperation, outcome model.AuditOutcome, duration time.Duration, errCode, errMsg string) error {
	return l.Record(model.AuditEntry{
		ClientID:     clientID,
		Operation:    op,
		Outcome:      outcome,
		DurationMS:   duration.Milliseconds(),
		ErrorCode:    errCode,
		ErrorMessage: errMsg,
	})
}

// Close flushes and closes the underlying rotating file.
func (l *Log) Close() error {
	return l.out.Close()
}
