// Package dbconn standardizes connections to the local MySQL instance.
// It is a thin layer over database/sql + go-sql-driver/mysql used by
// MySQLController for its post-start liveness probe, and by
// ErrorRecovery to classify MySQL driver errors as retryable or fatal.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Error numbers that are considered transient and worth retrying.
// Grounded on the teacher's pkg/dbconn.canRetryError errno table.
const (
	errLockWaitTimeout = 1205
	errCannotConnect   = 2003
	errConnLost        = 2013
	errReadOnly        = 1290
)

const (
	maxConnLifetime = time.Minute * 3
	maxIdleConns    = 2
)

// Config holds connection tuning knobs for the diagnostic probe
// connection opened by MySQLController.
type Config struct {
	ConnectTimeout time.Duration
	MaxOpenConns   int
}

// NewConfig returns sane defaults.
func NewConfig() *Config {
	return &Config{
		ConnectTimeout: 5 * time.Second,
		MaxOpenConns:   2,
	}
}

// New opens and pings a connection to host:port as user/pass. It is
// used only for the lightweight "is MySQL actually answering queries"
// probe; the data directory itself is never touched through this
// connection.
func New(host string, port int, user, pass string, cfg *Config) (*sql.DB, error) {
	c := mysql.NewConfig()
	c.Net = "tcp"
	c.Addr = fmt.Sprintf("%s:%d", host, port)
	c.User = user
	c.Passwd = pass
	c.Timeout = cfg.ConnectTimeout
	c.Params = map[string]string{"charset": "utf8mb4"}

	db, err := sql.Open("mysql", c.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("opening probe connection: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(maxConnLifetime)
	return db, nil
}

// Ping opens a short-lived connection, runs SELECT 1, and closes it.
// Used by MySQLController.WaitUntil to confirm the service is not just
// "running" according to the service manager but actually accepting
// queries.
func Ping(ctx context.Context, host string, port int, user, pass string, cfg *Config) error {
	db, err := New(host, port, user, pass, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("probe query failed: %w", err)
	}
	return nil
}

// IsRetryableError reports whether err is a transient MySQL error
// number worth retrying, per the teacher's canRetryError table.
func IsRetryableError(err error) bool {
	var merr *mysql.MySQLError
	if val, ok := err.(*mysql.MySQLError); ok {
		merr = val
	} else {
		return false
	}
	switch merr.Number {
	case errLockWaitTimeout, errCannotConnect, errConnLost, errReadOnly:
		return true
	default:
		return false
	}
}
