package dbconn

import (
	"errors"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestIsRetryableError(t *testing.T) {
	assert.True(t, IsRetryableError(&mysql.MySQLError{Number: errLockWaitTimeout}))
	assert.True(t, IsRetryableError(&mysql.MySQLError{Number: errCannotConnect}))
	assert.False(t, IsRetryableError(&mysql.MySQLError{Number: 1062})) // dup key, not retryable
	assert.False(t, IsRetryableError(errors.New("not a mysql error")))
}

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, 2, cfg.MaxOpenConns)
	assert.Greater(t, cfg.ConnectTimeout.Seconds(), 0.0)
}
