package alerting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestValidateCorrectsInvalidValuesAndWarns(t *testing.T) {
	cfg := ChannelConfig{MaxAlertsPerHour: -1, MaxRetryAttempts: 99, NotificationTimeout: 0}
	warnings := Validate(&cfg)
	assert.NotEmpty(t, warnings)
	assert.Equal(t, 60, cfg.MaxAlertsPerHour)
	assert.Equal(t, 10, cfg.MaxRetryAttempts)
	assert.Equal(t, 30*time.Second, cfg.NotificationTimeout)
	assert.Equal(t, SeverityWarning, cfg.MinimumSeverity)
}

func TestValidateAcceptsValidValues(t *testing.T) {
	cfg := ChannelConfig{MaxAlertsPerHour: 5, MaxRetryAttempts: 3, NotificationTimeout: time.Minute, MinimumSeverity: SeverityError}
	warnings := Validate(&cfg)
	assert.Empty(t, warnings)
	assert.Equal(t, 5, cfg.MaxAlertsPerHour)
}

func TestRouteDropsBelowMinimumSeverity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.log")
	r := New(logrus.New(), ChannelConfig{
		Kind: KindFileLog, Path: path, MinimumSeverity: SeverityCritical,
		MaxAlertsPerHour: 60, MaxRetryAttempts: 0, NotificationTimeout: time.Second,
	})

	err := r.Route(context.Background(), string(SeverityWarning), "t", "d")
	require.NoError(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "file log must not be written for a below-threshold severity")
}

func TestRouteWritesFileLogAtOrAboveMinimumSeverity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.log")
	r := New(logrus.New(), ChannelConfig{
		Kind: KindFileLog, Path: path, MinimumSeverity: SeverityWarning,
		MaxAlertsPerHour: 60, MaxRetryAttempts: 0, NotificationTimeout: time.Second,
	})

	err := r.Route(context.Background(), string(SeverityCritical), "disk full", "detail")
	require.NoError(t, err)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "disk full")
}

func TestRouteEnforcesRateLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "alerts.log")
	r := New(logrus.New(), ChannelConfig{
		Kind: KindFileLog, Path: path, MinimumSeverity: SeverityWarning,
		MaxAlertsPerHour: 1, MaxRetryAttempts: 0, NotificationTimeout: time.Second,
	})

	require.NoError(t, r.Route(context.Background(), string(SeverityError), "a", "d"))
	require.NoError(t, r.Route(context.Background(), string(SeverityError), "b", "d"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "a")
	assert.NotContains(t, string(data), "b")
}

func TestRouteWebhookRetriesOn5xxThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(logrus.New(), ChannelConfig{
		Kind: KindWebhook, URL: srv.URL, Method: MethodPost, MinimumSeverity: SeverityWarning,
		MaxAlertsPerHour: 60, MaxRetryAttempts: 3, NotificationTimeout: 2 * time.Second,
	})

	err := r.Route(context.Background(), string(SeverityError), "t", "d")
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestRouteWebhookGivesUpAfterMaxRetryAttempts(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := New(logrus.New(), ChannelConfig{
		Kind: KindWebhook, URL: srv.URL, Method: MethodPost, MinimumSeverity: SeverityWarning,
		MaxAlertsPerHour: 60, MaxRetryAttempts: 1, NotificationTimeout: 2 * time.Second,
	})
	err := r.Route(context.Background(), string(SeverityError), "t", "d")
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestRouteWebhookDoesNotRetryOn4xx(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := New(logrus.New(), ChannelConfig{
		Kind: KindWebhook, URL: srv.URL, Method: MethodPost, MinimumSeverity: SeverityWarning,
		MaxAlertsPerHour: 60, MaxRetryAttempts: 3, NotificationTimeout: 2 * time.Second,
	})

	err := r.Route(context.Background(), string(SeverityError), "t", "d")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "4xx must not be retried")
}
