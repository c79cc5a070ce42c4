package store

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/mysql-coldbackup/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestBackupConfigurationRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBackupConfigurationRepository(dir)
	require.NoError(t, err)

	cfg := model.BackupConfiguration{ID: "c1", Name: "nightly", Active: true}
	require.NoError(t, repo.Put(cfg))

	got, err := repo.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	all, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete("c1"))
	_, err = repo.Get("c1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackupConfigurationRepositoryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBackupConfigurationRepository(dir)
	require.NoError(t, err)
	require.NoError(t, repo.Put(model.BackupConfiguration{ID: "c1", Name: "nightly"}))

	reopened, err := NewBackupConfigurationRepository(dir)
	require.NoError(t, err)
	got, err := reopened.Get("c1")
	require.NoError(t, err)
	assert.Equal(t, "nightly", got.Name)
}

func TestBackupLogRepositoryFiltersByConfiguration(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBackupLogRepository(dir)
	require.NoError(t, err)

	require.NoError(t, repo.Put(model.BackupLog{ID: "l1", ConfigurationID: "c1", StartTime: time.Now()}))
	require.NoError(t, repo.Put(model.BackupLog{ID: "l2", ConfigurationID: "c2", StartTime: time.Now()}))
	require.NoError(t, repo.Put(model.BackupLog{ID: "l3", ConfigurationID: "c1", StartTime: time.Now()}))

	logs, err := repo.ListByConfiguration("c1")
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestRetentionPolicyRepositoryKeyedByName(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewRetentionPolicyRepository(dir)
	require.NoError(t, err)

	require.NoError(t, repo.Put(model.RetentionPolicy{Name: "default", MaxCount: 10}))
	got, err := repo.Get("default")
	require.NoError(t, err)
	assert.Equal(t, 10, got.MaxCount)
}

func TestResumeTokenRepositoryRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewResumeTokenRepository(dir)
	require.NoError(t, err)

	tok := model.ResumeToken{Token: "RT_abc", TransferID: "t1", CompletedIndices: map[int]bool{0: true}}
	require.NoError(t, repo.Put(tok))

	got, err := repo.Get("RT_abc")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TransferID)
	assert.True(t, got.CompletedIndices[0])
}

func TestScheduleConfigurationRepositoryKeyedByConfigurationID(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewScheduleConfigurationRepository(dir)
	require.NoError(t, err)

	require.NoError(t, repo.Put(model.ScheduleConfiguration{ConfigurationID: "c1", CronExpression: "0 2 * * *", Enabled: true}))
	got, err := repo.Get("c1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)

	all, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	repo, err := NewBackupLogRepository(dir)
	require.NoError(t, err)

	_, err = repo.Get("missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
