package chunking

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/mysql-coldbackup/internal/checksum"
	"github.com/block/mysql-coldbackup/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{StagingDir: t.TempDir(), ChunkSize: 4}, logrus.New())
}

func chunkOf(transferID string, index int, data []byte, isLast bool) model.ChunkRecord {
	return model.ChunkRecord{
		TransferID: transferID,
		Index:      index,
		Length:     int64(len(data)),
		MD5:        checksum.Bytes(data),
		IsLast:     isLast,
	}
}

func TestReceiveAndFinalizeHappyPath(t *testing.T) {
	mgr := newTestManager(t)
	content := []byte("0123456789AB") // 12 bytes, chunk size 4 => 3 chunks
	sums, err := checksum.Reader(bytes.NewReader(content))
	require.NoError(t, err)

	meta := model.FileMetadata{Name: "t1.zip", Size: int64(len(content)), MD5: sums.MD5, SHA256: sums.SHA256}
	transferID, err := mgr.InitTransfer(meta)
	require.NoError(t, err)

	chunks := [][]byte{content[0:4], content[4:8], content[8:12]}
	// Deliver out of order.
	order := []int{2, 0, 1}
	for _, idx := range order {
		res, err := mgr.ReceiveChunk(transferID, chunkOf(transferID, idx, chunks[idx], idx == 2), chunks[idx])
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.False(t, res.AlreadyPresent)
	}

	// Duplicate with matching checksum is idempotent.
	res, err := mgr.ReceiveChunk(transferID, chunkOf(transferID, 0, chunks[0], false), chunks[0])
	require.NoError(t, err)
	assert.True(t, res.AlreadyPresent)

	path, err := mgr.Finalize(transferID)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestReceiveChunkConflict(t *testing.T) {
	mgr := newTestManager(t)
	meta := model.FileMetadata{Name: "t2.zip", Size: 4, MD5: "ignored", SHA256: "ignored"}
	transferID, err := mgr.InitTransfer(meta)
	require.NoError(t, err)

	good := []byte("abcd")
	_, err = mgr.ReceiveChunk(transferID, chunkOf(transferID, 0, good, true), good)
	require.NoError(t, err)

	bad := []byte("wxyz")
	rec := chunkOf(transferID, 0, bad, true)
	_, err = mgr.ReceiveChunk(transferID, rec, bad)
	assert.ErrorIs(t, err, ErrChunkConflict)
}

func TestReceiveChunkDeclaredChecksumMismatch(t *testing.T) {
	mgr := newTestManager(t)
	meta := model.FileMetadata{Name: "t3.zip", Size: 4}
	transferID, err := mgr.InitTransfer(meta)
	require.NoError(t, err)

	data := []byte("abcd")
	rec := model.ChunkRecord{TransferID: transferID, Index: 0, Length: 4, MD5: "0000000000000000000000000000000"}
	_, err = mgr.ReceiveChunk(transferID, rec, data)
	assert.ErrorIs(t, err, ErrChunkConflict)
}

func TestFinalizeIncomplete(t *testing.T) {
	mgr := newTestManager(t)
	meta := model.FileMetadata{Name: "t4.zip", Size: 8}
	transferID, err := mgr.InitTransfer(meta)
	require.NoError(t, err)

	data := []byte("abcd")
	_, err = mgr.ReceiveChunk(transferID, chunkOf(transferID, 0, data, false), data)
	require.NoError(t, err)

	_, err = mgr.Finalize(transferID)
	assert.ErrorIs(t, err, ErrIncompleteTransfer)
}

func TestFinalizeIntegrityFailureDeletesFile(t *testing.T) {
	mgr := newTestManager(t)
	meta := model.FileMetadata{Name: "t5.zip", Size: 4, MD5: "deadbeefdeadbeefdeadbeefdeadbeef", SHA256: "deadbeef"}
	transferID, err := mgr.InitTransfer(meta)
	require.NoError(t, err)

	data := []byte("abcd")
	_, err = mgr.ReceiveChunk(transferID, chunkOf(transferID, 0, data, true), data)
	require.NoError(t, err)

	_, err = mgr.Finalize(transferID)
	assert.ErrorIs(t, err, ErrIntegrityFailure)
}

func TestResumeTokenLifecycle(t *testing.T) {
	mgr := newTestManager(t)
	content := []byte("abcd")
	sums, err := checksum.Reader(bytes.NewReader(content))
	require.NoError(t, err)
	meta := model.FileMetadata{Name: "t6.zip", Size: 4, MD5: sums.MD5, SHA256: sums.SHA256}

	transferID, err := mgr.InitTransfer(meta)
	require.NoError(t, err)

	token, err := mgr.CreateResumeToken(transferID)
	require.NoError(t, err)
	assert.Regexp(t, `^RT_[0-9a-f]{32}$`, token)

	gotMeta, completed, _, err := mgr.GetResumeInfo(token)
	require.NoError(t, err)
	assert.Equal(t, meta.Name, gotMeta.Name)
	assert.Empty(t, completed)

	restoredID, err := mgr.RestoreTransfer(token, meta)
	require.NoError(t, err)
	assert.Equal(t, transferID, restoredID)

	_, err = mgr.ReceiveChunk(transferID, chunkOf(transferID, 0, content, true), content)
	require.NoError(t, err)

	_, err = mgr.Finalize(transferID)
	require.NoError(t, err)

	_, err = mgr.RestoreTransfer(token, meta)
	assert.ErrorIs(t, err, ErrTokenAlreadyCompleted)
}

func TestRestoreTransferMetadataMismatch(t *testing.T) {
	mgr := newTestManager(t)
	meta := model.FileMetadata{Name: "t7.zip", Size: 4, MD5: "aa", SHA256: "bb"}
	transferID, err := mgr.InitTransfer(meta)
	require.NoError(t, err)

	token, err := mgr.CreateResumeToken(transferID)
	require.NoError(t, err)

	other := meta
	other.Size = 999
	_, err = mgr.RestoreTransfer(token, other)
	assert.ErrorIs(t, err, ErrResumeMetadataMismatch)
}

func TestSweepExpiredTokens(t *testing.T) {
	mgr := newTestManager(t)
	content := []byte("abcd")
	sums, err := checksum.Reader(bytes.NewReader(content))
	require.NoError(t, err)
	meta := model.FileMetadata{Name: "t8.zip", Size: 4, MD5: sums.MD5, SHA256: sums.SHA256}

	transferID, err := mgr.InitTransfer(meta)
	require.NoError(t, err)
	_, err = mgr.ReceiveChunk(transferID, chunkOf(transferID, 0, content, true), content)
	require.NoError(t, err)
	token, err := mgr.CreateResumeToken(transferID)
	require.NoError(t, err)
	_, err = mgr.Finalize(transferID)
	require.NoError(t, err)

	pruned := mgr.SweepExpiredTokens(time.Now().Add(-time.Hour))
	assert.Equal(t, 0, pruned, "not yet past TTL")

	pruned = mgr.SweepExpiredTokens(time.Now().Add(mgr.tokenTTL + time.Minute))
	assert.Equal(t, 1, pruned)

	_, _, _, err = mgr.GetResumeInfo(token)
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestGetResumeInfoMissing(t *testing.T) {
	mgr := newTestManager(t)
	_, _, _, err := mgr.GetResumeInfo("RT_doesnotexist")
	assert.True(t, errors.Is(err, ErrTokenNotFound))
}
