package placement

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/block/mysql-coldbackup/internal/layout"
	"github.com/block/mysql-coldbackup/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestPlaceMovesArchiveAndWritesCompanion(t *testing.T) {
	base := t.TempDir()
	stagingDir := t.TempDir()
	stagedPath := filepath.Join(stagingDir, "staged.bin")
	require.NoError(t, os.WriteFile(stagedPath, []byte("zip-bytes"), 0o644))

	p := New(base, layout.DirectoryStrategy{Type: layout.ServerDateBased, Granularity: layout.GranularityDay}, layout.FileNamingStrategy{
		Pattern:    "{server}_{timestamp}",
		DateFormat: "20060102_150405",
	})

	meta := model.FileMetadata{
		Name:         "s1",
		OriginalName: "s1 (prod)",
		Size:         9,
		MD5:          "deadbeef",
		SHA256:       "cafebabe",
		CreatedAt:    time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
	}

	finalPath, err := p.Place(stagedPath, meta)
	require.NoError(t, err)
	assert.FileExists(t, finalPath)
	assert.Contains(t, finalPath, "s1_20240115_103000.zip")

	_, statErr := os.Stat(stagedPath)
	assert.True(t, os.IsNotExist(statErr), "staged file must be moved, not copied")

	companionRaw, err := os.ReadFile(companionPath(finalPath))
	require.NoError(t, err)
	var c Companion
	require.NoError(t, json.Unmarshal(companionRaw, &c))
	assert.Equal(t, "deadbeef", c.MD5)
	assert.Equal(t, "cafebabe", c.SHA256)
	assert.Equal(t, int64(9), c.Size)
	assert.Equal(t, "s1", c.Server)
	assert.Equal(t, "s1 (prod)", c.OriginalName, "companion must preserve the pre-sanitization name")
}

func TestPlaceFallsBackToCopyAcrossFilesystemBoundary(t *testing.T) {
	// moveFile must succeed even when os.Rename would fail; simulate by
	// calling moveFile directly with source/dest both on the same temp
	// filesystem but exercising the copy path explicitly is covered by
	// the rename branch above. This test instead checks moveFile copies
	// content correctly when invoked standalone.
	src := filepath.Join(t.TempDir(), "a.bin")
	dst := filepath.Join(t.TempDir(), "b.bin")
	require.NoError(t, os.WriteFile(src, []byte("content"), 0o644))

	require.NoError(t, moveFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}
