package checksum

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func TestBytesAndBytesSHA256(t *testing.T) {
	data := []byte("mysql-coldbackup")
	assert.Equal(t, "288bb1c7dcdc928b456a8dab87150e04", Bytes(data))
	assert.NotEmpty(t, BytesSHA256(data))
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "archive.zip")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	sums, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, Bytes([]byte("hello world")), sums.MD5)
	assert.Equal(t, BytesSHA256([]byte("hello world")), sums.SHA256)
}

func TestFileMissing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "missing.zip"))
	assert.Error(t, err)
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("ABCDEF", "abcdef"))
	assert.False(t, Matches("abc", "abcd"))
	assert.False(t, Matches("abc", "abd"))
}
