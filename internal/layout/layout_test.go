package layout

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
	os.Exit(m.Run())
}

func s1Metadata() Metadata {
	return Metadata{
		ServerName:   "s1",
		DatabaseName: "db1",
		BackupTime:   time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		BackupType:   "full",
	}
}

func TestArchivePathHappyPath(t *testing.T) {
	fn := FileNamingStrategy{Pattern: "{timestamp}_{server}_{database}", DateFormat: "20060102_150405"}
	ds := DirectoryStrategy{Type: ServerDateBased, Granularity: GranularityMonth}

	path, err := ArchivePath("/base", s1Metadata(), ds, fn)
	require.NoError(t, err)
	assert.Equal(t, "/base/s1/2024/01/20240115_103000_s1_db1.zip", path)
}

func TestFilenameAlwaysEndsInZip(t *testing.T) {
	fn := FileNamingStrategy{Pattern: "{server}", DateFormat: "20060102"}
	name, err := Filename(Metadata{ServerName: "s1"}, fn)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(name, ".zip"))
}

func TestFilenameSanitizesInvalidChars(t *testing.T) {
	fn := FileNamingStrategy{Pattern: "{server}", DateFormat: "20060102"}
	name, err := Filename(Metadata{ServerName: `s1/db*name?`}, fn)
	require.NoError(t, err)
	assert.NotContains(t, name, "/")
	assert.NotContains(t, name, "*")
	assert.NotContains(t, name, "?")
}

func TestFilenameClippedAt255Bytes(t *testing.T) {
	fn := FileNamingStrategy{Pattern: "{server}", DateFormat: "20060102"}
	name, err := Filename(Metadata{ServerName: strings.Repeat("x", 400)}, fn)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(name), 255)
	assert.True(t, strings.HasSuffix(name, ".zip"))
}

func TestValidatePatternRejectsUnknownToken(t *testing.T) {
	err := ValidatePattern(FileNamingStrategy{Pattern: "{bogus}", DateFormat: "20060102"})
	assert.ErrorIs(t, err, ErrPatternTokenMismatch)
}

func TestValidatePatternRequiresDateFormatForTimestamp(t *testing.T) {
	err := ValidatePattern(FileNamingStrategy{Pattern: "{timestamp}"})
	assert.ErrorIs(t, err, ErrPatternTokenMismatch)
}

func TestDirectoryStaysWithinBase(t *testing.T) {
	meta := Metadata{ServerName: "../../etc", DatabaseName: "db1", BackupTime: time.Now()}
	ds := DirectoryStrategy{Type: FlatServerBased}
	dir, err := Directory("/base", meta, ds)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dir, "/base"))
}

func TestDirectoryServerDateBasedVsDateServerBased(t *testing.T) {
	meta := s1Metadata()
	sd, err := Directory("/base", meta, DirectoryStrategy{Type: ServerDateBased, Granularity: GranularityYear})
	require.NoError(t, err)
	assert.Equal(t, "/base/s1/2024", sd)

	ds, err := Directory("/base", meta, DirectoryStrategy{Type: DateServerBased, Granularity: GranularityYear})
	require.NoError(t, err)
	assert.Equal(t, "/base/2024/s1", ds)
}

func TestDirectoryIncludeDatabaseDir(t *testing.T) {
	meta := s1Metadata()
	dir, err := Directory("/base", meta, DirectoryStrategy{Type: FlatServerBased, IncludeDatabaseDir: true})
	require.NoError(t, err)
	assert.Equal(t, "/base/s1/db1", dir)
}

func TestDirectoryCustomPattern(t *testing.T) {
	meta := s1Metadata()
	dir, err := Directory("/base", meta, DirectoryStrategy{Type: Custom, CustomPattern: "{server}/{database}"})
	require.NoError(t, err)
	assert.Equal(t, "/base/s1/db1", dir)
}

func TestSanitizeComponentCollapsesEmpty(t *testing.T) {
	meta := Metadata{ServerName: "   ", DatabaseName: "db1", BackupTime: time.Now()}
	dir, err := Directory("/base", meta, DirectoryStrategy{Type: FlatServerBased})
	require.NoError(t, err)
	assert.Equal(t, "/base/_", dir)
}
