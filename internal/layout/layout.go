// Package layout derives a deterministic, sanitized on-disk path for
// a finished archive: a directory under a configured base, per a
// DirectoryOrganizationStrategy, and a filename per a
// FileNamingStrategy. No component outside this package decides where
// an archive lands.
package layout

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// OrganizationType selects how the directory tree under base is
// shaped.
type OrganizationType string

const (
	ServerDateBased OrganizationType = "ServerDateBased"
	DateServerBased OrganizationType = "DateServerBased"
	FlatServerBased OrganizationType = "FlatServerBased"
	Custom          OrganizationType = "Custom"
)

// Granularity controls how deep the date portion of a generated path
// descends.
type Granularity string

const (
	GranularityYear  Granularity = "Year"
	GranularityMonth Granularity = "Month"
	GranularityDay   Granularity = "Day"
)

// DirectoryStrategy configures directory derivation.
type DirectoryStrategy struct {
	Type                OrganizationType
	Granularity         Granularity
	IncludeDatabaseDir  bool
	CustomPattern       string // used when Type == Custom; tokens as in FileNamingStrategy
}

// FileNamingStrategy configures filename derivation. Pattern uses the
// tokens {timestamp}, {server}, {database}; DateFormat governs how
// {timestamp} is rendered (Go reference-time layout).
type FileNamingStrategy struct {
	Pattern    string
	DateFormat string
}

// Metadata is the subset of a backup's identity needed to place it.
type Metadata struct {
	ServerName   string
	DatabaseName string
	BackupTime   time.Time
	BackupType   string
}

// ErrPatternTokenMismatch is returned when a FileNamingStrategy's
// pattern references a token that validation requires but the caller
// did not supply data for, or vice versa.
var ErrPatternTokenMismatch = fmt.Errorf("layout: filename pattern references a token with no corresponding data")

const maxFilenameBytes = 255

var invalidPathChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", "\"", "_", "|", "_", "?", "_", "*", "_",
	"\\", "_", "/", "_",
)

// sanitizeComponent replaces platform-invalid characters, trims
// whitespace, and collapses an empty result to "_".
func sanitizeComponent(s string) string {
	s = strings.TrimSpace(s)
	s = invalidPathChars.Replace(s)
	if s == "" {
		return "_"
	}
	return s
}

// ValidatePattern checks that pattern only references the three known
// tokens and that DateFormat is non-empty when {timestamp} is used.
func ValidatePattern(fn FileNamingStrategy) error {
	if strings.Contains(fn.Pattern, "{timestamp}") && fn.DateFormat == "" {
		return fmt.Errorf("%w: {timestamp} present without a DateFormat", ErrPatternTokenMismatch)
	}
	known := []string{"{timestamp}", "{server}", "{database}"}
	scrubbed := fn.Pattern
	for _, tok := range known {
		scrubbed = strings.ReplaceAll(scrubbed, tok, "")
	}
	if strings.ContainsAny(scrubbed, "{}") {
		return fmt.Errorf("%w: pattern contains an unrecognized token", ErrPatternTokenMismatch)
	}
	return nil
}

// Filename renders a sanitized archive filename from meta using fn.
// The result always ends in ".zip" and never exceeds 255 bytes.
func Filename(meta Metadata, fn FileNamingStrategy) (string, error) {
	if err := ValidatePattern(fn); err != nil {
		return "", err
	}

	name := fn.Pattern
	name = strings.ReplaceAll(name, "{timestamp}", meta.BackupTime.Format(fn.DateFormat))
	name = strings.ReplaceAll(name, "{server}", meta.ServerName)
	name = strings.ReplaceAll(name, "{database}", meta.DatabaseName)

	name = sanitizeComponent(name)
	name = strings.TrimSuffix(name, ".zip")
	name += ".zip"

	if len(name) > maxFilenameBytes {
		keep := maxFilenameBytes - len(".zip")
		name = name[:keep] + ".zip"
	}
	return name, nil
}

// Directory derives the sub-path under base for meta per ds, and
// guarantees the result stays lexically below base.
func Directory(base string, meta Metadata, ds DirectoryStrategy) (string, error) {
	server := sanitizeComponent(meta.ServerName)
	database := sanitizeComponent(meta.DatabaseName)

	var parts []string
	switch ds.Type {
	case ServerDateBased:
		parts = append(parts, server)
		parts = append(parts, dateParts(meta.BackupTime, ds.Granularity)...)
	case DateServerBased:
		parts = append(parts, dateParts(meta.BackupTime, ds.Granularity)...)
		parts = append(parts, server)
	case FlatServerBased:
		parts = append(parts, server)
	case Custom:
		rendered := ds.CustomPattern
		rendered = strings.ReplaceAll(rendered, "{server}", server)
		rendered = strings.ReplaceAll(rendered, "{database}", database)
		rendered = strings.ReplaceAll(rendered, "{timestamp}", meta.BackupTime.Format("20060102"))
		for _, seg := range strings.Split(filepath.ToSlash(rendered), "/") {
			if seg == "" {
				continue
			}
			parts = append(parts, sanitizeComponent(seg))
		}
	default:
		return "", fmt.Errorf("layout: unknown directory organization type %q", ds.Type)
	}

	if ds.IncludeDatabaseDir && ds.Type != Custom {
		parts = append(parts, database)
	}

	full := filepath.Join(append([]string{base}, parts...)...)
	return guardWithinBase(base, full)
}

func dateParts(t time.Time, g Granularity) []string {
	switch g {
	case GranularityYear:
		return []string{fmt.Sprintf("%04d", t.Year())}
	case GranularityDay:
		return []string{fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()), fmt.Sprintf("%02d", t.Day())}
	case GranularityMonth, "":
		return []string{fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month())}
	default:
		return []string{fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month())}
	}
}

// guardWithinBase resolves both paths to absolute form and rejects
// anything that escapes base, defending against a maliciously crafted
// server/database name containing "..".
func guardWithinBase(base, full string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("resolving base %s: %w", base, err)
	}
	absFull, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", full, err)
	}
	rel, err := filepath.Rel(absBase, absFull)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("layout: derived path %s escapes base %s", full, base)
	}
	return absFull, nil
}

// ArchivePath joins Directory and Filename into the final absolute
// path an archive should be written to.
func ArchivePath(base string, meta Metadata, ds DirectoryStrategy, fn FileNamingStrategy) (string, error) {
	dir, err := Directory(base, meta, ds)
	if err != nil {
		return "", err
	}
	name, err := Filename(meta, fn)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
