// Package placement implements transfer.Finalizer: it moves a staged,
// chunk-assembled archive to its final StorageLayout-derived location
// and writes the ".meta.json" companion file named in spec.md §6.
package placement

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/block/mysql-coldbackup/internal/layout"
	"github.com/block/mysql-coldbackup/internal/model"
)

// Companion is the JSON shape written next to every placed archive.
type Companion struct {
	MD5          string    `json:"MD5"`
	SHA256       string    `json:"SHA256"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"createdAt"`
	Server       string    `json:"server"`
	Database     string    `json:"database"`
	OriginalName string    `json:"originalName"`
}

// Placer finalizes a staged archive into the receiver's on-disk
// layout.
type Placer struct {
	base string
	ds   layout.DirectoryStrategy
	fn   layout.FileNamingStrategy
}

// New builds a Placer rooted at base.
func New(base string, ds layout.DirectoryStrategy, fn layout.FileNamingStrategy) *Placer {
	return &Placer{base: base, ds: ds, fn: fn}
}

// Place implements transfer.Finalizer. meta.Name is treated as the
// server identity token; this system backs up a whole data directory
// rather than a single database, so DatabaseName is always empty.
func (p *Placer) Place(stagedPath string, meta model.FileMetadata) (string, error) {
	lm := layout.Metadata{
		ServerName: meta.Name,
		BackupTime: meta.CreatedAt,
		BackupType: "full",
	}
	if lm.BackupTime.IsZero() {
		lm.BackupTime = time.Now().UTC()
	}

	archivePath, err := layout.ArchivePath(p.base, lm, p.ds, p.fn)
	if err != nil {
		return "", fmt.Errorf("placement: deriving archive path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(archivePath), 0o755); err != nil {
		return "", fmt.Errorf("placement: creating directory for %s: %w", archivePath, err)
	}

	if err := moveFile(stagedPath, archivePath); err != nil {
		return "", fmt.Errorf("placement: moving staged archive: %w", err)
	}

	companion := Companion{
		MD5:          meta.MD5,
		SHA256:       meta.SHA256,
		Size:         meta.Size,
		CreatedAt:    lm.BackupTime,
		Server:       meta.Name,
		OriginalName: meta.OriginalName,
	}
	if err := writeCompanion(archivePath, companion); err != nil {
		return "", fmt.Errorf("placement: writing companion metadata: %w", err)
	}

	return archivePath, nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	// os.Rename fails across filesystem boundaries; fall back to a
	// copy-then-remove.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, copyErr := io.Copy(out, in); copyErr != nil {
		out.Close()
		return copyErr
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}

func companionPath(archivePath string) string {
	ext := filepath.Ext(archivePath)
	return archivePath[:len(archivePath)-len(ext)] + ".meta.json"
}

func writeCompanion(archivePath string, c Companion) error {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(companionPath(archivePath), raw, 0o644)
}
