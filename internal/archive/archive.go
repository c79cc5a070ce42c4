// Package archive streams a MySQL data directory into a single zip
// archive and cleans up partial output on failure. It deliberately
// never buffers a full copy of the tree in memory.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ProgressFunc is invoked after each file is written, with the
// cumulative number of bytes read from the source tree so far.
type ProgressFunc func(bytesRead int64)

// Compress walks sourceDir and writes every regular file into a new
// zip archive at targetArchive, preserving relative paths. Progress
// is reported by bytes read from source, not bytes written. If any
// step fails, the partial archive is removed before Compress returns,
// so callers never see a half-written file left behind.
func Compress(sourceDir, targetArchive string, progress ProgressFunc) (retErr error) {
	out, err := os.Create(targetArchive)
	if err != nil {
		return fmt.Errorf("creating archive %s: %w", targetArchive, err)
	}

	defer func() {
		if retErr != nil {
			out.Close()
			os.Remove(targetArchive)
		}
	}()

	zw := zip.NewWriter(out)

	var total int64
	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return fmt.Errorf("computing relative path for %s: %w", path, err)
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return fmt.Errorf("building zip header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("creating zip entry for %s: %w", rel, err)
		}

		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		n, copyErr := io.Copy(w, f)
		f.Close()
		if copyErr != nil {
			return fmt.Errorf("writing %s into archive: %w", rel, copyErr)
		}
		total += n
		if progress != nil {
			progress(total)
		}
		return nil
	})

	if walkErr != nil {
		zw.Close()
		out.Close()
		return fmt.Errorf("walking %s: %w", sourceDir, walkErr)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return fmt.Errorf("finalizing archive %s: %w", targetArchive, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing archive %s: %w", targetArchive, err)
	}
	return nil
}

// Cleanup removes a partially or fully written archive. It is safe to
// call when the archive does not exist.
func Cleanup(targetArchive string) error {
	if err := os.Remove(targetArchive); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing archive %s: %w", targetArchive, err)
	}
	return nil
}

// Extract lists the names of the regular files contained in a zip
// archive, used by RetentionEngine's impact-estimation pass and by
// tests to validate a Compress round trip without writing to disk.
func Extract(archivePath string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive %s: %w", archivePath, err)
	}
	defer zr.Close()

	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		names = append(names, f.Name)
	}
	return names, nil
}
