// Package checksum computes MD5 and SHA-256 digests over byte slices
// and files. It is the lowest-level building block of the pipeline:
// every chunk, every archive, and every companion .meta.json record
// depends on it.
package checksum

import (
	"crypto/md5"  //nolint:gosec // MD5 used for fast per-chunk integrity, not security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Sums bundles both digests computed over the same input.
type Sums struct {
	MD5    string
	SHA256 string
}

// Bytes computes the MD5 of b.
func Bytes(b []byte) string {
	sum := md5.Sum(b) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

// BytesSHA256 computes the SHA-256 of b.
func BytesSHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// File streams path through MD5 and SHA-256 simultaneously and
// returns both digests. It never buffers the whole file in memory.
func File(path string) (Sums, error) {
	f, err := os.Open(path)
	if err != nil {
		return Sums{}, fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close()
	return Reader(f)
}

// Reader streams r through MD5 and SHA-256 simultaneously.
func Reader(r io.Reader) (Sums, error) {
	md5h := md5.New() //nolint:gosec
	sha256h := sha256.New()
	w := io.MultiWriter(md5h, sha256h)
	if _, err := io.Copy(w, r); err != nil {
		return Sums{}, fmt.Errorf("hashing stream: %w", err)
	}
	return Sums{
		MD5:    hex.EncodeToString(md5h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
	}, nil
}

// Matches reports whether a and b represent the same checksum,
// case-insensitively (defensive against inconsistent hex casing
// across wire implementations).
func Matches(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
