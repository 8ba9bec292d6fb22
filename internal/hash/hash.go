// Package hash provides the uniform hash calculations used across a
// Pebble agent: BLAKE3 for whole-file content addressing, SHA-256 for
// per-chunk integrity and for certificate fingerprints.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// readBufSize is the chunked read size used while streaming a file
// through a hasher, chosen to keep memory flat for large files.
const readBufSize = 64 * 1024

// digestSize is the output length Pebble hashes a whole file to: a
// 512-bit BLAKE3 digest, double the hash.Hash default, drawn from the
// algorithm's extendable-output function rather than its fixed Sum.
const digestSize = 64

// FileHash returns the hex-encoded 512-bit BLAKE3 digest of the file at
// path. It streams the file in readBufSize chunks rather than loading
// it whole, so memory use stays flat regardless of file size, then
// reads digestSize bytes from the hasher's XOF output reader rather
// than its fixed-size Sum.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("hash: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("hash: stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return "", fmt.Errorf("hash: %s is not a regular file", path)
	}

	h := blake3.New()
	buf := make([]byte, readBufSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash: read %s: %w", path, err)
	}

	digest := make([]byte, digestSize)
	if _, err := io.ReadFull(h.Digest(), digest); err != nil {
		return "", fmt.Errorf("hash: digest %s: %w", path, err)
	}
	return hex.EncodeToString(digest), nil
}

// ChunkHash returns the hex-encoded SHA-256 hash of a single transfer
// chunk's bytes.
func ChunkHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CertFingerprint returns the hex-encoded SHA-256 fingerprint of a
// DER-encoded certificate, the value peers pin against.
func CertFingerprint(certDER []byte) string {
	sum := sha256.Sum256(certDER)
	return hex.EncodeToString(sum[:])
}
