package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/engelmi/ramalama/pkg/reference"
)

var allowedAlgorithms = map[digest.Algorithm]int{
	digest.SHA256: 64,
	digest.SHA512: 128,
}

func isSafeHex(hexLength int, s string) bool {
	if len(s) != hexLength {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// validateDigest ensures the digest components are safe for filesystem paths.
func validateDigest(dgst digest.Digest) error {
	hexLength, ok := allowedAlgorithms[dgst.Algorithm()]
	if !ok {
		return fmt.Errorf("invalid digest algorithm: %q not in allowlist", dgst.Algorithm())
	}
	if !isSafeHex(hexLength, dgst.Encoded()) {
		return fmt.Errorf("invalid digest hex: non-hexadecimal characters or wrong length")
	}
	return nil
}

// BlobPath returns the path of the blob with the given digest under the
// backend's repository area.
func (s *Store) BlobPath(scheme reference.Scheme, dgst digest.Digest) (string, error) {
	if err := validateDigest(dgst); err != nil {
		return "", fmt.Errorf("unsafe digest: %w", err)
	}

	path := filepath.Join(s.ReposDir(scheme), blobsDir, string(dgst.Algorithm()), dgst.Encoded())

	cleanRoot := filepath.Clean(s.rootPath)
	cleanPath := filepath.Clean(path)
	relPath, err := filepath.Rel(cleanRoot, cleanPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal attempt detected: %s", path)
	}

	return cleanPath, nil
}

// HasBlob reports whether a complete blob with the given digest exists.
func (s *Store) HasBlob(scheme reference.Scheme, dgst digest.Digest) (bool, error) {
	path, err := s.BlobPath(scheme, dgst)
	if err != nil {
		return false, fmt.Errorf("get blob path: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}
	return false, nil
}

// VerifyBlob recomputes the hash of the blob on disk and compares it against
// the digest it is stored under. A missing blob reports false with no error.
func (s *Store) VerifyBlob(scheme reference.Scheme, dgst digest.Digest) (bool, error) {
	path, err := s.BlobPath(scheme, dgst)
	if err != nil {
		return false, fmt.Errorf("get blob path: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("open blob: %w", err)
	}
	defer f.Close()

	computed, err := dgst.Algorithm().FromReader(f)
	if err != nil {
		return false, fmt.Errorf("hash blob: %w", err)
	}
	return computed == dgst, nil
}

// WriteBlob streams r into the blob for dgst. If the blob already exists it
// is a no-op and r is not consumed. r always supplies the blob from its
// first byte; when a leftover incomplete file is resumed, the prefix that is
// already on disk is discarded from r and only the missing suffix is
// appended. The completed file is verified against dgst before being renamed
// into place.
func (s *Store) WriteBlob(scheme reference.Scheme, dgst digest.Digest, r io.Reader) error {
	hasBlob, err := s.HasBlob(scheme, dgst)
	if err != nil {
		return fmt.Errorf("check blob existence: %w", err)
	}
	if hasBlob {
		return nil
	}

	path, err := s.BlobPath(scheme, dgst)
	if err != nil {
		return fmt.Errorf("get blob path: %w", err)
	}
	partial := incompletePath(path)

	var f *os.File
	var offset int64
	if stat, err := os.Stat(partial); err == nil {
		// The incomplete file may already hold the full content, e.g.
		// when an earlier run was interrupted between write and rename.
		if complete, err := verifyFile(partial, dgst); err == nil && complete {
			if err := os.Rename(partial, path); err != nil {
				return fmt.Errorf("rename completed blob file: %w", err)
			}
			return nil
		}

		offset = stat.Size()
		f, err = os.OpenFile(partial, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open incomplete blob file for resume: %w", err)
		}
	} else {
		f, err = createFile(partial)
		if err != nil {
			return fmt.Errorf("create blob file: %w", err)
		}
	}
	defer f.Close()

	if offset > 0 {
		// A reader cannot seek, so consume the bytes the partial file
		// already holds instead of appending them a second time.
		if _, err := io.CopyN(io.Discard, r, offset); err != nil {
			_ = os.Remove(partial)
			return fmt.Errorf("skip stored prefix of blob %q: %w", dgst, err)
		}
	}

	if _, err := io.Copy(f, r); err != nil {
		// The partial file keeps what was written so far, the next
		// invocation resumes it.
		return fmt.Errorf("copy blob %q to store: %w", dgst, err)
	}

	f.Close() // Rename fails on Windows while the file is open.

	complete, err := verifyFile(partial, dgst)
	if err != nil {
		return fmt.Errorf("verify downloaded blob: %w", err)
	}
	if !complete {
		// Corrupt content must never land under the final name. Remove
		// the partial file so the next invocation starts fresh.
		_ = os.Remove(partial)
		return fmt.Errorf("digest mismatch after download of %q", dgst)
	}

	if err := os.Rename(partial, path); err != nil {
		return fmt.Errorf("rename blob file: %w", err)
	}
	return nil
}

// RemoveBlob deletes the blob with the given digest.
func (s *Store) RemoveBlob(scheme reference.Scheme, dgst digest.Digest) error {
	path, err := s.BlobPath(scheme, dgst)
	if err != nil {
		return fmt.Errorf("get blob path: %w", err)
	}
	return os.Remove(path)
}

// CleanupStaleIncompleteFiles removes incomplete download files that have not
// been modified for longer than maxAge. This keeps abandoned downloads from
// leaking disk space.
func (s *Store) CleanupStaleIncompleteFiles(maxAge time.Duration) error {
	var cleaned int
	var cleanupErrs []error

	for _, backend := range backends {
		blobsPath := filepath.Join(s.ReposDir(backend), blobsDir)
		if _, err := os.Stat(blobsPath); os.IsNotExist(err) {
			continue
		}

		err := filepath.Walk(blobsPath, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() || !strings.HasSuffix(path, incompleteSuffix) {
				return nil
			}
			if time.Since(info.ModTime()) > maxAge {
				if removeErr := os.Remove(path); removeErr != nil {
					cleanupErrs = append(cleanupErrs, fmt.Errorf("remove stale incomplete file %s: %w", path, removeErr))
				} else {
					cleaned++
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("walking blobs directory: %w", err)
		}
	}

	if len(cleanupErrs) > 0 {
		return fmt.Errorf("encountered %d errors during cleanup (cleaned %d files): %v", len(cleanupErrs), cleaned, cleanupErrs[0])
	}
	if cleaned > 0 {
		s.log.Infof("cleaned up %d stale incomplete download file(s)", cleaned)
	}
	return nil
}

const incompleteSuffix = ".incomplete"

// incompletePath returns the partial-download path for the given blob path.
// The download engine uses the same suffix, so partials left by an
// interrupted fetch are visible to the store's cleanup.
func incompletePath(path string) string {
	return path + incompleteSuffix
}

func verifyFile(path string, dgst digest.Digest) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	computed, err := dgst.Algorithm().FromReader(f)
	if err != nil {
		return false, err
	}
	return computed == dgst, nil
}

// createFile is a wrapper around os.Create that creates any parent
// directories as needed.
func createFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directory %q: %w", filepath.Dir(path), err)
	}
	return os.Create(path)
}
