package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/engelmi/ramalama/pkg/reference"
)

// ErrNotFound indicates a snapshot or snapshot file that is not present in
// the store.
var ErrNotFound = errors.New("not found in store")

// SnapshotFile describes one fetchable unit of a snapshot: a manifest, a
// config blob, a model layer, or a whole file.
type SnapshotFile struct {
	// URL is the remote location of the file. For file-scheme sources it
	// is a local path.
	URL string
	// Headers are sent with the fetch request.
	Headers map[string]string
	// Digest is the expected content digest. Files without a known digest
	// are stored under the snapshot directory instead of the blob area.
	Digest digest.Digest
	// Name is the file's name within the snapshot.
	Name string
	// ShowProgress enables progress display for this file.
	ShowProgress bool
	// VerifyChecksum enables digest verification after download.
	VerifyChecksum bool
	// Required marks files whose failure aborts the whole pull. Optional
	// files may fail without failing the snapshot.
	Required bool
}

// Fetcher materializes one remote object at a destination path. The download
// engine implements it; tests substitute their own.
type Fetcher interface {
	Fetch(ctx context.Context, file SnapshotFile, destination string) error
}

// snapshotRecord is the persisted tag index entry mapping a snapshot hash to
// its files.
type snapshotRecord struct {
	Repository string               `json:"repository"`
	Tag        string               `json:"tag"`
	Hash       digest.Digest        `json:"hash"`
	Created    time.Time            `json:"created"`
	Files      []snapshotFileRecord `json:"files"`
}

type snapshotFileRecord struct {
	Name     string        `json:"name"`
	Digest   digest.Digest `json:"digest,omitempty"`
	Required bool          `json:"required"`
}

func (s *Store) snapshotDir(scheme reference.Scheme, hash digest.Digest) string {
	return filepath.Join(s.ReposDir(scheme), snapshotsDir, hash.Encoded())
}

func (s *Store) refPath(scheme reference.Scheme, hash digest.Digest) string {
	return filepath.Join(s.ReposDir(scheme), refsDir, hash.Encoded()+".json")
}

// snapshotFilePath resolves a recorded file to its on-disk location:
// digest-addressed files live in the blob area, the rest under the snapshot
// directory.
func (s *Store) snapshotFilePath(scheme reference.Scheme, hash digest.Digest, file snapshotFileRecord) (string, error) {
	if file.Digest != "" {
		return s.BlobPath(scheme, file.Digest)
	}
	return filepath.Join(s.snapshotDir(scheme, hash), file.Name), nil
}

// GetCachedFiles reports whether every required file recorded for the
// reference's snapshot already exists on disk. complete == true lets a pull
// skip all network activity.
func (s *Store) GetCachedFiles(scheme reference.Scheme, ref reference.Reference) (digest.Digest, []SnapshotFile, bool, error) {
	hash := SnapshotHash(ref)

	record, err := s.readSnapshotRecord(scheme, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return hash, nil, false, nil
		}
		return hash, nil, false, err
	}

	var files []SnapshotFile
	complete := true
	for _, file := range record.Files {
		path, err := s.snapshotFilePath(scheme, hash, file)
		if err != nil {
			return hash, nil, false, err
		}
		if _, err := os.Stat(path); err != nil {
			if file.Required {
				complete = false
			}
			continue
		}
		files = append(files, SnapshotFile{
			Name:     file.Name,
			Digest:   file.Digest,
			Required: file.Required,
		})
	}
	return hash, files, complete, nil
}

// NewSnapshot fetches every file of the snapshot that is not yet present and
// records the tag index entry. A failure of a required file aborts without
// writing the record, so a retry re-attempts only the missing pieces.
// Resumability follows from the per-blob digest checks in WriteBlob, not from
// a partial-snapshot marker.
func (s *Store) NewSnapshot(ctx context.Context, scheme reference.Scheme, ref reference.Reference, files []SnapshotFile, fetcher Fetcher) (digest.Digest, error) {
	hash := SnapshotHash(ref)

	for _, file := range files {
		dest, err := s.snapshotFilePath(scheme, hash, snapshotFileRecord{Name: file.Name, Digest: file.Digest})
		if err != nil {
			return hash, err
		}

		if file.Digest != "" {
			// Dedup: a blob shared with another tag is never fetched
			// or copied twice. Verified blobs that fail their digest
			// are discarded and refetched instead of being served.
			if file.VerifyChecksum {
				ok, err := s.VerifyBlob(scheme, file.Digest)
				if err != nil {
					return hash, fmt.Errorf("verify cached blob: %w", err)
				}
				if ok {
					continue
				}
				if _, err := os.Stat(dest); err == nil {
					s.log.Warnf("blob %s failed verification, refetching", file.Digest.Encoded()[:12])
					if err := s.RemoveBlob(scheme, file.Digest); err != nil {
						return hash, fmt.Errorf("remove corrupt blob: %w", err)
					}
				}
			} else {
				hasBlob, err := s.HasBlob(scheme, file.Digest)
				if err != nil {
					return hash, fmt.Errorf("check blob existence: %w", err)
				}
				if hasBlob {
					continue
				}
			}
		}

		if err := fetcher.Fetch(ctx, file, dest); err != nil {
			if !file.Required {
				s.log.Warnf("skipping optional file %q: %v", file.Name, err)
				continue
			}
			return hash, err
		}
	}

	record := snapshotRecord{
		Repository: ref.Repository(),
		Tag:        ref.Tag,
		Hash:       hash,
		Created:    time.Now().UTC(),
	}
	for _, file := range files {
		record.Files = append(record.Files, snapshotFileRecord{
			Name:     file.Name,
			Digest:   file.Digest,
			Required: file.Required,
		})
	}
	if err := s.writeSnapshotRecord(scheme, hash, record); err != nil {
		return hash, err
	}
	return hash, nil
}

// GetSnapshotFilePath looks up the on-disk path of a named snapshot file. It
// is a pure lookup and fails with ErrNotFound when the file is absent.
func (s *Store) GetSnapshotFilePath(scheme reference.Scheme, hash digest.Digest, name string) (string, error) {
	record, err := s.readSnapshotRecord(scheme, hash)
	if err != nil {
		return "", err
	}
	for _, file := range record.Files {
		if file.Name != name {
			continue
		}
		path, err := s.snapshotFilePath(scheme, hash, file)
		if err != nil {
			return "", err
		}
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("snapshot file %q: %w", name, ErrNotFound)
		}
		return path, nil
	}
	return "", fmt.Errorf("snapshot file %q: %w", name, ErrNotFound)
}

// RemoveSnapshot deletes the tag index entry and snapshot directory. Blobs
// are left in place, they may be shared with other snapshots.
func (s *Store) RemoveSnapshot(scheme reference.Scheme, hash digest.Digest) error {
	if err := os.RemoveAll(s.snapshotDir(scheme, hash)); err != nil {
		return fmt.Errorf("remove snapshot directory: %w", err)
	}
	if err := os.Remove(s.refPath(scheme, hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove snapshot record: %w", err)
	}
	return nil
}

func (s *Store) readSnapshotRecord(scheme reference.Scheme, hash digest.Digest) (snapshotRecord, error) {
	data, err := os.ReadFile(s.refPath(scheme, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return snapshotRecord{}, fmt.Errorf("snapshot %s: %w", hash.Encoded()[:12], ErrNotFound)
		}
		return snapshotRecord{}, fmt.Errorf("read snapshot record: %w", err)
	}
	var record snapshotRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return snapshotRecord{}, fmt.Errorf("decode snapshot record: %w", err)
	}
	return record, nil
}

// writeSnapshotRecord persists the record with write-new-then-rename so a
// concurrent reader sees either the old or the new complete record.
func (s *Store) writeSnapshotRecord(scheme reference.Scheme, hash digest.Digest, record snapshotRecord) error {
	path := s.refPath(scheme, hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create refs directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot record: %w", err)
	}
	return nil
}
