package store_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/engelmi/ramalama/pkg/reference"
	"github.com/engelmi/ramalama/pkg/store"
)

// fakeFetcher writes canned content per file name and counts fetches.
type fakeFetcher struct {
	content map[string][]byte
	fail    map[string]error
	fetched []string
}

func (f *fakeFetcher) Fetch(_ context.Context, file store.SnapshotFile, destination string) error {
	f.fetched = append(f.fetched, file.Name)
	if err := f.fail[file.Name]; err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return err
	}
	return os.WriteFile(destination, f.content[file.Name], 0o644)
}

func mustParse(t *testing.T, ref string) reference.Reference {
	t.Helper()
	parsed, err := reference.Parse(ref)
	if err != nil {
		t.Fatalf("Parse(%q): %v", ref, err)
	}
	return parsed
}

func snapshotFiles(content map[string][]byte) []store.SnapshotFile {
	names := make([]string, 0, len(content))
	for name := range content {
		names = append(names, name)
	}
	sort.Strings(names)

	files := make([]store.SnapshotFile, 0, len(names))
	for _, name := range names {
		files = append(files, store.SnapshotFile{
			Digest:         digest.FromBytes(content[name]),
			Name:           name,
			VerifyChecksum: true,
			Required:       true,
		})
	}
	return files
}

func TestNewSnapshot(t *testing.T) {
	s := newTestStore(t)
	ref := mustParse(t, "llama3")
	content := map[string][]byte{
		"config": []byte(`{"format":"gguf"}`),
		"model":  []byte("weights"),
	}
	fetcher := &fakeFetcher{content: content}

	hash, err := s.NewSnapshot(context.Background(), reference.SchemeOllama, ref, snapshotFiles(content), fetcher)
	if err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}
	if len(fetcher.fetched) != 2 {
		t.Fatalf("fetched %d files, expected 2", len(fetcher.fetched))
	}

	gotHash, _, complete, err := s.GetCachedFiles(reference.SchemeOllama, ref)
	if err != nil {
		t.Fatalf("GetCachedFiles: %v", err)
	}
	if gotHash != hash {
		t.Errorf("snapshot hash: got %s expected %s", gotHash, hash)
	}
	if !complete {
		t.Error("snapshot expected to be complete")
	}

	path, err := s.GetSnapshotFilePath(reference.SchemeOllama, hash, "model")
	if err != nil {
		t.Fatalf("GetSnapshotFilePath: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot file: %v", err)
	}
	if string(data) != "weights" {
		t.Errorf("snapshot file content: got %q expected %q", data, "weights")
	}
}

func TestNewSnapshotRequiredFailureAborts(t *testing.T) {
	s := newTestStore(t)
	ref := mustParse(t, "llama3")
	content := map[string][]byte{
		"config": []byte("cfg"),
		"model":  []byte("weights"),
	}
	fetcher := &fakeFetcher{
		content: content,
		fail:    map[string]error{"model": fmt.Errorf("connection reset")},
	}

	if _, err := s.NewSnapshot(context.Background(), reference.SchemeOllama, ref, snapshotFiles(content), fetcher); err == nil {
		t.Fatal("expected failure of a required file to abort the snapshot")
	}

	_, _, complete, err := s.GetCachedFiles(reference.SchemeOllama, ref)
	if err != nil {
		t.Fatalf("GetCachedFiles: %v", err)
	}
	if complete {
		t.Fatal("failed snapshot must not be recorded as complete")
	}

	// Retry re-attempts only the missing pieces.
	fetcher.fail = nil
	fetcher.fetched = nil
	if _, err := s.NewSnapshot(context.Background(), reference.SchemeOllama, ref, snapshotFiles(content), fetcher); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(fetcher.fetched) != 1 || fetcher.fetched[0] != "model" {
		t.Fatalf("retry fetched %v, expected only the missing model", fetcher.fetched)
	}
}

func TestNewSnapshotOptionalFailureTolerated(t *testing.T) {
	s := newTestStore(t)
	ref := mustParse(t, "llama3")

	modelData := []byte("weights")
	files := []store.SnapshotFile{
		{
			Digest:         digest.FromBytes(modelData),
			Name:           "model",
			VerifyChecksum: true,
			Required:       true,
		},
		{
			Name:     "license",
			Required: false,
		},
	}
	fetcher := &fakeFetcher{
		content: map[string][]byte{"model": modelData},
		fail:    map[string]error{"license": fmt.Errorf("server error")},
	}

	if _, err := s.NewSnapshot(context.Background(), reference.SchemeOllama, ref, files, fetcher); err != nil {
		t.Fatalf("optional failure must not abort: %v", err)
	}

	_, _, complete, err := s.GetCachedFiles(reference.SchemeOllama, ref)
	if err != nil {
		t.Fatalf("GetCachedFiles: %v", err)
	}
	if !complete {
		t.Fatal("snapshot with only an optional file missing must be complete")
	}
}

func TestSnapshotDedupAcrossTags(t *testing.T) {
	s := newTestStore(t)
	shared := []byte("shared weights")

	first := mustParse(t, "llama3:8b")
	second := mustParse(t, "llama3:8b-instruct")
	files := func() []store.SnapshotFile {
		return []store.SnapshotFile{{
			Digest:         digest.FromBytes(shared),
			Name:           "model",
			VerifyChecksum: true,
			Required:       true,
		}}
	}

	fetcher := &fakeFetcher{content: map[string][]byte{"model": shared}}
	if _, err := s.NewSnapshot(context.Background(), reference.SchemeOllama, first, files(), fetcher); err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	if _, err := s.NewSnapshot(context.Background(), reference.SchemeOllama, second, files(), fetcher); err != nil {
		t.Fatalf("second snapshot: %v", err)
	}

	if len(fetcher.fetched) != 1 {
		t.Fatalf("shared blob fetched %d times, expected 1", len(fetcher.fetched))
	}
}

func TestNewSnapshotRefetchesCorruptBlob(t *testing.T) {
	s := newTestStore(t)
	ref := mustParse(t, "llama3")
	content := map[string][]byte{"model": []byte("weights")}
	dgst := digest.FromBytes(content["model"])

	fetcher := &fakeFetcher{content: content}
	if _, err := s.NewSnapshot(context.Background(), reference.SchemeOllama, ref, snapshotFiles(content), fetcher); err != nil {
		t.Fatalf("NewSnapshot: %v", err)
	}

	path, err := s.BlobPath(reference.SchemeOllama, dgst)
	if err != nil {
		t.Fatalf("BlobPath: %v", err)
	}
	if err := os.WriteFile(path, []byte("corrupted"), 0o644); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	fetcher.fetched = nil
	if _, err := s.NewSnapshot(context.Background(), reference.SchemeOllama, ref, snapshotFiles(content), fetcher); err != nil {
		t.Fatalf("re-pull over corrupt blob: %v", err)
	}
	if len(fetcher.fetched) != 1 {
		t.Fatalf("corrupt blob fetched %d times, expected 1 refetch", len(fetcher.fetched))
	}

	ok, err := s.VerifyBlob(reference.SchemeOllama, dgst)
	if err != nil {
		t.Fatalf("VerifyBlob: %v", err)
	}
	if !ok {
		t.Fatal("refetched blob still corrupt")
	}
}

func TestGetSnapshotFilePathNotFound(t *testing.T) {
	s := newTestStore(t)
	ref := mustParse(t, "llama3")

	_, err := s.GetSnapshotFilePath(reference.SchemeOllama, store.SnapshotHash(ref), "model")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
