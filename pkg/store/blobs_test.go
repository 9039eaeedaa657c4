package store_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/reference"
	"github.com/engelmi/ramalama/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(t.TempDir(), logging.Discard().WithField("component", "test"))
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("EnsureLayout: %v", err)
	}
	return s
}

func TestEnsureLayoutIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.EnsureLayout(); err != nil {
		t.Fatalf("second EnsureLayout: %v", err)
	}
	for _, dir := range []string{"models/ollama", "models/oci", "models/huggingface", "repos/ollama", "repos/oci", "repos/huggingface"} {
		if _, err := os.Stat(s.RootPath() + "/" + dir); err != nil {
			t.Errorf("expected directory %s: %v", dir, err)
		}
	}
}

func TestBlobPathRejectsUnsafeDigests(t *testing.T) {
	s := newTestStore(t)

	tests := []struct {
		name string
		dgst digest.Digest
	}{
		{name: "unknown algorithm", dgst: digest.Digest("md5:d41d8cd98f00b204e9800998ecf8427e")},
		{name: "short hex", dgst: digest.Digest("sha256:abc")},
		{name: "traversal in hex", dgst: digest.Digest("sha256:../../../../etc/passwd")},
		{name: "uppercase hex", dgst: digest.Digest("sha256:" + strings.Repeat("A", 64))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.BlobPath(reference.SchemeOllama, tt.dgst); err == nil {
				t.Fatalf("BlobPath(%q) expected error, got none", tt.dgst)
			}
		})
	}
}

func TestWriteBlob(t *testing.T) {
	s := newTestStore(t)
	content := []byte("model weights")
	dgst := digest.FromBytes(content)

	t.Run("new blob", func(t *testing.T) {
		if err := s.WriteBlob(reference.SchemeOllama, dgst, bytes.NewReader(content)); err != nil {
			t.Fatalf("WriteBlob: %v", err)
		}
		path, err := s.BlobPath(reference.SchemeOllama, dgst)
		if err != nil {
			t.Fatalf("BlobPath: %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read blob: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Fatalf("blob content: got %q expected %q", got, content)
		}
	})

	t.Run("existing blob is not consumed again", func(t *testing.T) {
		if err := s.WriteBlob(reference.SchemeOllama, dgst, bytes.NewReader([]byte("different"))); err != nil {
			t.Fatalf("WriteBlob on existing blob: %v", err)
		}
		ok, err := s.VerifyBlob(reference.SchemeOllama, dgst)
		if err != nil {
			t.Fatalf("VerifyBlob: %v", err)
		}
		if !ok {
			t.Fatal("existing blob was overwritten")
		}
	})

	t.Run("digest mismatch leaves no blob behind", func(t *testing.T) {
		wrong := digest.FromString("something else")
		err := s.WriteBlob(reference.SchemeOllama, wrong, bytes.NewReader([]byte("not matching")))
		if err == nil {
			t.Fatal("expected digest mismatch error")
		}
		has, err := s.HasBlob(reference.SchemeOllama, wrong)
		if err != nil {
			t.Fatalf("HasBlob: %v", err)
		}
		if has {
			t.Fatal("corrupt blob landed under its final name")
		}
	})
}

func TestWriteBlobResume(t *testing.T) {
	s := newTestStore(t)
	content := []byte("0123456789abcdef")
	dgst := digest.FromBytes(content)

	path, err := s.BlobPath(reference.SchemeOllama, dgst)
	if err != nil {
		t.Fatalf("BlobPath: %v", err)
	}
	if err := os.MkdirAll(path[:strings.LastIndex(path, "/")], 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	t.Run("retry after interrupt appends only the missing suffix", func(t *testing.T) {
		// An interrupted run leaves a partial file behind. The retry
		// supplies the whole blob again, as a layer stream does.
		if err := os.WriteFile(path+".incomplete", content[:7], 0o644); err != nil {
			t.Fatalf("seed partial file: %v", err)
		}
		if err := s.WriteBlob(reference.SchemeOllama, dgst, bytes.NewReader(content)); err != nil {
			t.Fatalf("WriteBlob resume: %v", err)
		}
		got, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read blob: %v", err)
		}
		if !bytes.Equal(got, content) {
			t.Fatalf("resumed blob content: got %q expected %q", got, content)
		}
		ok, err := s.VerifyBlob(reference.SchemeOllama, dgst)
		if err != nil {
			t.Fatalf("VerifyBlob: %v", err)
		}
		if !ok {
			t.Fatal("resumed blob does not match its digest")
		}
	})

	t.Run("already complete partial is renamed", func(t *testing.T) {
		if err := s.RemoveBlob(reference.SchemeOllama, dgst); err != nil {
			t.Fatalf("RemoveBlob: %v", err)
		}
		if err := os.WriteFile(path+".incomplete", content, 0o644); err != nil {
			t.Fatalf("seed complete partial: %v", err)
		}
		if err := s.WriteBlob(reference.SchemeOllama, dgst, bytes.NewReader(nil)); err != nil {
			t.Fatalf("WriteBlob with complete partial: %v", err)
		}
		has, err := s.HasBlob(reference.SchemeOllama, dgst)
		if err != nil {
			t.Fatalf("HasBlob: %v", err)
		}
		if !has {
			t.Fatal("complete partial was not promoted to a blob")
		}
	})

	t.Run("reader shorter than the partial file aborts cleanly", func(t *testing.T) {
		if err := s.RemoveBlob(reference.SchemeOllama, dgst); err != nil {
			t.Fatalf("RemoveBlob: %v", err)
		}
		if err := os.WriteFile(path+".incomplete", content[:7], 0o644); err != nil {
			t.Fatalf("seed partial file: %v", err)
		}
		if err := s.WriteBlob(reference.SchemeOllama, dgst, bytes.NewReader(content[:3])); err == nil {
			t.Fatal("expected an error for a reader shorter than the partial file")
		}
		if _, err := os.Stat(path + ".incomplete"); !os.IsNotExist(err) {
			t.Fatal("bogus partial file expected to be removed")
		}
	})
}

func TestVerifyBlobDetectsCorruption(t *testing.T) {
	s := newTestStore(t)
	content := []byte("pristine content")
	dgst := digest.FromBytes(content)

	if err := s.WriteBlob(reference.SchemeOllama, dgst, bytes.NewReader(content)); err != nil {
		t.Fatalf("WriteBlob: %v", err)
	}
	path, err := s.BlobPath(reference.SchemeOllama, dgst)
	if err != nil {
		t.Fatalf("BlobPath: %v", err)
	}

	corrupted := append([]byte{}, content...)
	corrupted[0] ^= 0xff
	if err := os.WriteFile(path, corrupted, 0o644); err != nil {
		t.Fatalf("corrupt blob: %v", err)
	}

	ok, err := s.VerifyBlob(reference.SchemeOllama, dgst)
	if err != nil {
		t.Fatalf("VerifyBlob: %v", err)
	}
	if ok {
		t.Fatal("corrupted blob passed verification")
	}
}
