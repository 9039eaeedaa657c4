// Package store implements the local content-addressed model store: a blob
// area keyed by digest, snapshot records keyed by a hash derived from the
// model name, and the human-readable symlink tree published under models/.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"

	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/reference"
)

const (
	modelsDir    = "models"
	reposDir     = "repos"
	blobsDir     = "blobs"
	snapshotsDir = "snapshots"
	refsDir      = "refs"
	manifestsDir = "manifests"
)

// backends enumerates the per-backend subtrees created under models/ and
// repos/.
var backends = []reference.Scheme{
	reference.SchemeHuggingFace,
	reference.SchemeOCI,
	reference.SchemeOllama,
	reference.SchemeURL,
	reference.SchemeFile,
}

// Store owns the on-disk layout rooted at rootPath. It knows nothing about
// any remote protocol.
type Store struct {
	rootPath string
	log      logging.Logger
}

// New returns a store rooted at rootPath. EnsureLayout must be called before
// the first write.
func New(rootPath string, log logging.Logger) *Store {
	return &Store{rootPath: rootPath, log: log}
}

// RootPath returns the store root directory.
func (s *Store) RootPath() string {
	return s.rootPath
}

// DefaultRootPath resolves the store root: $RAMALAMA_STORE when set,
// /var/lib/ramalama for root, ~/.local/share/ramalama otherwise.
func DefaultRootPath() (string, error) {
	if root := os.Getenv("RAMALAMA_STORE"); root != "" {
		return root, nil
	}
	if os.Geteuid() == 0 {
		return "/var/lib/ramalama", nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "ramalama"), nil
}

// EnsureLayout creates the fixed {models,repos}/{backend} subtree under the
// store root. It is idempotent and safe to call on every invocation.
func (s *Store) EnsureLayout() error {
	for _, prefix := range []string{modelsDir, reposDir} {
		for _, backend := range backends {
			dir := filepath.Join(s.rootPath, prefix, string(backend))
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create store directory %q: %w", dir, err)
			}
		}
	}
	return nil
}

// ModelsDir returns the published-symlink directory for the given backend.
func (s *Store) ModelsDir(scheme reference.Scheme) string {
	return filepath.Join(s.rootPath, modelsDir, string(scheme))
}

// ReposDir returns the content-addressed repository directory for the given
// backend.
func (s *Store) ReposDir(scheme reference.Scheme) string {
	return filepath.Join(s.rootPath, reposDir, string(scheme))
}

// ManifestPath returns the on-disk cache location of an ollama-style
// registry manifest.
func (s *Store) ManifestPath(registry, namespace, name, tag string) string {
	return filepath.Join(s.ReposDir(reference.SchemeOllama), manifestsDir, registry, namespace, name, tag)
}

// SnapshotHash derives the snapshot key for a reference. Two references that
// resolve to the same repository and tag share a snapshot.
func SnapshotHash(ref reference.Reference) digest.Digest {
	return digest.FromString(ref.Repository() + ":" + ref.Tag)
}
