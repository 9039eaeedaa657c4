package distribution

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/engelmi/ramalama/pkg/download"
	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/reference"
	"github.com/engelmi/ramalama/pkg/store"
)

// urlBackend serves plain http/https URLs and local file references. Both
// schemes share the same publishing logic, so the file scheme is a thin view
// over the same backend.
type urlBackend struct {
	store      *store.Store
	engine     *download.Engine
	storeOwned bool
	log        logging.Logger
}

func newURLBackend(s *store.Store, engine *download.Engine, storeOwned bool, log logging.Logger) *urlBackend {
	return &urlBackend{
		store:      s,
		engine:     engine,
		storeOwned: storeOwned,
		log:        log,
	}
}

func (b *urlBackend) Scheme() reference.Scheme {
	return reference.SchemeURL
}

// fileView returns the same backend registered under the file scheme.
func (b *urlBackend) fileView() Backend {
	return &fileBackend{b}
}

type fileBackend struct {
	*urlBackend
}

func (b *fileBackend) Scheme() reference.Scheme {
	return reference.SchemeFile
}

func (b *urlBackend) Pull(ctx context.Context, ref reference.Reference) (string, error) {
	switch ref.Scheme {
	case reference.SchemeFile:
		return b.pullFile(ctx, ref)
	default:
		return b.pullURL(ctx, ref)
	}
}

// pullFile publishes a local file. By default the published symlink points
// at the source in place; in store-owned mode the source is copied into the
// snapshot area first so the store can later delete or relocate its copy
// without affecting the original.
func (b *urlBackend) pullFile(ctx context.Context, ref reference.Reference) (string, error) {
	source := ref.Location
	if _, err := os.Stat(source); err != nil {
		return "", &FileNotFoundError{Path: source}
	}

	linkPath := b.store.PublishedPath(ref)

	if !b.storeOwned {
		if err := b.store.Publish(source, linkPath); err != nil {
			return "", err
		}
		return linkPath, nil
	}

	files := []store.SnapshotFile{{
		URL:      source,
		Name:     ref.Name,
		Required: true,
	}}
	hash, err := b.store.NewSnapshot(ctx, reference.SchemeFile, ref, files, localFileFetcher{})
	if err != nil {
		return "", err
	}
	target, err := b.store.GetSnapshotFilePath(reference.SchemeFile, hash, ref.Name)
	if err != nil {
		return "", err
	}
	if err := b.store.Publish(target, linkPath); err != nil {
		return "", err
	}
	return linkPath, nil
}

// pullURL performs a direct resumable download into the store's snapshot
// area and publishes the result.
func (b *urlBackend) pullURL(ctx context.Context, ref reference.Reference) (string, error) {
	linkPath := b.store.PublishedPath(ref)

	hash, _, complete, err := b.store.GetCachedFiles(reference.SchemeURL, ref)
	if err != nil {
		return "", err
	}
	if complete {
		if target, err := b.store.GetSnapshotFilePath(reference.SchemeURL, hash, ref.Name); err == nil {
			if err := b.store.Publish(target, linkPath); err != nil {
				return "", err
			}
			b.log.Debugf("%s already pulled", ref.String())
			return linkPath, nil
		}
	}

	files := []store.SnapshotFile{{
		URL:          ref.Location,
		Name:         ref.Name,
		ShowProgress: true,
		Required:     true,
	}}
	hash, err = b.store.NewSnapshot(ctx, reference.SchemeURL, ref, files, b.engine)
	if err != nil {
		if errors.Is(err, download.ErrNotFound) {
			return "", &ModelNotFoundError{Ref: ref.String()}
		}
		return "", err
	}

	target, err := b.store.GetSnapshotFilePath(reference.SchemeURL, hash, ref.Name)
	if err != nil {
		return "", err
	}
	if err := b.store.Publish(target, linkPath); err != nil {
		return "", err
	}
	return linkPath, nil
}

// localFileFetcher implements store.Fetcher for sources that already reside
// on a local filesystem: the "download" is a copy into the store.
type localFileFetcher struct{}

func (localFileFetcher) Fetch(_ context.Context, file store.SnapshotFile, destination string) error {
	src, err := os.Open(file.URL)
	if err != nil {
		if os.IsNotExist(err) {
			return &FileNotFoundError{Path: file.URL}
		}
		return fmt.Errorf("open source file: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	tmp := destination + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create destination file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy %q into store: %w", file.URL, err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close destination file: %w", err)
	}
	return os.Rename(tmp, destination)
}
