package distribution

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/engelmi/ramalama/pkg/download"
	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/reference"
	"github.com/engelmi/ramalama/pkg/store"
)

const defaultHuggingFaceEndpoint = "https://huggingface.co"

type huggingFaceBackend struct {
	store    *store.Store
	engine   *download.Engine
	endpoint string
	log      logging.Logger
}

func newHuggingFaceBackend(s *store.Store, engine *download.Engine, endpoint string, log logging.Logger) *huggingFaceBackend {
	return &huggingFaceBackend{
		store:    s,
		engine:   engine,
		endpoint: endpoint,
		log:      log,
	}
}

func (b *huggingFaceBackend) Scheme() reference.Scheme {
	return reference.SchemeHuggingFace
}

// Pull downloads one file from a Hugging Face repository into the
// per-repository cache mirror and publishes a symlink to it. Re-running with
// an unchanged reference performs no filesystem mutation.
func (b *huggingFaceBackend) Pull(ctx context.Context, ref reference.Reference) (string, error) {
	cachePath := filepath.Join(b.store.ReposDir(reference.SchemeHuggingFace), filepath.FromSlash(ref.Organization), ref.Name)
	linkPath := b.store.PublishedPath(ref)

	// The hub's "latest" is the main branch.
	revision := ref.Tag
	if revision == reference.DefaultTag {
		revision = "main"
	}

	file := store.SnapshotFile{
		URL:          fmt.Sprintf("%s/%s/resolve/%s/%s", b.endpoint, ref.Organization, revision, ref.Name),
		Name:         ref.Name,
		ShowProgress: true,
		Required:     true,
	}
	if err := b.engine.Fetch(ctx, file, cachePath); err != nil {
		if errors.Is(err, download.ErrNotFound) {
			return "", &ModelNotFoundError{Ref: ref.String()}
		}
		return "", err
	}

	if err := b.store.Publish(cachePath, linkPath); err != nil {
		return "", err
	}
	return linkPath, nil
}
