package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/opencontainers/go-digest"

	"github.com/engelmi/ramalama/pkg/download"
	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/reference"
	"github.com/engelmi/ramalama/pkg/store"
)

const (
	defaultOllamaRegistry = "https://registry.ollama.ai"

	// manifestAcceptHeader is sent with every registry request, the ollama
	// registry speaks the docker distribution manifest v2 protocol.
	manifestAcceptHeader = "application/vnd.docker.distribution.manifest.v2+json"

	// mediaTypeOllamaModel marks the layer holding the model weights.
	// Other layer types (license, template, params) are not needed to run
	// the model and are skipped.
	mediaTypeOllamaModel = "application/vnd.ollama.image.model"
)

// ollamaManifest is the docker distribution manifest v2 document served by
// the ollama registry.
type ollamaManifest struct {
	SchemaVersion int                `json:"schemaVersion"`
	MediaType     string             `json:"mediaType"`
	Config        ollamaDescriptor   `json:"config"`
	Layers        []ollamaDescriptor `json:"layers"`
}

type ollamaDescriptor struct {
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
}

type ollamaBackend struct {
	store    *store.Store
	engine   *download.Engine
	registry string
	log      logging.Logger
}

func newOllamaBackend(s *store.Store, engine *download.Engine, registry string, log logging.Logger) *ollamaBackend {
	return &ollamaBackend{
		store:    s,
		engine:   engine,
		registry: registry,
		log:      log,
	}
}

func (b *ollamaBackend) Scheme() reference.Scheme {
	return reference.SchemeOllama
}

// Pull fetches the manifest, the config blob, and every model-content layer,
// then publishes a "<name>:<tag>" symlink pointing at the model blob.
func (b *ollamaBackend) Pull(ctx context.Context, ref reference.Reference) (string, error) {
	linkPath := b.store.PublishedPath(ref)

	// A complete snapshot with an intact symlink needs no network at all.
	_, _, complete, err := b.store.GetCachedFiles(reference.SchemeOllama, ref)
	if err != nil {
		return "", err
	}
	if complete {
		if _, ok := b.store.FindPublished(ref); ok {
			b.log.Debugf("%s already pulled", ref.String())
			return linkPath, nil
		}
	}

	manifest, err := b.fetchManifest(ctx, ref)
	if err != nil {
		return "", err
	}

	blobURL := func(dgst digest.Digest) string {
		return fmt.Sprintf("%s/v2/%s/blobs/%s", b.registry, ref.Repository(), dgst)
	}

	files := []store.SnapshotFile{{
		URL:            blobURL(manifest.Config.Digest),
		Headers:        map[string]string{"Accept": manifestAcceptHeader},
		Digest:         manifest.Config.Digest,
		Name:           "config",
		VerifyChecksum: true,
		Required:       true,
	}}

	var modelDigests []digest.Digest
	for _, layer := range manifest.Layers {
		if layer.MediaType != mediaTypeOllamaModel {
			continue
		}
		name := "model"
		if n := len(modelDigests); n > 0 {
			name = fmt.Sprintf("model-%d", n+1)
		}
		files = append(files, store.SnapshotFile{
			URL:            blobURL(layer.Digest),
			Headers:        map[string]string{"Accept": manifestAcceptHeader},
			Digest:         layer.Digest,
			Name:           name,
			ShowProgress:   true,
			VerifyChecksum: true,
			Required:       true,
		})
		modelDigests = append(modelDigests, layer.Digest)
	}
	if len(modelDigests) == 0 {
		return "", fmt.Errorf("manifest for %s names no model layer", ref.String())
	}
	if len(modelDigests) > 1 {
		// Multi-layer models exist in the wild; every layer is kept in
		// the blob area but the published path addresses the first.
		b.log.Warnf("manifest for %s names %d model layers, publishing the first", ref.String(), len(modelDigests))
	}

	if _, err := b.store.NewSnapshot(ctx, reference.SchemeOllama, ref, files, b.engine); err != nil {
		return "", err
	}

	target, err := b.store.BlobPath(reference.SchemeOllama, modelDigests[0])
	if err != nil {
		return "", err
	}
	if err := b.store.Publish(target, linkPath); err != nil {
		return "", err
	}
	return linkPath, nil
}

// fetchManifest downloads the tag's manifest into the on-disk manifest cache
// and decodes it. Tags are mutable, so any previously cached manifest is
// discarded first.
func (b *ollamaBackend) fetchManifest(ctx context.Context, ref reference.Reference) (*ollamaManifest, error) {
	registryHost := b.registry
	if u, err := url.Parse(b.registry); err == nil && u.Host != "" {
		registryHost = u.Host
	}
	manifestPath := b.store.ManifestPath(registryHost, ref.Organization, ref.Name, ref.Tag)
	_ = os.Remove(manifestPath)
	_ = os.Remove(manifestPath + ".incomplete")

	manifestFile := store.SnapshotFile{
		URL:      fmt.Sprintf("%s/v2/%s/manifests/%s", b.registry, ref.Repository(), ref.Tag),
		Headers:  map[string]string{"Accept": manifestAcceptHeader},
		Name:     "manifest",
		Required: true,
	}
	if err := b.engine.Fetch(ctx, manifestFile, manifestPath); err != nil {
		if errors.Is(err, download.ErrNotFound) {
			return nil, &ModelNotFoundError{Ref: ref.String()}
		}
		return nil, err
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read cached manifest: %w", err)
	}
	var manifest ollamaManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", ref.String(), err)
	}
	return &manifest, nil
}
