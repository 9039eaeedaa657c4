package distribution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/opencontainers/go-digest"

	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/reference"
	"github.com/engelmi/ramalama/pkg/store"
)

const (
	// modelFileExtension is the artifact file extension recognized as
	// model content in a pulled OCI artifact.
	modelFileExtension = ".gguf"

	// Annotation keys carrying the original filename of an artifact
	// layer, in preference order.
	annotationFilePath = "org.cncf.model.filepath"
	annotationTitle    = "org.opencontainers.image.title"
)

type ociBackend struct {
	store     *store.Store
	transport http.RoundTripper
	userAgent string
	log       logging.Logger
}

func newOCIBackend(s *store.Store, rt http.RoundTripper, userAgent string, log logging.Logger) *ociBackend {
	return &ociBackend{
		store:     s,
		transport: rt,
		userAgent: userAgent,
		log:       log,
	}
}

func (b *ociBackend) Scheme() reference.Scheme {
	return reference.SchemeOCI
}

// Pull fetches the OCI artifact into a per-reference output directory,
// requires exactly one model file in the result, and publishes a symlink to
// it.
func (b *ociBackend) Pull(ctx context.Context, ref reference.Reference) (string, error) {
	registry, remainder, _ := strings.Cut(ref.Location, "/")
	// The tag becomes a path segment so different tags of one repository
	// get distinct output directories.
	referenceDir := strings.ReplaceAll(remainder, ":", "/")

	outDir := filepath.Join(b.store.ReposDir(reference.SchemeOCI), registry, filepath.FromSlash(referenceDir))
	linkDir := filepath.Join(b.store.ModelsDir(reference.SchemeOCI), registry, filepath.FromSlash(referenceDir))

	if linkPath, ok := publishedArtifactLink(linkDir); ok {
		b.log.Debugf("%s already pulled", ref.String())
		return linkPath, nil
	}

	if err := b.pullArtifact(ctx, ref, outDir); err != nil {
		return "", err
	}

	modelFile, err := singleModelFile(outDir)
	if err != nil {
		return "", err
	}

	linkPath := filepath.Join(linkDir, modelFile)
	if err := b.store.Publish(filepath.Join(outDir, modelFile), linkPath); err != nil {
		return "", err
	}
	return linkPath, nil
}

// pullArtifact downloads every layer of the artifact into outDir, named by
// the layer's filename annotation. Layers already on disk with the expected
// size are skipped.
func (b *ociBackend) pullArtifact(ctx context.Context, ref reference.Reference, outDir string) error {
	parsed, err := name.ParseReference(ref.Location)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidReference, ref.Location, err)
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	}
	if b.transport != nil {
		opts = append(opts, remote.WithTransport(b.transport))
	}
	if b.userAgent != "" {
		opts = append(opts, remote.WithUserAgent(b.userAgent))
	}

	img, err := remote.Image(parsed, opts...)
	if err != nil {
		var terr *transport.Error
		if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
			return &ModelNotFoundError{Ref: ref.String()}
		}
		return fmt.Errorf("pull artifact %s: %w", ref.String(), err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return fmt.Errorf("read artifact manifest: %w", err)
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}

	for _, desc := range manifest.Layers {
		if err := b.writeLayer(img, desc, outDir); err != nil {
			return fmt.Errorf("write layer %s: %w", desc.Digest, err)
		}
	}
	return nil
}

// writeLayer places the layer content in the store's blob area, deduplicated
// by digest, and links the artifact's filename in outDir to it.
func (b *ociBackend) writeLayer(img v1.Image, desc v1.Descriptor, outDir string) error {
	dgst := digest.NewDigestFromEncoded(digest.Algorithm(desc.Digest.Algorithm), desc.Digest.Hex)

	hasBlob, err := b.store.HasBlob(reference.SchemeOCI, dgst)
	if err != nil {
		return err
	}
	if !hasBlob {
		layer, err := img.LayerByDigest(desc.Digest)
		if err != nil {
			return err
		}
		// Artifact layers are raw files, the compressed stream is the
		// content the descriptor digest names.
		rc, err := layer.Compressed()
		if err != nil {
			return err
		}
		defer rc.Close()
		if err := b.store.WriteBlob(reference.SchemeOCI, dgst, rc); err != nil {
			return err
		}
	}

	blobPath, err := b.store.BlobPath(reference.SchemeOCI, dgst)
	if err != nil {
		return err
	}
	return b.store.Publish(blobPath, filepath.Join(outDir, layerFilename(desc)))
}

func layerFilename(desc v1.Descriptor) string {
	if path := desc.Annotations[annotationFilePath]; path != "" {
		return filepath.Base(filepath.FromSlash(path))
	}
	if title := desc.Annotations[annotationTitle]; title != "" {
		return filepath.Base(filepath.FromSlash(title))
	}
	return desc.Digest.Hex
}

// singleModelFile returns the name of the one model file in dir. Zero or
// more than one candidate is fatal, the adapter cannot guess which file is
// the model.
func singleModelFile(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("read artifact directory: %w", err)
	}

	var candidates []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), modelFileExtension) {
			candidates = append(candidates, entry.Name())
		}
	}
	if len(candidates) != 1 {
		return "", fmt.Errorf("%w: found %d %s files in %s", ErrAmbiguousArtifact, len(candidates), modelFileExtension, dir)
	}
	return candidates[0], nil
}

// publishedArtifactLink reports the already-published symlink for an
// artifact directory, when exactly one intact link exists.
func publishedArtifactLink(linkDir string) (string, bool) {
	entries, err := os.ReadDir(linkDir)
	if err != nil {
		return "", false
	}

	var links []string
	for _, entry := range entries {
		path := filepath.Join(linkDir, entry.Name())
		if info, err := os.Lstat(path); err != nil || info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if _, err := filepath.EvalSymlinks(path); err != nil {
			continue
		}
		links = append(links, path)
	}
	if len(links) != 1 {
		return "", false
	}
	return links[0], true
}
