// Package distribution resolves model references against their backends and
// materializes complete snapshots in the local store. One backend exists per
// reference scheme; dispatch happens through a static registration map built
// at client construction, never through ambient state.
package distribution

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/engelmi/ramalama/pkg/download"
	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/reference"
	"github.com/engelmi/ramalama/pkg/store"
)

// staleDownloadMaxAge is how long an untouched partial download survives
// before cleanup reclaims it.
const staleDownloadMaxAge = 7 * 24 * time.Hour

// Backend turns a resolved reference into a complete, published snapshot and
// returns the published model path.
type Backend interface {
	// Scheme identifies the reference scheme this backend serves.
	Scheme() reference.Scheme
	// Pull materializes the referenced model and returns the published
	// symlink path.
	Pull(ctx context.Context, ref reference.Reference) (string, error)
}

// Client is the multi-source model resolution client.
type Client struct {
	store    *store.Store
	engine   *download.Engine
	backends map[reference.Scheme]Backend
	log      logging.Logger

	storeRootPath   string
	transport       http.RoundTripper
	userAgent       string
	progressOut     io.Writer
	ollamaRegistry  string
	hfEndpoint      string
	storeOwnedFiles bool
}

// Option configures a Client.
type Option func(*Client)

// WithStoreRootPath sets the root path for the model store.
func WithStoreRootPath(path string) Option {
	return func(c *Client) { c.storeRootPath = path }
}

// WithLogger sets the logger to use.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// WithTransport sets the HTTP transport to use.
func WithTransport(transport http.RoundTripper) Option {
	return func(c *Client) { c.transport = transport }
}

// WithUserAgent sets the user agent to use.
func WithUserAgent(userAgent string) Option {
	return func(c *Client) { c.userAgent = userAgent }
}

// WithProgressOutput sets the writer download progress renders to.
func WithProgressOutput(w io.Writer) Option {
	return func(c *Client) { c.progressOut = w }
}

// WithOllamaRegistry overrides the ollama registry base URL.
func WithOllamaRegistry(url string) Option {
	return func(c *Client) { c.ollamaRegistry = url }
}

// WithHuggingFaceEndpoint overrides the Hugging Face hub base URL.
func WithHuggingFaceEndpoint(url string) Option {
	return func(c *Client) { c.hfEndpoint = url }
}

// WithStoreOwnedFiles makes file-scheme pulls copy the source into the store
// instead of symlinking to it, so the store can later relocate or delete its
// copy without affecting the original.
func WithStoreOwnedFiles() Option {
	return func(c *Client) { c.storeOwnedFiles = true }
}

// NewClient creates a distribution client and its backend registration map.
func NewClient(opts ...Option) (*Client, error) {
	c := &Client{
		ollamaRegistry: defaultOllamaRegistry,
		hfEndpoint:     defaultHuggingFaceEndpoint,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.log == nil {
		c.log = logging.Discard().WithField("component", "distribution")
	}
	if c.storeRootPath == "" {
		root, err := store.DefaultRootPath()
		if err != nil {
			return nil, fmt.Errorf("resolve store root: %w", err)
		}
		c.storeRootPath = root
	}

	c.store = store.New(c.storeRootPath, c.log)
	if err := c.store.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("initialize store layout: %w", err)
	}
	if err := c.store.CleanupStaleIncompleteFiles(staleDownloadMaxAge); err != nil {
		c.log.Warnf("stale download cleanup: %v", err)
	}

	httpClient := http.DefaultClient
	if c.transport != nil {
		httpClient = &http.Client{Transport: c.transport}
	}
	engineOpts := []download.Option{
		download.WithClient(httpClient),
		download.WithUserAgent(c.userAgent),
	}
	if c.progressOut != nil {
		engineOpts = append(engineOpts, download.WithProgressOutput(c.progressOut))
	}
	c.engine = download.NewEngine(c.log, engineOpts...)

	urlBackend := newURLBackend(c.store, c.engine, c.storeOwnedFiles, c.log)
	c.backends = make(map[reference.Scheme]Backend)
	for _, backend := range []Backend{
		newOllamaBackend(c.store, c.engine, c.ollamaRegistry, c.log),
		newOCIBackend(c.store, c.transport, c.userAgent, c.log),
		newHuggingFaceBackend(c.store, c.engine, c.hfEndpoint, c.log),
		urlBackend,
		urlBackend.fileView(),
	} {
		c.backends[backend.Scheme()] = backend
	}

	return c, nil
}

// Store exposes the client's store for list/rm/inspect operations.
func (c *Client) Store() *store.Store {
	return c.store
}

// Pull resolves the reference string and materializes the model through the
// matching backend. It returns the published local path.
func (c *Client) Pull(ctx context.Context, refStr string) (string, error) {
	ref, err := reference.Parse(refStr)
	if err != nil {
		return "", err
	}

	backend, ok := c.backends[ref.Scheme]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, ref.Scheme)
	}

	c.log.Infof("pulling %s via %s backend", ref.String(), ref.Scheme)
	path, err := backend.Pull(ctx, ref)
	if err != nil {
		return "", err
	}
	return path, nil
}
