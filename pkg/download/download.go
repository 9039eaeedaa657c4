// Package download implements the resumable, checksum-verified fetch of one
// remote object into a local destination. Retry happens by re-invocation:
// every fetch is idempotent and safe to re-run after interruption.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opencontainers/go-digest"

	"github.com/engelmi/ramalama/pkg/logging"
	"github.com/engelmi/ramalama/pkg/store"
)

var (
	// ErrNotFound indicates the remote responded with a 404-equivalent.
	// The backend adapter wraps it with the human-readable reference.
	ErrNotFound = errors.New("remote object not found")

	// ErrDigestMismatch indicates a completed download whose content hash
	// does not match the expected digest. The corrupt file is removed
	// before this error is returned.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// StatusError carries the HTTP status of a failed transfer so the CLI can
// surface it as the process exit status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetching %s: unexpected status %d", e.URL, e.StatusCode)
}

const incompleteSuffix = ".incomplete"

// Engine performs HTTP fetches with range-resume and digest verification. It
// implements store.Fetcher.
type Engine struct {
	client    *http.Client
	userAgent string
	progress  io.Writer
	log       logging.Logger
}

var _ store.Fetcher = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithClient sets the HTTP client used for fetches.
func WithClient(client *http.Client) Option {
	return func(e *Engine) { e.client = client }
}

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(userAgent string) Option {
	return func(e *Engine) { e.userAgent = userAgent }
}

// WithProgressOutput sets the writer progress bars render to. Progress is
// disabled when unset.
func WithProgressOutput(w io.Writer) Option {
	return func(e *Engine) { e.progress = w }
}

// NewEngine returns an Engine with the given options applied.
func NewEngine(log logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		client: http.DefaultClient,
		log:    log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Fetch materializes file at destination. The fetch is skipped entirely when
// the destination already exists and, if checksum verification is requested,
// its content matches the expected digest. A partial file left by an
// interrupted run is resumed with a Range request from its current length.
func (e *Engine) Fetch(ctx context.Context, file store.SnapshotFile, destination string) error {
	if done, err := e.alreadyComplete(file, destination); err != nil {
		return err
	} else if done {
		e.log.Debugf("%s already present, skipping download", filepath.Base(destination))
		return nil
	}

	partial := destination + incompleteSuffix
	var offset int64
	if stat, err := os.Stat(partial); err == nil {
		offset = stat.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", file.URL, err)
	}
	for key, value := range file.Headers {
		req.Header.Set(key, value)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", file.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			// The server ignored the Range request, start over.
			if err := os.Truncate(partial, 0); err != nil {
				return fmt.Errorf("truncate partial file: %w", err)
			}
			offset = 0
		}
	case http.StatusPartialContent:
		// Resuming from offset.
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", file.URL, ErrNotFound)
	default:
		return &StatusError{URL: file.URL, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open partial file: %w", err)
	}

	total := offset
	if remaining, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
		total += remaining
	}

	var w io.Writer = out
	var bar *progressBar
	if file.ShowProgress && e.progress != nil {
		bar = newProgressBar(e.progress, displayName(file, destination), offset, total)
		w = io.MultiWriter(out, bar)
	}

	_, copyErr := copyWithContext(ctx, w, resp.Body)
	closeErr := out.Close()
	if bar != nil {
		bar.Finish(copyErr == nil)
	}
	if copyErr != nil {
		// The partial file stays behind, the next invocation resumes it.
		return fmt.Errorf("download %s: %w", file.URL, copyErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close partial file: %w", closeErr)
	}

	if file.VerifyChecksum && file.Digest != "" {
		if err := verifyFile(partial, file.Digest); err != nil {
			if errors.Is(err, ErrDigestMismatch) {
				_ = os.Remove(partial)
			}
			return err
		}
	}

	if err := os.Rename(partial, destination); err != nil {
		return fmt.Errorf("rename completed download: %w", err)
	}
	return nil
}

// alreadyComplete reports whether destination already satisfies the fetch.
func (e *Engine) alreadyComplete(file store.SnapshotFile, destination string) (bool, error) {
	if _, err := os.Stat(destination); err != nil {
		return false, nil
	}
	if !file.VerifyChecksum || file.Digest == "" {
		return true, nil
	}
	err := verifyFile(destination, file.Digest)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrDigestMismatch) {
		// Corrupt content under the final name is demoted to a partial
		// file so it is never served and the download restarts.
		e.log.Warnf("%s failed verification, refetching", filepath.Base(destination))
		if err := os.Remove(destination); err != nil {
			return false, fmt.Errorf("remove corrupt file: %w", err)
		}
		return false, nil
	}
	return false, err
}

func verifyFile(path string, expected digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open for verification: %w", err)
	}
	defer f.Close()

	computed, err := expected.Algorithm().FromReader(f)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	if computed != expected {
		return fmt.Errorf("%s: got %s, want %s: %w", filepath.Base(path), computed, expected, ErrDigestMismatch)
	}
	return nil
}

const copyChunkSize = 1024 * 1024

// copyWithContext copies src to dst in chunks, honoring ctx cancellation
// between chunks. An interrupted copy leaves what was written so far for the
// next invocation to resume.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := io.CopyN(dst, src, copyChunkSize)
		written += n
		if err != nil {
			if errors.Is(err, io.EOF) {
				return written, nil
			}
			return written, err
		}
	}
}

func displayName(file store.SnapshotFile, destination string) string {
	if file.Digest != "" {
		encoded := file.Digest.Encoded()
		if len(encoded) > 12 {
			encoded = encoded[:12]
		}
		return encoded
	}
	return filepath.Base(destination)
}
