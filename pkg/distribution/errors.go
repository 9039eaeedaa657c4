package distribution

import (
	"errors"
	"fmt"

	"github.com/engelmi/ramalama/pkg/download"
	"github.com/engelmi/ramalama/pkg/reference"
)

var (
	// ErrInvalidReference indicates a malformed or ambiguous model
	// reference. Fatal, no retry.
	ErrInvalidReference = reference.ErrInvalidReference

	// ErrAmbiguousArtifact indicates an OCI artifact pull that yielded
	// zero or more than one candidate model file. The adapter cannot
	// guess which file is the model.
	ErrAmbiguousArtifact = errors.New("unable to identify a single model file in the pulled artifact")

	// ErrUnsupportedScheme indicates a reference scheme with no
	// registered backend.
	ErrUnsupportedScheme = errors.New("unsupported model reference scheme")

	// ErrIntegrity is the stable alias for a digest mismatch on
	// downloaded content.
	ErrIntegrity = download.ErrDigestMismatch
)

// ModelNotFoundError indicates a remote 404-equivalent. The message carries
// the human-readable reference the user asked for.
type ModelNotFoundError struct {
	Ref string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Ref)
}

// FileNotFoundError indicates a file-scheme source that does not exist.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("no such file: %q", e.Path)
}
