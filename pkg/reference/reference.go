// Package reference parses human-readable model references into their scheme,
// organization, name, and tag components. Parsing is pure and performs no I/O.
package reference

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Scheme identifies the backend a model reference addresses.
type Scheme string

const (
	SchemeOllama      Scheme = "ollama"
	SchemeOCI         Scheme = "oci"
	SchemeHuggingFace Scheme = "huggingface"
	SchemeURL         Scheme = "url"
	SchemeFile        Scheme = "file"
)

const (
	// DefaultNamespace is the namespace assumed for bare ollama references.
	DefaultNamespace = "library"
	// DefaultTag is the tag assumed when a reference carries none.
	DefaultTag = "latest"

	// huggingFaceHost is the canonical Hugging Face hub host, used to
	// recognize copy-pasted "resolve" URLs.
	huggingFaceHost = "huggingface.co"
)

// ErrInvalidReference indicates a malformed or ambiguous model reference.
var ErrInvalidReference = errors.New("invalid model reference")

// Reference is a parsed model reference. Immutable once parsed.
type Reference struct {
	Scheme       Scheme
	Organization string
	Name         string
	Tag          string
	// Location is the scheme-stripped remainder of the input. For url
	// references it is the full fetch URL, for file references the
	// filesystem path, and for registry schemes the repository path.
	Location string
}

// String returns the short human form of the reference, the one surfaced in
// error messages and list output.
func (r Reference) String() string {
	switch r.Scheme {
	case SchemeOllama:
		if r.Organization == DefaultNamespace {
			return fmt.Sprintf("%s:%s", r.Name, r.Tag)
		}
		return fmt.Sprintf("%s/%s:%s", r.Organization, r.Name, r.Tag)
	case SchemeFile, SchemeURL:
		return r.Location
	default:
		return fmt.Sprintf("%s/%s:%s", r.Organization, r.Name, r.Tag)
	}
}

// Repository returns the namespace-qualified repository path without a tag.
func (r Reference) Repository() string {
	if r.Organization == "" {
		return r.Name
	}
	return r.Organization + "/" + r.Name
}

// Parse resolves a model reference string into a Reference.
//
// The accepted grammar is [scheme://]{[namespace/]name}[:tag] with scheme one
// of ollama, oci, huggingface, file, http, or https. A missing scheme implies
// ollama, a missing namespace implies "library", and a missing tag implies
// "latest".
func Parse(ref string) (Reference, error) {
	if ref == "" {
		return Reference{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	switch {
	case strings.HasPrefix(ref, "ollama://"):
		return parseOllama(strings.TrimPrefix(ref, "ollama://"))
	case strings.HasPrefix(ref, "oci://"):
		return parseOCI(strings.TrimPrefix(ref, "oci://"))
	case strings.HasPrefix(ref, "huggingface://"):
		return parseHuggingFace(strings.TrimPrefix(ref, "huggingface://"))
	case strings.HasPrefix(ref, "file://"):
		return parseFile(strings.TrimPrefix(ref, "file://"))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return parseURL(ref)
	default:
		return parseOllama(ref)
	}
}

func parseOllama(rest string) (Reference, error) {
	if rest == "" {
		return Reference{}, fmt.Errorf("%w: empty ollama reference", ErrInvalidReference)
	}

	name := rest
	tag := DefaultTag
	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		name, tag = rest[:idx], rest[idx+1:]
		if name == "" || tag == "" {
			return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, rest)
		}
	}

	namespace := DefaultNamespace
	if ns, n, found := strings.Cut(name, "/"); found {
		namespace, name = ns, n
	}
	if name == "" {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, rest)
	}

	return Reference{
		Scheme:       SchemeOllama,
		Organization: namespace,
		Name:         name,
		Tag:          tag,
		Location:     rest,
	}, nil
}

func parseOCI(rest string) (Reference, error) {
	registry, remainder, found := strings.Cut(rest, "/")
	if !found || remainder == "" {
		return Reference{}, fmt.Errorf(
			"%w: %q: an OCI reference requires a registry, e.g. oci://registry.acme.org/ns/repo:tag",
			ErrInvalidReference, rest)
	}
	// A bare name is ambiguous with a registry-less reference, so the
	// registry host must be dotted.
	if !strings.Contains(registry, ".") {
		return Reference{}, fmt.Errorf(
			"%w: %q: the registry host must contain a dot, e.g. oci://registry.acme.org/ns/repo:tag",
			ErrInvalidReference, rest)
	}

	repo := remainder
	tag := DefaultTag
	if idx := strings.LastIndex(remainder, ":"); idx >= 0 {
		repo, tag = remainder[:idx], remainder[idx+1:]
		if repo == "" || tag == "" {
			return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, rest)
		}
	}

	name := path.Base(repo)
	organization := registry
	if dir := path.Dir(repo); dir != "." {
		organization = registry + "/" + dir
	}

	return Reference{
		Scheme:       SchemeOCI,
		Organization: organization,
		Name:         name,
		Tag:          tag,
		Location:     rest,
	}, nil
}

func parseHuggingFace(rest string) (Reference, error) {
	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return Reference{}, fmt.Errorf(
			"%w: %q: a huggingface reference requires a repository and file, e.g. huggingface://org/repo/model.gguf",
			ErrInvalidReference, rest)
	}

	return Reference{
		Scheme:       SchemeHuggingFace,
		Organization: rest[:idx],
		Name:         rest[idx+1:],
		Tag:          DefaultTag,
		Location:     rest,
	}, nil
}

func parseFile(rest string) (Reference, error) {
	if rest == "" {
		return Reference{}, fmt.Errorf("%w: empty file reference", ErrInvalidReference)
	}
	return Reference{
		Scheme:       SchemeFile,
		Organization: strings.TrimPrefix(path.Dir(rest), "/"),
		Name:         path.Base(rest),
		Tag:          DefaultTag,
		Location:     rest,
	}, nil
}

func parseURL(ref string) (Reference, error) {
	scheme, rest, _ := strings.Cut(ref, "://")
	_ = scheme

	idx := strings.LastIndex(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return Reference{}, fmt.Errorf("%w: %q: URL has no file component", ErrInvalidReference, ref)
	}

	organization := rest[:idx]
	name := rest[idx+1:]
	tag := DefaultTag

	// A copy-pasted hub URL of the shape .../blob/<rev>/file or
	// .../resolve/<rev>/file names the same snapshot as the short
	// reference, so fold the revision into the tag.
	parts := strings.Split(organization, "/")
	if len(parts) > 2 {
		switch parts[len(parts)-2] {
		case "blob":
			organization = strings.Join(parts[:len(parts)-2], "/")
			tag = parts[len(parts)-1]
		case "resolve":
			if parts[0] == huggingFaceHost {
				organization = strings.Join(parts[:len(parts)-2], "/")
				tag = parts[len(parts)-1]
			}
		}
	}

	return Reference{
		Scheme:       SchemeURL,
		Organization: organization,
		Name:         name,
		Tag:          tag,
		Location:     ref,
	}, nil
}
