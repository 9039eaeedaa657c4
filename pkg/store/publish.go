package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/engelmi/ramalama/pkg/reference"
)

// Publish points the symlink at linkPath to targetPath, creating parent
// directories as needed. The link target is always relative so the store
// stays relocatable. An existing link with the correct target is left
// untouched; anything else is replaced atomically, so a concurrent reader
// never observes a dangling or half-written link.
func (s *Store) Publish(targetPath, linkPath string) error {
	linkDir := filepath.Dir(linkPath)
	if err := os.MkdirAll(linkDir, 0o755); err != nil {
		return fmt.Errorf("create symlink directory %q: %w", linkDir, err)
	}

	relTarget, err := filepath.Rel(linkDir, targetPath)
	if err != nil {
		// Absolute sources outside the store (file scheme) cannot be
		// expressed relative to the link directory on all platforms.
		relTarget = targetPath
	}

	if existing, err := os.Readlink(linkPath); err == nil && existing == relTarget {
		return nil
	}

	tmp := linkPath + ".tmp"
	_ = os.Remove(tmp)
	if err := os.Symlink(relTarget, tmp); err != nil {
		return fmt.Errorf("create symlink %q -> %q: %w", linkPath, relTarget, err)
	}
	if err := os.Rename(tmp, linkPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace symlink %q: %w", linkPath, err)
	}
	return nil
}

// PublishedModel is one entry of the human-addressed models/ tree.
type PublishedModel struct {
	// Name is the reference-style display name, e.g. "ollama://llama3:latest".
	Name string
	// LinkPath is the symlink under models/.
	LinkPath string
	// TargetPath is the resolved blob the link points at.
	TargetPath string
	// Size is the size of the target in bytes, 0 when the target is
	// missing.
	Size int64
	// Modified is the symlink's modification time.
	Modified time.Time
}

// ListPublished walks the models/ tree and returns every published symlink,
// newest first.
func (s *Store) ListPublished() ([]PublishedModel, error) {
	modelsRoot := filepath.Join(s.rootPath, modelsDir)

	var models []PublishedModel
	err := filepath.Walk(modelsRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		rel, err := filepath.Rel(modelsRoot, path)
		if err != nil {
			return nil
		}
		name := strings.Replace(filepath.ToSlash(rel), "/", "://", 1)

		model := PublishedModel{
			Name:     name,
			LinkPath: path,
			Modified: info.ModTime(),
		}
		if target, err := filepath.EvalSymlinks(path); err == nil {
			model.TargetPath = target
			if stat, err := os.Stat(target); err == nil {
				model.Size = stat.Size()
			}
		}
		models = append(models, model)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk models directory: %w", err)
	}

	for i := 0; i < len(models); i++ {
		for j := i + 1; j < len(models); j++ {
			if models[j].Modified.After(models[i].Modified) {
				models[i], models[j] = models[j], models[i]
			}
		}
	}
	return models, nil
}

// FindPublished returns the published symlink for a reference if one exists.
func (s *Store) FindPublished(ref reference.Reference) (string, bool) {
	linkPath := s.PublishedPath(ref)
	if info, err := os.Lstat(linkPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return linkPath, true
	}
	return "", false
}

// PublishedPath computes the models/ location for a reference. Ollama models
// publish as "<name>:<tag>" directly under the backend directory, everything
// else mirrors the organization path.
func (s *Store) PublishedPath(ref reference.Reference) string {
	switch ref.Scheme {
	case reference.SchemeOllama:
		return filepath.Join(s.ModelsDir(ref.Scheme), fmt.Sprintf("%s:%s", ref.Name, ref.Tag))
	default:
		return filepath.Join(s.ModelsDir(ref.Scheme), filepath.FromSlash(ref.Organization), ref.Name)
	}
}

// Unpublish removes a published symlink. When no other published link
// references the same target and the target lives under repos/, the target
// blob is removed as well.
func (s *Store) Unpublish(linkPath string) error {
	target, err := filepath.EvalSymlinks(linkPath)
	if err != nil {
		// Dangling link: removing the link itself is all there is to do.
		return os.Remove(linkPath)
	}

	if err := os.Remove(linkPath); err != nil {
		return fmt.Errorf("remove symlink: %w", err)
	}

	reposRoot := filepath.Join(s.rootPath, reposDir)
	if resolved, err := filepath.EvalSymlinks(reposRoot); err == nil {
		reposRoot = resolved
	}
	if !strings.HasPrefix(target, reposRoot+string(filepath.Separator)) {
		return nil
	}

	models, err := s.ListPublished()
	if err != nil {
		return err
	}
	for _, model := range models {
		if model.TargetPath == target {
			return nil
		}
	}

	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove blob %q: %w", target, err)
	}
	return nil
}
