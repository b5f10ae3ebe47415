// Package media resolves media references attached to scheduled messages.
package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store resolves an opaque media reference to raw bytes.
type Store interface {
	Resolve(ref string) ([]byte, error)
}

// Dir is a filesystem-backed media store rooted at a single directory.
// Absolute references are allowed only when no root is configured.
type Dir struct {
	root string
}

func NewDir(root string) *Dir {
	return &Dir{root: strings.TrimSpace(root)}
}

func (d *Dir) Resolve(ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, errors.New("empty media reference")
	}

	path := ref
	if d.root != "" {
		path = filepath.Join(d.root, filepath.FromSlash(ref))
		// Keep references inside the media root.
		rel, err := filepath.Rel(d.root, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("media reference %q escapes media dir", ref)
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read media %q: %w", ref, err)
	}
	return b, nil
}
