// Package registry discovers local GGUF model files for the in-process llama
// backend.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"batchd/internal/common/fsutil"
	"batchd/pkg/types"
)

// ErrModelNotFound is returned by Resolve when no file matches.
var ErrModelNotFound = errors.New("model not found")

// LoadDir scans a directory for *.gguf files, sorted by file name. ID is the
// file name; Path is the absolute file path.
func LoadDir(dir string) ([]types.Model, error) {
	abs, err := fsutil.AbsPath(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() || !isGGUF(e.Name()) {
			continue
		}
		m := types.Model{ID: e.Name(), Path: filepath.Join(abs, e.Name())}
		if info, err := e.Info(); err == nil {
			m.SizeBytes = info.Size()
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// Resolve locates model. A model that names an existing file is used as is;
// otherwise it is looked up by file name (with or without the .gguf suffix)
// in dir.
func Resolve(model, dir string) (types.Model, error) {
	if model == "" {
		return types.Model{}, fmt.Errorf("%w: empty model name", ErrModelNotFound)
	}
	if p, err := fsutil.AbsPath(model); err == nil {
		if size, err := fsutil.RegularFile(p); err == nil {
			return types.Model{ID: filepath.Base(p), Path: p, SizeBytes: size}, nil
		}
	}
	if dir == "" {
		return types.Model{}, fmt.Errorf("%w: %s", ErrModelNotFound, model)
	}
	models, err := LoadDir(dir)
	if err != nil {
		return types.Model{}, err
	}
	for _, m := range models {
		if m.ID == model || strings.TrimSuffix(m.ID, filepath.Ext(m.ID)) == model {
			return m, nil
		}
	}
	return types.Model{}, fmt.Errorf("%w: %s in %s", ErrModelNotFound, model, dir)
}

func isGGUF(name string) bool { return strings.HasSuffix(strings.ToLower(name), ".gguf") }
