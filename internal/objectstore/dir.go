package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirStore serves objects from the local filesystem.
type DirStore struct{}

// NewDirStore creates a DirStore.
func NewDirStore() *DirStore {
	return &DirStore{}
}

// List implements Store. A directory lists every regular file beneath it; any other path
// is used as a prefix. Hidden files (".DS_Store", ".ipynb_checkpoints") are skipped.
func (s *DirStore) List(ctx context.Context, location string) ([]Object, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}

	if loc.Scheme != SchemeFile {
		return nil, fmt.Errorf("%w: %s is not a local location", ErrUnsupportedScheme, location)
	}

	root := filepath.Clean(loc.Path)
	prefix := ""

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		prefix = root
		root = filepath.Dir(root)
	}

	var objects []Object

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if strings.HasPrefix(d.Name(), ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		if prefix != "" && !strings.HasPrefix(path, prefix) {
			return nil
		}

		objects = append(objects, Object{Location: path, Key: path})

		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoObjects, location)
		}

		return nil, fmt.Errorf("failed to list %s: %w", location, err)
	}

	if len(objects) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoObjects, location)
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	return objects, nil
}

// Open implements Store.
func (s *DirStore) Open(_ context.Context, location string) (io.ReadCloser, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Clean(loc.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", location, err)
	}

	return f, nil
}
