// Package filestore stores sessions as one JSON document per file under a
// directory and provides a lock-file lease.Locker so several processes can
// share the directory.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"goa.design/conductor/runtime/session"
)

const docExt = ".json"

// Backend is a session.Backend over a directory.
type Backend struct {
	dir string
}

// New returns a Backend rooted at dir, creating it if needed.
func New(dir string) (*Backend, error) {
	if dir == "" {
		return nil, errors.New("filestore: directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filestore: create %s: %w", dir, err)
	}
	return &Backend{dir: dir}, nil
}

// Dir returns the root directory.
func (b *Backend) Dir() string { return b.dir }

// Read implements session.Backend.
func (b *Backend) Read(_ context.Context, id string) ([]byte, error) {
	p, err := b.path(id)
	if err != nil {
		return nil, err
	}
	doc, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, session.ErrNotFound
	}
	return doc, err
}

// Write implements session.Backend. The document is written to a temporary
// file in the same directory, synced, and renamed over the target.
func (b *Backend) Write(_ context.Context, id string, doc []byte) error {
	p, err := b.path(id)
	if err != nil {
		return err
	}
	return writeAtomic(b.dir, p, doc)
}

// Delete implements session.Backend.
func (b *Backend) Delete(_ context.Context, id string) error {
	p, err := b.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// List implements session.Backend.
func (b *Backend) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, docExt) || strings.HasPrefix(name, ".") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, docExt))
	}
	sort.Strings(ids)
	return ids, nil
}

func (b *Backend) path(id string) (string, error) {
	if id == "" || id == "." || id == ".." || filepath.Base(id) != id || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("filestore: invalid session id %q", id)
	}
	return filepath.Join(b.dir, id+docExt), nil
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	cleanup := func(err error) error {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, target); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
