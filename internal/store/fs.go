package store

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	apperrors "barkeeper/internal/errors"
)

const tmpSuffix = ".tmp"

// FSBlobStore keeps each blob as a file under a root directory.
type FSBlobStore struct {
	fs afero.Fs
	mu sync.Mutex
}

// NewFSBlobStore roots a blob store at dir on the local filesystem.
func NewFSBlobStore(dir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return NewFSBlobStoreOn(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

// NewFSBlobStoreOn wraps an existing afero filesystem.
func NewFSBlobStoreOn(fs afero.Fs) *FSBlobStore {
	return &FSBlobStore{fs: fs}
}

// NewMemoryBlobStore returns a blob store that lives only in memory.
func NewMemoryBlobStore() *FSBlobStore {
	return NewFSBlobStoreOn(afero.NewMemMapFs())
}

// Fs exposes the underlying filesystem.
func (s *FSBlobStore) Fs() afero.Fs {
	return s.fs
}

// Get implements BlobStore.
func (s *FSBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, filepath.FromSlash(key))
	if err != nil {
		return nil, notFound(key, err)
	}
	return data, nil
}

// Put writes to a sibling temp file and renames it over key.
func (s *FSBlobStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := filepath.FromSlash(key)
	if dir := filepath.Dir(name); dir != "." {
		if err := s.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	tmp := name + tmpSuffix
	if err := afero.WriteFile(s.fs, tmp, data, 0644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	return nil
}

// Stat implements BlobStore.
func (s *FSBlobStore) Stat(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(filepath.FromSlash(key))
	if err != nil {
		return 0, notFound(key, err)
	}
	return info.Size(), nil
}

// List returns the keys in the directory named by prefix whose file name
// starts with the rest of prefix. It does not descend into subdirectories.
func (s *FSBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, filePrefix := path.Split(prefix)
	readDir := "."
	if dir != "" {
		readDir = filepath.FromSlash(strings.TrimSuffix(dir, "/"))
	}

	entries, err := afero.ReadDir(s.fs, readDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var keys []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, tmpSuffix) || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		keys = append(keys, path.Join(dir, name))
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *FSBlobStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.fs.Remove(filepath.FromSlash(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Close implements BlobStore.
func (s *FSBlobStore) Close() error {
	return nil
}

func notFound(key string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", apperrors.ErrDatasetNotFound, key)
	}
	return err
}
