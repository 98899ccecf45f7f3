package blobstore

import (
	"context"
	"errors"
	iofs "io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wojciechmacyna/bloomtree/internal/fs"
)

// LocalStore implements BlobStore on the local file system.
//
// Names are used as-is when absolute, otherwise resolved against the
// root directory. Leaf-filter names derive from segment paths, which are
// absolute in practice; the root exists for self-contained setups.
type LocalStore struct {
	root string
	fsys fs.FileSystem
}

// NewLocalStore creates a LocalStore. An empty root resolves relative
// names against the working directory; a nil fsys uses the local one.
func NewLocalStore(root string, fsys fs.FileSystem) *LocalStore {
	if fsys == nil {
		fsys = fs.Default
	}
	return &LocalStore{root: root, fsys: fsys}
}

func (s *LocalStore) path(name string) string {
	if filepath.IsAbs(name) || s.root == "" {
		return name
	}
	return filepath.Join(s.root, name)
}

func (s *LocalStore) Put(_ context.Context, name string, data []byte) error {
	path := s.path(name)
	if err := fs.EnsureDir(s.fsys, path); err != nil {
		return err
	}
	return fs.WriteFileAtomic(s.fsys, path, data, 0o644)
}

func (s *LocalStore) Get(_ context.Context, name string) ([]byte, error) {
	data, err := fs.ReadFile(s.fsys, s.path(name))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := s.fsys.Remove(s.path(name))
	if errors.Is(err, iofs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	dir := filepath.Dir(s.path(prefix))
	base := filepath.Base(prefix)

	entries, err := s.fsys.ReadDir(dir)
	if err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if strings.HasPrefix(ent.Name(), base) || base == "." {
			names = append(names, filepath.Join(filepath.Dir(prefix), ent.Name()))
		}
	}
	sort.Strings(names)
	return names, nil
}

var _ BlobStore = (*LocalStore)(nil)
