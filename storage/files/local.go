// Package files stores operation artifacts on local disk.
package files

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/trezcool/alama/core/csvtask"
)

type LocalStore struct {
	root string
}

var _ csvtask.FileStore = (*LocalStore)(nil) // interface compliance check

func NewLocalStore(root string) (*LocalStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrap(err, "creating file store root")
	}
	return &LocalStore{root: root}, nil
}

// path resolves name under the store root; names may not escape it.
func (s *LocalStore) path(name string) (string, error) {
	path := filepath.Join(s.root, filepath.FromSlash(name))
	if !strings.HasPrefix(path, s.root+string(filepath.Separator)) {
		return "", errors.Errorf("invalid file name %q", name)
	}
	return path, nil
}

// Save writes to a temp file first and renames it into place once fully
// written, so readers never see a partial artifact.
func (s *LocalStore) Save(ctx context.Context, name string, r io.Reader) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0750); err != nil {
		return errors.Wrap(err, "creating operation dir")
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }() // no-op once renamed

	if _, err = io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "writing file")
	}
	if err = tmp.Close(); err != nil {
		return errors.Wrap(err, "writing file")
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "saving file")
	}
	return nil
}

func (s *LocalStore) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		// leave the fs error unwrapped; callers match fs.ErrNotExist
		return nil, err
	}
	return f, nil
}
