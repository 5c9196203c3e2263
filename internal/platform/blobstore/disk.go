package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
)

// DiskStore keeps blobs as files below a root directory. Writes go to a
// temporary file that is renamed into place, so readers never observe a
// partial report.
type DiskStore struct {
	root    string
	maxSize int64
}

func NewDiskStore(root string, maxSize int64) (*DiskStore, error) {
	if root == "" {
		return nil, fmt.Errorf("disk store: root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("disk store: create %s: %w", root, err)
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &DiskStore{root: root, maxSize: maxSize}, nil
}

func (s *DiskStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *DiskStore) Put(_ context.Context, key, contentType string, content io.Reader) (*Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	data, err := readLimited(content, s.maxSize)
	if err != nil {
		return nil, err
	}

	dst := s.path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return nil, fmt.Errorf("disk store: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("disk store: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("disk store: write %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("disk store: sync %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("disk store: close %q: %w", key, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return nil, fmt.Errorf("disk store: rename %q: %w", key, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("disk store: stat %q: %w", key, err)
	}

	return &Object{
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        hashOf(data),
		CreatedAt:   info.ModTime().UTC(),
	}, nil
}

func (s *DiskStore) Get(_ context.Context, key string) (io.ReadCloser, *Object, error) {
	if err := ValidateKey(key); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, ErrBlobNotFound
		}
		return nil, nil, fmt.Errorf("disk store: open %q: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("disk store: stat %q: %w", key, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	return f, &Object{
		Key:         key,
		ContentType: contentType,
		Size:        info.Size(),
		CreatedAt:   info.ModTime().UTC(),
	}, nil
}

func (s *DiskStore) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("disk store: delete %q: %w", key, err)
	}
	return nil
}
