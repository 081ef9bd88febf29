package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// BackendDisk names the filesystem backend.
const BackendDisk = "disk"

// DiskStore keeps blobs as files below a root directory.
type DiskStore struct {
	fs   afero.Fs
	root string
}

// NewDiskStore returns a store rooted at root on fs.
func NewDiskStore(fs afero.Fs, root string) (*DiskStore, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if root == "" {
		return nil, errors.New("cloudstore: disk root required")
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cloudstore: create disk root: %w", err)
	}
	return &DiskStore{fs: fs, root: root}, nil
}

func openDisk(_ context.Context, cfg BackendConfig) (Store, error) {
	return NewDiskStore(afero.NewOsFs(), cfg.DiskRoot)
}

func (s *DiskStore) blobPath(name string, options Options) (string, error) {
	if err := validateBlobName(name); err != nil {
		return "", err
	}
	folder := filepath.Clean(filepath.Join(s.root, filepath.FromSlash(options.Folder)))
	return filepath.Join(folder, name), nil
}

func (s *DiskStore) Upload(ctx context.Context, name string, data []byte, options Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	blobPath, err := s.blobPath(name, options)
	if err != nil {
		return "", err
	}
	if err := s.fs.MkdirAll(filepath.Dir(blobPath), 0o755); err != nil {
		return "", fmt.Errorf("cloudstore: disk mkdir: %w", err)
	}
	staging := blobPath + ".partial"
	if err := afero.WriteFile(s.fs, staging, data, 0o644); err != nil {
		return "", fmt.Errorf("cloudstore: disk write: %w", err)
	}
	if err := s.fs.Rename(staging, blobPath); err != nil {
		_ = s.fs.Remove(staging)
		return "", fmt.Errorf("cloudstore: disk rename: %w", err)
	}
	return Checksum(data), nil
}

func (s *DiskStore) Download(ctx context.Context, name string, options Options) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	blobPath, err := s.blobPath(name, options)
	if err != nil {
		return nil, "", err
	}
	data, err := afero.ReadFile(s.fs, blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, "", fmt.Errorf("cloudstore: disk read: %w", err)
	}
	return data, Checksum(data), nil
}

func (s *DiskStore) Delete(ctx context.Context, name string, options Options) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	blobPath, err := s.blobPath(name, options)
	if err != nil {
		return err
	}
	err = s.fs.Remove(blobPath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("cloudstore: disk delete: %w", err)
	}
	return nil
}
