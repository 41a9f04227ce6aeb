package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrArchiveNotFound is returned when an archive key does not exist
var ErrArchiveNotFound = errors.New("archive not found")

// ArchiveStore keeps copies of data-subject export artifacts
type ArchiveStore interface {
	// Put stores data under key and returns a location string to record
	Put(ctx context.Context, key, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// NewArchiveStore builds the configured archive backend. It returns nil
// for ArchiveNone.
func NewArchiveStore(ctx context.Context, cfg Config) (ArchiveStore, error) {
	switch cfg.ArchiveType {
	case "", ArchiveNone:
		return nil, nil
	case ArchiveFilesystem:
		return NewFileSystemArchiveStore(cfg.ArchiveRoot)
	case ArchiveS3:
		return NewS3ArchiveStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown archive type %q", cfg.ArchiveType)
	}
}

// FileSystemArchiveStore writes archives under a root directory
type FileSystemArchiveStore struct {
	rootDir string
}

// NewFileSystemArchiveStore creates the root directory if needed
func NewFileSystemArchiveStore(rootDir string) (*FileSystemArchiveStore, error) {
	if rootDir == "" {
		return nil, fmt.Errorf("archive root is required")
	}
	if err := os.MkdirAll(rootDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create archive root: %w", err)
	}
	return &FileSystemArchiveStore{rootDir: rootDir}, nil
}

func (s *FileSystemArchiveStore) path(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("archive key is required")
	}
	// Rooting the key before cleaning keeps it inside rootDir
	return filepath.Join(s.rootDir, filepath.Clean("/"+key)), nil
}

// Put writes data atomically via a temp file and rename
func (s *FileSystemArchiveStore) Put(ctx context.Context, key, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".archive-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to write archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to close archive: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("failed to move archive into place: %w", err)
	}

	return "file://" + path, nil
}

// Get opens a stored archive
func (s *FileSystemArchiveStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	return f, nil
}
