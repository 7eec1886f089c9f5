package httpapi

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// localObjectStore keeps attachments on the local filesystem. It is the
// fallback when no GCS bucket is configured, mainly for development.
type localObjectStore struct {
	rootDir string
}

func newLocalObjectStore(rootDir string) (*localObjectStore, error) {
	trimmedRoot := strings.TrimSpace(rootDir)
	if trimmedRoot == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(trimmedRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &localObjectStore{rootDir: trimmedRoot}, nil
}

func (s *localObjectStore) Backend() string {
	return "local"
}

func (s *localObjectStore) PutObject(_ context.Context, objectPath, _ string, data []byte) error {
	fullPath, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("create object directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return fmt.Errorf("write local object %q: %w", objectPath, err)
	}
	return nil
}

func (s *localObjectStore) DeleteObject(_ context.Context, objectPath string) error {
	fullPath, err := s.resolve(objectPath)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete local object %q: %w", objectPath, err)
	}
	return nil
}

// resolve maps an object path under the root and rejects traversal outside
// it.
func (s *localObjectStore) resolve(objectPath string) (string, error) {
	cleanPath := strings.Trim(strings.TrimSpace(objectPath), "/")
	if cleanPath == "" {
		return "", errors.New("object path is required")
	}
	fullPath := filepath.Join(s.rootDir, filepath.FromSlash(cleanPath))
	if !strings.HasPrefix(fullPath, filepath.Clean(s.rootDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("object path escapes upload directory: %q", objectPath)
	}
	return fullPath, nil
}
