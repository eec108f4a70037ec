package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FsStore persists artifacts on the local filesystem and serves them through
// the API's token-gated file endpoint.
type FsStore struct {
	dir     string
	baseURL string
}

func NewFsStore(dir, baseURL string) (*FsStore, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory %s: %w", dir, err)
	}
	return &FsStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

var _ Store = (*FsStore)(nil)

func (s *FsStore) Put(key string, data []byte, contentType string) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}
	path := filepath.Join(s.dir, key)

	// Write through a temp file so a crash never leaves a half-written
	// artifact under the final name.
	tmp, err := os.CreateTemp(s.dir, key+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("failed to create artifact temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close artifact temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to place artifact: %w", err)
	}

	return s.baseURL + "/" + key, nil
}

func (s *FsStore) Delete(key string) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid artifact key %q", key)
	}
	err := os.Remove(filepath.Join(s.dir, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// Open returns the stored bytes for serving.
func (s *FsStore) Open(key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("invalid artifact key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, key))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}
	return data, nil
}
