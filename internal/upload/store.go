package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// Store persists accepted files under their generated name.
type Store interface {
	Save(ctx context.Context, name string, content []byte) (digest string, err error)
}

// LocalStore writes files into a single directory.
type LocalStore struct {
	dir string
}

// NewLocalStore creates dir if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

// Save writes content to dir/name and returns its hex BLAKE3 digest.
// name must be a bare file name; existing files are never overwritten.
func (s *LocalStore) Save(ctx context.Context, name string, content []byte) (string, error) {
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return "", fmt.Errorf("invalid storage name %q", name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	target := filepath.Join(s.dir, name)
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", name, err)
	}

	hasher := blake3.New()
	if _, err := io.Copy(io.MultiWriter(f, hasher), bytes.NewReader(content)); err != nil {
		_ = f.Close()
		_ = os.Remove(target)
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(target)
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Dir is the storage directory.
func (s *LocalStore) Dir() string {
	return s.dir
}
