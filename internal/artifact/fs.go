package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FSStore keeps QR images on the local filesystem under a directory that the
// HTTP server exposes as static content.
type FSStore struct {
	dir     string
	baseURL string
}

// NewFSStore creates a filesystem store rooted at dir. baseURL is prepended
// to returned URLs; leave it empty for host-relative URLs.
func NewFSStore(dir, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("artifact: create dir %s: %w", dir, err)
	}
	return &FSStore{dir: dir, baseURL: baseURL}, nil
}

// Save writes the PNG to <dir>/<token>.png.
func (s *FSStore) Save(_ context.Context, token string, png []byte) (string, error) {
	if err := os.WriteFile(s.path(token), png, 0o644); err != nil {
		return "", fmt.Errorf("artifact: write %s: %w", token, err)
	}
	return s.URL(token), nil
}

// Delete removes the PNG for token. A missing file is treated as already
// deleted.
func (s *FSStore) Delete(_ context.Context, token string) error {
	if err := os.Remove(s.path(token)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("artifact: remove %s: %w", token, err)
	}
	return nil
}

// URL returns the static-content URL for a token's image.
func (s *FSStore) URL(token string) string {
	return s.baseURL + "/" + filepath.ToSlash(filepath.Join(s.dir, token+".png"))
}

func (s *FSStore) path(token string) string {
	return filepath.Join(s.dir, token+".png")
}
