package artifactstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore is a filesystem-backed Store rooted at a directory, used by the
// CLI's offline mode in place of a real object-store backend. Keys are
// relative slash-separated paths (per Layout); FSStore maps them onto the
// native filesystem separator under Root.
type FSStore struct {
	Root string
}

// NewFSStore returns a Store rooted at root. The directory is created lazily
// on first write, matching home.Dir's EnsureExists-on-demand convention.
func NewFSStore(root string) *FSStore {
	return &FSStore{Root: root}
}

func (f *FSStore) path(key string) string {
	return filepath.Join(f.Root, filepath.FromSlash(key))
}

func (f *FSStore) UploadBytes(_ context.Context, key string, data []byte) error {
	p := f.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (f *FSStore) UploadJSON(ctx context.Context, key string, v any) error {
	data, err := marshalJSON(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return f.UploadBytes(ctx, key, data)
}

func (f *FSStore) DownloadBytes(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", NotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (f *FSStore) DownloadJSON(ctx context.Context, key string, v any) error {
	data, err := f.DownloadBytes(ctx, key)
	if err != nil {
		return err
	}
	return unmarshalJSON(data, v)
}

func (f *FSStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(f.path(key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", NotFound, key)
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// GetPresignedURL returns a file:// URL for local tooling that expects a
// fetchable URL (e.g. a review UI running on the same machine). There is no
// expiry or signing: the filesystem's own permissions are the access
// control.
func (f *FSStore) GetPresignedURL(_ context.Context, key string) (string, error) {
	p := f.path(key)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", NotFound, key)
		}
		return "", fmt.Errorf("stat %s: %w", key, err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", key, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}

func (f *FSStore) UpdateMetadataJSON(ctx context.Context, bookID string, metadata any) error {
	return f.UploadJSON(ctx, NewLayout(bookID).Metadata(), metadata)
}

var _ Store = (*FSStore)(nil)
