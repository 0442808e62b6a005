package modelstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound reports that no blob exists under the requested key. Callers
// that treat a missing model as recoverable match on this sentinel; every
// other error means the store itself is unavailable.
var ErrNotFound = errors.New("blob not found")

// SchemeLocal is the scheme of the embedded local store.
const SchemeLocal = "local-store"

// BlobStore persists opaque model parameter blobs under path-like keys.
// A blob is written and read as one unit, never partially.
type BlobStore interface {
	Save(ctx context.Context, key string, blob []byte) error
	Load(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// ParsePath splits a model identifier such as "local-store://transit-cnn"
// into its scheme and key.
func ParsePath(path string) (scheme, key string, err error) {
	idx := strings.Index(path, "://")
	if idx < 0 {
		return "", "", fmt.Errorf("model path %q missing scheme", path)
	}
	scheme = path[:idx]
	key = path[idx+3:]
	if scheme == "" || key == "" {
		return "", "", fmt.Errorf("model path %q incomplete", path)
	}
	return scheme, key, nil
}
