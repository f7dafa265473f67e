// Package blob reads image bytes by object key from S3 or a local directory.
package blob

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrNotFound is returned when no object exists for a key.
var ErrNotFound = errors.New("blob: not found")

// Source fetches and lists objects.
type Source interface {
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// IsImageKey reports whether key has a decodable image extension.
func IsImageKey(key string) bool {
	return imageExts[strings.ToLower(path.Ext(key))]
}
