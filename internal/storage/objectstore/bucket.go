// Package objectstore stores archived run artifacts in a single S3-compatible bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var ErrObjectNotFound = errors.New("object not found")

// Bucket is one bucket of an object store. Keys are slash separated and relative.
type Bucket interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Open fails with ErrObjectNotFound when key does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// CleanKey rejects keys that would escape the bucket prefix or address nothing.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("object key is required")
	}
	if strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("object key %q must be relative", key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "../") || cleaned == ".." {
		return "", fmt.Errorf("object key %q is not canonical", key)
	}
	return cleaned, nil
}
