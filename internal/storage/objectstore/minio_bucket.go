package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
)

type MinioBucket struct {
	client *minio.Client
	name   string
}

func NewMinioBucket(client *minio.Client, name string) (*MinioBucket, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("bucket name is required")
	}
	return &MinioBucket{client: client, name: name}, nil
}

func (b *MinioBucket) Name() string {
	if b == nil {
		return ""
	}
	return b.name
}

func (b *MinioBucket) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if b == nil || b.client == nil {
		return errors.New("minio bucket not initialized")
	}
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	_, err = b.client.PutObject(ctx, b.name, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", b.name, key, err)
	}
	return nil
}

func (b *MinioBucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if b == nil || b.client == nil {
		return nil, errors.New("minio bucket not initialized")
	}
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	// GetObject is lazy; stat first so a missing key surfaces here.
	if _, err := b.client.StatObject(ctx, b.name, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("stat %s/%s: %w", b.name, key, err)
	}
	obj, err := b.client.GetObject(ctx, b.name, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", b.name, key, err)
	}
	return obj, nil
}
