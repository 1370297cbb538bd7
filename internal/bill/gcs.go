package bill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements the Storage interface using a Google Cloud Storage bucket
type GCSStorage struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
}

// NewGCSStorage creates a client using application default credentials. Objects are
// written under the prefix directory, which may be empty.
func NewGCSStorage(ctx context.Context, bucket, prefix string) (*GCSStorage, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &GCSStorage{client: client, bucket: client.Bucket(bucket), prefix: strings.Trim(prefix, "/")}, nil
}

func (g *GCSStorage) objectName(key string) string {
	if g.prefix == "" {
		return key
	}
	return path.Join(g.prefix, key)
}

func (g *GCSStorage) object(key string) *storage.ObjectHandle {
	return g.bucket.Object(g.objectName(key))
}

// Save uploads data. Existing objects are never overwritten.
func (g *GCSStorage) Save(ctx context.Context, name string, data []byte) (string, error) {
	w := g.object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("writing object %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing object %s: %w", name, err)
	}
	return name, nil
}

// Get downloads an object
func (g *GCSStorage) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := g.object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("opening object %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	return data, nil
}

// Delete removes an object
func (g *GCSStorage) Delete(ctx context.Context, key string) error {
	if err := g.object(key).Delete(ctx); err != nil {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	return nil
}

// List returns the objects directly under the prefix
func (g *GCSStorage) List(ctx context.Context) ([]StoredFile, error) {
	q := &storage.Query{Delimiter: "/"}
	if g.prefix != "" {
		q.Prefix = g.prefix + "/"
	}
	var files []StoredFile
	it := g.bucket.Objects(ctx, q)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return files, nil
		}
		if err != nil {
			return nil, fmt.Errorf("listing objects: %w", err)
		}
		if attrs.Name == "" {
			// synthetic directory entry
			continue
		}
		files = append(files, StoredFile{Key: strings.TrimPrefix(attrs.Name, q.Prefix), Modified: attrs.Updated})
	}
}

// Close closes the storage client
func (g *GCSStorage) Close() error {
	return g.client.Close()
}
