package blobstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/memblob"  // mem:// driver
	_ "gocloud.dev/blob/s3blob"   // s3:// driver
)

// Bucket implements Store over a gocloud.dev bucket.
type Bucket struct {
	bucket    *blob.Bucket
	bucketURL string
	container string // logical container, used as a key prefix
	maxBlock  int
}

// Config configures the bucket store.
type Config struct {
	// BucketURL is a gocloud.dev bucket URL (file:///..., s3://..., mem://).
	BucketURL string
	// Container is the logical container name; all keys are stored under it.
	Container string
	// MaxAppendBlock caps a single append block in bytes. Zero means 4 MiB.
	MaxAppendBlock int
}

const defaultMaxAppendBlock = 4 * 1024 * 1024

// Open opens the configured bucket.
func Open(ctx context.Context, cfg Config) (*Bucket, error) {
	if cfg.BucketURL == "" {
		return nil, fmt.Errorf("bucket URL required")
	}

	bucket, err := blob.OpenBucket(ctx, cfg.BucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", cfg.BucketURL, err)
	}

	maxBlock := cfg.MaxAppendBlock
	if maxBlock <= 0 {
		maxBlock = defaultMaxAppendBlock
	}

	return &Bucket{
		bucket:    bucket,
		bucketURL: cfg.BucketURL,
		container: strings.Trim(cfg.Container, "/"),
		maxBlock:  maxBlock,
	}, nil
}

// fullKey prefixes a key with the logical container.
func (b *Bucket) fullKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	if b.container == "" {
		return key
	}
	return b.container + "/" + key
}

// List returns all objects under the given prefix, recursively.
func (b *Bucket) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo

	iter := b.bucket.List(&blob.ListOptions{
		Prefix: b.fullKey(prefix),
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{
			Key:  b.stripContainer(obj.Key),
			Size: obj.Size,
		})
	}

	return out, nil
}

// ListPrefixes returns the immediate sub-prefixes under the given prefix.
func (b *Bucket) ListPrefixes(ctx context.Context, prefix string) ([]string, error) {
	var out []string

	iter := b.bucket.List(&blob.ListOptions{
		Prefix:    b.fullKey(prefix),
		Delimiter: "/",
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list prefixes %s: %w", prefix, err)
		}
		if !obj.IsDir {
			continue
		}
		out = append(out, b.stripContainer(obj.Key))
	}

	return out, nil
}

func (b *Bucket) stripContainer(key string) string {
	if b.container == "" {
		return key
	}
	return strings.TrimPrefix(key, b.container+"/")
}

// NewReader opens a streaming reader for the object.
func (b *Bucket) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := b.bucket.NewReader(ctx, b.fullKey(key), nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return r, nil
}

// ReadAll reads the whole object into memory.
func (b *Bucket) ReadAll(ctx context.Context, key string) ([]byte, error) {
	r, err := b.NewReader(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Write stores the given bytes, overwriting any existing object.
func (b *Bucket) Write(ctx context.Context, key string, data []byte) error {
	w, err := b.bucket.NewWriter(ctx, b.fullKey(key), nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// NewWriter opens a streaming writer for the object.
func (b *Bucket) NewWriter(ctx context.Context, key string) (io.WriteCloser, error) {
	w, err := b.bucket.NewWriter(ctx, b.fullKey(key), nil)
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", key, err)
	}
	return w, nil
}

// Exists reports whether the object exists.
func (b *Bucket) Exists(ctx context.Context, key string) (bool, error) {
	return b.bucket.Exists(ctx, b.fullKey(key))
}

// Delete removes the object.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	err := b.bucket.Delete(ctx, b.fullKey(key))
	if err != nil {
		if exists, exErr := b.bucket.Exists(ctx, b.fullKey(key)); exErr == nil && !exists {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// SignedGetURL mints a read-only URL for the object. Backends without URL
// signing support fall back to the canonical URI.
func (b *Bucket) SignedGetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	signed, err := b.bucket.SignedURL(ctx, b.fullKey(key), &blob.SignedURLOptions{
		Expiry: expiry,
		Method: "GET",
	})
	if err != nil {
		return b.URI(key), nil
	}
	return signed, nil
}

// URI returns the canonical URI for the given key.
func (b *Bucket) URI(key string) string {
	base := strings.TrimSuffix(b.bucketURL, "/")
	if i := strings.Index(base, "?"); i >= 0 {
		base = base[:i]
	}
	return base + "/" + b.fullKey(key)
}

// Close releases the bucket connection.
func (b *Bucket) Close() error {
	if b.bucket != nil {
		return b.bucket.Close()
	}
	return nil
}

// Verify Bucket implements Store.
var _ Store = (*Bucket)(nil)
