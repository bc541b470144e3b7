package blobstore

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
)

// appendBlob emulates append-blob semantics over an object store that only
// supports whole-object writes: blocks are streamed into one open writer and
// the object becomes visible on Seal.
type appendBlob struct {
	w        *blob.Writer
	cancel   context.CancelFunc
	key      string
	maxBlock int
	sealed   bool
}

// CreateAppend opens a staging blob for block appends.
func (b *Bucket) CreateAppend(ctx context.Context, key string) (AppendBlob, error) {
	// The write context outlives the caller's; cancelling it aborts the write.
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w, err := b.bucket.NewWriter(wctx, b.fullKey(key), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create append blob %s: %w", key, err)
	}
	return &appendBlob{w: w, cancel: cancel, key: key, maxBlock: b.maxBlock}, nil
}

// AppendBlock writes one block, splitting it at the block-size cap.
func (a *appendBlob) AppendBlock(ctx context.Context, data []byte) error {
	if a.sealed {
		return fmt.Errorf("append to sealed blob %s", a.key)
	}
	for len(data) > 0 {
		n := len(data)
		if n > a.maxBlock {
			n = a.maxBlock
		}
		if _, err := a.w.Write(data[:n]); err != nil {
			return fmt.Errorf("append block to %s: %w", a.key, err)
		}
		data = data[n:]
	}
	return nil
}

// AppendFrom copies everything from r in block-sized appends.
func (a *appendBlob) AppendFrom(ctx context.Context, r io.Reader) error {
	buf := make([]byte, a.maxBlock)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if appendErr := a.AppendBlock(ctx, buf[:n]); appendErr != nil {
				return appendErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read for append to %s: %w", a.key, err)
		}
	}
}

// Seal commits the staged blocks as the final object.
func (a *appendBlob) Seal(ctx context.Context) error {
	if a.sealed {
		return nil
	}
	a.sealed = true
	defer a.cancel()
	if err := a.w.Close(); err != nil {
		return fmt.Errorf("seal %s: %w", a.key, err)
	}
	return nil
}

// Abort discards the staged blocks by cancelling the underlying write.
func (a *appendBlob) Abort(ctx context.Context) error {
	if a.sealed {
		return nil
	}
	a.sealed = true
	a.cancel()
	_ = a.w.Close()
	return nil
}
