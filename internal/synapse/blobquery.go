package synapse

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/esquire-media/audience-engine/internal/blobstore"
)

// BlobExecutor implements Executor by scanning CSV files in the object store.
type BlobExecutor struct {
	store blobstore.Store
}

// NewBlobExecutor creates an executor over the given store.
func NewBlobExecutor(store blobstore.Store) *BlobExecutor {
	return &BlobExecutor{store: store}
}

// CountDistinctDevices counts distinct normalized 36-character device IDs.
func (e *BlobExecutor) CountDistinctDevices(ctx context.Context, prefix string) (int64, error) {
	seen := make(map[string]struct{})

	err := e.scanDevices(ctx, prefix, func(id string) {
		if len(id) == 36 {
			seen[id] = struct{}{}
		}
	})
	if err != nil {
		return 0, err
	}

	return int64(len(seen)), nil
}

// DistinctDevicePage returns one ordered page of distinct device IDs.
func (e *BlobExecutor) DistinctDevicePage(ctx context.Context, prefix string, offset, limit int) ([]string, error) {
	seen := make(map[string]struct{})

	err := e.scanDevices(ctx, prefix, func(id string) {
		if len(id) == 36 {
			seen[id] = struct{}{}
		}
	})
	if err != nil {
		return nil, err
	}

	ordered := make([]string, 0, len(seen))
	for id := range seen {
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	if offset >= len(ordered) {
		return nil, nil
	}
	end := offset + limit
	if end > len(ordered) {
		end = len(ordered)
	}
	return ordered[offset:end], nil
}

// CountRows counts data rows across the given keys, excluding header lines.
func (e *BlobExecutor) CountRows(ctx context.Context, keys []string) (int64, error) {
	var total int64

	for _, key := range keys {
		n, err := e.countFileRows(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("count rows in %s: %w", key, err)
		}
		total += n
	}

	return total, nil
}

func (e *BlobExecutor) countFileRows(ctx context.Context, key string) (int64, error) {
	r, err := e.openObject(ctx, key)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	var count int64 = -1 // skip header
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if count < 0 {
		count = 0
	}
	return count, nil
}

// scanDevices streams every file under the prefix, projecting the device
// column and yielding normalized values.
func (e *BlobExecutor) scanDevices(ctx context.Context, prefix string, yield func(id string)) error {
	objects, err := e.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %s: %w", prefix, err)
	}

	for _, obj := range objects {
		if err := e.scanFile(ctx, obj.Key, yield); err != nil {
			return fmt.Errorf("scan %s: %w", obj.Key, err)
		}
	}

	return nil
}

func (e *BlobExecutor) scanFile(ctx context.Context, key string, yield func(id string)) error {
	r, err := e.openObject(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}

	col, err := DeviceColumn(header)
	if err != nil {
		return err
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read record: %w", err)
		}
		if col >= len(record) {
			continue
		}
		yield(NormalizeDeviceID(record[col]))
	}
}

// openObject opens a store object, transparently decompressing .gz files.
func (e *BlobExecutor) openObject(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := e.store.NewReader(ctx, key)
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(key, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("open gzip %s: %w", key, err)
		}
		return &gzipReadCloser{gz: gz, underlying: r}, nil
	}

	return r, nil
}

type gzipReadCloser struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipReadCloser) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipReadCloser) Close() error {
	gzErr := g.gz.Close()
	if err := g.underlying.Close(); err != nil {
		return err
	}
	return gzErr
}

// DeviceColumn locates the device ID column in a CSV header: an exact
// case-insensitive "deviceid" match wins, then the first header containing
// "device".
func DeviceColumn(header []string) (int, error) {
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), "deviceid") {
			return i, nil
		}
	}
	for i, h := range header {
		if strings.Contains(strings.ToLower(h), "device") {
			return i, nil
		}
	}
	return 0, ErrNoDeviceColumn
}

// NormalizeDeviceID strips whitespace and quotes and lowercases the value.
func NormalizeDeviceID(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	return strings.ToLower(s)
}

// Verify BlobExecutor implements Executor.
var _ Executor = (*BlobExecutor)(nil)
