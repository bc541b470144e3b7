package synapse

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/esquire-media/audience-engine/internal/blobstore"
)

const (
	idA = "0a61e03c-9dcb-4f07-bbf2-7ba2ce9c43c2"
	idB = "1b72f14d-aeb1-4c18-8cf3-8cb3df0d54d3"
	idC = "2c83a25e-bfc2-4d29-9da4-9dc4ea1e65e4"
)

func testExecutor(t *testing.T) (*BlobExecutor, blobstore.Store) {
	t.Helper()
	store, err := blobstore.Open(context.Background(), blobstore.Config{BucketURL: "mem://", Container: "audiences"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewBlobExecutor(store), store
}

func TestCountDistinctDevices(t *testing.T) {
	ctx := context.Background()
	exec, store := testExecutor(t)

	// Duplicates across files, mixed case, quotes, and a short junk value.
	files := map[string]string{
		"snap/0.csv": "deviceid\n" + idA + "\n" + idB + "\n",
		"snap/1.csv": "DeviceID\n\"" + idA + "\"\n" + "  " + idC + "  \nshort-id\n",
	}
	for key, data := range files {
		if err := store.Write(ctx, key, []byte(data)); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}

	n, err := exec.CountDistinctDevices(ctx, "snap/")
	if err != nil {
		t.Fatalf("CountDistinctDevices: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestCountDistinctDevicesGzip(t *testing.T) {
	ctx := context.Background()
	exec, store := testExecutor(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte("deviceid\n" + idA + "\n" + idB + "\n"))
	gz.Close()

	if err := store.Write(ctx, "snap/0.csv.gz", buf.Bytes()); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := exec.CountDistinctDevices(ctx, "snap/")
	if err != nil {
		t.Fatalf("CountDistinctDevices: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestDistinctDevicePageOrdering(t *testing.T) {
	ctx := context.Background()
	exec, store := testExecutor(t)

	// Written unordered; pages come back sorted and stable.
	data := "deviceid\n" + idC + "\n" + idA + "\n" + idB + "\n"
	if err := store.Write(ctx, "snap/0.csv", []byte(data)); err != nil {
		t.Fatalf("write: %v", err)
	}

	page, err := exec.DistinctDevicePage(ctx, "snap/", 0, 2)
	if err != nil {
		t.Fatalf("DistinctDevicePage: %v", err)
	}
	if len(page) != 2 || page[0] != idA || page[1] != idB {
		t.Fatalf("page 1 = %v", page)
	}

	page, err = exec.DistinctDevicePage(ctx, "snap/", 2, 2)
	if err != nil {
		t.Fatalf("DistinctDevicePage: %v", err)
	}
	if len(page) != 1 || page[0] != idC {
		t.Fatalf("page 2 = %v", page)
	}

	page, err = exec.DistinctDevicePage(ctx, "snap/", 10, 2)
	if err != nil {
		t.Fatalf("DistinctDevicePage: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("page past end = %v", page)
	}
}

func TestCountRows(t *testing.T) {
	ctx := context.Background()
	exec, store := testExecutor(t)

	files := map[string]string{
		"snap/0.csv": "deviceid\n" + idA + "\n" + idB + "\n",
		"snap/1.csv": "deviceid\n" + idC + "\n\n",
		"snap/2.csv": "deviceid\n",
	}
	for key, data := range files {
		if err := store.Write(ctx, key, []byte(data)); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}

	n, err := exec.CountRows(ctx, []string{"snap/0.csv", "snap/1.csv", "snap/2.csv"})
	if err != nil {
		t.Fatalf("CountRows: %v", err)
	}
	if n != 3 {
		t.Errorf("rows = %d, want 3", n)
	}
}

func TestDeviceColumn(t *testing.T) {
	col, err := DeviceColumn([]string{"zip", " DeviceID ", "device_name"})
	if err != nil || col != 1 {
		t.Errorf("exact match col = %d, err = %v", col, err)
	}

	col, err = DeviceColumn([]string{"zip", "device_id"})
	if err != nil || col != 1 {
		t.Errorf("contains match col = %d, err = %v", col, err)
	}

	if _, err := DeviceColumn([]string{"zip", "city"}); err != ErrNoDeviceColumn {
		t.Errorf("missing column err = %v", err)
	}
}
