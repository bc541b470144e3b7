package blobstore

import (
	"context"
	"strings"
	"testing"
	"time"
)

func openTestBucket(t *testing.T) *Bucket {
	t.Helper()
	b, err := Open(context.Background(), Config{BucketURL: "mem://", Container: "audiences"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBucketListAndPrefixes(t *testing.T) {
	ctx := context.Background()
	b := openTestBucket(t)

	objects := map[string]string{
		"snap/2024-01-01T00:00:00+00:00/0.csv": "deviceid\n",
		"snap/2024-01-01T00:00:00+00:00/1.csv": "deviceid\n",
		"snap/2024-02-01T00:00:00+00:00/0.csv": "deviceid\n",
		"other/x.txt":                          "x",
	}
	for key, data := range objects {
		if err := b.Write(ctx, key, []byte(data)); err != nil {
			t.Fatalf("Write %s: %v", key, err)
		}
	}

	list, err := b.List(ctx, "snap/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d objects, want 3", len(list))
	}
	for _, obj := range list {
		if strings.HasPrefix(obj.Key, "audiences/") {
			t.Errorf("container leaked into key %q", obj.Key)
		}
	}

	prefixes, err := b.ListPrefixes(ctx, "snap/")
	if err != nil {
		t.Fatalf("ListPrefixes: %v", err)
	}
	if len(prefixes) != 2 {
		t.Fatalf("ListPrefixes returned %d, want 2: %v", len(prefixes), prefixes)
	}
	for _, p := range prefixes {
		if !strings.HasPrefix(p, "snap/") || !strings.HasSuffix(p, "/") {
			t.Errorf("bad prefix %q", p)
		}
	}
}

func TestBucketAppendBlob(t *testing.T) {
	ctx := context.Background()
	b := openTestBucket(t)

	ab, err := b.CreateAppend(ctx, "tmp/staging.txt")
	if err != nil {
		t.Fatalf("CreateAppend: %v", err)
	}
	if err := ab.AppendBlock(ctx, []byte("one|seg\n")); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if err := ab.AppendFrom(ctx, strings.NewReader("two|seg\n")); err != nil {
		t.Fatalf("AppendFrom: %v", err)
	}

	// Not visible until sealed.
	if exists, _ := b.Exists(ctx, "tmp/staging.txt"); exists {
		t.Fatal("staging blob visible before Seal")
	}
	if err := ab.Seal(ctx); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	data, err := b.ReadAll(ctx, "tmp/staging.txt")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "one|seg\ntwo|seg\n" {
		t.Errorf("staged content = %q", data)
	}
}

func TestBucketAppendAbort(t *testing.T) {
	ctx := context.Background()
	b := openTestBucket(t)

	ab, err := b.CreateAppend(ctx, "tmp/aborted.txt")
	if err != nil {
		t.Fatalf("CreateAppend: %v", err)
	}
	if err := ab.AppendBlock(ctx, []byte("partial")); err != nil {
		t.Fatalf("AppendBlock: %v", err)
	}
	if err := ab.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if exists, _ := b.Exists(ctx, "tmp/aborted.txt"); exists {
		t.Error("aborted blob should not exist")
	}
}

func TestBucketSignedURLFallback(t *testing.T) {
	ctx := context.Background()
	b := openTestBucket(t)

	if err := b.Write(ctx, "snap/0.csv", []byte("deviceid\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// memblob cannot sign URLs, so the canonical URI comes back.
	url, err := b.SignedGetURL(ctx, "snap/0.csv", time.Hour)
	if err != nil {
		t.Fatalf("SignedGetURL: %v", err)
	}
	if url != "mem://audiences/snap/0.csv" {
		t.Errorf("url = %q", url)
	}
}

func TestBucketDeleteMissing(t *testing.T) {
	b := openTestBucket(t)
	if err := b.Delete(context.Background(), "no/such/key"); err != nil {
		t.Errorf("Delete missing object: %v", err)
	}
}
