package objstore

import (
	"context"
	"io"
	"strings"
	"testing"
)

func Test_FileStorage_PutAndFetch(t *testing.T) {
	t.Parallel()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()

	if err := fs.Put(ctx, "proj/doc.txt", strings.NewReader("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := fs.Fetch(ctx, "proj/doc.txt")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("round trip: got %q", data)
	}
}

func Test_FileStorage_RejectsTraversal(t *testing.T) {
	t.Parallel()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	for _, ref := range []string{"../etc/passwd", "/etc/passwd", "."} {
		if _, err := fs.Fetch(context.Background(), ref); err == nil {
			t.Errorf("ref %q should be rejected", ref)
		}
	}
}
