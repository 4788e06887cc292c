package local

import (
	"context"
	"io"
	"sort"
	"strings"
	"testing"

	"github.com/spf13/afero"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(afero.NewMemMapFs(), "/objects")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(afero.NewMemMapFs(), ""); err == nil {
		t.Error("empty root must be rejected")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	content := "PK\x03\x04 fake archive bytes"
	if err := b.PutObject(ctx, "pack/mods/jei.jar", strings.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("PutObject: %v", err)
	}

	r, size, err := b.GetObject(ctx, "pack/mods/jei.jar")
	if err != nil {
		t.Fatalf("GetObject: %v", err)
	}
	defer r.Close()
	if size != int64(len(content)) {
		t.Errorf("size = %d, want %d", size, len(content))
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	if string(got) != content {
		t.Error("content mismatch after round trip")
	}
}

func TestPutLeavesNoTempFile(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.PutObject(ctx, "pack/mods/a.jar", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if ok, _ := b.ObjectExists(ctx, "pack/mods/a.jar.tmp"); ok {
		t.Error("temp file left behind after rename")
	}
}

func TestGetMissing(t *testing.T) {
	b := newTestBackend(t)
	if _, _, err := b.GetObject(context.Background(), "nope/missing.jar"); err == nil {
		t.Error("expected error for missing object")
	}
}

func TestListObjects(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"pack/mods/b.jar", "pack/mods/a.jar", "pack/mods/.index/a.toml"} {
		if err := b.PutObject(ctx, key, strings.NewReader("x"), 1); err != nil {
			t.Fatalf("PutObject(%s): %v", key, err)
		}
	}

	names, err := b.ListObjects(ctx, "pack/mods")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	sort.Strings(names)
	// .index is a directory and must not be listed as an object.
	want := []string{"a.jar", "b.jar"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestListMissingPrefix(t *testing.T) {
	b := newTestBackend(t)
	names, err := b.ListObjects(context.Background(), "absent/mods")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if names != nil {
		t.Errorf("names = %v, want nil for missing prefix", names)
	}
}

func TestExistsAndDelete(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	if err := b.PutObject(ctx, "pack/mods/a.jar", strings.NewReader("x"), 1); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if ok, err := b.ObjectExists(ctx, "pack/mods/a.jar"); err != nil || !ok {
		t.Fatalf("ObjectExists = %v, %v; want true", ok, err)
	}
	if err := b.DeleteObject(ctx, "pack/mods/a.jar"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	if ok, _ := b.ObjectExists(ctx, "pack/mods/a.jar"); ok {
		t.Error("object still exists after delete")
	}
	// Deleting again is not an error.
	if err := b.DeleteObject(ctx, "pack/mods/a.jar"); err != nil {
		t.Errorf("second DeleteObject: %v", err)
	}
}
