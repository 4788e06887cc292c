package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/syncerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(afero.NewMemMapFs(), "/data")
}

func createPack(t *testing.T, s *Store, id string) *meta.PackMeta {
	t.Helper()
	m := meta.NewPackMeta(meta.PublishRequest{
		ID:      id,
		Name:    "Test Pack",
		Loader:  "fabric",
		Version: "1.20",
	}, "u1", "alice")
	if err := s.Create(context.Background(), m); err != nil {
		t.Fatalf("Create(%q) failed: %v", id, err)
	}
	return m
}

func TestGetMissingPack(t *testing.T) {
	s := newTestStore(t)
	_, err := s.get(context.Background(), "nope")
	if !errors.Is(err, syncerr.ErrCouldNotFindPack) {
		t.Errorf("Get(missing) = %v, want couldNotFindPack", err)
	}
}

func TestGetMalformedMeta(t *testing.T) {
	s := newTestStore(t)
	dir := s.PackDir("bad")
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(dir, "meta.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.get(context.Background(), "bad")
	if !errors.Is(err, syncerr.ErrFailedToReadPack) {
		t.Errorf("Get(malformed) = %v, want failedToReadPack", err)
	}
}

func TestReadThroughIdentity(t *testing.T) {
	s := newTestStore(t)
	createPack(t, s, "p1")

	a, err := s.get(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.get(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("two Gets without invalidation returned different entries")
	}
}

func TestDirtyForcesReload(t *testing.T) {
	s := newTestStore(t)
	createPack(t, s, "p1")

	before, _ := s.get(context.Background(), "p1")
	s.MarkDirty("p1")
	after, err := s.get(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if before == after {
		t.Error("dirty entry was not reloaded")
	}
	if after.dirty {
		t.Error("reloaded entry still dirty")
	}
}

func TestLoadCreatesSubFolders(t *testing.T) {
	s := newTestStore(t)
	createPack(t, s, "p1")
	s.MarkDirty("p1")
	if _, err := s.get(context.Background(), "p1"); err != nil {
		t.Fatal(err)
	}

	for _, dir := range []string{
		s.ModsDir("p1"),
		s.ResourcePacksDir("p1"),
		s.SavesDir("p1"),
		filepath.Join(s.PackDir("p1"), "cache", "rp"),
	} {
		ok, err := afero.DirExists(s.fs, dir)
		if err != nil || !ok {
			t.Errorf("sub-folder %q missing after load", dir)
		}
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)
	m := createPack(t, s, "p1")
	err := s.Create(context.Background(), m)
	if !errors.Is(err, syncerr.ErrModpackAlreadyExists) {
		t.Errorf("Create(duplicate) = %v, want modpackAlreadyExists", err)
	}
}

func TestMutatePersists(t *testing.T) {
	s := newTestStore(t)
	createPack(t, s, "p1")

	err := s.Mutate(context.Background(), "p1", func(p *meta.PackMeta) error {
		p.Update = 42
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Force a reload from disk; the mutation must have been saved.
	s.MarkDirty("p1")
	entry, err := s.get(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Meta.Update != 42 {
		t.Errorf("Update after reload = %d, want 42", entry.Meta.Update)
	}
}

func TestMutateErrorDoesNotSave(t *testing.T) {
	s := newTestStore(t)
	createPack(t, s, "p1")

	boom := errors.New("boom")
	err := s.Mutate(context.Background(), "p1", func(p *meta.PackMeta) error {
		p.Update = 99
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Mutate error = %v, want boom", err)
	}

	s.MarkDirty("p1")
	entry, _ := s.get(context.Background(), "p1")
	if entry.Meta.Update == 99 {
		t.Error("failed mutation was persisted")
	}
}

func TestMutateSerializesPerPack(t *testing.T) {
	s := newTestStore(t)
	createPack(t, s, "p1")

	const rounds = 50
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Mutate(context.Background(), "p1", func(p *meta.PackMeta) error {
				p.Update++
				return nil
			})
		}()
	}
	wg.Wait()

	entry, err := s.get(context.Background(), "p1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Meta.Update != rounds {
		t.Errorf("Update = %d after %d concurrent mutations, want %d", entry.Meta.Update, rounds, rounds)
	}
}

func TestInitializeSkipsBrokenPacks(t *testing.T) {
	s := newTestStore(t)
	createPack(t, s, "good")

	badDir := s.PackDir("broken")
	if err := s.fs.MkdirAll(badDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(s.fs, filepath.Join(badDir, "meta.json"), []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}

	fresh := New(s.fs, "/data")
	if err := fresh.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if _, err := fresh.get(context.Background(), "good"); err != nil {
		t.Errorf("good pack missing after init: %v", err)
	}
	fresh.mu.RLock()
	_, cached := fresh.cache["broken"]
	fresh.mu.RUnlock()
	if cached {
		t.Error("broken pack should not be cached")
	}
}

func TestNormalizedOnLoad(t *testing.T) {
	s := newTestStore(t)
	dir := s.PackDir("sparse")
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := []byte(`{"id":"sparse","name":"Sparse","loader":"forge","version":"1.19","update":3}`)
	if err := afero.WriteFile(s.fs, filepath.Join(dir, "meta.json"), doc, 0o644); err != nil {
		t.Fatal(err)
	}

	entry, err := s.get(context.Background(), "sparse")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Meta.ResourcePacks == nil || entry.Meta.Worlds == nil {
		t.Error("sub-resource collections not defaulted on load")
	}
	// An absent permission list means remote auth was never set up;
	// loading must not invent an empty one.
	if entry.Meta.Perm.Users != nil {
		t.Error("absent permission list was defaulted on load")
	}
}

func TestGetRejectsTraversalIDs(t *testing.T) {
	s := newTestStore(t)

	// A document planted outside the packs dir must stay unreachable.
	doc := []byte(`{"id":"..","name":"Escape","loader":"forge","version":"1.19"}`)
	if err := afero.WriteFile(s.fs, "/data/meta.json", doc, 0o644); err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"..", "../otherpack", "a/b", `a\b`} {
		if _, err := s.get(context.Background(), id); !errors.Is(err, syncerr.ErrInvalidArgs) {
			t.Errorf("get(%q) = %v, want invalid_args", id, err)
		}
		err := s.View(context.Background(), id, func(*meta.PackMeta) error { return nil })
		if !errors.Is(err, syncerr.ErrInvalidArgs) {
			t.Errorf("View(%q) = %v, want invalid_args", id, err)
		}
	}
}

func TestSnapshotIsolatedFromWriters(t *testing.T) {
	s := newTestStore(t)
	createPack(t, s, "p1")
	ctx := context.Background()

	snap, err := s.Snapshot(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}

	err = s.Mutate(ctx, "p1", func(p *meta.PackMeta) error {
		p.Update = 42
		p.Worlds = append(p.Worlds, meta.WorldMeta{WID: "w1"})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if snap.Update != 0 || len(snap.Worlds) != 0 {
		t.Error("snapshot changed after a later mutation")
	}

	// Writing through the snapshot must not leak into the store.
	snap.Name = "scribbled"
	err = s.View(ctx, "p1", func(p *meta.PackMeta) error {
		if p.Name != "Test Pack" {
			t.Errorf("live name = %q, want Test Pack", p.Name)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
