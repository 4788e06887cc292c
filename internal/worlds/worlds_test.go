package worlds

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/packsync/packsync/internal/events"
	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/store"
	"github.com/packsync/packsync/internal/syncerr"
)

const (
	packID = "testpack"
	owner  = "u1"
	other  = "u2"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st := store.New(afero.NewMemMapFs(), "/data")
	m := meta.NewPackMeta(meta.PublishRequest{
		ID: packID, Name: "Test", Loader: "forge", Version: "1.20",
	}, owner, "alice")
	m.Perm.Users = []meta.UserAuth{
		{UID: owner, Uname: "alice", UploadRP: true, UploadWorld: true},
		{UID: other, Uname: "bob", UploadRP: true, UploadWorld: true},
	}
	if err := st.Create(context.Background(), m); err != nil {
		t.Fatal(err)
	}
	svc := New(st, events.NewBroadcaster())
	svc.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return svc, st
}

func publishWorld(t *testing.T, svc *Service, wID string, dirs []string) {
	t.Helper()
	if err := svc.Publish(context.Background(), "conn", packID, wID, dirs, owner, "alice"); err != nil {
		t.Fatalf("Publish(%q) failed: %v", wID, err)
	}
}

func worldState(t *testing.T, st *store.Store, wID string) meta.WorldState {
	t.Helper()
	var state meta.WorldState
	err := st.View(context.Background(), packID, func(p *meta.PackMeta) error {
		w := p.FindWorld(wID)
		if w == nil {
			t.Fatalf("world %q missing", wID)
		}
		state = w.State
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return state
}

func TestPublishAndDuplicate(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", nil)

	if got := worldState(t, st, "w1"); got != meta.StateIdle {
		t.Errorf("fresh world state = %q, want idle", got)
	}

	err := svc.Publish(context.Background(), "conn", packID, "w1", nil, owner, "alice")
	if !errors.Is(err, syncerr.ErrAlreadyPublishedWorld) {
		t.Errorf("duplicate publish = %v, want alreadyPublishedWorld", err)
	}
}

func TestPublishWithoutCapability(t *testing.T) {
	svc, st := newService(t)
	err := st.Mutate(context.Background(), packID, func(p *meta.PackMeta) error {
		p.Perm.Users = []meta.UserAuth{{UID: owner, UploadWorld: false}}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = svc.Publish(context.Background(), "conn", packID, "w1", nil, owner, "alice")
	if !errors.Is(err, syncerr.ErrDenyAuth) {
		t.Errorf("publish without uploadWorld = %v, want denyAuth", err)
	}
}

func TestUnpublishPublisherOnly(t *testing.T) {
	svc, _ := newService(t)
	publishWorld(t, svc, "w1", nil)

	err := svc.Unpublish(context.Background(), "conn", packID, "w1", other)
	if !errors.Is(err, syncerr.ErrDenyAuth) {
		t.Errorf("unpublish by non-publisher = %v, want denyAuth", err)
	}
	if err := svc.Unpublish(context.Background(), "conn", packID, "w1", owner); err != nil {
		t.Errorf("unpublish by publisher failed: %v", err)
	}

	status, err := svc.Meta(context.Background(), packID, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if status.IsPublished {
		t.Error("world still published after unpublish")
	}
}

func TestTransferLifecycle(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", nil)
	ctx := context.Background()

	if err := svc.StartUpload(ctx, "conn", packID, "w1", owner, "alice"); err != nil {
		t.Fatalf("StartUpload failed: %v", err)
	}
	if got := worldState(t, st, "w1"); got != meta.StateUploading {
		t.Errorf("state = %q, want uploading", got)
	}

	// A second transfer while locked must be rejected.
	err := svc.StartDownload(ctx, "conn", packID, "w1", owner, "alice")
	if !errors.Is(err, syncerr.ErrWorldIsNotAvailableState) {
		t.Errorf("start while locked = %v, want worldIsNotAvailableState", err)
	}

	update, err := svc.FinishUpload(ctx, "conn", packID, "w1", owner, "alice")
	if err != nil {
		t.Fatalf("FinishUpload failed: %v", err)
	}
	if update != 1 {
		t.Errorf("update after first upload = %d, want 1", update)
	}
	if got := worldState(t, st, "w1"); got != meta.StateIdle {
		t.Errorf("state after finish = %q, want idle", got)
	}

	// Counter keeps climbing; FinishUpload out of the uploading state
	// is tolerated.
	update, err = svc.FinishUpload(ctx, "conn", packID, "w1", owner, "alice")
	if err != nil || update != 2 {
		t.Errorf("second FinishUpload = %d, %v, want 2, nil", update, err)
	}
}

func TestFinishDownloadOutOfOrder(t *testing.T) {
	svc, _ := newService(t)
	publishWorld(t, svc, "w1", nil)
	ctx := context.Background()

	err := svc.FinishDownload(ctx, "conn", packID, "w1", owner, "alice")
	if !errors.Is(err, syncerr.ErrCantFinishWorldDownload) {
		t.Errorf("finish while idle = %v, want cantFinishWorldDownload", err)
	}

	if err := svc.StartDownload(ctx, "conn", packID, "w1", owner, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := svc.FinishDownload(ctx, "conn", packID, "w1", owner, "alice"); err != nil {
		t.Errorf("legitimate finish failed: %v", err)
	}
}

func TestTransferStartOwnerOnly(t *testing.T) {
	svc, _ := newService(t)
	publishWorld(t, svc, "w1", nil)

	err := svc.StartUpload(context.Background(), "conn", packID, "w1", other, "bob")
	if !errors.Is(err, syncerr.ErrDenyWorldUpload) {
		t.Errorf("upload by non-owner = %v, want denyWorldUpload", err)
	}
}

func TestStartUploadConcurrent(t *testing.T) {
	svc, _ := newService(t)
	publishWorld(t, svc, "w1", nil)

	const attempts = 16
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- svc.StartUpload(context.Background(), "conn", packID, "w1", owner, "alice")
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, syncerr.ErrWorldIsNotAvailableState) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d concurrent StartUpload calls succeeded, want exactly 1", succeeded)
	}
}

func TestLaunchLifecycle(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", nil)
	publishWorld(t, svc, "w2", nil)
	ctx := context.Background()

	if err := svc.StartLaunch(ctx, "conn", packID, owner); err != nil {
		t.Fatalf("StartLaunch failed: %v", err)
	}
	for _, wID := range []string{"w1", "w2"} {
		if got := worldState(t, st, wID); got != meta.StateInUse {
			t.Errorf("%s state = %q, want inUse", wID, got)
		}
	}

	// A second launch finds the worlds locked.
	err := svc.StartLaunch(ctx, "conn", packID, owner)
	if !errors.Is(err, syncerr.ErrNotAllWorldsAreAvailable) {
		t.Errorf("relaunch = %v, want notAllWorldsAreAvailable", err)
	}

	if err := svc.FinishLaunch(ctx, "conn", packID, owner); err != nil {
		t.Fatalf("FinishLaunch failed: %v", err)
	}
	for _, wID := range []string{"w1", "w2"} {
		if got := worldState(t, st, wID); got != meta.StateIdle {
			t.Errorf("%s state after finish = %q, want idle", wID, got)
		}
	}
}

func TestLaunchRequiresOwningAll(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", nil)
	publishWorld(t, svc, "w2", nil)
	err := st.Mutate(context.Background(), packID, func(p *meta.PackMeta) error {
		p.FindWorld("w2").OwnerUID = other
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	err = svc.StartLaunch(context.Background(), "conn", packID, owner)
	if !errors.Is(err, syncerr.ErrDenyLaunchFromUnownedWorlds) {
		t.Errorf("launch with foreign world = %v, want denyLaunchFromUnownedWorlds", err)
	}
}

func TestFinishLaunchReleasesOnlyOwned(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", nil)
	publishWorld(t, svc, "w2", nil)
	ctx := context.Background()

	// Lock both, then hand w2 to another user while it is locked.
	if err := svc.StartLaunch(ctx, "conn", packID, owner); err != nil {
		t.Fatal(err)
	}
	err := st.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		p.FindWorld("w2").OwnerUID = other
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.FinishLaunch(ctx, "conn", packID, owner); err != nil {
		t.Fatal(err)
	}
	if got := worldState(t, st, "w1"); got != meta.StateIdle {
		t.Errorf("owned world state = %q, want idle", got)
	}
	if got := worldState(t, st, "w2"); got != meta.StateInUse {
		t.Errorf("foreign world state = %q, want untouched inUse", got)
	}
}

func TestForceFix(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", nil)
	ctx := context.Background()

	err := svc.ForceFix(ctx, "conn", packID, "w1", owner, "alice")
	if !errors.Is(err, syncerr.ErrNoChangeMade) {
		t.Errorf("fix of idle world = %v, want noChangeMade", err)
	}

	if err := svc.StartUpload(ctx, "conn", packID, "w1", owner, "alice"); err != nil {
		t.Fatal(err)
	}
	err = svc.ForceFix(ctx, "conn", packID, "w1", other, "bob")
	if !errors.Is(err, syncerr.ErrDenyAuth) {
		t.Errorf("fix by stranger = %v, want denyAuth", err)
	}
	if err := svc.ForceFix(ctx, "conn", packID, "w1", owner, "alice"); err != nil {
		t.Fatalf("fix by owner failed: %v", err)
	}
	if got := worldState(t, st, "w1"); got != meta.StateIdle {
		t.Errorf("state after fix = %q, want idle", got)
	}
}

func TestSetStateGated(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", nil)
	ctx := context.Background()

	err := svc.SetState(ctx, "conn", packID, "w1", owner, "corrupted")
	if !errors.Is(err, syncerr.ErrInvalidArgs) {
		t.Errorf("non-canonical state = %v, want invalid_args", err)
	}

	err = svc.SetState(ctx, "conn", packID, "w1", other, meta.StateInUse)
	if !errors.Is(err, syncerr.ErrDenyChangeWorldState) {
		t.Errorf("set by non-owner = %v, want denyChangeWorldState", err)
	}

	if err := svc.SetState(ctx, "conn", packID, "w1", owner, meta.StateInUse); err != nil {
		t.Fatalf("SetState failed: %v", err)
	}
	if got := worldState(t, st, "w1"); got != meta.StateInUse {
		t.Errorf("state = %q, want inUse", got)
	}
}

func TestTakeOwnershipIdleOnly(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", nil)
	ctx := context.Background()

	if err := svc.StartUpload(ctx, "conn", packID, "w1", owner, "alice"); err != nil {
		t.Fatal(err)
	}
	err := svc.TakeOwnership(ctx, "conn", packID, "w1", other, "bob")
	if !errors.Is(err, syncerr.ErrDenyTakeWorldOwnership) {
		t.Errorf("take of locked world = %v, want denyTakeWorldOwnership", err)
	}

	if _, err := svc.FinishUpload(ctx, "conn", packID, "w1", owner, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := svc.TakeOwnership(ctx, "conn", packID, "w1", other, "bob"); err != nil {
		t.Fatalf("take of idle world failed: %v", err)
	}
	// A retried take by the new owner is an idempotent success.
	if err := svc.TakeOwnership(ctx, "conn", packID, "w1", other, "bob"); err != nil {
		t.Errorf("re-take by owner = %v, want success", err)
	}

	err = st.View(ctx, packID, func(p *meta.PackMeta) error {
		w := p.FindWorld("w1")
		if w.OwnerUID != other || w.OwnerName != "bob" {
			t.Errorf("owner = %q/%q, want u2/bob", w.OwnerUID, w.OwnerName)
		}
		if w.PublisherUID != owner {
			t.Error("publisher must not change on ownership transfer")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestListFiles(t *testing.T) {
	svc, st := newService(t)
	publishWorld(t, svc, "w1", []string{"region"})
	ctx := context.Background()

	fs := st.Fs()
	dir := st.WorldDir(packID, "w1")
	old := time.UnixMilli(1000)
	recent := time.UnixMilli(5000)
	writeAt := func(rel string, mod time.Time) {
		path := filepath.Join(dir, rel)
		if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := afero.WriteFile(fs, path, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := fs.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	writeAt("region/r.0.0.mca", recent)
	writeAt("region/r.0.1.mca", old)
	writeAt("playerdata/p1.dat", recent) // outside allowedDirs

	list, err := svc.ListFiles(ctx, packID, "w1", owner, false, 0, false)
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(list.Files) != 2 {
		t.Errorf("allowedDirs walk returned %d files, want 2", len(list.Files))
	}

	list, err = svc.ListFiles(ctx, packID, "w1", owner, true, 2500, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Files) != 1 || list.Files[0].Path != "region/r.0.0.mca" {
		t.Errorf("time-filtered walk = %+v, want only the recent region file", list.Files)
	}

	list, err = svc.ListFiles(ctx, packID, "w1", owner, false, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(list.Files) != 3 {
		t.Errorf("force-all walk returned %d files, want 3", len(list.Files))
	}

	// Listing requires ownership and the idle state.
	if _, err := svc.ListFiles(ctx, packID, "w1", other, false, 0, false); !errors.Is(err, syncerr.ErrDenyWorldDownload) {
		t.Errorf("list by non-owner = %v, want denyWorldDownload", err)
	}
	if err := svc.StartUpload(ctx, "conn", packID, "w1", owner, "alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ListFiles(ctx, packID, "w1", owner, false, 0, false); !errors.Is(err, syncerr.ErrWorldIsNotAvailableState) {
		t.Errorf("list while locked = %v, want worldIsNotAvailableState", err)
	}
}
