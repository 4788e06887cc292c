// Package store owns the authoritative in-memory view of every pack's
// metadata document. The cache is an optimization layer: durable
// storage is the source of truth, and any entry can be marked dirty to
// force a reload on next access.
//
// All mutation goes through Mutate, which serializes read-modify-write
// per pack id. Two concurrent state transitions on the same pack can
// therefore never interleave between load and save.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/packsync/packsync/internal/logging"
	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/metrics"
	"github.com/packsync/packsync/internal/syncerr"
)

const metaFileName = "meta.json"

// Entry wraps a cached pack document with its dirty flag. Entries are
// owned exclusively by the Store; other components receive the inner
// document by reference and must route changes through Mutate.
type Entry struct {
	ID    string
	Meta  *meta.PackMeta
	dirty bool
}

// Store is the disk-backed pack metadata cache.
type Store struct {
	fs   afero.Fs
	root string

	mu    sync.RWMutex
	cache map[string]*Entry

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// New creates a store rooted at dataDir. Nothing is loaded until
// Initialize or the first Get.
func New(fs afero.Fs, dataDir string) *Store {
	return &Store{
		fs:    fs,
		root:  dataDir,
		cache: make(map[string]*Entry),
		locks: make(map[string]*sync.Mutex),
	}
}

// PacksDir returns the directory holding all pack directories.
func (s *Store) PacksDir() string { return filepath.Join(s.root, "modpacks") }

// PackDir returns the directory of one pack.
func (s *Store) PackDir(id string) string { return filepath.Join(s.PacksDir(), id) }

// ModsDir returns the mod archive directory of a pack.
func (s *Store) ModsDir(id string) string { return filepath.Join(s.PackDir(id), "mods") }

// ResourcePacksDir returns the resource-pack content directory of a pack.
func (s *Store) ResourcePacksDir(id string) string {
	return filepath.Join(s.PackDir(id), "resourcepacks")
}

// ResourcePackDir returns the content directory of one resource pack.
func (s *Store) ResourcePackDir(id, rpID string) string {
	return filepath.Join(s.ResourcePacksDir(id), rpID)
}

// SavesDir returns the save-world directory of a pack.
func (s *Store) SavesDir(id string) string { return filepath.Join(s.PackDir(id), "saves") }

// WorldDir returns the save directory of one world.
func (s *Store) WorldDir(id, wID string) string {
	return filepath.Join(s.SavesDir(id), wID)
}

// Fs exposes the filesystem the store persists to, for components that
// walk content directories under the same root.
func (s *Store) Fs() afero.Fs { return s.fs }

// Initialize enumerates all pack directories and loads each one
// concurrently. A pack that fails to load is logged and omitted;
// startup never aborts on partial failure.
func (s *Store) Initialize(ctx context.Context) error {
	if err := s.fs.MkdirAll(s.PacksDir(), 0o755); err != nil {
		return fmt.Errorf("create packs dir: %w", err)
	}

	infos, err := afero.ReadDir(s.fs, s.PacksDir())
	if err != nil {
		return fmt.Errorf("scan packs dir: %w", err)
	}

	var wg sync.WaitGroup
	for _, info := range infos {
		if !info.IsDir() {
			continue
		}
		id := info.Name()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.loadFromDisk(id); err != nil {
				logging.Warn("skipping pack at startup",
					zap.String("pack", id), zap.Error(err))
			}
		}()
	}
	wg.Wait()

	s.mu.RLock()
	n := len(s.cache)
	s.mu.RUnlock()
	metrics.SetCachedPacks(n)
	logging.Info("pack cache initialized", zap.Int("packs", n))
	return nil
}

// get returns the cached entry for id, reloading from durable storage
// when the entry is absent or dirty. The entry is the live cached
// document: external readers go through View, Mutate or Snapshot,
// which hold the per-pack lock around it.
func (s *Store) get(ctx context.Context, id string) (*Entry, error) {
	if id == "" {
		return nil, syncerr.ErrCouldNotFindPack
	}
	// An id is a single directory component under the packs dir; a
	// traversal token or separator would resolve outside it.
	if err := meta.ValidateID(id); err != nil {
		return nil, err
	}

	s.mu.RLock()
	entry, ok := s.cache[id]
	if ok && !entry.dirty {
		s.mu.RUnlock()
		metrics.RecordCacheHit()
		return entry, nil
	}
	s.mu.RUnlock()

	return s.loadFromDisk(id)
}

// loadFromDisk reads the pack's metadata document, normalizes it and
// replaces the cache entry. It also creates the on-disk sub-folders
// needed by later writes; the mkdir is idempotent.
func (s *Store) loadFromDisk(id string) (*Entry, error) {
	dir := s.PackDir(id)

	if ok, err := afero.DirExists(s.fs, dir); err != nil || !ok {
		return nil, syncerr.ErrCouldNotFindPack
	}

	raw, err := afero.ReadFile(s.fs, filepath.Join(dir, metaFileName))
	if err != nil {
		return nil, syncerr.ErrFailedToReadPack
	}

	var m meta.PackMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		logging.Warn("malformed pack meta", zap.String("pack", id), zap.Error(err))
		return nil, syncerr.ErrFailedToReadPack
	}
	m.Normalize()

	// Directory creation races with concurrent loads are harmless.
	for _, sub := range []string{
		s.ModsDir(id),
		s.ResourcePacksDir(id),
		s.SavesDir(id),
		filepath.Join(dir, "cache", "rp"),
	} {
		if err := s.fs.MkdirAll(sub, 0o755); err != nil {
			logging.Warn("create pack sub-folder",
				zap.String("pack", id), zap.String("dir", sub), zap.Error(err))
		}
	}

	metrics.RecordCacheReload()
	return s.Add(id, &m), nil
}

// Add registers a freshly published or freshly loaded pack, replacing
// any existing cache entry for that id.
func (s *Store) Add(id string, m *meta.PackMeta) *Entry {
	entry := &Entry{ID: id, Meta: m}
	s.mu.Lock()
	s.cache[id] = entry
	n := len(s.cache)
	s.mu.Unlock()
	metrics.SetCachedPacks(n)
	return entry
}

// Remove drops the cache entry for id. The on-disk document is left
// alone.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.cache, id)
	n := len(s.cache)
	s.mu.Unlock()
	metrics.SetCachedPacks(n)
}

// MarkDirty forces the next Get of id to reload from durable storage.
func (s *Store) MarkDirty(id string) {
	s.mu.Lock()
	if entry, ok := s.cache[id]; ok {
		entry.dirty = true
	}
	s.mu.Unlock()
}

// Save serializes the full metadata document (including internal
// fields) back to durable storage. It must run after every mutation
// and before the response is returned; a crash between mutation and
// save is the accepted durability window.
func (s *Store) Save(entry *Entry) error {
	raw, err := json.MarshalIndent(entry.Meta, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal pack %s: %w", entry.ID, err)
	}

	// Temp file then rename, so readers never see a torn document.
	dir := s.PackDir(entry.ID)
	tmp := filepath.Join(dir, ".meta-tmp.json")
	if err := afero.WriteFile(s.fs, tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write pack %s: %w", entry.ID, err)
	}
	if err := s.fs.Rename(tmp, filepath.Join(dir, metaFileName)); err != nil {
		return fmt.Errorf("rename pack meta %s: %w", entry.ID, err)
	}
	return nil
}

// Exists reports whether a pack directory is present on durable
// storage, without loading it.
func (s *Store) Exists(id string) bool {
	ok, err := afero.DirExists(s.fs, s.PackDir(id))
	return err == nil && ok
}

// Create publishes a new pack: lays out its directories, persists the
// document and registers the cache entry. The id must not exist yet.
func (s *Store) Create(ctx context.Context, m *meta.PackMeta) error {
	if err := meta.ValidateID(m.ID); err != nil {
		return err
	}
	lock := s.lockFor(m.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.Exists(m.ID) {
		return syncerr.ErrModpackAlreadyExists
	}

	for _, dir := range []string{
		s.PackDir(m.ID),
		s.ModsDir(m.ID),
		s.ResourcePacksDir(m.ID),
		s.SavesDir(m.ID),
	} {
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: create %s: %s", syncerr.ErrFailedPublishModpack, dir, err)
		}
	}

	entry := s.Add(m.ID, m)
	if err := s.Save(entry); err != nil {
		return fmt.Errorf("%w: %s", syncerr.ErrFailedPublishModpack, err)
	}
	return nil
}

// View runs fn with the pack's document under the per-pack lock,
// without saving afterwards. fn must not retain the document.
func (s *Store) View(ctx context.Context, id string, fn func(*meta.PackMeta) error) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	return fn(entry.Meta)
}

// Snapshot returns a deep copy of the pack's document, taken under
// the per-pack lock. The copy is safe to read and encode while
// writers keep mutating the live document.
func (s *Store) Snapshot(ctx context.Context, id string) (*meta.PackMeta, error) {
	var snap *meta.PackMeta
	err := s.View(ctx, id, func(p *meta.PackMeta) error {
		snap = p.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Mutate runs fn with the pack's document under the per-pack lock and
// persists the document if fn succeeds. This is the single-writer
// path: every metadata mutation in the system goes through here.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*meta.PackMeta) error) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	entry, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(entry.Meta); err != nil {
		return err
	}
	return s.Save(entry)
}

// ForEach visits every cached pack under its per-pack lock until fn
// returns false. Visit order is unspecified.
func (s *Store) ForEach(fn func(id string, m *meta.PackMeta) bool) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.cache))
	for id := range s.cache {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		lock := s.lockFor(id)
		lock.Lock()
		s.mu.RLock()
		entry, ok := s.cache[id]
		s.mu.RUnlock()
		cont := true
		if ok {
			cont = fn(id, entry.Meta)
		}
		lock.Unlock()
		if !cont {
			return
		}
	}
}

// Stat exposes os.FileInfo for a path under the store's filesystem.
func (s *Store) Stat(path string) (os.FileInfo, error) {
	return s.fs.Stat(path)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}
