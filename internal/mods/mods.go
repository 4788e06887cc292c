// Package mods synchronizes the immutable mod archives of a pack.
// Archives are addressed by filename and never modified in place, so
// diffing works on name sets and the content can live on any storage
// backend, including an object store.
package mods

import (
	"context"

	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/storage"
	"github.com/packsync/packsync/internal/store"
	"github.com/packsync/packsync/internal/syncerr"
)

// Service runs mod archive sync over the pack store and a storage
// backend.
type Service struct {
	store   *store.Store
	backend storage.Backend
}

// New creates a mod sync service.
func New(s *store.Store, b storage.Backend) *Service {
	return &Service{store: s, backend: b}
}

// ChangeSet is an add/remove pair of file names.
type ChangeSet struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// Diff is the outcome of a mod update query: changes to the mod
// archives and to their index files.
type Diff struct {
	Mods    ChangeSet `json:"mods"`
	Indexes ChangeSet `json:"indexes"`
}

// ModKey returns the backend key of one mod archive.
func ModKey(packID, name string) string { return packID + "/mods/" + name }

// IndexKey returns the backend key of one mod index file.
func IndexKey(packID, name string) string { return packID + "/mods/.index/" + name }

// CheckUpdate reports whether the pack's update counter is ahead of
// the client's.
func (s *Service) CheckUpdate(ctx context.Context, packID string, clientUpdate int) (bool, error) {
	var serverUpdate int
	err := s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		serverUpdate = p.Update
		return nil
	})
	if err != nil {
		return false, err
	}
	return serverUpdate > clientUpdate, nil
}

// GetDiff compares the server's mod and index listings against the
// client's, honoring the ignore list for mods.
func (s *Service) GetDiff(ctx context.Context, packID string, currentMods, currentIndexes, ignoreMods []string) (*Diff, error) {
	if err := auth.ValidateID(packID); err != nil {
		return nil, err
	}
	if err := s.store.View(ctx, packID, func(*meta.PackMeta) error { return nil }); err != nil {
		return nil, err
	}

	serverMods, err := s.backend.ListObjects(ctx, packID+"/mods")
	if err != nil {
		return nil, syncerr.ErrFailedToReadStats
	}
	serverIndexes, err := s.backend.ListObjects(ctx, packID+"/mods/.index")
	if err != nil {
		return nil, syncerr.ErrFailedToReadStats
	}

	ignore := toSet(ignoreMods)
	diff := &Diff{
		Mods:    diffSets(serverMods, currentMods, ignore),
		Indexes: diffSets(serverIndexes, currentIndexes, nil),
	}
	return diff, nil
}

// AuthorizeUpload decides whether uid may write the named mod archive
// path. Only the pack's publisher may upload mods. Returns the
// normalized backend key.
func (s *Service) AuthorizeUpload(ctx context.Context, packID, uid, relPath string) (string, error) {
	if err := auth.ValidateID(packID); err != nil {
		return "", err
	}
	cleaned, err := auth.ValidatePath(relPath)
	if err != nil {
		return "", err
	}

	err = s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		if p.PublisherUID != uid {
			return syncerr.ErrDenyAuth
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ModKey(packID, cleaned), nil
}

// NeedsUpload filters the publisher's file list down to the archives
// not yet present on storage. Archives are immutable, so presence is
// equivalent to being up to date.
func (s *Service) NeedsUpload(ctx context.Context, packID, uid string, files []string) ([]string, error) {
	if err := auth.ValidateID(packID); err != nil {
		return nil, err
	}

	err := s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		if p.PublisherUID != uid {
			return syncerr.ErrDenyAuth
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	missing := []string{}
	for _, f := range files {
		cleaned, err := auth.ValidatePath(f)
		if err != nil {
			continue
		}
		ok, err := s.backend.ObjectExists(ctx, ModKey(packID, cleaned))
		if err != nil || !ok {
			missing = append(missing, cleaned)
		}
	}
	return missing, nil
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set
}

// diffSets computes server-minus-client as Add and client-minus-server
// as Remove, skipping ignored names in both directions.
func diffSets(server, client []string, ignore map[string]struct{}) ChangeSet {
	cs := ChangeSet{Add: []string{}, Remove: []string{}}
	clientSet := toSet(client)
	serverSet := toSet(server)

	for _, name := range server {
		if _, skip := ignore[name]; skip {
			continue
		}
		if _, ok := clientSet[name]; !ok {
			cs.Add = append(cs.Add, name)
		}
	}
	for _, name := range client {
		if _, skip := ignore[name]; skip {
			continue
		}
		if _, ok := serverSet[name]; !ok {
			cs.Remove = append(cs.Remove, name)
		}
	}
	return cs
}
