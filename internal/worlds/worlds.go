// Package worlds implements the ownership and lock lifecycle of shared
// save-worlds. A world is exclusively owned; its lock state gates
// every transfer operation, and ownership can only move while the
// world is idle.
//
// All mutations run inside the store's per-pack critical section, so
// two concurrent transitions on the same world can never both observe
// the idle state.
package worlds

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/events"
	"github.com/packsync/packsync/internal/logging"
	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/metrics"
	"github.com/packsync/packsync/internal/store"
	"github.com/packsync/packsync/internal/syncerr"
)

// Service runs the world lifecycle over the pack store.
type Service struct {
	store  *store.Store
	events *events.Broadcaster
	now    func() time.Time
}

// New creates a world lifecycle service.
func New(s *store.Store, b *events.Broadcaster) *Service {
	return &Service{store: s, events: b, now: time.Now}
}

// Status is the client-visible projection of one world.
type Status struct {
	IsPublished bool             `json:"isPublished"`
	WID         string           `json:"wID"`
	Icon        string           `json:"icon,omitempty"`
	OwnerUID    string           `json:"ownerUID,omitempty"`
	OwnerName   string           `json:"ownerName,omitempty"`
	Publisher   string           `json:"publisherName,omitempty"`
	Update      int              `json:"update"`
	State       meta.WorldState  `json:"state"`
}

// File is one save file eligible for transfer, relative to the world
// root.
type File struct {
	Name string `json:"n"`
	Path string `json:"loc"`
}

// FileList is the result of a world file listing.
type FileList struct {
	Files  []File `json:"files"`
	Update int    `json:"update"`
}

func (s *Service) refresh(packID, wID, exceptConn string) {
	s.events.Publish(events.Event{
		Scope:    events.ScopeWorld,
		PackID:   packID,
		EntityID: wID,
	}, exceptConn)
}

func (s *Service) setState(w *meta.WorldMeta, state meta.WorldState) {
	w.State = state
	metrics.RecordWorldTransition(string(state))
}

// Publish creates a world entry in the idle state with the requester
// as both owner and publisher.
func (s *Service) Publish(ctx context.Context, connID, packID, wID string, allowedDirs []string, ownerUID, ownerName string) error {
	if err := auth.ValidateID(packID, wID); err != nil {
		return err
	}
	if err := auth.CheckEnabledWorld(wID); err != nil {
		return err
	}
	if ownerUID == "" || ownerName == "" {
		return syncerr.ErrInvalidArgs
	}

	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, ownerUID, ownerName)
		if err != nil {
			return err
		}
		if !g.Auth.UploadWorld {
			return syncerr.ErrDenyAuth
		}
		if p.FindWorld(wID) != nil {
			return syncerr.ErrAlreadyPublishedWorld
		}
		p.Worlds = append(p.Worlds, meta.NewWorldMeta(wID, allowedDirs, ownerUID, ownerName, s.now()))
		return nil
	})
	if err != nil {
		return err
	}

	s.refresh(packID, wID, connID)
	return nil
}

// Unpublish removes a world entry entirely. Only its original
// publisher may do this.
func (s *Service) Unpublish(ctx context.Context, connID, packID, wID, uid string) error {
	if err := auth.ValidateID(packID, wID); err != nil {
		return err
	}

	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		if w.PublisherUID != uid {
			return syncerr.ErrDenyAuth
		}
		for i := range p.Worlds {
			if p.Worlds[i].WID == wID {
				p.Worlds = append(p.Worlds[:i], p.Worlds[i+1:]...)
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.refresh(packID, wID, connID)
	return nil
}

// Meta returns the published/unpublished projection of one world.
func (s *Service) Meta(ctx context.Context, packID, wID string) (*Status, error) {
	if packID == "" || wID == "" {
		return nil, syncerr.ErrInvalidArgs
	}

	var st *Status
	err := s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		w := p.FindWorld(wID)
		if w == nil {
			st = &Status{IsPublished: false, WID: wID}
			return nil
		}
		st = &Status{
			IsPublished: true,
			WID:         wID,
			Icon:        w.Icon,
			OwnerUID:    w.OwnerUID,
			OwnerName:   w.OwnerName,
			Publisher:   w.PublisherName,
			Update:      w.Update,
			State:       w.State,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ListServer returns the worlds of a pack the caller doesn't already
// know about.
func (s *Service) ListServer(ctx context.Context, packID string, existing []string) ([]Status, error) {
	known := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}

	var list []Status
	err := s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		for i := range p.Worlds {
			w := &p.Worlds[i]
			if _, ok := known[w.WID]; ok {
				continue
			}
			list = append(list, Status{
				IsPublished: true,
				WID:         w.WID,
				Icon:        w.Icon,
				OwnerName:   w.OwnerName,
				Publisher:   w.PublisherName,
				Update:      w.Update,
				State:       w.State,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// AllowedDirs returns the top-level save subdirectories eligible for
// sync. Only the world's owner may ask, since this starts an upload
// round.
func (s *Service) AllowedDirs(ctx context.Context, packID, wID, uid string) ([]string, error) {
	if err := auth.CheckEnabledWorld(wID); err != nil {
		return nil, err
	}

	var dirs []string
	err := s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		if w.OwnerUID != uid {
			return syncerr.ErrDenyWorldUpload
		}
		dirs = append(dirs, w.AllowedDirs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// StartLaunch locks every world of the pack to inUse. The requester
// must own all of them and none may be mid-transfer.
func (s *Service) StartLaunch(ctx context.Context, connID, packID, uid string) error {
	if err := auth.ValidateID(packID); err != nil {
		return err
	}

	var locked []string
	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		for i := range p.Worlds {
			if p.Worlds[i].OwnerUID != uid {
				return syncerr.ErrDenyLaunchFromUnownedWorlds
			}
		}
		for i := range p.Worlds {
			if p.Worlds[i].State != meta.StateIdle {
				return syncerr.ErrNotAllWorldsAreAvailable
			}
		}
		for i := range p.Worlds {
			s.setState(&p.Worlds[i], meta.StateInUse)
			locked = append(locked, p.Worlds[i].WID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, wID := range locked {
		s.refresh(packID, wID, connID)
	}
	return nil
}

// FinishLaunch releases the worlds the requester owns, leaving worlds
// owned by others untouched. A client that crashed mid-session thus
// never releases locks it did not legitimately hold.
func (s *Service) FinishLaunch(ctx context.Context, connID, packID, uid string) error {
	if err := auth.ValidateID(packID); err != nil {
		return err
	}

	var released []string
	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		for i := range p.Worlds {
			if p.Worlds[i].OwnerUID != uid {
				continue
			}
			s.setState(&p.Worlds[i], meta.StateIdle)
			released = append(released, p.Worlds[i].WID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, wID := range released {
		s.refresh(packID, wID, connID)
	}
	return nil
}

// transferStart factors the shared shape of StartUpload and
// StartDownload: owner-only, idle-only, then lock to target.
func (s *Service) transferStart(ctx context.Context, connID, packID, wID, uid, uname string, target meta.WorldState) error {
	if err := auth.ValidateID(packID, wID); err != nil {
		return err
	}
	if uid == "" || uname == "" {
		return syncerr.ErrInvalidArgs
	}

	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, uid, uname)
		if err != nil {
			return err
		}
		if !g.Auth.UploadWorld {
			return syncerr.ErrDenyAuth
		}
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		if w.OwnerUID != uid {
			return syncerr.ErrDenyWorldUpload
		}
		if w.State != meta.StateIdle {
			return syncerr.ErrWorldIsNotAvailableState
		}
		s.setState(w, target)
		return nil
	})
	if err != nil {
		return err
	}

	s.refresh(packID, wID, connID)
	return nil
}

// StartUpload locks an idle world for upload.
func (s *Service) StartUpload(ctx context.Context, connID, packID, wID, uid, uname string) error {
	if err := auth.CheckEnabledWorld(wID); err != nil {
		return err
	}
	return s.transferStart(ctx, connID, packID, wID, uid, uname, meta.StateUploading)
}

// StartDownload locks an idle world for download.
func (s *Service) StartDownload(ctx context.Context, connID, packID, wID, uid, uname string) error {
	return s.transferStart(ctx, connID, packID, wID, uid, uname, meta.StateDownloading)
}

// FinishUpload records a completed upload round: the update counter
// advances and the last-sync timestamp is set. If the world was in the
// uploading state it returns to idle; any other state is tolerated and
// left as-is. Returns the new update counter.
func (s *Service) FinishUpload(ctx context.Context, connID, packID, wID, uid, uname string) (int, error) {
	if err := auth.ValidateID(packID, wID); err != nil {
		return 0, err
	}
	if uid == "" || uname == "" {
		return 0, syncerr.ErrInvalidArgs
	}

	var update int
	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, uid, uname)
		if err != nil {
			return err
		}
		if !g.Auth.UploadWorld {
			return syncerr.ErrDenyAuth
		}
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		if w.OwnerUID != uid {
			return syncerr.ErrDenyWorldUpload
		}
		w.Update++
		w.LastSync = s.now().UnixMilli()
		if w.State == meta.StateUploading {
			s.setState(w, meta.StateIdle)
		}
		update = w.Update
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.refresh(packID, wID, connID)
	return update, nil
}

// FinishDownload releases a world locked for download. Any other
// state is rejected: out-of-order completions must not silently pass.
func (s *Service) FinishDownload(ctx context.Context, connID, packID, wID, uid, uname string) error {
	if err := auth.ValidateID(packID, wID); err != nil {
		return err
	}
	if uid == "" || uname == "" {
		return syncerr.ErrInvalidArgs
	}

	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, uid, uname)
		if err != nil {
			return err
		}
		if !g.Auth.UploadWorld {
			return syncerr.ErrDenyAuth
		}
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		if w.OwnerUID != uid {
			return syncerr.ErrDenyWorldUpload
		}
		if w.State != meta.StateDownloading {
			return syncerr.ErrCantFinishWorldDownload
		}
		s.setState(w, meta.StateIdle)
		return nil
	})
	if err != nil {
		return err
	}

	s.refresh(packID, wID, connID)
	return nil
}

// ForceFix is the administrative escape hatch for stuck states: the
// owner or publisher may reset any non-idle world back to idle.
func (s *Service) ForceFix(ctx context.Context, connID, packID, wID, uid, uname string) error {
	if err := auth.ValidateID(packID, wID); err != nil {
		return err
	}
	if uid == "" || uname == "" {
		return syncerr.ErrInvalidArgs
	}

	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, uid, uname)
		if err != nil {
			return err
		}
		if !g.Auth.UploadWorld {
			return syncerr.ErrDenyAuth
		}
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		if uid != w.PublisherUID && uid != w.OwnerUID {
			return syncerr.ErrDenyAuth
		}
		if w.State == meta.StateIdle {
			return syncerr.ErrNoChangeMade
		}
		logging.Warn("force-fixing world state",
			zap.String("pack", packID), zap.String("world", wID),
			zap.String("was", string(w.State)))
		s.setState(w, meta.StateIdle)
		return nil
	})
	if err != nil {
		return err
	}

	s.refresh(packID, wID, connID)
	return nil
}

// SetState assigns a caller-supplied lock state directly. Only the
// owner may do this, and only the four canonical states are accepted.
func (s *Service) SetState(ctx context.Context, connID, packID, wID, uid string, state meta.WorldState) error {
	if err := auth.ValidateID(packID, wID); err != nil {
		return err
	}
	if uid == "" || !meta.ValidState(state) {
		return syncerr.ErrInvalidArgs
	}

	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, uid, "")
		if err != nil {
			return err
		}
		if !g.Auth.UploadWorld {
			return syncerr.ErrDenyAuth
		}
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		if w.OwnerUID != uid {
			return syncerr.ErrDenyChangeWorldState
		}
		s.setState(w, state)
		return nil
	})
	if err != nil {
		return err
	}

	s.refresh(packID, wID, connID)
	return nil
}

// TakeOwnership reassigns a world to the requester. Requires the
// pack-level upload-world capability, and the world must be idle.
func (s *Service) TakeOwnership(ctx context.Context, connID, packID, wID, uid, uname string) error {
	if err := auth.ValidateID(packID, wID); err != nil {
		return err
	}
	if uid == "" && uname == "" {
		return syncerr.ErrInvalidArgs
	}

	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, uid, uname)
		if err != nil {
			return err
		}
		if !g.Auth.UploadWorld {
			return syncerr.ErrDenyAuth
		}
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		// A retried take by the current owner reports success rather
		// than alreadyOwnerOfWorld, so clients can repeat the call
		// after a dropped response.
		if w.OwnerUID == uid {
			return nil
		}
		if w.State != meta.StateIdle {
			return syncerr.ErrDenyTakeWorldOwnership
		}
		w.OwnerUID = uid
		w.OwnerName = uname
		return nil
	})
	if err != nil {
		return err
	}

	s.refresh(packID, wID, connID)
	return nil
}

// ListFiles walks a world's save directory and returns the files
// eligible for transfer. The world must be idle and owned by the
// requester. Only AllowedDirs are walked unless forceAll is set; with
// useTime, files whose modification time is not newer than syncTime
// are skipped.
func (s *Service) ListFiles(ctx context.Context, packID, wID, uid string, useTime bool, syncTime int64, forceAll bool) (*FileList, error) {
	if err := auth.ValidateID(packID, wID); err != nil {
		return nil, err
	}

	res := &FileList{Files: []File{}}
	err := s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		w := p.FindWorld(wID)
		if w == nil {
			return syncerr.ErrWorldDNE
		}
		if w.State != meta.StateIdle {
			return syncerr.ErrWorldIsNotAvailableState
		}
		if w.OwnerUID != uid {
			return syncerr.ErrDenyWorldDownload
		}

		saveDir := s.store.WorldDir(packID, wID)
		if ok, err := afero.DirExists(s.store.Fs(), saveDir); err != nil || !ok {
			return syncerr.ErrWorldDNE
		}
		res.Update = w.Update

		include := func(rel string, info os.FileInfo) {
			if useTime && info.ModTime().UnixMilli() <= syncTime {
				return
			}
			res.Files = append(res.Files, File{Name: info.Name(), Path: rel})
		}

		if forceAll {
			return walkRelative(s.store.Fs(), saveDir, "", include)
		}
		allowed := make(map[string]struct{}, len(w.AllowedDirs))
		for _, d := range w.AllowedDirs {
			allowed[d] = struct{}{}
		}
		tops, err := afero.ReadDir(s.store.Fs(), saveDir)
		if err != nil {
			return syncerr.ErrWorldDNE
		}
		for _, top := range tops {
			if _, ok := allowed[top.Name()]; !ok {
				continue
			}
			if !top.IsDir() {
				continue
			}
			if err := walkRelative(s.store.Fs(), filepath.Join(saveDir, top.Name()), top.Name(), include); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// walkRelative visits every file under dir, calling fn with its path
// relative to the walk origin (joined onto prefix).
func walkRelative(fs afero.Fs, dir, prefix string, fn func(rel string, info os.FileInfo)) error {
	items, err := afero.ReadDir(fs, dir)
	if err != nil {
		return syncerr.ErrFailedToReadStats
	}
	for _, item := range items {
		rel := item.Name()
		if prefix != "" {
			rel = prefix + "/" + item.Name()
		}
		if item.IsDir() {
			if err := walkRelative(fs, filepath.Join(dir, item.Name()), rel, fn); err != nil {
				return err
			}
			continue
		}
		fn(rel, item)
	}
	return nil
}
