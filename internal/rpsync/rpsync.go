// Package rpsync implements resource-pack versioning and the
// timestamp-diff download protocol. Each successful upload negotiation
// bumps the entry's update counter; downloads diff file modification
// times against the client's last-download timestamp.
package rpsync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/store"
	"github.com/packsync/packsync/internal/syncerr"
)

// Upload hints: whether the caller should run a full or incremental
// transfer.
const (
	HintFolderExists = 1
	HintNewFolder    = 2
)

// Service runs resource-pack sync over the pack store.
type Service struct {
	store *store.Store
}

// New creates a resource-pack sync service.
func New(s *store.Store) *Service {
	return &Service{store: s}
}

// UploadGrant is the outcome of a successful upload negotiation.
type UploadGrant struct {
	Hint   int `json:"res"`
	Update int `json:"update"`
}

// ModifiedFile is one file of a download diff, relative to the
// resource-pack root.
type ModifiedFile struct {
	Name    string `json:"n"`
	Path    string `json:"l"`
	ModTime int64  `json:"mt"`
}

// Diff is the add/remove set of a download negotiation. Remove is
// always empty in the current protocol: deletions are not tracked.
type Diff struct {
	Add    []ModifiedFile `json:"add"`
	Remove []ModifiedFile `json:"remove"`
	Update int            `json:"update"`
}

// VersionPair ties a resource-pack id to an update counter.
type VersionPair struct {
	RPID   string `json:"rpID"`
	Update int    `json:"update"`
}

// MCMeta is the pack.mcmeta descriptor of an unpacked resource pack.
type MCMeta struct {
	Pack struct {
		PackFormat  int    `json:"pack_format"`
		Description string `json:"description"`
	} `json:"pack"`
}

// Info describes a resource pack available on the server.
type Info struct {
	Name        string `json:"name"`
	RPID        string `json:"rpID"`
	Description string `json:"description"`
	PackFormat  int    `json:"packFormat"`
}

// NegotiateUpload resolves or creates the entry for rpID and advances
// its update counter. The counter moves at negotiation time, not at
// file-write time, so an abandoned upload still bumps it. The returned
// hint tells the caller whether content already exists on storage.
func (s *Service) NegotiateUpload(ctx context.Context, packID, rpID, uid, uname string) (*UploadGrant, error) {
	if err := auth.ValidateID(packID, rpID); err != nil {
		return nil, err
	}
	if err := auth.CheckEnabledRP(rpID); err != nil {
		return nil, err
	}
	if uid == "" || uname == "" {
		return nil, syncerr.ErrInvalidArgs
	}

	var update int
	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, uid, uname)
		if err != nil {
			return err
		}
		rp := p.FindRP(rpID)
		if err := auth.CheckRPUpload(g, rp, uid, uname); err != nil {
			return err
		}
		if rp == nil {
			p.ResourcePacks = append(p.ResourcePacks, meta.RPMeta{
				RPID:     rpID,
				OwnerUID: uid,
				Update:   0,
				Perm:     meta.RPPermList{Users: []meta.RPUserAuth{}},
			})
			rp = p.FindRP(rpID)
		}
		rp.Update++
		update = rp.Update
		return nil
	})
	if err != nil {
		return nil, err
	}

	grant := &UploadGrant{Hint: HintNewFolder, Update: update}
	if ok, err := afero.DirExists(s.store.Fs(), s.store.ResourcePackDir(packID, rpID)); err == nil && ok {
		grant.Hint = HintFolderExists
	}
	return grant, nil
}

// AuthorizeUploadPath decides whether uid/uname may write the named
// relative path inside the resource pack, returning the normalized
// path. The entry must already exist (a negotiation created it) and
// the user must hold the pack-level capability plus ownership or an
// upload sub-permission.
func (s *Service) AuthorizeUploadPath(ctx context.Context, packID, rpID, uid, uname, relPath string) (string, error) {
	if err := auth.ValidateID(packID, rpID); err != nil {
		return "", err
	}
	cleaned, err := auth.ValidatePath(relPath)
	if err != nil {
		return "", err
	}
	if uid == "" || uname == "" {
		return "", syncerr.ErrInvalidArgs
	}

	err = s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		g, err := auth.ResolveIn(p, uid, uname)
		if err != nil {
			return err
		}
		if !g.Auth.UploadRP {
			return syncerr.ErrDenyAuth
		}
		rp := p.FindRP(rpID)
		if rp == nil {
			return syncerr.ErrDenyAuth
		}
		if !rp.CanUpload(uid, uname) {
			return syncerr.ErrDenyAuth
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return cleaned, nil
}

// DownloadDiff walks every file under the resource pack and returns
// those modified strictly after lastDownloaded (or everything, with
// force). A missing metadata entry is tolerated with a zero counter so
// content from a half-finished upload stays downloadable.
func (s *Service) DownloadDiff(ctx context.Context, packID, rpID string, lastDownloaded int64, force bool) (*Diff, error) {
	if err := auth.ValidateID(packID, rpID); err != nil {
		return nil, err
	}

	dir := s.store.ResourcePackDir(packID, rpID)
	if ok, err := afero.DirExists(s.store.Fs(), dir); err != nil || !ok {
		return nil, syncerr.ErrCouldNotFindRP
	}

	diff := &Diff{Add: []ModifiedFile{}, Remove: []ModifiedFile{}}
	err := walk(s.store.Fs(), dir, "", func(rel string, info os.FileInfo) {
		if !force && info.ModTime().UnixMilli() <= lastDownloaded {
			return
		}
		diff.Add = append(diff.Add, ModifiedFile{
			Name:    info.Name(),
			Path:    rel,
			ModTime: info.ModTime().UnixMilli(),
		})
	})
	if err != nil {
		return nil, err
	}

	err = s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		if rp := p.FindRP(rpID); rp != nil {
			diff.Update = rp.Update
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return diff, nil
}

// Versions returns the subset of the client's resource packs whose
// server-side counter is ahead, each with the new counter value.
func (s *Service) Versions(ctx context.Context, packID string, current []VersionPair) ([]VersionPair, error) {
	newer := []VersionPair{}
	err := s.store.View(ctx, packID, func(p *meta.PackMeta) error {
		for _, cur := range current {
			rp := p.FindRP(cur.RPID)
			if rp == nil {
				continue
			}
			if rp.Update <= cur.Update {
				continue
			}
			newer = append(newer, VersionPair{RPID: rp.RPID, Update: rp.Update})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newer, nil
}

// ListAvailable scans the resource-pack content directory and
// describes every unpacked pack the caller doesn't already have. Packs
// without a readable pack.mcmeta are skipped.
func (s *Service) ListAvailable(ctx context.Context, packID string, existing []string) ([]Info, error) {
	if err := s.store.View(ctx, packID, func(*meta.PackMeta) error { return nil }); err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(existing))
	for _, id := range existing {
		known[id] = struct{}{}
	}

	items, err := afero.ReadDir(s.store.Fs(), s.store.ResourcePacksDir(packID))
	if err != nil {
		return []Info{}, nil
	}

	list := []Info{}
	for _, item := range items {
		if _, ok := known[item.Name()]; ok {
			continue
		}
		raw, err := afero.ReadFile(s.store.Fs(),
			filepath.Join(s.store.ResourcePackDir(packID, item.Name()), "pack.mcmeta"))
		if err != nil {
			continue
		}
		var mc MCMeta
		if err := json.Unmarshal(raw, &mc); err != nil {
			continue
		}
		list = append(list, Info{
			Name:        item.Name(),
			RPID:        item.Name(),
			Description: mc.Pack.Description,
			PackFormat:  mc.Pack.PackFormat,
		})
	}
	return list, nil
}

// Unpublish removes a resource pack: its metadata entry (owner only)
// and its content tree. A missing entry is tolerated so that content
// orphaned by a failed upload can still be cleaned up.
func (s *Service) Unpublish(ctx context.Context, packID, rpID, uid string) error {
	if err := auth.ValidateID(packID, rpID); err != nil {
		return err
	}

	err := s.store.Mutate(ctx, packID, func(p *meta.PackMeta) error {
		rp := p.FindRP(rpID)
		if rp == nil {
			return nil
		}
		if rp.OwnerUID != uid {
			return syncerr.ErrDenyAuth
		}
		for i := range p.ResourcePacks {
			if p.ResourcePacks[i].RPID == rpID {
				p.ResourcePacks = append(p.ResourcePacks[:i], p.ResourcePacks[i+1:]...)
				break
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	return s.store.Fs().RemoveAll(s.store.ResourcePackDir(packID, rpID))
}

// walk visits every file under dir with its path relative to dir.
func walk(fs afero.Fs, dir, prefix string, fn func(rel string, info os.FileInfo)) error {
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
			if err := walk(fs, filepath.Join(dir, item.Name()), rel, fn); err != nil {
				return err
			}
			continue
		}
		fn(rel, item)
	}
	return nil
}
