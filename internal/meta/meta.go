// Package meta holds the persisted data model: the per-pack metadata
// document and its embedded resource-pack and world entries. The JSON
// field names are the on-disk document format and must not change.
package meta

import (
	"strings"
	"time"

	"github.com/packsync/packsync/internal/syncerr"
)

// ValidateID rejects identifier arguments (pack id, resource-pack id,
// world id) carrying a parent-directory traversal sequence or a path
// separator. Identifiers name single directory components on durable
// storage, so anything else must be refused before a filesystem touch.
func ValidateID(ids ...string) error {
	for _, id := range ids {
		if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
			return syncerr.ErrInvalidArgs
		}
	}
	return nil
}

// WorldState is the lock state of a shared save-world.
type WorldState string

const (
	StateIdle        WorldState = ""
	StateInUse       WorldState = "inUse"
	StateUploading   WorldState = "uploading"
	StateDownloading WorldState = "downloading"
)

// ValidState reports whether s is one of the four canonical states.
func ValidState(s WorldState) bool {
	switch s {
	case StateIdle, StateInUse, StateUploading, StateDownloading:
		return true
	}
	return false
}

// UserAuth is a pack-level permission record. A record matches a user
// when either UID or Uname equals the requester's.
type UserAuth struct {
	UID         string `json:"uid,omitempty"`
	Uname       string `json:"uname,omitempty"`
	UploadRP    bool   `json:"uploadRP,omitempty"`
	UploadWorld bool   `json:"uploadWorld,omitempty"`
}

// Matches reports whether this record applies to the given identity.
func (a *UserAuth) Matches(uid, uname string) bool {
	return (a.UID != "" && a.UID == uid) || (a.Uname != "" && a.Uname == uname)
}

// RPUserAuth is a resource-pack sub-permission record.
type RPUserAuth struct {
	UID    string `json:"uid,omitempty"`
	Uname  string `json:"uname,omitempty"`
	Upload bool   `json:"upload,omitempty"`
}

func (a *RPUserAuth) Matches(uid, uname string) bool {
	return (a.UID != "" && a.UID == uid) || (a.Uname != "" && a.Uname == uname)
}

// PermList is the `_perm` block of a document.
type PermList struct {
	Users []UserAuth `json:"users"`
}

// RPPermList is the `_perm` block of a resource-pack entry.
type RPPermList struct {
	Users []RPUserAuth `json:"users"`
}

// RPMeta is one resource-pack entry of a pack.
type RPMeta struct {
	RPID     string     `json:"rpID"`
	OwnerUID string     `json:"ownerUID"`
	Update   int        `json:"update"`
	Perm     RPPermList `json:"_perm"`
}

// CanUpload reports whether the identity may upload to this existing
// entry: owner, or named in the sub-permission list with upload set.
func (rp *RPMeta) CanUpload(uid, uname string) bool {
	if rp.OwnerUID == uid {
		return true
	}
	for i := range rp.Perm.Users {
		if rp.Perm.Users[i].Matches(uid, uname) {
			return rp.Perm.Users[i].Upload
		}
	}
	return false
}

// WorldMeta is one shared save-world entry of a pack.
type WorldMeta struct {
	WID           string     `json:"wID"`
	Icon          string     `json:"icon"`
	OwnerUID      string     `json:"ownerUID"`
	OwnerName     string     `json:"ownerName"`
	Update        int        `json:"update"`
	UpdateTime    int64      `json:"updateTime"`
	PublisherUID  string     `json:"publisherUID"`
	PublisherName string     `json:"publisherName"`
	AllowedDirs   []string   `json:"allowedDirs"`
	LastSync      int64      `json:"lastSync"`
	State         WorldState `json:"state"`
	Perm          RPPermList `json:"_perm"`
}

// PackMeta is the per-pack metadata document.
type PackMeta struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Desc    string `json:"desc"`
	Loader  string `json:"loader"`
	Version string `json:"version"`

	// Whitelist restricts visibility to the named uids/unames.
	// Empty or absent means visible to everyone.
	Whitelist []string `json:"whitelist,omitempty"`

	Update int `json:"update"`

	PublisherUID  string `json:"publisherUID,omitempty"`
	PublisherName string `json:"publisherName,omitempty"`

	Perm          PermList    `json:"_perm"`
	ResourcePacks []RPMeta    `json:"_resourcepacks"`
	Worlds        []WorldMeta `json:"_worlds"`
}

// PublishRequest carries the caller-supplied fields of a new pack.
// NewPackMeta copies these field by field; nothing else from the wire
// ever reaches the persisted document.
type PublishRequest struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Desc      string   `json:"desc"`
	Loader    string   `json:"loader"`
	Version   string   `json:"version"`
	Whitelist []string `json:"whitelist"`

	// Optional sidecar payloads written next to the document, never
	// into it: the pack icon and the launcher manifest.
	Icon        []byte `json:"icon,omitempty"`
	MMCPackFile []byte `json:"mmcPackFile,omitempty"`
}

// NewPackMeta builds a fresh document from an allow-listed set of
// publish fields plus the publisher identity.
func NewPackMeta(req PublishRequest, publisherUID, publisherName string) *PackMeta {
	desc := req.Desc
	if desc == "" {
		desc = "No description."
	}
	return &PackMeta{
		ID:            req.ID,
		Name:          req.Name,
		Desc:          desc,
		Loader:        req.Loader,
		Version:       req.Version,
		Whitelist:     req.Whitelist,
		Update:        0,
		PublisherUID:  publisherUID,
		PublisherName: publisherName,
		// Perm.Users stays nil: remote auth is unconfigured until the
		// owner writes a permission list into the document.
		ResourcePacks: []RPMeta{},
		Worlds:        []WorldMeta{},
	}
}

// Normalize defaults the sub-resource sets that older documents may
// omit. The permission list is deliberately left alone: an absent
// `_perm.users` means remote auth was never configured (noAuthSet),
// while a present-but-empty list means it was configured with nobody
// in it (noAuthFound) — defaulting nil would erase that distinction.
func (p *PackMeta) Normalize() {
	if p.ResourcePacks == nil {
		p.ResourcePacks = []RPMeta{}
	}
	if p.Worlds == nil {
		p.Worlds = []WorldMeta{}
	}
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	out := make([]T, len(s))
	copy(out, s)
	return out
}

// Clone returns a deep copy of the document, safe to read or encode
// outside the store's per-pack lock. Nil and empty collections stay
// distinct so the copy round-trips to the same JSON.
func (p *PackMeta) Clone() *PackMeta {
	c := *p
	c.Whitelist = cloneSlice(p.Whitelist)
	c.Perm.Users = cloneSlice(p.Perm.Users)
	c.ResourcePacks = cloneSlice(p.ResourcePacks)
	for i := range c.ResourcePacks {
		c.ResourcePacks[i].Perm.Users = cloneSlice(p.ResourcePacks[i].Perm.Users)
	}
	c.Worlds = cloneSlice(p.Worlds)
	for i := range c.Worlds {
		c.Worlds[i].AllowedDirs = cloneSlice(p.Worlds[i].AllowedDirs)
		c.Worlds[i].Perm.Users = cloneSlice(p.Worlds[i].Perm.Users)
	}
	return &c
}

// FindRP returns the resource-pack entry with the given id, or nil.
func (p *PackMeta) FindRP(rpID string) *RPMeta {
	for i := range p.ResourcePacks {
		if p.ResourcePacks[i].RPID == rpID {
			return &p.ResourcePacks[i]
		}
	}
	return nil
}

// FindWorld returns the world entry with the given id, or nil.
func (p *PackMeta) FindWorld(wID string) *WorldMeta {
	for i := range p.Worlds {
		if p.Worlds[i].WID == wID {
			return &p.Worlds[i]
		}
	}
	return nil
}

// FindAuth returns the pack-level permission record matching the
// identity, or nil.
func (p *PackMeta) FindAuth(uid, uname string) *UserAuth {
	for i := range p.Perm.Users {
		if p.Perm.Users[i].Matches(uid, uname) {
			return &p.Perm.Users[i]
		}
	}
	return nil
}

// NewWorldMeta creates a world entry in the idle state with the
// requester as both owner and publisher.
func NewWorldMeta(wID string, allowedDirs []string, ownerUID, ownerName string, now time.Time) WorldMeta {
	if allowedDirs == nil {
		allowedDirs = []string{}
	}
	return WorldMeta{
		WID:           wID,
		Icon:          "icon.png",
		OwnerUID:      ownerUID,
		OwnerName:     ownerName,
		Update:        0,
		UpdateTime:    now.UnixMilli(),
		PublisherUID:  ownerUID,
		PublisherName: ownerName,
		AllowedDirs:   allowedDirs,
		LastSync:      -1,
		State:         StateIdle,
		Perm:          RPPermList{Users: []RPUserAuth{}},
	}
}
