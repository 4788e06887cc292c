// Package auth evaluates a requester's permission record against a
// requested capability. Authorization is two-tier: a pack-level
// capability flag gates whether the user may ever touch a category of
// sub-resource, and a resource-level ownership/sub-permission check
// gates the specific instance. Both tiers must pass.
package auth

import (
	"strings"

	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/syncerr"
)

// Grant is the result of a successful pack-level lookup.
type Grant struct {
	Pack *meta.PackMeta
	Auth meta.UserAuth
}

// ResolveIn resolves the permission record matching the identity
// against a document held under the store's per-pack lock. A pack
// whose owner never configured remote auth (no permission list at
// all) yields noAuthSet; a configured list with no matching record —
// including a configured-but-empty one — yields noAuthFound.
func ResolveIn(p *meta.PackMeta, uid, uname string) (*Grant, error) {
	if p.Perm.Users == nil {
		return nil, syncerr.ErrNoAuthSet
	}
	rec := p.FindAuth(uid, uname)
	if rec == nil {
		return nil, syncerr.ErrNoAuthFound
	}
	return &Grant{Pack: p, Auth: *rec}, nil
}

// CheckRPUpload applies the resource-level rule for resource packs:
// uploading to an existing entry requires ownership or an upload
// sub-permission; a new entry requires only the pack-level flag.
// The distinction between "exists and you may not touch it" and plain
// denial is deliberate: the former reports rpAlreadyExists.
func CheckRPUpload(g *Grant, rp *meta.RPMeta, uid, uname string) error {
	if rp != nil {
		if !rp.CanUpload(uid, uname) {
			return syncerr.ErrRPAlreadyExists
		}
		return nil
	}
	if !g.Auth.UploadRP {
		return syncerr.ErrDenyAuth
	}
	return nil
}

// ValidateID rejects malformed identifier arguments (pack id,
// resource-pack id, world id). Applied before authorization, let
// alone any filesystem touch; the store applies the same rule on
// every lookup as a second line of defense.
func ValidateID(ids ...string) error {
	return meta.ValidateID(ids...)
}

// ValidatePath rejects traversal sequences in a relative path argument
// and normalizes it: backslashes become slashes and a leading slash is
// stripped.
func ValidatePath(p string) (string, error) {
	if strings.Contains(p, "..") {
		return "", syncerr.ErrInvalidArgs
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	return p, nil
}

// CheckEnabledRP rejects resource-pack ids with the disabled suffix.
func CheckEnabledRP(rpID string) error {
	if strings.HasSuffix(rpID, ".disabled") {
		return syncerr.ErrNoDisabledRP
	}
	return nil
}

// CheckEnabledWorld rejects world ids with the disabled suffix.
func CheckEnabledWorld(wID string) error {
	if strings.HasSuffix(wID, ".disabled") {
		return syncerr.ErrNoDisabledWorld
	}
	return nil
}
