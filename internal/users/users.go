// Package users keeps the registry of known users and the mapping of
// live connections to identities.
package users

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/syncerr"
)

// User is a persisted identity. The uname is a display name and may
// change between connections; the uid is stable.
type User struct {
	UID   string `json:"uid"`
	Uname string `json:"uname"`
}

// Registry persists users as one JSON document per uid and tracks
// which connection currently speaks for which user.
type Registry struct {
	fs   afero.Fs
	root string
	log  *zap.Logger

	mu    sync.RWMutex
	users map[string]User   // uid -> user
	conns map[string]string // connID -> uid
}

// New creates a registry rooted at <dataDir>/users.
func New(fs afero.Fs, dataDir string, log *zap.Logger) *Registry {
	return &Registry{
		fs:    fs,
		root:  filepath.Join(dataDir, "users"),
		log:   log,
		users: make(map[string]User),
		conns: make(map[string]string),
	}
}

// Load reads every persisted user into memory. Unreadable documents
// are logged and skipped.
func (r *Registry) Load(ctx context.Context) error {
	if err := r.fs.MkdirAll(r.root, 0o755); err != nil {
		return err
	}
	entries, err := afero.ReadDir(r.fs, r.root)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := afero.ReadFile(r.fs, filepath.Join(r.root, e.Name()))
		if err != nil {
			r.log.Warn("failed to read user document", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			r.log.Warn("failed to parse user document", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		if u.UID == "" {
			continue
		}
		r.users[u.UID] = u
	}
	r.log.Info("loaded users", zap.Int("count", len(r.users)))
	return nil
}

// Connect binds a connection to an identity, creating or refreshing
// the persisted user record.
func (r *Registry) Connect(ctx context.Context, connID, uid, uname string) (User, error) {
	if connID == "" || uid == "" || uname == "" {
		return User{}, syncerr.ErrInvalidArgs
	}
	if err := auth.ValidateID(uid); err != nil {
		return User{}, err
	}

	u := User{UID: uid, Uname: uname}

	r.mu.Lock()
	prev, known := r.users[uid]
	r.users[uid] = u
	r.conns[connID] = uid
	r.mu.Unlock()

	if !known || prev.Uname != uname {
		if err := r.save(u); err != nil {
			r.log.Error("failed to persist user", zap.String("uid", uid), zap.Error(err))
			return User{}, err
		}
	}
	return u, nil
}

// Disconnect drops the connection binding. The user record stays.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

// ByConn resolves a connection to its user.
func (r *Registry) ByConn(connID string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	uid, ok := r.conns[connID]
	if !ok {
		return User{}, syncerr.ErrNoUser
	}
	u, ok := r.users[uid]
	if !ok {
		return User{}, syncerr.ErrNoUser
	}
	return u, nil
}

// ByUID resolves a uid to its user record.
func (r *Registry) ByUID(uid string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[uid]
	if !ok {
		return User{}, syncerr.ErrNoUser
	}
	return u, nil
}

// Count returns the number of known users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) save(u User) error {
	raw, err := json.MarshalIndent(u, "", "    ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(r.root, "."+u.UID+"-tmp.json")
	final := filepath.Join(r.root, u.UID+".json")
	if err := afero.WriteFile(r.fs, tmp, raw, 0o644); err != nil {
		return err
	}
	return r.fs.Rename(tmp, final)
}
