package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/events"
	"github.com/packsync/packsync/internal/logging"
	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/metrics"
	"github.com/packsync/packsync/internal/syncerr"
)

// visible applies the pack whitelist: a non-empty whitelist hides the
// pack from everyone not named in it.
func visible(p *meta.PackMeta, uid, uname string) bool {
	if len(p.Whitelist) == 0 {
		return true
	}
	for _, w := range p.Whitelist {
		if w == uid || w == uname {
			return true
		}
	}
	return false
}

// packVisibleTo applies the whitelist under the store's per-pack lock,
// so the check never reads the live document unsynchronized.
func (s *Server) packVisibleTo(r *http.Request, packID, uid, uname string) bool {
	ok := false
	err := s.store.View(r.Context(), packID, func(p *meta.PackMeta) error {
		ok = visible(p, uid, uname)
		return nil
	})
	return err == nil && ok
}

// ─── Packs ──────────────────────────────────────────────────────────────────

func (s *Server) handlePublishPack(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())

	var req meta.PublishRequest
	if err := decode(r, &req); err != nil {
		s.respond(w, r, "publish_pack", start, nil, err)
		return
	}
	if req.ID == "" || req.Name == "" || req.Loader == "" || req.Version == "" {
		s.respond(w, r, "publish_pack", start, nil, syncerr.ErrInvalidArgs)
		return
	}
	if err := auth.ValidateID(req.ID); err != nil {
		s.respond(w, r, "publish_pack", start, nil, err)
		return
	}
	if s.config.NeedPermToPublish {
		s.respond(w, r, "publish_pack", start, nil, syncerr.ErrDenyPublisherAuth)
		return
	}

	m := meta.NewPackMeta(req, claims.UID, claims.Uname)
	if err := s.store.Create(r.Context(), m); err != nil {
		s.respond(w, r, "publish_pack", start, nil, err)
		return
	}

	// Optional sidecar payloads land next to the document. A failed
	// write is logged, not fatal: the pack itself is already published.
	dir := s.store.PackDir(m.ID)
	for name, data := range map[string][]byte{
		"icon.png":      req.Icon,
		"mmc-pack.json": req.MMCPackFile,
	} {
		if len(data) == 0 {
			continue
		}
		if err := afero.WriteFile(s.store.Fs(), filepath.Join(dir, name), data, 0o644); err != nil {
			logging.WithContext(r.Context()).Warn("sidecar write failed",
				zap.String("pack", m.ID), zap.String("file", name), zap.Error(err))
		}
	}

	logging.WithContext(r.Context()).Info("pack published",
		zap.String("pack", m.ID), zap.String("publisher", claims.UID))
	s.broadcaster.Publish(events.Event{
		Scope:     events.ScopePack,
		PackID:    m.ID,
		Timestamp: time.Now().UnixMilli(),
	}, claims.ConnID)

	s.respond(w, r, "publish_pack", start, true, nil)
}

func (s *Server) handlePackMeta(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID := r.PathValue("id")

	if err := auth.ValidateID(packID); err != nil {
		s.respond(w, r, "pack_meta", start, nil, err)
		return
	}
	snap, err := s.store.Snapshot(r.Context(), packID)
	if err != nil {
		s.respond(w, r, "pack_meta", start, nil, err)
		return
	}
	if !visible(snap, claims.UID, claims.Uname) {
		s.respond(w, r, "pack_meta", start, nil, syncerr.ErrCouldNotFindPack)
		return
	}
	s.respond(w, r, "pack_meta", start, snap, nil)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	ids := s.search.FindLike(r.URL.Query().Get("q"), claims.UID, claims.Uname)
	s.respond(w, r, "search", start, ids, nil)
}

func (s *Server) handleSearchMeta(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	metas := s.search.GetLike(r.Context(), r.URL.Query().Get("q"), claims.UID, claims.Uname)
	s.respond(w, r, "search_meta", start, metas, nil)
}

// ─── Images ─────────────────────────────────────────────────────────────────

func (s *Server) handlePackIcon(w http.ResponseWriter, r *http.Request) {
	packID := r.PathValue("id")
	if err := auth.ValidateID(packID); err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	s.serveLocalFile(w, r, filepath.Join(s.store.PackDir(packID), "icon.png"))
}

func (s *Server) handleRPIcon(w http.ResponseWriter, r *http.Request) {
	packID, rpID := r.PathValue("id"), r.PathValue("rpID")
	if err := auth.ValidateID(packID, rpID); err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	s.serveLocalFile(w, r, filepath.Join(s.store.ResourcePackDir(packID, rpID), "pack.png"))
}

func (s *Server) handleWorldIcon(w http.ResponseWriter, r *http.Request) {
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	if err := auth.ValidateID(packID, wID); err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	s.serveLocalFile(w, r, filepath.Join(s.store.WorldDir(packID, wID), "icon.png"))
}

// serveLocalFile streams one file from the data directory, exposing
// its modification time so clients can mirror it.
func (s *Server) serveLocalFile(w http.ResponseWriter, r *http.Request, path string) {
	f, err := s.store.Fs().Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to open file", http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		http.Error(w, "failed to stat file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Mod-Time", strconv.FormatInt(info.ModTime().UnixMilli(), 10))
	metrics.RecordDownload(info.Size())
	http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
}

// receiveLocalFile writes the request body to a file under the data
// directory via a temp sibling, then applies the client's modification
// time if one was sent.
func (s *Server) receiveLocalFile(w http.ResponseWriter, r *http.Request, path string) error {
	fs := s.store.Fs()
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	body := http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	tmp := path + ".upload-tmp"
	f, err := fs.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fs.Remove(tmp)
		return err
	}
	if err := fs.Rename(tmp, path); err != nil {
		fs.Remove(tmp)
		return err
	}
	metrics.RecordUpload(n)

	if mt := r.Header.Get("X-Mod-Time"); mt != "" {
		if ms, err := strconv.ParseInt(mt, 10, 64); err == nil {
			t := time.UnixMilli(ms)
			fs.Chtimes(path, t, t)
		}
	}
	return nil
}

// ─── Mods ───────────────────────────────────────────────────────────────────

func (s *Server) handleModCheck(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	packID := r.PathValue("id")
	update, err := strconv.Atoi(r.URL.Query().Get("update"))
	if err != nil {
		s.respond(w, r, "check_mod_updates", start, nil, syncerr.ErrInvalidArgs)
		return
	}
	outdated, err := s.mods.CheckUpdate(r.Context(), packID, update)
	s.respond(w, r, "check_mod_updates", start, map[string]bool{"update": outdated}, err)
}

func (s *Server) handleModDiff(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	packID := r.PathValue("id")
	var req struct {
		Mods    []string `json:"mods"`
		Indexes []string `json:"indexes"`
		Ignore  []string `json:"ignore"`
	}
	if err := decode(r, &req); err != nil {
		s.respond(w, r, "get_mod_updates", start, nil, err)
		return
	}
	diff, err := s.mods.GetDiff(r.Context(), packID, req.Mods, req.Indexes, req.Ignore)
	s.respond(w, r, "get_mod_updates", start, diff, err)
}

func (s *Server) handleModsNeeded(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID := r.PathValue("id")
	var req struct {
		Files []string `json:"files"`
	}
	if err := decode(r, &req); err != nil {
		s.respond(w, r, "mods_needed", start, nil, err)
		return
	}
	missing, err := s.mods.NeedsUpload(r.Context(), packID, claims.UID, req.Files)
	s.respond(w, r, "mods_needed", start, missing, err)
}

func (s *Server) handleModDownload(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	packID, name := r.PathValue("id"), r.PathValue("name")

	if err := auth.ValidateID(packID); err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	cleaned, err := auth.ValidatePath(name)
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	if !s.packVisibleTo(r, packID, claims.UID, claims.Uname) {
		http.Error(w, "pack not found", http.StatusNotFound)
		return
	}

	rc, size, err := s.backend.GetObject(r.Context(), packID+"/mods/"+cleaned)
	if err != nil {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	n, _ := io.Copy(w, rc)
	metrics.RecordDownload(n)
}

func (s *Server) handleModUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, name := r.PathValue("id"), r.PathValue("name")

	key, err := s.mods.AuthorizeUpload(r.Context(), packID, claims.UID, name)
	if err != nil {
		s.respond(w, r, "upload_mod", start, nil, err)
		return
	}

	body := http.MaxBytesReader(w, r.Body, s.config.MaxUploadSize)
	if err := s.backend.PutObject(r.Context(), key, body, r.ContentLength); err != nil {
		s.respond(w, r, "upload_mod", start, nil, err)
		return
	}
	if r.ContentLength > 0 {
		metrics.RecordUpload(r.ContentLength)
	}
	s.respond(w, r, "upload_mod", start, true, nil)
}
