package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/meta"
	"github.com/packsync/packsync/internal/syncerr"
)

// ─── Worlds ─────────────────────────────────────────────────────────────────

func (s *Server) handleWorldList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	packID := r.PathValue("id")
	existing := r.URL.Query()["existing"]
	list, err := s.worlds.ListServer(r.Context(), packID, existing)
	s.respond(w, r, "list_worlds", start, list, err)
}

func (s *Server) handleWorldPublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID := r.PathValue("id")

	var req struct {
		WID         string   `json:"wID"`
		AllowedDirs []string `json:"allowedDirs"`
	}
	if err := decode(r, &req); err != nil {
		s.respond(w, r, "world_publish", start, nil, err)
		return
	}
	if req.WID == "" {
		s.respond(w, r, "world_publish", start, nil, syncerr.ErrInvalidArgs)
		return
	}

	err := s.worlds.Publish(r.Context(), claims.ConnID, packID, req.WID, req.AllowedDirs, claims.UID, claims.Uname)
	s.respond(w, r, "world_publish", start, err == nil, err)
}

func (s *Server) handleWorldUnpublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	err := s.worlds.Unpublish(r.Context(), claims.ConnID, packID, wID, claims.UID)
	s.respond(w, r, "world_unpublish", start, err == nil, err)
}

func (s *Server) handleWorldMeta(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	status, err := s.worlds.Meta(r.Context(), packID, wID)
	s.respond(w, r, "world_meta", start, status, err)
}

func (s *Server) handleWorldDirs(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	dirs, err := s.worlds.AllowedDirs(r.Context(), packID, wID, claims.UID)
	s.respond(w, r, "world_allowed_dirs", start, dirs, err)
}

func (s *Server) handleLaunchStart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID := r.PathValue("id")
	err := s.worlds.StartLaunch(r.Context(), claims.ConnID, packID, claims.UID)
	s.respond(w, r, "launch_start", start, err == nil, err)
}

func (s *Server) handleLaunchFinish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID := r.PathValue("id")
	err := s.worlds.FinishLaunch(r.Context(), claims.ConnID, packID, claims.UID)
	s.respond(w, r, "launch_finish", start, err == nil, err)
}

func (s *Server) handleWorldUploadStart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	err := s.worlds.StartUpload(r.Context(), claims.ConnID, packID, wID, claims.UID, claims.Uname)
	s.respond(w, r, "world_upload_start", start, err == nil, err)
}

func (s *Server) handleWorldUploadFinish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	update, err := s.worlds.FinishUpload(r.Context(), claims.ConnID, packID, wID, claims.UID, claims.Uname)
	s.respond(w, r, "world_upload_finish", start, map[string]int{"update": update}, err)
}

func (s *Server) handleWorldDownloadStart(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	err := s.worlds.StartDownload(r.Context(), claims.ConnID, packID, wID, claims.UID, claims.Uname)
	s.respond(w, r, "world_download_start", start, err == nil, err)
}

func (s *Server) handleWorldDownloadFinish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	err := s.worlds.FinishDownload(r.Context(), claims.ConnID, packID, wID, claims.UID, claims.Uname)
	s.respond(w, r, "world_download_finish", start, err == nil, err)
}

func (s *Server) handleWorldForceFix(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	err := s.worlds.ForceFix(r.Context(), claims.ConnID, packID, wID, claims.UID, claims.Uname)
	s.respond(w, r, "world_force_fix", start, err == nil, err)
}

func (s *Server) handleWorldSetState(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")

	var req struct {
		State string `json:"state"`
	}
	if err := decode(r, &req); err != nil {
		s.respond(w, r, "world_set_state", start, nil, err)
		return
	}

	err := s.worlds.SetState(r.Context(), claims.ConnID, packID, wID, claims.UID, meta.WorldState(req.State))
	s.respond(w, r, "world_set_state", start, err == nil, err)
}

func (s *Server) handleWorldTakeOwnership(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")
	err := s.worlds.TakeOwnership(r.Context(), claims.ConnID, packID, wID, claims.UID, claims.Uname)
	s.respond(w, r, "world_take_ownership", start, err == nil, err)
}

func (s *Server) handleWorldListFiles(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")

	q := r.URL.Query()
	useTime := q.Has("since")
	var since int64
	if useTime {
		parsed, err := strconv.ParseInt(q.Get("since"), 10, 64)
		if err != nil {
			s.respond(w, r, "world_list_files", start, nil, syncerr.ErrInvalidArgs)
			return
		}
		since = parsed
	}
	forceAll := q.Get("all") == "true"

	list, err := s.worlds.ListFiles(r.Context(), packID, wID, claims.UID, useTime, since, forceAll)
	s.respond(w, r, "world_list_files", start, list, err)
}

// ─── World files ────────────────────────────────────────────────────────────

// worldFileGate checks that the requester owns the world and that its
// lock state matches the direction of the byte transfer.
func (s *Server) worldFileGate(r *http.Request, packID, wID, uid string, want meta.WorldState) error {
	return s.store.View(r.Context(), packID, func(p *meta.PackMeta) error {
		world := p.FindWorld(wID)
		if world == nil {
			return syncerr.ErrWorldDNE
		}
		if world.OwnerUID != uid {
			if want == meta.StateUploading {
				return syncerr.ErrDenyWorldUpload
			}
			return syncerr.ErrDenyWorldDownload
		}
		if world.State != want {
			return syncerr.ErrWorldIsNotAvailableState
		}
		return nil
	})
}

func (s *Server) handleWorldFileUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")

	if err := auth.ValidateID(packID, wID); err != nil {
		s.respond(w, r, "world_upload_file", start, nil, err)
		return
	}
	cleaned, err := auth.ValidatePath(r.PathValue("path"))
	if err != nil {
		s.respond(w, r, "world_upload_file", start, nil, err)
		return
	}
	if err := s.worldFileGate(r, packID, wID, claims.UID, meta.StateUploading); err != nil {
		s.respond(w, r, "world_upload_file", start, nil, err)
		return
	}

	dst := filepath.Join(s.store.WorldDir(packID, wID), filepath.FromSlash(cleaned))
	if err := s.receiveLocalFile(w, r, dst); err != nil {
		s.respond(w, r, "world_upload_file", start, nil, err)
		return
	}
	s.respond(w, r, "world_upload_file", start, true, nil)
}

func (s *Server) handleWorldFileDownload(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	packID, wID := r.PathValue("id"), r.PathValue("wID")

	if err := auth.ValidateID(packID, wID); err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	cleaned, err := auth.ValidatePath(r.PathValue("path"))
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	if err := s.worldFileGate(r, packID, wID, claims.UID, meta.StateDownloading); err != nil {
		http.Error(w, "not permitted", http.StatusForbidden)
		return
	}

	s.serveLocalFile(w, r, filepath.Join(s.store.WorldDir(packID, wID), filepath.FromSlash(cleaned)))
}
