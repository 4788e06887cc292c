package api

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/rpsync"
	"github.com/packsync/packsync/internal/syncerr"
)

// ─── Resource packs ─────────────────────────────────────────────────────────

func (s *Server) handleRPList(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	packID := r.PathValue("id")
	existing := r.URL.Query()["existing"]
	list, err := s.rp.ListAvailable(r.Context(), packID, existing)
	s.respond(w, r, "list_rps", start, list, err)
}

func (s *Server) handleRPVersions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	packID := r.PathValue("id")
	var req struct {
		Current []rpsync.VersionPair `json:"current"`
	}
	if err := decode(r, &req); err != nil {
		s.respond(w, r, "rp_versions", start, nil, err)
		return
	}
	updated, err := s.rp.Versions(r.Context(), packID, req.Current)
	s.respond(w, r, "rp_versions", start, updated, err)
}

func (s *Server) handleRPNegotiate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, rpID := r.PathValue("id"), r.PathValue("rpID")
	grant, err := s.rp.NegotiateUpload(r.Context(), packID, rpID, claims.UID, claims.Uname)
	s.respond(w, r, "rp_negotiate_upload", start, grant, err)
}

func (s *Server) handleRPDiff(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	packID, rpID := r.PathValue("id"), r.PathValue("rpID")

	q := r.URL.Query()
	since := int64(0)
	if v := q.Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.respond(w, r, "rp_download_diff", start, nil, syncerr.ErrInvalidArgs)
			return
		}
		since = parsed
	}
	force := q.Get("force") == "true"

	diff, err := s.rp.DownloadDiff(r.Context(), packID, rpID, since, force)
	s.respond(w, r, "rp_download_diff", start, diff, err)
}

func (s *Server) handleRPUnpublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, rpID := r.PathValue("id"), r.PathValue("rpID")
	err := s.rp.Unpublish(r.Context(), packID, rpID, claims.UID)
	s.respond(w, r, "rp_unpublish", start, err == nil, err)
}

// ─── Resource pack files ────────────────────────────────────────────────────

func (s *Server) handleRPFileUpload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	packID, rpID := r.PathValue("id"), r.PathValue("rpID")

	cleaned, err := s.rp.AuthorizeUploadPath(r.Context(), packID, rpID, claims.UID, claims.Uname, r.PathValue("path"))
	if err != nil {
		s.respond(w, r, "rp_upload_file", start, nil, err)
		return
	}

	dst := filepath.Join(s.store.ResourcePackDir(packID, rpID), filepath.FromSlash(cleaned))
	if err := s.receiveLocalFile(w, r, dst); err != nil {
		s.respond(w, r, "rp_upload_file", start, nil, err)
		return
	}
	s.respond(w, r, "rp_upload_file", start, true, nil)
}

func (s *Server) handleRPFileDownload(w http.ResponseWriter, r *http.Request) {
	claims := auth.GetClaims(r.Context())
	packID, rpID := r.PathValue("id"), r.PathValue("rpID")

	if err := auth.ValidateID(packID, rpID); err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	cleaned, err := auth.ValidatePath(r.PathValue("path"))
	if err != nil {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	if !s.packVisibleTo(r, packID, claims.UID, claims.Uname) {
		http.Error(w, "pack not found", http.StatusNotFound)
		return
	}

	s.serveLocalFile(w, r, filepath.Join(s.store.ResourcePackDir(packID, rpID), filepath.FromSlash(cleaned)))
}
