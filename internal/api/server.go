// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/packsync/packsync/internal/auth"
	"github.com/packsync/packsync/internal/config"
	"github.com/packsync/packsync/internal/events"
	"github.com/packsync/packsync/internal/logging"
	"github.com/packsync/packsync/internal/metrics"
	"github.com/packsync/packsync/internal/mods"
	"github.com/packsync/packsync/internal/rpsync"
	"github.com/packsync/packsync/internal/search"
	"github.com/packsync/packsync/internal/storage"
	"github.com/packsync/packsync/internal/store"
	"github.com/packsync/packsync/internal/syncerr"
	"github.com/packsync/packsync/internal/users"
	"github.com/packsync/packsync/internal/worlds"
)

// Server is the HTTP server.
type Server struct {
	store    *store.Store
	search   *search.Index
	worlds   *worlds.Service
	rp       *rpsync.Service
	mods     *mods.Service
	users    *users.Registry
	sessions *auth.Sessions
	backend  storage.Backend
	config   *config.Config

	// SSE
	broadcaster *events.Broadcaster
}

// NewServer creates a new server.
func NewServer(
	st *store.Store,
	ix *search.Index,
	worldSvc *worlds.Service,
	rpSvc *rpsync.Service,
	modSvc *mods.Service,
	userReg *users.Registry,
	sessions *auth.Sessions,
	backend storage.Backend,
	broadcaster *events.Broadcaster,
	cfg *config.Config,
) *Server {
	return &Server{
		store:       st,
		search:      ix,
		worlds:      worldSvc,
		rp:          rpSvc,
		mods:        modSvc,
		users:       userReg,
		sessions:    sessions,
		backend:     backend,
		broadcaster: broadcaster,
		config:      cfg,
	}
}

// Handler returns the HTTP handler with auth and logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/connect", s.handleConnect)

	// Protected endpoints
	protected := http.NewServeMux()

	protected.HandleFunc("POST /api/v1/disconnect", s.handleDisconnect)

	// Pack endpoints
	protected.HandleFunc("POST /api/v1/packs", s.handlePublishPack)
	protected.HandleFunc("GET /api/v1/packs/{id}", s.handlePackMeta)
	protected.HandleFunc("GET /api/v1/packs/{id}/icon", s.handlePackIcon)
	protected.HandleFunc("GET /api/v1/search", s.handleSearch)
	protected.HandleFunc("GET /api/v1/search/meta", s.handleSearchMeta)

	// Mod endpoints
	protected.HandleFunc("GET /api/v1/packs/{id}/mods/check", s.handleModCheck)
	protected.HandleFunc("POST /api/v1/packs/{id}/mods/diff", s.handleModDiff)
	protected.HandleFunc("POST /api/v1/packs/{id}/mods/needed", s.handleModsNeeded)
	protected.HandleFunc("GET /api/v1/packs/{id}/mods/{name...}", s.handleModDownload)
	protected.HandleFunc("PUT /api/v1/packs/{id}/mods/{name...}", s.handleModUpload)

	// Resource pack endpoints
	protected.HandleFunc("GET /api/v1/packs/{id}/rp", s.handleRPList)
	protected.HandleFunc("POST /api/v1/packs/{id}/rp/versions", s.handleRPVersions)
	protected.HandleFunc("POST /api/v1/packs/{id}/rp/{rpID}/negotiate", s.handleRPNegotiate)
	protected.HandleFunc("GET /api/v1/packs/{id}/rp/{rpID}/diff", s.handleRPDiff)
	protected.HandleFunc("DELETE /api/v1/packs/{id}/rp/{rpID}", s.handleRPUnpublish)
	protected.HandleFunc("GET /api/v1/packs/{id}/rp/{rpID}/icon", s.handleRPIcon)
	protected.HandleFunc("GET /api/v1/packs/{id}/rp/{rpID}/files/{path...}", s.handleRPFileDownload)
	protected.HandleFunc("PUT /api/v1/packs/{id}/rp/{rpID}/files/{path...}", s.handleRPFileUpload)

	// World endpoints
	protected.HandleFunc("GET /api/v1/packs/{id}/worlds", s.handleWorldList)
	protected.HandleFunc("POST /api/v1/packs/{id}/worlds", s.handleWorldPublish)
	protected.HandleFunc("GET /api/v1/packs/{id}/worlds/{wID}", s.handleWorldMeta)
	protected.HandleFunc("DELETE /api/v1/packs/{id}/worlds/{wID}", s.handleWorldUnpublish)
	protected.HandleFunc("GET /api/v1/packs/{id}/worlds/{wID}/icon", s.handleWorldIcon)
	protected.HandleFunc("GET /api/v1/packs/{id}/worlds/{wID}/dirs", s.handleWorldDirs)
	protected.HandleFunc("POST /api/v1/packs/{id}/launch", s.handleLaunchStart)
	protected.HandleFunc("POST /api/v1/packs/{id}/launch/finish", s.handleLaunchFinish)
	protected.HandleFunc("POST /api/v1/packs/{id}/worlds/{wID}/upload", s.handleWorldUploadStart)
	protected.HandleFunc("POST /api/v1/packs/{id}/worlds/{wID}/upload/finish", s.handleWorldUploadFinish)
	protected.HandleFunc("POST /api/v1/packs/{id}/worlds/{wID}/download", s.handleWorldDownloadStart)
	protected.HandleFunc("POST /api/v1/packs/{id}/worlds/{wID}/download/finish", s.handleWorldDownloadFinish)
	protected.HandleFunc("POST /api/v1/packs/{id}/worlds/{wID}/fix", s.handleWorldForceFix)
	protected.HandleFunc("POST /api/v1/packs/{id}/worlds/{wID}/state", s.handleWorldSetState)
	protected.HandleFunc("POST /api/v1/packs/{id}/worlds/{wID}/owner", s.handleWorldTakeOwnership)
	protected.HandleFunc("GET /api/v1/packs/{id}/worlds/{wID}/files", s.handleWorldListFiles)
	protected.HandleFunc("GET /api/v1/packs/{id}/worlds/{wID}/files/{path...}", s.handleWorldFileDownload)
	protected.HandleFunc("PUT /api/v1/packs/{id}/worlds/{wID}/files/{path...}", s.handleWorldFileUpload)

	// SSE endpoint
	protected.HandleFunc("GET /api/v1/events", s.handleEvents)

	mux.Handle("/api/v1/", s.sessions.Middleware(protected))

	return logging.Middleware(mux)
}

// ─── Response envelope ──────────────────────────────────────────────────────

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

// httpStatus maps a taxonomy code to an HTTP status.
func httpStatus(code syncerr.Code) int {
	switch code {
	case syncerr.CodeInvalidArgs:
		return http.StatusBadRequest
	case syncerr.CodeNoUser:
		return http.StatusUnauthorized
	case syncerr.CodeNoAuthSet, syncerr.CodeNoAuthFound,
		syncerr.CodeDenyAuth, syncerr.CodeDenyWorldUpload,
		syncerr.CodeDenyWorldDownload, syncerr.CodeDenyChangeWorldState,
		syncerr.CodeDenyPublisherAuth, syncerr.CodeDenyLaunchFromUnownedWorlds,
		syncerr.CodeDenyTakeWorldOwnership:
		return http.StatusForbidden
	case syncerr.CodeCouldNotFindPack, syncerr.CodeModpackDNE,
		syncerr.CodeCouldNotFindRP, syncerr.CodeWorldDNE,
		syncerr.CodeFileDNE:
		return http.StatusNotFound
	case syncerr.CodeModpackAlreadyExists, syncerr.CodeRPAlreadyExists,
		syncerr.CodeAlreadyPublishedWorld, syncerr.CodeAlreadyOwnerOfWorld,
		syncerr.CodeWorldIsNotAvailableState, syncerr.CodeCantFinishWorldDownload,
		syncerr.CodeNotAllWorldsAreAvailable, syncerr.CodeNoChangeMade,
		syncerr.CodeNoDisabledRP, syncerr.CodeNoDisabledWorld:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respond writes the result envelope and records the operation metric.
// Failures outside the taxonomy are downgraded to "unknown" and
// logged; the original message never reaches the client.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, op string, start time.Time, data any, err error) {
	code := "ok"
	if err != nil {
		errCode := syncerr.CodeOf(err)
		code = string(errCode)
		if errCode == syncerr.CodeUnknown {
			logging.WithContext(r.Context()).Error("operation failed",
				zap.String("op", op), zap.Error(err))
			err = syncerr.New(syncerr.CodeUnknown, "unknown error")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpStatus(errCode))
		json.NewEncoder(w).Encode(envelope{OK: false, Error: &errorBody{
			Code:    code,
			Message: err.Error(),
		}})
		metrics.RecordOp(op, code, time.Since(start).Seconds())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envelope{OK: true, Data: data})
	metrics.RecordOp(op, code, time.Since(start).Seconds())
}

// decode parses a JSON body, mapping malformed input to invalid_args.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return syncerr.ErrInvalidArgs
	}
	return nil
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": "1.0"})
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req struct {
		UID   string `json:"uid"`
		Uname string `json:"uname"`
	}
	if err := decode(r, &req); err != nil {
		s.respond(w, r, "connect", start, nil, err)
		return
	}
	if req.UID == "" || req.Uname == "" {
		s.respond(w, r, "connect", start, nil, syncerr.ErrInvalidArgs)
		return
	}

	connID := uuid.NewString()
	user, err := s.users.Connect(r.Context(), connID, req.UID, req.Uname)
	if err != nil {
		s.respond(w, r, "connect", start, nil, err)
		return
	}

	token, expires, err := s.sessions.Issue(user.UID, user.Uname, connID)
	if err != nil {
		s.respond(w, r, "connect", start, nil, err)
		return
	}

	logging.WithContext(r.Context()).Info("user connected",
		zap.String("uid", user.UID), zap.String("conn_id", connID))

	s.respond(w, r, "connect", start, map[string]any{
		"token":   token,
		"expires": expires.UnixMilli(),
		"connId":  connID,
		"user":    user,
	}, nil)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	claims := auth.GetClaims(r.Context())
	s.users.Disconnect(claims.ConnID)
	logging.WithContext(r.Context()).Info("user disconnected",
		zap.String("uid", claims.UID), zap.String("conn_id", claims.ConnID))
	s.respond(w, r, "disconnect", start, true, nil)
}

// ─── SSE Events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	claims := auth.GetClaims(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe(claims.ConnID)
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: " + event.Scope + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
