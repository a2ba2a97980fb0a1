package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"leasegate/internal/guard"
	"leasegate/internal/lease"
	"leasegate/internal/store"

	"github.com/google/uuid"
)

// Server exposes the lease engine over HTTP. Paths are parsed by hand to
// avoid a router dependency.
type Server struct {
	mgr     *lease.Manager
	guard   *guard.Guard
	logger  *slog.Logger
	metrics http.Handler
	mux     *http.ServeMux
}

type contextKey string

const requestIDKey contextKey = "req_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		ctx := context.WithValue(r.Context(), requestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// NewServer creates the HTTP server. metricsHandler serves /metrics and
// may be nil.
func NewServer(mgr *lease.Manager, g *guard.Guard, logger *slog.Logger, metricsHandler http.Handler) *Server {
	s := &Server{
		mgr:     mgr,
		guard:   g,
		logger:  logger,
		metrics: metricsHandler,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return withRequestID(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
	s.mux.HandleFunc("/v1/leases/", s.handleLeases)
	s.mux.HandleFunc("/v1/guard/", s.handleGuard)
}

// handleLeases dispatches:
//
//	GET  /v1/leases/{userID}                      batch status
//	GET  /v1/leases/{userID}/{platform}           single status
//	POST /v1/leases/{userID}/{platform}/acquire
//	POST /v1/leases/{userID}/{platform}/complete
//	POST /v1/leases/{userID}/{platform}/renew
func (s *Server) handleLeases(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/leases/"), "/")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "user_id required")
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleList(w, r, parts[0])
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleStatus(w, r, parts[0], parts[1])
	case len(parts) == 3 && r.Method == http.MethodPost:
		userID, platform := parts[0], parts[1]
		switch parts[2] {
		case "acquire":
			s.handleAcquire(w, r, userID, platform)
		case "complete":
			s.handleComplete(w, r, userID, platform)
		case "renew":
			s.handleRenew(w, r, userID, platform)
		default:
			writeErr(w, http.StatusNotFound, "unknown action")
		}
	case len(parts) > 3:
		writeErr(w, http.StatusNotFound, "invalid path")
	default:
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- Wire types ---

type acquireReq struct {
	Username   string `json:"username"`
	DurationMS int64  `json:"duration_ms"`
}

type leaseResp struct {
	LeaseID    string `json:"lease_id"`
	Platform   string `json:"platform"`
	Username   string `json:"username"`
	StartMS    int64  `json:"start_ms"`
	EndMS      int64  `json:"end_ms"`
	DurationMS int64  `json:"duration_ms"`
	Adopted    bool   `json:"adopted"`
}

type statusResp struct {
	Active      bool   `json:"active"`
	RemainingMS int64  `json:"remaining_ms"`
	Username    string `json:"username,omitempty"`
	LeaseID     string `json:"lease_id,omitempty"`
}

type platformStatusResp struct {
	Platform string `json:"platform"`
	statusResp
}

type listResp struct {
	Leases []platformStatusResp `json:"leases"`
}

type completeResp struct {
	Released bool `json:"released"`
}

type conflictResp struct {
	Error          string `json:"error"`
	LockedUsername string `json:"locked_username,omitempty"`
}

type guardResp struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	RemainingMS int64  `json:"remaining_ms,omitempty"`
	RedirectTo  string `json:"redirect_to,omitempty"`
	Username    string `json:"username,omitempty"`
}

// --- Handlers ---

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request, userID, platform string) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DurationMS < 0 {
		writeErr(w, http.StatusBadRequest, "duration_ms must be >= 0")
		return
	}

	// A zero duration takes the server-side default.
	res, err := s.mgr.Acquire(r.Context(), userID, platform, req.Username, time.Duration(req.DurationMS)*time.Millisecond)
	if errors.Is(err, store.ErrUsernameConflict) {
		out := conflictResp{Error: "username_conflict"}
		if locked, lockedName, lerr := s.mgr.LockedUsername(r.Context(), platform); lerr == nil && locked {
			out.LockedUsername = lockedName
		}
		writeJSON(w, http.StatusConflict, out)
		return
	}
	if errors.Is(err, lease.ErrInvalidRequest) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, leaseToResp(res))
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, userID, platform string) {
	err := s.mgr.Complete(r.Context(), userID, platform)
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "no lease for key")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, completeResp{Released: true})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request, userID, platform string) {
	var req acquireReq
	if err := readJSON(r, &req); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DurationMS < 0 {
		writeErr(w, http.StatusBadRequest, "duration_ms must be >= 0")
		return
	}

	res, err := s.mgr.Renew(r.Context(), userID, platform, time.Duration(req.DurationMS)*time.Millisecond)
	if errors.Is(err, store.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "no active lease to renew")
		return
	}
	if errors.Is(err, store.ErrUsernameConflict) {
		writeJSON(w, http.StatusConflict, conflictResp{Error: "username_conflict"})
		return
	}
	if errors.Is(err, lease.ErrInvalidRequest) {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, leaseToResp(res))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, userID, platform string) {
	status, err := s.mgr.Query(r.Context(), userID, platform)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResp{
		Active:      status.Active,
		RemainingMS: status.RemainingMS,
		Username:    status.Username,
		LeaseID:     status.LeaseID,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	statuses, err := s.mgr.QueryAll(r.Context(), userID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := listResp{Leases: make([]platformStatusResp, 0, len(statuses))}
	for _, ps := range statuses {
		out.Leases = append(out.Leases, platformStatusResp{
			Platform: ps.Platform,
			statusResp: statusResp{
				Active:      ps.Active,
				RemainingMS: ps.RemainingMS,
				Username:    ps.Username,
				LeaseID:     ps.LeaseID,
			},
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGuard serves GET /v1/guard/{userID}/{platform}?route=...&username=...
func (s *Server) handleGuard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/guard/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeErr(w, http.StatusBadRequest, "user_id and platform required")
		return
	}

	d := s.guard.CheckAccess(r.Context(), guard.AccessRequest{
		UserID:   parts[0],
		Platform: parts[1],
		Route:    r.URL.Query().Get("route"),
		Username: r.URL.Query().Get("username"),
	})
	writeJSON(w, http.StatusOK, guardResp{
		Allowed:     d.Allowed,
		Reason:      d.Reason,
		RemainingMS: d.RemainingMS,
		RedirectTo:  d.RedirectTo,
		Username:    d.Username,
	})
}

// --- helpers ---

func leaseToResp(res *lease.AcquireResult) leaseResp {
	return leaseResp{
		LeaseID:    res.Lease.LeaseID,
		Platform:   res.Lease.Platform,
		Username:   res.Lease.Username,
		StartMS:    res.Lease.StartMS,
		EndMS:      res.Lease.EndMS,
		DurationMS: res.Lease.DurationMS,
		Adopted:    res.Adopted,
	}
}

func readJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("missing body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
