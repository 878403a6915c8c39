package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tinkerbelle-io/tim8-gateway/internal/credentials"
	"github.com/tinkerbelle-io/tim8-gateway/internal/fleet"
	"github.com/tinkerbelle-io/tim8-gateway/internal/incident"
	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

const (
	defaultRecentLimit = 5
	maxRecentLimit     = 100
)

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrAlreadyResolved), errors.Is(err, store.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, fleet.ErrTokenInvalid), errors.Is(err, fleet.ErrTokenExpired):
		return http.StatusUnauthorized
	case errors.Is(err, fleet.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, fleet.ErrInvalidReport):
		return http.StatusBadRequest
	case errors.Is(err, fleet.ErrUnknownCluster):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrCollaboratorFailed):
		return http.StatusBadGateway
	case errors.Is(err, incident.ErrNoReporter), errors.Is(err, credentials.ErrCredentialUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := s.errorBody(r, err)
	respondJSON(w, status, body)
}

// errorBody hides the detail of unexpected errors behind "internal error".
func (s *Server) errorBody(r *http.Request, err error) (int, protocol.ErrorResponse) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	return status, protocol.ErrorResponse{Error: msg}
}

func incidentID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleOpenIncident(w http.ResponseWriter, r *http.Request) {
	var req protocol.OpenIncidentRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Title == "" {
		respondError(w, http.StatusBadRequest, "title is required")
		return
	}
	if req.Workspace == "" {
		req.Workspace = fleet.DefaultWorkspace
	}

	id, summary, err := s.deps.Incidents.Open(r.Context(), incident.OpenRequest{
		Title:     req.Title,
		Cluster:   req.Cluster,
		Namespace: req.Namespace,
		App:       req.App,
		Workspace: req.Workspace,
	})
	if err != nil {
		status, body := s.errorBody(r, err)
		body.IncidentID = id
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, protocol.OpenIncidentResponse{ID: id, Summary: summary})
}

func (s *Server) handleRemediate(w http.ResponseWriter, r *http.Request) {
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	plan, err := s.deps.Incidents.Remediate(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(plan)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	var req protocol.ResolveRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	mttr, err := s.deps.Incidents.Resolve(r.Context(), id, req.Resolution)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.ResolveResponse{ID: id, MTTRSeconds: mttr})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	id, err := incidentID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid incident id")
		return
	}
	var req protocol.NotifyRequest
	if err := decode(r, &req); err != nil || req.Text == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.deps.Incidents.Notify(r.Context(), id, req.Text); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRecentIncidents(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	incidents, err := s.deps.Queries.RecentIncidents(r.Context(), r.URL.Query().Get("workspace"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, incidents)
}

func (s *Server) handleMTTRStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queries.MTTRStats(r.Context(), r.URL.Query().Get("workspace"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleEnrollToken(w http.ResponseWriter, r *http.Request) {
	var req protocol.EnrollRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.TTLMinutes < 0 {
		respondError(w, http.StatusBadRequest, "ttl_minutes must not be negative")
		return
	}
	tok, err := s.deps.Fleet.IssueToken(r.Context(), req.Workspace, time.Duration(req.TTLMinutes)*time.Minute)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.EnrollResponse{
		Token:     tok.Token,
		Workspace: tok.Workspace,
		ExpiresAt: tok.ExpiresAt,
	})
}

func (s *Server) handleAgentHello(w http.ResponseWriter, r *http.Request) {
	var req protocol.HelloRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ws, err := s.deps.Fleet.Hello(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.HelloResponse{Workspace: ws})
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	var rep protocol.HealthReport
	if err := decode(r, &rep); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := s.deps.Fleet.ReportHealth(r.Context(), rep); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRegisterCluster(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := s.deps.Fleet.RegisterKubeconfig(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.RegisterResponse{Registered: true, SecretRef: ref})
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.deps.Fleet.ListClusters(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if clusters == nil {
		clusters = []store.Cluster{}
	}
	respondJSON(w, http.StatusOK, clusters)
}

func (s *Server) handleClusterHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Fleet.ClusterHealth(r.Context(), chi.URLParam(r, "cluster"), r.URL.Query().Get("workspace"))
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.deps.Fleet.ListWorkspaces(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, workspaces)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateWorkspaceRequest
	if err := decode(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ws, err := s.deps.Fleet.CreateWorkspace(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid workspace id")
		return
	}
	deleted, err := s.deps.Fleet.DeleteWorkspace(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.DeleteWorkspaceResponse{Deleted: deleted, WorkspaceID: id})
}

func (s *Server) handleWorkspaceClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.deps.Fleet.WorkspaceClusters(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, clusters)
}

type dashboardOverview struct {
	Workspaces      []store.Workspace `json:"workspaces"`
	RecentIncidents []store.Incident  `json:"recent_incidents"`
	MTTRStats       []store.MTTRStat  `json:"mttr_stats"`
}

func (s *Server) handleDashboardOverview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		out dashboardOverview
		err error
	)
	if out.Workspaces, err = s.deps.Fleet.ListWorkspaces(ctx); err != nil {
		s.fail(w, r, err)
		return
	}
	if out.RecentIncidents, err = s.deps.Queries.RecentIncidents(ctx, "", defaultRecentLimit); err != nil {
		s.fail(w, r, err)
		return
	}
	if out.MTTRStats, err = s.deps.Queries.MTTRStats(ctx, ""); err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}
