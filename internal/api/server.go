// Package api exposes the gateway over HTTP. Handlers are thin: they decode,
// call the fleet service or the incident orchestrator, and map errors onto
// status codes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinkerbelle-io/tim8-gateway/internal/health"
	"github.com/tinkerbelle-io/tim8-gateway/internal/incident"
	"github.com/tinkerbelle-io/tim8-gateway/internal/poller"
	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

// Fleet is the cluster-facing service.
type Fleet interface {
	IssueToken(ctx context.Context, workspace string, ttl time.Duration) (*store.EnrollToken, error)
	Hello(ctx context.Context, req protocol.HelloRequest) (string, error)
	ReportHealth(ctx context.Context, rep protocol.HealthReport) error
	RegisterKubeconfig(ctx context.Context, req protocol.RegisterRequest) (string, error)
	ListClusters(ctx context.Context) ([]store.Cluster, error)
	ClusterHealth(ctx context.Context, cluster, workspace string) health.Snapshot
	CreateWorkspace(ctx context.Context, req protocol.CreateWorkspaceRequest) (*store.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]store.Workspace, error)
	DeleteWorkspace(ctx context.Context, id int64) (bool, error)
	WorkspaceClusters(ctx context.Context, workspace string) (protocol.WorkspaceClusters, error)
}

// Incidents is the incident lifecycle.
type Incidents interface {
	Open(ctx context.Context, req incident.OpenRequest) (int64, string, error)
	Remediate(ctx context.Context, id int64) (json.RawMessage, error)
	Resolve(ctx context.Context, id int64, resolution string) (int64, error)
	Notify(ctx context.Context, id int64, text string) error
}

// Queries are the read-only incident views.
type Queries interface {
	RecentIncidents(ctx context.Context, workspace string, limit int) ([]store.Incident, error)
	MTTRStats(ctx context.Context, workspace string) ([]store.MTTRStat, error)
	Ping(ctx context.Context) error
}

// PollerStatus reports the pull poller state.
type PollerStatus interface {
	Status() poller.Status
}

// Deps wires the server. Poller and WS may be nil.
type Deps struct {
	Fleet     Fleet
	Incidents Incidents
	Queries   Queries
	Poller    PollerStatus
	WS        http.HandlerFunc
}

// Server holds the HTTP handlers.
type Server struct {
	deps Deps
	log  *slog.Logger
}

// New creates the API server.
func New(deps Deps) *Server {
	return &Server{
		deps: deps,
		log:  slog.Default().With("component", "api"),
	}
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	if s.deps.WS != nil {
		r.Get("/ws", s.deps.WS)
	}

	r.Route("/incidents", func(r chi.Router) {
		r.Post("/", s.handleOpenIncident)
		r.Post("/{id}/remediate", s.handleRemediate)
		r.Post("/{id}/resolve", s.handleResolve)
		r.Post("/{id}/notify", s.handleNotify)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/incidents/recent", s.handleRecentIncidents)
		r.Get("/stats/mttr", s.handleMTTRStats)
		r.Post("/enroll-token", s.handleEnrollToken)
		r.Post("/agent/hello", s.handleAgentHello)
		r.Post("/agent/health", s.handleAgentHealth)
		r.Post("/clusters/register", s.handleRegisterCluster)
		r.Get("/clusters", s.handleListClusters)
		r.Get("/cluster/{cluster}/health", s.handleClusterHealth)
		r.Get("/poller/status", s.handlePollerStatus)
		r.Get("/workspaces", s.handleListWorkspaces)
		r.Post("/workspaces", s.handleCreateWorkspace)
		r.Delete("/workspaces/{id}", s.handleDeleteWorkspace)
		r.Get("/workspaces/{name}/clusters", s.handleWorkspaceClusters)
		r.Get("/dashboard/overview", s.handleDashboardOverview)
	})
	return r
}

// requestID tags each request with a UUID, reusing an incoming X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests writes one slog line per request once the response is done.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			s.log.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queries != nil {
		if err := s.deps.Queries.Ping(r.Context()); err != nil {
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePollerStatus(w http.ResponseWriter, r *http.Request) {
	if s.deps.Poller == nil {
		respondJSON(w, http.StatusOK, poller.Status{})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Poller.Status())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, protocol.ErrorResponse{Error: message})
}

// decode reads a size-bounded JSON body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

const maxBodyBytes = 4 << 20
