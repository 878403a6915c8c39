// Package fleet is the cluster-facing ingress: enrollment tokens, agent
// hello and health push, kubeconfig registration, workspaces and health
// queries.
package fleet

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/tinkerbelle-io/tim8-gateway/internal/credentials"
	"github.com/tinkerbelle-io/tim8-gateway/internal/health"
	"github.com/tinkerbelle-io/tim8-gateway/internal/metrics"
	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

const (
	DefaultTokenTTL  = 60 * time.Minute
	DefaultWorkspace = "TiM8-Local"
	tokenBytes       = 32
)

var (
	ErrTokenInvalid   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrUnknownCluster = errors.New("unknown cluster")
	ErrRateLimited    = errors.New("rate limited")
	ErrInvalidReport  = errors.New("invalid request")
)

// Store is the persistence the fleet service needs.
type Store interface {
	SaveEnrollToken(ctx context.Context, tok store.EnrollToken) error
	GetEnrollToken(ctx context.Context, token string) (*store.EnrollToken, error)
	UpsertCluster(ctx context.Context, c store.Cluster) error
	GetCluster(ctx context.Context, name, workspace string) (*store.Cluster, error)
	ListClusters(ctx context.Context) ([]store.Cluster, error)
	MarkClusterSync(ctx context.Context, name, workspace string, status store.SyncStatus, at time.Time) error
	ReplaceHealth(ctx context.Context, cluster, workspace string, components []health.Component, at time.Time) error
	Health(ctx context.Context, cluster, workspace string) ([]health.Component, error)
	CreateWorkspace(ctx context.Context, name, description string, clusters []string) (*store.Workspace, error)
	GetWorkspace(ctx context.Context, name string) (*store.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]store.Workspace, error)
	DeleteWorkspace(ctx context.Context, id int64) (bool, error)
}

// Config tunes the push limiter.
type Config struct {
	ReportInterval time.Duration
	ReportBurst    int
}

// Service implements the fleet operations.
type Service struct {
	store   Store
	creds   credentials.Store
	clock   clock.PassiveClock
	limiter *reportLimiter
	log     *slog.Logger
}

// New creates a fleet service. creds may be nil when kubeconfig registration
// is not offered.
func New(st Store, creds credentials.Store, clk clock.PassiveClock, cfg Config) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		store:   st,
		creds:   creds,
		clock:   clk,
		limiter: newReportLimiter(cfg.ReportInterval, cfg.ReportBurst),
		log:     slog.Default().With("component", "fleet"),
	}
}

// IssueToken creates a reusable enrollment token for workspace. A
// non-positive ttl uses DefaultTokenTTL.
func (s *Service) IssueToken(ctx context.Context, workspace string, ttl time.Duration) (*store.EnrollToken, error) {
	if workspace == "" {
		return nil, fmt.Errorf("%w: workspace is required", ErrInvalidReport)
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}
	now := s.clock.Now().UTC()
	tok := store.EnrollToken{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		Workspace: workspace,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.SaveEnrollToken(ctx, tok); err != nil {
		return nil, err
	}
	s.log.Info("enrollment token issued", "workspace", workspace, "expires_at", tok.ExpiresAt)
	return &tok, nil
}

// Hello registers an agent-mode cluster. The workspace in the request wins
// over the token's; the effective workspace is returned.
func (s *Service) Hello(ctx context.Context, req protocol.HelloRequest) (string, error) {
	if err := protocol.ValidateHello(&req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}

	tok, err := s.store.GetEnrollToken(ctx, req.Token)
	if errors.Is(err, store.ErrNotFound) {
		s.log.Warn("hello with unknown token", "cluster", req.ClusterName)
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", err
	}
	if tok.ExpiresAt.Before(s.clock.Now()) {
		s.log.Warn("hello with expired token", "cluster", req.ClusterName, "workspace", tok.Workspace)
		return "", ErrTokenExpired
	}

	ws := req.Workspace
	if ws == "" {
		ws = tok.Workspace
	}
	err = s.store.UpsertCluster(ctx, store.Cluster{
		Name:       req.ClusterName,
		Workspace:  ws,
		Mode:       store.ModeAgent,
		Namespaces: store.StringList(req.Namespaces),
	})
	if err != nil {
		return "", err
	}
	s.limiter.forget(req.ClusterName, ws)
	s.log.Info("agent registered", "cluster", req.ClusterName, "workspace", ws)
	return ws, nil
}

// ReportHealth replaces the stored component set of a registered cluster and
// marks it connected.
func (s *Service) ReportHealth(ctx context.Context, rep protocol.HealthReport) error {
	if err := protocol.ValidateHealthReport(&rep); err != nil {
		metrics.AgentReports.WithLabelValues("invalid").Inc()
		return fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	now := s.clock.Now()
	if !s.limiter.allow(rep.ClusterName, rep.Workspace, now) {
		metrics.AgentReports.WithLabelValues("rate_limited").Inc()
		return fmt.Errorf("%w: %s/%s", ErrRateLimited, rep.Workspace, rep.ClusterName)
	}

	if _, err := s.store.GetCluster(ctx, rep.ClusterName, rep.Workspace); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.AgentReports.WithLabelValues("unknown_cluster").Inc()
			return fmt.Errorf("%w: %s/%s", ErrUnknownCluster, rep.Workspace, rep.ClusterName)
		}
		return err
	}

	if err := s.store.ReplaceHealth(ctx, rep.ClusterName, rep.Workspace, rep.Health.Components, now); err != nil {
		metrics.AgentReports.WithLabelValues("error").Inc()
		return err
	}
	if err := s.store.MarkClusterSync(ctx, rep.ClusterName, rep.Workspace, store.SyncConnected, now); err != nil {
		metrics.AgentReports.WithLabelValues("error").Inc()
		return err
	}
	metrics.AgentReports.WithLabelValues("accepted").Inc()
	s.log.Debug("health report stored", "cluster", rep.ClusterName, "workspace", rep.Workspace,
		"components", len(rep.Health.Components))
	return nil
}

// RegisterKubeconfig stores the kubeconfig in the credential store and
// upserts a pull-mode registration pointing at it. It returns the reference.
func (s *Service) RegisterKubeconfig(ctx context.Context, req protocol.RegisterRequest) (string, error) {
	if err := protocol.ValidateRegister(&req); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidReport, err)
	}
	if s.creds == nil {
		return "", fmt.Errorf("%w: no credential store configured", credentials.ErrCredentialUnavailable)
	}

	ref, err := s.creds.Put(ctx, credentials.SecretName(req.Workspace, req.Name), []byte(req.Kubeconfig))
	if err != nil {
		return "", err
	}
	err = s.store.UpsertCluster(ctx, store.Cluster{
		Name:          req.Name,
		Workspace:     req.Workspace,
		Mode:          store.ModeKubeconfig,
		Namespaces:    store.StringList(req.Namespaces),
		CredentialRef: ref,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("cluster registered", "cluster", req.Name, "workspace", req.Workspace, "ref", ref)
	return ref, nil
}

// ListClusters returns every registration.
func (s *Service) ListClusters(ctx context.Context) ([]store.Cluster, error) {
	return s.store.ListClusters(ctx)
}

// ClusterHealth returns the best-available health view. It never fails: a
// store error yields an unknown snapshot with sync status "error".
func (s *Service) ClusterHealth(ctx context.Context, cluster, workspace string) health.Snapshot {
	if workspace == "" {
		workspace = DefaultWorkspace
	}
	snap := health.Snapshot{
		Cluster:    cluster,
		Workspace:  workspace,
		Overall:    health.StatusUnknown,
		SyncStatus: string(store.SyncUnknown),
		Components: []health.Component{},
	}
	log := s.log.With("cluster", cluster, "workspace", workspace)

	reg, err := s.store.GetCluster(ctx, cluster, workspace)
	switch {
	case err == nil:
		snap.SyncStatus = string(reg.SyncStatus)
	case !errors.Is(err, store.ErrNotFound):
		log.Warn("cluster lookup failed", "error", err)
		snap.SyncStatus = string(store.SyncError)
		snap.Summary = health.Summarize(nil)
		return snap
	}

	components, err := s.store.Health(ctx, cluster, workspace)
	if err != nil {
		log.Warn("health lookup failed", "error", err)
		snap.SyncStatus = string(store.SyncError)
		snap.Summary = health.Summarize(nil)
		return snap
	}
	if len(components) > 0 {
		snap.Components = components
		last := components[0].ObservedAt
		for _, c := range components[1:] {
			if c.ObservedAt.After(last) {
				last = c.ObservedAt
			}
		}
		snap.LastCheck = &last
	}
	snap.Overall = health.Overall(snap.Components)
	snap.Summary = health.Summarize(snap.Components)
	return snap
}
