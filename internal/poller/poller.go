// Package poller periodically probes kubeconfig-mode clusters and records
// their health, backing off clusters that keep failing.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"k8s.io/client-go/kubernetes"
	"k8s.io/utils/clock"

	"github.com/tinkerbelle-io/tim8-gateway/internal/health"
	"github.com/tinkerbelle-io/tim8-gateway/internal/metrics"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultSweepInterval = time.Minute
	DefaultPollTimeout   = 30 * time.Second

	// markTimeout bounds the error mark written after a failed poll.
	markTimeout = 5 * time.Second
)

// Store is the persistence the poller needs.
type Store interface {
	ListPullClusters(ctx context.Context) ([]store.Cluster, error)
	ReplaceHealth(ctx context.Context, cluster, workspace string, components []health.Component, at time.Time) error
	MarkClusterSync(ctx context.Context, name, workspace string, status store.SyncStatus, at time.Time) error
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int64, error)
}

// CredentialSource turns a credential reference into a client.
type CredentialSource interface {
	Resolve(ctx context.Context, ref string) (kubernetes.Interface, error)
}

// Prober produces the component list for one cluster.
type Prober interface {
	Probe(ctx context.Context, client kubernetes.Interface, namespaces []string) ([]health.Component, error)
}

// Config tunes the poll loop. Zero values take the defaults.
type Config struct {
	Interval       time.Duration
	SweepInterval  time.Duration
	PollTimeout    time.Duration
	BackoffFloor   time.Duration
	BackoffCeiling time.Duration
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.BackoffFloor <= 0 {
		c.BackoffFloor = DefaultBackoffFloor
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = DefaultBackoffCeiling
	}
}

// Status is a point-in-time view of the poller.
type Status struct {
	Running         bool    `json:"running"`
	BackoffClusters int     `json:"backoff_clusters"`
	TotalBackoff    float64 `json:"total_backoff_time"`
}

// Poller runs one loop that visits every pull-mode cluster sequentially.
type Poller struct {
	store   Store
	creds   CredentialSource
	prober  Prober
	clock   clock.WithTicker
	cfg     Config
	backoff *Backoff
	log     *slog.Logger

	mu     sync.Mutex
	status Status
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a poller. A nil clock uses the real clock.
func New(st Store, creds CredentialSource, prober Prober, clk clock.WithTicker, cfg Config) *Poller {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Poller{
		store:   st,
		creds:   creds,
		prober:  prober,
		clock:   clk,
		cfg:     cfg,
		backoff: NewBackoff(cfg.BackoffFloor, cfg.BackoffCeiling),
		log:     slog.Default().With("component", "poller"),
	}
}

// Start runs the loop in the background. Calling Start on a running poller
// does nothing.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.log.Warn("poller already running")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go func() {
		defer close(done)
		p.Run(ctx)
	}()
}

// Stop signals the loop and waits for it to exit. A poll already in
// progress is allowed to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	p.log.Info("stopping cluster poller")
	cancel()
	<-done
	p.log.Info("cluster poller stopped")
}

// Status reports whether the loop is running and how many clusters are
// backing off.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.status.Running {
		return Status{}
	}
	return p.status
}

// Run blocks until ctx is cancelled. The first cycle starts immediately.
func (p *Poller) Run(ctx context.Context) {
	p.setRunning(true)
	defer p.setRunning(false)
	p.log.Info("cluster poller started", "interval", p.cfg.Interval)

	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	sweep := p.clock.NewTicker(p.cfg.SweepInterval)
	defer sweep.Stop()

	p.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.RunOnce(ctx)
		case <-sweep.C():
			p.SweepTokens(ctx)
		}
	}
}

// RunOnce performs a single cycle over all pull-mode clusters. Cancellation
// is honoured between clusters; it never interrupts a poll in progress.
func (p *Poller) RunOnce(ctx context.Context) {
	clusters, err := p.store.ListPullClusters(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Error("list clusters failed", "error", err)
		}
		return
	}
	p.log.Debug("poll cycle", "clusters", len(clusters))

	for _, c := range clusters {
		if ctx.Err() != nil {
			break
		}
		key := Key{Cluster: c.Name, Workspace: c.Workspace}
		if p.backoff.Skip(key, p.cfg.Interval) {
			metrics.PollsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		p.pollCluster(ctx, c, key)
	}
	p.publishBackoff()
}

func (p *Poller) pollCluster(ctx context.Context, c store.Cluster, key Key) {
	log := p.log.With("cluster", c.Name, "workspace", c.Workspace)
	start := p.clock.Now()

	// Detached so a Stop does not abort a poll half way through.
	work, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PollTimeout)
	defer cancel()

	err := p.probe(work, c)
	metrics.PollDuration.Observe(p.clock.Since(start).Seconds())
	now := p.clock.Now()

	if err != nil {
		metrics.PollsTotal.WithLabelValues("failure").Inc()
		wait := p.backoff.Fail(key)
		log.Warn("cluster poll failed", "error", err, "backoff", wait)
		// work may already be past its deadline when the probe timed out.
		markCtx, markCancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
		defer markCancel()
		if markErr := p.store.MarkClusterSync(markCtx, c.Name, c.Workspace, store.SyncError, now); markErr != nil {
			log.Error("mark cluster error failed", "error", markErr)
		}
		return
	}

	metrics.PollsTotal.WithLabelValues("success").Inc()
	p.backoff.Reset(key)
	log.Debug("cluster polled", "duration", p.clock.Since(start))
}

func (p *Poller) probe(ctx context.Context, c store.Cluster) error {
	client, err := p.creds.Resolve(ctx, c.CredentialRef)
	if err != nil {
		return err
	}
	components, err := p.prober.Probe(ctx, client, c.Namespaces)
	if err != nil {
		return err
	}
	now := p.clock.Now()
	if err := p.store.ReplaceHealth(ctx, c.Name, c.Workspace, components, now); err != nil {
		return err
	}
	return p.store.MarkClusterSync(ctx, c.Name, c.Workspace, store.SyncConnected, now)
}

// SweepTokens deletes expired enrollment tokens. Failures are logged only.
func (p *Poller) SweepTokens(ctx context.Context) {
	n, err := p.store.DeleteExpiredTokens(ctx, p.clock.Now())
	if err != nil {
		p.log.Warn("expired token cleanup failed", "error", err)
		return
	}
	if n > 0 {
		metrics.ExpiredTokensDeleted.Add(float64(n))
		p.log.Info("cleaned up expired enrollment tokens", "count", n)
	}
}

func (p *Poller) setRunning(running bool) {
	p.mu.Lock()
	p.status.Running = running
	p.mu.Unlock()
}

func (p *Poller) publishBackoff() {
	n, total := p.backoff.Totals()
	metrics.BackoffClusters.Set(float64(n))
	p.mu.Lock()
	p.status.BackoffClusters = n
	p.status.TotalBackoff = total.Seconds()
	p.mu.Unlock()
}
