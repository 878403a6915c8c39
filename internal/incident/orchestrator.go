// Package incident drives the incident lifecycle: it fans work out to the
// analysis collaborators, persists the merged summary and broadcasts each
// transition to observers.
package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/tinkerbelle-io/tim8-gateway/internal/metrics"
	"github.com/tinkerbelle-io/tim8-gateway/internal/protocol"
	"github.com/tinkerbelle-io/tim8-gateway/internal/store"
)

const (
	DefaultCallTimeout      = 30 * time.Second
	DefaultRemediateTimeout = 60 * time.Second
)

var (
	// ErrAlreadyResolved is returned when resolving an incident twice.
	ErrAlreadyResolved = errors.New("incident already resolved")
	// ErrNoReporter is returned by Notify when no reporter is configured.
	ErrNoReporter = errors.New("no reporter configured")
)

// Store is the incident persistence the orchestrator needs.
type Store interface {
	CreateIncident(ctx context.Context, in store.NewIncident) (int64, error)
	GetIncident(ctx context.Context, id int64) (*store.Incident, error)
	SetIncidentSummary(ctx context.Context, id int64, summary string) error
	ResolveIncident(ctx context.Context, id int64, mttrSeconds int64, resolution *string, at time.Time) (bool, error)
}

// Publisher broadcasts events. Delivery problems are the publisher's own.
type Publisher interface {
	Publish(ev protocol.Event) error
}

// Collaborators groups the analysis services. Detective, Context and Runbook
// are consulted when an incident opens; Remediator on request.
type Collaborators struct {
	Detective  Collaborator
	Context    Collaborator
	Runbook    Collaborator
	Remediator Collaborator
	Reporter   *Reporter
}

// Config holds per-call deadlines.
type Config struct {
	CallTimeout      time.Duration
	RemediateTimeout time.Duration
}

// OpenRequest describes a new incident.
type OpenRequest struct {
	Title     string
	Cluster   string
	Namespace string
	App       string
	Workspace string
}

// Orchestrator coordinates incidents.
type Orchestrator struct {
	store      Store
	pub        Publisher
	collab     Collaborators
	summarizer Summarizer
	clock      clock.PassiveClock
	cfg        Config
	log        *slog.Logger
}

// New creates an orchestrator. A nil summarizer falls back to the merged
// digest and a nil clock to the real clock.
func New(st Store, pub Publisher, collab Collaborators, summarizer Summarizer, clk clock.PassiveClock, cfg Config) *Orchestrator {
	if summarizer == nil {
		summarizer = DigestSummarizer{}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.RemediateTimeout <= 0 {
		cfg.RemediateTimeout = DefaultRemediateTimeout
	}
	return &Orchestrator{
		store:      st,
		pub:        pub,
		collab:     collab,
		summarizer: summarizer,
		clock:      clk,
		cfg:        cfg,
		log:        slog.Default().With("component", "orchestrator"),
	}
}

// Open records the incident, consults detective, context and runbook in
// parallel and stores the summary of their answers. If any collaborator or
// the summarizer fails, the error is returned with the incident id and the
// incident keeps a null summary.
func (o *Orchestrator) Open(ctx context.Context, req OpenRequest) (int64, string, error) {
	id, err := o.store.CreateIncident(ctx, store.NewIncident{
		Title:     req.Title,
		Cluster:   req.Cluster,
		Namespace: req.Namespace,
		App:       req.App,
		Workspace: req.Workspace,
	})
	if err != nil {
		return 0, "", fmt.Errorf("create incident: %w", err)
	}
	metrics.IncidentsTotal.WithLabelValues("opened").Inc()
	log := o.log.With("incident_id", id, "cluster", req.Cluster, "workspace", req.Workspace)
	log.Info("incident opened", "title", req.Title)
	o.publish(protocol.NewIncidentOpened(id, req.Title))

	results, err := o.fanOut(ctx, id, o.collab.Detective, o.collab.Context, o.collab.Runbook)
	if err != nil {
		metrics.IncidentsTotal.WithLabelValues("failed").Inc()
		log.Error("collaborator fan-out failed", "error", err)
		return id, "", fmt.Errorf("incident %d: %w", id, err)
	}

	summary, err := o.summarizer.Summarize(ctx, id, results)
	if err != nil {
		metrics.IncidentsTotal.WithLabelValues("failed").Inc()
		log.Error("summarize failed", "error", err)
		return id, "", fmt.Errorf("incident %d: summarize: %w", id, err)
	}

	if err := o.store.SetIncidentSummary(ctx, id, summary); err != nil {
		return id, "", fmt.Errorf("incident %d: save summary: %w", id, err)
	}
	metrics.IncidentsTotal.WithLabelValues("summarized").Inc()
	o.publish(protocol.NewIncidentUpdated(id, summary))
	return id, summary, nil
}

// fanOut calls every collaborator concurrently, each under its own deadline,
// and waits for all of them. Results keep the argument order.
func (o *Orchestrator) fanOut(ctx context.Context, id int64, collabs ...Collaborator) ([]Result, error) {
	for i, c := range collabs {
		if c == nil {
			return nil, fmt.Errorf("%w: collaborator %d not configured", ErrCollaboratorFailed, i)
		}
	}

	results := make([]Result, len(collabs))
	var g errgroup.Group
	for i, c := range collabs {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
			defer cancel()
			out, err := c.Call(callCtx, id)
			if err != nil {
				if !errors.Is(err, ErrCollaboratorFailed) {
					err = fmt.Errorf("%w: %s: %w", ErrCollaboratorFailed, c.Name(), err)
				}
				return err
			}
			results[i] = Result{Name: c.Name(), Output: out}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Remediate asks the remediator for a plan, broadcasts it and returns it.
// The plan is not persisted.
func (o *Orchestrator) Remediate(ctx context.Context, id int64) (json.RawMessage, error) {
	if _, err := o.store.GetIncident(ctx, id); err != nil {
		return nil, err
	}
	if o.collab.Remediator == nil {
		return nil, fmt.Errorf("%w: remediator not configured", ErrCollaboratorFailed)
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.RemediateTimeout)
	defer cancel()
	plan, err := o.collab.Remediator.Call(callCtx, id)
	if err != nil {
		if !errors.Is(err, ErrCollaboratorFailed) {
			err = fmt.Errorf("%w: %s: %w", ErrCollaboratorFailed, o.collab.Remediator.Name(), err)
		}
		return nil, fmt.Errorf("incident %d: %w", id, err)
	}

	o.log.Info("remediation plan proposed", "incident_id", id)
	o.publish(protocol.NewRemediationPlan(id, plan))
	return plan, nil
}

// Resolve closes an open incident and returns its MTTR in whole seconds.
// Resolving twice fails with ErrAlreadyResolved.
func (o *Orchestrator) Resolve(ctx context.Context, id int64, resolution string) (int64, error) {
	inc, err := o.store.GetIncident(ctx, id)
	if err != nil {
		return 0, err
	}
	if inc.Status == store.IncidentResolved {
		return 0, fmt.Errorf("incident %d: %w", id, ErrAlreadyResolved)
	}

	now := o.clock.Now()
	mttr := max(0, int64(now.Sub(inc.CreatedAt)/time.Second))

	var note *string
	if resolution != "" {
		note = &resolution
	}
	ok, err := o.store.ResolveIncident(ctx, id, mttr, note, now)
	if err != nil {
		return 0, fmt.Errorf("incident %d: resolve: %w", id, err)
	}
	if !ok {
		return 0, fmt.Errorf("incident %d: %w", id, ErrAlreadyResolved)
	}

	metrics.IncidentsTotal.WithLabelValues("resolved").Inc()
	o.log.Info("incident resolved", "incident_id", id, "mttr_seconds", mttr)
	o.publish(protocol.NewIncidentResolved(id, mttr))
	return mttr, nil
}

// Notify sends a free-text update about an existing incident to the
// reporter service.
func (o *Orchestrator) Notify(ctx context.Context, id int64, text string) error {
	if _, err := o.store.GetIncident(ctx, id); err != nil {
		return err
	}
	if o.collab.Reporter == nil {
		return ErrNoReporter
	}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	if err := o.collab.Reporter.Notify(callCtx, id, text); err != nil {
		return fmt.Errorf("incident %d: %w", id, err)
	}
	return nil
}

// publish is fire-and-forget.
func (o *Orchestrator) publish(ev protocol.Event) {
	if o.pub == nil {
		return
	}
	if err := o.pub.Publish(ev); err != nil {
		o.log.Warn("broadcast failed", "type", ev.EventType(), "error", err)
	}
}
