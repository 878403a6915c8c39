package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	// DefaultSampleLimit caps how many unhealthy pods are recorded per namespace.
	DefaultSampleLimit = 5
	// DefaultRequestTimeout bounds each list call against the cluster API.
	DefaultRequestTimeout = 10 * time.Second
)

// DefaultNamespaces is probed when a registration lists no namespaces.
var DefaultNamespaces = []string{"default"}

// NodeUnavailableReason explains why node data is absent.
type NodeUnavailableReason string

const (
	NodeForbidden   NodeUnavailableReason = "forbidden"
	NodeUnavailable NodeUnavailableReason = "unavailable"
)

// NodeInfo is the node pool tally.
type NodeInfo struct {
	Total int
	Ready int
}

// NodeResult is an optional capability: either Info is set, or Reason says
// why the node pool could not be observed. Neither case is a probe failure.
type NodeResult struct {
	Info   *NodeInfo
	Reason NodeUnavailableReason
}

// Available reports whether node data was observed.
func (r NodeResult) Available() bool { return r.Info != nil }

// UnhealthyPod is one sampled unhealthy pod.
type UnhealthyPod struct {
	Pod    string `json:"pod"`
	Reason string `json:"reason"`
}

// Prober lists pods (and, best effort, nodes) and turns them into components.
type Prober struct {
	SampleLimit    int
	RequestTimeout time.Duration
	Now            func() time.Time
	log            *slog.Logger
}

// NewProber creates a Prober with default limits.
func NewProber() *Prober {
	return &Prober{
		SampleLimit:    DefaultSampleLimit,
		RequestTimeout: DefaultRequestTimeout,
		Now:            time.Now,
		log:            slog.Default().With("component", "health-probe"),
	}
}

// Probe builds the component list for one cluster. A namespace that cannot
// be listed becomes a critical component; if no namespace can be listed at
// all the cluster is treated as unreachable and ErrProbeFailed is returned.
func (p *Prober) Probe(ctx context.Context, client kubernetes.Interface, namespaces []string) ([]Component, error) {
	if len(namespaces) == 0 {
		namespaces = DefaultNamespaces
	}
	now := p.Now().UTC()

	var (
		components []Component
		failures   int
		lastErr    error
	)
	for _, ns := range namespaces {
		comp, err := p.probeNamespace(ctx, client, ns)
		if err != nil {
			failures++
			lastErr = err
			p.log.Warn("namespace check failed", "namespace", ns, "error", err)
			comp = Component{
				Name:   "pods@" + ns,
				Type:   TypeWorkload,
				Status: StatusCritical,
				Details: Details{
					"error":     err.Error(),
					"namespace": ns,
				},
			}
		}
		comp.ObservedAt = now
		components = append(components, comp)
	}
	if failures == len(namespaces) {
		return nil, fmt.Errorf("%w: %w", ErrProbeFailed, lastErr)
	}

	nodes := p.probeNodes(ctx, client)
	if nodes.Available() {
		tally := Tally{Total: nodes.Info.Total, Unhealthy: nodes.Info.Total - nodes.Info.Ready}
		components = append(components, Component{
			Name:   "nodes",
			Type:   TypeInfrastructure,
			Status: componentStatus(tally),
			Details: Details{
				"total_nodes": nodes.Info.Total,
				"ready_nodes": nodes.Info.Ready,
			},
			ObservedAt: now,
		})
	} else {
		p.log.Debug("node data unavailable", "reason", nodes.Reason)
	}

	return components, nil
}

func (p *Prober) probeNamespace(ctx context.Context, client kubernetes.Interface, ns string) (Component, error) {
	listCtx, cancel := context.WithTimeout(ctx, p.RequestTimeout)
	defer cancel()

	pods, err := client.CoreV1().Pods(ns).List(listCtx, metav1.ListOptions{})
	if err != nil {
		return Component{}, err
	}

	var unhealthy []UnhealthyPod
	for _, pod := range pods.Items {
		if reason, bad := podUnhealthy(pod); bad {
			unhealthy = append(unhealthy, UnhealthyPod{Pod: pod.Name, Reason: reason})
		}
	}

	sample := unhealthy
	if limit := p.SampleLimit; limit > 0 && len(sample) > limit {
		sample = sample[:limit]
	}
	if sample == nil {
		sample = []UnhealthyPod{}
	}

	tally := Tally{Total: len(pods.Items), Unhealthy: len(unhealthy)}
	return Component{
		Name:   "pods@" + ns,
		Type:   TypeWorkload,
		Status: componentStatus(tally),
		Details: Details{
			"total_pods":      tally.Total,
			"unhealthy_pods":  sample,
			"unhealthy_count": tally.Unhealthy,
		},
	}, nil
}

// probeNodes never fails the probe: RBAC commonly withholds node access.
func (p *Prober) probeNodes(ctx context.Context, client kubernetes.Interface) NodeResult {
	listCtx, cancel := context.WithTimeout(ctx, p.RequestTimeout)
	defer cancel()

	nodes, err := client.CoreV1().Nodes().List(listCtx, metav1.ListOptions{})
	if err != nil {
		if apierrors.IsForbidden(err) || apierrors.IsUnauthorized(err) {
			return NodeResult{Reason: NodeForbidden}
		}
		if !errors.Is(err, context.Canceled) {
			p.log.Debug("node list failed", "error", err)
		}
		return NodeResult{Reason: NodeUnavailable}
	}

	info := &NodeInfo{Total: len(nodes.Items)}
	for _, node := range nodes.Items {
		if nodeReady(node) {
			info.Ready++
		}
	}
	return NodeResult{Info: info}
}

// podUnhealthy reports whether any container is waiting or terminated.
func podUnhealthy(pod corev1.Pod) (string, bool) {
	for _, cs := range pod.Status.ContainerStatuses {
		switch {
		case cs.State.Waiting != nil:
			return reasonOrUnknown(cs.State.Waiting.Reason), true
		case cs.State.Terminated != nil:
			return reasonOrUnknown(cs.State.Terminated.Reason), true
		}
	}
	return "", false
}

func nodeReady(node corev1.Node) bool {
	for _, cond := range node.Status.Conditions {
		if cond.Type == corev1.NodeReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func reasonOrUnknown(reason string) string {
	if reason == "" {
		return "Unknown"
	}
	return reason
}

// componentStatus is the majority status for a stored component. An empty
// group has nothing failing, so it is stored as healthy rather than unknown.
func componentStatus(t Tally) Status {
	if s := t.Status(); s != StatusUnknown {
		return s
	}
	return StatusHealthy
}
