// Package health holds the cluster health model, the status rollup rules
// and the pod/node probe used by pull-mode polling.
package health

import (
	"errors"
	"time"
)

// Status is the health state of a component or a whole cluster.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
	// StatusUnknown is only ever an aggregate; components are never stored with it.
	StatusUnknown Status = "unknown"
)

// Valid reports whether s may be stored on a component.
func (s Status) Valid() bool {
	switch s {
	case StatusHealthy, StatusWarning, StatusCritical:
		return true
	}
	return false
}

// Component types produced by the probe.
const (
	TypeWorkload       = "workload"
	TypeInfrastructure = "infrastructure"
)

// ErrProbeFailed is returned when the cluster API is unreachable or denies
// access to a resource the probe cannot do without.
var ErrProbeFailed = errors.New("probe failed")

// Details is a schema-less payload whose shape depends on the component type.
// Consumers must treat it as opaque.
type Details map[string]any

// Component is one observed sub-resource of a cluster.
type Component struct {
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Status     Status    `json:"status"`
	Details    Details   `json:"details,omitempty"`
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// Snapshot is the best-available health view of one cluster.
type Snapshot struct {
	Cluster    string      `json:"cluster_name"`
	Workspace  string      `json:"workspace"`
	Overall    Status      `json:"overall_status"`
	SyncStatus string      `json:"sync_status"`
	Components []Component `json:"components"`
	LastCheck  *time.Time  `json:"last_check"`
	Summary    Summary     `json:"summary"`
}
