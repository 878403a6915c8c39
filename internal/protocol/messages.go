// Package protocol defines the JSON messages exchanged with observers,
// agents and API clients.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/tinkerbelle-io/tim8-gateway/internal/health"
)

// Broadcast event types
const (
	TypeIncidentOpened   = "incident_opened"
	TypeIncidentUpdated  = "incident_updated"
	TypeRemediationPlan  = "remediation_plan"
	TypeIncidentResolved = "incident_resolved"
)

// Event is anything the hub can broadcast.
type Event interface {
	EventType() string
}

// Envelope is used for initial JSON decode to determine message type
type Envelope struct {
	Type string `json:"type"`
}

type IncidentOpenedMessage struct {
	Type  string `json:"type"`
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

type IncidentUpdatedMessage struct {
	Type    string `json:"type"`
	ID      int64  `json:"id"`
	Summary string `json:"summary"`
}

type RemediationPlanMessage struct {
	Type string          `json:"type"`
	ID   int64           `json:"id"`
	Plan json.RawMessage `json:"plan"`
}

type IncidentResolvedMessage struct {
	Type        string `json:"type"`
	ID          int64  `json:"id"`
	MTTRSeconds int64  `json:"mttr_seconds"`
}

func (m IncidentOpenedMessage) EventType() string   { return m.Type }
func (m IncidentUpdatedMessage) EventType() string  { return m.Type }
func (m RemediationPlanMessage) EventType() string  { return m.Type }
func (m IncidentResolvedMessage) EventType() string { return m.Type }

func NewIncidentOpened(id int64, title string) IncidentOpenedMessage {
	return IncidentOpenedMessage{Type: TypeIncidentOpened, ID: id, Title: title}
}

func NewIncidentUpdated(id int64, summary string) IncidentUpdatedMessage {
	return IncidentUpdatedMessage{Type: TypeIncidentUpdated, ID: id, Summary: summary}
}

func NewRemediationPlan(id int64, plan json.RawMessage) RemediationPlanMessage {
	return RemediationPlanMessage{Type: TypeRemediationPlan, ID: id, Plan: plan}
}

func NewIncidentResolved(id, mttrSeconds int64) IncidentResolvedMessage {
	return IncidentResolvedMessage{Type: TypeIncidentResolved, ID: id, MTTRSeconds: mttrSeconds}
}

// Agent ingress

type HelloRequest struct {
	Token       string   `json:"token"`
	ClusterName string   `json:"cluster_name"`
	Workspace   string   `json:"workspace,omitempty"`
	Namespaces  []string `json:"namespaces"`
}

type HelloResponse struct {
	Workspace string `json:"workspace"`
}

// HealthPayload is the body an agent computes locally.
type HealthPayload struct {
	Components []health.Component `json:"components"`
}

type HealthReport struct {
	ClusterName string        `json:"cluster_name"`
	Workspace   string        `json:"workspace"`
	Health      HealthPayload `json:"health"`
}

// Enrollment and registration

type EnrollRequest struct {
	Workspace  string `json:"workspace"`
	TTLMinutes int    `json:"ttl_minutes,omitempty"`
}

type EnrollResponse struct {
	Token     string    `json:"token"`
	Workspace string    `json:"workspace"`
	ExpiresAt time.Time `json:"expires_at"`
}

type RegisterRequest struct {
	Name       string   `json:"name"`
	Workspace  string   `json:"workspace"`
	Mode       string   `json:"mode"`
	Kubeconfig string   `json:"kubeconfig"`
	Namespaces []string `json:"namespaces"`
}

type RegisterResponse struct {
	Registered bool   `json:"registered"`
	SecretRef  string `json:"secret_ref"`
}

// Workspaces

type CreateWorkspaceRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Clusters    []string `json:"clusters"`
}

// WorkspaceClusters lists the declared and registered cluster names of a
// workspace.
type WorkspaceClusters struct {
	Workspace string   `json:"workspace"`
	Clusters  []string `json:"clusters"`
}

type DeleteWorkspaceResponse struct {
	Deleted     bool  `json:"deleted"`
	WorkspaceID int64 `json:"workspace_id"`
}

// Incidents

type OpenIncidentRequest struct {
	Title     string `json:"title"`
	Cluster   string `json:"cluster"`
	Namespace string `json:"namespace"`
	App       string `json:"app"`
	Workspace string `json:"workspace,omitempty"`
}

type OpenIncidentResponse struct {
	ID      int64  `json:"id"`
	Summary string `json:"summary"`
}

type ResolveRequest struct {
	Resolution string `json:"resolution,omitempty"`
}

type ResolveResponse struct {
	ID          int64 `json:"id"`
	MTTRSeconds int64 `json:"mttr_seconds"`
}

type NotifyRequest struct {
	Text string `json:"text"`
}

// ErrorResponse is the body of every non-2xx API reply. IncidentID is set
// when an incident was recorded before the failure.
type ErrorResponse struct {
	Error      string `json:"error"`
	IncidentID int64  `json:"incident_id,omitempty"`
}
