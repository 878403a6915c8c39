package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tinkerbelle-io/tim8-gateway/internal/metrics"
)

// ErrCollaboratorFailed is returned when an analysis service errors, times
// out or answers with a non-2xx status.
var ErrCollaboratorFailed = errors.New("collaborator failed")

// Collaborator names and the paths they serve.
const (
	NameContext    = "context"
	NameDetective  = "detective"
	NameRunbook    = "runbook"
	NameRemediator = "remediator"
	NameReporter   = "reporter"

	PathContext    = "/context"
	PathDetective  = "/hypothesis"
	PathRunbook    = "/suggest"
	PathRemediator = "/propose"
	PathReporter   = "/notify"
)

// maxResponseBytes bounds how much of a collaborator reply is read.
const maxResponseBytes = 1 << 20

// Collaborator analyses one incident and returns arbitrary JSON.
type Collaborator interface {
	Name() string
	Call(ctx context.Context, incidentID int64) (json.RawMessage, error)
}

type callRequest struct {
	IncidentID int64  `json:"incident_id"`
	Text       string `json:"text,omitempty"`
}

// HTTPCollaborator posts {"incident_id": id} to a fixed endpoint.
type HTTPCollaborator struct {
	name       string
	url        string
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPCollaborator creates a collaborator for baseURL+path. timeout is a
// backstop; callers normally bound each call with a context deadline.
func NewHTTPCollaborator(name, baseURL, path string, timeout time.Duration) *HTTPCollaborator {
	return &HTTPCollaborator{
		name: name,
		url:  strings.TrimRight(baseURL, "/") + path,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: slog.Default().With("component", "collaborator", "collaborator", name),
	}
}

func (c *HTTPCollaborator) Name() string { return c.name }

// Call performs the request. Any failure wraps ErrCollaboratorFailed.
func (c *HTTPCollaborator) Call(ctx context.Context, incidentID int64) (json.RawMessage, error) {
	return c.post(ctx, callRequest{IncidentID: incidentID})
}

func (c *HTTPCollaborator) post(ctx context.Context, req callRequest) (json.RawMessage, error) {
	start := time.Now()
	out, err := c.do(ctx, req)
	metrics.CollaboratorDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.CollaboratorCalls.WithLabelValues(c.name, "failure").Inc()
		c.log.Warn("collaborator call failed", "incident_id", req.IncidentID, "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrCollaboratorFailed, c.name, err)
	}
	metrics.CollaboratorCalls.WithLabelValues(c.name, "success").Inc()
	return out, nil
}

func (c *HTTPCollaborator) do(ctx context.Context, req callRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if len(bytes.TrimSpace(respBody)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(respBody) {
		return nil, fmt.Errorf("response is not JSON")
	}
	return json.RawMessage(respBody), nil
}

// Reporter forwards a human-readable update about an incident to the
// notification service.
type Reporter struct {
	collab *HTTPCollaborator
}

// NewReporter creates a reporter client for baseURL.
func NewReporter(baseURL string, timeout time.Duration) *Reporter {
	return &Reporter{collab: NewHTTPCollaborator(NameReporter, baseURL, PathReporter, timeout)}
}

// Notify sends text for incidentID.
func (r *Reporter) Notify(ctx context.Context, incidentID int64, text string) error {
	_, err := r.collab.post(ctx, callRequest{IncidentID: incidentID, Text: text})
	return err
}
