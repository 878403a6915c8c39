package incident

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Result is one collaborator's raw output, tagged with its name.
type Result struct {
	Name   string
	Output json.RawMessage
}

// Summarizer turns the merged collaborator results into a short situation
// report.
type Summarizer interface {
	Summarize(ctx context.Context, incidentID int64, results []Result) (string, error)
}

// Merge renders results as "[name] output" lines in the given order.
func Merge(results []Result) string {
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("[")
		b.WriteString(r.Name)
		b.WriteString("] ")
		b.WriteString(compact(r.Output))
	}
	return b.String()
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// DigestSummarizer uses the merged digest itself as the summary. It is the
// fallback when no summarization service is configured.
type DigestSummarizer struct{}

func (DigestSummarizer) Summarize(_ context.Context, _ int64, results []Result) (string, error) {
	return Merge(results), nil
}

type summarizeRequest struct {
	IncidentID int64  `json:"incident_id"`
	Digest     string `json:"digest"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

// HTTPSummarizer delegates to a summarization service that answers
// {"summary": "..."}.
type HTTPSummarizer struct {
	url        string
	httpClient *http.Client
}

// NewHTTPSummarizer creates a summarizer posting to baseURL/summarize.
func NewHTTPSummarizer(baseURL string, timeout time.Duration) *HTTPSummarizer {
	return &HTTPSummarizer{
		url:        strings.TrimRight(baseURL, "/") + "/summarize",
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, incidentID int64, results []Result) (string, error) {
	body, err := json.Marshal(summarizeRequest{IncidentID: incidentID, Digest: Merge(results)})
	if err != nil {
		return "", fmt.Errorf("marshal summarize request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: summarizer: %w", ErrCollaboratorFailed, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: summarizer: HTTP %d: %s", ErrCollaboratorFailed, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var out summarizeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("%w: summarizer: parse response: %w", ErrCollaboratorFailed, err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return "", fmt.Errorf("%w: summarizer returned an empty summary", ErrCollaboratorFailed)
	}
	return out.Summary, nil
}
