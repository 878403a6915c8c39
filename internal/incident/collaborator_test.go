package incident

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPCollaboratorCall(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{name: "json object", status: http.StatusOK, body: `{"a":1}`, want: `{"a":1}`},
		{name: "empty body", status: http.StatusOK, body: "", want: "null"},
		{name: "server error", status: http.StatusInternalServerError, body: "boom", wantErr: true},
		{name: "not json", status: http.StatusOK, body: "plain text", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, PathContext, r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				var req callRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.EqualValues(t, 7, req.IncidentID)
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewHTTPCollaborator(NameContext, srv.URL+"/", PathContext, time.Second)
			out, err := c.Call(context.Background(), 7)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrCollaboratorFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestHTTPCollaboratorUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPCollaborator(NameRunbook, url, PathRunbook, time.Second).Call(context.Background(), 1)
	assert.ErrorIs(t, err, ErrCollaboratorFailed)
}

func TestMerge(t *testing.T) {
	got := Merge([]Result{
		{Name: "detective", Output: json.RawMessage("{ \"x\" : 1 }")},
		{Name: "context", Output: nil},
	})
	assert.Equal(t, "[detective] {\"x\":1}\n[context] null", got)
}

func TestHTTPSummarizer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req summarizeRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "[runbook] []", req.Digest)
		json.NewEncoder(w).Encode(summarizeResponse{Summary: "restart the pod"})
	}))
	defer srv.Close()

	s := NewHTTPSummarizer(srv.URL, time.Second)
	got, err := s.Summarize(context.Background(), 3, []Result{{Name: "runbook", Output: json.RawMessage("[]")}})
	require.NoError(t, err)
	assert.Equal(t, "restart the pod", got)
}

func TestHTTPSummarizerEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"summary": "  "}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSummarizer(srv.URL, time.Second).Summarize(context.Background(), 3, nil)
	assert.ErrorIs(t, err, ErrCollaboratorFailed)
}
