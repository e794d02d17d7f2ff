package scm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/warden/internal/models"
)

func newTestCI(t *testing.T, mux *http.ServeMux) *CIClient {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := NewCIClient(context.Background(), "token", "acme", "widgets", srv.URL)
	require.NoError(t, err)
	return c
}

func checkRunsHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name string
		body string
		want models.CIStatus
	}{
		{"no runs", `{"total_count":0,"check_runs":[]}`, models.CIPending},
		{"in progress", `{"total_count":2,"check_runs":[
			{"id":1,"name":"lint","status":"completed","conclusion":"success"},
			{"id":2,"name":"test","status":"in_progress"}]}`, models.CIPending},
		{"all green", `{"total_count":3,"check_runs":[
			{"id":1,"name":"lint","status":"completed","conclusion":"success"},
			{"id":2,"name":"docs","status":"completed","conclusion":"skipped"},
			{"id":3,"name":"bench","status":"completed","conclusion":"neutral"}]}`, models.CIGreen},
		{"one failure", `{"total_count":2,"check_runs":[
			{"id":1,"name":"lint","status":"completed","conclusion":"success"},
			{"id":2,"name":"test","status":"completed","conclusion":"failure"}]}`, models.CIRed},
		{"timed out", `{"total_count":1,"check_runs":[
			{"id":1,"name":"test","status":"completed","conclusion":"timed_out"}]}`, models.CIRed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/acme/widgets/commits/feature-x/check-runs", checkRunsHandler(tt.body))
			c := newTestCI(t, mux)

			got, err := c.Status(context.Background(), "feature-x")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusAuthFailureIsFatal(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"bad credentials", http.StatusUnauthorized, `{"message":"Bad credentials"}`},
		{"unknown repository", http.StatusNotFound, `{"message":"Not Found"}`},
		{"forbidden", http.StatusForbidden, `{"message":"Resource not accessible by integration"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/repos/acme/widgets/commits/feature-x/check-runs", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			c := newTestCI(t, mux)

			_, err := c.Status(context.Background(), "feature-x")
			require.Error(t, err)
			assert.True(t, models.IsFatalRemote(err))
		})
	}
}

func TestStatusServerErrorIsTransient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/commits/feature-x/check-runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"message":"upstream"}`)
	})
	c := newTestCI(t, mux)

	_, err := c.Status(context.Background(), "feature-x")
	require.Error(t, err)
	assert.False(t, models.IsFatalRemote(err))
}

func TestFailureLogsFromFailedJobs(t *testing.T) {
	var logLines []string
	for i := 1; i <= 2500; i++ {
		logLines = append(logLines, fmt.Sprintf("line %d", i))
	}

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/repos/acme/widgets/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "feature-x", r.URL.Query().Get("branch"))
		fmt.Fprint(w, `{"total_count":1,"workflow_runs":[{"id":7,"head_branch":"feature-x","conclusion":"failure"}]}`)
	})
	mux.HandleFunc("/repos/acme/widgets/actions/runs/7/jobs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":2,"jobs":[
			{"id":8,"name":"lint","conclusion":"success"},
			{"id":9,"name":"test","conclusion":"failure"}]}`)
	})
	mux.HandleFunc("/repos/acme/widgets/actions/jobs/9/logs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+"/download/9", http.StatusFound)
	})
	mux.HandleFunc("/download/9", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Join(logLines, "\n"))
	})

	c, err := NewCIClient(context.Background(), "token", "acme", "widgets", srv.URL)
	require.NoError(t, err)

	logs, err := c.FailureLogs(context.Background(), "feature-x")
	require.NoError(t, err)
	assert.Contains(t, logs, "line 2500")
	assert.NotContains(t, logs, "line 1\n")
	assert.LessOrEqual(t, len(strings.Split(logs, "\n")), DefaultLogLines)
}

func TestFailureLogsFallsBackToCheckRunOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/actions/runs", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":0,"workflow_runs":[]}`)
	})
	mux.HandleFunc("/repos/acme/widgets/commits/feature-x/check-runs", checkRunsHandler(`{"total_count":1,"check_runs":[
		{"id":1,"name":"ci/test","status":"completed","conclusion":"failure",
		 "output":{"title":"2 tests failed","summary":"TestLogin failed: expected 200, got 500"}}]}`))
	c := newTestCI(t, mux)

	logs, err := c.FailureLogs(context.Background(), "feature-x")
	require.NoError(t, err)
	assert.Contains(t, logs, "ci/test")
	assert.Contains(t, logs, "TestLogin failed")
}

func TestNewCIClientRequiresRepo(t *testing.T) {
	_, err := NewCIClient(context.Background(), "", "", "widgets", "")
	assert.True(t, models.IsConfigurationError(err))
}

func TestTailLines(t *testing.T) {
	assert.Equal(t, "c\nd", TailLines("a\nb\nc\nd\n", 2))
	assert.Equal(t, "a\nb", TailLines("a\nb", 5))
	assert.Equal(t, "a\nb", TailLines("a\nb", 0))
}
