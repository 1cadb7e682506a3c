package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesRegisteredMetricNames(t *testing.T) {
	RunsTotal.WithLabelValues("success").Inc()
	QueueDepth.WithLabelValues("pending").Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"conductor_runs_total",
		"conductor_queue_depth",
		"conductor_stream_subscribers",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected exposition text to contain %q", name)
		}
	}
}
