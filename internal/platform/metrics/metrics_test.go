package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	m.ObserveCycle("completed", 0.2)
	m.ObserveCycle("skipped", 0)
	m.EndpointTransitions("READY", 2)
	m.BridgeStatusError()
	m.HistoryWrite("patch", "ok")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`notifications_endpoint_transitions_total{status="READY"} 2`,
		`notifications_bridge_status_errors_total 1`,
		`notifications_history_writes_total{operation="patch",result="ok"} 1`,
		`notifications_ready_check_cycles_total{result="skipped"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in exposition", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCycle("completed", 1)
	m.EndpointTransitions("FAILED", 1)
	m.BridgeStatusError()
	m.HistoryWrite("create", "error")
	if m.Registry() != nil {
		t.Error("Expected nil registry")
	}
}
