package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNilMetricsAreCallable(t *testing.T) {
	var m *Metrics
	m.Turn("replied", 0.5)
	m.LLMCall("openai", "ok")
	m.ToolCall("crm", "error")
	m.Suspension()
	m.Resumption("authorized")
	m.Authorization("granted")
	m.Abandoned()
}

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.Turn("replied", 1.2)
	m.Suspension()

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	if !strings.Contains(body, "parley_turns_total") {
		t.Errorf("missing turns counter in scrape output")
	}
	if !strings.Contains(body, "parley_suspensions_total 1") {
		t.Errorf("missing suspension counter in scrape output")
	}
}
