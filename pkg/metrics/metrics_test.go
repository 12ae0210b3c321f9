package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRecorderExposesRegisteredMetrics(t *testing.T) {
	r := NewRecorder()
	r.TicksTotal("ok")
	r.TicksTotal("error")
	r.ObserveTickDuration(0.25)
	r.PromotionsTotal()
	r.SetNodesTracked(3)
	r.ProxyPublishErrorsTotal()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, name := range []string{
		"coordinator_ticks_total",
		"coordinator_tick_duration_seconds",
		"coordinator_promotions_total",
		"coordinator_nodes_tracked",
		"coordinator_proxy_publish_errors_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("expected metrics output to contain %q", name)
		}
	}
}
