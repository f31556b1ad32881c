package dashboard

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketfeed/config"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
)

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	log := logger.Logger()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second, MetricsHistory: 10, LogHistory: 10}, log)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)

	metrics.Record(log, "ingestor", "batcher_pending", 5, "gauge", logger.Fields{"coin": "ETH"})

	router, err := srv.buildRouter("app")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatalf("metrics store empty")
	}
}

func TestMetricsByComponentEndpointFiltersOtherComponents(t *testing.T) {
	log := logger.Logger()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, RefreshInterval: time.Second, MetricsHistory: 10, LogHistory: 10}, log)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)

	metrics.Record(log, "ingestor", "block_applied", 1, "counter", nil)
	metrics.Record(log, "fanout", "clients_active", 4, "gauge", nil)

	router, err := srv.buildRouter("app")
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/metrics/ingestor", nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", res.Code)
	}
	if got := srv.metricStore.byComponent("ingestor"); len(got) != 1 || got[0].Name != "block_applied" {
		t.Fatalf("unexpected ingestor metrics: %#v", got)
	}
	if got := srv.metricStore.byComponent("fanout"); len(got) != 1 || got[0].Name != "clients_active" {
		t.Fatalf("unexpected fanout metrics: %#v", got)
	}
}
