package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cascadeflow/config"
	"cascadeflow/internal/metrics"
	"cascadeflow/internal/models"
	"cascadeflow/logger"
)

type fixedCascade struct{ items []models.CascadeMetrics }

func (f fixedCascade) Metrics() []models.CascadeMetrics { return f.items }

type fixedAlerts struct {
	delivered   []models.Alert
	undelivered []models.Alert
}

func (f fixedAlerts) Delivered() []models.Alert   { return f.delivered }
func (f fixedAlerts) Undelivered() []models.Alert { return f.undelivered }

func newDataTestServer(t *testing.T, sources Sources) *Server {
	t.Helper()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, History: 10}, logger.Logger(), sources)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	if srv == nil {
		t.Fatal("expected non-nil server")
	}
	t.Cleanup(srv.cleanup)
	return srv
}

func getJSON(t *testing.T, srv *Server, path string, out any) {
	t.Helper()
	router, err := srv.buildRouter()
	if err != nil {
		t.Fatalf("buildRouter error: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, path, nil)
	res := httptest.NewRecorder()
	router.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("unexpected status code for %s: %d", path, res.Code)
	}
	if err := json.Unmarshal(res.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode %s response: %v", path, err)
	}
}

func TestMetricsEndpointEmitsStoredMetrics(t *testing.T) {
	log := logger.Logger()
	srv, err := NewServer(config.DashboardConfig{Enabled: true, History: 10}, log, Sources{})
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	t.Cleanup(srv.cleanup)

	metrics.EmitMetric(log, "poller", "oi_poll_latency_ms", 42, "gauge", logger.Fields{"exchange": "binance"})

	var body struct {
		Metrics []map[string]any `json:"metrics"`
	}
	getJSON(t, srv, "/api/metrics", &body)
	if len(srv.metricStore.snapshot()) == 0 {
		t.Fatal("metrics store empty")
	}
}

func TestCascadeEndpointReturnsLatestEvaluations(t *testing.T) {
	srv := newDataTestServer(t, Sources{
		Cascade: fixedCascade{items: []models.CascadeMetrics{{
			Symbol:             "BTCUSDT",
			EvaluatedAt:        time.Now().UTC(),
			CascadeProbability: 0.72,
			SignalLevel:        models.LevelAlert,
		}}},
	})

	var body struct {
		Cascade []models.CascadeMetrics `json:"cascade"`
	}
	getJSON(t, srv, "/api/cascade", &body)
	if len(body.Cascade) != 1 || body.Cascade[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected cascade payload: %#v", body.Cascade)
	}
}

func TestAlertsEndpointSplitsAuditTrail(t *testing.T) {
	srv := newDataTestServer(t, Sources{
		Alerts: fixedAlerts{
			delivered:   []models.Alert{{ID: "ok", Symbol: "BTCUSDT", Kind: models.AlertLiquidationCascade}},
			undelivered: []models.Alert{{ID: "failed", Symbol: "ETHUSDT", Kind: models.AlertOIExplosion}},
		},
	})

	var body struct {
		Delivered   []map[string]any `json:"delivered"`
		Undelivered []map[string]any `json:"undelivered"`
	}
	getJSON(t, srv, "/api/alerts", &body)
	if len(body.Delivered) != 1 || body.Delivered[0]["id"] != "ok" {
		t.Fatalf("unexpected delivered payload: %#v", body.Delivered)
	}
	if len(body.Undelivered) != 1 || body.Undelivered[0]["id"] != "failed" {
		t.Fatalf("unexpected undelivered payload: %#v", body.Undelivered)
	}
}

func TestEndpointsTolerateMissingSources(t *testing.T) {
	srv := newDataTestServer(t, Sources{})

	for _, path := range []string{"/api/cascade", "/api/oi", "/api/volume", "/api/alerts", "/api/logs", "/api/health"} {
		var body map[string]any
		getJSON(t, srv, path, &body)
	}
}
