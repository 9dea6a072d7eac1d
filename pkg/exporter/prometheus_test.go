package exporter

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/sockflow/pkg/emitter"
	"github.com/rxtx-hosting/sockflow/pkg/flowtable"
	"github.com/rxtx-hosting/sockflow/pkg/sink"
	"github.com/rxtx-hosting/sockflow/pkg/usage"
)

func scrape(t *testing.T, p *PrometheusExporter) string {
	t.Helper()
	w := httptest.NewRecorder()
	p.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	return w.Body.String()
}

func TestPrometheusOwnerGauges(t *testing.T) {
	p := NewPrometheusExporter(nil)
	p.UpdateStats([]usage.OwnerStats{
		{Owner: "web", ActiveFlows: 2, RxBytes: 100, TxBytes: 50, Connections: 3},
		{Owner: "db", ActiveFlows: 1},
	})

	body := scrape(t, p)
	assert.Contains(t, body, `sockflow_rx_bytes{owner="web"} 100`)
	assert.Contains(t, body, `sockflow_connections{owner="web"} 3`)
	assert.Contains(t, body, `sockflow_active_flows{owner="db"} 1`)

	p.UpdateStats([]usage.OwnerStats{{Owner: "web", ActiveFlows: 1}})
	body = scrape(t, p)
	assert.NotContains(t, body, `owner="db"`)
	assert.Contains(t, body, `sockflow_active_flows{owner="web"} 1`)
}

func TestPrometheusEngineStats(t *testing.T) {
	p := NewPrometheusExporter(func() EngineStats {
		return EngineStats{
			Events: emitter.RingStats{Committed: 12, Dropped: 3},
			Flows:  flowtable.Stats{Entries: 7, Evictions: 2},
			Sink:   sink.Stats{Published: 40, Failed: 1},
		}
	})

	body := scrape(t, p)
	assert.Contains(t, body, "sockflow_events_committed_total 12")
	assert.Contains(t, body, "sockflow_events_dropped_total 3")
	assert.Contains(t, body, "sockflow_flow_table_entries 7")
	assert.Contains(t, body, "sockflow_flow_table_evictions_total 2")
	assert.Contains(t, body, "sockflow_sink_published_total 40")
	assert.Contains(t, body, "sockflow_sink_failed_total 1")
}
