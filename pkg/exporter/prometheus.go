package exporter

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rxtx-hosting/sockflow/pkg/usage"
)

type PrometheusExporter struct {
	registry    *prometheus.Registry
	activeFlows *prometheus.GaugeVec
	rxBytes     *prometheus.GaugeVec
	txBytes     *prometheus.GaugeVec
	connections *prometheus.GaugeVec
	cache       map[string]usage.OwnerStats
	mu          sync.RWMutex
}

// NewPrometheusExporter registers per-owner gauges and, when stats is not
// nil, the engine counters it reports.
func NewPrometheusExporter(stats StatsFunc) *PrometheusExporter {
	ownerGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: "sockflow", Name: name, Help: help},
			[]string{"owner"},
		)
	}

	p := &PrometheusExporter{
		registry:    prometheus.NewRegistry(),
		activeFlows: ownerGauge("active_flows", "Flows seen within the activity window"),
		rxBytes:     ownerGauge("rx_bytes", "Bytes received by the owner's flows"),
		txBytes:     ownerGauge("tx_bytes", "Bytes sent by the owner's flows"),
		connections: ownerGauge("connections", "Connections attributed to the owner"),
		cache:       make(map[string]usage.OwnerStats),
	}
	p.registry.MustRegister(p.activeFlows, p.rxBytes, p.txBytes, p.connections)

	if stats != nil {
		p.registerEngine(stats)
	}
	return p
}

func (p *PrometheusExporter) registerEngine(stats StatsFunc) {
	counter := func(name, help string, read func(EngineStats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(
			prometheus.CounterOpts{Namespace: "sockflow", Name: name, Help: help},
			func() float64 { return float64(read(stats())) },
		)
	}
	gauge := func(name, help string, read func(EngineStats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: "sockflow", Name: name, Help: help},
			func() float64 { return read(stats()) },
		)
	}

	p.registry.MustRegister(
		counter("events_committed_total", "Connection events accepted by the emitter",
			func(s EngineStats) uint64 { return s.Events.Committed }),
		counter("events_dropped_total", "Connection events dropped because the emitter was full",
			func(s EngineStats) uint64 { return s.Events.Dropped }),
		counter("events_consumed_total", "Connection events read by the consumer",
			func(s EngineStats) uint64 { return s.Events.Consumed }),
		gauge("event_buffer_used_bytes", "Bytes currently held by the emitter",
			func(s EngineStats) float64 { return float64(s.Events.Used) }),
		gauge("flow_table_entries", "Live flow table entries",
			func(s EngineStats) float64 { return float64(s.Flows.Entries) }),
		counter("flow_table_evictions_total", "Flow table entries evicted to make room",
			func(s EngineStats) uint64 { return s.Flows.Evictions }),
		counter("hook_ignored_total", "Hook invocations ignored as malformed or unsupported",
			func(s EngineStats) uint64 { return s.Hooks.Ignored }),
		counter("hook_faults_total", "Hook invocations that recovered from a fault",
			func(s EngineStats) uint64 { return s.Hooks.Faults }),
		counter("consumer_invalid_events_total", "Connection events rejected by the consumer",
			func(s EngineStats) uint64 { return s.Consumer.Invalid }),
		counter("consumer_queue_drops_total", "Connections dropped because the consumer queue was full",
			func(s EngineStats) uint64 { return s.Consumer.QueueDrops }),
		counter("sink_published_total", "Records published to NATS",
			func(s EngineStats) uint64 { return s.Sink.Published }),
		counter("sink_failed_total", "Records that failed to publish to NATS",
			func(s EngineStats) uint64 { return s.Sink.Failed }),
	)
}

func (p *PrometheusExporter) UpdateStats(stats []usage.OwnerStats) {
	p.mu.Lock()
	defer p.mu.Unlock()

	newCache := make(map[string]usage.OwnerStats)

	for _, stat := range stats {
		newCache[stat.Owner] = stat
		p.activeFlows.WithLabelValues(stat.Owner).Set(float64(stat.ActiveFlows))
		p.rxBytes.WithLabelValues(stat.Owner).Set(float64(stat.RxBytes))
		p.txBytes.WithLabelValues(stat.Owner).Set(float64(stat.TxBytes))
		p.connections.WithLabelValues(stat.Owner).Set(float64(stat.Connections))
	}

	for owner := range p.cache {
		if _, exists := newCache[owner]; !exists {
			p.activeFlows.DeleteLabelValues(owner)
			p.rxBytes.DeleteLabelValues(owner)
			p.txBytes.DeleteLabelValues(owner)
			p.connections.DeleteLabelValues(owner)
		}
	}

	p.cache = newCache
}

func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

func (p *PrometheusExporter) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler())
	return http.ListenAndServe(addr, mux)
}
