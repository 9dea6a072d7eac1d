package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rxtx-hosting/sockflow/internal/config"
	"github.com/rxtx-hosting/sockflow/pkg/consumer"
	"github.com/rxtx-hosting/sockflow/pkg/docker"
	"github.com/rxtx-hosting/sockflow/pkg/ebpf"
	"github.com/rxtx-hosting/sockflow/pkg/emitter"
	"github.com/rxtx-hosting/sockflow/pkg/exporter"
	"github.com/rxtx-hosting/sockflow/pkg/flowtable"
	"github.com/rxtx-hosting/sockflow/pkg/hook"
	"github.com/rxtx-hosting/sockflow/pkg/sink"
	"github.com/rxtx-hosting/sockflow/pkg/sockdiag"
	"github.com/rxtx-hosting/sockflow/pkg/usage"
)

var (
	configPath = flag.String("config", "/etc/sockflow/config.yaml", "Path to configuration file")
	logLevel   = flag.String("log-level", "", "Log level (overrides config)")
	bpfObject  = flag.String("bpf-object", "", "Path to the compiled BPF object (overrides config)")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *bpfObject != "" {
		cfg.BPFObject = *bpfObject
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))

	slog.Info("Starting sockflow", "flow_table_size", cfg.FlowTableSize, "event_buffer_size", cfg.EventBufferSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events, err := emitter.New(cfg.EventBufferSize)
	if err != nil {
		log.Fatalf("Failed to create event emitter: %v", err)
	}
	table, err := flowtable.New(cfg.FlowTableSize, cfg.FlowTableShards)
	if err != nil {
		log.Fatalf("Failed to create flow table: %v", err)
	}
	hooks := hook.NewAdapter(events, table)

	var resolver *docker.Resolver
	if cfg.DockerEnabled {
		resolver, err = docker.NewResolver(cfg.DockerLabels, cfg.OwnerSource, cfg.ProcRoot)
		if err != nil {
			log.Fatalf("Failed to initialize Docker client: %v", err)
		}
		defer resolver.Close()
	}

	opts := consumer.Options{
		ScanInterval:    cfg.ScanInterval,
		DrainBatch:      cfg.DrainBatch,
		EventQueueSize:  cfg.EventQueueSize,
		UpdateQueueSize: cfg.UpdateQueueSize,
		DedupSize:       cfg.DedupSize,
	}
	if resolver != nil {
		opts.Resolver = resolver
	}
	collector, err := consumer.New(events, table, opts)
	if err != nil {
		log.Fatalf("Failed to create consumer: %v", err)
	}

	var publisher *sink.Publisher
	if cfg.NATSURL != "" {
		publisher, err = sink.NewPublisher(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			log.Fatalf("Failed to connect publisher: %v", err)
		}
		defer publisher.Close()
	}

	engineStats := func() exporter.EngineStats {
		return exporter.EngineStats{
			Events:   events.Stats(),
			Flows:    table.Stats(),
			Hooks:    hooks.Stats(),
			Consumer: collector.Stats(),
			Sink:     publisher.Stats(),
		}
	}

	aggregator := usage.NewAggregator(cfg.ActivityThreshold)
	apiServer := exporter.NewAPIServer(cfg.APIKey, engineStats)

	go func() {
		slog.Info("Starting API server", "address", cfg.ServerAddr)
		if err := apiServer.StartServer(cfg.ServerAddr); err != nil {
			log.Fatalf("Failed to start API server: %v", err)
		}
	}()

	var promExporter *exporter.PrometheusExporter
	if cfg.PrometheusAddr != "" {
		promExporter = exporter.NewPrometheusExporter(engineStats)
		go func() {
			slog.Info("Starting Prometheus server", "address", cfg.PrometheusAddr)
			if err := promExporter.StartServer(cfg.PrometheusAddr); err != nil {
				log.Fatalf("Failed to start Prometheus server: %v", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	// Kernel hooks when a BPF object is available, socket polling otherwise.
	var monitor *ebpf.Monitor
	if cfg.BPFObject != "" {
		monitor, err = ebpf.Open(ctx, ebpf.Options{
			ObjectPath:   cfg.BPFObject,
			CgroupPath:   cfg.CgroupPath,
			PollInterval: cfg.ScanInterval,
		}, events, table, slog.Default())
		if err != nil {
			slog.Warn("eBPF monitor unavailable, falling back to socket polling", "error", err)
		}
	}
	if monitor != nil {
		defer monitor.Close()
		g.Go(func() error { return monitor.Run(ctx) })
	} else {
		lister, err := sockdiag.NewNetlinkLister()
		if err != nil {
			log.Fatalf("Failed to initialize socket poller: %v", err)
		}
		owners, err := sockdiag.NewProcOwners(cfg.ProcRoot)
		if err != nil {
			log.Fatalf("Failed to initialize socket poller: %v", err)
		}
		poller := sockdiag.NewPoller(lister, owners, hooks, table, cfg.SockDiagInterval, slog.Default())
		g.Go(func() error { return poller.Run(ctx) })
	}

	g.Go(func() error { return collector.Run(ctx) })

	g.Go(func() error {
		discoveryTicker := time.NewTicker(cfg.DiscoveryInterval)
		defer discoveryTicker.Stop()

		metricsTicker := time.NewTicker(cfg.MetricsInterval)
		defer metricsTicker.Stop()

		refresh := func() {
			if resolver == nil {
				return
			}
			workloads, err := resolver.Refresh(ctx)
			if err != nil {
				slog.Error("Error discovering workloads", "error", err)
				return
			}
			slog.Info("Discovered workloads", "count", len(workloads))
		}
		refresh()

		connections, updates := collector.Connections(), collector.Updates()
		for connections != nil || updates != nil {
			select {
			case c, ok := <-connections:
				if !ok {
					connections = nil
					continue
				}
				aggregator.ObserveConnection(c)
				apiServer.RecordConnection(c)
				if publisher != nil {
					if err := publisher.PublishConnection(c); err != nil {
						slog.Debug("Failed to publish connection", "error", err)
					}
				}

			case u, ok := <-updates:
				if !ok {
					updates = nil
					continue
				}
				aggregator.ObserveUpdate(u)
				if publisher != nil {
					if err := publisher.PublishUpdate(u); err != nil {
						slog.Debug("Failed to publish bandwidth update", "error", err)
					}
				}

			case <-discoveryTicker.C:
				refresh()

			case <-metricsTicker.C:
				owners := aggregator.Snapshot()
				slog.Info("Aggregated flows", "owners", len(owners))

				apiServer.UpdateStats(owners, aggregator.Flows())
				if promExporter != nil {
					promExporter.UpdateStats(owners)
				}
			}
		}
		return nil
	})

	slog.Info("sockflow started successfully")

	if err := g.Wait(); err != nil {
		slog.Error("sockflow stopped", "error", err)
	}
	slog.Info("Received shutdown signal, cleaning up...")
}
