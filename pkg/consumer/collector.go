// Package consumer reads connection events and changed flow counters out of
// the engine and hands them to the rest of the agent over channels.
package consumer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
	"github.com/rxtx-hosting/sockflow/pkg/flowtable"
)

type Options struct {
	ScanInterval    time.Duration
	DrainBatch      int
	EventQueueSize  int
	UpdateQueueSize int
	DedupSize       int
	Resolver        OwnerResolver
	Logger          *slog.Logger
}

func (o *Options) setDefaults() {
	if o.ScanInterval <= 0 {
		o.ScanInterval = time.Second
	}
	if o.DrainBatch <= 0 {
		o.DrainBatch = 256
	}
	if o.EventQueueSize <= 0 {
		o.EventQueueSize = 1024
	}
	if o.UpdateQueueSize <= 0 {
		o.UpdateQueueSize = 4096
	}
	if o.DedupSize <= 0 {
		o.DedupSize = 4096
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type dedupKey struct {
	key flow.Key
	pid uint32
}

// Collector never pushes back on the engine: when its own queues are full,
// connections are dropped and flow updates are left for the next scan.
type Collector struct {
	events EventSource
	flows  FlowSource
	opts   Options
	log    *slog.Logger
	seen   *lru.Cache[dedupKey, struct{}]
	now    func() time.Time

	connections chan Connection
	updates     chan BandwidthUpdate

	received    atomic.Uint64
	invalid     atomic.Uint64
	duplicates  atomic.Uint64
	queueDrops  atomic.Uint64
	sent        atomic.Uint64
	deferred    atomic.Uint64
	lastScanned atomic.Int64
}

func New(events EventSource, flows FlowSource, opts Options) (*Collector, error) {
	opts.setDefaults()
	seen, err := lru.New[dedupKey, struct{}](opts.DedupSize)
	if err != nil {
		return nil, err
	}
	return &Collector{
		events:      events,
		flows:       flows,
		opts:        opts,
		log:         opts.Logger,
		seen:        seen,
		now:         time.Now,
		connections: make(chan Connection, opts.EventQueueSize),
		updates:     make(chan BandwidthUpdate, opts.UpdateQueueSize),
	}, nil
}

func (c *Collector) Connections() <-chan Connection { return c.connections }

func (c *Collector) Updates() <-chan BandwidthUpdate { return c.updates }

// Run drains events and scans flows until ctx is cancelled. Both output
// channels are closed when it returns.
func (c *Collector) Run(ctx context.Context) error {
	defer close(c.connections)
	defer close(c.updates)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.eventLoop(ctx) })
	g.Go(func() error { return c.scanLoop(ctx) })
	return g.Wait()
}

func (c *Collector) eventLoop(ctx context.Context) error {
	for {
		if c.events.Drain(c.opts.DrainBatch, c.handleEvent) > 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		if err := c.events.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Collector) handleEvent(ev flow.Event) {
	c.received.Add(1)
	if !ev.Valid() {
		c.invalid.Add(1)
		c.log.Debug("Dropped invalid connection event", "flow", ev.Key.String(), "pid", ev.PID)
		return
	}
	if found, _ := c.seen.ContainsOrAdd(dedupKey{key: ev.Key, pid: ev.PID}, struct{}{}); found {
		c.duplicates.Add(1)
		return
	}

	conn := Connection{Event: ev, SeenAt: c.now()}
	if c.opts.Resolver != nil {
		conn.Owner = c.opts.Resolver.Owner(ev.PID)
	}
	select {
	case c.connections <- conn:
	default:
		c.queueDrops.Add(1)
	}
}

func (c *Collector) scanLoop(ctx context.Context) error {
	c.flows.ResetReported()
	if err := c.snapshot(ctx); err != nil {
		return nil
	}

	ticker := time.NewTicker(c.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.scan(ctx)
		}
	}
}

// snapshot publishes every known flow once, blocking on the queue, so a
// consumer that starts late still learns the current totals.
func (c *Collector) snapshot(ctx context.Context) error {
	all := c.flows.EnumerateAll()
	for _, e := range all {
		select {
		case c.updates <- update(e):
			c.sent.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.log.Info("Published flow snapshot", "flows", len(all))
	return nil
}

func (c *Collector) scan(ctx context.Context) {
	var n int
	full := false
	err := c.flows.ScanReported(ctx, func(e flowtable.Entry) bool {
		select {
		case c.updates <- update(e):
			n++
			return true
		default:
			full = true
			return false
		}
	})
	c.sent.Add(uint64(n))
	c.lastScanned.Store(int64(n))
	if full {
		c.deferred.Add(1)
		c.log.Warn("Update queue full, deferring remaining flows", "sent", n)
	}
	if err != nil && ctx.Err() == nil {
		c.log.Error("Flow scan failed", "error", err)
	}
}

func update(e flowtable.Entry) BandwidthUpdate {
	return BandwidthUpdate{Key: e.Key, Rx: e.Rx, Tx: e.Tx, Method: MethodAbsolute}
}

func (c *Collector) Stats() Stats {
	return Stats{
		Events:      c.received.Load(),
		Invalid:     c.invalid.Load(),
		Duplicates:  c.duplicates.Load(),
		QueueDrops:  c.queueDrops.Load(),
		Updates:     c.sent.Load(),
		Deferred:    c.deferred.Load(),
		LastScanned: int(c.lastScanned.Load()),
	}
}
