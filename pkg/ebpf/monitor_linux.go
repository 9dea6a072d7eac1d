//go:build linux

package ebpf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Monitor owns the loaded BPF collection: it forwards kernel connection
// records to the emitter and mirrors kernel byte counters into the table.
type Monitor struct {
	coll      *ebpf.Collection
	bandwidth *ebpf.Map
	links     []link.Link
	reader    *ringbuf.Reader

	events   RecordSink
	table    Observer
	interval time.Duration
	log      *slog.Logger

	records    atomic.Uint64
	rejected   atomic.Uint64
	readErrors atomic.Uint64
	mirrored   atomic.Int64
}

func NewMonitor(opts Options, events RecordSink, table Observer, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	spec, err := ebpf.LoadCollectionSpec(opts.ObjectPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", opts.ObjectPath, err)
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock: %w", err)
	}
	if err := retarget(spec, logger); err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var ve *ebpf.VerifierError
		if errors.As(err, &ve) {
			return nil, fmt.Errorf("failed to load eBPF objects: %w: %w", ErrRejected, err)
		}
		return nil, fmt.Errorf("failed to load eBPF objects: %w", err)
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	m := &Monitor{
		coll:      coll,
		bandwidth: coll.Maps[bandwidthMap],
		events:    events,
		table:     table,
		interval:  interval,
		log:       logger,
	}
	if m.bandwidth == nil {
		m.Close()
		return nil, fmt.Errorf("map %q not found in %s", bandwidthMap, opts.ObjectPath)
	}

	if err := m.attach(opts.CgroupPath); err != nil {
		m.Close()
		return nil, err
	}

	ring, ok := coll.Maps[eventsMap]
	if !ok {
		m.Close()
		return nil, fmt.Errorf("map %q not found in %s", eventsMap, opts.ObjectPath)
	}
	m.reader, err = ringbuf.NewReader(ring)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("failed to open ring buffer: %w", err)
	}
	return m, nil
}

func retarget(spec *ebpf.CollectionSpec, logger *slog.Logger) error {
	kernel, err := btf.LoadKernelSpec()
	if err != nil {
		return fmt.Errorf("failed to load kernel BTF: %w", err)
	}
	has := func(symbol string) bool {
		var fn *btf.Func
		return kernel.TypeByName(symbol, &fn) == nil
	}

	for _, ap := range attachPoints {
		ps, ok := spec.Programs[ap.program]
		if !ok {
			return fmt.Errorf("program %q not found in spec", ap.program)
		}
		if target := ap.target(has); ps.AttachTo != target {
			ps.AttachTo = target
			logger.Debug("Using attach point", "program", ap.program, "target", target)
		}
	}
	return nil
}

func (m *Monitor) attach(cgroupPath string) error {
	for _, name := range tracingPrograms {
		prog, ok := m.coll.Programs[name]
		if !ok {
			return fmt.Errorf("program %q not found", name)
		}
		l, err := link.AttachTracing(link.TracingOptions{Program: prog})
		if err != nil {
			return fmt.Errorf("failed to attach %s: %w", name, err)
		}
		m.links = append(m.links, l)
	}

	if cgroupPath == "" {
		var err error
		if cgroupPath, err = findCgroupPath(); err != nil {
			return fmt.Errorf("failed to find cgroup path: %w", err)
		}
	}
	prog, ok := m.coll.Programs[sockOpsProg]
	if !ok {
		return fmt.Errorf("program %q not found", sockOpsProg)
	}
	l, err := link.AttachCgroup(link.CgroupOptions{
		Path:    cgroupPath,
		Attach:  ebpf.AttachCGroupSockOps,
		Program: prog,
	})
	if err != nil {
		return fmt.Errorf("failed to attach sockops to %s: %w", cgroupPath, err)
	}
	m.links = append(m.links, l)
	return nil
}

// findCgroupPath returns the cgroup v2 mount, which is /sys/fs/cgroup on
// unified hosts and /sys/fs/cgroup/unified on hybrid ones.
func findCgroupPath() (string, error) {
	path := "/sys/fs/cgroup"

	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return "", err
	}
	if st.Type != unix.CGROUP2_SUPER_MAGIC {
		path = filepath.Join(path, "unified")
	}
	return path, nil
}

// Run forwards events and mirrors counters until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.readLoop(ctx) })
	g.Go(func() error { return m.mirrorLoop(ctx) })
	return g.Wait()
}

func (m *Monitor) readLoop(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := m.reader.Close(); err != nil {
			m.log.Error("Failed to close ring buffer reader", "error", err)
		}
	}()

	var record ringbuf.Record
	for {
		if err := m.reader.ReadInto(&record); err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			m.readErrors.Add(1)
			m.log.Error("Failed to read from ring buffer", "error", err)
			continue
		}
		m.records.Add(1)
		if !m.events.SubmitRecord(record.RawSample) {
			m.rejected.Add(1)
		}
	}
}

func (m *Monitor) mirrorLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.mirror(); err != nil {
				m.log.Error("Failed to read bandwidth map", "error", err)
			}
		}
	}
}

func (m *Monitor) mirror() error {
	var (
		key, value []byte
		n, skipped int
	)
	iter := m.bandwidth.Iterate()
	for iter.Next(&key, &value) {
		k, rx, tx, err := decodeBandwidth(key, value)
		if err != nil {
			skipped++
			continue
		}
		m.table.Observe(k, rx, tx)
		n++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate map: %w", err)
	}
	m.mirrored.Store(int64(n))
	if skipped > 0 {
		m.log.Debug("Skipped bandwidth entries", "count", skipped)
	}
	return nil
}

func (m *Monitor) Stats() Stats {
	return Stats{
		Records:      m.records.Load(),
		Rejected:     m.rejected.Load(),
		ReadErrors:   m.readErrors.Load(),
		MirroredKeys: int(m.mirrored.Load()),
	}
}

func (m *Monitor) Close() error {
	var errs []error
	if m.reader != nil {
		if err := m.reader.Close(); err != nil && !errors.Is(err, ringbuf.ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, l := range m.links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.coll != nil {
		m.coll.Close()
	}
	return errors.Join(errs...)
}
