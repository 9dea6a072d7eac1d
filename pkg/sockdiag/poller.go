// Package sockdiag follows host sockets through the kernel's socket
// diagnostics interface. It needs no BPF support: established TCP sockets
// contribute cumulative byte counters to the flow table, and sockets seen for
// the first time are announced as connections.
package sockdiag

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"time"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
	"github.com/rxtx-hosting/sockflow/pkg/hook"
)

// ErrUnsupported is returned by lister constructors on hosts without
// socket diagnostics.
var ErrUnsupported = errors.New("socket diagnostics not supported on this platform")

// ErrInterrupted marks a dump the kernel flagged as inconsistent. The rows
// returned alongside it are still usable.
var ErrInterrupted = errors.New("socket dump interrupted")

// TCP states as numbered by the kernel.
const (
	StateEstablished uint8 = 1
	StateListen      uint8 = 10
)

// Socket is one row of a socket dump.
type Socket struct {
	Protocol flow.Protocol
	Local    netip.AddrPort
	Remote   netip.AddrPort
	State    uint8
	Inode    uint32
	// RxBytes and TxBytes are valid only when HasCounters is set.
	RxBytes     uint64
	TxBytes     uint64
	HasCounters bool
}

type Lister interface {
	List(ctx context.Context) ([]Socket, error)
}

// Owners resolves socket inodes to the pid holding them.
type Owners interface {
	PIDs(inodes map[uint32]struct{}) map[uint32]uint32
}

// Observer takes cumulative counters.
type Observer interface {
	Observe(key flow.Key, rx, tx uint64)
}

type Handler interface {
	Handle(kind hook.Kind, d *hook.Descriptor)
}

type Poller struct {
	lister   Lister
	owners   Owners
	hooks    Handler
	table    Observer
	interval time.Duration
	log      *slog.Logger

	known map[uint32]struct{}
}

func NewPoller(lister Lister, owners Owners, hooks Handler, table Observer, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		lister:   lister,
		owners:   owners,
		hooks:    hooks,
		table:    table,
		interval: interval,
		log:      logger,
		known:    make(map[uint32]struct{}),
	}
}

func (p *Poller) Run(ctx context.Context) error {
	if err := p.Poll(ctx); err != nil {
		p.log.Warn("Socket poll failed", "error", err)
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.log.Warn("Socket poll failed", "error", err)
			}
		}
	}
}

// Poll takes one dump. Counters go to the table; connected sockets not
// present in the previous dump go through the hooks as connect or accept,
// depending on whether their local port has a listener.
func (p *Poller) Poll(ctx context.Context) error {
	sockets, err := p.lister.List(ctx)
	partial := errors.Is(err, ErrInterrupted)
	if partial {
		p.log.Debug("Socket dump interrupted, using partial result", "sockets", len(sockets))
	} else if err != nil {
		return err
	}

	listening := make(map[uint16]struct{})
	for _, s := range sockets {
		if s.Protocol == flow.TCP && s.State == StateListen {
			listening[s.Local.Port()] = struct{}{}
		}
	}

	current := make(map[uint32]struct{}, len(sockets))
	var fresh []Socket
	for _, s := range sockets {
		if !connected(s) {
			continue
		}
		if s.HasCounters {
			if key, ok := flow.KeyFromAddrs(s.Protocol, s.Local, s.Remote); ok {
				p.table.Observe(key, s.RxBytes, s.TxBytes)
			}
		}
		if s.Inode == 0 {
			continue
		}
		current[s.Inode] = struct{}{}
		if _, seen := p.known[s.Inode]; !seen {
			fresh = append(fresh, s)
		}
	}
	if partial {
		// Rows missing from a partial dump are not gone.
		for inode := range current {
			p.known[inode] = struct{}{}
		}
	} else {
		p.known = current
	}

	if len(fresh) > 0 {
		p.announce(fresh, listening)
	}
	p.log.Debug("Socket poll complete", "sockets", len(sockets), "connected", len(current), "new", len(fresh))
	return nil
}

func (p *Poller) announce(fresh []Socket, listening map[uint16]struct{}) {
	var pids map[uint32]uint32
	if p.owners != nil {
		inodes := make(map[uint32]struct{}, len(fresh))
		for _, s := range fresh {
			inodes[s.Inode] = struct{}{}
		}
		pids = p.owners.PIDs(inodes)
	}

	for _, s := range fresh {
		kind := hook.KindConnect
		if _, ok := listening[s.Local.Port()]; ok && s.Protocol == flow.TCP {
			kind = hook.KindAccept
		}
		p.hooks.Handle(kind, hook.NewDescriptor(s.Protocol, s.Local, s.Remote, pids[s.Inode]))
	}
}

func connected(s Socket) bool {
	if s.Remote.Port() == 0 {
		return false
	}
	if s.Protocol == flow.TCP {
		return s.State == StateEstablished
	}
	return true
}
