// Package hook turns raw socket descriptors, as captured at host network
// interception points, into flow keys and routes them to the emitter or the
// accounting table.
package hook

import (
	"net/netip"
	"sync/atomic"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

// Kind is the interception point a descriptor was captured at.
type Kind uint8

const (
	KindConnect Kind = iota
	KindAccept
	KindSend
	KindReceive
)

func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "connect"
	case KindAccept:
		return "accept"
	case KindSend:
		return "send"
	case KindReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Descriptor is the socket state visible at a hook. Addresses use the first
// 4 bytes for AFInet and all 16 for AFInet6; ports are host order.
type Descriptor struct {
	Family     flow.Family
	Protocol   uint8
	LocalAddr  [16]byte
	RemoteAddr [16]byte
	LocalPort  uint16
	RemotePort uint16
	PID        uint32
	Length     int
}

// NewDescriptor fills a Descriptor from parsed endpoints, for hosts whose
// socket API already hands out addresses. Mixed families leave Family zero,
// which the adapter ignores.
func NewDescriptor(proto flow.Protocol, local, remote netip.AddrPort, pid uint32) *Descriptor {
	d := &Descriptor{
		Protocol:   uint8(proto),
		LocalPort:  local.Port(),
		RemotePort: remote.Port(),
		PID:        pid,
	}
	la, ra := local.Addr().Unmap(), remote.Addr().Unmap()
	switch {
	case la.Is4() && ra.Is4():
		d.Family = flow.AFInet
		l, r := la.As4(), ra.As4()
		copy(d.LocalAddr[:], l[:])
		copy(d.RemoteAddr[:], r[:])
	case la.Is6() && ra.Is6():
		d.Family = flow.AFInet6
		d.LocalAddr = la.As16()
		d.RemoteAddr = ra.As16()
	}
	return d
}

// EventSink receives connection events. Submit must not block.
type EventSink interface {
	Submit(flow.Event) bool
}

// Accounter receives byte counts. Accumulate must not block.
type Accounter interface {
	Accumulate(key flow.Key, dir flow.Direction, delta uint64)
}

type Stats struct {
	Emitted   uint64 `json:"emitted"`
	Dropped   uint64 `json:"dropped"`
	Accounted uint64 `json:"accounted"`
	Ignored   uint64 `json:"ignored"`
	Faults    uint64 `json:"faults"`
}

// Adapter is safe for concurrent use from any number of hook call sites.
// No call ever reports failure to the caller: unusable input is ignored,
// a full sink drops the event and a panic below Handle is recovered.
type Adapter struct {
	events EventSink
	table  Accounter

	emitted   atomic.Uint64
	dropped   atomic.Uint64
	accounted atomic.Uint64
	ignored   atomic.Uint64
	faults    atomic.Uint64
}

func NewAdapter(events EventSink, table Accounter) *Adapter {
	return &Adapter{events: events, table: table}
}

func (a *Adapter) Connect(d *Descriptor) { a.Handle(KindConnect, d) }

func (a *Adapter) Accept(d *Descriptor) { a.Handle(KindAccept, d) }

func (a *Adapter) Send(d *Descriptor) { a.Handle(KindSend, d) }

func (a *Adapter) Receive(d *Descriptor) { a.Handle(KindReceive, d) }

func (a *Adapter) Handle(kind Kind, d *Descriptor) {
	defer func() {
		if recover() != nil {
			a.faults.Add(1)
		}
	}()

	if d == nil {
		a.ignored.Add(1)
		return
	}
	key, ok := normalize(d)
	if !ok {
		a.ignored.Add(1)
		return
	}

	switch kind {
	case KindConnect, KindAccept:
		// A datagram connect that failed leaves no peer port behind.
		if d.RemotePort == 0 {
			a.ignored.Add(1)
			return
		}
		dir := flow.Outbound
		if kind == KindAccept {
			dir = flow.Inbound
		}
		if a.events.Submit(flow.Event{Key: key, PID: d.PID, Direction: dir}) {
			a.emitted.Add(1)
		} else {
			a.dropped.Add(1)
		}
	case KindSend, KindReceive:
		if d.Length <= 0 {
			a.ignored.Add(1)
			return
		}
		dir := flow.Outbound
		if kind == KindReceive {
			dir = flow.Inbound
		}
		a.table.Accumulate(key, dir, uint64(d.Length))
		a.accounted.Add(1)
	default:
		a.ignored.Add(1)
	}
}

func normalize(d *Descriptor) (flow.Key, bool) {
	n := 16
	if d.Family == flow.AFInet {
		n = 4
	}
	return flow.Normalize(d.Family, d.Protocol, d.LocalAddr[:n], d.RemoteAddr[:n], d.LocalPort, d.RemotePort)
}

func (a *Adapter) Stats() Stats {
	return Stats{
		Emitted:   a.emitted.Load(),
		Dropped:   a.dropped.Load(),
		Accounted: a.accounted.Load(),
		Ignored:   a.ignored.Load(),
		Faults:    a.faults.Load(),
	}
}
