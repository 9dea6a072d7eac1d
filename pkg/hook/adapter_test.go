package hook

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/sockflow/pkg/emitter"
	"github.com/rxtx-hosting/sockflow/pkg/flow"
	"github.com/rxtx-hosting/sockflow/pkg/flowtable"
)

func descriptor(t *testing.T, proto uint8, local, remote string, pid uint32) *Descriptor {
	t.Helper()
	l := netip.MustParseAddrPort(local)
	r := netip.MustParseAddrPort(remote)
	d := &Descriptor{
		Protocol:   proto,
		LocalPort:  l.Port(),
		RemotePort: r.Port(),
		PID:        pid,
	}
	if l.Addr().Is4() {
		d.Family = flow.AFInet
		la, ra := l.Addr().As4(), r.Addr().As4()
		copy(d.LocalAddr[:], la[:])
		copy(d.RemoteAddr[:], ra[:])
	} else {
		d.Family = flow.AFInet6
		d.LocalAddr = l.Addr().As16()
		d.RemoteAddr = r.Addr().As16()
	}
	return d
}

func setup(t *testing.T) (*Adapter, *emitter.Emitter, *flowtable.Table) {
	t.Helper()
	em, err := emitter.New(4096)
	require.NoError(t, err)
	tab, err := flowtable.New(64, 4)
	require.NoError(t, err)
	return NewAdapter(em, tab), em, tab
}

func drain(em *emitter.Emitter) []flow.Event {
	var out []flow.Event
	em.Drain(0, func(ev flow.Event) { out = append(out, ev) })
	return out
}

func TestConnectEmitsOutboundEvent(t *testing.T) {
	a, em, tab := setup(t)

	a.Connect(descriptor(t, 6, "10.0.0.5:51000", "93.184.216.34:443", 4321))

	events := drain(em)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, uint32(4321), ev.PID)
	assert.Equal(t, flow.Outbound, ev.Direction)
	assert.Equal(t, "tcp 10.0.0.5:51000 -> 93.184.216.34:443", ev.Key.String())

	assert.Equal(t, 0, tab.Len(), "connection hooks do not account bytes")
	assert.Equal(t, uint64(1), a.Stats().Emitted)
}

func TestAcceptEmitsInboundEvent(t *testing.T) {
	a, em, _ := setup(t)

	a.Accept(descriptor(t, 6, "[2001:db8::1]:443", "[2001:db8::2]:60000", 1))

	events := drain(em)
	require.Len(t, events, 1)
	assert.Equal(t, flow.Inbound, events[0].Direction)
	assert.Equal(t, flow.IPv6, events[0].Key.IPVersion)
	assert.NotEqual(t, events[0].Key.SrcAddr, events[0].Key.DstAddr)
}

func TestDataHooksAccumulate(t *testing.T) {
	a, em, tab := setup(t)

	tx := descriptor(t, 17, "192.0.2.10:5353", "203.0.113.5:53", 99)
	tx.Length = 1000
	rx := *tx
	rx.Length = 200

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Send(tx) }()
	go func() { defer wg.Done(); a.Receive(&rx) }()
	wg.Wait()

	key, ok := flow.KeyFromAddrs(flow.UDP,
		netip.MustParseAddrPort("192.0.2.10:5353"),
		netip.MustParseAddrPort("203.0.113.5:53"))
	require.True(t, ok)

	c, ok := tab.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, flowtable.Counters{Rx: 200, Tx: 1000, Reported: true}, c)
	assert.Empty(t, drain(em), "data hooks do not emit events")
	assert.Equal(t, uint64(2), a.Stats().Accounted)
}

func TestUnconnectedDatagramAccountedWithZeroPeer(t *testing.T) {
	a, _, tab := setup(t)

	d := descriptor(t, 17, "192.0.2.10:40000", "0.0.0.0:0", 99)
	d.Length = 512
	a.Send(d)
	a.Send(d)

	key, ok := flow.KeyFromAddrs(flow.UDP,
		netip.MustParseAddrPort("192.0.2.10:40000"),
		netip.MustParseAddrPort("0.0.0.0:0"))
	require.True(t, ok)

	c, ok := tab.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, uint64(1024), c.Tx)
	assert.Equal(t, uint64(0), a.Stats().Ignored)
}

func TestIgnoredInput(t *testing.T) {
	tests := []struct {
		name string
		kind Kind
		desc func(t *testing.T) *Descriptor
	}{
		{"nil descriptor", KindSend, func(*testing.T) *Descriptor { return nil }},
		{"unknown family", KindConnect, func(t *testing.T) *Descriptor {
			d := descriptor(t, 6, "10.0.0.1:1000", "10.0.0.2:80", 1)
			d.Family = 1
			return d
		}},
		{"icmp", KindSend, func(t *testing.T) *Descriptor {
			d := descriptor(t, 1, "10.0.0.1:0", "10.0.0.2:0", 1)
			d.Length = 64
			return d
		}},
		{"failed datagram connect", KindConnect, func(t *testing.T) *Descriptor {
			return descriptor(t, 17, "10.0.0.1:5000", "10.0.0.2:0", 1)
		}},
		{"empty send", KindSend, func(t *testing.T) *Descriptor {
			return descriptor(t, 6, "10.0.0.1:1000", "10.0.0.2:80", 1)
		}},
		{"unknown kind", Kind(42), func(t *testing.T) *Descriptor {
			return descriptor(t, 6, "10.0.0.1:1000", "10.0.0.2:80", 1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, em, tab := setup(t)
			a.Handle(tt.kind, tt.desc(t))

			assert.Empty(t, drain(em))
			assert.Equal(t, 0, tab.Len())
			assert.Equal(t, uint64(1), a.Stats().Ignored)
		})
	}
}

func TestFullEmitterDropsSilently(t *testing.T) {
	em, err := emitter.New(64)
	require.NoError(t, err)
	tab, err := flowtable.New(8, 1)
	require.NoError(t, err)
	a := NewAdapter(em, tab)

	d := descriptor(t, 6, "10.0.0.1:1000", "10.0.0.2:80", 1)
	a.Connect(d)
	a.Connect(d)

	st := a.Stats()
	assert.Equal(t, uint64(1), st.Emitted)
	assert.Equal(t, uint64(1), st.Dropped)
}

type panicSink struct{}

func (panicSink) Submit(flow.Event) bool { panic("boom") }

func TestHandleRecoversPanics(t *testing.T) {
	tab, err := flowtable.New(8, 1)
	require.NoError(t, err)
	a := NewAdapter(panicSink{}, tab)

	assert.NotPanics(t, func() {
		a.Connect(descriptor(t, 6, "10.0.0.1:1000", "10.0.0.2:80", 1))
	})
	assert.Equal(t, uint64(1), a.Stats().Faults)
}

func TestNewDescriptor(t *testing.T) {
	local := netip.MustParseAddrPort("[::ffff:10.0.0.5]:51000")
	remote := netip.MustParseAddrPort("93.184.216.34:443")

	d := NewDescriptor(flow.TCP, local, remote, 4321)
	assert.Equal(t, descriptor(t, 6, "10.0.0.5:51000", "93.184.216.34:443", 4321), d)

	mixed := NewDescriptor(flow.TCP, netip.MustParseAddrPort("[2001:db8::1]:1"), remote, 1)
	assert.Zero(t, mixed.Family)

	a, em, _ := setup(t)
	a.Connect(mixed)
	assert.Empty(t, drain(em))
	assert.Equal(t, uint64(1), a.Stats().Ignored)
}
