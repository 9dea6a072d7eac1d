package emitter

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

func TestEmitterRoundTrip(t *testing.T) {
	e, err := New(4096)
	require.NoError(t, err)

	key, ok := flow.KeyFromAddrs(flow.TCP,
		netip.MustParseAddrPort("10.0.0.5:51000"),
		netip.MustParseAddrPort("93.184.216.34:443"))
	require.True(t, ok)

	require.True(t, e.Submit(flow.Event{Key: key, PID: 4321, Direction: flow.Outbound}))

	var got []flow.Event
	e.Drain(0, func(ev flow.Event) { got = append(got, ev) })
	require.Len(t, got, 1)

	ev := got[0]
	assert.Equal(t, uint32(4321), ev.PID)
	assert.Equal(t, flow.TCP, ev.Key.Protocol)
	assert.Equal(t, uint8(6), uint8(ev.Key.Protocol))
	assert.Equal(t, flow.IPv4, ev.Key.IPVersion)
	assert.Equal(t, flow.Outbound, ev.Direction)
	assert.Equal(t, "10.0.0.5", ev.Key.Src().String())
	assert.Equal(t, "93.184.216.34", ev.Key.Dst().String())
	assert.Equal(t, uint16(51000), ev.Key.SrcPort)
	assert.Equal(t, uint16(443), ev.Key.DstPort)

	// Consumed exactly once.
	assert.Equal(t, 0, e.Drain(0, func(flow.Event) { t.Fatal("event replayed") }))
}

func TestEmitterSubmitRecord(t *testing.T) {
	e, err := New(4096)
	require.NoError(t, err)

	key, _ := flow.KeyFromAddrs(flow.UDPLite,
		netip.MustParseAddrPort("[2001:db8::1]:7000"),
		netip.MustParseAddrPort("[2001:db8::2]:8000"))
	want := flow.Event{Key: key, PID: 7, Direction: flow.Outbound}

	var raw [flow.EventSize]byte
	flow.EncodeEvent(raw[:], want)

	assert.True(t, e.SubmitRecord(raw[:]))
	assert.True(t, e.SubmitRecord(raw[:flow.EventSize-1]))
	assert.False(t, e.SubmitRecord(raw[:12]), "truncated record")

	var got []flow.Event
	e.Drain(0, func(ev flow.Event) { got = append(got, ev) })
	assert.Equal(t, []flow.Event{want, want}, got)
	assert.Equal(t, uint64(1), e.Stats().Dropped)
}

func TestEmitterFull(t *testing.T) {
	// 44-byte events occupy 56 bytes each; a 128-byte ring holds two.
	e, err := New(128)
	require.NoError(t, err)

	ev := flow.Event{PID: 1}
	assert.True(t, e.Submit(ev))
	assert.True(t, e.Submit(ev))
	assert.False(t, e.Submit(ev))

	st := e.Stats()
	assert.Equal(t, uint64(2), st.Committed)
	assert.Equal(t, uint64(1), st.Dropped)
}

func TestEmitterDefaultSize(t *testing.T) {
	e, err := New(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(DefaultSize), e.Stats().Size)
}
