package ebpf

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

func TestDecodeBandwidth(t *testing.T) {
	want, ok := flow.KeyFromAddrs(flow.UDP,
		netip.MustParseAddrPort("[2001:db8::1]:5353"),
		netip.MustParseAddrPort("[2001:db8::53]:53"))
	require.True(t, ok)

	key := want.AppendBinary(nil)
	key = append(key, 0, 0)
	value := binary.NativeEndian.AppendUint64(nil, 200)
	value = binary.NativeEndian.AppendUint64(value, 1000)

	k, rx, tx, err := decodeBandwidth(key, value)
	require.NoError(t, err)
	assert.Equal(t, want, k)
	assert.Equal(t, uint64(200), rx)
	assert.Equal(t, uint64(1000), tx)
}

func TestDecodeBandwidthUnconnectedDatagram(t *testing.T) {
	want, ok := flow.KeyFromAddrs(flow.UDP,
		netip.MustParseAddrPort("10.0.0.1:40000"),
		netip.MustParseAddrPort("0.0.0.0:0"))
	require.True(t, ok)

	value := binary.NativeEndian.AppendUint64(nil, 0)
	value = binary.NativeEndian.AppendUint64(value, 4096)

	k, _, tx, err := decodeBandwidth(append(want.AppendBinary(nil), 0, 0), value)
	require.NoError(t, err)
	assert.Equal(t, want, k)
	assert.Equal(t, uint16(0), k.DstPort)
	assert.Equal(t, uint64(4096), tx)
}

func TestDecodeBandwidthRejects(t *testing.T) {
	good, _ := flow.KeyFromAddrs(flow.TCP,
		netip.MustParseAddrPort("10.0.0.1:1000"),
		netip.MustParseAddrPort("10.0.0.2:80"))
	value := make([]byte, bandwidthValueSize)

	_, _, _, err := decodeBandwidth(good.AppendBinary(nil)[:20], value)
	assert.Error(t, err, "short key")

	_, _, _, err = decodeBandwidth(good.AppendBinary(nil), value[:8])
	assert.Error(t, err, "short value")

	bad := good
	bad.Protocol = 1
	_, _, _, err = decodeBandwidth(bad.AppendBinary(nil), value)
	assert.Error(t, err, "icmp")

	bad = good
	bad.IPVersion = 0
	_, _, _, err = decodeBandwidth(bad.AppendBinary(nil), value)
	assert.Error(t, err, "unset ip version")
}

func TestAttachPointTarget(t *testing.T) {
	ap := attachPoints[0]

	modern := func(string) bool { return true }
	legacy := func(symbol string) bool { return symbol != ap.current }

	assert.Equal(t, "udp_connect", ap.target(modern))
	assert.Equal(t, "ip4_datagram_connect", ap.target(legacy))
}

func TestAttachPointsCoverTracedPrograms(t *testing.T) {
	traced := map[string]bool{}
	for _, p := range tracingPrograms {
		traced[p] = true
	}
	for _, ap := range attachPoints {
		assert.True(t, traced[ap.program], ap.program)
	}
}

func TestOpenMissingObjectDoesNotRetry(t *testing.T) {
	_, err := Open(context.Background(), Options{ObjectPath: filepath.Join(t.TempDir(), "missing.o")}, nil, nil, nil)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "giving up")
}

func stubMonitor(t *testing.T, err error) *int {
	t.Helper()
	calls := new(int)
	orig := newMonitor
	newMonitor = func(Options, RecordSink, Observer, *slog.Logger) (*Monitor, error) {
		*calls++
		return nil, err
	}
	t.Cleanup(func() { newMonitor = orig })
	return calls
}

func TestOpenRejectedProgramDoesNotRetry(t *testing.T) {
	calls := stubMonitor(t, fmt.Errorf("failed to load eBPF objects: %w", ErrRejected))

	_, err := Open(context.Background(), Options{ObjectPath: "sockflow.o"}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, *calls)
}

func TestOpenStopsRetryingOnCancel(t *testing.T) {
	calls := stubMonitor(t, errors.New("map create: device busy"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Open(ctx, Options{ObjectPath: "sockflow.o"}, nil, nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, *calls)
}
