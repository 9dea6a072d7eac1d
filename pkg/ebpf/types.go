package ebpf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

var (
	ErrUnsupported = errors.New("ebpf monitoring requires linux")
	// ErrRejected means the verifier refused a program, which retrying on the
	// same kernel cannot change.
	ErrRejected = errors.New("program rejected by the verifier")
)

// Object layout shared with bpf/sockflow.c.
const (
	eventsMap    = "sockflow_events"
	bandwidthMap = "sockflow_bandwidth"
	sockOpsProg  = "socket_operations"

	// rx, tx
	bandwidthValueSize = 16

	maxLoadFailures = 5
)

// tracingPrograms are attached with fentry/fexit. udp_v4_connect and
// udp_v6_connect are retargeted on kernels that predate the udp_connect and
// udpv6_connect symbols (6.13).
var tracingPrograms = []string{
	"tcp_connect",
	"tcp_accept",
	"udp_v4_connect",
	"udp_v6_connect",
	"udp_sendmsg",
	"udp_recvmsg",
	"udpv6_sendmsg",
	"udpv6_recvmsg",
}

type attachPoint struct {
	program string
	current string
	legacy  string
}

var attachPoints = []attachPoint{
	{program: "udp_v4_connect", current: "udp_connect", legacy: "ip4_datagram_connect"},
	{program: "udp_v6_connect", current: "udpv6_connect", legacy: "ip6_datagram_connect"},
}

// RecordSink takes connection events in their wire encoding.
type RecordSink interface {
	SubmitRecord(raw []byte) bool
}

// Observer takes cumulative byte counters.
type Observer interface {
	Observe(key flow.Key, rx, tx uint64)
}

type Options struct {
	ObjectPath   string
	CgroupPath   string
	PollInterval time.Duration
}

type Stats struct {
	Records      uint64 `json:"records"`
	Rejected     uint64 `json:"rejected"`
	ReadErrors   uint64 `json:"read_errors"`
	MirroredKeys int    `json:"mirrored_keys"`
}

// decodeBandwidth parses one bandwidth map entry. Keys are big-endian,
// counters native-endian as written by the kernel.
func decodeBandwidth(key, value []byte) (flow.Key, uint64, uint64, error) {
	if len(key) < flow.KeySize {
		return flow.Key{}, 0, 0, fmt.Errorf("bandwidth key: short buffer (%d bytes)", len(key))
	}
	if len(value) < bandwidthValueSize {
		return flow.Key{}, 0, 0, fmt.Errorf("bandwidth value: short buffer (%d bytes)", len(value))
	}
	k, err := flow.DecodeKey(key)
	if err != nil {
		return flow.Key{}, 0, 0, err
	}
	if !k.Protocol.Valid() || (k.IPVersion != flow.IPv4 && k.IPVersion != flow.IPv6) {
		return flow.Key{}, 0, 0, fmt.Errorf("bandwidth key: unsupported flow %s", k)
	}
	return k, binary.NativeEndian.Uint64(value), binary.NativeEndian.Uint64(value[8:]), nil
}

// target picks the attach point the running kernel provides.
func (ap attachPoint) target(kernelHas func(symbol string) bool) string {
	if kernelHas(ap.current) {
		return ap.current
	}
	return ap.legacy
}
