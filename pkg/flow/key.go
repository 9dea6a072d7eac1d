package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

type Protocol uint8

const (
	TCP     Protocol = 6
	UDP     Protocol = 17
	UDPLite Protocol = 136
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case UDPLite:
		return "udplite"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

func (p Protocol) Valid() bool {
	return p == TCP || p == UDP || p == UDPLite
}

type IPVersion uint8

const (
	IPv4 IPVersion = 4
	IPv6 IPVersion = 6
)

// Direction is the initiating side for connection events and the byte
// counter for accounting: Outbound bytes are tx, Inbound bytes are rx.
type Direction uint8

const (
	Outbound Direction = 0
	Inbound  Direction = 1
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Family is a Linux socket address family number as reported by the host stack.
type Family uint16

const (
	AFInet  Family = 2
	AFInet6 Family = 10
)

// Key identifies a flow from the socket's point of view: Src is the local
// endpoint, Dst the remote one. Address lanes hold the network-order value
// of each 4-byte group; IPv4 uses lane 0 only.
type Key struct {
	SrcAddr   [4]uint32
	DstAddr   [4]uint32
	SrcPort   uint16
	DstPort   uint16
	Protocol  Protocol
	IPVersion IPVersion
}

// KeySize is the length of a key in its binary form.
const KeySize = 38

// Normalize builds a Key from raw socket data. local and remote must hold 4
// bytes for AFInet and 16 bytes for AFInet6. It reports false for any
// unsupported family, protocol or truncated address.
func Normalize(family Family, proto uint8, local, remote []byte, lport, rport uint16) (Key, bool) {
	p := Protocol(proto)
	if !p.Valid() {
		return Key{}, false
	}

	k := Key{SrcPort: lport, DstPort: rport, Protocol: p}
	switch family {
	case AFInet:
		if len(local) < 4 || len(remote) < 4 {
			return Key{}, false
		}
		k.IPVersion = IPv4
		k.SrcAddr[0] = binary.BigEndian.Uint32(local)
		k.DstAddr[0] = binary.BigEndian.Uint32(remote)
	case AFInet6:
		if len(local) < 16 || len(remote) < 16 {
			return Key{}, false
		}
		k.IPVersion = IPv6
		for i := range 4 {
			k.SrcAddr[i] = binary.BigEndian.Uint32(local[i*4:])
			k.DstAddr[i] = binary.BigEndian.Uint32(remote[i*4:])
		}
	default:
		return Key{}, false
	}
	return k, true
}

// KeyFromAddrs builds a Key from two address/port pairs. IPv4-mapped IPv6
// addresses are unmapped so the same flow yields the same key regardless of
// how the caller's socket API reported it.
func KeyFromAddrs(proto Protocol, local, remote netip.AddrPort) (Key, bool) {
	la, ra := local.Addr().Unmap(), remote.Addr().Unmap()
	if !la.IsValid() || !ra.IsValid() || la.Is4() != ra.Is4() {
		return Key{}, false
	}
	if la.Is4() {
		l, r := la.As4(), ra.As4()
		return Normalize(AFInet, uint8(proto), l[:], r[:], local.Port(), remote.Port())
	}
	l, r := la.As16(), ra.As16()
	return Normalize(AFInet6, uint8(proto), l[:], r[:], local.Port(), remote.Port())
}

func (k Key) Src() netip.Addr { return laneAddr(k.SrcAddr, k.IPVersion) }

func (k Key) Dst() netip.Addr { return laneAddr(k.DstAddr, k.IPVersion) }

func (k Key) String() string {
	return fmt.Sprintf("%s %s -> %s",
		k.Protocol,
		netip.AddrPortFrom(k.Src(), k.SrcPort),
		netip.AddrPortFrom(k.Dst(), k.DstPort))
}

// AppendBinary appends the KeySize-byte big-endian form of k to b.
func (k Key) AppendBinary(b []byte) []byte {
	for _, lane := range k.SrcAddr {
		b = binary.BigEndian.AppendUint32(b, lane)
	}
	for _, lane := range k.DstAddr {
		b = binary.BigEndian.AppendUint32(b, lane)
	}
	b = binary.BigEndian.AppendUint16(b, k.SrcPort)
	b = binary.BigEndian.AppendUint16(b, k.DstPort)
	return append(b, byte(k.Protocol), byte(k.IPVersion))
}

// DecodeKey is the inverse of AppendBinary.
func DecodeKey(b []byte) (Key, error) {
	if len(b) < KeySize {
		return Key{}, fmt.Errorf("flow key: short buffer (%d bytes)", len(b))
	}
	var k Key
	for i := range 4 {
		k.SrcAddr[i] = binary.BigEndian.Uint32(b[i*4:])
		k.DstAddr[i] = binary.BigEndian.Uint32(b[16+i*4:])
	}
	k.SrcPort = binary.BigEndian.Uint16(b[32:])
	k.DstPort = binary.BigEndian.Uint16(b[34:])
	k.Protocol = Protocol(b[36])
	k.IPVersion = IPVersion(b[37])
	return k, nil
}

func laneAddr(lanes [4]uint32, v IPVersion) netip.Addr {
	if v == IPv4 {
		var a [4]byte
		binary.BigEndian.PutUint32(a[:], lanes[0])
		return netip.AddrFrom4(a)
	}
	var a [16]byte
	for i, lane := range lanes {
		binary.BigEndian.PutUint32(a[i*4:], lane)
	}
	return netip.AddrFrom16(a)
}
