package flow

import (
	"encoding/binary"
	"fmt"
)

// EventSize is the size of a connection event on the wire. The trailing
// byte is padding so the record matches the kernel struct layout.
const EventSize = 44

// Event is a one-shot "new connection" notification.
type Event struct {
	Key       Key
	PID       uint32
	Direction Direction
}

// EncodeEvent writes ev into b in wire order and returns the number of bytes
// written. b must be at least EventSize long.
//
//	saddr[4]u32 daddr[4]u32 sport u16 dport u16 pid u32 ipVersion u8 protocol u8 direction u8 pad u8
func EncodeEvent(b []byte, ev Event) int {
	_ = b[EventSize-1]
	for i := range 4 {
		binary.BigEndian.PutUint32(b[i*4:], ev.Key.SrcAddr[i])
		binary.BigEndian.PutUint32(b[16+i*4:], ev.Key.DstAddr[i])
	}
	binary.BigEndian.PutUint16(b[32:], ev.Key.SrcPort)
	binary.BigEndian.PutUint16(b[34:], ev.Key.DstPort)
	binary.BigEndian.PutUint32(b[36:], ev.PID)
	b[40] = byte(ev.Key.IPVersion)
	b[41] = byte(ev.Key.Protocol)
	b[42] = byte(ev.Direction)
	b[43] = 0
	return EventSize
}

func DecodeEvent(b []byte) (Event, error) {
	if len(b) < EventSize-1 {
		return Event{}, fmt.Errorf("connection event: short record (%d bytes)", len(b))
	}
	var ev Event
	for i := range 4 {
		ev.Key.SrcAddr[i] = binary.BigEndian.Uint32(b[i*4:])
		ev.Key.DstAddr[i] = binary.BigEndian.Uint32(b[16+i*4:])
	}
	ev.Key.SrcPort = binary.BigEndian.Uint16(b[32:])
	ev.Key.DstPort = binary.BigEndian.Uint16(b[34:])
	ev.PID = binary.BigEndian.Uint32(b[36:])
	ev.Key.IPVersion = IPVersion(b[40])
	ev.Key.Protocol = Protocol(b[41])
	ev.Direction = Direction(b[42])
	return ev, nil
}

// Valid reports whether the record carries everything a consumer needs to
// attribute the connection.
func (ev Event) Valid() bool {
	if ev.Key.SrcPort == 0 || ev.Key.DstPort == 0 || ev.PID == 0 {
		return false
	}
	if !ev.Key.Protocol.Valid() || ev.Direction > Inbound {
		return false
	}
	switch ev.Key.IPVersion {
	case IPv4:
		return ev.Key.SrcAddr[0] != 0 && ev.Key.DstAddr[0] != 0
	case IPv6:
		return true
	default:
		return false
	}
}
