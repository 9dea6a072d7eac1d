//go:build linux

package sockdiag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

// NetlinkLister dumps TCP (with tcp_info) and UDP sockets of both families.
type NetlinkLister struct{}

func NewNetlinkLister() (*NetlinkLister, error) {
	return &NetlinkLister{}, nil
}

func (NetlinkLister) List(ctx context.Context) ([]Socket, error) {
	var (
		out         []Socket
		interrupted bool
	)
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		tcp, err := netlink.SocketDiagTCPInfo(family)
		if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
			return out, fmt.Errorf("tcp socket dump (family %d): %w", family, err)
		}
		interrupted = interrupted || err != nil
		for _, resp := range tcp {
			if resp == nil || resp.InetDiagMsg == nil {
				continue
			}
			s, ok := fromDiag(flow.TCP, resp.InetDiagMsg)
			if !ok {
				continue
			}
			if resp.TCPInfo != nil {
				s.RxBytes = resp.TCPInfo.Bytes_received
				s.TxBytes = resp.TCPInfo.Bytes_acked
				s.HasCounters = true
			}
			out = append(out, s)
		}

		udp, err := netlink.SocketDiagUDP(family)
		if err != nil && !errors.Is(err, netlink.ErrDumpInterrupted) {
			return out, fmt.Errorf("udp socket dump (family %d): %w", family, err)
		}
		interrupted = interrupted || err != nil
		for _, msg := range udp {
			if s, ok := fromDiag(flow.UDP, msg); ok {
				out = append(out, s)
			}
		}
	}
	if interrupted {
		return out, ErrInterrupted
	}
	return out, nil
}

func fromDiag(proto flow.Protocol, msg *netlink.Socket) (Socket, bool) {
	if msg == nil {
		return Socket{}, false
	}
	local, ok := addr(msg.ID.Source)
	if !ok {
		return Socket{}, false
	}
	remote, ok := addr(msg.ID.Destination)
	if !ok {
		return Socket{}, false
	}
	return Socket{
		Protocol: proto,
		Local:    netip.AddrPortFrom(local, msg.ID.SourcePort),
		Remote:   netip.AddrPortFrom(remote, msg.ID.DestinationPort),
		State:    msg.State,
		Inode:    msg.INode,
	}, true
}

func addr(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}
