//go:build !linux

package sockdiag

import "context"

type NetlinkLister struct{}

func NewNetlinkLister() (*NetlinkLister, error) {
	return nil, ErrUnsupported
}

func (NetlinkLister) List(context.Context) ([]Socket, error) {
	return nil, ErrUnsupported
}
