// Package sink exports connections and bandwidth updates over NATS.
package sink

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/rxtx-hosting/sockflow/pkg/consumer"
	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

// BandwidthRecordSize is the flow key followed by rx, tx and the method byte.
const BandwidthRecordSize = flow.KeySize + 16 + 1

type conn interface {
	Publish(subject string, data []byte) error
}

// Publisher sends connection events to "<prefix>.connections" in their wire
// encoding and bandwidth updates to "<prefix>.bandwidth".
type Publisher struct {
	nc  *nats.Conn
	pub conn

	connSubject string
	bwSubject   string

	published atomic.Uint64
	failed    atomic.Uint64
}

func NewPublisher(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("sockflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())
	p := newPublisher(nc, prefix)
	p.nc = nc
	return p, nil
}

func newPublisher(pub conn, prefix string) *Publisher {
	return &Publisher{
		pub:         pub,
		connSubject: prefix + ".connections",
		bwSubject:   prefix + ".bandwidth",
	}
}

func (p *Publisher) PublishConnection(c consumer.Connection) error {
	var b [flow.EventSize]byte
	flow.EncodeEvent(b[:], c.Event)
	return p.publish(p.connSubject, b[:])
}

func (p *Publisher) PublishUpdate(u consumer.BandwidthUpdate) error {
	return p.publish(p.bwSubject, EncodeUpdate(nil, u))
}

func (p *Publisher) publish(subject string, data []byte) error {
	if err := p.pub.Publish(subject, data); err != nil {
		p.failed.Add(1)
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.published.Add(1)
	return nil
}

// EncodeUpdate appends the big-endian record form of u to b.
func EncodeUpdate(b []byte, u consumer.BandwidthUpdate) []byte {
	b = u.Key.AppendBinary(b)
	b = binary.BigEndian.AppendUint64(b, u.Rx)
	b = binary.BigEndian.AppendUint64(b, u.Tx)
	return append(b, byte(u.Method))
}

func DecodeUpdate(b []byte) (consumer.BandwidthUpdate, error) {
	if len(b) < BandwidthRecordSize {
		return consumer.BandwidthUpdate{}, fmt.Errorf("bandwidth record: short buffer (%d bytes)", len(b))
	}
	k, err := flow.DecodeKey(b)
	if err != nil {
		return consumer.BandwidthUpdate{}, err
	}
	return consumer.BandwidthUpdate{
		Key:    k,
		Rx:     binary.BigEndian.Uint64(b[flow.KeySize:]),
		Tx:     binary.BigEndian.Uint64(b[flow.KeySize+8:]),
		Method: consumer.Method(b[flow.KeySize+16]),
	}, nil
}

type Stats struct {
	Published uint64 `json:"published"`
	Failed    uint64 `json:"failed"`
}

// Stats is safe to call on a nil Publisher, which reports nothing sent.
func (p *Publisher) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{Published: p.published.Load(), Failed: p.failed.Load()}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
