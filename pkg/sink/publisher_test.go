package sink

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rxtx-hosting/sockflow/pkg/consumer"
	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

type message struct {
	subject string
	data    []byte
}

type recorder struct {
	msgs []message
	err  error
}

func (r *recorder) Publish(subject string, data []byte) error {
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, message{subject, append([]byte(nil), data...)})
	return nil
}

func testKey(t *testing.T) flow.Key {
	t.Helper()
	k, ok := flow.KeyFromAddrs(flow.TCP,
		netip.MustParseAddrPort("10.0.0.5:51000"),
		netip.MustParseAddrPort("93.184.216.34:443"))
	require.True(t, ok)
	return k
}

func TestPublishConnection(t *testing.T) {
	rec := &recorder{}
	p := newPublisher(rec, "sockflow")

	ev := flow.Event{Key: testKey(t), PID: 4321, Direction: flow.Inbound}
	require.NoError(t, p.PublishConnection(consumer.Connection{Event: ev, Owner: "web"}))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "sockflow.connections", rec.msgs[0].subject)
	require.Len(t, rec.msgs[0].data, flow.EventSize)

	got, err := flow.DecodeEvent(rec.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, ev, got)
	assert.Equal(t, uint64(1), p.Stats().Published)
}

func TestPublishUpdate(t *testing.T) {
	rec := &recorder{}
	p := newPublisher(rec, "edge.host1")

	u := consumer.BandwidthUpdate{Key: testKey(t), Rx: 200, Tx: 1000, Method: consumer.MethodAbsolute}
	require.NoError(t, p.PublishUpdate(u))

	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "edge.host1.bandwidth", rec.msgs[0].subject)
	assert.Len(t, rec.msgs[0].data, BandwidthRecordSize)

	got, err := DecodeUpdate(rec.msgs[0].data)
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = DecodeUpdate(rec.msgs[0].data[:10])
	assert.Error(t, err)
}

func TestPublishFailure(t *testing.T) {
	boom := errors.New("boom")
	p := newPublisher(&recorder{err: boom}, "sockflow")

	err := p.PublishUpdate(consumer.BandwidthUpdate{Key: testKey(t)})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, uint64(1), p.Stats().Failed)
	assert.NoError(t, p.Close())
}

func TestNilPublisherStats(t *testing.T) {
	var p *Publisher
	assert.Equal(t, Stats{}, p.Stats())
}
