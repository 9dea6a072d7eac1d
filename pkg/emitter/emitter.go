package emitter

import (
	"context"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

// DefaultSize matches the kernel-side connection ring (16 MiB).
const DefaultSize = 1 << 24

// Emitter carries connection events from hook call sites to one consumer.
// Submit is safe from any number of goroutines; Drain and Wait belong to the
// consumer.
type Emitter struct {
	ring *Ring
}

func New(size int) (*Emitter, error) {
	if size == 0 {
		size = DefaultSize
	}
	ring, err := NewRing(size)
	if err != nil {
		return nil, err
	}
	return &Emitter{ring: ring}, nil
}

// Submit reports false when the buffer is full; the event is gone.
func (e *Emitter) Submit(ev flow.Event) bool {
	res, ok := e.ring.Reserve(flow.EventSize)
	if !ok {
		return false
	}
	var b [flow.EventSize]byte
	flow.EncodeEvent(b[:], ev)
	res.Commit(b[:])
	return true
}

// SubmitRecord forwards an already encoded wire record, as read from the
// kernel ring buffer.
func (e *Emitter) SubmitRecord(raw []byte) bool {
	if len(raw) < flow.EventSize-1 || len(raw) > flow.EventSize {
		e.ring.dropped.Add(1)
		return false
	}
	return e.ring.Submit(raw)
}

// Drain decodes up to limit events in per-producer submission order.
func (e *Emitter) Drain(limit int, fn func(flow.Event)) int {
	return e.ring.Drain(limit, func(record []byte) {
		ev, err := flow.DecodeEvent(record)
		if err != nil {
			return
		}
		fn(ev)
	})
}

func (e *Emitter) Wait(ctx context.Context) error {
	return e.ring.Wait(ctx)
}

func (e *Emitter) Stats() RingStats {
	return e.ring.Stats()
}
