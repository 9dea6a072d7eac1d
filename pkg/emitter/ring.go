package emitter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	cacheLine  = 64
	headerSize = 8

	// Record header layout: low 32 bits payload length, then flag bits.
	// A zero header means "reserved but not yet committed".
	flagCommitted = uint64(1) << 32
	flagDiscarded = uint64(1) << 33
	lengthMask    = uint64(1)<<32 - 1
)

var ErrInvalidSize = errors.New("ring size must be a power of two and at least 64 bytes")

// Ring is a byte-bounded circular buffer with lock-free multi-producer
// reservation and a single sequential consumer. Storage is a fixed slice of
// 8-byte words allocated at construction; every word is accessed atomically,
// so records can be published without locks and read back without tearing.
type Ring struct {
	words []atomic.Uint64
	mask  uint64 // in words
	size  uint64 // in bytes

	_        [cacheLine - unsafe.Sizeof(uint64(0))]byte
	producer atomic.Uint64 // byte position of the next reservation

	_        [cacheLine - unsafe.Sizeof(uint64(0))]byte
	consumer atomic.Uint64 // byte position of the next record to read

	_         [cacheLine - unsafe.Sizeof(uint64(0))]byte
	committed atomic.Uint64
	discarded atomic.Uint64
	dropped   atomic.Uint64
	consumed  atomic.Uint64

	notify chan struct{}

	// consumer side only
	drainMu sync.Mutex
	scratch []byte
}

func NewRing(size int) (*Ring, error) {
	if size < cacheLine || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return &Ring{
		words:  make([]atomic.Uint64, size/8),
		mask:   uint64(size/8) - 1,
		size:   uint64(size),
		notify: make(chan struct{}, 1),
	}, nil
}

// Reservation is a slot handed out by Reserve. It must be finished with
// exactly one call to Commit or Discard.
type Reservation struct {
	ring *Ring
	pos  uint64
	n    int
}

func recordSize(n int) uint64 {
	return headerSize + (uint64(n)+7)&^7
}

// Reserve claims space for an n-byte record. It never waits: if the buffer
// does not have room the reservation fails and the record is counted as
// dropped.
func (r *Ring) Reserve(n int) (Reservation, bool) {
	total := recordSize(n)
	if n <= 0 || total > r.size {
		r.dropped.Add(1)
		return Reservation{}, false
	}

	for {
		prod := r.producer.Load()
		cons := r.consumer.Load()
		if prod+total-cons > r.size {
			r.dropped.Add(1)
			return Reservation{}, false
		}
		if r.producer.CompareAndSwap(prod, prod+total) {
			return Reservation{ring: r, pos: prod, n: n}, true
		}
	}
}

// Len is the payload capacity of the reservation.
func (res Reservation) Len() int { return res.n }

// Commit copies p (truncated to the reserved length) into the slot and
// publishes it to the consumer.
func (res Reservation) Commit(p []byte) {
	r := res.ring
	if r == nil {
		return
	}
	if len(p) > res.n {
		p = p[:res.n]
	}

	w := (res.pos + headerSize) / 8
	var chunk [8]byte
	for off := 0; off < res.n; off += 8 {
		chunk = [8]byte{}
		if off < len(p) {
			copy(chunk[:], p[off:])
		}
		r.words[w&r.mask].Store(binary.LittleEndian.Uint64(chunk[:]))
		w++
	}

	r.words[(res.pos/8)&r.mask].Store(flagCommitted | uint64(res.n))
	r.committed.Add(1)
	r.wake()
}

// Discard releases the slot without delivering it.
func (res Reservation) Discard() {
	r := res.ring
	if r == nil {
		return
	}
	r.words[(res.pos/8)&r.mask].Store(flagDiscarded | uint64(res.n))
	r.discarded.Add(1)
	r.wake()
}

// Submit reserves, fills and commits a record in one step.
func (r *Ring) Submit(p []byte) bool {
	res, ok := r.Reserve(len(p))
	if !ok {
		return false
	}
	res.Commit(p)
	return true
}

func (r *Ring) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Drain hands up to limit committed records to fn in buffer order and
// returns how many were delivered. It stops early at a record that is
// reserved but not yet committed. The slice passed to fn is only valid for
// the call. limit <= 0 means no limit.
func (r *Ring) Drain(limit int, fn func(record []byte)) int {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	delivered := 0
	cons := r.consumer.Load()
	for limit <= 0 || delivered < limit {
		if cons == r.producer.Load() {
			break
		}

		hw := (cons / 8) & r.mask
		hdr := r.words[hw].Load()
		if hdr&(flagCommitted|flagDiscarded) == 0 {
			break
		}

		n := int(hdr & lengthMask)
		total := recordSize(n)

		if hdr&flagDiscarded == 0 {
			if cap(r.scratch) < n+8 {
				r.scratch = make([]byte, n+8)
			}
			buf := r.scratch[:(n+7)&^7]
			w := hw + 1
			for off := 0; off < len(buf); off += 8 {
				binary.LittleEndian.PutUint64(buf[off:], r.words[w&r.mask].Load())
				w++
			}
			fn(buf[:n])
			delivered++
			r.consumed.Add(1)
		}

		// Zero the whole record so a later reservation never sees a stale
		// header at any of these offsets.
		for i := uint64(0); i < total/8; i++ {
			r.words[(hw+i)&r.mask].Store(0)
		}
		cons += total
		r.consumer.Store(cons)
	}
	return delivered
}

// Wait blocks until a producer has finished a record since the last wakeup,
// or ctx is done.
func (r *Ring) Wait(ctx context.Context) error {
	select {
	case <-r.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type RingStats struct {
	Size      uint64 `json:"size_bytes"`
	Used      uint64 `json:"used_bytes"`
	Committed uint64 `json:"committed"`
	Discarded uint64 `json:"discarded"`
	Dropped   uint64 `json:"dropped"`
	Consumed  uint64 `json:"consumed"`
}

func (r *Ring) Stats() RingStats {
	cons := r.consumer.Load()
	prod := r.producer.Load()
	var used uint64
	if prod > cons {
		used = prod - cons
	}
	return RingStats{
		Size:      r.size,
		Used:      used,
		Committed: r.committed.Load(),
		Discarded: r.discarded.Load(),
		Dropped:   r.dropped.Load(),
		Consumed:  r.consumed.Load(),
	}
}
