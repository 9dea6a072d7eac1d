package flowtable

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

const (
	DefaultCapacity = 5000
	DefaultShards   = 64
)

var ErrInvalidCapacity = errors.New("invalid flow table capacity")

// Entry is a point-in-time copy of one flow's counters.
type Entry struct {
	Key flow.Key `json:"-"`
	Rx  uint64   `json:"rx_bytes"`
	Tx  uint64   `json:"tx_bytes"`
}

// Counters is the state behind a key. Each field is mutated independently;
// a reader may see one counter ahead of the other.
type Counters struct {
	Rx       uint64
	Tx       uint64
	Reported bool
}

type slot struct {
	rx         atomic.Uint64
	tx         atomic.Uint64
	reported   atomic.Bool
	referenced atomic.Bool

	// guarded by Table.insertMu
	key flow.Key
}

func (s *slot) touch() {
	if !s.referenced.Load() {
		s.referenced.Store(true)
	}
}

type shard struct {
	mu    sync.RWMutex
	index map[flow.Key]uint32
}

// Table is a fixed-capacity map from flow key to byte counters.
//
// Updates to a present key take only a shard read lock and atomic adds, so
// writers of unrelated flows never serialize. Inserting a new key takes the
// table's insert lock; when every slot is in use a CLOCK sweep picks a victim
// that has not been touched since the hand last passed it.
type Table struct {
	slots     []slot
	shards    []shard
	shardMask uint64

	insertMu sync.Mutex
	used     int
	hand     int

	entries   atomic.Int64
	inserts   atomic.Uint64
	evictions atomic.Uint64
}

// New allocates every slot up front. shards is rounded up to a power of two.
func New(capacity, shards int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if shards <= 0 {
		shards = DefaultShards
	}
	n := 1
	for n < shards {
		n <<= 1
	}

	t := &Table{
		slots:     make([]slot, capacity),
		shards:    make([]shard, n),
		shardMask: uint64(n - 1),
	}
	hint := capacity/n + 1
	for i := range t.shards {
		t.shards[i].index = make(map[flow.Key]uint32, hint)
	}
	return t, nil
}

func (t *Table) shardFor(key flow.Key) *shard {
	var b [flow.KeySize]byte
	return &t.shards[xxhash.Sum64(key.AppendBinary(b[:0]))&t.shardMask]
}

// Accumulate adds delta to the rx (Inbound) or tx (Outbound) counter of key,
// creating the entry if needed, and marks it reported.
func (t *Table) Accumulate(key flow.Key, dir flow.Direction, delta uint64) {
	sh := t.shardFor(key)
	sh.mu.RLock()
	if i, ok := sh.index[key]; ok {
		t.slots[i].add(dir, delta)
		t.slots[i].touch()
		sh.mu.RUnlock()
		return
	}
	sh.mu.RUnlock()

	t.insertMu.Lock()
	i := t.slotFor(key, sh)
	t.slots[i].add(dir, delta)
	t.insertMu.Unlock()
}

func (s *slot) add(dir flow.Direction, delta uint64) {
	if dir == flow.Inbound {
		s.rx.Add(delta)
	} else {
		s.tx.Add(delta)
	}
	s.reported.Store(true)
}

// Observe raises the counters of key to the given absolute values, for
// sources that report cumulative byte counts. Counters never move backwards;
// the entry is marked reported only if a counter actually grew.
func (t *Table) Observe(key flow.Key, rx, tx uint64) {
	sh := t.shardFor(key)
	sh.mu.RLock()
	if i, ok := sh.index[key]; ok {
		t.slots[i].raise(rx, tx)
		t.slots[i].touch()
		sh.mu.RUnlock()
		return
	}
	sh.mu.RUnlock()

	t.insertMu.Lock()
	i := t.slotFor(key, sh)
	t.slots[i].raise(rx, tx)
	t.insertMu.Unlock()
}

func (s *slot) raise(rx, tx uint64) {
	grew := raiseTo(&s.rx, rx)
	if raiseTo(&s.tx, tx) {
		grew = true
	}
	if grew {
		s.reported.Store(true)
	}
}

func raiseTo(c *atomic.Uint64, v uint64) bool {
	for {
		cur := c.Load()
		if v <= cur {
			return false
		}
		if c.CompareAndSwap(cur, v) {
			return true
		}
	}
}

// Put inserts key with zero counters. It reports false if key was present.
func (t *Table) Put(key flow.Key) bool {
	sh := t.shardFor(key)
	sh.mu.RLock()
	_, ok := sh.index[key]
	sh.mu.RUnlock()
	if ok {
		return false
	}

	t.insertMu.Lock()
	defer t.insertMu.Unlock()
	before := t.inserts.Load()
	t.slotFor(key, sh)
	return t.inserts.Load() != before
}

// slotFor returns the slot index of key, inserting it if absent. The caller
// holds insertMu, which also keeps the slot from being evicted until the
// caller releases it.
func (t *Table) slotFor(key flow.Key, sh *shard) uint32 {
	sh.mu.RLock()
	i, ok := sh.index[key]
	sh.mu.RUnlock()
	if ok {
		return i
	}

	i = t.allocate()
	s := &t.slots[i]
	s.rx.Store(0)
	s.tx.Store(0)
	s.reported.Store(false)
	// Only a later access earns a second chance; the hand has just passed
	// this slot, so it survives at least one full sweep anyway.
	s.referenced.Store(false)
	s.key = key

	sh.mu.Lock()
	sh.index[key] = i
	sh.mu.Unlock()

	t.entries.Add(1)
	t.inserts.Add(1)
	return i
}

// allocate hands out a free slot or evicts one. Called with insertMu held.
func (t *Table) allocate() uint32 {
	if t.used < len(t.slots) {
		i := t.used
		t.used++
		return uint32(i)
	}

	// Each pass clears reference bits, so the sweep ends within two rounds.
	for {
		i := t.hand
		t.hand++
		if t.hand == len(t.slots) {
			t.hand = 0
		}
		if t.slots[i].referenced.Swap(false) {
			continue
		}
		t.evict(uint32(i))
		return uint32(i)
	}
}

func (t *Table) evict(i uint32) {
	key := t.slots[i].key
	sh := t.shardFor(key)
	// The write lock waits out any Accumulate still holding a read lock on
	// this entry, so no delta lands in the slot after it changes owner.
	sh.mu.Lock()
	delete(sh.index, key)
	sh.mu.Unlock()

	t.entries.Add(-1)
	t.evictions.Add(1)
}

func (t *Table) Lookup(key flow.Key) (Counters, bool) {
	sh := t.shardFor(key)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	i, ok := sh.index[key]
	if !ok {
		return Counters{}, false
	}
	s := &t.slots[i]
	return Counters{
		Rx:       s.rx.Load(),
		Tx:       s.tx.Load(),
		Reported: s.reported.Load(),
	}, true
}

// ScanReported test-and-clears the reported flag of every entry and calls fn
// for those that had it set. Returning false from fn stops the scan and
// leaves that entry and every unvisited one flagged. A flow updated while
// the scan runs may show up on the next scan instead of this one.
func (t *Table) ScanReported(ctx context.Context, fn func(Entry) bool) error {
	for i := range t.shards {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !t.scanShard(&t.shards[i], true, fn) {
			return nil
		}
	}
	return nil
}

// ReadAndClearReported returns every entry changed since the previous call.
func (t *Table) ReadAndClearReported() []Entry {
	var out []Entry
	_ = t.ScanReported(context.Background(), func(e Entry) bool {
		out = append(out, e)
		return true
	})
	return out
}

// EnumerateChanged is ReadAndClearReported under its query-interface name.
func (t *Table) EnumerateChanged() []Entry {
	return t.ReadAndClearReported()
}

// EnumerateAll returns every live entry without touching reported flags.
func (t *Table) EnumerateAll() []Entry {
	out := make([]Entry, 0, t.Len())
	for i := range t.shards {
		t.scanShard(&t.shards[i], false, func(e Entry) bool {
			out = append(out, e)
			return true
		})
	}
	return out
}

func (t *Table) scanShard(sh *shard, clearFlags bool, fn func(Entry) bool) bool {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	for key, i := range sh.index {
		s := &t.slots[i]
		if clearFlags && !s.reported.Swap(false) {
			continue
		}
		if !fn(Entry{Key: key, Rx: s.rx.Load(), Tx: s.tx.Load()}) {
			if clearFlags {
				// not consumed
				s.reported.Store(true)
			}
			return false
		}
	}
	return true
}

// ResetReported clears every reported flag, typically when a consumer
// starts and takes a full snapshot instead.
func (t *Table) ResetReported() {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, idx := range sh.index {
			t.slots[idx].reported.Store(false)
		}
		sh.mu.RUnlock()
	}
}

func (t *Table) Capacity() int { return len(t.slots) }

func (t *Table) Len() int { return int(t.entries.Load()) }

type Stats struct {
	Capacity  int    `json:"capacity"`
	Entries   int    `json:"entries"`
	Inserts   uint64 `json:"inserts"`
	Evictions uint64 `json:"evictions"`
}

func (t *Table) Stats() Stats {
	return Stats{
		Capacity:  t.Capacity(),
		Entries:   t.Len(),
		Inserts:   t.inserts.Load(),
		Evictions: t.evictions.Load(),
	}
}
