// Package usage rolls per-flow counters up into per-owner totals.
package usage

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rxtx-hosting/sockflow/pkg/consumer"
	"github.com/rxtx-hosting/sockflow/pkg/flow"
)

type flowState struct {
	owner    string
	pid      uint32
	rx, tx   uint64
	lastSeen time.Time
}

type ownerState struct {
	connections uint64
	// bytes of flows that went idle and were forgotten
	retiredRx, retiredTx uint64
}

// Aggregator keeps the last counters of every flow seen within the activity
// window and the owner each flow was attributed to.
type Aggregator struct {
	activityThreshold time.Duration
	now               func() time.Time

	mu     sync.Mutex
	flows  map[flow.Key]*flowState
	owners map[string]*ownerState
}

func NewAggregator(activityThreshold time.Duration) *Aggregator {
	return &Aggregator{
		activityThreshold: activityThreshold,
		now:               time.Now,
		flows:             make(map[flow.Key]*flowState),
		owners:            make(map[string]*ownerState),
	}
}

func ownerName(owner string) string {
	if owner == "" {
		return HostOwner
	}
	return owner
}

func (a *Aggregator) owner(name string) *ownerState {
	o, ok := a.owners[name]
	if !ok {
		o = &ownerState{}
		a.owners[name] = o
	}
	return o
}

func (a *Aggregator) ObserveConnection(c consumer.Connection) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := ownerName(c.Owner)
	seen := c.SeenAt
	if seen.IsZero() {
		seen = a.now()
	}

	f, ok := a.flows[c.Event.Key]
	if !ok {
		f = &flowState{}
		a.flows[c.Event.Key] = f
	}
	f.owner = name
	f.pid = c.Event.PID
	f.lastSeen = seen
	a.owner(name).connections++
}

func (a *Aggregator) ObserveUpdate(u consumer.BandwidthUpdate) {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, ok := a.flows[u.Key]
	if !ok {
		f = &flowState{owner: HostOwner}
		a.flows[u.Key] = f
		a.owner(HostOwner)
	}
	switch u.Method {
	case consumer.MethodDelta:
		f.rx += u.Rx
		f.tx += u.Tx
	default:
		// A counter going backwards means the source forgot the flow and
		// started over from zero.
		if u.Rx < f.rx || u.Tx < f.tx {
			o := a.owner(f.owner)
			o.retiredRx += f.rx
			o.retiredTx += f.tx
		}
		f.rx = u.Rx
		f.tx = u.Tx
	}
	f.lastSeen = a.now()
}

// Snapshot forgets flows idle for longer than the activity window, folding
// their bytes into their owner's totals, and reports every owner.
func (a *Aggregator) Snapshot() []OwnerStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.Add(-a.activityThreshold)

	type acc struct {
		active int
		rx, tx uint64
		peers  map[string]struct{}
	}
	byOwner := make(map[string]*acc)
	get := func(name string) *acc {
		s, ok := byOwner[name]
		if !ok {
			s = &acc{peers: make(map[string]struct{})}
			byOwner[name] = s
		}
		return s
	}

	var expired int
	for key, f := range a.flows {
		if f.lastSeen.Before(cutoff) {
			o := a.owner(f.owner)
			o.retiredRx += f.rx
			o.retiredTx += f.tx
			delete(a.flows, key)
			expired++
			continue
		}
		s := get(f.owner)
		s.active++
		s.rx += f.rx
		s.tx += f.tx
		s.peers[key.Dst().String()] = struct{}{}
	}

	stats := make([]OwnerStats, 0, len(a.owners))
	for name, o := range a.owners {
		s := get(name)
		stats = append(stats, OwnerStats{
			Owner:       name,
			ActiveFlows: s.active,
			UniquePeers: sortedPeers(s.peers),
			RxBytes:     s.rx + o.retiredRx,
			TxBytes:     s.tx + o.retiredTx,
			Connections: o.connections,
			Window:      a.activityThreshold,
			Timestamp:   now,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Owner < stats[j].Owner })

	slog.Debug("Usage snapshot", "owners", len(stats), "flows", len(a.flows), "expired", expired)
	return stats
}

func sortedPeers(set map[string]struct{}) []string {
	peers := make([]string, 0, len(set))
	for p := range set {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

// Flows lists the flows currently inside the activity window.
func (a *Aggregator) Flows() []FlowStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-a.activityThreshold)
	out := make([]FlowStats, 0, len(a.flows))
	for key, f := range a.flows {
		if f.lastSeen.Before(cutoff) {
			continue
		}
		out = append(out, FlowStats{
			Flow:     key.String(),
			Owner:    f.owner,
			PID:      f.pid,
			RxBytes:  f.rx,
			TxBytes:  f.tx,
			LastSeen: f.lastSeen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Flow < out[j].Flow })
	return out
}
