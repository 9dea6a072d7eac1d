package consumer

import (
	"context"
	"time"

	"github.com/rxtx-hosting/sockflow/pkg/flow"
	"github.com/rxtx-hosting/sockflow/pkg/flowtable"
)

// Method says how to apply the counters of a BandwidthUpdate.
type Method uint8

const (
	// MethodAbsolute counters are cumulative since the flow was first seen.
	MethodAbsolute Method = iota
	MethodDelta
)

func (m Method) String() string {
	if m == MethodDelta {
		return "delta"
	}
	return "absolute"
}

type Connection struct {
	Event  flow.Event
	Owner  string
	SeenAt time.Time
}

type BandwidthUpdate struct {
	Key    flow.Key
	Rx     uint64
	Tx     uint64
	Method Method
}

// EventSource is the consuming side of the connection event emitter.
type EventSource interface {
	Drain(limit int, fn func(flow.Event)) int
	Wait(ctx context.Context) error
}

// FlowSource is the query side of the flow accounting table.
type FlowSource interface {
	ScanReported(ctx context.Context, fn func(flowtable.Entry) bool) error
	EnumerateAll() []flowtable.Entry
	ResetReported()
}

// OwnerResolver attributes a process to a workload. An empty result means
// the process belongs to the host.
type OwnerResolver interface {
	Owner(pid uint32) string
}

type Stats struct {
	Events      uint64 `json:"events"`
	Invalid     uint64 `json:"invalid"`
	Duplicates  uint64 `json:"duplicates"`
	QueueDrops  uint64 `json:"queue_drops"`
	Updates     uint64 `json:"updates"`
	Deferred    uint64 `json:"deferred_scans"`
	LastScanned int    `json:"last_scanned"`
}
