package exporter

import (
	"github.com/rxtx-hosting/sockflow/pkg/consumer"
	"github.com/rxtx-hosting/sockflow/pkg/emitter"
	"github.com/rxtx-hosting/sockflow/pkg/flowtable"
	"github.com/rxtx-hosting/sockflow/pkg/hook"
	"github.com/rxtx-hosting/sockflow/pkg/sink"
)

// EngineStats is a point-in-time view of the engine's own counters.
type EngineStats struct {
	Events   emitter.RingStats `json:"events"`
	Flows    flowtable.Stats   `json:"flows"`
	Hooks    hook.Stats        `json:"hooks"`
	Consumer consumer.Stats    `json:"consumer"`
	Sink     sink.Stats        `json:"sink"`
}

type StatsFunc func() EngineStats
