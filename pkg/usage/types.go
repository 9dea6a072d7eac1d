package usage

import "time"

// HostOwner is reported for flows whose process is not in any container.
const HostOwner = "host"

type OwnerStats struct {
	Owner       string        `json:"owner"`
	ActiveFlows int           `json:"active_flows"`
	UniquePeers []string      `json:"unique_peers"`
	RxBytes     uint64        `json:"rx_bytes"`
	TxBytes     uint64        `json:"tx_bytes"`
	Connections uint64        `json:"connections"`
	Window      time.Duration `json:"window"`
	Timestamp   time.Time     `json:"timestamp"`
}

type FlowStats struct {
	Flow     string    `json:"flow"`
	Owner    string    `json:"owner"`
	PID      uint32    `json:"pid,omitempty"`
	RxBytes  uint64    `json:"rx_bytes"`
	TxBytes  uint64    `json:"tx_bytes"`
	LastSeen time.Time `json:"last_seen"`
}
