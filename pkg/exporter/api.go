package exporter

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rxtx-hosting/sockflow/pkg/consumer"
	"github.com/rxtx-hosting/sockflow/pkg/usage"
)

const recentConnections = 256

type APIServer struct {
	apiKey string
	stats  StatsFunc

	mu          sync.RWMutex
	owners      map[string]usage.OwnerStats
	flows       []usage.FlowStats
	connections []connectionResponse
	next        int
}

type ownerResponse struct {
	Owner         string   `json:"owner"`
	ActiveFlows   int      `json:"active_flows"`
	UniquePeers   []string `json:"unique_peers,omitempty"`
	RxBytes       uint64   `json:"rx_bytes"`
	TxBytes       uint64   `json:"tx_bytes"`
	Connections   uint64   `json:"connections"`
	WindowSeconds int      `json:"window_seconds"`
	Timestamp     string   `json:"timestamp"`
}

type connectionResponse struct {
	Flow      string `json:"flow"`
	Direction string `json:"direction"`
	PID       uint32 `json:"pid"`
	Owner     string `json:"owner,omitempty"`
	SeenAt    string `json:"seen_at"`
}

// NewAPIServer serves without authentication when apiKey is empty.
func NewAPIServer(apiKey string, stats StatsFunc) *APIServer {
	return &APIServer{
		apiKey:      apiKey,
		stats:       stats,
		owners:      make(map[string]usage.OwnerStats),
		connections: make([]connectionResponse, 0, recentConnections),
	}
}

func (a *APIServer) UpdateStats(owners []usage.OwnerStats, flows []usage.FlowStats) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.owners = make(map[string]usage.OwnerStats, len(owners))
	for _, stat := range owners {
		a.owners[stat.Owner] = stat
	}
	a.flows = flows
}

// RecordConnection keeps the most recent connections for /connections.
func (a *APIServer) RecordConnection(c consumer.Connection) {
	resp := connectionResponse{
		Flow:      c.Event.Key.String(),
		Direction: c.Event.Direction.String(),
		PID:       c.Event.PID,
		Owner:     c.Owner,
		SeenAt:    c.SeenAt.Format(time.RFC3339),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.connections) < recentConnections {
		a.connections = append(a.connections, resp)
		return
	}
	a.connections[a.next] = resp
	a.next = (a.next + 1) % recentConnections
}

func (a *APIServer) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	if a.apiKey != "" {
		r.Use(a.authMiddleware())
	}

	r.GET("/flows", a.handleGetFlows)
	r.GET("/owners", a.handleGetOwners)
	r.GET("/owners/:id", a.handleGetOwner)
	r.GET("/connections", a.handleGetConnections)
	r.GET("/stats", a.handleGetStats)

	return r
}

func (a *APIServer) StartServer(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	return a.Router().Run(addr)
}

func (a *APIServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth != "Bearer "+a.apiKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *APIServer) handleGetFlows(c *gin.Context) {
	a.mu.RLock()
	flows := a.flows
	a.mu.RUnlock()

	if flows == nil {
		flows = []usage.FlowStats{}
	}
	c.JSON(http.StatusOK, gin.H{"flows": flows})
}

func (a *APIServer) handleGetOwners(c *gin.Context) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	response := make([]ownerResponse, 0, len(a.owners))
	for _, stat := range a.owners {
		response = append(response, ownerToResponse(stat))
	}

	c.JSON(http.StatusOK, gin.H{"owners": response})
}

func (a *APIServer) handleGetOwner(c *gin.Context) {
	id := c.Param("id")

	a.mu.RLock()
	stat, exists := a.owners[id]
	a.mu.RUnlock()

	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "owner not found"})
		return
	}

	c.JSON(http.StatusOK, ownerToResponse(stat))
}

func (a *APIServer) handleGetConnections(c *gin.Context) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	// oldest first
	response := make([]connectionResponse, 0, len(a.connections))
	response = append(response, a.connections[a.next:]...)
	response = append(response, a.connections[:a.next]...)

	c.JSON(http.StatusOK, gin.H{"connections": response})
}

func (a *APIServer) handleGetStats(c *gin.Context) {
	if a.stats == nil {
		c.JSON(http.StatusOK, EngineStats{})
		return
	}
	c.JSON(http.StatusOK, a.stats())
}

func ownerToResponse(stat usage.OwnerStats) ownerResponse {
	return ownerResponse{
		Owner:         stat.Owner,
		ActiveFlows:   stat.ActiveFlows,
		UniquePeers:   stat.UniquePeers,
		RxBytes:       stat.RxBytes,
		TxBytes:       stat.TxBytes,
		Connections:   stat.Connections,
		WindowSeconds: int(stat.Window.Seconds()),
		Timestamp:     stat.Timestamp.Format(time.RFC3339),
	}
}
