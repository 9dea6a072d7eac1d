package docker

import "time"

// Workload is a running container that flows can be attributed to.
type Workload struct {
	Owner         string    `json:"owner"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	LastUpdated   time.Time `json:"last_updated"`
}
