package docker

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/prometheus/procfs"
)

var containerIDPattern = regexp.MustCompile(`[0-9a-f]{64}`)

// Resolver attributes processes to running containers. Refresh keeps the
// container list current; Owner maps a pid through its cgroup membership.
type Resolver struct {
	cli      *client.Client
	labels   map[string]string
	idSource string
	proc     procfs.FS

	mu        sync.RWMutex
	workloads map[string]Workload
}

// NewResolver connects to the local daemon. idSource selects the owner name:
// "hostname", "id", "name", "label:<key>" or "env:<key>".
func NewResolver(labels map[string]string, idSource, procRoot string) (*Resolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	r, err := newResolver(cli, labels, idSource, procRoot)
	if err != nil {
		cli.Close()
		return nil, err
	}
	return r, nil
}

func newResolver(cli *client.Client, labels map[string]string, idSource, procRoot string) (*Resolver, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", procRoot, err)
	}
	return &Resolver{
		cli:       cli,
		labels:    labels,
		idSource:  idSource,
		proc:      fs,
		workloads: make(map[string]Workload),
	}, nil
}

func (r *Resolver) Close() error {
	if r.cli == nil {
		return nil
	}
	return r.cli.Close()
}

func (r *Resolver) Refresh(ctx context.Context) ([]Workload, error) {
	filterArgs := filters.NewArgs()
	for key, value := range r.labels {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", key, value))
	}
	filterArgs.Add("status", "running")

	containers, err := r.cli.ContainerList(ctx, container.ListOptions{
		Filters: filterArgs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	workloads := make([]Workload, 0, len(containers))
	now := time.Now()

	for _, ctr := range containers {
		inspect, err := r.cli.ContainerInspect(ctx, ctr.ID)
		if err != nil {
			slog.Debug("Skipping container", "id", ctr.ID, "error", err)
			continue
		}

		owner := r.extractOwner(inspect)
		if owner == "" {
			continue
		}

		var name string
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		workloads = append(workloads, Workload{
			Owner:         owner,
			ContainerID:   ctr.ID,
			ContainerName: name,
			LastUpdated:   now,
		})
	}

	r.setWorkloads(workloads)
	return workloads, nil
}

func (r *Resolver) setWorkloads(workloads []Workload) {
	m := make(map[string]Workload, len(workloads))
	for _, w := range workloads {
		m[w.ContainerID] = w
	}
	r.mu.Lock()
	r.workloads = m
	r.mu.Unlock()
}

// Owner returns the owner of the container pid runs in, or "" for host
// processes, unknown containers and processes that already exited.
func (r *Resolver) Owner(pid uint32) string {
	id := r.containerID(pid)
	if id == "" {
		return ""
	}
	r.mu.RLock()
	w, ok := r.workloads[id]
	r.mu.RUnlock()
	if !ok {
		return ""
	}
	return w.Owner
}

func (r *Resolver) containerID(pid uint32) string {
	p, err := r.proc.Proc(int(pid))
	if err != nil {
		return ""
	}
	cgroups, err := p.Cgroups()
	if err != nil {
		return ""
	}
	for _, cg := range cgroups {
		if id := containerIDFromCgroup(cg.Path); id != "" {
			return id
		}
	}
	return ""
}

// containerIDFromCgroup handles both the cgroupfs ("/docker/<id>") and the
// systemd ("/system.slice/docker-<id>.scope") layouts.
func containerIDFromCgroup(path string) string {
	ids := containerIDPattern.FindAllString(path, -1)
	if len(ids) == 0 {
		return ""
	}
	// nested runtimes put the innermost container last
	return ids[len(ids)-1]
}

func (r *Resolver) extractOwner(inspect types.ContainerJSON) string {
	if inspect.Config == nil {
		return strings.TrimPrefix(inspect.Name, "/")
	}
	switch r.idSource {
	case "hostname":
		return inspect.Config.Hostname
	case "id":
		return inspect.ID
	case "name", "":
		return strings.TrimPrefix(inspect.Name, "/")
	default:
		if strings.HasPrefix(r.idSource, "label:") {
			labelKey := strings.TrimPrefix(r.idSource, "label:")
			if val, ok := inspect.Config.Labels[labelKey]; ok {
				return val
			}
		} else if strings.HasPrefix(r.idSource, "env:") {
			envKey := strings.TrimPrefix(r.idSource, "env:")
			for _, e := range inspect.Config.Env {
				if strings.HasPrefix(e, envKey+"=") {
					return strings.TrimPrefix(e, envKey+"=")
				}
			}
		}
		return strings.TrimPrefix(inspect.Name, "/")
	}
}
