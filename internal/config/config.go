package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	LogLevel string `yaml:"log_level"`

	EventBufferSize int `yaml:"event_buffer_size"`
	FlowTableSize   int `yaml:"flow_table_size"`
	FlowTableShards int `yaml:"flow_table_shards"`

	ScanInterval      time.Duration `yaml:"scan_interval"`
	DrainBatch        int           `yaml:"drain_batch"`
	EventQueueSize    int           `yaml:"event_queue_size"`
	UpdateQueueSize   int           `yaml:"update_queue_size"`
	DedupSize         int           `yaml:"dedup_size"`
	ActivityThreshold time.Duration `yaml:"activity_threshold"`

	BPFObject        string        `yaml:"bpf_object"`
	CgroupPath       string        `yaml:"cgroup_path"`
	SockDiagInterval time.Duration `yaml:"sockdiag_interval"`

	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	MetricsInterval   time.Duration `yaml:"metrics_interval"`

	ServerAddr     string `yaml:"server_addr"`
	APIKey         string `yaml:"api_key"`
	PrometheusAddr string `yaml:"prometheus_addr"`

	NATSURL     string `yaml:"nats_url"`
	NATSSubject string `yaml:"nats_subject"`

	DockerEnabled bool              `yaml:"docker_enabled"`
	DockerLabels  map[string]string `yaml:"docker_labels"`
	OwnerSource   string            `yaml:"owner_source"`
	ProcRoot      string            `yaml:"proc_root"`
}

func Default() *Config {
	return &Config{
		LogLevel:          "info",
		EventBufferSize:   1 << 24,
		FlowTableSize:     5000,
		FlowTableShards:   64,
		ScanInterval:      time.Second,
		DrainBatch:        256,
		EventQueueSize:    1024,
		UpdateQueueSize:   4096,
		DedupSize:         4096,
		ActivityThreshold: 5 * time.Minute,
		SockDiagInterval:  5 * time.Second,
		DiscoveryInterval: 30 * time.Second,
		MetricsInterval:   10 * time.Second,
		ServerAddr:        ":8080",
		NATSSubject:       "sockflow",
		DockerLabels:      make(map[string]string),
		OwnerSource:       "name",
		ProcRoot:          "/proc",
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.EventBufferSize < 64 || c.EventBufferSize&(c.EventBufferSize-1) != 0 {
		errs = append(errs, fmt.Errorf("%w: event_buffer_size %d is not a power of two >= 64", ErrInvalid, c.EventBufferSize))
	}
	if c.FlowTableSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: flow_table_size must be positive", ErrInvalid))
	}
	if c.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: scan_interval must be positive", ErrInvalid))
	}
	if c.SockDiagInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: sockdiag_interval must be positive", ErrInvalid))
	}
	if c.DiscoveryInterval <= 0 || c.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: discovery_interval and metrics_interval must be positive", ErrInvalid))
	}
	if c.DrainBatch <= 0 {
		errs = append(errs, fmt.Errorf("%w: drain_batch must be positive", ErrInvalid))
	}
	if c.EventQueueSize <= 0 || c.UpdateQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: queue sizes must be positive", ErrInvalid))
	}
	if c.NATSURL != "" && c.NATSSubject == "" {
		errs = append(errs, fmt.Errorf("%w: nats_subject is required with nats_url", ErrInvalid))
	}
	return errors.Join(errs...)
}
