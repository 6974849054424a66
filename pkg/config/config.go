// Package config loads and validates keel's process configuration and the
// cluster seed file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cuemby/keel/pkg/types"
	"gopkg.in/yaml.v3"
)

// CurrentVersion is the configuration schema version
const CurrentVersion = 1

// Storage backends
const (
	BackendBolt   = "bolt"
	BackendRaft   = "raft"
	BackendMemory = "memory"
)

// Config is the closed, versioned process configuration
type Config struct {
	Version   int             `yaml:"version"`
	DataDir   string          `yaml:"data_dir"`
	Image     string          `yaml:"container_image"`
	Storage   StorageConfig   `yaml:"storage"`
	Loop      LoopConfig      `yaml:"loop"`
	Cache     CacheConfig     `yaml:"cache"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Agent     AgentConfig     `yaml:"agent"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Backend      string `yaml:"backend"`
	NodeID       string `yaml:"node_id,omitempty"`
	RaftBindAddr string `yaml:"raft_bind_addr,omitempty"`
	Bootstrap    bool   `yaml:"bootstrap,omitempty"`
}

// LoopConfig tunes the reconciliation loop
type LoopConfig struct {
	Interval       time.Duration `yaml:"interval"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	HostTimeout    time.Duration `yaml:"host_timeout"`
}

// CacheConfig holds the observed-state TTLs
type CacheConfig struct {
	DaemonTTL    time.Duration `yaml:"daemon_ttl"`
	DeviceTTL    time.Duration `yaml:"device_ttl"`
	FactsTTL     time.Duration `yaml:"facts_ttl"`
	HostCheckTTL time.Duration `yaml:"host_check_ttl"`
}

// SchedulerConfig tunes placement
type SchedulerConfig struct {
	// StrictPlacement rejects a counted placement with no reachable host
	StrictPlacement bool `yaml:"strict_placement"`
}

// AgentConfig describes how to reach host agents
type AgentConfig struct {
	Port        int           `yaml:"port"`
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// TLS enables mutual TLS with certificates from the cluster CA
	TLS bool `yaml:"tls,omitempty"`
}

// MetricsConfig configures the metrics and health listener
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		DataDir: "/var/lib/keel",
		Image:   "quay.io/ceph/ceph:v19",
		Storage: StorageConfig{
			Backend:      BackendBolt,
			NodeID:       "keel-1",
			RaftBindAddr: "127.0.0.1:7946",
		},
		Loop: LoopConfig{
			Interval:       10 * time.Second,
			WorkerPoolSize: 10,
			HostTimeout:    30 * time.Second,
		},
		Cache: CacheConfig{
			DaemonTTL:    10 * time.Minute,
			DeviceTTL:    30 * time.Minute,
			FactsTTL:     time.Minute,
			HostCheckTTL: 10 * time.Minute,
		},
		Scheduler: SchedulerConfig{StrictPlacement: true},
		Agent: AgentConfig{
			Port:        7950,
			DialTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9283"},
		Log:     LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults and validates the result.
// Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, types.NewValidationError("invalid config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field; nothing is coerced
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return types.NewValidationError("unsupported config version %d", c.Version)
	}
	switch c.Storage.Backend {
	case BackendBolt, BackendMemory:
	case BackendRaft:
		if c.Storage.NodeID == "" {
			return types.NewValidationError("storage.node_id is required for the raft backend")
		}
		if c.Storage.RaftBindAddr == "" {
			return types.NewValidationError("storage.raft_bind_addr is required for the raft backend")
		}
	default:
		return types.NewValidationError("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Image == "" {
		return types.NewValidationError("container_image is required")
	}
	if c.Storage.Backend != BackendMemory && c.DataDir == "" {
		return types.NewValidationError("data_dir is required")
	}
	if c.Loop.Interval <= 0 {
		return types.NewValidationError("loop.interval must be > 0")
	}
	if c.Loop.WorkerPoolSize <= 0 {
		return types.NewValidationError("loop.worker_pool_size must be > 0")
	}
	if c.Loop.HostTimeout <= 0 {
		return types.NewValidationError("loop.host_timeout must be > 0")
	}
	for name, ttl := range map[string]time.Duration{
		"daemon_ttl":     c.Cache.DaemonTTL,
		"device_ttl":     c.Cache.DeviceTTL,
		"facts_ttl":      c.Cache.FactsTTL,
		"host_check_ttl": c.Cache.HostCheckTTL,
	} {
		if ttl <= 0 {
			return types.NewValidationError("cache.%s must be > 0", name)
		}
	}
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		return types.NewValidationError("invalid agent.port %d", c.Agent.Port)
	}
	if c.Agent.DialTimeout <= 0 {
		return types.NewValidationError("agent.dial_timeout must be > 0")
	}
	return nil
}

// ClusterFile seeds hosts and services
type ClusterFile struct {
	Hosts    []types.Host        `yaml:"hosts"`
	Services []types.ServiceSpec `yaml:"services"`
}

// LoadClusterFile reads and validates a cluster file
func LoadClusterFile(path string) (*ClusterFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster file: %w", err)
	}
	var cf ClusterFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil && !errors.Is(err, io.EOF) {
		return nil, types.NewValidationError("invalid cluster file: %v", err)
	}

	seen := make(map[string]bool, len(cf.Hosts))
	for _, h := range cf.Hosts {
		if err := h.Validate(); err != nil {
			return nil, err
		}
		if seen[h.Hostname] {
			return nil, types.NewValidationError("duplicate host %s in cluster file", h.Hostname)
		}
		seen[h.Hostname] = true
	}
	for i := range cf.Services {
		if err := cf.Services[i].Validate(); err != nil {
			return nil, fmt.Errorf("service %d: %w", i, err)
		}
	}
	return &cf, nil
}

// ParseSpecs decodes one or more YAML documents of service specs
func ParseSpecs(r io.Reader) ([]types.ServiceSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var specs []types.ServiceSpec
	for {
		var spec types.ServiceSpec
		err := dec.Decode(&spec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, types.NewValidationError("invalid spec document %d: %v", len(specs)+1, err)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, types.NewValidationError("no service specs found")
	}
	return specs, nil
}

// LoadSpecs reads service specs from a YAML file
func LoadSpecs(path string) ([]types.ServiceSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open spec file: %w", err)
	}
	defer f.Close()
	return ParseSpecs(f)
}
