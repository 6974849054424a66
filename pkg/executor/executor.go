// Package executor defines the host-facing operations the reconciler drives.
package executor

import (
	"context"
	"strings"

	"github.com/cuemby/keel/pkg/types"
)

// RefreshKinds selects the data a refresh should gather
type RefreshKinds struct {
	Daemons bool `json:"daemons"`
	Devices bool `json:"devices"`
	Facts   bool `json:"facts"`
}

// Any reports whether at least one kind is selected
func (k RefreshKinds) Any() bool {
	return k.Daemons || k.Devices || k.Facts
}

func (k RefreshKinds) String() string {
	var parts []string
	if k.Daemons {
		parts = append(parts, "daemons")
	}
	if k.Devices {
		parts = append(parts, "devices")
	}
	if k.Facts {
		parts = append(parts, "facts")
	}
	return strings.Join(parts, ",")
}

// HostSnapshot is what a host reported. Only the requested kinds are set.
type HostSnapshot struct {
	Daemons  []types.DaemonDescription `json:"daemons,omitempty"`
	Devices  []types.Device            `json:"devices,omitempty"`
	Networks types.HostNetworks        `json:"networks,omitempty"`
	Facts    types.HostFacts           `json:"facts,omitempty"`
}

// DaemonSpec is everything a host needs to deploy one daemon
type DaemonSpec struct {
	DaemonType     string            `json:"daemon_type"`
	DaemonID       string            `json:"daemon_id"`
	ServiceName    string            `json:"service_name"`
	Hostname       string            `json:"hostname"`
	Image          string            `json:"image,omitempty"`
	Network        string            `json:"network,omitempty"`
	IP             string            `json:"ip,omitempty"`
	Ports          []int             `json:"ports,omitempty"`
	Rank           *int              `json:"rank,omitempty"`
	RankGeneration *int              `json:"rank_generation,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`

	// Reconfig rewrites configuration of a running daemon without
	// recreating it
	Reconfig bool `json:"reconfig,omitempty"`
}

// Name returns the daemon name, type.id
func (s DaemonSpec) Name() string {
	return s.DaemonType + "." + s.DaemonID
}

// Result is the outcome of a host operation
type Result struct {
	Message string                   `json:"message,omitempty"`
	Daemon  *types.DaemonDescription `json:"daemon,omitempty"`
}

// HostExecutor performs work on hosts. Every call may fail and calls on
// different hosts carry no ordering guarantee. A host that cannot be
// contacted yields a *types.UnreachableError.
type HostExecutor interface {
	Refresh(ctx context.Context, host types.Host, kinds RefreshKinds) (*HostSnapshot, error)
	CheckHost(ctx context.Context, host types.Host) error
	Deploy(ctx context.Context, host types.Host, spec DaemonSpec) (*Result, error)
	Remove(ctx context.Context, host types.Host, daemonName string) (*Result, error)
	RunAction(ctx context.Context, host types.Host, daemonName string, action types.DaemonAction) (*Result, error)
}
