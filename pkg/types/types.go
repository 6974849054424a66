package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	// LabelAdmin marks hosts that carry the cluster admin keyring and config
	LabelAdmin = "_admin"

	// LabelNoSchedule excludes a host from placement
	LabelNoSchedule = "_no_schedule"
)

// HostStatus represents the administrative state of a host
type HostStatus string

const (
	HostStatusNormal      HostStatus = ""
	HostStatusMaintenance HostStatus = "maintenance"
	HostStatusOffline     HostStatus = "offline"
)

// Host is an inventory record
type Host struct {
	Hostname string     `json:"hostname" yaml:"hostname"`
	Addr     string     `json:"addr,omitempty" yaml:"addr,omitempty"`
	Labels   []string   `json:"labels,omitempty" yaml:"labels,omitempty"`
	Status   HostStatus `json:"status,omitempty" yaml:"status,omitempty"`
}

// HasLabel reports whether the host carries label
func (h Host) HasLabel(label string) bool {
	for _, l := range h.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Unreachable reports whether the host can currently take work
func (h Host) Unreachable() bool {
	return h.Status == HostStatusOffline || h.Status == HostStatusMaintenance
}

// Clone returns a deep copy of the host
func (h Host) Clone() Host {
	c := h
	c.Labels = append([]string(nil), h.Labels...)
	return c
}

// Validate checks the hostname and address
func (h Host) Validate() error {
	if h.Hostname == "" {
		return NewValidationError("hostname is required")
	}
	if strings.ContainsAny(h.Hostname, " \t/:") {
		return NewValidationError("invalid hostname %q", h.Hostname)
	}
	return nil
}

// DaemonStatus represents the observed state of a daemon
type DaemonStatus string

const (
	DaemonStatusStarting DaemonStatus = "starting"
	DaemonStatusRunning  DaemonStatus = "running"
	DaemonStatusStopped  DaemonStatus = "stopped"
	DaemonStatusError    DaemonStatus = "error"
	DaemonStatusUnknown  DaemonStatus = "unknown"
)

// DaemonDescription is an observed daemon as reported by a host
type DaemonDescription struct {
	DaemonType     string       `json:"daemon_type"`
	DaemonID       string       `json:"daemon_id"`
	Hostname       string       `json:"hostname"`
	Service        string       `json:"service,omitempty"`
	Status         DaemonStatus `json:"status"`
	StatusDesc     string       `json:"status_desc,omitempty"`
	IsActive       bool         `json:"is_active,omitempty"`
	Rank           *int         `json:"rank,omitempty"`
	RankGeneration *int         `json:"rank_generation,omitempty"`
	IP             string       `json:"ip,omitempty"`
	Ports          []int        `json:"ports,omitempty"`
	Image          string       `json:"image,omitempty"`
	Created        time.Time    `json:"created"`
	LastRefresh    time.Time    `json:"last_refresh"`
	LastConfigured time.Time    `json:"last_configured"`
}

// Name returns the daemon name, type.id
func (d DaemonDescription) Name() string {
	return d.DaemonType + "." + d.DaemonID
}

// ServiceName returns the owning service. Daemons deployed by keel carry it
// explicitly; otherwise it is derived from the daemon type and id.
func (d DaemonDescription) ServiceName() string {
	if d.Service != "" {
		return d.Service
	}
	info := LookupServiceType(d.DaemonType)
	svcType := info.ServiceType
	if info.RequiresServiceID {
		if i := strings.Index(d.DaemonID, "."); i > 0 {
			return svcType + "." + d.DaemonID[:i]
		}
		return svcType + "." + d.DaemonID
	}
	return svcType
}

// ParseDaemonName splits a daemon name into type and id
func ParseDaemonName(name string) (string, string, error) {
	i := strings.Index(name, ".")
	if i <= 0 || i == len(name)-1 {
		return "", "", NewValidationError("invalid daemon name %q: expected <type>.<id>", name)
	}
	return name[:i], name[i+1:], nil
}

// DaemonAction is an imperative operation on a single daemon
type DaemonAction string

const (
	ActionStart    DaemonAction = "start"
	ActionRestart  DaemonAction = "restart"
	ActionReconfig DaemonAction = "reconfig"
	ActionRedeploy DaemonAction = "redeploy"
	ActionStop     DaemonAction = "stop"
)

var actionPriority = map[DaemonAction]int{
	ActionStart:    1,
	ActionRestart:  2,
	ActionReconfig: 3,
	ActionRedeploy: 4,
	ActionStop:     5,
}

// Priority orders actions from least to most drastic
func (a DaemonAction) Priority() int {
	return actionPriority[a]
}

// ParseDaemonAction validates an action name
func ParseDaemonAction(s string) (DaemonAction, error) {
	a := DaemonAction(strings.ToLower(s))
	if _, ok := actionPriority[a]; !ok {
		return "", NewValidationError("unknown daemon action %q", s)
	}
	return a, nil
}

// ScheduledAction is a pending action for one daemon
type ScheduledAction struct {
	Hostname   string       `json:"hostname"`
	DaemonName string       `json:"daemon_name"`
	Action     DaemonAction `json:"action"`
}

// Device is one storage device reported by a host
type Device struct {
	Path       string            `json:"path"`
	Available  bool              `json:"available"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Equal compares identity and attributes
func (d Device) Equal(o Device) bool {
	if d.Path != o.Path || d.Available != o.Available || len(d.Attributes) != len(o.Attributes) {
		return false
	}
	for k, v := range d.Attributes {
		if ov, ok := o.Attributes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// HostFacts is a flat snapshot of host facts (kernel, cpu, memory, ...)
type HostFacts map[string]string

// HostNetworks maps subnet -> interface -> addresses
type HostNetworks map[string]map[string][]string

// IPsInSubnet returns the sorted addresses a host has on subnet
func (n HostNetworks) IPsInSubnet(subnet string) []string {
	var ips []string
	for _, addrs := range n[subnet] {
		ips = append(ips, addrs...)
	}
	sort.Strings(ips)
	return ips
}

// EventLevel is the severity of an orchestrator event
type EventLevel string

const (
	EventLevelInfo  EventLevel = "INFO"
	EventLevelError EventLevel = "ERROR"
)

// EventKind is the subject class of an event
type EventKind string

const (
	EventKindService EventKind = "service"
	EventKindDaemon  EventKind = "daemon"
)

// Event is a recorded orchestrator event against a service or daemon
type Event struct {
	ID      string     `json:"id"`
	Created time.Time  `json:"created"`
	Kind    EventKind  `json:"kind"`
	Subject string     `json:"subject"`
	Level   EventLevel `json:"level"`
	Message string     `json:"message"`
}

// Key identifies the event's subject, kind:subject
func (e Event) Key() string {
	return string(e.Kind) + ":" + e.Subject
}

func (e Event) String() string {
	return fmt.Sprintf("%s %s [%s] %q", e.Created.UTC().Format(time.RFC3339), e.Key(), e.Level, e.Message)
}
