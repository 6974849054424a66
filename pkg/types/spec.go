package types

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// CurrentConfigVersion is the only service config schema version understood
const CurrentConfigVersion = 1

// ServiceSpec is the desired state of one service
type ServiceSpec struct {
	ServiceType string        `json:"service_type" yaml:"service_type"`
	ServiceID   string        `json:"service_id,omitempty" yaml:"service_id,omitempty"`
	Placement   PlacementSpec `json:"placement" yaml:"placement"`
	Config      ServiceConfig `json:"config" yaml:"config,omitempty"`
	Networks    []string      `json:"networks,omitempty" yaml:"networks,omitempty"`
	Unmanaged   bool          `json:"unmanaged,omitempty" yaml:"unmanaged,omitempty"`
	PreviewOnly bool          `json:"preview_only,omitempty" yaml:"preview_only,omitempty"`
}

// ServiceConfig is the closed, versioned per-service configuration. Extra is
// the only open-ended part.
type ServiceConfig struct {
	Version int               `json:"version,omitempty" yaml:"version,omitempty"`
	Image   string            `json:"image,omitempty" yaml:"image,omitempty"`
	Ports   []int             `json:"ports,omitempty" yaml:"ports,omitempty"`
	Extra   map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// ServiceName returns the service identity, type or type.id
func (s ServiceSpec) ServiceName() string {
	if s.ServiceID != "" {
		return s.ServiceType + "." + s.ServiceID
	}
	return s.ServiceType
}

// TypeInfo returns the scheduling traits of the spec's service type
func (s ServiceSpec) TypeInfo() ServiceTypeInfo {
	return LookupServiceType(s.ServiceType)
}

// PortStart returns the first set of ports daemons of the service listen on
func (s ServiceSpec) PortStart() []int {
	if len(s.Config.Ports) > 0 {
		return append([]int(nil), s.Config.Ports...)
	}
	return append([]int(nil), s.TypeInfo().DefaultPorts...)
}

// OneLine is a short description for messages
func (s ServiceSpec) OneLine() string {
	return fmt.Sprintf("<%s %s>", s.ServiceName(), s.Placement.String())
}

// Validate checks the spec, its placement and its config. Nothing is coerced.
func (s *ServiceSpec) Validate() error {
	if s.ServiceType == "" {
		return NewValidationError("service_type is required")
	}
	if !IsKnownServiceType(s.ServiceType) {
		return NewValidationError("unknown service type %q", s.ServiceType)
	}
	info := s.TypeInfo()
	if info.RequiresServiceID && s.ServiceID == "" {
		return NewValidationError("cannot add service %s: service_id is required", s.ServiceType)
	}
	if !info.RequiresServiceID && s.ServiceID != "" {
		return NewValidationError("service of type %s should not contain a service_id", s.ServiceType)
	}
	if strings.ContainsAny(s.ServiceID, ". \t/") {
		return NewValidationError("invalid service_id %q", s.ServiceID)
	}
	if err := s.Placement.Validate(); err != nil {
		return err
	}
	if cph := s.Placement.CountPerHost; cph != nil && *cph > 1 && !info.AllowColo {
		return NewValidationError("cannot place more than one %s per host", s.ServiceType)
	}
	for _, n := range s.Networks {
		if _, _, err := net.ParseCIDR(n); err != nil {
			return NewValidationError("invalid network %q: %v", n, err)
		}
	}
	return s.Config.validate(info)
}

func (c *ServiceConfig) validate(info ServiceTypeInfo) error {
	if c.Version != 0 && c.Version != CurrentConfigVersion {
		return NewValidationError("unsupported config version %d", c.Version)
	}
	for _, p := range c.Ports {
		if p <= 0 || p > 65535 {
			return NewValidationError("invalid port %d", p)
		}
	}
	for k := range c.Extra {
		if k == "" {
			return NewValidationError("extra config keys must not be empty")
		}
	}
	for _, k := range info.RequiredExtra {
		if c.Extra[k] == "" {
			return NewValidationError("%s requires extra config %q", info.ServiceType, k)
		}
	}
	return nil
}

// Clone returns a deep copy of the spec
func (s ServiceSpec) Clone() ServiceSpec {
	c := s
	c.Placement = s.Placement.Clone()
	c.Networks = append([]string(nil), s.Networks...)
	c.Config.Ports = append([]int(nil), s.Config.Ports...)
	if s.Config.Extra != nil {
		c.Config.Extra = make(map[string]string, len(s.Config.Extra))
		for k, v := range s.Config.Extra {
			c.Config.Extra[k] = v
		}
	}
	return c
}

// HostPlacementSpec pins a daemon to a host, optionally with a network and
// a fixed daemon name. Its string form is host[:network][=name].
type HostPlacementSpec struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Network  string `json:"network,omitempty" yaml:"network,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ParseHostPlacementSpec parses host[:network][=name]
func ParseHostPlacementSpec(s string) (HostPlacementSpec, error) {
	var h HostPlacementSpec
	s = strings.TrimSpace(s)
	if i := strings.LastIndex(s, "="); i >= 0 {
		h.Name = s[i+1:]
		s = s[:i]
	}
	if i := strings.Index(s, ":"); i >= 0 {
		h.Network = s[i+1:]
		s = s[:i]
	}
	h.Hostname = s
	if h.Hostname == "" {
		return h, NewValidationError("invalid host placement %q", s)
	}
	return h, nil
}

func (h HostPlacementSpec) String() string {
	s := h.Hostname
	if h.Network != "" {
		s += ":" + h.Network
	}
	if h.Name != "" {
		s += "=" + h.Name
	}
	return s
}

// UnmarshalYAML accepts either the string form or a mapping
func (h *HostPlacementSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseHostPlacementSpec(value.Value)
		if err != nil {
			return err
		}
		*h = parsed
		return nil
	}
	type plain HostPlacementSpec
	return value.Decode((*plain)(h))
}

func (h HostPlacementSpec) validate() error {
	if h.Hostname == "" || strings.ContainsAny(h.Hostname, " \t/") {
		return NewValidationError("invalid hostname %q in placement", h.Hostname)
	}
	if h.Network != "" && net.ParseIP(h.Network) == nil {
		if _, _, err := net.ParseCIDR(h.Network); err != nil {
			return NewValidationError("invalid network %q for host %s", h.Network, h.Hostname)
		}
	}
	return nil
}

// PlacementSpec selects hosts by one of explicit hosts, label or host
// pattern, with at most one of count and count_per_host
type PlacementSpec struct {
	Hosts        []HostPlacementSpec `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Label        string              `json:"label,omitempty" yaml:"label,omitempty"`
	HostPattern  string              `json:"host_pattern,omitempty" yaml:"host_pattern,omitempty"`
	Count        *int                `json:"count,omitempty" yaml:"count,omitempty"`
	CountPerHost *int                `json:"count_per_host,omitempty" yaml:"count_per_host,omitempty"`
}

// IsEmpty reports whether nothing at all is selected
func (p PlacementSpec) IsEmpty() bool {
	return len(p.Hosts) == 0 && p.Label == "" && p.HostPattern == "" && p.Count == nil && p.CountPerHost == nil
}

// Validate enforces a single selection mode and sane counts
func (p PlacementSpec) Validate() error {
	modes := 0
	if len(p.Hosts) > 0 {
		modes++
	}
	if p.Label != "" {
		modes++
	}
	if p.HostPattern != "" {
		modes++
	}
	if modes > 1 {
		switch {
		case len(p.Hosts) > 0 && p.Label != "":
			return NewValidationError("host and label are mutually exclusive")
		case len(p.Hosts) > 0:
			return NewValidationError("cannot combine host patterns and hosts")
		default:
			return NewValidationError("cannot combine label and host pattern")
		}
	}
	if p.Count != nil && p.CountPerHost != nil {
		return NewValidationError("cannot combine count and count_per_host")
	}
	if p.Count != nil && *p.Count <= 0 {
		return NewValidationError("count must be > 0")
	}
	if p.CountPerHost != nil {
		if *p.CountPerHost <= 0 {
			return NewValidationError("count_per_host must be > 0")
		}
		if len(p.Hosts) > 0 {
			return NewValidationError("count_per_host cannot be combined with explicit hosts")
		}
	}
	if p.HostPattern != "" && !doublestar.ValidatePattern(p.HostPattern) {
		return NewValidationError("invalid host pattern %q", p.HostPattern)
	}
	seen := make(map[string]bool, len(p.Hosts))
	for _, h := range p.Hosts {
		if err := h.validate(); err != nil {
			return err
		}
		if seen[h.String()] {
			return NewValidationError("duplicate host %s in placement", h.String())
		}
		seen[h.String()] = true
	}
	return nil
}

// MatchesHost reports whether a single hostname matches the host pattern
func (p PlacementSpec) MatchesHost(hostname string) bool {
	ok, err := doublestar.Match(p.HostPattern, hostname)
	return err == nil && ok
}

// FilterMatchingHostnames returns the hostnames selected by the placement's
// selection mode, in inventory order for label and pattern, and in spec
// order for explicit hosts. Explicit hosts unknown to the inventory are
// dropped.
func (p PlacementSpec) FilterMatchingHostnames(hosts []Host) []string {
	var out []string
	switch {
	case len(p.Hosts) > 0:
		known := make(map[string]bool, len(hosts))
		for _, h := range hosts {
			known[h.Hostname] = true
		}
		for _, h := range p.Hosts {
			if known[h.Hostname] {
				out = append(out, h.Hostname)
			}
		}
	case p.Label != "":
		for _, h := range hosts {
			if h.HasLabel(p.Label) {
				out = append(out, h.Hostname)
			}
		}
	case p.HostPattern != "":
		for _, h := range hosts {
			if p.MatchesHost(h.Hostname) {
				out = append(out, h.Hostname)
			}
		}
	}
	return out
}

// Clone returns a deep copy of the placement
func (p PlacementSpec) Clone() PlacementSpec {
	c := p
	c.Hosts = append([]HostPlacementSpec(nil), p.Hosts...)
	if p.Count != nil {
		n := *p.Count
		c.Count = &n
	}
	if p.CountPerHost != nil {
		n := *p.CountPerHost
		c.CountPerHost = &n
	}
	return c
}

// String renders the placement in the form ParsePlacement accepts
func (p PlacementSpec) String() string {
	var kv []string
	if p.Count != nil {
		kv = append(kv, "count:"+strconv.Itoa(*p.Count))
	}
	if p.CountPerHost != nil {
		kv = append(kv, "count-per-host:"+strconv.Itoa(*p.CountPerHost))
	}
	if p.Label != "" {
		kv = append(kv, "label:"+p.Label)
	}
	for _, h := range p.Hosts {
		kv = append(kv, h.String())
	}
	if p.HostPattern != "" {
		kv = append(kv, p.HostPattern)
	}
	return strings.Join(kv, " ")
}

// ParsePlacement parses the short placement syntax used on the command line:
//
//	3                    count
//	host1 host2          explicit hosts
//	2 host1 host2        count over explicit hosts
//	label:mon            label
//	count-per-host:2 *   count per host over a pattern
//
// Tokens may be separated by spaces or semicolons.
func ParsePlacement(arg string) (PlacementSpec, error) {
	var p PlacementSpec
	tokens := strings.FieldsFunc(arg, func(r rune) bool { return r == ' ' || r == ';' })
	var patterns []string
	for _, tok := range tokens {
		switch {
		case isInt(tok):
			n, _ := strconv.Atoi(tok)
			if p.Count != nil {
				return p, NewValidationError("more than one count in placement %q", arg)
			}
			p.Count = &n
		case strings.HasPrefix(tok, "count:"):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "count:"))
			if err != nil {
				return p, NewValidationError("invalid count in %q", tok)
			}
			if p.Count != nil {
				return p, NewValidationError("more than one count in placement %q", arg)
			}
			p.Count = &n
		case strings.HasPrefix(tok, "count-per-host:"):
			n, err := strconv.Atoi(strings.TrimPrefix(tok, "count-per-host:"))
			if err != nil {
				return p, NewValidationError("invalid count-per-host in %q", tok)
			}
			if p.CountPerHost != nil {
				return p, NewValidationError("more than one count-per-host in placement %q", arg)
			}
			p.CountPerHost = &n
		case strings.HasPrefix(tok, "label:"):
			if p.Label != "" {
				return p, NewValidationError("more than one label in placement %q", arg)
			}
			p.Label = strings.TrimPrefix(tok, "label:")
		case strings.ContainsAny(tok, "*?["):
			patterns = append(patterns, tok)
		default:
			h, err := ParseHostPlacementSpec(tok)
			if err != nil {
				return p, err
			}
			p.Hosts = append(p.Hosts, h)
		}
	}
	if len(patterns) > 1 {
		return p, NewValidationError("more than one host pattern in placement %q", arg)
	}
	if len(patterns) == 1 {
		p.HostPattern = patterns[0]
	}
	return p, p.Validate()
}

func isInt(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// SortedLabels returns a sorted, de-duplicated copy of labels
func SortedLabels(labels []string) []string {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l != "" {
			set[l] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// IntPtr returns a pointer to n
func IntPtr(n int) *int {
	return &n
}
