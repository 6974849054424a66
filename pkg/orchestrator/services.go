package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/types"
)

// defaultPlacements apply when a spec selects no hosts at all
var defaultPlacements = map[string]types.PlacementSpec{
	"mon":           {Count: types.IntPtr(5)},
	"mgr":           {Count: types.IntPtr(2)},
	"mds":           {Count: types.IntPtr(2)},
	"rgw":           {Count: types.IntPtr(2)},
	"iscsi":         {Count: types.IntPtr(1)},
	"nfs":           {Count: types.IntPtr(1)},
	"grafana":       {Count: types.IntPtr(1)},
	"alertmanager":  {Count: types.IntPtr(1)},
	"prometheus":    {Count: types.IntPtr(1)},
	"container":     {Count: types.IntPtr(1)},
	"ingress":       {Count: types.IntPtr(2)},
	"node-exporter": {HostPattern: "*"},
	"crash":         {HostPattern: "*"},
}

// PlacementPreview is what applying a spec would change right now
type PlacementPreview struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
	ServiceType string `json:"service_type" yaml:"service_type"`

	// Add lists the new slots, host[:network][=name]
	Add []string `json:"add" yaml:"add"`

	// Remove lists the daemons that would be torn down
	Remove []string `json:"remove" yaml:"remove"`

	// Deferred lists extra daemons on unreachable hosts that wait for the
	// host to return before removal
	Deferred []string `json:"deferred,omitempty" yaml:"deferred,omitempty"`
}

// ServiceFilter narrows DescribeService; empty fields match everything
type ServiceFilter struct {
	ServiceType string
	ServiceName string
}

// ServiceDescription is a service with its observed state
type ServiceDescription struct {
	Spec        types.ServiceSpec `json:"spec"`
	Size        int               `json:"size"`
	Running     int               `json:"running"`
	Image       string            `json:"container_image,omitempty"`
	Created     time.Time         `json:"created,omitempty"`
	Deleted     *time.Time        `json:"deleted,omitempty"`
	LastRefresh time.Time         `json:"last_refresh,omitempty"`
	Events      []types.Event     `json:"events,omitempty"`
}

// DaemonFilter narrows ListDaemons; empty fields match everything
type DaemonFilter struct {
	ServiceName string
	DaemonType  string
	DaemonID    string
	Hostname    string
}

func (f DaemonFilter) matches(d types.DaemonDescription) bool {
	return (f.ServiceName == "" || d.ServiceName() == f.ServiceName) &&
		(f.DaemonType == "" || d.DaemonType == f.DaemonType) &&
		(f.DaemonID == "" || d.DaemonID == f.DaemonID) &&
		(f.Hostname == "" || d.Hostname == f.Hostname)
}

// withDefaultPlacement fills in the stock placement of the service type
// when the spec leaves it empty
func withDefaultPlacement(spec types.ServiceSpec) types.ServiceSpec {
	if !spec.Placement.IsEmpty() {
		return spec
	}
	if p, ok := defaultPlacements[spec.ServiceType]; ok {
		spec.Placement = p.Clone()
	}
	return spec
}

// validate checks a spec against every host of the inventory, reachable
// or not. Under strict placement a counted spec also needs at least one
// matching host that can take a daemon now.
func (o *Orchestrator) validate(spec types.ServiceSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Placement.IsEmpty() {
		return types.NewValidationError("%s: placement selects no hosts", spec.ServiceName())
	}
	hosts := o.inventory.List()
	for _, h := range spec.Placement.Hosts {
		if !o.inventory.Contains(h.Hostname) {
			return types.NewValidationError("Cannot place %s on %s: Unknown hosts", spec.OneLine(), h.Hostname)
		}
	}
	if spec.Placement.HostPattern != "" && len(spec.Placement.FilterMatchingHostnames(hosts)) == 0 {
		return types.NewValidationError("Cannot place %s: No matching hosts", spec.OneLine())
	}
	if spec.Placement.Label != "" && len(spec.Placement.FilterMatchingHostnames(hosts)) == 0 {
		return types.NewValidationError("Cannot place %s: No matching hosts for label %s", spec.OneLine(), spec.Placement.Label)
	}
	if o.cfg.Scheduler.StrictPlacement && spec.Placement.Count != nil && *spec.Placement.Count > 0 &&
		o.reachableCandidates(spec.Placement) == 0 {
		return types.NewValidationError("Cannot place %s: no reachable hosts", spec.OneLine())
	}
	return nil
}

// reachableCandidates counts the hosts matching p that can take a daemon now
func (o *Orchestrator) reachableCandidates(p types.PlacementSpec) int {
	var reachable []types.Host
	for _, h := range o.inventory.List() {
		if h.Unreachable() || h.HasLabel(types.LabelNoSchedule) {
			continue
		}
		reachable = append(reachable, h)
	}
	if len(p.Hosts) == 0 && p.Label == "" && p.HostPattern == "" {
		return len(reachable)
	}
	return len(p.FilterMatchingHostnames(reachable))
}

// Apply validates and stores a spec, then wakes the reconciler. It returns
// as soon as the spec is persisted.
func (o *Orchestrator) Apply(spec types.ServiceSpec) (msg string, err error) {
	defer func() { track("apply", err) }()

	spec = withDefaultPlacement(spec.Clone())
	if err := o.validate(spec); err != nil {
		return "", err
	}
	name := spec.ServiceName()
	logger := log.WithService(name)

	if err := o.specs.Save(spec); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", name, err)
	}
	if spec.PreviewOnly {
		logger.Info().Str("placement", spec.Placement.String()).Msg("staged preview spec")
		return fmt.Sprintf("Saved preview of %s", name), nil
	}

	logger.Info().Str("placement", spec.Placement.String()).Bool("unmanaged", spec.Unmanaged).Msg("saved service spec")
	o.reconciler.Kick()
	return fmt.Sprintf("Scheduled %s update...", name), nil
}

// Preview computes the placement diff of spec against the current view
// without storing it or touching any host
func (o *Orchestrator) Preview(spec types.ServiceSpec) (p *PlacementPreview, err error) {
	defer func() { track("preview", err) }()

	spec = withDefaultPlacement(spec.Clone())
	if err := o.validate(spec); err != nil {
		return nil, err
	}
	result, err := o.reconciler.Plan(spec)
	if err != nil {
		return nil, err
	}

	p = &PlacementPreview{
		ServiceName: spec.ServiceName(),
		ServiceType: spec.ServiceType,
		Add:         []string{},
		Remove:      []string{},
	}
	for _, slot := range result.Add {
		p.Add = append(p.Add, slot.String())
	}
	for _, d := range result.Remove {
		p.Remove = append(p.Remove, d.Name())
	}
	for _, d := range result.Deferred {
		p.Deferred = append(p.Deferred, d.Name())
	}
	return p, nil
}

// PreviewStaged previews every spec applied with preview_only
func (o *Orchestrator) PreviewStaged() ([]PlacementPreview, error) {
	var out []PlacementPreview
	for _, spec := range o.specs.Previews() {
		spec.PreviewOnly = false
		p, err := o.Preview(spec)
		if err != nil {
			return nil, fmt.Errorf("preview %s: %w", spec.ServiceName(), err)
		}
		out = append(out, *p)
	}
	return out, nil
}

// RemoveService marks a service deleted. Its daemons are torn down by the
// reconciler and the spec is dropped once none is left.
func (o *Orchestrator) RemoveService(name string) (msg string, err error) {
	defer func() { track("remove_service", err) }()

	found, err := o.specs.Rm(name)
	if err != nil {
		return "", fmt.Errorf("failed to remove %s: %w", name, err)
	}
	if !found {
		return "", types.NewNotFoundError("service", name)
	}
	logger := log.WithService(name)
	logger.Info().Msg("service marked for removal")
	o.reconciler.Kick()
	return fmt.Sprintf("Removed service %s", name), nil
}

// ListDaemons returns the observed daemons matching f. Daemons on offline
// hosts are reported in error and daemons on hosts in maintenance stopped.
func (o *Orchestrator) ListDaemons(f DaemonFilter) []types.DaemonDescription {
	var out []types.DaemonDescription
	for _, d := range o.cache.DaemonsWithVolatileStatus() {
		if f.matches(d) {
			out = append(out, d)
		}
	}
	return out
}

// DescribeService summarizes every service matching f, including services
// whose daemons exist without a spec
func (o *Orchestrator) DescribeService(f ServiceFilter) []ServiceDescription {
	byService := make(map[string][]types.DaemonDescription)
	for _, d := range o.cache.DaemonsWithVolatileStatus() {
		byService[d.ServiceName()] = append(byService[d.ServiceName()], d)
	}

	hosts := o.inventory.List()
	var out []ServiceDescription
	add := func(desc ServiceDescription) {
		if f.ServiceType != "" && desc.Spec.ServiceType != f.ServiceType {
			return
		}
		if f.ServiceName != "" && desc.Spec.ServiceName() != f.ServiceName {
			return
		}
		name := desc.Spec.ServiceName()
		daemons := byService[name]
		desc.Image = serviceImage(daemons)
		for _, d := range daemons {
			if d.Status == types.DaemonStatusRunning {
				desc.Running++
			}
			if d.LastRefresh.After(desc.LastRefresh) {
				desc.LastRefresh = d.LastRefresh
			}
		}
		desc.Events = o.events.GetForService(name)
		out = append(out, desc)
	}

	seen := make(map[string]bool)
	for _, sd := range o.specs.AllSpecs() {
		name := sd.Spec.ServiceName()
		seen[name] = true
		desc := ServiceDescription{
			Spec:    sd.Spec,
			Size:    targetSize(sd.Spec.Placement, hosts),
			Created: sd.Created,
		}
		if sd.IsDeleted() {
			deleted := sd.Deleted
			desc.Deleted = &deleted
		}
		add(desc)
	}
	for name, daemons := range byService {
		if seen[name] {
			continue
		}
		add(ServiceDescription{Spec: unmanagedSpec(name, daemons[0])})
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Spec.ServiceName() < out[j].Spec.ServiceName()
	})
	return out
}

// targetSize is the number of daemons a placement asks for
func targetSize(p types.PlacementSpec, hosts []types.Host) int {
	if p.Count != nil {
		return *p.Count
	}
	n := len(p.FilterMatchingHostnames(hosts))
	if p.CountPerHost != nil {
		n *= *p.CountPerHost
	}
	return n
}

// serviceImage reports the image of a service's daemons, "mix" when they
// disagree
func serviceImage(daemons []types.DaemonDescription) string {
	image := ""
	for _, d := range daemons {
		switch {
		case d.Image == "":
		case image == "":
			image = d.Image
		case image != d.Image:
			return "mix"
		}
	}
	return image
}

// unmanagedSpec stands in for a service that only exists on hosts
func unmanagedSpec(name string, d types.DaemonDescription) types.ServiceSpec {
	info := types.LookupServiceType(d.DaemonType)
	spec := types.ServiceSpec{ServiceType: info.ServiceType, Unmanaged: true}
	if info.RequiresServiceID {
		spec.ServiceID = strings.TrimPrefix(name, info.ServiceType+".")
	}
	return spec
}

// DaemonAction schedules an action on one daemon. It runs on the next pass.
func (o *Orchestrator) DaemonAction(name string, action types.DaemonAction) (msg string, err error) {
	defer func() { track("daemon_action", err) }()

	parsed, err := types.ParseDaemonAction(string(action))
	if err != nil {
		return "", err
	}
	d, err := o.cache.GetDaemon(name)
	if err != nil {
		return "", err
	}
	msg = o.scheduleAction(d, parsed)
	o.reconciler.Kick()
	return msg, nil
}

// ServiceAction schedules an action on every daemon of a service
func (o *Orchestrator) ServiceAction(name string, action types.DaemonAction) (msgs []string, err error) {
	defer func() { track("service_action", err) }()

	parsed, err := types.ParseDaemonAction(string(action))
	if err != nil {
		return nil, err
	}
	daemons := o.cache.DaemonsByService(name)
	if len(daemons) == 0 {
		if !o.specs.Contains(name) {
			return nil, types.NewNotFoundError("service", name)
		}
		return nil, types.NewValidationError("service %s has no daemons", name)
	}
	for _, d := range daemons {
		msgs = append(msgs, o.scheduleAction(d, parsed))
	}
	o.reconciler.Kick()
	return msgs, nil
}

func (o *Orchestrator) scheduleAction(d types.DaemonDescription, action types.DaemonAction) string {
	if o.cache.ScheduleDaemonAction(d.Hostname, d.Name(), action) {
		logger := log.WithDaemon(d.Name())
		logger.Info().Str("action", string(action)).Str("host", d.Hostname).Msg("scheduled daemon action")
	}
	return fmt.Sprintf("Scheduled to %s %s on host '%s'", action, d.Name(), d.Hostname)
}
