package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/types"
)

// ListHosts returns the inventory
func (o *Orchestrator) ListHosts() []types.Host {
	return o.inventory.List()
}

// AddHost checks that a host answers, then adds it to the inventory or
// merges address and labels into the existing record
func (o *Orchestrator) AddHost(ctx context.Context, spec types.Host) (msg string, err error) {
	defer func() { track("add_host", err) }()

	if err := spec.Validate(); err != nil {
		return "", err
	}
	probe := spec.Clone()
	if probe.Addr == "" {
		probe.Addr = probe.Hostname
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Loop.HostTimeout)
	defer cancel()
	if err := o.exec.CheckHost(ctx, probe); err != nil {
		return "", fmt.Errorf("new host %s (%s) failed check: %w", probe.Hostname, probe.Addr, err)
	}

	added, err := o.inventory.AddHost(spec)
	if err != nil {
		return "", err
	}
	// a known host keeps its observed daemons and pending actions
	if !o.cache.HasHost(spec.Hostname) {
		o.cache.PrimeEmptyHost(spec.Hostname)
	}
	o.cache.RefreshAllHostInfo(spec.Hostname)
	o.reconciler.Kick()

	h, _ := o.inventory.Get(spec.Hostname)
	if !added {
		return fmt.Sprintf("Updated host '%s'", h.Hostname), nil
	}
	return fmt.Sprintf("Added host '%s' with addr '%s'", h.Hostname, h.Addr), nil
}

// RemoveHost drops a host from the inventory and the cache. A host still
// running daemons is kept unless force is set.
func (o *Orchestrator) RemoveHost(name string, force bool) (msg string, err error) {
	defer func() { track("remove_host", err) }()

	if !o.inventory.Contains(name) {
		return "", types.NewNotFoundError("host", name)
	}
	daemons := o.cache.DaemonsByHost(name)
	if len(daemons) > 0 && !force {
		names := make([]string, 0, len(daemons))
		for _, d := range daemons {
			names = append(names, d.Name())
		}
		return "", types.NewValidationError(
			"Not allowed to remove %s from cluster. The following daemons are running on the host: %s. "+
				"Remove them or use force", name, strings.Join(names, ", "))
	}

	if err := o.inventory.RemoveHost(name); err != nil {
		return "", err
	}
	o.cache.RmHost(name)
	o.reconciler.Kick()
	return fmt.Sprintf("Removed host '%s'", name), nil
}

// UpdateHostAddr changes the address a host is reached at and refreshes it
func (o *Orchestrator) UpdateHostAddr(name, addr string) (msg string, err error) {
	defer func() { track("update_host_addr", err) }()

	if err := o.inventory.SetAddr(name, addr); err != nil {
		return "", err
	}
	o.cache.RefreshAllHostInfo(name)
	o.reconciler.Kick()
	return fmt.Sprintf("Updated host '%s' addr to '%s'", name, addr), nil
}

// AddHostLabel labels a host. Placement picks the change up on the next pass.
func (o *Orchestrator) AddHostLabel(name, label string) (msg string, err error) {
	defer func() { track("add_host_label", err) }()

	if label == "" {
		return "", types.NewValidationError("label must not be empty")
	}
	if err := o.inventory.AddLabel(name, label); err != nil {
		return "", err
	}
	o.reconciler.Kick()
	return fmt.Sprintf("Added label %s to host %s", label, name), nil
}

// RemoveHostLabel removes a label. Taking the admin label off the last host
// carrying it needs force.
func (o *Orchestrator) RemoveHostLabel(name, label string, force bool) (msg string, err error) {
	defer func() { track("remove_host_label", err) }()

	h, err := o.inventory.Get(name)
	if err != nil {
		return "", err
	}
	if label == types.LabelAdmin && h.HasLabel(label) && !force && len(o.inventory.HostsWithLabel(label)) == 1 {
		return "", types.NewValidationError(
			"Host %s is the last host with the %s label. Removing it leaves no admin host; use force to override",
			name, types.LabelAdmin)
	}
	if err := o.inventory.RemoveLabel(name, label); err != nil {
		return "", err
	}
	o.reconciler.Kick()
	return fmt.Sprintf("Removed label %s from host %s", label, name), nil
}

// EnterMaintenance takes a host out of scheduling. Its daemons keep their
// slots and nothing is deployed to or removed from it until it exits.
func (o *Orchestrator) EnterMaintenance(name string, force bool) (msg string, err error) {
	defer func() { track("enter_maintenance", err) }()

	h, err := o.inventory.Get(name)
	if err != nil {
		return "", err
	}
	if h.Status == types.HostStatusMaintenance {
		return fmt.Sprintf("Host %s is already in maintenance mode", name), nil
	}
	if o.inventory.Len() < 2 {
		return "", types.NewValidationError("Maintenance mode is not supported on single host clusters")
	}
	if o.upgrade.InProgress() {
		return "", types.NewValidationError("Cannot enter maintenance mode on %s while an upgrade is in progress", name)
	}
	if !force {
		if err := o.okToStop(h); err != nil {
			return "", err
		}
	}

	if err := o.inventory.SetStatus(name, types.HostStatusMaintenance); err != nil {
		return "", err
	}
	logger := log.WithHost(name)
	logger.Info().Bool("force", force).Msg("host entered maintenance")
	o.reconciler.Kick()
	return fmt.Sprintf("Host %s moved to maintenance mode", name), nil
}

// okToStop refuses maintenance when the host is the last admin host or
// holds the last running daemon of a service
func (o *Orchestrator) okToStop(h types.Host) error {
	if h.HasLabel(types.LabelAdmin) {
		others := 0
		for _, a := range o.inventory.HostsWithLabel(types.LabelAdmin) {
			if a.Hostname != h.Hostname && a.Status != types.HostStatusMaintenance {
				others++
			}
		}
		if others == 0 {
			return types.NewValidationError(
				"Host %s is the last available host with the %s label; use force to override",
				h.Hostname, types.LabelAdmin)
		}
	}

	running := make(map[string]int)
	local := make(map[string]bool)
	for _, d := range o.cache.DaemonsWithVolatileStatus() {
		if d.Status != types.DaemonStatusRunning {
			continue
		}
		running[d.ServiceName()]++
		if d.Hostname == h.Hostname {
			local[d.ServiceName()] = true
		}
	}
	var alone []string
	for service := range local {
		if running[service] == 1 {
			alone = append(alone, service)
		}
	}
	if len(alone) > 0 {
		sort.Strings(alone)
		return types.NewValidationError(
			"Stopping %s would leave no running daemon for %s; use force to override",
			h.Hostname, strings.Join(alone, ", "))
	}
	return nil
}

// ExitMaintenance returns a host to scheduling and refreshes everything
// known about it
func (o *Orchestrator) ExitMaintenance(name string) (msg string, err error) {
	defer func() { track("exit_maintenance", err) }()

	h, err := o.inventory.Get(name)
	if err != nil {
		return "", err
	}
	if h.Status != types.HostStatusMaintenance {
		return "", types.NewValidationError("Host %s is not in maintenance mode", name)
	}
	if err := o.inventory.SetStatus(name, types.HostStatusNormal); err != nil {
		return "", err
	}
	o.cache.RefreshAllHostInfo(name)
	logger := log.WithHost(name)
	logger.Info().Msg("host exited maintenance")
	o.reconciler.Kick()
	return fmt.Sprintf("Host %s has exited maintenance mode", name), nil
}
