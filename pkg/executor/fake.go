package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/keel/pkg/types"
)

// Call records one operation received by a Fake
type Call struct {
	Op     string
	Host   string
	Daemon string
	Action types.DaemonAction
}

// Fake is an in-memory HostExecutor. Deployed daemons show up on the next
// refresh of their host.
type Fake struct {
	mu          sync.Mutex
	daemons     map[string]map[string]types.DaemonDescription
	devices     map[string][]types.Device
	networks    map[string]types.HostNetworks
	facts       map[string]types.HostFacts
	unreachable map[string]bool
	failDeploy  map[string]error
	failRefresh map[string]error
	calls       []Call
}

// NewFake creates an empty fake executor
func NewFake() *Fake {
	return &Fake{
		daemons:     make(map[string]map[string]types.DaemonDescription),
		devices:     make(map[string][]types.Device),
		networks:    make(map[string]types.HostNetworks),
		facts:       make(map[string]types.HostFacts),
		unreachable: make(map[string]bool),
		failDeploy:  make(map[string]error),
		failRefresh: make(map[string]error),
	}
}

// SetUnreachable makes every call against host fail as unreachable
func (f *Fake) SetUnreachable(host string, unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable[host] = unreachable
}

// FailDeploys makes deploys of daemonType fail with err; nil clears it
func (f *Fake) FailDeploys(daemonType string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failDeploy, daemonType)
		return
	}
	f.failDeploy[daemonType] = err
}

// FailRefresh makes refreshes of host fail with err; nil clears it
func (f *Fake) FailRefresh(host string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failRefresh, host)
		return
	}
	f.failRefresh[host] = err
}

// SetDevices sets the devices and networks a host reports
func (f *Fake) SetDevices(host string, devices []types.Device, networks types.HostNetworks) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[host] = devices
	f.networks[host] = networks
}

// SetFacts sets extra facts a host reports
func (f *Fake) SetFacts(host string, facts types.HostFacts) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts[host] = facts
}

// AddDaemon places a daemon on a host as if it had been started out of band
func (f *Fake) AddDaemon(d types.DaemonDescription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostDaemons(d.Hostname)[d.Name()] = d
}

// SetDaemonStatus changes the reported status of a daemon
func (f *Fake) SetDaemonStatus(host, name string, status types.DaemonStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.daemons[host][name]; ok {
		d.Status = status
		f.daemons[host][name] = d
	}
}

// HostDaemons returns the daemons currently on host, sorted by name
func (f *Fake) HostDaemons(host string) []types.DaemonDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.list(host)
}

// Calls returns the operations received so far, refreshes excluded
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// ResetCalls forgets recorded operations
func (f *Fake) ResetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

func (f *Fake) hostDaemons(host string) map[string]types.DaemonDescription {
	m, ok := f.daemons[host]
	if !ok {
		m = make(map[string]types.DaemonDescription)
		f.daemons[host] = m
	}
	return m
}

func (f *Fake) list(host string) []types.DaemonDescription {
	out := make([]types.DaemonDescription, 0, len(f.daemons[host]))
	for _, d := range f.daemons[host] {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

func (f *Fake) check(ctx context.Context, host string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.unreachable[host] {
		return types.NewUnreachableError(host, "connection refused")
	}
	return nil
}

// Refresh implements HostExecutor
func (f *Fake) Refresh(ctx context.Context, host types.Host, kinds RefreshKinds) (*HostSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(ctx, host.Hostname); err != nil {
		return nil, err
	}
	if err := f.failRefresh[host.Hostname]; err != nil {
		return nil, err
	}

	snap := &HostSnapshot{}
	if kinds.Daemons {
		snap.Daemons = f.list(host.Hostname)
	}
	if kinds.Devices {
		snap.Devices = append([]types.Device(nil), f.devices[host.Hostname]...)
		snap.Networks = f.networks[host.Hostname]
	}
	if kinds.Facts {
		facts := types.HostFacts{"hostname": host.Hostname}
		for k, v := range f.facts[host.Hostname] {
			facts[k] = v
		}
		snap.Facts = facts
	}
	return snap, nil
}

// CheckHost implements HostExecutor
func (f *Fake) CheckHost(ctx context.Context, host types.Host) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.check(ctx, host.Hostname)
}

// Deploy implements HostExecutor
func (f *Fake) Deploy(ctx context.Context, host types.Host, spec DaemonSpec) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "deploy", Host: host.Hostname, Daemon: spec.Name()})
	if err := f.check(ctx, host.Hostname); err != nil {
		return nil, err
	}
	if err := f.failDeploy[spec.DaemonType]; err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	d := types.DaemonDescription{
		DaemonType:     spec.DaemonType,
		DaemonID:       spec.DaemonID,
		Hostname:       host.Hostname,
		Service:        spec.ServiceName,
		Status:         types.DaemonStatusRunning,
		Rank:           spec.Rank,
		RankGeneration: spec.RankGeneration,
		IP:             spec.IP,
		Ports:          spec.Ports,
		Image:          spec.Image,
		Created:        now,
		LastConfigured: now,
	}
	if old, ok := f.daemons[host.Hostname][spec.Name()]; ok {
		d.Created = old.Created
	}
	f.hostDaemons(host.Hostname)[spec.Name()] = d

	verb := "Deployed"
	if spec.Reconfig {
		verb = "Reconfigured"
	}
	return &Result{Message: fmt.Sprintf("%s %s on host '%s'", verb, spec.Name(), host.Hostname), Daemon: &d}, nil
}

// Remove implements HostExecutor
func (f *Fake) Remove(ctx context.Context, host types.Host, daemonName string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "remove", Host: host.Hostname, Daemon: daemonName})
	if err := f.check(ctx, host.Hostname); err != nil {
		return nil, err
	}
	delete(f.daemons[host.Hostname], daemonName)
	return &Result{Message: fmt.Sprintf("Removed %s from host '%s'", daemonName, host.Hostname)}, nil
}

// RunAction implements HostExecutor
func (f *Fake) RunAction(ctx context.Context, host types.Host, daemonName string, action types.DaemonAction) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: "action", Host: host.Hostname, Daemon: daemonName, Action: action})
	if err := f.check(ctx, host.Hostname); err != nil {
		return nil, err
	}
	d, ok := f.daemons[host.Hostname][daemonName]
	if !ok {
		return nil, types.NewNotFoundError("daemon", daemonName)
	}
	switch action {
	case types.ActionStop:
		d.Status = types.DaemonStatusStopped
	default:
		d.Status = types.DaemonStatusRunning
	}
	f.daemons[host.Hostname][daemonName] = d
	return &Result{Message: fmt.Sprintf("Scheduled to %s %s on host '%s'", action, daemonName, host.Hostname)}, nil
}
