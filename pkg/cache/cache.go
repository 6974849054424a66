package cache

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
	"github.com/rs/zerolog"
)

const hostCachePrefix = "hostcache."

// RefreshKind is one kind of observed per-host data
type RefreshKind string

const (
	KindHostCheck RefreshKind = "host-check"
	KindDaemons   RefreshKind = "daemons"
	KindDevices   RefreshKind = "devices"
	KindFacts     RefreshKind = "facts"
)

// TTLs bounds how long each kind of observed data stays fresh
type TTLs struct {
	Daemons   time.Duration
	Devices   time.Duration
	Facts     time.Duration
	HostCheck time.Duration
}

// DefaultTTLs returns the stock refresh intervals
func DefaultTTLs() TTLs {
	return TTLs{
		Daemons:   10 * time.Minute,
		Devices:   30 * time.Minute,
		Facts:     time.Minute,
		HostCheck: 10 * time.Minute,
	}
}

// StatusFunc looks up a host's inventory status
type StatusFunc func(hostname string) types.HostStatus

// hostEntry is one host's partition of the cache
type hostEntry struct {
	daemons          map[string]types.DaemonDescription
	devices          []types.Device
	networks         types.HostNetworks
	facts            types.HostFacts
	lastDaemonUpdate time.Time
	lastDeviceUpdate time.Time
	lastDeviceChange time.Time
	lastFactsUpdate  time.Time
	lastHostCheck    time.Time
	actions          map[string]types.DaemonAction
	lastConfig       map[string]time.Time

	// in-flight refreshes; removal waits for them
	inFlight      int
	pendingRemove bool
}

func newHostEntry() *hostEntry {
	return &hostEntry{
		daemons:    make(map[string]types.DaemonDescription),
		networks:   make(types.HostNetworks),
		actions:    make(map[string]types.DaemonAction),
		lastConfig: make(map[string]time.Time),
	}
}

// Cache is the observed-state cache: per-host daemons, devices, networks and
// facts, their refresh timestamps, one-shot refresh queues, and the pending
// daemon actions.
type Cache struct {
	mu          sync.Mutex
	hosts       map[string]*hostEntry
	daemonQueue map[string]bool
	deviceQueue map[string]bool
	store       storage.Store
	ttl         TTLs
	clock       clock.Clock
	status      StatusFunc
	logger      zerolog.Logger
}

// New creates an empty cache
func New(store storage.Store, ttl TTLs, clk clock.Clock, status StatusFunc) *Cache {
	if clk == nil {
		clk = clock.Real{}
	}
	if status == nil {
		status = func(string) types.HostStatus { return types.HostStatusNormal }
	}
	return &Cache{
		hosts:       make(map[string]*hostEntry),
		daemonQueue: make(map[string]bool),
		deviceQueue: make(map[string]bool),
		store:       store,
		ttl:         ttl,
		clock:       clk,
		status:      status,
		logger:      log.WithComponent("cache"),
	}
}

// entry returns the live partition for host, creating it unless the host is
// being removed. Callers hold c.mu.
func (c *Cache) entry(host string) *hostEntry {
	e, ok := c.hosts[host]
	if !ok {
		e = newHostEntry()
		c.hosts[host] = e
	}
	if e.pendingRemove {
		return nil
	}
	return e
}

// PrimeEmptyHost installs an empty partition and queues a full refresh
func (c *Cache) PrimeEmptyHost(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hosts[host] = newHostEntry()
	c.daemonQueue[host] = true
	c.deviceQueue[host] = true
}

// HasHost reports whether a partition exists for host
func (c *Cache) HasHost(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.hosts[host]
	return ok && !e.pendingRemove
}

// Hosts returns the hosts with a partition, sorted
func (c *Cache) Hosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.hosts))
	for h, e := range c.hosts {
		if !e.pendingRemove {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

func (c *Cache) stale(last time.Time, ttl time.Duration) bool {
	return last.IsZero() || last.Before(c.clock.Now().Add(-ttl))
}

// NeedsRefresh reports whether kind must be refreshed for host. A queued
// host is dequeued by the call. Offline hosts never need a daemon, device
// or facts refresh; only the host check can bring them back.
func (c *Cache) NeedsRefresh(host string, kind RefreshKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.hosts[host]
	if e != nil && e.pendingRemove {
		return false
	}
	var zero hostEntry
	if e == nil {
		e = &zero
	}

	if kind == KindHostCheck {
		return c.stale(e.lastHostCheck, c.ttl.HostCheck)
	}

	if c.status(host) == types.HostStatusOffline {
		c.logger.Debug().Str("host", host).Str("kind", string(kind)).Msg("host is offline, skipping refresh")
		return false
	}

	switch kind {
	case KindDaemons:
		if c.daemonQueue[host] {
			delete(c.daemonQueue, host)
			return true
		}
		return c.stale(e.lastDaemonUpdate, c.ttl.Daemons)
	case KindDevices:
		if c.deviceQueue[host] {
			delete(c.deviceQueue, host)
			return true
		}
		return c.stale(e.lastDeviceUpdate, c.ttl.Devices)
	case KindFacts:
		return c.stale(e.lastFactsUpdate, c.ttl.Facts)
	}
	return false
}

// UpdateHostDaemons replaces the daemons observed on host
func (c *Cache) UpdateHostDaemons(host string, daemons []types.DaemonDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(host)
	if e == nil {
		return
	}
	e.daemons = make(map[string]types.DaemonDescription, len(daemons))
	for _, d := range daemons {
		d.Hostname = host
		e.daemons[d.Name()] = d
	}
	e.lastDaemonUpdate = c.clock.Now()
}

// UpdateHostFacts replaces the facts observed on host
func (c *Cache) UpdateHostFacts(host string, facts types.HostFacts) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(host)
	if e == nil {
		return
	}
	e.facts = facts
	e.lastFactsUpdate = c.clock.Now()
}

// devicesChanged compares two device sets by path and attributes
func devicesChanged(a, b []types.Device) bool {
	if len(a) != len(b) {
		return true
	}
	byPath := make(map[string]types.Device, len(a))
	for _, d := range a {
		byPath[d.Path] = d
	}
	for _, d := range b {
		old, ok := byPath[d.Path]
		if !ok || !old.Equal(d) {
			return true
		}
	}
	return false
}

// DevicesChanged reports whether devices differ from the cached set
func (c *Cache) DevicesChanged(host string, devices []types.Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.hosts[host]
	if !ok {
		return true
	}
	return devicesChanged(e.devices, devices)
}

// UpdateHostDevices replaces the devices and networks observed on host. The
// device-change timestamp only moves when the device set really changed.
func (c *Cache) UpdateHostDevices(host string, devices []types.Device, networks types.HostNetworks) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(host)
	if e == nil {
		return
	}
	now := c.clock.Now()
	if e.lastDeviceChange.IsZero() || devicesChanged(e.devices, devices) {
		if !e.lastDeviceChange.IsZero() {
			c.logger.Info().Str("host", host).Msg("detected new or changed devices")
		}
		e.lastDeviceChange = now
	}
	e.lastDeviceUpdate = now
	e.devices = devices
	if networks == nil {
		networks = make(types.HostNetworks)
	}
	e.networks = networks
}

// UpdateLastHostCheck records a successful host check
func (c *Cache) UpdateLastHostCheck(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entry(host); e != nil {
		e.lastHostCheck = c.clock.Now()
	}
}

// InvalidateHostDaemons forces a daemon refresh on the next pass
func (c *Cache) InvalidateHostDaemons(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daemonQueue[host] = true
	if e, ok := c.hosts[host]; ok {
		e.lastDaemonUpdate = time.Time{}
	}
}

// InvalidateHostDevices forces a device refresh on the next pass
func (c *Cache) InvalidateHostDevices(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceQueue[host] = true
	if e, ok := c.hosts[host]; ok {
		e.lastDeviceUpdate = time.Time{}
	}
}

// RefreshAllHostInfo forces every kind of refresh for host
func (c *Cache) RefreshAllHostInfo(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.daemonQueue[host] = true
	c.deviceQueue[host] = true
	if e, ok := c.hosts[host]; ok {
		e.lastHostCheck = time.Time{}
		e.lastFactsUpdate = time.Time{}
	}
}

// HostHadDaemonRefresh reports whether daemons were observed on host at
// least once
func (c *Cache) HostHadDaemonRefresh(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostHadDaemonRefresh(host)
}

func (c *Cache) hostHadDaemonRefresh(host string) bool {
	e, ok := c.hosts[host]
	if !ok {
		return false
	}
	return !e.lastDaemonUpdate.IsZero() || len(e.daemons) > 0
}

// DaemonCacheFilled reports whether every non-offline host has had at least
// one daemon refresh
func (c *Cache) DaemonCacheFilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for host, e := range c.hosts {
		if e.pendingRemove {
			continue
		}
		if !c.hostHadDaemonRefresh(host) && c.status(host) != types.HostStatusOffline {
			return false
		}
	}
	return true
}

// AddDaemon records a daemon deployed by the loop ahead of the next refresh
func (c *Cache) AddDaemon(d types.DaemonDescription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entry(d.Hostname); e != nil {
		e.daemons[d.Name()] = d
	}
}

// RmDaemon forgets a daemon and any action pending for it
func (c *Cache) RmDaemon(host, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hosts[host]; ok {
		delete(e.daemons, name)
		delete(e.actions, name)
		delete(e.lastConfig, name)
	}
}

// Daemons returns every cached daemon ordered by host then name
func (c *Cache) Daemons() []types.DaemonDescription {
	return c.filterDaemons(func(types.DaemonDescription) bool { return true })
}

// DaemonsByHost returns the daemons cached for host
func (c *Cache) DaemonsByHost(host string) []types.DaemonDescription {
	return c.filterDaemons(func(d types.DaemonDescription) bool { return d.Hostname == host })
}

// DaemonsByService returns the daemons belonging to a service, including
// satellite daemons
func (c *Cache) DaemonsByService(serviceName string) []types.DaemonDescription {
	return c.filterDaemons(func(d types.DaemonDescription) bool { return d.ServiceName() == serviceName })
}

// DaemonsByType returns the daemons of daemonType, optionally on one host
func (c *Cache) DaemonsByType(daemonType, host string) []types.DaemonDescription {
	return c.filterDaemons(func(d types.DaemonDescription) bool {
		return d.DaemonType == daemonType && (host == "" || d.Hostname == host)
	})
}

func (c *Cache) filterDaemons(keep func(types.DaemonDescription) bool) []types.DaemonDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.DaemonDescription
	for _, e := range c.hosts {
		if e.pendingRemove {
			continue
		}
		for _, d := range e.daemons {
			if keep(d) {
				out = append(out, d)
			}
		}
	}
	sortDaemons(out)
	return out
}

func sortDaemons(ds []types.DaemonDescription) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Hostname != ds[j].Hostname {
			return ds[i].Hostname < ds[j].Hostname
		}
		return ds[i].Name() < ds[j].Name()
	})
}

// GetDaemon finds a daemon by name on any host
func (c *Cache) GetDaemon(name string) (types.DaemonDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.hosts {
		if e.pendingRemove {
			continue
		}
		if d, ok := e.daemons[name]; ok {
			return d, nil
		}
	}
	return types.DaemonDescription{}, types.NewNotFoundError("daemon", name)
}

// HasDaemon reports whether a daemon is cached
func (c *Cache) HasDaemon(name string) bool {
	_, err := c.GetDaemon(name)
	return err == nil
}

// DaemonsWithVolatileStatus returns every daemon with the status adjusted
// for the host: daemons on offline hosts are reported in error, daemons on
// hosts in maintenance are assumed stopped.
func (c *Cache) DaemonsWithVolatileStatus() []types.DaemonDescription {
	daemons := c.Daemons()
	for i := range daemons {
		switch c.status(daemons[i].Hostname) {
		case types.HostStatusOffline:
			daemons[i].Status = types.DaemonStatusError
			daemons[i].StatusDesc = "host is offline"
		case types.HostStatusMaintenance:
			daemons[i].Status = types.DaemonStatusStopped
		}
	}
	return daemons
}

// Facts returns the facts cached for host
func (c *Cache) Facts(host string) types.HostFacts {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hosts[host]; ok {
		return e.facts
	}
	return nil
}

// Devices returns the devices cached for host
func (c *Cache) Devices(host string) []types.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hosts[host]; ok {
		return append([]types.Device(nil), e.devices...)
	}
	return nil
}

// Networks returns the networks cached for every host
func (c *Cache) Networks() map[string]types.HostNetworks {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]types.HostNetworks, len(c.hosts))
	for h, e := range c.hosts {
		if !e.pendingRemove {
			out[h] = e.networks
		}
	}
	return out
}

// LastDeviceChange returns when the device set of host last changed
func (c *Cache) LastDeviceChange(host string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hosts[host]; ok {
		return e.lastDeviceChange
	}
	return time.Time{}
}

// LastDaemonUpdate returns when daemons were last refreshed on host
func (c *Cache) LastDaemonUpdate(host string) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hosts[host]; ok {
		return e.lastDaemonUpdate
	}
	return time.Time{}
}

// UpdateDaemonConfig records when a daemon was last (re)configured
func (c *Cache) UpdateDaemonConfig(host, name string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entry(host); e != nil {
		e.lastConfig[name] = at
	}
}

// LastConfigured returns when a daemon was last (re)configured
func (c *Cache) LastConfigured(host, name string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hosts[host]; ok {
		t, ok := e.lastConfig[name]
		return t, ok
	}
	return time.Time{}, false
}

// ScheduleDaemonAction records a pending action. A request that is less
// drastic than the action already pending is dropped; it reports whether the
// request was accepted.
func (c *Cache) ScheduleDaemonAction(host, name string, action types.DaemonAction) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entry(host)
	if e == nil {
		return false
	}
	if existing, ok := e.actions[name]; ok && existing.Priority() > action.Priority() {
		c.logger.Debug().Str("daemon", name).Str("action", string(action)).
			Str("pending", string(existing)).Msg("skipping action, more drastic one already scheduled")
		return false
	}
	e.actions[name] = action
	return true
}

// RmScheduledDaemonAction clears the pending action for a daemon
func (c *Cache) RmScheduledDaemonAction(host, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.hosts[host]
	if !ok {
		return false
	}
	if _, ok := e.actions[name]; !ok {
		return false
	}
	delete(e.actions, name)
	return true
}

// GetScheduledDaemonAction returns the pending action for a daemon
func (c *Cache) GetScheduledDaemonAction(host, name string) (types.DaemonAction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hosts[host]; ok {
		a, ok := e.actions[name]
		return a, ok
	}
	return "", false
}

// ScheduledActions returns every pending action, most drastic first
func (c *Cache) ScheduledActions() []types.ScheduledAction {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []types.ScheduledAction
	for host, e := range c.hosts {
		if e.pendingRemove {
			continue
		}
		for name, a := range e.actions {
			out = append(out, types.ScheduledAction{Hostname: host, DaemonName: name, Action: a})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if pi, pj := out[i].Action.Priority(), out[j].Action.Priority(); pi != pj {
			return pi > pj
		}
		if out[i].Hostname != out[j].Hostname {
			return out[i].Hostname < out[j].Hostname
		}
		return out[i].DaemonName < out[j].DaemonName
	})
	return out
}

// BeginRefresh marks a refresh of host as in flight
func (c *Cache) BeginRefresh(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.entry(host); e != nil {
		e.inFlight++
	}
}

// EndRefresh marks an in-flight refresh of host as done. A removal requested
// meanwhile is carried out now.
func (c *Cache) EndRefresh(host string) {
	c.mu.Lock()
	e, ok := c.hosts[host]
	if !ok {
		c.mu.Unlock()
		return
	}
	if e.inFlight > 0 {
		e.inFlight--
	}
	purge := e.pendingRemove && e.inFlight == 0
	if purge {
		c.purge(host)
	}
	c.mu.Unlock()

	if purge {
		c.deleteRecord(host)
	}
}

// RmHost purges every partition of host at once. If a refresh is in flight
// the partition is hidden now and purged when the refresh completes.
func (c *Cache) RmHost(host string) {
	c.mu.Lock()
	e, ok := c.hosts[host]
	if ok && e.inFlight > 0 {
		e.pendingRemove = true
		c.mu.Unlock()
		c.logger.Debug().Str("host", host).Msg("refresh in flight, deferring cache purge")
		return
	}
	c.purge(host)
	c.mu.Unlock()

	c.deleteRecord(host)
}

func (c *Cache) purge(host string) {
	delete(c.hosts, host)
	delete(c.daemonQueue, host)
	delete(c.deviceQueue, host)
}

func (c *Cache) deleteRecord(host string) {
	if err := c.store.Delete(hostCachePrefix + host); err != nil {
		c.logger.Warn().Err(err).Str("host", host).Msg("failed to delete cache record")
	}
}

// hostRecord is the warm-start form of a partition
type hostRecord struct {
	Daemons          map[string]types.DaemonDescription `json:"daemons"`
	Devices          []types.Device                     `json:"devices"`
	Networks         types.HostNetworks                 `json:"networks,omitempty"`
	LastDaemonUpdate *time.Time                         `json:"last_daemon_update,omitempty"`
	LastDeviceUpdate *time.Time                         `json:"last_device_update,omitempty"`
	LastDeviceChange *time.Time                         `json:"last_device_change,omitempty"`
	LastHostCheck    *time.Time                         `json:"last_host_check,omitempty"`
	ScheduledActions map[string]types.DaemonAction      `json:"scheduled_daemon_actions,omitempty"`
	LastConfig       map[string]time.Time               `json:"last_config,omitempty"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// SaveHost writes the warm-start record of host
func (c *Cache) SaveHost(host string) error {
	c.mu.Lock()
	e, ok := c.hosts[host]
	if !ok || e.pendingRemove {
		c.mu.Unlock()
		return nil
	}
	rec := hostRecord{
		Daemons:          make(map[string]types.DaemonDescription, len(e.daemons)),
		Devices:          append([]types.Device(nil), e.devices...),
		Networks:         e.networks,
		LastDaemonUpdate: timePtr(e.lastDaemonUpdate),
		LastDeviceUpdate: timePtr(e.lastDeviceUpdate),
		LastDeviceChange: timePtr(e.lastDeviceChange),
		LastHostCheck:    timePtr(e.lastHostCheck),
		ScheduledActions: make(map[string]types.DaemonAction, len(e.actions)),
		LastConfig:       make(map[string]time.Time, len(e.lastConfig)),
	}
	for k, v := range e.daemons {
		rec.Daemons[k] = v
	}
	for k, v := range e.actions {
		rec.ScheduledActions[k] = v
	}
	for k, v := range e.lastConfig {
		rec.LastConfig[k] = v
	}
	c.mu.Unlock()

	return storage.SetJSON(c.store, hostCachePrefix+host, rec)
}

// Load restores warm-start records. Records for hosts unknown to the
// inventory are deleted. Daemons are always re-queued for refresh since the
// persisted view may be arbitrarily old.
func (c *Cache) Load(known func(host string) bool) error {
	records, err := c.store.GetPrefix(hostCachePrefix)
	if err != nil {
		return fmt.Errorf("failed to load host cache: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, data := range records {
		host := strings.TrimPrefix(key, hostCachePrefix)
		if known != nil && !known(host) {
			c.logger.Warn().Str("host", host).Msg("removing stray host cache record")
			if err := c.store.Delete(key); err != nil {
				return fmt.Errorf("failed to delete stray record %s: %w", key, err)
			}
			continue
		}

		var rec hostRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			c.logger.Warn().Err(err).Str("host", host).Msg("unable to load cached state")
			continue
		}

		e := newHostEntry()
		for name, d := range rec.Daemons {
			e.daemons[name] = d
		}
		e.devices = rec.Devices
		if rec.Networks != nil {
			e.networks = rec.Networks
		}
		e.lastDeviceUpdate = timeVal(rec.LastDeviceUpdate)
		e.lastDeviceChange = timeVal(rec.LastDeviceChange)
		e.lastHostCheck = timeVal(rec.LastHostCheck)
		for name, a := range rec.ScheduledActions {
			e.actions[name] = a
		}
		for name, t := range rec.LastConfig {
			e.lastConfig[name] = t
		}
		c.hosts[host] = e

		c.daemonQueue[host] = true
		if rec.LastDeviceUpdate == nil {
			c.deviceQueue[host] = true
		}
		c.logger.Debug().Str("host", host).Int("daemons", len(e.daemons)).
			Int("devices", len(e.devices)).Msg("loaded cached state")
	}
	return nil
}
