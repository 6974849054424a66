package reconciler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/metrics"
	"github.com/cuemby/keel/pkg/scheduler"
	"github.com/cuemby/keel/pkg/specstore"
	"github.com/cuemby/keel/pkg/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type opKind string

const (
	opDeploy opKind = "deploy"
	opRemove opKind = "remove"
	opAction opKind = "action"
)

// op is one host command issued by a pass
type op struct {
	kind    opKind
	host    types.Host
	service string

	// deploy, and redeploy/reconfig actions
	spec executor.DaemonSpec

	// remove and action
	daemon types.DaemonDescription
	action types.DaemonAction
}

type opResult struct {
	op     op
	result *executor.Result
	err    error
}

// runOps executes ops on the worker pool. Commands against the same host
// never overlap.
func (r *Reconciler) runOps(ctx context.Context, ops []op) []opResult {
	results := make([]opResult, len(ops))
	var g errgroup.Group
	g.SetLimit(r.cfg.WorkerPoolSize)
	for i, o := range ops {
		i, o := i, o
		g.Go(func() error {
			results[i] = r.execute(ctx, o)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (r *Reconciler) execute(ctx context.Context, o op) opResult {
	lock := r.hostLock(o.host.Hostname)
	lock.Lock()
	defer lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.HostTimeout)
	defer cancel()

	res := opResult{op: o}
	switch o.kind {
	case opDeploy:
		res.result, res.err = r.exec.Deploy(ctx, o.host, o.spec)
	case opRemove:
		res.result, res.err = r.exec.Remove(ctx, o.host, o.daemon.Name())
	case opAction:
		switch o.action {
		case types.ActionRedeploy, types.ActionReconfig:
			res.result, res.err = r.exec.Deploy(ctx, o.host, o.spec)
		default:
			res.result, res.err = r.exec.RunAction(ctx, o.host, o.daemon.Name(), o.action)
		}
	}
	metrics.DaemonOpsTotal.WithLabelValues(string(o.kind), metrics.Result(res.err)).Inc()
	return res
}

// schedulableHosts returns the hosts placement may consider and, among
// them, those that cannot take work now
func (r *Reconciler) schedulableHosts() (eligible, unreachable []types.Host) {
	for _, h := range r.inventory.List() {
		if h.HasLabel(types.LabelNoSchedule) || !r.cache.HostHadDaemonRefresh(h.Hostname) {
			continue
		}
		eligible = append(eligible, h)
		if h.Unreachable() {
			unreachable = append(unreachable, h)
		}
	}
	return eligible, unreachable
}

func (r *Reconciler) assignment(spec types.ServiceSpec, eligible, unreachable []types.Host,
	networks map[string]types.HostNetworks) *scheduler.HostAssignment {
	a := scheduler.NewHostAssignment(spec, eligible, unreachable, r.cache.DaemonsByService(spec.ServiceName()))
	a.Networks = networks
	a.Strict = r.cfg.StrictPlacement
	return a
}

// Plan computes the placement of spec against the current view without
// touching any host. Rank-stable services start from their stored rank map.
func (r *Reconciler) Plan(spec types.ServiceSpec) (*scheduler.Result, error) {
	eligible, unreachable := r.schedulableHosts()
	a := r.assignment(spec, eligible, unreachable, r.cache.Networks())
	if spec.TypeInfo().RankStable {
		a.RankMap = types.RankMap{}
		if desc, err := r.specs.Get(spec.ServiceName()); err == nil && desc.RankMap != nil {
			a.RankMap = desc.RankMap.Clone()
		}
	}
	return a.Place()
}

func (r *Reconciler) applyAllSpecs(ctx context.Context, res *PassResult) {
	eligible, unreachable := r.schedulableHosts()
	networks := r.cache.Networks()

	for _, desc := range r.specs.AllSpecs() {
		if ctx.Err() != nil {
			return
		}
		switch {
		case desc.IsDeleted():
			r.teardown(ctx, desc, res)
		case desc.Spec.Unmanaged:
			continue
		default:
			r.applySpec(ctx, desc, eligible, unreachable, networks, res)
		}
	}
}

// applySpec converges one service on its placement
func (r *Reconciler) applySpec(ctx context.Context, desc specstore.SpecDescription,
	eligible, unreachable []types.Host, networks map[string]types.HostNetworks, res *PassResult) {
	spec := desc.Spec
	name := spec.ServiceName()
	logger := log.WithService(name)

	a := r.assignment(spec, eligible, unreachable, networks)

	var rankMap types.RankMap
	if spec.TypeInfo().RankStable {
		rankMap = desc.RankMap.Clone()
		if rankMap == nil {
			rankMap = types.RankMap{}
		}
		a.RankMap = rankMap
	}

	timer := metrics.NewTimer()
	placement, err := a.Place()
	timer.ObserveDuration(metrics.PlacementLatency)
	if err != nil {
		msg := fmt.Sprintf("Failed to apply %s: %v", name, err)
		if r.applyErrors[name] != err.Error() {
			r.events.ForService(name, types.EventLevelError, msg)
		}
		r.applyErrors[name] = err.Error()
		res.Errors = append(res.Errors, fmt.Errorf("apply %s: %w", name, err))
		logger.Warn().Err(err).Msg("placement failed")
		return
	}
	delete(r.applyErrors, name)

	if len(placement.Add) == 0 && len(placement.Remove) == 0 {
		delete(r.placeErrors, name)
		r.saveRankMap(name, desc.RankMap, rankMap)
		return
	}
	logger.Info().
		Int("add", len(placement.Add)).
		Int("remove", len(placement.Remove)).
		Int("deferred", len(placement.Deferred)).
		Msg("converging service")

	var ops []op
	taken := make(map[string]bool)
	for _, p := range placement.Add {
		host, err := r.inventory.Get(p.Hostname)
		if err != nil {
			continue
		}
		id := r.daemonID(spec, p, taken)
		taken[p.DaemonType+"."+id] = true
		ops = append(ops, op{kind: opDeploy, host: host, service: name, spec: r.deploySpec(spec, p, id)})
	}
	for _, d := range placement.Remove {
		if o, ok := r.removeOp(name, d); ok {
			ops = append(ops, o)
		}
	}

	failed := false
	for _, result := range r.runOps(ctx, ops) {
		if !r.handleOpResult(result, rankMap, res) && result.op.kind == opDeploy {
			failed = true
		}
	}
	if !failed {
		delete(r.placeErrors, name)
	}
	r.saveRankMap(name, desc.RankMap, rankMap)
}

func (r *Reconciler) saveRankMap(name string, stored, updated types.RankMap) {
	if updated == nil || updated.Equal(stored) {
		return
	}
	if err := r.specs.SaveRankMap(name, updated); err != nil {
		r.logger.Error().Err(err).Str("service", name).Msg("failed to save rank map")
	}
}

// teardown removes the daemons of a service marked for deletion. Daemons on
// unreachable hosts wait for their host.
func (r *Reconciler) teardown(ctx context.Context, desc specstore.SpecDescription, res *PassResult) {
	name := desc.Spec.ServiceName()
	var ops []op
	for _, d := range r.cache.DaemonsByService(name) {
		if o, ok := r.removeOp(name, d); ok {
			ops = append(ops, o)
		}
	}
	if len(ops) == 0 {
		return
	}
	logger := log.WithService(name)
	logger.Info().Int("daemons", len(ops)).Msg("removing daemons of deleted service")
	for _, result := range r.runOps(ctx, ops) {
		r.handleOpResult(result, nil, res)
	}
}

// removeOrphans removes daemons deployed for a service that is no longer
// stored at all. Daemons keel did not deploy are left alone.
func (r *Reconciler) removeOrphans(ctx context.Context, res *PassResult) {
	var ops []op
	for _, d := range r.cache.Daemons() {
		if d.Service == "" || r.specs.Contains(d.Service) {
			continue
		}
		if o, ok := r.removeOp(d.Service, d); ok {
			ops = append(ops, o)
		}
	}
	if len(ops) == 0 {
		return
	}
	r.logger.Info().Int("daemons", len(ops)).Msg("removing orphaned daemons")
	for _, result := range r.runOps(ctx, ops) {
		r.handleOpResult(result, nil, res)
	}
}

// removeOp builds a removal, or reports false when the daemon's host cannot
// take work
func (r *Reconciler) removeOp(service string, d types.DaemonDescription) (op, bool) {
	host, err := r.inventory.Get(d.Hostname)
	if err != nil || host.Unreachable() {
		return op{}, false
	}
	return op{kind: opRemove, host: host, service: service, daemon: d}, true
}

// runScheduledActions executes pending daemon actions, most drastic first.
// Actions for daemons on unreachable hosts stay pending.
func (r *Reconciler) runScheduledActions(ctx context.Context, res *PassResult) {
	var ops []op
	for _, sa := range r.cache.ScheduledActions() {
		host, err := r.inventory.Get(sa.Hostname)
		if err != nil {
			r.cache.RmScheduledDaemonAction(sa.Hostname, sa.DaemonName)
			continue
		}
		if host.Unreachable() {
			continue
		}
		d, err := r.cache.GetDaemon(sa.DaemonName)
		if err != nil {
			r.cache.RmScheduledDaemonAction(sa.Hostname, sa.DaemonName)
			continue
		}
		o := op{kind: opAction, host: host, service: d.ServiceName(), daemon: d, action: sa.Action}
		if sa.Action == types.ActionRedeploy || sa.Action == types.ActionReconfig {
			o.spec = r.specForDaemon(d)
			o.spec.Reconfig = sa.Action == types.ActionReconfig
		}
		ops = append(ops, o)
	}
	if len(ops) == 0 {
		return
	}
	for _, result := range r.runOps(ctx, ops) {
		r.handleOpResult(result, nil, res)
	}
}

// finalizeDeleted hard-deletes specs whose daemons are all gone
func (r *Reconciler) finalizeDeleted(res *PassResult) {
	for _, desc := range r.specs.DeletedSpecs() {
		name := desc.Spec.ServiceName()
		if len(r.cache.DaemonsByService(name)) > 0 {
			continue
		}
		if _, err := r.specs.FinallyRm(name); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		delete(r.applyErrors, name)
		delete(r.placeErrors, name)
		res.Finalized = append(res.Finalized, name)
	}
}

// handleOpResult folds one command outcome into the cache, the rank map and
// the event log. It reports whether the command succeeded.
func (r *Reconciler) handleOpResult(or opResult, rankMap types.RankMap, res *PassResult) bool {
	o := or.op
	now := r.clock.Now()

	if or.err != nil {
		if isUnreachable(or.err) {
			r.markOffline(o.host.Hostname, or.err)
		}
		var execErr error
		switch o.kind {
		case opDeploy:
			execErr = types.NewExecutionError(types.EventKindService, o.service, o.host.Hostname, or.err)
			r.placeErrors[o.service] = fmt.Sprintf("failed to deploy %s on %s: %v", o.spec.Name(), o.host.Hostname, or.err)
		case opRemove:
			execErr = types.NewExecutionError(types.EventKindDaemon, o.daemon.Name(), o.host.Hostname, or.err)
		case opAction:
			execErr = types.NewExecutionError(types.EventKindDaemon, o.daemon.Name(), o.host.Hostname, or.err)
			if errdefs.IsNotFound(or.err) {
				r.cache.RmScheduledDaemonAction(o.host.Hostname, o.daemon.Name())
			}
		}
		r.events.FromError(execErr)
		res.Errors = append(res.Errors, execErr)
		r.logger.Warn().Err(or.err).Str("op", string(o.kind)).Str("host", o.host.Hostname).Msg("host command failed")
		return false
	}

	switch o.kind {
	case opDeploy:
		d := deployedDaemon(o.spec, or.result, now)
		r.cache.AddDaemon(d)
		r.cache.UpdateDaemonConfig(d.Hostname, d.Name(), now)
		if rankMap != nil && d.Rank != nil && d.RankGeneration != nil {
			if rankMap[*d.Rank] == nil {
				rankMap[*d.Rank] = map[int]string{}
			}
			rankMap[*d.Rank][*d.RankGeneration] = d.DaemonID
		}
		r.events.ForService(o.service, types.EventLevelInfo, resultMessage(or.result, "Deployed %s on host '%s'", d.Name(), d.Hostname))
		res.Deployed = append(res.Deployed, d.Name())

	case opRemove:
		d := o.daemon
		r.cache.RmDaemon(d.Hostname, d.Name())
		if rankMap != nil && d.Rank != nil && d.RankGeneration != nil {
			if gens, ok := rankMap[*d.Rank]; ok {
				delete(gens, *d.RankGeneration)
				if len(gens) == 0 {
					delete(rankMap, *d.Rank)
				}
			}
		}
		r.events.ForService(o.service, types.EventLevelInfo, resultMessage(or.result, "Removed %s from host '%s'", d.Name(), d.Hostname))
		res.Removed = append(res.Removed, d.Name())

	case opAction:
		d := o.daemon
		r.cache.RmScheduledDaemonAction(d.Hostname, d.Name())
		switch o.action {
		case types.ActionRedeploy, types.ActionReconfig:
			updated := deployedDaemon(o.spec, or.result, now)
			updated.Created = d.Created
			r.cache.AddDaemon(updated)
			r.cache.UpdateDaemonConfig(d.Hostname, d.Name(), now)
		case types.ActionStop:
			d.Status = types.DaemonStatusStopped
			r.cache.AddDaemon(d)
		default:
			d.Status = types.DaemonStatusRunning
			r.cache.AddDaemon(d)
		}
		r.events.ForDaemon(d.Name(), types.EventLevelInfo, resultMessage(or.result, "%s %s on host '%s'", titleCase(string(o.action)), d.Name(), d.Hostname))
		res.Actions = append(res.Actions, types.ScheduledAction{Hostname: d.Hostname, DaemonName: d.Name(), Action: o.action})
	}
	if err := r.cache.SaveHost(o.host.Hostname); err != nil {
		r.logger.Error().Err(err).Str("host", o.host.Hostname).Msg("failed to persist observed state")
	}
	return true
}

// daemonID picks a fresh daemon id for slot p. Types without a service id
// and without standbys run once per host and are named after it.
func (r *Reconciler) daemonID(spec types.ServiceSpec, p types.DaemonPlacement, taken map[string]bool) string {
	if p.Name != "" {
		return p.Name
	}
	info := spec.TypeInfo()
	for {
		var id string
		switch {
		case p.Rank != nil && p.RankGeneration != nil:
			id = fmt.Sprintf("%s.%d.%d.%s.%s", spec.ServiceID, *p.Rank, *p.RankGeneration, p.Hostname, randomSuffix())
		case info.RequiresServiceID:
			id = spec.ServiceID + "." + p.Hostname + "." + randomSuffix()
		case info.HasStandby:
			id = p.Hostname + "." + randomSuffix()
		default:
			return p.Hostname
		}
		name := p.DaemonType + "." + id
		if !taken[name] && !r.cache.HasDaemon(name) {
			return id
		}
	}
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// desiredImage is the image a daemon of service should run
func (r *Reconciler) desiredImage(service string) string {
	if desc, err := r.specs.Get(service); err == nil && desc.Spec.Config.Image != "" {
		return desc.Spec.Config.Image
	}
	return r.upgrade.Image(r.cfg.Image)
}

func (r *Reconciler) deploySpec(spec types.ServiceSpec, p types.DaemonPlacement, id string) executor.DaemonSpec {
	return executor.DaemonSpec{
		DaemonType:     p.DaemonType,
		DaemonID:       id,
		ServiceName:    spec.ServiceName(),
		Hostname:       p.Hostname,
		Image:          r.desiredImage(spec.ServiceName()),
		Network:        p.Network,
		IP:             p.IP,
		Ports:          append([]int(nil), p.Ports...),
		Rank:           p.Rank,
		RankGeneration: p.RankGeneration,
		Extra:          copyExtra(spec.Config.Extra),
	}
}

// specForDaemon rebuilds the deploy request of an existing daemon
func (r *Reconciler) specForDaemon(d types.DaemonDescription) executor.DaemonSpec {
	service := d.ServiceName()
	var extra map[string]string
	if desc, err := r.specs.Get(service); err == nil {
		extra = copyExtra(desc.Spec.Config.Extra)
	}
	return executor.DaemonSpec{
		DaemonType:     d.DaemonType,
		DaemonID:       d.DaemonID,
		ServiceName:    service,
		Hostname:       d.Hostname,
		Image:          r.desiredImage(service),
		IP:             d.IP,
		Ports:          append([]int(nil), d.Ports...),
		Rank:           d.Rank,
		RankGeneration: d.RankGeneration,
		Extra:          extra,
	}
}

// deployedDaemon is the cache record of a fresh deploy, preferring what the
// host reported
func deployedDaemon(spec executor.DaemonSpec, result *executor.Result, now time.Time) types.DaemonDescription {
	if result != nil && result.Daemon != nil {
		d := *result.Daemon
		d.Hostname = spec.Hostname
		if d.Service == "" {
			d.Service = spec.ServiceName
		}
		return d
	}
	return types.DaemonDescription{
		DaemonType:     spec.DaemonType,
		DaemonID:       spec.DaemonID,
		Hostname:       spec.Hostname,
		Service:        spec.ServiceName,
		Status:         types.DaemonStatusStarting,
		Rank:           spec.Rank,
		RankGeneration: spec.RankGeneration,
		IP:             spec.IP,
		Ports:          spec.Ports,
		Image:          spec.Image,
		Created:        now,
		LastConfigured: now,
	}
}

func resultMessage(result *executor.Result, format string, args ...interface{}) string {
	if result != nil && result.Message != "" {
		return result.Message
	}
	return fmt.Sprintf(format, args...)
}

func copyExtra(extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// progressUpgrade schedules a redeploy for every daemon not yet on its
// desired image and completes the upgrade once none is left
func (r *Reconciler) progressUpgrade() {
	if !r.upgrade.InProgress() {
		return
	}
	pending := 0
	for _, d := range r.cache.Daemons() {
		if d.Image == r.desiredImage(d.ServiceName()) {
			continue
		}
		pending++
		r.cache.ScheduleDaemonAction(d.Hostname, d.Name(), types.ActionRedeploy)
	}
	if pending > 0 {
		return
	}
	target := r.upgrade.State().TargetImage
	if err := r.upgrade.finish(); err != nil {
		r.logger.Error().Err(err).Msg("failed to record upgrade completion")
		return
	}
	r.logger.Info().Str("image", target).Msg("upgrade complete")
}
