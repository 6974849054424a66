package reconciler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/cuemby/keel/pkg/cache"
	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/config"
	"github.com/cuemby/keel/pkg/events"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/inventory"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/metrics"
	"github.com/cuemby/keel/pkg/specstore"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the loop
type Config struct {
	Interval        time.Duration
	WorkerPoolSize  int
	HostTimeout     time.Duration
	StrictPlacement bool

	// Image is deployed when neither the service nor an upgrade names one
	Image string
}

// ConfigFrom extracts the loop settings from the process configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Interval:        cfg.Loop.Interval,
		WorkerPoolSize:  cfg.Loop.WorkerPoolSize,
		HostTimeout:     cfg.Loop.HostTimeout,
		StrictPlacement: cfg.Scheduler.StrictPlacement,
		Image:           cfg.Image,
	}
}

// Deps are the components the loop reads and writes
type Deps struct {
	Inventory *inventory.Registry
	Cache     *cache.Cache
	Specs     *specstore.Store
	Events    *events.Store
	Executor  executor.HostExecutor
	Upgrade   *Upgrade
	Clock     clock.Clock

	// Health receives the cluster checks after every pass; optional
	Health *metrics.HealthChecker
}

// PassResult summarizes one reconciliation pass
type PassResult struct {
	Refreshed []string
	Deployed  []string
	Removed   []string
	Actions   []types.ScheduledAction
	Finalized []string
	Errors    []error
}

// Changed reports whether the pass issued any host command
func (p *PassResult) Changed() bool {
	return len(p.Deployed) > 0 || len(p.Removed) > 0 || len(p.Actions) > 0 || len(p.Finalized) > 0
}

// Reconciler drives observed state toward desired state
type Reconciler struct {
	cfg       Config
	inventory *inventory.Registry
	cache     *cache.Cache
	specs     *specstore.Store
	events    *events.Store
	exec      executor.HostExecutor
	upgrade   *Upgrade
	clock     clock.Clock
	health    *metrics.HealthChecker

	// passMu serializes passes; the error maps below belong to the pass
	passMu        sync.Mutex
	refreshErrors map[string]string
	checkErrors   map[string]string
	applyErrors   map[string]string
	placeErrors   map[string]string

	locksMu   sync.Mutex
	hostLocks map[string]*sync.Mutex

	checksMu sync.RWMutex
	checks   []types.HealthCheck

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	logger zerolog.Logger
}

// New creates a reconciler
func New(cfg Config, deps Deps) *Reconciler {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 10
	}
	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = 30 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	upgrade := deps.Upgrade
	if upgrade == nil {
		upgrade = NewUpgrade(storage.NewMemoryStore(), clk)
	}
	evs := deps.Events
	if evs == nil {
		evs = events.NewStore(clk, nil)
	}
	return &Reconciler{
		cfg:           cfg,
		inventory:     deps.Inventory,
		cache:         deps.Cache,
		specs:         deps.Specs,
		events:        evs,
		exec:          deps.Executor,
		upgrade:       upgrade,
		clock:         clk,
		health:        deps.Health,
		refreshErrors: make(map[string]string),
		checkErrors:   make(map[string]string),
		applyErrors:   make(map[string]string),
		placeErrors:   make(map[string]string),
		hostLocks:     make(map[string]*sync.Mutex),
		wakeCh:        make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		logger:        log.WithComponent("reconciler"),
	}
}

// Start begins the reconciliation loop. The first pass runs at once.
func (r *Reconciler) Start(ctx context.Context) {
	r.Kick()
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the loop and waits for the pass in flight
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Kick requests a pass without waiting for the next tick
func (r *Reconciler) Kick() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// run is the main reconciliation loop
func (r *Reconciler) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-r.wakeCh:
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}

		res := r.RunOnce(ctx)
		if res.Changed() || len(res.Errors) > 0 {
			r.logger.Info().
				Int("deployed", len(res.Deployed)).
				Int("removed", len(res.Removed)).
				Int("actions", len(res.Actions)).
				Int("finalized", len(res.Finalized)).
				Int("errors", len(res.Errors)).
				Msg("reconciliation pass complete")
		}
	}
}

// RunOnce performs one reconciliation pass: refresh stale hosts, converge
// every spec, run scheduled actions, finalize deleted services, then
// recompute health.
func (r *Reconciler) RunOnce(ctx context.Context) *PassResult {
	r.passMu.Lock()
	defer r.passMu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcilePassesTotal.Inc()
	}()

	res := &PassResult{}
	r.refreshHosts(ctx, res)

	// An upgrade completes only once every host has reported its daemons.
	// Placement works on the hosts that did; the rest are not candidates.
	if r.cache.DaemonCacheFilled() {
		r.progressUpgrade()
	} else if r.upgrade.InProgress() {
		r.logger.Debug().Msg("not all hosts have reported daemons yet, upgrade waits")
	}
	r.applyAllSpecs(ctx, res)
	r.removeOrphans(ctx, res)
	r.runScheduledActions(ctx, res)
	r.finalizeDeleted(res)

	r.cleanupEvents()
	r.updateHealth()
	return res
}

// hostLock returns the mutex serializing operations against host
func (r *Reconciler) hostLock(host string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	m, ok := r.hostLocks[host]
	if !ok {
		m = &sync.Mutex{}
		r.hostLocks[host] = m
	}
	return m
}

// markOffline flags a normal host as offline after it failed to answer
func (r *Reconciler) markOffline(host string, cause error) {
	h, err := r.inventory.Get(host)
	if err != nil || h.Status != types.HostStatusNormal {
		return
	}
	if err := r.inventory.SetStatus(host, types.HostStatusOffline); err != nil {
		r.logger.Error().Err(err).Str("host", host).Msg("failed to mark host offline")
		return
	}
	logger := log.WithHost(host)
	logger.Warn().Err(cause).Msg("host is offline")
}

// markOnline clears the offline flag of a host that answered again. The
// same job refreshes every kind of data, so nothing is queued here. A status
// an operator set while the job ran is kept.
func (r *Reconciler) markOnline(host string) {
	h, err := r.inventory.Get(host)
	if err != nil || h.Status != types.HostStatusOffline {
		return
	}
	if err := r.inventory.SetStatus(host, types.HostStatusNormal); err != nil {
		r.logger.Error().Err(err).Str("host", host).Msg("failed to clear offline status")
		return
	}
	logger := log.WithHost(host)
	logger.Info().Msg("host is back online")
}

func (r *Reconciler) cleanupEvents() {
	var services []string
	for _, d := range r.specs.AllSpecs() {
		services = append(services, d.Spec.ServiceName())
	}
	var daemons []string
	for _, d := range r.cache.Daemons() {
		daemons = append(daemons, d.Name())
	}
	if n := r.events.Cleanup(services, daemons); n > 0 {
		r.logger.Debug().Int("subjects", n).Msg("dropped events of removed subjects")
	}
}

// Upgrade returns the upgrade tracker
func (r *Reconciler) Upgrade() *Upgrade {
	return r.upgrade
}

// isUnreachable reports whether err means the host did not answer
func isUnreachable(err error) bool {
	var unreachable *types.UnreachableError
	return errors.As(err, &unreachable) ||
		errdefs.IsUnavailable(err) ||
		errors.Is(err, context.DeadlineExceeded)
}
