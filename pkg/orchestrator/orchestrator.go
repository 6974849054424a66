package orchestrator

import (
	"context"
	"fmt"

	"github.com/cuemby/keel/pkg/cache"
	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/config"
	"github.com/cuemby/keel/pkg/events"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/inventory"
	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/metrics"
	"github.com/cuemby/keel/pkg/reconciler"
	"github.com/cuemby/keel/pkg/specstore"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
	"github.com/rs/zerolog"
)

// Orchestrator is the declarative surface of a keel control plane. Every
// mutation is validated, persisted and answered at once; the reconciler
// converges the hosts in the background.
type Orchestrator struct {
	cfg   *config.Config
	clock clock.Clock
	exec  executor.HostExecutor

	inventory  *inventory.Registry
	cache      *cache.Cache
	specs      *specstore.Store
	broker     *events.Broker
	events     *events.Store
	upgrade    *reconciler.Upgrade
	health     *metrics.HealthChecker
	reconciler *reconciler.Reconciler

	logger zerolog.Logger
}

type options struct {
	clock   clock.Clock
	version string
}

// Option customizes an Orchestrator
type Option func(*options)

// WithClock replaces the wall clock, for tests
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithVersion sets the version reported by the health endpoints
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New loads the persisted state from store and wires the control plane.
// The reconciler is not started until Start is called.
func New(cfg *config.Config, store storage.Store, exec executor.HostExecutor, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || exec == nil {
		return nil, fmt.Errorf("orchestrator needs a store and a host executor")
	}

	o := options{clock: clock.Real{}, version: "dev"}
	for _, fn := range opts {
		fn(&o)
	}

	inv := inventory.NewRegistry(store)
	if err := inv.Load(); err != nil {
		return nil, fmt.Errorf("failed to load inventory: %w", err)
	}

	status := func(host string) types.HostStatus {
		h, err := inv.Get(host)
		if err != nil {
			return types.HostStatusNormal
		}
		return h.Status
	}
	ttl := cache.TTLs{
		Daemons:   cfg.Cache.DaemonTTL,
		Devices:   cfg.Cache.DeviceTTL,
		Facts:     cfg.Cache.FactsTTL,
		HostCheck: cfg.Cache.HostCheckTTL,
	}
	observed := cache.New(store, ttl, o.clock, status)
	if err := observed.Load(inv.Contains); err != nil {
		return nil, fmt.Errorf("failed to load observed state: %w", err)
	}

	specs := specstore.New(store, o.clock)
	if err := specs.Load(); err != nil {
		return nil, fmt.Errorf("failed to load service specs: %w", err)
	}

	upgrade := reconciler.NewUpgrade(store, o.clock)
	if err := upgrade.Load(); err != nil {
		return nil, fmt.Errorf("failed to load upgrade state: %w", err)
	}

	broker := events.NewBroker()
	evs := events.NewStore(o.clock, broker)
	health := metrics.NewHealthChecker(o.version, "storage", "reconciler")

	rec := reconciler.New(reconciler.ConfigFrom(cfg), reconciler.Deps{
		Inventory: inv,
		Cache:     observed,
		Specs:     specs,
		Events:    evs,
		Executor:  exec,
		Upgrade:   upgrade,
		Clock:     o.clock,
		Health:    health,
	})

	return &Orchestrator{
		cfg:        cfg,
		clock:      o.clock,
		exec:       exec,
		inventory:  inv,
		cache:      observed,
		specs:      specs,
		broker:     broker,
		events:     evs,
		upgrade:    upgrade,
		health:     health,
		reconciler: rec,
		logger:     log.WithComponent("orchestrator"),
	}, nil
}

// Start runs the event broker and the reconciliation loop
func (o *Orchestrator) Start(ctx context.Context) {
	o.broker.Start()
	o.health.UpdateComponent("storage", true, "")
	o.health.UpdateComponent("reconciler", true, "running")
	o.reconciler.Start(ctx)
	o.logger.Info().
		Int("hosts", o.inventory.Len()).
		Int("services", len(o.specs.ActiveSpecs())).
		Msg("orchestrator started")
}

// Stop waits for the running pass to finish and stops the loop
func (o *Orchestrator) Stop() {
	o.reconciler.Stop()
	o.broker.Stop()
	o.health.UpdateComponent("reconciler", false, "stopped")
	o.logger.Info().Msg("orchestrator stopped")
}

// Reconcile runs one pass synchronously
func (o *Orchestrator) Reconcile(ctx context.Context) *reconciler.PassResult {
	return o.reconciler.RunOnce(ctx)
}

// HealthChecks returns the cluster checks of the last pass
func (o *Orchestrator) HealthChecks() []types.HealthCheck {
	return o.reconciler.HealthChecks()
}

// Health returns the checker backing the health endpoints
func (o *Orchestrator) Health() *metrics.HealthChecker {
	return o.health
}

// Events returns the event log
func (o *Orchestrator) Events() *events.Store {
	return o.events
}

// Subscribe streams every event recorded from now on
func (o *Orchestrator) Subscribe() events.Subscriber {
	return o.broker.Subscribe()
}

// Unsubscribe stops a stream returned by Subscribe
func (o *Orchestrator) Unsubscribe(sub events.Subscriber) {
	o.broker.Unsubscribe(sub)
}

// track counts an API call by outcome
func track(method string, err error) {
	metrics.APIRequestsTotal.WithLabelValues(method, metrics.Result(err)).Inc()
}
