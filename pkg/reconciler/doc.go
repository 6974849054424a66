/*
Package reconciler drives the observed state of the cluster toward the
desired state.

The reconciler is the only writer of observed state and the only caller of
the host executor. Every pass reads the inventory, the observed-state cache
and the desired-state store, issues host commands through a bounded worker
pool and folds the results back in, one at a time, on the loop goroutine.

# Architecture

A pass runs on every tick of the configured interval, and at once when
Kick is called (the orchestrator kicks after every mutation):

	┌────────────────────────────────────────────────────────────┐
	│                    Reconciliation Pass                     │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	                 ▼
	┌────────────────────────────┐
	│ 1. Refresh                 │  stale hosts only, worker pool,
	│    check, daemons, devices │  offline hosts checked every pass
	└────────────┬───────────────┘
	             │
	             ▼
	┌────────────────────────────┐
	│ 2. Upgrade                 │  schedule redeploys onto the
	│                            │  target image (all hosts seen)
	├────────────────────────────┤
	│ 3. Apply                   │  scheduler.Place per spec,
	│    deploy / remove         │  teardown of deleted specs,
	│                            │  orphaned daemons
	├────────────────────────────┤
	│ 4. Scheduled actions       │  most drastic first
	├────────────────────────────┤
	│ 5. Finalize                │  hard-delete specs with no
	│                            │  daemons left
	└────────────┬───────────────┘
	             ▼
	┌────────────────────────────┐
	│ 6. Health                  │  HOST_OFFLINE, FAILED_DAEMON,
	│    events cleanup          │  APPLY_SPEC_FAIL, NO_STANDBY, ...
	└────────────────────────────┘

A host that has never reported its daemons is not a placement candidate, so
a host whose refresh keeps failing only loses its own slots; the rest of the
fleet converges. An upgrade is not declared complete until every reachable
host has reported its daemons at least once.

# Concurrency

Host commands run on an errgroup limited to the configured pool size. Each
host has its own mutex, so commands against one host never overlap while
different hosts proceed in parallel. Every command runs under the per-host
timeout; a timeout or an unreachable host marks the host offline unless it
is in maintenance.

Workers never touch the cache. Refresh results arrive on a channel and
command results in a slice; the loop applies them after the workers return.

# Unreachable hosts

An offline host keeps its daemons in the cache. They still fill their
placement slots, nothing new is placed there, and nothing is removed from
there until the host answers again. Services that reschedule from offline
hosts (nfs) get a replacement at the next rank generation instead; the old
daemon is removed once its host is back.

# Upgrades

Upgrade holds the cluster image. While an upgrade is running every daemon
whose image differs from the desired one gets a redeploy scheduled; once none
is left the target becomes the current image. A service that pins an image
in its config is never moved.

# Usage

	rec := reconciler.New(reconciler.ConfigFrom(cfg), reconciler.Deps{
		Inventory: inv,
		Cache:     observed,
		Specs:     specs,
		Events:    evs,
		Executor:  agents,
		Upgrade:   upgrade,
		Health:    health,
	})
	rec.Start(ctx)
	defer rec.Stop()

	// after a mutation
	rec.Kick()

Tests drive single passes with RunOnce and an executor.Fake:

	res := rec.RunOnce(ctx)
	fmt.Println(res.Deployed, res.Removed, res.Errors)
*/
package reconciler
