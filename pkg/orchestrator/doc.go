/*
Package orchestrator is the declarative surface of a keel control plane.

An Orchestrator owns the inventory, the observed-state cache, the spec store,
the event log and the reconciler, all built over one storage.Store. Callers
state what they want; the orchestrator validates it, persists it, wakes the
reconciler and returns. No call waits for hosts to converge.

# Architecture

	  Apply / RemoveService / AddHost / EnterMaintenance / DaemonAction ...
	                              │
	                              ▼
	┌──────────────────────────────────────────────────────────┐
	│                       Orchestrator                       │
	│   validate ─► persist ─► Kick          answer at once    │
	└───────┬──────────────┬───────────────┬───────────────────┘
	        │              │               │
	        ▼              ▼               ▼
	┌─────────────┐ ┌─────────────┐ ┌─────────────┐
	│  inventory  │ │  specstore  │ │    cache    │◄── scheduled
	│   (hosts)   │ │   (specs)   │ │ (observed)  │    actions
	└──────┬──────┘ └──────┬──────┘ └──────┬──────┘
	       └───────────────┼───────────────┘
	                       ▼
	              ┌─────────────────┐       ┌──────────────┐
	              │   reconciler    │──────►│ HostExecutor │
	              └─────────────────┘       └──────────────┘

Reads (ListHosts, ListDaemons, DescribeService, HealthChecks) are served
from memory. Daemons on offline hosts are listed in error and daemons on
hosts in maintenance as stopped.

# Maintenance

A host in maintenance keeps its daemons and their placement slots, but no
command reaches it. Entering is refused on single host clusters and while an
upgrade runs. Without force it is also refused for the last available host
carrying the _admin label, and when the host runs the only running daemon of
a service.

# Usage

	orch, err := orchestrator.New(cfg, store, agent.NewClient(cfg.Agent))
	if err != nil {
		return err
	}
	orch.Start(ctx)
	defer orch.Stop()

	msg, err := orch.Apply(types.ServiceSpec{
		ServiceType: "rgw",
		ServiceID:   "main",
		Placement:   types.PlacementSpec{Label: "gateway", Count: types.IntPtr(2)},
	})
	// msg == "Scheduled rgw.main update..."
*/
package orchestrator
