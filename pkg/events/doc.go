/*
Package events records what the orchestrator did, or failed to do, to each
service and daemon.

Two pieces live here:

	        ForService / ForDaemon / FromError
	                      │
	                      ▼
	┌──────────────────────────────────────┐
	│ Store                                │
	│  key "service:rgw.foo" → [e1 .. e5]  │
	│  key "daemon:mon.h1"   → [e1 .. e3]  │
	└──────────────────┬───────────────────┘
	                   │ Publish (non-blocking)
	                   ▼
	┌──────────────────────────────────────┐
	│ Broker                               │
	│  eventCh (100) → subscribers (50)    │
	└──────────────────────────────────────┘

# Store

Events are grouped by subject. Each subject keeps at most MaxPerSubject
entries, oldest first. Adding an event whose message already exists for the
subject drops the older copy, so repeated failures of the same kind occupy
one slot and always show the most recent time.

Cleanup removes the history of services and daemons that are gone. The
reconciliation loop calls it once per pass with the current spec and daemon
names.

# Broker

Broker is a fire-and-forget fan out. Publish never blocks: if the broker
queue or a subscriber buffer is full the event is dropped for that consumer.
The Store remains the source of truth.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	store := events.NewStore(clock.Real{}, broker)
	store.ForService("rgw.foo", types.EventLevelInfo, "Deployed rgw.foo.h1.abcdef on host 'h1'")

	for _, e := range store.GetForService("rgw.foo") {
		fmt.Println(e)
	}
*/
package events
