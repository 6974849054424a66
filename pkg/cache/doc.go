/*
Package cache holds keel's observed state: what each host reported the last
time it was refreshed.

Every host owns one partition containing its daemons, devices, networks and
facts, the timestamp of the last refresh of each kind, the pending daemon
actions and the last (re)configuration time of each daemon. Partitions are
keyed by hostname; daemons inside a partition are keyed by daemon name.
Nothing holds a pointer into another partition.

# Staleness

NeedsRefresh answers "should this kind of data be fetched again" per host:

	host offline           -> false (only the host check still runs)
	host in refresh queue  -> true, and the host leaves the queue
	older than its TTL     -> true

The daemon and device queues are one-shot: PrimeEmptyHost, Invalidate* and
RefreshAllHostInfo put hosts in them so the next pass refreshes regardless of
TTL.

Device refreshes track two timestamps. last_device_update moves on every
refresh; last_device_change only moves when the device set differs by path or
attributes, so provisioning keyed on it re-runs only on real changes.

# Pending actions

ScheduleDaemonAction keeps at most one pending action per daemon and never
replaces a more drastic action with a milder one (start < restart < reconfig
< redeploy < stop).

# Removal

RmHost drops every partition of a host in one critical section. When a
refresh of the host is in flight (BeginRefresh without EndRefresh) the host is
hidden at once and purged when the refresh ends, so a late result cannot bring
it back.

# Warm start

SaveHost and Load persist partitions under the "hostcache." prefix. Loaded
daemons are always queued for refresh.
*/
package cache
