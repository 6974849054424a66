/*
Package types defines the keel data model shared by every other package.

# Desired state

	ServiceSpec        service_type[.service_id] + PlacementSpec + ServiceConfig
	PlacementSpec      one of hosts / label / host_pattern, plus count or count_per_host
	HostPlacementSpec  host[:network][=name]
	RankMap            rank -> generation -> daemon id, for rank-stable services

Specs are validated before any use. Validation never coerces a value; any
contradiction is a *ValidationError and nothing is saved.

# Observed state

	Host               inventory record (address, labels, status)
	DaemonDescription  a daemon reported by a host, named type.id
	Device, HostFacts, HostNetworks
	ScheduledAction    pending start/restart/reconfig/redeploy/stop

# Scheduling

DaemonPlacement is the scheduler's slot type. It carries the matching rules
used to bind observed daemons to slots (MatchesDaemon, MatchesRankMap) and the
rank bookkeeping for new slots (AssignRankGeneration).

# Service types

The service-type registry (LookupServiceType) records per-type traits:
whether a service_id is required, whether colocation is allowed, whether the
service is rank-stable, the per-host satellite daemon type, and default ports.

# Errors

ValidationError, NotFoundError, UnreachableError and ExecutionError wrap the
containerd errdefs classes, so callers can test with errdefs.IsInvalidArgument,
errdefs.IsNotFound and errdefs.IsUnavailable.
*/
package types
