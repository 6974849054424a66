/*
Package scheduler decides which hosts should run the daemons of a service.

The scheduler is a pure function of its inputs. It reads a validated
ServiceSpec, the eligible hosts, the unreachable hosts and the observed
daemons of the service, and returns which slots to keep, which daemons to add
and which to remove. It performs no I/O and holds no state between calls; the
reconciler builds a fresh HostAssignment for every service on every pass.

# Pipeline

	┌──────────────────────────────────────────────────────────────┐
	│ 1. Validate       spec, count, colocation, host references  │
	├──────────────────────────────────────────────────────────────┤
	│ 2. Candidates     hosts > label > pattern > all hosts       │
	│                   network IP pick, FilterNewHost            │
	│                   sort, then seeded shuffle                 │
	├──────────────────────────────────────────────────────────────┤
	│ 3. Expand         count_per_host slots, or enough colocated │
	│                   slots to reach count                      │
	├──────────────────────────────────────────────────────────────┤
	│ 4. Match          existing daemons bind to the first free   │
	│                   slot in priority order                    │
	├──────────────────────────────────────────────────────────────┤
	│ 5. Count          trim the tail or add free reachable slots │
	├──────────────────────────────────────────────────────────────┤
	│ 6. Ranks          new slots take the lowest free rank       │
	├──────────────────────────────────────────────────────────────┤
	│ 7. Per host       one satellite daemon per placed host      │
	└──────────────────────────────────────────────────────────────┘

# Determinism

Candidates are sorted and then shuffled with a generator seeded from the
first four bytes of the SHA-1 of the service name. Equal inputs always give
the same placement, and services with equal host sets still spread across
different hosts.

# Priority

Existing daemons are ordered active first, ranked before unranked, lowest
rank first and newest generation first. When a service is scaled down the
tail of that order is removed, so standbys and high ranks go before the
active daemon and rank 0.

# Unreachable hosts

Hosts that are offline or in maintenance stay candidates. A daemon on such a
host still occupies its slot and counts toward the target, but the slot is
not reported in Keep, nothing is added there and none of its daemons are
removed; they are reported in Deferred. Service types that reschedule from
offline hosts drop offline (not maintenance) hosts from the candidates so
their ranks move elsewhere.

# Ranks

Rank-stable services carry a RankMap of rank → generation → daemon id. A
replacement is added at generation max+1 and reserved in the map with an
empty id, leaving the old daemon serving until the new one is recorded.

# Usage

	a := scheduler.NewHostAssignment(spec, eligible, unreachable, daemons)
	a.RankMap = desc.RankMap.Clone()
	res, err := a.Place()
	if err != nil {
		return err
	}
	for _, p := range res.Add {
		deploy(p)
	}
	for _, d := range res.Remove {
		remove(d)
	}
*/
package scheduler
