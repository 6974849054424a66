package scheduler

import (
	"crypto/sha1"
	"encoding/binary"
	"math/rand"
	"sort"
	"strings"

	"github.com/cuemby/keel/pkg/log"
	"github.com/cuemby/keel/pkg/types"
)

// HostAssignment computes where the daemons of one service should run. It
// does no I/O; every input is passed in and the only side effect is on
// RankMap, which receives reservations for newly added ranked slots.
type HostAssignment struct {
	Spec types.ServiceSpec

	// Hosts are the eligible hosts, reachable or not
	Hosts []types.Host

	// UnreachableHosts are offline or in maintenance. Their daemons count
	// toward the target but they never receive new daemons and their
	// daemons are never removed.
	UnreachableHosts []types.Host

	// Daemons are the observed daemons of the service
	Daemons []types.DaemonDescription

	// Networks maps hostname to its networks, for specs that pin subnets
	Networks map[string]types.HostNetworks

	// FilterNewHost, when set, drops candidate hosts it rejects
	FilterNewHost func(hostname string) bool

	AllowColo         bool
	PrimaryDaemonType string
	PerHostDaemonType string

	// RankMap is nil for services without stable ranks
	RankMap types.RankMap

	// Strict rejects a counted placement that has no reachable candidate
	Strict bool
}

// NewHostAssignment builds an assignment using the scheduling traits of the
// spec's service type
func NewHostAssignment(spec types.ServiceSpec, hosts, unreachable []types.Host, daemons []types.DaemonDescription) *HostAssignment {
	info := spec.TypeInfo()
	return &HostAssignment{
		Spec:              spec,
		Hosts:             hosts,
		UnreachableHosts:  unreachable,
		Daemons:           daemons,
		AllowColo:         info.AllowColo,
		PrimaryDaemonType: info.PrimaryDaemonType,
		PerHostDaemonType: info.PerHostDaemonType,
		Strict:            true,
	}
}

// Result is the outcome of a placement run
type Result struct {
	// Slots is the complete target slot set, including slots held by
	// daemons on unreachable hosts
	Slots []types.DaemonPlacement

	// Keep are slots already served by a daemon on a reachable host
	Keep []types.DaemonPlacement

	// Add are new daemons to deploy
	Add []types.DaemonPlacement

	// Remove are daemons to tear down
	Remove []types.DaemonDescription

	// Deferred are daemons on unreachable hosts that are left alone until
	// the host comes back
	Deferred []types.DaemonDescription
}

// bound is a slot together with the daemon occupying it
type bound struct {
	slot   types.DaemonPlacement
	daemon types.DaemonDescription
}

func (a *HostAssignment) primaryType() string {
	if a.PrimaryDaemonType != "" {
		return a.PrimaryDaemonType
	}
	return a.Spec.ServiceType
}

func (a *HostAssignment) unreachable() map[string]bool {
	out := make(map[string]bool, len(a.UnreachableHosts))
	for _, h := range a.UnreachableHosts {
		out[h.Hostname] = true
	}
	return out
}

func (a *HostAssignment) hostnames() map[string]bool {
	out := make(map[string]bool, len(a.Hosts))
	for _, h := range a.Hosts {
		out[h.Hostname] = true
	}
	return out
}

// Validate checks the spec against the host set
func (a *HostAssignment) Validate() error {
	spec := a.Spec
	if err := spec.Validate(); err != nil {
		return err
	}
	p := spec.Placement

	if p.Count != nil && *p.Count == 0 {
		return types.NewValidationError("<count> can not be 0 for %s", spec.OneLine())
	}
	if p.CountPerHost != nil && *p.CountPerHost > 1 && !a.AllowColo {
		return types.NewValidationError("Cannot place more than one %s per host", spec.ServiceType)
	}

	if len(p.Hosts) > 0 {
		known := a.hostnames()
		var unknown []string
		for _, h := range p.Hosts {
			if !known[h.Hostname] {
				unknown = append(unknown, h.Hostname)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return types.NewValidationError("Cannot place %s on %s: Unknown hosts", spec.OneLine(), strings.Join(unknown, ", "))
		}
	}
	if p.HostPattern != "" && len(p.FilterMatchingHostnames(a.Hosts)) == 0 {
		return types.NewValidationError("Cannot place %s: No matching hosts", spec.OneLine())
	}
	if p.Label != "" && len(p.FilterMatchingHostnames(a.Hosts)) == 0 {
		return types.NewValidationError("Cannot place %s: No matching hosts for label %s", spec.OneLine(), p.Label)
	}
	return nil
}

// Place validates the spec and computes the slot diff
func (a *HostAssignment) Place() (*Result, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	logger := log.WithService(a.Spec.ServiceName())

	unreachable := a.unreachable()
	count := a.Spec.Placement.Count

	candidates, err := a.candidates()
	if err != nil {
		return nil, err
	}
	if a.Spec.TypeInfo().RescheduleFromOffline {
		candidates = a.dropOfflineCandidates(candidates)
	}

	if a.Strict && count != nil {
		reachable := 0
		for _, c := range candidates {
			if !unreachable[c.Hostname] {
				reachable++
			}
		}
		if reachable == 0 {
			return nil, types.NewValidationError("Cannot place %s: no reachable hosts", a.Spec.OneLine())
		}
	}

	// expand into enough slots to fulfil count or count_per_host
	if count == nil {
		perHost := 1
		if cph := a.Spec.Placement.CountPerHost; cph != nil {
			perHost = *cph
		}
		candidates = expand(candidates, perHost)
	} else if a.AllowColo && len(candidates) > 0 {
		candidates = expand(candidates, 1+(*count-1)/len(candidates))
	}

	primary := a.primaryType()
	var daemons []types.DaemonDescription
	for _, d := range a.Daemons {
		if d.DaemonType == primary {
			daemons = append(daemons, d)
		}
	}
	sortByPriority(daemons)

	var (
		existing []bound
		toAdd    []types.DaemonPlacement
		toRemove []types.DaemonDescription
	)
	ranks := make([]int, len(candidates))
	for i := range ranks {
		ranks[i] = i
	}
	others := append([]types.DaemonPlacement(nil), candidates...)

	for _, d := range daemons {
		found := false
		for i, p := range others {
			if !p.MatchesDaemon(d) || !p.MatchesRankMap(d, a.RankMap, ranks) {
				continue
			}
			others = append(others[:i], others[i+1:]...)
			if d.Rank != nil && d.RankGeneration != nil {
				p = p.AssignRank(*d.Rank, *d.RankGeneration)
				ranks = removeInt(ranks, *d.Rank)
			}
			existing = append(existing, bound{slot: p, daemon: d})
			found = true
			break
		}
		if !found {
			toRemove = append(toRemove, d)
		}
	}

	if count == nil {
		for _, p := range others {
			if !unreachable[p.Hostname] {
				toAdd = append(toAdd, p)
			}
		}
	} else {
		need := *count - len(existing)
		if need <= 0 {
			for _, b := range existing[*count:] {
				toRemove = append(toRemove, b.daemon)
			}
			existing = existing[:*count]
		}
		for _, p := range others {
			if need <= 0 {
				break
			}
			if !unreachable[p.Hostname] {
				toAdd = append(toAdd, p)
				need--
			}
		}
	}

	if a.RankMap != nil {
		for i := range toAdd {
			toAdd[i] = toAdd[i].AssignRankGeneration(ranks[i], a.RankMap)
		}
	}

	if count != nil && len(existing)+len(toAdd) < *count {
		logger.Debug().
			Int("target", *count).
			Int("placed", len(existing)+len(toAdd)).
			Msg("Not enough candidate hosts to reach target count")
	}

	existing, toAdd, toRemove = a.placePerHost(existing, toAdd, toRemove, unreachable)

	res := &Result{Add: toAdd}
	for _, b := range existing {
		res.Slots = append(res.Slots, b.slot)
		if !unreachable[b.slot.Hostname] {
			res.Keep = append(res.Keep, b.slot)
		}
	}
	res.Slots = append(res.Slots, toAdd...)
	for _, d := range toRemove {
		if unreachable[d.Hostname] {
			res.Deferred = append(res.Deferred, d)
		} else {
			res.Remove = append(res.Remove, d)
		}
	}
	return res, nil
}

// placePerHost adds one satellite daemon per host running the primary type
func (a *HostAssignment) placePerHost(existing []bound, toAdd []types.DaemonPlacement, toRemove []types.DaemonDescription, unreachable map[string]bool) ([]bound, []types.DaemonPlacement, []types.DaemonDescription) {
	if a.PerHostDaemonType == "" {
		return existing, toAdd, toRemove
	}

	seen := make(map[string]bool)
	var hosts []string
	for _, b := range existing {
		if !seen[b.slot.Hostname] {
			seen[b.slot.Hostname] = true
			hosts = append(hosts, b.slot.Hostname)
		}
	}
	for _, p := range toAdd {
		if !seen[p.Hostname] {
			seen[p.Hostname] = true
			hosts = append(hosts, p.Hostname)
		}
	}
	sort.Strings(hosts)

	open := make([]types.DaemonPlacement, 0, len(hosts))
	for _, h := range hosts {
		open = append(open, types.DaemonPlacement{DaemonType: a.PerHostDaemonType, Hostname: h})
	}

	var satellites []types.DaemonDescription
	for _, d := range a.Daemons {
		if d.DaemonType == a.PerHostDaemonType {
			satellites = append(satellites, d)
		}
	}
	sortByPriority(satellites)

	for _, d := range satellites {
		found := false
		for i, p := range open {
			if p.MatchesDaemon(d) {
				open = append(open[:i], open[i+1:]...)
				existing = append(existing, bound{slot: p, daemon: d})
				found = true
				break
			}
		}
		if !found {
			toRemove = append(toRemove, d)
		}
	}
	for _, p := range open {
		if !unreachable[p.Hostname] {
			toAdd = append(toAdd, p)
		}
	}
	return existing, toAdd, toRemove
}

// candidates resolves the placement's hosts into ordered slots
func (a *HostAssignment) candidates() ([]types.DaemonPlacement, error) {
	p := a.Spec.Placement
	primary := a.primaryType()
	ports := a.Spec.PortStart()

	var ls []types.DaemonPlacement
	switch {
	case len(p.Hosts) > 0:
		for _, h := range p.Hosts {
			ls = append(ls, types.DaemonPlacement{
				DaemonType: primary,
				Hostname:   h.Hostname,
				Network:    h.Network,
				Name:       h.Name,
				Ports:      ports,
			})
		}
	case p.Label != "" || p.HostPattern != "":
		for _, h := range p.FilterMatchingHostnames(a.Hosts) {
			ls = append(ls, types.DaemonPlacement{DaemonType: primary, Hostname: h, Ports: ports})
		}
	case p.Count != nil || p.CountPerHost != nil:
		for _, h := range a.Hosts {
			ls = append(ls, types.DaemonPlacement{DaemonType: primary, Hostname: h.Hostname, Ports: ports})
		}
	default:
		return nil, types.NewValidationError("placement spec is empty: no hosts, no label, no pattern, no count")
	}

	if len(a.Spec.Networks) > 0 {
		logger := log.WithService(a.Spec.ServiceName())
		orig := ls
		ls = nil
		for _, c := range orig {
			ip := a.findIPOnHost(c.Hostname, a.Spec.Networks)
			if ip == "" {
				logger.Debug().
					Str("host", c.Hostname).
					Strs("networks", a.Spec.Networks).
					Msg("Skipping host with no IP in networks")
				continue
			}
			c.IP = ip
			ls = append(ls, c)
		}
	}

	if a.FilterNewHost != nil {
		orig := ls
		ls = nil
		for _, c := range orig {
			if a.FilterNewHost(c.Hostname) {
				ls = append(ls, c)
			}
		}
	}

	sort.SliceStable(ls, func(i, j int) bool { return ls[i].Less(ls[j]) })
	rng := rand.New(rand.NewSource(seed(a.Spec.ServiceName())))
	rng.Shuffle(len(ls), func(i, j int) { ls[i], ls[j] = ls[j], ls[i] })
	return ls, nil
}

func (a *HostAssignment) findIPOnHost(hostname string, subnets []string) string {
	nets := a.Networks[hostname]
	for _, subnet := range subnets {
		if ips := nets.IPsInSubnet(subnet); len(ips) > 0 {
			return ips[0]
		}
	}
	return ""
}

// dropOfflineCandidates removes offline hosts so their daemons are
// rescheduled elsewhere. Hosts in maintenance are expected back and keep
// their slots.
func (a *HostAssignment) dropOfflineCandidates(candidates []types.DaemonPlacement) []types.DaemonPlacement {
	offline := make(map[string]bool)
	for _, h := range a.UnreachableHosts {
		if h.Status != types.HostStatusMaintenance {
			offline[h.Hostname] = true
		}
	}
	out := candidates[:0:0]
	for _, c := range candidates {
		if !offline[c.Hostname] {
			out = append(out, c)
		}
	}
	return out
}

// seed derives a stable shuffle seed from the service name
func seed(serviceName string) int64 {
	sum := sha1.Sum([]byte(serviceName))
	return int64(binary.BigEndian.Uint32(sum[:4]))
}

func expand(ls []types.DaemonPlacement, perHost int) []types.DaemonPlacement {
	out := make([]types.DaemonPlacement, 0, len(ls)*perHost)
	for offset := 0; offset < perHost; offset++ {
		for _, p := range ls {
			out = append(out, p.RenumberPorts(offset))
		}
	}
	return out
}

// sortByPriority orders daemons active first, ranked before unranked, low
// rank first and newest generation first. Ties keep name order.
func sortByPriority(ds []types.DaemonDescription) {
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].Name() < ds[j].Name() })
	sort.SliceStable(ds, func(i, j int) bool {
		a, b := ds[i], ds[j]
		if a.IsActive != b.IsActive {
			return a.IsActive
		}
		if (a.Rank != nil) != (b.Rank != nil) {
			return a.Rank != nil
		}
		if a.Rank != nil && *a.Rank != *b.Rank {
			return *a.Rank < *b.Rank
		}
		return generation(a) > generation(b)
	})
}

func generation(d types.DaemonDescription) int {
	if d.RankGeneration == nil {
		return 0
	}
	return *d.RankGeneration
}

func removeInt(ls []int, v int) []int {
	for i, x := range ls {
		if x == v {
			return append(ls[:i], ls[i+1:]...)
		}
	}
	return ls
}
