package types

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// RankMap maps rank -> generation -> daemon id. An empty daemon id marks a
// generation that has been reserved for a replacement not yet confirmed.
type RankMap map[int]map[int]string

// MaxGeneration returns the newest generation recorded for rank
func (m RankMap) MaxGeneration(rank int) (int, bool) {
	gens, ok := m[rank]
	if !ok || len(gens) == 0 {
		return 0, false
	}
	max := -1
	for g := range gens {
		if g > max {
			max = g
		}
	}
	return max, true
}

// Clone returns a deep copy
func (m RankMap) Clone() RankMap {
	if m == nil {
		return nil
	}
	c := make(RankMap, len(m))
	for r, gens := range m {
		cg := make(map[int]string, len(gens))
		for g, id := range gens {
			cg[g] = id
		}
		c[r] = cg
	}
	return c
}

// Equal compares two rank maps
func (m RankMap) Equal(o RankMap) bool {
	if len(m) != len(o) {
		return false
	}
	for r, gens := range m {
		og, ok := o[r]
		if !ok || len(og) != len(gens) {
			return false
		}
		for g, id := range gens {
			if oid, ok := og[g]; !ok || oid != id {
				return false
			}
		}
	}
	return true
}

// Ranks returns the ranks in ascending order
func (m RankMap) Ranks() []int {
	out := make([]int, 0, len(m))
	for r := range m {
		out = append(out, r)
	}
	sort.Ints(out)
	return out
}

// DaemonPlacement is a scheduler slot: where a daemon should run. It is
// never persisted.
type DaemonPlacement struct {
	DaemonType     string
	Hostname       string
	Network        string
	Name           string
	IP             string
	Ports          []int
	Rank           *int
	RankGeneration *int
}

func (p DaemonPlacement) String() string {
	res := p.DaemonType + ":" + p.Hostname
	var other []string
	if p.Rank != nil {
		gen := 0
		if p.RankGeneration != nil {
			gen = *p.RankGeneration
		}
		other = append(other, fmt.Sprintf("rank=%d.%d", *p.Rank, gen))
	}
	if p.Network != "" {
		other = append(other, "network="+p.Network)
	}
	if p.Name != "" {
		other = append(other, "name="+p.Name)
	}
	if len(p.Ports) > 0 {
		ip := p.IP
		if ip == "" {
			ip = "*"
		}
		ports := make([]string, len(p.Ports))
		for i, port := range p.Ports {
			ports[i] = strconv.Itoa(port)
		}
		other = append(other, ip+":"+strings.Join(ports, ","))
	}
	if len(other) > 0 {
		res += "(" + strings.Join(other, " ") + ")"
	}
	return res
}

// Less orders placements by type, host, network, name, ip then ports
func (p DaemonPlacement) Less(o DaemonPlacement) bool {
	if p.DaemonType != o.DaemonType {
		return p.DaemonType < o.DaemonType
	}
	if p.Hostname != o.Hostname {
		return p.Hostname < o.Hostname
	}
	if p.Network != o.Network {
		return p.Network < o.Network
	}
	if p.Name != o.Name {
		return p.Name < o.Name
	}
	if p.IP != o.IP {
		return p.IP < o.IP
	}
	for i := 0; i < len(p.Ports) && i < len(o.Ports); i++ {
		if p.Ports[i] != o.Ports[i] {
			return p.Ports[i] < o.Ports[i]
		}
	}
	return len(p.Ports) < len(o.Ports)
}

// RenumberPorts shifts every port by n, for the n-th colocated slot
func (p DaemonPlacement) RenumberPorts(n int) DaemonPlacement {
	c := p
	c.Ports = make([]int, len(p.Ports))
	for i, port := range p.Ports {
		c.Ports[i] = port + n
	}
	return c
}

// AssignRank returns a copy carrying rank and generation
func (p DaemonPlacement) AssignRank(rank, gen int) DaemonPlacement {
	c := p
	c.Rank = IntPtr(rank)
	c.RankGeneration = IntPtr(gen)
	return c
}

// AssignRankGeneration reserves the next generation of rank in m and
// returns a copy carrying it. A rank seen for the first time starts at 0.
func (p DaemonPlacement) AssignRankGeneration(rank int, m RankMap) DaemonPlacement {
	gen := 0
	if max, ok := m.MaxGeneration(rank); ok {
		gen = max + 1
	}
	if m[rank] == nil {
		m[rank] = map[int]string{}
	}
	m[rank][gen] = ""
	return p.AssignRank(rank, gen)
}

// MatchesDaemon reports whether an observed daemon occupies this slot
func (p DaemonPlacement) MatchesDaemon(d DaemonDescription) bool {
	if p.DaemonType != d.DaemonType || p.Hostname != d.Hostname {
		return false
	}
	if p.Name != "" && p.Name != d.DaemonID {
		return false
	}
	if len(p.Ports) > 0 {
		if len(d.Ports) > 0 && !intsEqual(p.Ports, d.Ports) {
			return false
		}
		if d.IP != "" && p.IP != d.IP {
			return false
		}
	}
	return true
}

// MatchesRankMap reports whether d may keep this slot under the rank map.
// Without a rank map the daemon must be unranked. With one, its rank must be
// still unassigned in ranks, at the newest generation, and recorded as this
// very daemon.
func (p DaemonPlacement) MatchesRankMap(d DaemonDescription, m RankMap, ranks []int) bool {
	if m == nil {
		return d.Rank == nil
	}
	if d.Rank == nil || d.RankGeneration == nil {
		return false
	}
	if _, ok := m[*d.Rank]; !ok {
		return false
	}
	found := false
	for _, r := range ranks {
		if r == *d.Rank {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if max, _ := m.MaxGeneration(*d.Rank); *d.RankGeneration != max {
		return false
	}
	return m[*d.Rank][*d.RankGeneration] == d.DaemonID
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
