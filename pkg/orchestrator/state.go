package orchestrator

import "github.com/cuemby/keel/pkg/types"

// HostStatusCounts returns status → number of hosts
func (o *Orchestrator) HostStatusCounts() map[string]int {
	out := make(map[string]int)
	for _, h := range o.inventory.List() {
		status := string(h.Status)
		if h.Status == types.HostStatusNormal {
			status = "normal"
		}
		out[status]++
	}
	return out
}

// ServiceStateCounts returns state → number of stored specs
func (o *Orchestrator) ServiceStateCounts() map[string]int {
	out := make(map[string]int)
	for _, d := range o.specs.AllSpecs() {
		switch {
		case d.IsDeleted():
			out["deleted"]++
		case d.Spec.Unmanaged:
			out["unmanaged"]++
		default:
			out["managed"]++
		}
	}
	if n := len(o.specs.Previews()); n > 0 {
		out["preview"] = n
	}
	return out
}

// DaemonCounts returns daemon type → status → number of daemons
func (o *Orchestrator) DaemonCounts() map[string]map[string]int {
	out := make(map[string]map[string]int)
	for _, d := range o.cache.DaemonsWithVolatileStatus() {
		byStatus, ok := out[d.DaemonType]
		if !ok {
			byStatus = make(map[string]int)
			out[d.DaemonType] = byStatus
		}
		byStatus[string(d.Status)]++
	}
	return out
}
