package types

import "sort"

// ServiceTypeInfo describes the scheduling traits of a service type
type ServiceTypeInfo struct {
	ServiceType string

	// RequiresServiceID services are named type.id; others must not carry an id
	RequiresServiceID bool

	// AllowColo permits more than one daemon of the service per host
	AllowColo bool

	// RankStable services keep a rank map and replace daemons rank by rank
	RankStable bool

	// PrimaryDaemonType is the daemon type placed for the service
	PrimaryDaemonType string

	// PerHostDaemonType is a satellite daemon deployed once per host that
	// runs a primary daemon
	PerHostDaemonType string

	// RescheduleFromOffline services are moved off offline hosts instead of
	// waiting for the host to come back
	RescheduleFromOffline bool

	// HasStandby services run one active daemon and the rest as standbys
	HasStandby bool

	DefaultPorts  []int
	RequiredExtra []string
}

var serviceTypes = map[string]ServiceTypeInfo{
	"mon":           {PrimaryDaemonType: "mon"},
	"mgr":           {PrimaryDaemonType: "mgr", HasStandby: true},
	"osd":           {PrimaryDaemonType: "osd", RequiresServiceID: true, AllowColo: true},
	"mds":           {PrimaryDaemonType: "mds", RequiresServiceID: true, AllowColo: true, HasStandby: true},
	"rgw":           {PrimaryDaemonType: "rgw", RequiresServiceID: true, AllowColo: true, DefaultPorts: []int{80}},
	"nfs":           {PrimaryDaemonType: "nfs", RequiresServiceID: true, RankStable: true, RescheduleFromOffline: true, DefaultPorts: []int{2049}},
	"iscsi":         {PrimaryDaemonType: "iscsi", RequiresServiceID: true, RequiredExtra: []string{"pool"}},
	"crash":         {PrimaryDaemonType: "crash"},
	"node-exporter": {PrimaryDaemonType: "node-exporter", DefaultPorts: []int{9100}},
	"prometheus":    {PrimaryDaemonType: "prometheus", DefaultPorts: []int{9095}},
	"grafana":       {PrimaryDaemonType: "grafana", DefaultPorts: []int{3000}},
	"alertmanager":  {PrimaryDaemonType: "alertmanager", DefaultPorts: []int{9093, 9094}},
	"ingress": {
		PrimaryDaemonType: "haproxy",
		PerHostDaemonType: "keepalived",
		RequiresServiceID: true,
		DefaultPorts:      []int{8080, 8999},
		RequiredExtra:     []string{"backend_service", "virtual_ip"},
	},
	"container": {PrimaryDaemonType: "container", RequiresServiceID: true, AllowColo: true},
}

// daemon type -> service type, for satellite and primary daemons whose type
// differs from the service type
var daemonServiceTypes = map[string]string{
	"haproxy":    "ingress",
	"keepalived": "ingress",
}

func init() {
	for name, info := range serviceTypes {
		info.ServiceType = name
		serviceTypes[name] = info
	}
}

// IsKnownServiceType reports whether t is a registered service type
func IsKnownServiceType(t string) bool {
	_, ok := serviceTypes[t]
	return ok
}

// LookupServiceType returns the traits of a service or daemon type. Unknown
// types get plain defaults so observed foreign daemons can still be described.
func LookupServiceType(t string) ServiceTypeInfo {
	if info, ok := serviceTypes[t]; ok {
		return info
	}
	if st, ok := daemonServiceTypes[t]; ok {
		return serviceTypes[st]
	}
	return ServiceTypeInfo{ServiceType: t, PrimaryDaemonType: t}
}

// ServiceTypes lists the registered service types, sorted
func ServiceTypes() []string {
	out := make([]string, 0, len(serviceTypes))
	for t := range serviceTypes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
