package reconciler

import (
	"fmt"
	"sort"

	"github.com/cuemby/keel/pkg/types"
)

// HealthChecks returns the checks computed by the last pass
func (r *Reconciler) HealthChecks() []types.HealthCheck {
	r.checksMu.RLock()
	defer r.checksMu.RUnlock()
	return append([]types.HealthCheck(nil), r.checks...)
}

func (r *Reconciler) updateHealth() {
	checks := r.computeHealth()

	r.checksMu.Lock()
	r.checks = checks
	r.checksMu.Unlock()

	if r.health != nil {
		r.health.SetChecks(checks)
	}
}

// computeHealth derives the active cluster checks from the inventory, the
// cache and the failures recorded by the pass. Checks are ordered by name.
func (r *Reconciler) computeHealth() []types.HealthCheck {
	var checks []types.HealthCheck
	add := func(name string, sev types.HealthSeverity, summary string, detail []string) {
		if len(detail) == 0 {
			return
		}
		sort.Strings(detail)
		checks = append(checks, types.HealthCheck{
			Name:     name,
			Severity: sev,
			Summary:  fmt.Sprintf(summary, len(detail)),
			Count:    len(detail),
			Detail:   detail,
		})
	}

	var maintenance, offline []string
	for _, h := range r.inventory.List() {
		switch h.Status {
		case types.HostStatusMaintenance:
			maintenance = append(maintenance, fmt.Sprintf("%s is in maintenance", h.Hostname))
		case types.HostStatusOffline:
			offline = append(offline, fmt.Sprintf("host %s (%s) is offline", h.Hostname, h.Addr))
		}
	}
	add(types.HealthHostInMaintenance, types.SeverityWarning, "%d host(s) in maintenance mode", maintenance)
	add(types.HealthHostOffline, types.SeverityWarning, "%d host(s) offline", offline)
	add(types.HealthRefreshFailed, types.SeverityWarning, "failed to refresh %d host(s)", hostDetail(r.refreshErrors))
	add(types.HealthHostCheckFailed, types.SeverityWarning, "%d host(s) failed the host check", hostDetail(r.checkErrors))

	var failed []string
	for _, d := range r.cache.Daemons() {
		if d.Status == types.DaemonStatusError {
			failed = append(failed, fmt.Sprintf("daemon %s on %s is in %s state", d.Name(), d.Hostname, d.Status))
		}
	}
	add(types.HealthFailedDaemon, types.SeverityWarning, "%d failed daemon(s)", failed)
	add(types.HealthApplySpecFail, types.SeverityWarning, "failed to apply %d service(s)", serviceDetail(r.applyErrors))
	add(types.HealthDaemonPlaceFail, types.SeverityWarning, "failed to place %d daemon(s)", serviceDetail(r.placeErrors))

	var noStandby []string
	for _, desc := range r.specs.ActiveSpecs() {
		info := desc.Spec.TypeInfo()
		if !info.HasStandby || desc.Spec.Unmanaged {
			continue
		}
		running := 0
		for _, d := range r.cache.DaemonsByService(desc.Spec.ServiceName()) {
			if d.DaemonType == info.PrimaryDaemonType && d.Status == types.DaemonStatusRunning {
				running++
			}
		}
		if running == 1 {
			noStandby = append(noStandby, fmt.Sprintf("service %s has no standby daemon", desc.Spec.ServiceName()))
		}
	}
	add(types.HealthNoStandby, types.SeverityWarning, "%d service(s) have no standby", noStandby)

	if r.upgrade.InProgress() {
		st := r.UpgradeStatus()
		checks = append(checks, types.HealthCheck{
			Name:     types.HealthUpgradeInProgress,
			Severity: types.SeverityWarning,
			Summary:  fmt.Sprintf("upgrade to %s in progress", st.TargetImage),
			Count:    1,
			Detail:   []string{fmt.Sprintf("%d/%d daemons upgraded", st.Done, st.Total)},
		})
	}

	sort.Slice(checks, func(i, j int) bool { return checks[i].Name < checks[j].Name })
	return checks
}

func hostDetail(errs map[string]string) []string {
	var out []string
	for host, msg := range errs {
		out = append(out, fmt.Sprintf("host %s: %s", host, msg))
	}
	return out
}

func serviceDetail(errs map[string]string) []string {
	var out []string
	for service, msg := range errs {
		out = append(out, fmt.Sprintf("%s: %s", service, msg))
	}
	return out
}

// UpgradeStatus reports how many daemons already run their desired image
func (r *Reconciler) UpgradeStatus() UpgradeStatus {
	state := r.upgrade.State()
	st := UpgradeStatus{
		InProgress:  state.TargetImage != "",
		TargetImage: state.TargetImage,
		Started:     state.Started,
	}
	if !st.InProgress {
		st.Message = "no upgrade in progress"
		return st
	}
	for _, d := range r.cache.Daemons() {
		st.Total++
		if d.Image == r.desiredImage(d.ServiceName()) {
			st.Done++
		}
	}
	st.Message = fmt.Sprintf("upgrading to %s: %d/%d daemons done", st.TargetImage, st.Done, st.Total)
	return st
}
