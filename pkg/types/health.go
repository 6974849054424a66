package types

// Health check names raised by the reconciliation loop
const (
	HealthHostInMaintenance = "HOST_IN_MAINTENANCE"
	HealthHostOffline       = "HOST_OFFLINE"
	HealthRefreshFailed     = "REFRESH_FAILED"
	HealthHostCheckFailed   = "HOST_CHECK_FAILED"
	HealthFailedDaemon      = "FAILED_DAEMON"
	HealthApplySpecFail     = "APPLY_SPEC_FAIL"
	HealthDaemonPlaceFail   = "DAEMON_PLACE_FAIL"
	HealthNoStandby         = "NO_STANDBY"
	HealthUpgradeInProgress = "UPGRADE_IN_PROGRESS"
)

// HealthSeverity grades a health check
type HealthSeverity string

const (
	SeverityWarning HealthSeverity = "warning"
	SeverityError   HealthSeverity = "error"
)

// HealthCheck is one active aggregate health signal
type HealthCheck struct {
	Name     string         `json:"name"`
	Severity HealthSeverity `json:"severity"`
	Summary  string         `json:"summary"`
	Count    int            `json:"count"`
	Detail   []string       `json:"detail,omitempty"`
}
