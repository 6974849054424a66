package orchestrator

import (
	"fmt"

	"github.com/cuemby/keel/pkg/reconciler"
	"github.com/cuemby/keel/pkg/types"
)

// StartUpgrade moves the cluster onto image. Daemons are redeployed by the
// reconciler, a few per pass; the call itself only records the target.
func (o *Orchestrator) StartUpgrade(image string) (msg string, err error) {
	defer func() { track("start_upgrade", err) }()

	if hosts := o.inventory.HostsWithStatus(types.HostStatusMaintenance); len(hosts) > 0 {
		names := make([]string, 0, len(hosts))
		for _, h := range hosts {
			names = append(names, h.Hostname)
		}
		return "", types.NewValidationError("Upgrade aborted: hosts in maintenance: %v", names)
	}
	if err := o.upgrade.Start(image); err != nil {
		return "", err
	}
	o.logger.Info().Str("image", image).Msg("upgrade started")
	o.reconciler.Kick()
	return fmt.Sprintf("Initiating upgrade to %s", image), nil
}

// StopUpgrade abandons the running upgrade. Daemons already moved stay on
// the new image.
func (o *Orchestrator) StopUpgrade() (msg string, err error) {
	defer func() { track("stop_upgrade", err) }()

	target := o.upgrade.State().TargetImage
	stopped, err := o.upgrade.Stop()
	if err != nil {
		return "", err
	}
	if !stopped {
		return "No upgrade in progress", nil
	}
	o.logger.Info().Str("image", target).Msg("upgrade stopped")
	return fmt.Sprintf("Stopped upgrade to %s", target), nil
}

// UpgradeStatus reports the progress of the running upgrade
func (o *Orchestrator) UpgradeStatus() reconciler.UpgradeStatus {
	return o.reconciler.UpgradeStatus()
}
