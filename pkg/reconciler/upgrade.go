package reconciler

import (
	"sync"
	"time"

	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
)

const upgradeKey = "upgrade_state"

// UpgradeState is the persisted state of a rolling image change
type UpgradeState struct {
	CurrentImage string    `json:"current_image,omitempty"`
	TargetImage  string    `json:"target_image,omitempty"`
	Started      time.Time `json:"started,omitempty"`
}

// UpgradeStatus reports upgrade progress
type UpgradeStatus struct {
	InProgress  bool      `json:"in_progress"`
	TargetImage string    `json:"target_image,omitempty"`
	Started     time.Time `json:"started,omitempty"`
	Total       int       `json:"total"`
	Done        int       `json:"done"`
	Message     string    `json:"message,omitempty"`
}

// Upgrade tracks the cluster-wide container image. While an upgrade is in
// progress every daemon not on the target image is scheduled for redeploy.
type Upgrade struct {
	mu    sync.Mutex
	store storage.Store
	clock clock.Clock
	state UpgradeState
}

// NewUpgrade creates an idle upgrade tracker
func NewUpgrade(store storage.Store, clk clock.Clock) *Upgrade {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Upgrade{store: store, clock: clk}
}

// Load restores persisted upgrade state
func (u *Upgrade) Load() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var state UpgradeState
	if err := storage.GetJSON(u.store, upgradeKey, &state); err != nil {
		if storage.IsNotFound(err) {
			return nil
		}
		return err
	}
	u.state = state
	return nil
}

// Start begins an upgrade to image. Starting the upgrade already in
// progress is a no-op.
func (u *Upgrade) Start(image string) error {
	if image == "" {
		return types.NewValidationError("upgrade needs a target image")
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	switch u.state.TargetImage {
	case image:
		return nil
	case "":
	default:
		return types.NewValidationError("upgrade to %s already in progress", u.state.TargetImage)
	}
	next := u.state
	next.TargetImage = image
	next.Started = u.clock.Now()
	return u.save(next)
}

// Stop abandons the upgrade in progress. It reports whether one was running.
func (u *Upgrade) Stop() (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.TargetImage == "" {
		return false, nil
	}
	next := u.state
	next.TargetImage = ""
	next.Started = time.Time{}
	return true, u.save(next)
}

// InProgress reports whether an upgrade is running
func (u *Upgrade) InProgress() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state.TargetImage != ""
}

// State returns a copy of the current state
func (u *Upgrade) State() UpgradeState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Image returns the image new daemons should run, or fallback when no
// upgrade has ever completed
func (u *Upgrade) Image(fallback string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.TargetImage != "" {
		return u.state.TargetImage
	}
	if u.state.CurrentImage != "" {
		return u.state.CurrentImage
	}
	return fallback
}

// finish makes the target image current
func (u *Upgrade) finish() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.TargetImage == "" {
		return nil
	}
	return u.save(UpgradeState{CurrentImage: u.state.TargetImage})
}

func (u *Upgrade) save(next UpgradeState) error {
	if err := storage.SetJSON(u.store, upgradeKey, next); err != nil {
		return err
	}
	u.state = next
	return nil
}
