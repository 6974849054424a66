package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/config"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/storage"
	"github.com/cuemby/keel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	kv   storage.Store
	clk  *clock.Fake
	exec *executor.Fake
	cfg  *config.Config
	orch *Orchestrator
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Image = "img:v1"
	cfg.Storage.Backend = config.BackendMemory
	cfg.Loop.Interval = time.Hour
	cfg.Loop.WorkerPoolSize = 4
	cfg.Loop.HostTimeout = 5 * time.Second
	return cfg
}

func newHarness(t *testing.T, hosts ...types.Host) *harness {
	t.Helper()
	h := &harness{
		kv:   storage.NewMemoryStore(),
		clk:  clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		exec: executor.NewFake(),
		cfg:  testConfig(),
	}
	o, err := New(h.cfg, h.kv, h.exec, WithClock(h.clk))
	require.NoError(t, err)
	h.orch = o

	for _, host := range hosts {
		_, err := o.AddHost(context.Background(), host)
		require.NoError(t, err)
	}
	return h
}

func hosts(names ...string) []types.Host {
	out := make([]types.Host, 0, len(names))
	for _, n := range names {
		out = append(out, types.Host{Hostname: n})
	}
	return out
}

func (h *harness) reconcile(t *testing.T) {
	t.Helper()
	res := h.orch.Reconcile(context.Background())
	require.Empty(t, res.Errors)
}

func (h *harness) apply(t *testing.T, spec types.ServiceSpec) {
	t.Helper()
	_, err := h.orch.Apply(spec)
	require.NoError(t, err)
}

func daemonNames(ds []types.DaemonDescription) []string {
	var out []string
	for _, d := range ds {
		out = append(out, d.Name())
	}
	return out
}

func TestApplyFillsDefaultPlacement(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2", "h3")...)

	msg, err := h.orch.Apply(types.ServiceSpec{ServiceType: "mon"})
	require.NoError(t, err)
	assert.Equal(t, "Scheduled mon update...", msg)

	desc, err := h.orch.specs.Get("mon")
	require.NoError(t, err)
	require.NotNil(t, desc.Spec.Placement.Count)
	assert.Equal(t, 5, *desc.Spec.Placement.Count)

	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.reconcile(t)
	assert.ElementsMatch(t,
		[]string{"crash.h1", "crash.h2", "crash.h3"},
		daemonNames(h.orch.ListDaemons(DaemonFilter{ServiceName: "crash"})))
}

func TestApplyValidation(t *testing.T) {
	h := newHarness(t, types.Host{Hostname: "h1", Labels: []string{"storage"}}, types.Host{Hostname: "h2"})

	tests := []struct {
		name string
		spec types.ServiceSpec
	}{
		{
			name: "unknown service type",
			spec: types.ServiceSpec{ServiceType: "bogus", Placement: types.PlacementSpec{Count: types.IntPtr(1)}},
		},
		{
			name: "missing service id",
			spec: types.ServiceSpec{ServiceType: "rgw", Placement: types.PlacementSpec{Count: types.IntPtr(1)}},
		},
		{
			name: "unknown host",
			spec: types.ServiceSpec{
				ServiceType: "mgr",
				Placement:   types.PlacementSpec{Hosts: []types.HostPlacementSpec{{Hostname: "nope"}}},
			},
		},
		{
			name: "label matches nothing",
			spec: types.ServiceSpec{ServiceType: "mgr", Placement: types.PlacementSpec{Label: "gateway"}},
		},
		{
			name: "pattern matches nothing",
			spec: types.ServiceSpec{ServiceType: "mgr", Placement: types.PlacementSpec{HostPattern: "db*"}},
		},
		{
			name: "zero count",
			spec: types.ServiceSpec{ServiceType: "mon", Placement: types.PlacementSpec{Count: types.IntPtr(0)}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Apply(tt.spec)
			var verr *types.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Empty(t, h.orch.specs.AllSpecs())
		})
	}

	_, err := h.orch.Apply(types.ServiceSpec{ServiceType: "mgr", Placement: types.PlacementSpec{Label: "storage"}})
	assert.NoError(t, err)
}

// TestApplyStrictPlacement tests that a counted spec with no host able to
// take a daemon is rejected before anything is stored
func TestApplyStrictPlacement(t *testing.T) {
	mon := types.ServiceSpec{ServiceType: "mon", Placement: types.PlacementSpec{Count: types.IntPtr(3)}}

	t.Run("empty inventory", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.orch.Apply(mon)
		var verr *types.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "no reachable hosts")
		assert.Empty(t, h.orch.specs.AllSpecs())
	})

	t.Run("every host unavailable", func(t *testing.T) {
		h := newHarness(t, hosts("h1", "h2")...)
		require.NoError(t, h.orch.inventory.SetStatus("h1", types.HostStatusMaintenance))
		require.NoError(t, h.orch.inventory.SetStatus("h2", types.HostStatusOffline))

		_, err := h.orch.Apply(mon)
		var verr *types.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.False(t, h.orch.specs.Contains("mon"))

		_, err = h.orch.Preview(mon)
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("label only on unschedulable host", func(t *testing.T) {
		h := newHarness(t,
			types.Host{Hostname: "h1", Labels: []string{"mon", types.LabelNoSchedule}},
			types.Host{Hostname: "h2"})
		spec := types.ServiceSpec{ServiceType: "mon", Placement: types.PlacementSpec{Count: types.IntPtr(1), Label: "mon"}}
		_, err := h.orch.Apply(spec)
		var verr *types.ValidationError
		require.ErrorAs(t, err, &verr)

		require.NoError(t, h.orch.inventory.AddLabel("h2", "mon"))
		_, err = h.orch.Apply(spec)
		assert.NoError(t, err)
	})

	t.Run("lenient placement stores the spec", func(t *testing.T) {
		h := newHarness(t)
		h.orch.cfg.Scheduler.StrictPlacement = false
		_, err := h.orch.Apply(mon)
		require.NoError(t, err)
		assert.True(t, h.orch.specs.Contains("mon"))
	})
}

func TestPreviewDoesNotStore(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2", "h3")...)
	h.reconcile(t)

	spec := types.ServiceSpec{ServiceType: "rgw", ServiceID: "foo", Placement: types.PlacementSpec{Count: types.IntPtr(2)}}
	p, err := h.orch.Preview(spec)
	require.NoError(t, err)
	assert.Equal(t, "rgw.foo", p.ServiceName)
	assert.Len(t, p.Add, 2)
	assert.Empty(t, p.Remove)
	assert.False(t, h.orch.specs.Contains("rgw.foo"))

	spec.PreviewOnly = true
	msg, err := h.orch.Apply(spec)
	require.NoError(t, err)
	assert.Equal(t, "Saved preview of rgw.foo", msg)

	staged, err := h.orch.PreviewStaged()
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Len(t, staged[0].Add, 2)

	h.exec.ResetCalls()
	h.reconcile(t)
	assert.Empty(t, h.exec.Calls())
	assert.Empty(t, h.orch.ListDaemons(DaemonFilter{ServiceName: "rgw.foo"}))
}

func TestPreviewScaleDown(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2", "h3")...)
	h.apply(t, types.ServiceSpec{ServiceType: "rgw", ServiceID: "foo", Placement: types.PlacementSpec{Count: types.IntPtr(3)}})
	h.reconcile(t)

	p, err := h.orch.Preview(types.ServiceSpec{ServiceType: "rgw", ServiceID: "foo", Placement: types.PlacementSpec{Count: types.IntPtr(1)}})
	require.NoError(t, err)
	assert.Empty(t, p.Add)
	assert.Len(t, p.Remove, 2)
	assert.Len(t, h.orch.ListDaemons(DaemonFilter{ServiceName: "rgw.foo"}), 3)
}

func TestRemoveService(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.reconcile(t)
	require.Len(t, h.orch.ListDaemons(DaemonFilter{ServiceName: "crash"}), 2)

	msg, err := h.orch.RemoveService("crash")
	require.NoError(t, err)
	assert.Equal(t, "Removed service crash", msg)

	descs := h.orch.DescribeService(ServiceFilter{ServiceName: "crash"})
	require.Len(t, descs, 1)
	assert.NotNil(t, descs[0].Deleted)

	h.reconcile(t)
	h.reconcile(t)
	assert.Empty(t, h.orch.ListDaemons(DaemonFilter{ServiceName: "crash"}))
	assert.Empty(t, h.orch.DescribeService(ServiceFilter{ServiceName: "crash"}))

	_, err = h.orch.RemoveService("mds.missing")
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestAddHost(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg, err := h.orch.AddHost(ctx, types.Host{Hostname: "h1", Addr: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, "Added host 'h1' with addr '10.0.0.1'", msg)

	msg, err = h.orch.AddHost(ctx, types.Host{Hostname: "h1", Labels: []string{"gw"}})
	require.NoError(t, err)
	assert.Equal(t, "Updated host 'h1'", msg)
	list := h.orch.ListHosts()
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.1", list[0].Addr)
	assert.Equal(t, []string{"gw"}, list[0].Labels)

	h.exec.SetUnreachable("h9", true)
	_, err = h.orch.AddHost(ctx, types.Host{Hostname: "h9"})
	require.Error(t, err)
	assert.Len(t, h.orch.ListHosts(), 1)

	_, err = h.orch.AddHost(ctx, types.Host{Hostname: "bad host"})
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// TestReAddHostKeepsObservedState tests that merging into a known host keeps
// its daemons and the actions scheduled for them
func TestReAddHostKeepsObservedState(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.reconcile(t)

	_, err := h.orch.DaemonAction("crash.h1", types.ActionRedeploy)
	require.NoError(t, err)

	msg, err := h.orch.AddHost(context.Background(), types.Host{Hostname: "h1", Labels: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, "Updated host 'h1'", msg)

	assert.Len(t, h.orch.ListDaemons(DaemonFilter{Hostname: "h1"}), 1)
	action, pending := h.orch.cache.GetScheduledDaemonAction("h1", "crash.h1")
	assert.True(t, pending)
	assert.Equal(t, types.ActionRedeploy, action)
}

func TestRemoveHostRefusesWhileDaemonsRemain(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2", "h3")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.reconcile(t)

	_, err := h.orch.RemoveHost("h3", false)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, err.Error(), "crash.h3")
	assert.Len(t, h.orch.ListHosts(), 3)

	msg, err := h.orch.RemoveHost("h3", true)
	require.NoError(t, err)
	assert.Equal(t, "Removed host 'h3'", msg)
	assert.Len(t, h.orch.ListHosts(), 2)
	assert.Empty(t, h.orch.ListDaemons(DaemonFilter{Hostname: "h3"}))

	_, err = h.orch.RemoveHost("h3", false)
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestHostLabelsAndAddr(t *testing.T) {
	h := newHarness(t, types.Host{Hostname: "h1", Labels: []string{types.LabelAdmin}}, types.Host{Hostname: "h2"})

	msg, err := h.orch.AddHostLabel("h2", "gw")
	require.NoError(t, err)
	assert.Equal(t, "Added label gw to host h2", msg)

	msg, err = h.orch.RemoveHostLabel("h2", "gw", false)
	require.NoError(t, err)
	assert.Equal(t, "Removed label gw from host h2", msg)

	_, err = h.orch.RemoveHostLabel("h1", types.LabelAdmin, false)
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	_, err = h.orch.RemoveHostLabel("h1", types.LabelAdmin, true)
	require.NoError(t, err)

	msg, err = h.orch.UpdateHostAddr("h2", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, "Updated host 'h2' addr to '10.0.0.2'", msg)

	_, err = h.orch.AddHostLabel("nope", "gw")
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestMaintenanceGuards(t *testing.T) {
	t.Run("single host cluster", func(t *testing.T) {
		h := newHarness(t, hosts("h1")...)
		_, err := h.orch.EnterMaintenance("h1", true)
		var verr *types.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("upgrade in progress", func(t *testing.T) {
		h := newHarness(t, hosts("h1", "h2")...)
		_, err := h.orch.StartUpgrade("img:v2")
		require.NoError(t, err)
		_, err = h.orch.EnterMaintenance("h1", true)
		var verr *types.ValidationError
		assert.ErrorAs(t, err, &verr)
	})

	t.Run("last admin host", func(t *testing.T) {
		h := newHarness(t, types.Host{Hostname: "h1", Labels: []string{types.LabelAdmin}}, types.Host{Hostname: "h2"})
		_, err := h.orch.EnterMaintenance("h1", false)
		var verr *types.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), types.LabelAdmin)

		_, err = h.orch.EnterMaintenance("h1", true)
		assert.NoError(t, err)
	})

	t.Run("last running daemon", func(t *testing.T) {
		h := newHarness(t, hosts("h1", "h2")...)
		h.apply(t, types.ServiceSpec{ServiceType: "rgw", ServiceID: "foo", Placement: types.PlacementSpec{Count: types.IntPtr(1)}})
		h.reconcile(t)
		ds := h.orch.ListDaemons(DaemonFilter{ServiceName: "rgw.foo"})
		require.Len(t, ds, 1)

		_, err := h.orch.EnterMaintenance(ds[0].Hostname, false)
		var verr *types.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "rgw.foo")

		_, err = h.orch.EnterMaintenance(ds[0].Hostname, true)
		assert.NoError(t, err)
	})

	t.Run("exit requires maintenance", func(t *testing.T) {
		h := newHarness(t, hosts("h1", "h2")...)
		_, err := h.orch.ExitMaintenance("h1")
		var verr *types.ValidationError
		assert.ErrorAs(t, err, &verr)
	})
}

func TestMaintenanceHostKeepsItsDaemons(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2", "h3")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.reconcile(t)

	msg, err := h.orch.EnterMaintenance("h2", false)
	require.NoError(t, err)
	assert.Equal(t, "Host h2 moved to maintenance mode", msg)

	ds := h.orch.ListDaemons(DaemonFilter{Hostname: "h2"})
	require.Len(t, ds, 1)
	assert.Equal(t, types.DaemonStatusStopped, ds[0].Status)

	h.exec.ResetCalls()
	h.reconcile(t)
	for _, c := range h.exec.Calls() {
		assert.NotEqual(t, "h2", c.Host, "no command may reach a host in maintenance")
	}
	assert.Len(t, h.orch.ListDaemons(DaemonFilter{ServiceName: "crash"}), 3)

	var names []string
	for _, c := range h.orch.HealthChecks() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, types.HealthHostInMaintenance)
	assert.Equal(t, map[string]int{"normal": 2, "maintenance": 1}, h.orch.HostStatusCounts())

	msg, err = h.orch.ExitMaintenance("h2")
	require.NoError(t, err)
	assert.Equal(t, "Host h2 has exited maintenance mode", msg)
	assert.Equal(t, map[string]int{"normal": 3}, h.orch.HostStatusCounts())
}

func TestDaemonAndServiceActions(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2", "h3")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.reconcile(t)

	msg, err := h.orch.DaemonAction("crash.h1", types.ActionRestart)
	require.NoError(t, err)
	assert.Equal(t, "Scheduled to restart crash.h1 on host 'h1'", msg)

	msgs, err := h.orch.ServiceAction("crash", types.ActionRestart)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)

	h.exec.ResetCalls()
	h.reconcile(t)
	actions := 0
	for _, c := range h.exec.Calls() {
		if c.Op == "action" {
			actions++
			assert.Equal(t, types.ActionRestart, c.Action)
		}
	}
	assert.Equal(t, 3, actions)

	_, err = h.orch.DaemonAction("crash.nope", types.ActionRestart)
	var nf *types.NotFoundError
	assert.ErrorAs(t, err, &nf)

	_, err = h.orch.DaemonAction("crash.h1", types.DaemonAction("explode"))
	var verr *types.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = h.orch.ServiceAction("mds.none", types.ActionStart)
	assert.ErrorAs(t, err, &nf)
}

func TestDescribeService(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2", "h3")...)
	h.exec.AddDaemon(types.DaemonDescription{
		DaemonType: "mds",
		DaemonID:   "fs.h1.abcdef",
		Hostname:   "h1",
		Status:     types.DaemonStatusRunning,
		Image:      "img:v0",
	})
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.apply(t, types.ServiceSpec{ServiceType: "rgw", ServiceID: "foo", Placement: types.PlacementSpec{Count: types.IntPtr(2)}})
	h.reconcile(t)

	descs := h.orch.DescribeService(ServiceFilter{})
	require.Len(t, descs, 3)
	assert.Equal(t, "crash", descs[0].Spec.ServiceName())
	assert.Equal(t, "mds.fs", descs[1].Spec.ServiceName())
	assert.Equal(t, "rgw.foo", descs[2].Spec.ServiceName())

	crash := descs[0]
	assert.Equal(t, 3, crash.Size)
	assert.Equal(t, 3, crash.Running)
	assert.Equal(t, "img:v1", crash.Image)
	assert.False(t, crash.Created.IsZero())
	assert.NotEmpty(t, crash.Events)

	orphan := descs[1]
	assert.True(t, orphan.Spec.Unmanaged)
	assert.Equal(t, "fs", orphan.Spec.ServiceID)
	assert.Equal(t, 1, orphan.Running)

	assert.Equal(t, 2, descs[2].Size)

	only := h.orch.DescribeService(ServiceFilter{ServiceType: "rgw"})
	require.Len(t, only, 1)
	assert.Equal(t, "rgw.foo", only[0].Spec.ServiceName())
}

func TestServiceImage(t *testing.T) {
	tests := []struct {
		name   string
		images []string
		want   string
	}{
		{name: "none", want: ""},
		{name: "same", images: []string{"a", "a"}, want: "a"},
		{name: "unknown ignored", images: []string{"", "a"}, want: "a"},
		{name: "mixed", images: []string{"a", "b"}, want: "mix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ds []types.DaemonDescription
			for _, img := range tt.images {
				ds = append(ds, types.DaemonDescription{Image: img})
			}
			assert.Equal(t, tt.want, serviceImage(ds))
		})
	}
}

func TestUpgrade(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.reconcile(t)

	msg, err := h.orch.StopUpgrade()
	require.NoError(t, err)
	assert.Equal(t, "No upgrade in progress", msg)

	msg, err = h.orch.StartUpgrade("img:v2")
	require.NoError(t, err)
	assert.Equal(t, "Initiating upgrade to img:v2", msg)
	st := h.orch.UpgradeStatus()
	assert.True(t, st.InProgress)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 0, st.Done)

	for i := 0; i < 3; i++ {
		h.reconcile(t)
	}
	assert.False(t, h.orch.UpgradeStatus().InProgress)
	for _, d := range h.orch.ListDaemons(DaemonFilter{}) {
		assert.Equal(t, "img:v2", d.Image)
	}
}

func TestUpgradeRefusedDuringMaintenance(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2")...)
	_, err := h.orch.EnterMaintenance("h2", false)
	require.NoError(t, err)

	_, err = h.orch.StartUpgrade("img:v2")
	var verr *types.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.False(t, h.orch.UpgradeStatus().InProgress)
}

func TestStateCounts(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.apply(t, types.ServiceSpec{ServiceType: "mgr", Unmanaged: true, Placement: types.PlacementSpec{Count: types.IntPtr(1)}})
	h.apply(t, types.ServiceSpec{ServiceType: "mon", PreviewOnly: true, Placement: types.PlacementSpec{Count: types.IntPtr(1)}})
	h.reconcile(t)

	assert.Equal(t, map[string]int{"normal": 2}, h.orch.HostStatusCounts())
	assert.Equal(t, map[string]int{"managed": 1, "unmanaged": 1, "preview": 1}, h.orch.ServiceStateCounts())
	assert.Equal(t, map[string]map[string]int{"crash": {"running": 2}}, h.orch.DaemonCounts())
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	h := newHarness(t, hosts("h1", "h2")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})
	h.reconcile(t)

	again, err := New(h.cfg, h.kv, h.exec, WithClock(h.clk))
	require.NoError(t, err)
	assert.Len(t, again.ListHosts(), 2)
	assert.True(t, again.specs.Contains("crash"))
	assert.Len(t, again.ListDaemons(DaemonFilter{ServiceName: "crash"}), 2)
}

func TestStartAndStop(t *testing.T) {
	h := newHarness(t, hosts("h1")...)
	h.apply(t, types.ServiceSpec{ServiceType: "crash"})

	sub := h.orch.Subscribe()
	defer h.orch.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orch.Start(ctx)

	select {
	case ev := <-sub:
		assert.Equal(t, "crash", ev.Subject)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after start")
	}
	h.orch.Stop()
	assert.Len(t, h.exec.HostDaemons("h1"), 1)
}
