package runtime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/containerd/containerd"
	"github.com/cuemby/keel/pkg/executor"
	"github.com/cuemby/keel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(n int) *int { return &n }

func TestDaemonLabelsRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		spec executor.DaemonSpec
	}{
		{
			name: "plain",
			spec: executor.DaemonSpec{DaemonType: "mon", DaemonID: "node1", ServiceName: "mon"},
		},
		{
			name: "ranked with ports",
			spec: executor.DaemonSpec{
				DaemonType:     "nfs",
				DaemonID:       "foo.0.1.node1.abcdef",
				ServiceName:    "nfs.foo",
				Rank:           intPtr(0),
				RankGeneration: intPtr(1),
				Ports:          []int{2049, 9587},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := daemonFromLabels(daemonLabels(tt.spec))
			assert.Equal(t, tt.spec.Name(), d.Name())
			assert.Equal(t, tt.spec.ServiceName, d.ServiceName())
			assert.Equal(t, tt.spec.Rank, d.Rank)
			assert.Equal(t, tt.spec.RankGeneration, d.RankGeneration)
			assert.Equal(t, tt.spec.Ports, d.Ports)
		})
	}
}

func TestDaemonFromLabelsIgnoresGarbage(t *testing.T) {
	d := daemonFromLabels(map[string]string{
		LabelDaemonType: "mgr",
		LabelDaemonID:   "node1.xyz",
		LabelRank:       "one",
		LabelPorts:      "8443,x",
	})
	assert.Equal(t, "mgr.node1.xyz", d.Name())
	assert.Nil(t, d.Rank)
	assert.Equal(t, []int{8443}, d.Ports)
}

func TestDaemonStatus(t *testing.T) {
	tests := []struct {
		status containerd.ProcessStatus
		exit   uint32
		want   types.DaemonStatus
	}{
		{containerd.Running, 0, types.DaemonStatusRunning},
		{containerd.Created, 0, types.DaemonStatusStarting},
		{containerd.Paused, 0, types.DaemonStatusStopped},
		{containerd.Stopped, 0, types.DaemonStatusStopped},
		{containerd.Stopped, 137, types.DaemonStatusError},
		{containerd.Unknown, 0, types.DaemonStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, daemonStatus(tt.status, tt.exit))
		})
	}
}

func TestDaemonEnv(t *testing.T) {
	env := daemonEnv(executor.DaemonSpec{
		DaemonType:  "rgw",
		DaemonID:    "foo.node1.abcdef",
		ServiceName: "rgw.foo",
		IP:          "10.0.0.1",
		Extra:       map[string]string{"rgw-realm": "r1", "zone.name": "z1"},
	})
	assert.Equal(t, []string{
		"KEEL_DAEMON_TYPE=rgw",
		"KEEL_DAEMON_ID=foo.node1.abcdef",
		"KEEL_SERVICE=rgw.foo",
		"KEEL_DATA_DIR=/var/lib/keel",
		"KEEL_BIND_IP=10.0.0.1",
		"KEEL_RGW_REALM=r1",
		"KEEL_ZONE_NAME=z1",
	}, env)
}

func TestWriteConfig(t *testing.T) {
	r := &ContainerdRuntime{dataDir: t.TempDir()}
	spec := executor.DaemonSpec{DaemonType: "mon", DaemonID: "node1", Image: "img:v1"}

	dir, err := r.writeConfig(spec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(r.dataDir, "mon.node1"), dir)

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)
	var got executor.DaemonSpec
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, spec, got)
}
