package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/keel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterYAML = `hosts:
  - hostname: h1
    addr: 10.0.0.1
  - hostname: h2
    addr: 10.0.0.2
  - hostname: h3
    addr: 10.0.0.3
services:
  - service_type: mgr
    placement:
      count: 3
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestPreview(t *testing.T) {
	cluster := writeFile(t, "cluster.yaml", clusterYAML)

	specs := []types.ServiceSpec{
		{ServiceType: "mgr", Placement: types.PlacementSpec{Count: types.IntPtr(1)}},
		{ServiceType: "crash", Placement: types.PlacementSpec{HostPattern: "*"}},
	}
	previews, err := preview(context.Background(), cluster, specs)
	require.NoError(t, err)
	require.Len(t, previews, 2)

	assert.Equal(t, "mgr", previews[0].ServiceName)
	assert.Empty(t, previews[0].Add)
	assert.Len(t, previews[0].Remove, 2)

	assert.Equal(t, "crash", previews[1].ServiceName)
	assert.Len(t, previews[1].Add, 3)
	assert.Empty(t, previews[1].Remove)
}

func TestPreviewRejectsUnknownHosts(t *testing.T) {
	cluster := writeFile(t, "cluster.yaml", clusterYAML)

	specs := []types.ServiceSpec{{
		ServiceType: "mon",
		Placement:   types.PlacementSpec{Hosts: []types.HostPlacementSpec{{Hostname: "h9"}}},
	}}
	_, err := preview(context.Background(), cluster, specs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unknown hosts")
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "valid",
			content: "service_type: mon\nplacement:\n  count: 3\n",
		},
		{
			name:    "unknown field",
			content: "service_type: mon\nplacemnt:\n  count: 3\n",
			wantErr: true,
		},
		{
			name:    "missing service id",
			content: "service_type: rgw\nplacement:\n  count: 1\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "spec.yaml", tt.content)
			rootCmd.SetArgs([]string{"validate", "-f", path})
			err := rootCmd.Execute()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
