package types

import (
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// TestPlacementValidate tests the placement invariants
func TestPlacementValidate(t *testing.T) {
	tests := []struct {
		name      string
		placement PlacementSpec
		wantErr   string
	}{
		{
			name:      "count only",
			placement: PlacementSpec{Count: IntPtr(3)},
		},
		{
			name:      "label with count per host",
			placement: PlacementSpec{Label: "rgw", CountPerHost: IntPtr(2)},
		},
		{
			name:      "hosts and label",
			placement: PlacementSpec{Hosts: []HostPlacementSpec{{Hostname: "h1"}}, Label: "mon"},
			wantErr:   "host and label are mutually exclusive",
		},
		{
			name:      "hosts and pattern",
			placement: PlacementSpec{Hosts: []HostPlacementSpec{{Hostname: "h1"}}, HostPattern: "h*"},
			wantErr:   "cannot combine host patterns and hosts",
		},
		{
			name:      "label and pattern",
			placement: PlacementSpec{Label: "mon", HostPattern: "h*"},
			wantErr:   "cannot combine label and host pattern",
		},
		{
			name:      "zero count",
			placement: PlacementSpec{Count: IntPtr(0)},
			wantErr:   "count must be > 0",
		},
		{
			name:      "count and count per host",
			placement: PlacementSpec{Count: IntPtr(2), CountPerHost: IntPtr(1)},
			wantErr:   "cannot combine count and count_per_host",
		},
		{
			name:      "count per host with hosts",
			placement: PlacementSpec{Hosts: []HostPlacementSpec{{Hostname: "h1"}}, CountPerHost: IntPtr(1)},
			wantErr:   "count_per_host cannot be combined with explicit hosts",
		},
		{
			name:      "bad pattern",
			placement: PlacementSpec{HostPattern: "h[1"},
			wantErr:   "invalid host pattern",
		},
		{
			name:      "duplicate host",
			placement: PlacementSpec{Hosts: []HostPlacementSpec{{Hostname: "h1"}, {Hostname: "h1"}}},
			wantErr:   "duplicate host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.placement.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errdefs.IsInvalidArgument(err))
		})
	}
}

// TestServiceSpecValidate tests service identity and config rules
func TestServiceSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    ServiceSpec
		wantErr string
	}{
		{
			name: "mon by count",
			spec: ServiceSpec{ServiceType: "mon", Placement: PlacementSpec{Count: IntPtr(3)}},
		},
		{
			name:    "unknown type",
			spec:    ServiceSpec{ServiceType: "bogus", Placement: PlacementSpec{Count: IntPtr(1)}},
			wantErr: "unknown service type",
		},
		{
			name:    "mds without id",
			spec:    ServiceSpec{ServiceType: "mds", Placement: PlacementSpec{Count: IntPtr(1)}},
			wantErr: "service_id is required",
		},
		{
			name:    "mon with id",
			spec:    ServiceSpec{ServiceType: "mon", ServiceID: "a", Placement: PlacementSpec{Count: IntPtr(1)}},
			wantErr: "should not contain a service_id",
		},
		{
			name:    "colocated mon",
			spec:    ServiceSpec{ServiceType: "mon", Placement: PlacementSpec{Label: "mon", CountPerHost: IntPtr(2)}},
			wantErr: "cannot place more than one mon per host",
		},
		{
			name: "colocated rgw",
			spec: ServiceSpec{ServiceType: "rgw", ServiceID: "zone", Placement: PlacementSpec{Label: "rgw", CountPerHost: IntPtr(2)}},
		},
		{
			name:    "unsupported config version",
			spec:    ServiceSpec{ServiceType: "mgr", Placement: PlacementSpec{Count: IntPtr(2)}, Config: ServiceConfig{Version: 7}},
			wantErr: "unsupported config version",
		},
		{
			name:    "dotted service id",
			spec:    ServiceSpec{ServiceType: "ingress", ServiceID: "rgw.zone", Placement: PlacementSpec{Count: IntPtr(2)}},
			wantErr: "invalid service_id",
		},
		{
			name:    "ingress missing virtual ip",
			spec:    ServiceSpec{ServiceType: "ingress", ServiceID: "web", Placement: PlacementSpec{Count: IntPtr(2)}, Config: ServiceConfig{Extra: map[string]string{"backend_service": "rgw.zone"}}},
			wantErr: `requires extra config "virtual_ip"`,
		},
		{
			name:    "bad network",
			spec:    ServiceSpec{ServiceType: "mon", Placement: PlacementSpec{Count: IntPtr(1)}, Networks: []string{"10.0.0.1"}},
			wantErr: "invalid network",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			var verr *ValidationError
			assert.True(t, errors.As(err, &verr))
		})
	}
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "mon", ServiceSpec{ServiceType: "mon"}.ServiceName())
	assert.Equal(t, "mds.fs1", ServiceSpec{ServiceType: "mds", ServiceID: "fs1"}.ServiceName())

	assert.Equal(t, "mds.fs1", DaemonDescription{DaemonType: "mds", DaemonID: "fs1.h1.abcdef"}.ServiceName())
	assert.Equal(t, "mon", DaemonDescription{DaemonType: "mon", DaemonID: "h1"}.ServiceName())
	assert.Equal(t, "ingress.web", DaemonDescription{DaemonType: "keepalived", DaemonID: "web.h1.xyz"}.ServiceName())
	assert.Equal(t, "rgw.a", DaemonDescription{DaemonType: "rgw", DaemonID: "other", Service: "rgw.a"}.ServiceName())
}

func TestParsePlacement(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    PlacementSpec
		wantErr bool
	}{
		{name: "count", in: "3", want: PlacementSpec{Count: IntPtr(3)}},
		{
			name: "hosts",
			in:   "h1 h2:10.0.0.0/24=a",
			want: PlacementSpec{Hosts: []HostPlacementSpec{{Hostname: "h1"}, {Hostname: "h2", Network: "10.0.0.0/24", Name: "a"}}},
		},
		{
			name: "count over hosts",
			in:   "2;h1;h2",
			want: PlacementSpec{Count: IntPtr(2), Hosts: []HostPlacementSpec{{Hostname: "h1"}, {Hostname: "h2"}}},
		},
		{name: "label", in: "label:mon count:3", want: PlacementSpec{Label: "mon", Count: IntPtr(3)}},
		{name: "pattern", in: "count-per-host:2 node-*", want: PlacementSpec{HostPattern: "node-*", CountPerHost: IntPtr(2)}},
		{name: "two labels", in: "label:a label:b", wantErr: true},
		{name: "label and hosts", in: "label:a h1", wantErr: true},
		{name: "two counts", in: "3 2", wantErr: true},
		{name: "count and count token", in: "3 count:2", wantErr: true},
		{name: "two count tokens", in: "count:3 count:2 label:a", wantErr: true},
		{name: "two count-per-host tokens", in: "count-per-host:1 count-per-host:2 *", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlacement(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := ParsePlacement(got.String())
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestHostPlacementSpecYAML(t *testing.T) {
	doc := `
service_type: mon
placement:
  hosts:
    - h1:10.1.0.0/16
    - hostname: h2
      name: b
`
	var spec ServiceSpec
	require.NoError(t, yaml.Unmarshal([]byte(doc), &spec))
	require.Len(t, spec.Placement.Hosts, 2)
	assert.Equal(t, HostPlacementSpec{Hostname: "h1", Network: "10.1.0.0/16"}, spec.Placement.Hosts[0])
	assert.Equal(t, HostPlacementSpec{Hostname: "h2", Name: "b"}, spec.Placement.Hosts[1])
	assert.NoError(t, spec.Validate())
}

func TestFilterMatchingHostnames(t *testing.T) {
	hosts := []Host{
		{Hostname: "node-1", Labels: []string{"mon"}},
		{Hostname: "node-2"},
		{Hostname: "db-1", Labels: []string{"mon"}},
	}

	assert.Equal(t, []string{"node-1", "db-1"}, PlacementSpec{Label: "mon"}.FilterMatchingHostnames(hosts))
	assert.Equal(t, []string{"node-1", "node-2"}, PlacementSpec{HostPattern: "node-*"}.FilterMatchingHostnames(hosts))
	assert.Equal(t, []string{"db-1"}, PlacementSpec{Hosts: []HostPlacementSpec{{Hostname: "db-1"}, {Hostname: "gone"}}}.FilterMatchingHostnames(hosts))
	assert.Empty(t, PlacementSpec{Count: IntPtr(1)}.FilterMatchingHostnames(hosts))
}

func TestErrorClasses(t *testing.T) {
	assert.True(t, errdefs.IsNotFound(NewNotFoundError("host", "h1")))
	assert.True(t, errdefs.IsUnavailable(NewUnreachableError("h1", "offline")))

	cause := errors.New("boom")
	err := NewExecutionError(EventKindDaemon, "mon.h1", "h1", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "daemon mon.h1 on h1: boom", err.Error())
}
