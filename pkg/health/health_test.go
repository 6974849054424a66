package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortChecker(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	open := lis.Addr().(*net.TCPAddr).Port

	closedLis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closed := closedLis.Addr().(*net.TCPAddr).Port
	require.NoError(t, closedLis.Close())

	r := NewPortChecker("127.0.0.1", []int{open}).Check(context.Background())
	assert.True(t, r.Healthy, r.Message)
	assert.Empty(t, r.FailedPorts)

	r = NewPortChecker("127.0.0.1", []int{open, closed}).WithTimeout(time.Second).Check(context.Background())
	assert.False(t, r.Healthy)
	assert.Equal(t, []int{closed}, r.FailedPorts)
	assert.Equal(t, fmt.Sprintf("port %d not answering", closed), r.Message)
	assert.Equal(t, CheckTypeTCP, NewPortChecker("127.0.0.1", nil).Type())
}

func TestStatusUpdate(t *testing.T) {
	cfg := Config{Retries: 2}
	st := NewStatus(time.Now())
	assert.True(t, st.Healthy)

	st.Update(Result{Healthy: false}, cfg)
	assert.True(t, st.Healthy)
	st.Update(Result{Healthy: false}, cfg)
	assert.False(t, st.Healthy)
	assert.Equal(t, 2, st.ConsecutiveFailures)

	st.Update(Result{Healthy: true}, cfg)
	assert.True(t, st.Healthy)
	assert.Equal(t, 0, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.ConsecutiveSuccesses)
}

// stubChecker answers on the ports marked in answering
type stubChecker struct {
	ip        string
	ports     []int
	answering map[string]bool
}

func (c stubChecker) Check(ctx context.Context) Result {
	r := Result{Healthy: true}
	for _, port := range c.ports {
		if !c.answering[net.JoinHostPort(c.ip, strconv.Itoa(port))] {
			r.FailedPorts = append(r.FailedPorts, port)
		}
	}
	if len(r.FailedPorts) > 0 {
		r.Healthy = false
		r.Message = fmt.Sprintf("port %s not answering", joinPorts(r.FailedPorts))
	}
	return r
}

func (c stubChecker) Type() CheckType { return CheckTypeTCP }

func TestPortProber(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	p := NewPortProber(Config{Retries: 2, StartPeriod: time.Minute}, clk)

	answering := map[string]bool{"10.0.0.1:80": true}
	var dialed []string
	p.newChecker = func(ip string, ports []int) Checker {
		dialed = append(dialed, ip)
		return stubChecker{ip: ip, ports: ports, answering: answering}
	}

	rgw := types.DaemonDescription{
		DaemonType: "rgw",
		DaemonID:   "foo.node1.abcdef",
		Status:     types.DaemonStatusRunning,
		Ports:      []int{80, 8080},
	}
	ctx := context.Background()

	// failures inside the start period do not count
	assert.Empty(t, p.Probe(ctx, rgw, "10.0.0.1"))
	clk.Advance(2 * time.Minute)

	assert.Empty(t, p.Probe(ctx, rgw, "10.0.0.1"))
	assert.Equal(t, "port 8080 not answering", p.Probe(ctx, rgw, "10.0.0.1"))

	answering["10.0.0.1:8080"] = true
	assert.Empty(t, p.Probe(ctx, rgw, "10.0.0.1"))

	// the daemon's own ip wins over the host's
	dialed = nil
	withIP := rgw
	withIP.IP = "10.0.0.9"
	p.Probe(ctx, withIP, "10.0.0.1")
	assert.Equal(t, []string{"10.0.0.9"}, dialed)

	// stopped daemons are not probed and lose their state
	dialed = nil
	stopped := rgw
	stopped.Status = types.DaemonStatusStopped
	assert.Empty(t, p.Probe(ctx, stopped, "10.0.0.1"))
	assert.Empty(t, dialed)
	p.mu.Lock()
	assert.NotContains(t, p.statuses, rgw.Name())
	p.mu.Unlock()
}

func TestPortProberPrune(t *testing.T) {
	p := NewPortProber(DefaultConfig(), nil)
	p.newChecker = func(ip string, ports []int) Checker {
		return stubChecker{ip: ip, ports: ports, answering: map[string]bool{"127.0.0.1:8443": true}}
	}

	for _, id := range []string{"a", "b"} {
		p.Probe(context.Background(), types.DaemonDescription{
			DaemonType: "mgr", DaemonID: id, Status: types.DaemonStatusRunning, Ports: []int{8443},
		}, "127.0.0.1")
	}
	p.Prune(map[string]bool{"mgr.a": true})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Contains(t, p.statuses, "mgr.a")
	assert.NotContains(t, p.statuses, "mgr.b")
}
