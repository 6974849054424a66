package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// PortChecker dials every port a daemon listens on. The daemon is healthy
// when all of them accept a connection.
type PortChecker struct {
	IP    string
	Ports []int

	// Timeout bounds each dial
	Timeout time.Duration
}

// NewPortChecker creates a checker for the ports of a daemon reachable on ip
func NewPortChecker(ip string, ports []int) *PortChecker {
	return &PortChecker{
		IP:      ip,
		Ports:   ports,
		Timeout: 5 * time.Second,
	}
}

// Check dials the ports in parallel. FailedPorts lists the ones that did
// not answer, in the order they were given.
func (c *PortChecker) Check(ctx context.Context) Result {
	start := time.Now()
	dialer := &net.Dialer{Timeout: c.Timeout}

	answered := make([]bool, len(c.Ports))
	var g errgroup.Group
	for i, port := range c.Ports {
		i, port := i, port
		g.Go(func() error {
			conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(c.IP, strconv.Itoa(port)))
			if err != nil {
				return nil
			}
			answered[i] = true
			return conn.Close()
		})
	}
	_ = g.Wait()

	res := Result{Healthy: true, CheckedAt: start}
	for i, ok := range answered {
		if !ok {
			res.FailedPorts = append(res.FailedPorts, c.Ports[i])
		}
	}
	if len(res.FailedPorts) > 0 {
		res.Healthy = false
		res.Message = fmt.Sprintf("port %s not answering", joinPorts(res.FailedPorts))
	}
	res.Duration = time.Since(start)
	return res
}

// Type returns the health check type
func (c *PortChecker) Type() CheckType {
	return CheckTypeTCP
}

// WithTimeout sets the per-port dial timeout
func (c *PortChecker) WithTimeout(timeout time.Duration) *PortChecker {
	if timeout > 0 {
		c.Timeout = timeout
	}
	return c
}

func joinPorts(ports []int) string {
	s := make([]string, len(ports))
	for i, p := range ports {
		s[i] = strconv.Itoa(p)
	}
	return strings.Join(s, ",")
}
