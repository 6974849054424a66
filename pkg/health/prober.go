package health

import (
	"context"
	"sync"

	"github.com/cuemby/keel/pkg/clock"
	"github.com/cuemby/keel/pkg/types"
)

// PortProber checks that running daemons answer on their ports. A daemon is
// reported unhealthy once its checks failed Retries times in a row after the
// start period.
type PortProber struct {
	cfg        Config
	clock      clock.Clock
	newChecker func(ip string, ports []int) Checker

	mu       sync.Mutex
	statuses map[string]*Status
}

// NewPortProber creates a prober dialing daemon ports over TCP
func NewPortProber(cfg Config, clk clock.Clock) *PortProber {
	if clk == nil {
		clk = clock.Real{}
	}
	p := &PortProber{
		cfg:      cfg,
		clock:    clk,
		statuses: make(map[string]*Status),
	}
	p.newChecker = func(ip string, ports []int) Checker {
		return NewPortChecker(ip, ports).WithTimeout(cfg.Timeout)
	}
	return p
}

// Probe checks every port of d on ip and returns an empty string when the
// daemon is healthy, otherwise a description of what is not answering.
// Daemons that are not running or have no ports are not probed.
func (p *PortProber) Probe(ctx context.Context, d types.DaemonDescription, ip string) string {
	if d.Status != types.DaemonStatusRunning || len(d.Ports) == 0 {
		p.Forget(d.Name())
		return ""
	}
	if d.IP != "" {
		ip = d.IP
	}
	result := p.newChecker(ip, d.Ports).Check(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	result.CheckedAt = now
	st, ok := p.statuses[d.Name()]
	if !ok {
		st = NewStatus(now)
		p.statuses[d.Name()] = st
	}
	if st.InStartPeriod(p.cfg, now) {
		return ""
	}
	st.Update(result, p.cfg)
	if st.Healthy {
		return ""
	}
	return result.Message
}

// Forget drops the state of daemons that are gone
func (p *PortProber) Forget(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range names {
		delete(p.statuses, n)
	}
}

// Prune keeps only the state of the named daemons
func (p *PortProber) Prune(keep map[string]bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for n := range p.statuses {
		if !keep[n] {
			delete(p.statuses, n)
		}
	}
}
