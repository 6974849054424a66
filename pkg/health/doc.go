/*
Package health probes whether running daemons answer on their ports.

The host agent owns a PortProber. On every daemon refresh a PortChecker
dials the ports of each running daemon in parallel and the outcome is folded
into a per-daemon Status.
A daemon is reported unhealthy only after Retries consecutive failures, and
failures during the StartPeriod after the daemon is first seen do not count.

	Refresh ──► PortProber.Probe(daemon, ip)
	                 │
	                 ├── PortChecker ip [ports...]  ──► FailedPorts
	                 │
	                 ▼
	            Status{ConsecutiveFailures, Healthy}
	                 │
	                 ▼
	    "" or "port 8080 not answering" ──► DaemonDescription.StatusDesc

The probe never changes the daemon status itself. The description travels
to the orchestrator with the rest of the refresh and shows up wherever
daemons are listed.

The daemon's own IP is dialed when it has one; otherwise the host address,
falling back to loopback since daemons run in the host network namespace.
*/
package health
