/*
Package runtime runs keel daemons as containerd containers on a host.

ContainerdRuntime is the DaemonRuntime behind the host agent. Every daemon
is one container whose ID is the daemon name (type.id), so the agent can
rebuild its daemon list from containerd alone after a restart. Nothing
about a daemon lives in the agent's memory.

# Architecture

	┌──────────────────── HOST AGENT ─────────────────────┐
	│                                                      │
	│   agent.Server (gRPC)                                │
	│        │                                             │
	│        ▼                                             │
	│   ┌───────────────────────────────────────────┐      │
	│   │ ContainerdRuntime                         │      │
	│   │  - Namespace: keel                        │      │
	│   │  - Socket: /run/containerd/containerd.sock│      │
	│   └──────────────┬────────────────────────────┘      │
	│                  │                                   │
	│    ┌─────────────┼──────────────┐                    │
	│    ▼             ▼              ▼                    │
	│  Pull +      Container       Task                    │
	│  unpack      + labels        start/stop              │
	│                  │                                   │
	│                  ▼                                   │
	│   <data-dir>/<daemon>/config.json ──► /var/lib/keel  │
	└──────────────────────────────────────────────────────┘

# Labels

A daemon's identity is stored on its container:

	keel.daemon-type       mon, mgr, rgw, ...
	keel.daemon-id         node1, foo.node1.abcdef, ...
	keel.service           the owning service name
	keel.rank              rank of ranked services
	keel.rank-generation   generation of that rank
	keel.ports             comma separated host ports

ListDaemons only returns containers carrying keel.daemon-type.

# Lifecycle

Deploy pulls the image, writes the daemon config into its data directory
and creates the container with host networking and the data directory
bind mounted at /var/lib/keel. An existing container of the same name is
removed first. With Reconfig set only the config file is rewritten and the
container restarted.

Stop sends SIGTERM and waits up to ten seconds before SIGKILL. Remove stops
the task and deletes the container and its snapshot; the data directory is
kept on the host.

Task state maps onto daemon status:

	Running            running
	Created            starting
	Paused             stopped
	Stopped, exit 0    stopped
	Stopped, exit !=0  error
	no task            stopped

# Usage

	rt, err := runtime.NewContainerdRuntime(runtime.DefaultSocketPath, "/var/lib/keel/daemons")
	if err != nil {
		return err
	}
	defer rt.Close()

	srv, err := agent.NewServer("", version, rt)
*/
package runtime
