/*
Package storage persists keel's cluster state as opaque key/value records.

Everything durable goes through the Store interface: the host inventory,
the service specs and rank maps, the observed-state cache, the upgrade
state and the certificate authority. Values are JSON records written by
their owners; the store imposes no schema.

# Backends

	┌──────────────────────── Store ────────────────────────┐
	│ Get / Set / GetPrefix / Delete / Close                 │
	└───────┬────────────────────┬──────────────────┬───────┘
	        │                    │                  │
	        ▼                    ▼                  ▼
	  MemoryStore           BoltStore         ReplicatedStore
	  tests, --ephemeral    <data>/keel.db    raft log ──► FSM ──► BoltStore
	                        bucket "kv"       raft-boltdb log + stable
	                                          file snapshots

BoltStore keeps every record in a single bucket. GetPrefix seeks a cursor
to the prefix, so listing a key space costs only the matching records.

ReplicatedStore sends every write through raft.Apply and applies it to its
local Store once committed. Reads are served from the local copy. Only the
leader accepts writes; followers return an error from Set and Delete.
Snapshots serialize the whole key space and Restore replaces it.

# Key space

	host.<hostname>          inventory record
	hostcache.<hostname>     observed daemons, devices, facts, timestamps
	spec.<service>           service spec, rank map, soft-delete marker
	upgrade_state            target image of a running upgrade
	security.ca              root certificate and key

# Usage

	store, err := storage.NewBoltStore("/var/lib/keel")
	if err != nil {
		return err
	}
	defer store.Close()

	var h types.Host
	if err := storage.GetJSON(store, "host.node1", &h); storage.IsNotFound(err) {
		// not registered
	}

Missing keys return ErrKeyNotFound, which also satisfies errdefs.IsNotFound.
*/
package storage
