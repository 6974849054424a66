/*
Package inventory is the durable registry of the hosts keel manages.

Each host is one record under host.<hostname> holding its address, labels
and status. The registry keeps every host in memory and writes through to
the store on each change, so reads never touch storage.

Host status moves between three values:

	""           normal, schedulable
	offline      the host check failed; daemons stay where they are
	maintenance  set by an operator; nothing is placed or removed

AddHost on an existing hostname merges the new address and labels into the
record and keeps its status. A host added without an address is reached by
its hostname. Labels are kept unique and sorted; the _admin label marks the
hosts that hold the cluster admin credentials.
*/
package inventory
