/*
Package specstore is keel's desired-state store.

Each service spec is stored under "spec.<service name>" together with its
creation time, its deletion time once soft-deleted, and the rank map of
rank-stable services. Removal is two-phase:

	Rm         stamps the deletion time; the spec stays listed as deleted
	FinallyRm  drops the record once the service has no daemons left

Preview-only specs are staged in memory and never drive placement.
*/
package specstore
