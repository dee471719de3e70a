/*
Package storage provides persistent state storage for the control plane.

The Store interface abstracts the storage backend; BoltStore implements it
with BoltDB (bbolt), using one bucket per entity type and JSON-encoded
values. Updates are upserts keyed by entity ID; name lookups scan the bucket
with a cursor.

BoltDB serializes all write transactions, which gives the registrar the
read-count-then-insert atomicity it needs for capacity enforcement under
concurrent registrations.
*/
package storage
