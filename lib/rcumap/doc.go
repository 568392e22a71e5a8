// Package rcumap provides a sharded string-keyed map whose readers never take a
// lock. It is the in-tree consumer of the grace-period machinery and drives the
// workload of `drcu run` and the map benchmarks of `drcu perf`.
//
// Every shard publishes an immutable snapshot through an atomic pointer. Readers
// load the snapshot inside a read-side section of a host context:
//
//	v, ok := m.Get(c, "key")
//
// Writers serialize per shard, copy the snapshot, apply their change, publish the
// copy and retire the old snapshot with Context.Call. Once the grace period is over
// no reader can still hold the old snapshot, so it is cleared and recycled as the
// storage of a later copy. A snapshot that could not be retired (the writer's
// context was removed meanwhile) is left to the garbage collector instead.
//
// Writes cost O(shard size), the map suits read-mostly data such as routing tables
// or configuration.
package rcumap
