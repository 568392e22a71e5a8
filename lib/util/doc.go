// Package util provides small building blocks shared by the host runtime, the
// RCU protected map and the command line tools.
//
// The package contains:
//   - queue: WakeQueue, an unbounded lock-free multi-producer single-consumer queue
//     feeding a channel. The host uses it to hand batch continuations from any
//     goroutine (including callbacks running under engine locks) to its dispatcher
//     without ever blocking the producer.
//   - hash: seeded FNV-1a string hashing used to spread keys across map shards
//   - statistics: summary statistics over float samples (perf reports, shard
//     distribution)
package util
