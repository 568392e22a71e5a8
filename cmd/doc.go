// Package cmd implements the command-line interface of dRCU. The binary hosts
// the reclamation engine in process and drives it with synthetic workloads.
//
// The package is organized into several subpackages:
//
//   - run: Runs a reader/writer workload against a host and serves its metrics
//   - perf: Micro benchmarks of the host, the engine and the RCU map
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Host settings are persistent flags of the root command and can also be set with
// DRCU_ prefixed environment variables or a .env file.
//
// See drcu -help for a list of all commands.
package cmd
