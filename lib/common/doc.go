// Package common holds the configuration and logging setup shared by the host
// runtime and the command line tools.
//
// Logging: every package of dRCU obtains its logger through dragonboat's logger
// registry (logger.GetLogger("rcu"), "host", "rcumap", "cli"). InitLoggers installs
// the dRCU logger factory, which writes lines of the form
//
//	2025/01/02 15:04:05 INFO  | host            | context 3 online
//
// and sets the configured level on all of them.
//
// Configuration: HostConfig collects everything a host needs (number of contexts,
// tick interval, batch size, ...). The command line layer fills it from flags,
// DRCU_ environment variables and .env files, see cmd/util.
package common
