// Package cmd implements the command-line interface for the swarmKV
// replicated key-value store. It provides a hierarchical command structure
// with operations for running a swarm node and interacting with it as a
// client.
//
// The package is organized into several subpackages:
//
//   - serve: Commands for starting and configuring a swarm node
//   - kv: Commands for database and record operations (create, read,
//     update, delete, watch, status, ...)
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See swarmkv -help for a list of all commands.
package cmd
