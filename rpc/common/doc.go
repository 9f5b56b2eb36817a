// Package common provides configuration structures and logging utilities
// shared across the swarm RPC system. The wire types themselves live in
// lib/proto, this package covers everything around them.
//
// The package focuses on:
//   - Configuration structures for client and server components
//   - Custom logging implementation shared by all modules
//
// Key Components:
//
//   - ServerConfig: Comprehensive configuration for swarm nodes, including
//     node identity, listen endpoints, swarm membership, storage settings,
//     wire format selection and operation limits.
//
//   - ClientConfig: Configuration for client components, controlling
//     connection parameters, timeouts, and retry behavior.
//
//   - Logger: Custom logging implementation providing consistent formatting
//     across the application. Every module obtains its logger through the
//     shared factory, the configured level applies uniformly.
package common
