// Package tcp implements a TCP socket-based transport for the swarm's wire
// communication. It provides concrete implementations of the base package's
// connector interfaces optimized for TCP connections.
//
// This package builds on the base package's transport functionality,
// inheriting its performance optimizations including connection pooling,
// buffer reuse and reconnection handling. See the base package documentation
// for detailed information on the underlying transport mechanisms.
//
// Key Components:
//
//   - clientConnector: TCP-specific implementation of base.IClientConnector
//
//   - serverConnector: TCP-specific implementation of base.IServerConnector
//
// Both sides disable Nagle's algorithm and enable keep-alive: envelopes are
// small and latency sensitive, and keep-alive probes detect crashed peers
// behind half-open connections.
//
// The default server buffer size is set to 512 KB, which provides good
// performance for typical workloads.
package tcp
