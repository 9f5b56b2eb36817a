// Package unix implements a transport layer for the swarm's wire
// communication using Unix domain sockets. It provides optimized
// communication for processes running on the same machine.
//
// This package extends the base transport layer with Unix socket-specific
// connectors while inheriting all core functionality like connection
// pooling, frame handling and reconnection logic from the base package.
//
// Key Components:
//
//   - clientConnector: Establishes connections using Unix domain sockets
//
//   - serverConnector: Creates Unix socket listeners, removing a stale
//     socket file left behind by a previous process before binding
//
// Performance Characteristics:
//
//   - Default buffer size: 64 KB, optimized for local communication patterns
//   - Reduced overhead: Eliminates TCP/IP stack processing
//   - Lower latency: Direct kernel-mediated IPC avoids network subsystem
//     overhead
package unix
