// Package base provides a foundation for transport layers in the swarm,
// implementing core functionality for wire communication independent of the
// specific network protocol (TCP, Unix sockets, etc.). It serves as a base
// layer that can be extended with protocol-specific connectors.
//
// The package focuses on:
//   - Protocol-agnostic client and server transport implementations
//   - Performance optimization through connection pooling and buffer reuse
//   - Length-prefixed frame protocol over long-lived connections
//   - Bidirectional message flow: servers push frames to connected clients
//     at any time, clients hand every inbound frame to a registered handler
//   - Robust error handling with retries and reconnection logic
//
// Key Components:
//
//   - IClientConnector/IServerConnector: Interfaces for protocol-specific
//     operations that allow extending the base transport with different
//     network protocols.
//
//   - clientTransport: Core client implementation that manages multiple
//     connections with round-robin load balancing. Supports multiple
//     connections per endpoint for improved throughput.
//
//   - serverTransport: Core server implementation that accepts connections,
//     wraps each in a session and hands inbound frames plus the session to
//     the registered handler through a bounded per-connection worker pool.
//
// Performance Optimizations:
//
//   - Connection Pooling: Multiple connections per endpoint improve
//     throughput for high-load scenarios. For small messages (< 1KB) a
//     single connection per endpoint may actually perform better due to
//     reduced overhead.
//
//   - Buffer Pooling: The server uses a sync.Pool to reuse read buffers,
//     reducing GC pressure and memory allocations.
//
//   - Frame Batching: The transport uses net.Buffers to reduce syscalls
//     when writing frames, combining header and payload into a single
//     write operation.
//
// Thread Safety:
//
//	All public methods are thread-safe. The client transport uses atomic
//	operations and mutexes to ensure concurrent access safety, while the
//	server serializes writes per session so request workers and pushed
//	messages can share one socket.
package base
