// Package transport defines the interfaces and abstractions for the swarm's
// wire communication. It provides a common contract that all transport
// implementations must fulfill, enabling protocol-agnostic communication.
//
// The package focuses on:
//   - Defining clear interfaces for client and server transport layers
//   - Session oriented message exchange: the server may push envelopes to a
//     connected client at any time (consensus responses, subscription
//     updates), so the contract is framed messages over long-lived
//     connections rather than request/response pairs
//   - Enabling multiple transport implementations (TCP, Unix sockets,
//     WebSocket)
//
// Key Components:
//
//   - IClientTransport: Interface for client-side transport implementations
//     that handles connection management and frame delivery in both
//     directions.
//
//   - IServerTransport: Interface for server-side transport implementations
//     that accept connections and hand inbound frames plus the originating
//     session to the registered handler.
//
//   - ISession: One live client connection. Handlers may retain sessions to
//     push messages later.
package transport
