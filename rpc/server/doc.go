// Package server assembles a complete swarm node from its configuration:
// storage engine, consensus engine, request execution layer, subscription
// manager, status reporting and the listening transports.
//
// The package focuses on:
//   - Wiring the library layers together (lib/storage, lib/pbft, lib/crud)
//   - Dispatching inbound envelopes by payload case: client requests enter
//     consensus ordering, peer relays feed operation slots, protocol
//     messages drive the engine, status requests are answered directly
//   - The node message fabric: signed envelope exchange between swarm
//     members over pooled outbound connections
//   - Relaying responses from the executing replica back to the client's
//     point of contact
//
// Key Components:
//
//   - SwarmServer: The node itself. Built with NewSwarmServer from a
//     ServerConfig, started with Serve or ServeUntilSignal.
//
//   - node: The pbft.INode implementation carrying envelopes between swarm
//     members. One lazily established client transport per peer.
//
//   - Signer: The node's ed25519 identity. All envelopes between swarm
//     members are signed, quick read responses stay unsigned.
//
//   - serverSession: Adapts transport sessions to the session contract of
//     the database layer, adding envelope serialization and signing.
//
// A node listens on any number of endpoints, the scheme selects the
// transport: tcp:// (default), unix:// and ws://.
package server
