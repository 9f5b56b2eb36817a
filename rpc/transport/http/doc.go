// Package http implements a WebSocket-based transport layer for the swarm's
// wire communication. Endpoints using the ws:// scheme are served by this
// package, enabling clients behind HTTP-only infrastructure (proxies, load
// balancers, browsers) to participate in the session oriented protocol.
//
// Plain request/response HTTP cannot carry the swarm's communication
// pattern: the server pushes subscription updates and consensus driven
// responses to connected clients at arbitrary later points. WebSocket keeps
// the HTTP handshake but provides the long-lived bidirectional channel the
// protocol needs.
//
// Key Components:
//
//   - wsServerTransport: Implements IServerTransport, upgrading inbound
//     HTTP requests to WebSocket connections and handing binary messages
//     plus the originating session to the registered handler through a
//     bounded per-connection worker pool.
//
//   - wsClientTransport: Implements IClientTransport with the same
//     connection pooling, round-robin balancing, retry and reconnection
//     behavior as the socket based transports.
//
// WebSocket performs its own message framing, so the length-prefix protocol
// used by the TCP and Unix transports does not apply here. Everything above
// the transport (envelopes, signatures, correlation) is identical across
// transports.
package http
